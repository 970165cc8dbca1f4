package geoip

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// editions maps the archive edition id to the target filename.
var editions = map[string]string{
	"GeoLite2-City": CityDBFile,
	"GeoLite2-ASN":  ASNDBFile,
}

// Update downloads both database editions and swaps them in atomically
// (write to a temp file, rename over the old one, rotate readers). It is
// opt-in: without a license key the call fails fast, and callers run it
// outside the request path.
func (c *Client) Update(ctx context.Context) error {
	if c.cfg.LicenseKey == "" {
		return errors.New("geoip update requires a license key")
	}

	for edition, target := range editions {
		if err := c.updateEdition(ctx, edition, target); err != nil {
			return fmt.Errorf("update %s: %w", edition, err)
		}
	}
	c.rotate()
	c.log.Info("geoip: databases updated", "dir", c.cfg.Dir)
	return nil
}

func (c *Client) updateEdition(ctx context.Context, edition, target string) error {
	url := fmt.Sprintf(c.cfg.DownloadURL, edition)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth("license", c.cfg.LicenseKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}

	return c.extractMMDB(resp.Body, target)
}

// extractMMDB pulls the single .mmdb member out of a gzipped tarball and
// renames it over the target path.
func (c *Client) extractMMDB(archive io.Reader, target string) error {
	gz, err := gzip.NewReader(archive)
	if err != nil {
		return fmt.Errorf("gunzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("archive contains no .mmdb file")
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || !strings.HasSuffix(hdr.Name, ".mmdb") {
			continue
		}

		tmp, err := os.CreateTemp(c.cfg.Dir, ".geoip-update-*")
		if err != nil {
			return err
		}
		tmpPath := tmp.Name()
		if _, err := io.Copy(tmp, tr); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("extract: %w", err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpPath)
			return err
		}
		if err := os.Rename(tmpPath, filepath.Join(c.cfg.Dir, target)); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("rename: %w", err)
		}
		return nil
	}
}
