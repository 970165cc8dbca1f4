package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/trapline-labs/trapline/internal/session"
)

// maxLineBytes bounds one honeypot log line. Cowrie lines are small; anything
// bigger is garbage and dead-letters through the malformed path.
const maxLineBytes = 1 << 20

// ingestFile replays one JSON-lines log file through the summarizer. The file
// position (path, inode, offset) keys deduplication, so replaying the same
// file is idempotent.
func ingestFile(ctx context.Context, s *session.Summarizer, path string) (ok, rejected int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	pos := session.FilePosition{Path: path, Inode: inodeOf(f)}
	reader := bufio.NewReaderSize(f, maxLineBytes)
	var offset int64

	for {
		if err := ctx.Err(); err != nil {
			return ok, rejected, err
		}
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				pos.Offset = offset
				if ingErr := s.Ingest(ctx, trimmed, pos); ingErr != nil {
					rejected++
				} else {
					ok++
				}
			}
			offset += int64(len(line))
		}
		if errors.Is(readErr, io.EOF) {
			return ok, rejected, nil
		}
		if readErr != nil {
			return ok, rejected, fmt.Errorf("read %s: %w", path, readErr)
		}
	}
}

// inodeOf resolves the file's inode so rotated logs with recycled paths stay
// distinguishable. Zero when the platform does not expose one.
func inodeOf(f *os.File) int64 {
	fi, err := f.Stat()
	if err != nil {
		return 0
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return int64(st.Ino)
	}
	return 0
}
