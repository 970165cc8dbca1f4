package whois

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Result is one IP-to-ASN attribution from the Team Cymru service.
type Result struct {
	ASN         uint   `json:"asn"`
	ASNOrg      string `json:"asn_org,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	Registry    string `json:"registry,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
	Allocated   string `json:"allocated,omitempty"`
}

// parseOriginTXT parses an origin zone TXT record:
//
//	"15169 | 8.8.8.0/24 | US | arin | 2000-03-30"
//
// A nil result means the address is unallocated ("NA" or non-numeric ASN).
func parseOriginTXT(record string) (*Result, error) {
	fields := splitRecord(record)
	if len(fields) < 5 {
		return nil, fmt.Errorf("malformed origin record %q", record)
	}

	// Multi-origin prefixes list several ASNs; the first is authoritative.
	asnField := strings.Fields(fields[0])
	if len(asnField) == 0 {
		return nil, fmt.Errorf("malformed origin record %q", record)
	}
	asn, ok := parseASN(asnField[0])
	if !ok {
		return nil, nil
	}

	return &Result{
		ASN:         asn,
		Prefix:      fields[1],
		CountryCode: fields[2],
		Registry:    strings.ToUpper(fields[3]),
		Allocated:   fields[4],
	}, nil
}

// parseASNameTXT parses an AS zone TXT record:
//
//	"15169 | US | arin | 2000-03-30 | GOOGLE, US"
//
// and returns the AS description field.
func parseASNameTXT(record string) string {
	fields := splitRecord(record)
	if len(fields) < 5 {
		return ""
	}
	return fields[4]
}

// parseBulkLine parses one line of a verbose bulk whois response:
//
//	"15169   | 8.8.8.8        | 8.8.8.0/24       | US | arin  | 2000-03-30 | GOOGLE, US"
//
// Returns the queried IP alongside the parsed result; a nil result means the
// line reports an unallocated address.
func parseBulkLine(line string) (string, *Result, error) {
	fields := splitRecord(line)
	if len(fields) < 7 {
		return "", nil, fmt.Errorf("malformed bulk line %q", line)
	}
	ip := fields[1]
	if net.ParseIP(ip) == nil {
		return "", nil, fmt.Errorf("malformed bulk line %q: bad IP", line)
	}

	asn, ok := parseASN(fields[0])
	if !ok {
		return ip, nil, nil
	}
	return ip, &Result{
		ASN:         asn,
		Prefix:      fields[2],
		CountryCode: fields[3],
		Registry:    strings.ToUpper(fields[4]),
		Allocated:   fields[5],
		ASNOrg:      fields[6],
	}, nil
}

func parseASN(s string) (uint, bool) {
	if s == "" || strings.EqualFold(s, "NA") {
		return 0, false
	}
	asn, err := strconv.ParseUint(s, 10, 32)
	if err != nil || asn == 0 {
		return 0, false
	}
	return uint(asn), true
}

func splitRecord(record string) []string {
	parts := strings.Split(record, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// reverseForOrigin builds the origin zone name for an address:
// 8.8.8.8 -> 8.8.8.8.origin.asn.cymru.com (octets reversed),
// IPv6 nibble-reversed under origin6.
func reverseForOrigin(ip net.IP, v4zone, v6zone string) (string, error) {
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.%d.%s", v4[3], v4[2], v4[1], v4[0], v4zone), nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return "", fmt.Errorf("unsupported IP %v", ip)
	}
	const hexDigits = "0123456789abcdef"
	var sb strings.Builder
	for i := len(v6) - 1; i >= 0; i-- {
		sb.WriteByte(hexDigits[v6[i]&0xf])
		sb.WriteByte('.')
		sb.WriteByte(hexDigits[v6[i]>>4])
		sb.WriteByte('.')
	}
	return sb.String() + v6zone, nil
}
