package bgp

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseASPath parses a textual AS_PATH as printed by bgpdump ("64500 64501 64501 64502").
// Consecutive duplicate ASNs (prepending) are collapsed. AS_SET and
// confederation segments are rejected because they carry no single adjacency.
func ParseASPath(s string) (ASPath, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("bgp: empty as_path")
	}

	path := make(ASPath, 0, len(fields))
	for _, f := range fields {
		if strings.ContainsAny(f, "{}()[]") {
			return nil, fmt.Errorf("bgp: as_path segment %q is not a sequence", f)
		}
		asn, err := parseASN(f)
		if err != nil {
			return nil, err
		}
		if n := len(path); n > 0 && path[n-1] == asn {
			continue
		}
		path = append(path, asn)
	}
	return path, nil
}

// parseASN accepts plain and asdot ("1.10") notation.
func parseASN(s string) (uint32, error) {
	if hi, lo, ok := strings.Cut(s, "."); ok {
		h, err := strconv.ParseUint(hi, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("bgp: invalid asdot asn %q", s)
		}
		l, err := strconv.ParseUint(lo, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("bgp: invalid asdot asn %q", s)
		}
		return uint32(h)<<16 | uint32(l), nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bgp: invalid asn %q", s)
	}
	return uint32(v), nil
}

// ParseASN parses a single AS number.
func ParseASN(s string) (uint32, error) {
	return parseASN(strings.TrimSpace(s))
}
