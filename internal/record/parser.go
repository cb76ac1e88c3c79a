package record

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/route-beacon/rib-replay/internal/bgp"
)

var (
	// ErrSkip marks a well-formed line that carries no route information
	// (session state changes, unsupported record types).
	ErrSkip = errors.New("record: not a route record")

	// ErrMalformed marks a line that cannot be parsed.
	ErrMalformed = errors.New("record: malformed line")

	// ErrInvalidPath marks a snapshot entry whose AS path cannot be used.
	ErrInvalidPath = errors.New("record: invalid as_path")
)

// bgpdump -m column indexes.
const (
	colType      = 0
	colTimestamp = 1
	colSubtype   = 2
	colPeerIP    = 3
	colPeerASN   = 4
	colPrefix    = 5
	colASPath    = 6
)

// ParseLine normalizes one line of `bgpdump -m` output:
//
//	TABLE_DUMP2|1283299200|B|195.66.224.175|13030|1.0.0.0/24|13030 3257 15169|IGP|...
//	BGP4MP|1283299231|A|80.81.192.208|8220|78.110.56.0/21|8220 1299 5580|IGP|...
//	BGP4MP|1283299231|W|80.81.192.208|8220|78.110.56.0/21
//
// Snapshot entries ("B") are returned as announcements. An update announcement
// whose path is unusable becomes an implicit withdrawal, since whatever the
// peer previously announced for the prefix is no longer current.
func ParseLine(collector, line string) (*Update, error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), "|")
	if len(fields) < 3 {
		return nil, fmt.Errorf("%w: %d fields", ErrMalformed, len(fields))
	}

	// Snapshot entries come from TABLE_DUMP records, updates from BGP4MP.
	var snapshot bool
	switch fields[colType] {
	case "TABLE_DUMP", "TABLE_DUMP2":
		snapshot = true
	case "BGP4MP", "BGP4MP_ET":
	default:
		return nil, fmt.Errorf("%w: type %q", ErrSkip, fields[colType])
	}

	subtype := fields[colSubtype]
	switch subtype {
	case "A", "B", "W":
	default:
		return nil, fmt.Errorf("%w: subtype %q", ErrSkip, subtype)
	}
	if snapshot != (subtype == "B") {
		return nil, fmt.Errorf("%w: subtype %q in %s record", ErrMalformed, subtype, fields[colType])
	}

	minFields := colASPath + 1
	if subtype == "W" {
		minFields = colPrefix + 1
	}
	if len(fields) < minFields {
		return nil, fmt.Errorf("%w: %s record with %d fields", ErrMalformed, subtype, len(fields))
	}

	u := &Update{Collector: collector}

	ts, err := parseTimestamp(fields[colTimestamp])
	if err != nil {
		return nil, err
	}
	u.Timestamp = ts

	u.PeerIP, err = netip.ParseAddr(fields[colPeerIP])
	if err != nil {
		return nil, fmt.Errorf("%w: peer_ip %q", ErrMalformed, fields[colPeerIP])
	}
	u.PeerIP = u.PeerIP.Unmap()

	u.PeerASN, err = bgp.ParseASN(fields[colPeerASN])
	if err != nil {
		return nil, fmt.Errorf("%w: peer_asn %q", ErrMalformed, fields[colPeerASN])
	}

	u.Prefix, err = netip.ParsePrefix(fields[colPrefix])
	if err != nil {
		return nil, fmt.Errorf("%w: prefix %q", ErrMalformed, fields[colPrefix])
	}
	u.Prefix = u.Prefix.Masked()
	u.Family = bgp.FamilyOf(u.Prefix)

	if subtype == "W" {
		u.Kind = KindWithdraw
		return u, nil
	}

	u.Kind = KindAnnounce
	path, err := bgp.ParseASPath(fields[colASPath])
	if err == nil && !path.ValidFor(u.PeerASN) {
		err = fmt.Errorf("path %s does not start at peer AS%d", path, u.PeerASN)
	}
	if err != nil {
		if subtype == "B" {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}
		u.Kind = KindWithdraw
		u.Implicit = true
		return u, nil
	}
	u.Path = path
	return u, nil
}

// parseTimestamp accepts integer or fractional unix seconds.
func parseTimestamp(s string) (time.Time, error) {
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || f < 0 {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformed, s)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
