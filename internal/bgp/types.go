package bgp

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Family is the address family of a prefix.
type Family int

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	}
	return fmt.Sprintf("family(%d)", int(f))
}

// Valid reports whether f is one of the two supported families.
func (f Family) Valid() bool {
	return f == FamilyIPv4 || f == FamilyIPv6
}

// FamilyOf returns the family of a parsed prefix, or 0 for an invalid one.
func FamilyOf(p netip.Prefix) Family {
	if !p.IsValid() {
		return 0
	}
	if p.Addr().Is4() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// ASPath is an ordered sequence of AS numbers in propagation order: the
// neighbor AS first, the origin AS last.
type ASPath []uint32

func (p ASPath) String() string {
	parts := make([]string, len(p))
	for i, asn := range p {
		parts[i] = strconv.FormatUint(uint64(asn), 10)
	}
	return strings.Join(parts, " ")
}

// Origin returns the originating AS, or 0 for an empty path.
func (p ASPath) Origin() uint32 {
	if len(p) == 0 {
		return 0
	}
	return p[len(p)-1]
}

func (p ASPath) Equal(o ASPath) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

func (p ASPath) Clone() ASPath {
	if p == nil {
		return nil
	}
	c := make(ASPath, len(p))
	copy(c, p)
	return c
}

// ValidFor reports whether the path is usable as a route from a peer with the
// given ASN: it must traverse at least one hop and start at the peer.
func (p ASPath) ValidFor(peerASN uint32) bool {
	return len(p) > 1 && p[0] == peerASN
}

// RouteKey identifies a tracked route. The family is derived from the prefix.
type RouteKey struct {
	Collector string
	PeerIP    netip.Addr
	Prefix    netip.Prefix
}

func (k RouteKey) Family() Family {
	return FamilyOf(k.Prefix)
}

func (k RouteKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Collector, k.PeerIP, k.Prefix)
}
