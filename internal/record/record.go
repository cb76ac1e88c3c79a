package record

import (
	"net/netip"
	"time"

	"github.com/route-beacon/rib-replay/internal/bgp"
)

// Kind classifies an update record.
type Kind int

const (
	KindAnnounce Kind = iota + 1
	KindWithdraw
)

func (k Kind) String() string {
	switch k {
	case KindAnnounce:
		return "announce"
	case KindWithdraw:
		return "withdraw"
	}
	return "unknown"
}

// Update is a normalized route record. Path is set only for announcements.
type Update struct {
	Timestamp time.Time
	Collector string
	PeerIP    netip.Addr
	PeerASN   uint32
	Prefix    netip.Prefix
	Family    bgp.Family
	Kind      Kind
	Path      bgp.ASPath

	// Implicit marks a withdrawal derived from an announcement whose path
	// could not be used.
	Implicit bool
}

func (u *Update) Key() bgp.RouteKey {
	return bgp.RouteKey{Collector: u.Collector, PeerIP: u.PeerIP, Prefix: u.Prefix}
}

// Filter restricts records to a set of peers. Empty lists allow everything.
type Filter struct {
	peerIPs  map[netip.Addr]bool
	peerASNs map[uint32]bool
}

func NewFilter(peerIPs []netip.Addr, peerASNs []uint32) *Filter {
	f := &Filter{}
	if len(peerIPs) > 0 {
		f.peerIPs = make(map[netip.Addr]bool, len(peerIPs))
		for _, ip := range peerIPs {
			f.peerIPs[ip.Unmap()] = true
		}
	}
	if len(peerASNs) > 0 {
		f.peerASNs = make(map[uint32]bool, len(peerASNs))
		for _, asn := range peerASNs {
			f.peerASNs[asn] = true
		}
	}
	return f
}

func (f *Filter) Allows(u *Update) bool {
	if f == nil {
		return true
	}
	if f.peerIPs != nil && !f.peerIPs[u.PeerIP] {
		return false
	}
	if f.peerASNs != nil && !f.peerASNs[u.PeerASN] {
		return false
	}
	return true
}
