package observer

import (
	"context"
	"net/netip"
	"time"

	"github.com/route-beacon/rib-replay/internal/bgp"
)

// RIBSize tracks the number of active routes per collector, family and peer.
type RIBSize struct {
	name string
	out  Output
	v4   nestedCounter
	v6   nestedCounter
}

func NewRIBSize(name string, out Output) *RIBSize {
	return &RIBSize{
		name: name,
		out:  out,
		v4:   make(nestedCounter),
		v6:   make(nestedCounter),
	}
}

func (r *RIBSize) Name() string { return r.name }

func (r *RIBSize) AddPathV4(key bgp.RouteKey, _ bgp.ASPath) error {
	r.v4.inc(key.Collector, key.PeerIP.String())
	return nil
}

func (r *RIBSize) AddPathV6(key bgp.RouteKey, _ bgp.ASPath) error {
	r.v6.inc(key.Collector, key.PeerIP.String())
	return nil
}

func (r *RIBSize) AnnounceV4(key bgp.RouteKey, _, oldPath bgp.ASPath) error {
	if oldPath == nil {
		r.v4.inc(key.Collector, key.PeerIP.String())
	}
	return nil
}

func (r *RIBSize) AnnounceV6(key bgp.RouteKey, _, oldPath bgp.ASPath) error {
	if oldPath == nil {
		r.v6.inc(key.Collector, key.PeerIP.String())
	}
	return nil
}

func (r *RIBSize) WithdrawV4(key bgp.RouteKey, _ bgp.ASPath) error {
	r.v4.dec(key.Collector, key.PeerIP.String())
	return nil
}

func (r *RIBSize) WithdrawV6(key bgp.RouteKey, _ bgp.ASPath) error {
	r.v6.dec(key.Collector, key.PeerIP.String())
	return nil
}

// Routes returns the active route count of one peer.
func (r *RIBSize) Routes(collector string, peer netip.Addr, fam bgp.Family) int {
	if fam == bgp.FamilyIPv6 {
		return r.v6.get(collector, peer.String())
	}
	return r.v4.get(collector, peer.String())
}

type ribFamilyDump struct {
	Total int     `json:"total"`
	Peers counter `json:"peers"`
}

type ribCollectorDump struct {
	IPv4 ribFamilyDump `json:"ipv4"`
	IPv6 ribFamilyDump `json:"ipv6"`
}

func familyDump(c counter) ribFamilyDump {
	d := ribFamilyDump{Peers: make(counter, len(c))}
	for peer, n := range c {
		d.Peers[peer] = n
		d.Total += n
	}
	return d
}

func (r *RIBSize) Dump(ctx context.Context, ts time.Time) error {
	collectors := make(map[string]ribCollectorDump)
	for rc := range r.v4 {
		collectors[rc] = ribCollectorDump{}
	}
	for rc := range r.v6 {
		collectors[rc] = ribCollectorDump{}
	}
	for rc := range collectors {
		collectors[rc] = ribCollectorDump{
			IPv4: familyDump(r.v4[rc]),
			IPv6: familyDump(r.v6[rc]),
		}
	}
	return r.out.writeJSON(ctx, r.name, ts, struct {
		Collectors map[string]ribCollectorDump `json:"collectors"`
	}{collectors})
}
