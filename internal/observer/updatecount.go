package observer

import (
	"context"
	"time"

	"github.com/route-beacon/rib-replay/internal/bgp"
)

// UpdateCount tallies incremental updates per collector, family and peer.
// Snapshot entries are not counted. Totals accumulate across checkpoints.
type UpdateCount struct {
	name          string
	out           Output
	updates       counter
	announcements familyCounters
	withdrawals   familyCounters
	perPeer       nestedCounter
}

func NewUpdateCount(name string, out Output) *UpdateCount {
	return &UpdateCount{
		name:          name,
		out:           out,
		updates:       make(counter),
		announcements: newFamilyCounters(),
		withdrawals:   newFamilyCounters(),
		perPeer:       make(nestedCounter),
	}
}

func (u *UpdateCount) Name() string { return u.name }

func (u *UpdateCount) AddPathV4(bgp.RouteKey, bgp.ASPath) error { return nil }
func (u *UpdateCount) AddPathV6(bgp.RouteKey, bgp.ASPath) error { return nil }

func (u *UpdateCount) AnnounceV4(key bgp.RouteKey, _, _ bgp.ASPath) error {
	u.count(key, u.announcements.v4)
	return nil
}

func (u *UpdateCount) AnnounceV6(key bgp.RouteKey, _, _ bgp.ASPath) error {
	u.count(key, u.announcements.v6)
	return nil
}

func (u *UpdateCount) WithdrawV4(key bgp.RouteKey, _ bgp.ASPath) error {
	u.count(key, u.withdrawals.v4)
	return nil
}

func (u *UpdateCount) WithdrawV6(key bgp.RouteKey, _ bgp.ASPath) error {
	u.count(key, u.withdrawals.v6)
	return nil
}

func (u *UpdateCount) count(key bgp.RouteKey, kind counter) {
	u.updates.inc(key.Collector)
	kind.inc(key.Collector)
	u.perPeer.inc(key.Collector, key.PeerIP.String())
}

type updateCountDump struct {
	Updates           counter       `json:"n_updates"`
	WithdrawalsIPv4   counter       `json:"n_withdrawals_ipv4"`
	WithdrawalsIPv6   counter       `json:"n_withdrawals_ipv6"`
	AnnouncementsIPv4 counter       `json:"n_announcements_ipv4"`
	AnnouncementsIPv6 counter       `json:"n_announcements_ipv6"`
	UpdatesPerPeer    nestedCounter `json:"n_updates_per_peer"`
}

func (u *UpdateCount) Dump(ctx context.Context, ts time.Time) error {
	return u.out.writeJSON(ctx, u.name, ts, updateCountDump{
		Updates:           u.updates,
		WithdrawalsIPv4:   u.withdrawals.v4,
		WithdrawalsIPv6:   u.withdrawals.v6,
		AnnouncementsIPv4: u.announcements.v4,
		AnnouncementsIPv6: u.announcements.v6,
		UpdatesPerPeer:    u.perPeer,
	})
}
