// Package rib holds the reconstructed routing table: for every collector,
// peer and prefix, the last path received. Every transition is forwarded to
// the observer dispatcher after the table has been updated.
package rib

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/route-beacon/rib-replay/internal/bgp"
	"github.com/route-beacon/rib-replay/internal/metrics"
	"github.com/route-beacon/rib-replay/internal/observer"
	"github.com/route-beacon/rib-replay/internal/record"
	"go.uber.org/zap"
)

var (
	ErrDuplicateCollector = errors.New("rib: collector already registered")
	ErrUnknownCollector   = errors.New("rib: unknown collector")
	ErrNotBuilding        = errors.New("rib: collector is not building")
	ErrNotSteady          = errors.New("rib: collector is not steady")
	ErrEmptyPath          = errors.New("rib: empty as_path")
)

// Phase is the lifecycle state of one collector's table.
type Phase int

const (
	PhaseBuilding Phase = iota
	PhaseSteady
)

func (p Phase) String() string {
	if p == PhaseSteady {
		return "steady"
	}
	return "building"
}

type peerRoutes map[netip.Prefix]bgp.ASPath

type familyRoutes struct {
	peers  map[netip.Addr]peerRoutes
	routes int
}

func (f *familyRoutes) get(peer netip.Addr, prefix netip.Prefix) (bgp.ASPath, bool) {
	path, ok := f.peers[peer][prefix]
	return path, ok
}

// set stores path and reports whether the key was new.
func (f *familyRoutes) set(peer netip.Addr, prefix netip.Prefix, path bgp.ASPath) bool {
	pr, ok := f.peers[peer]
	if !ok {
		pr = make(peerRoutes)
		f.peers[peer] = pr
	}
	_, existed := pr[prefix]
	pr[prefix] = path
	if !existed {
		f.routes++
	}
	return !existed
}

func (f *familyRoutes) remove(peer netip.Addr, prefix netip.Prefix) {
	pr := f.peers[peer]
	if _, ok := pr[prefix]; !ok {
		return
	}
	delete(pr, prefix)
	f.routes--
}

type collectorTable struct {
	name       string
	phase      Phase
	v4         familyRoutes
	v6         familyRoutes
	duplicates int
}

func newCollectorTable(name string) *collectorTable {
	return &collectorTable{
		name: name,
		v4:   familyRoutes{peers: make(map[netip.Addr]peerRoutes)},
		v6:   familyRoutes{peers: make(map[netip.Addr]peerRoutes)},
	}
}

func (c *collectorTable) family(f bgp.Family) *familyRoutes {
	switch f {
	case bgp.FamilyIPv4:
		return &c.v4
	case bgp.FamilyIPv6:
		return &c.v6
	}
	return nil
}

// Table is the RIB of every registered collector. Mutations must come from
// a single goroutine; Steady and Phase may be read concurrently.
type Table struct {
	dispatcher *observer.Dispatcher
	logger     *zap.Logger

	mu         sync.RWMutex
	collectors map[string]*collectorTable
	order      []string
}

func NewTable(dispatcher *observer.Dispatcher, logger *zap.Logger) *Table {
	return &Table{
		dispatcher: dispatcher,
		logger:     logger,
		collectors: make(map[string]*collectorTable),
	}
}

// Register adds a collector in the building phase. Registration order is the
// tie-break order used when merging update streams.
func (t *Table) Register(collector string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.collectors[collector]; ok {
		return fmt.Errorf("registering %s: %w", collector, ErrDuplicateCollector)
	}
	t.collectors[collector] = newCollectorTable(collector)
	t.order = append(t.order, collector)
	metrics.CollectorPhase.WithLabelValues(collector).Set(float64(PhaseBuilding))
	return nil
}

func (t *Table) lookupCollector(name string) (*collectorTable, error) {
	t.mu.RLock()
	c, ok := t.collectors[name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("collector %s: %w", name, ErrUnknownCollector)
	}
	return c, nil
}

func (t *Table) routes(key bgp.RouteKey, want Phase) (*collectorTable, *familyRoutes, error) {
	c, err := t.lookupCollector(key.Collector)
	if err != nil {
		return nil, nil, err
	}
	if c.phase != want {
		if want == PhaseBuilding {
			return nil, nil, fmt.Errorf("collector %s: %w", key.Collector, ErrNotBuilding)
		}
		return nil, nil, fmt.Errorf("collector %s: %w", key.Collector, ErrNotSteady)
	}
	fr := c.family(key.Family())
	if fr == nil {
		return nil, nil, fmt.Errorf("%s: %w", key, observer.ErrUnknownFamily)
	}
	return c, fr, nil
}

// AddPath inserts one bootstrap entry. Only the first entry for a key is
// kept; later duplicates are counted and dropped without notification.
func (t *Table) AddPath(key bgp.RouteKey, path bgp.ASPath) error {
	if len(path) == 0 {
		return fmt.Errorf("add_path %s: %w", key, ErrEmptyPath)
	}
	c, fr, err := t.routes(key, PhaseBuilding)
	if err != nil {
		return err
	}
	if _, ok := fr.get(key.PeerIP, key.Prefix); ok {
		c.duplicates++
		metrics.RecordsDroppedTotal.WithLabelValues(key.Collector, "duplicate").Inc()
		return nil
	}
	stored := path.Clone()
	fr.set(key.PeerIP, key.Prefix, stored)
	metrics.RecordsTotal.WithLabelValues(key.Collector, "building", record.KindAnnounce.String()).Inc()
	return t.dispatcher.AddPath(key, stored)
}

// MarkSteady ends the bootstrap of a collector.
func (t *Table) MarkSteady(collector string) error {
	t.mu.Lock()
	c, ok := t.collectors[collector]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("collector %s: %w", collector, ErrUnknownCollector)
	}
	if c.phase == PhaseSteady {
		t.mu.Unlock()
		return fmt.Errorf("collector %s: %w", collector, ErrNotBuilding)
	}
	c.phase = PhaseSteady
	t.mu.Unlock()

	metrics.CollectorPhase.WithLabelValues(collector).Set(float64(PhaseSteady))
	t.observeRoutes(c)
	t.logger.Info("collector steady",
		zap.String("collector", collector),
		zap.Int("routes_ipv4", c.v4.routes),
		zap.Int("routes_ipv6", c.v6.routes),
		zap.Int("peers_ipv4", len(c.v4.peers)),
		zap.Int("peers_ipv6", len(c.v6.peers)),
		zap.Int("duplicates", c.duplicates),
	)
	return nil
}

// ApplyAnnouncement stores path for key, replacing any previous entry, and
// then notifies observers with the new and previous paths.
func (t *Table) ApplyAnnouncement(key bgp.RouteKey, path bgp.ASPath) error {
	if len(path) == 0 {
		return fmt.Errorf("announcement %s: %w", key, ErrEmptyPath)
	}
	_, fr, err := t.routes(key, PhaseSteady)
	if err != nil {
		return err
	}
	old, _ := fr.get(key.PeerIP, key.Prefix)
	stored := path.Clone()
	fr.set(key.PeerIP, key.Prefix, stored)
	return t.dispatcher.Announce(key, stored, old)
}

// ApplyWithdrawal removes the entry for key and notifies observers with the
// removed path. It reports whether an entry existed; withdrawing an absent
// key is a no-op.
func (t *Table) ApplyWithdrawal(key bgp.RouteKey) (bool, error) {
	_, fr, err := t.routes(key, PhaseSteady)
	if err != nil {
		return false, err
	}
	old, ok := fr.get(key.PeerIP, key.Prefix)
	if !ok {
		return false, nil
	}
	fr.remove(key.PeerIP, key.Prefix)
	return true, t.dispatcher.Withdraw(key, old)
}

// Apply routes a normalized update to the matching operation. Records that
// cannot be classified, whose family disagrees with their prefix or that
// announce an empty path are dropped with a warning.
func (t *Table) Apply(u *record.Update) error {
	key := u.Key()
	switch {
	case !u.Family.Valid():
		t.drop(u, "unknown_family")
		return nil
	case u.Family != key.Family():
		t.drop(u, "family_mismatch")
		return nil
	}
	switch u.Kind {
	case record.KindAnnounce:
		if len(u.Path) == 0 {
			t.drop(u, "empty_path")
			return nil
		}
		if err := t.ApplyAnnouncement(key, u.Path); err != nil {
			return err
		}
	case record.KindWithdraw:
		removed, err := t.ApplyWithdrawal(key)
		if err != nil {
			return err
		}
		if !removed {
			metrics.RecordsTotal.WithLabelValues(u.Collector, "steady", "redundant_withdraw").Inc()
			return nil
		}
	default:
		t.drop(u, "unknown_kind")
		return nil
	}
	metrics.RecordsTotal.WithLabelValues(u.Collector, "steady", u.Kind.String()).Inc()
	return nil
}

func (t *Table) drop(u *record.Update, reason string) {
	metrics.RecordsDroppedTotal.WithLabelValues(u.Collector, reason).Inc()
	t.logger.Warn("dropping record",
		zap.String("collector", u.Collector),
		zap.String("peer", u.PeerIP.String()),
		zap.String("prefix", u.Prefix.String()),
		zap.String("reason", reason),
	)
}

// Checkpoint asks every observer to persist its state at ts. Routing state
// is not modified.
func (t *Table) Checkpoint(ctx context.Context, ts time.Time) error {
	start := time.Now()
	if err := t.dispatcher.Dump(ctx, ts); err != nil {
		return fmt.Errorf("checkpoint %s: %w", ts.UTC().Format(time.RFC3339), err)
	}
	metrics.CheckpointsTotal.Inc()
	metrics.LastCheckpointTimestamp.Set(float64(ts.Unix()))
	for _, name := range t.Collectors() {
		c, _ := t.lookupCollector(name)
		t.observeRoutes(c)
	}
	t.logger.Info("checkpoint",
		zap.Time("checkpoint", ts.UTC()),
		zap.Int("routes", t.Len()),
		zap.Int("observers", t.dispatcher.Len()),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

func (t *Table) observeRoutes(c *collectorTable) {
	metrics.Routes.WithLabelValues(c.name, bgp.FamilyIPv4.String()).Set(float64(c.v4.routes))
	metrics.Routes.WithLabelValues(c.name, bgp.FamilyIPv6.String()).Set(float64(c.v6.routes))
}

// Lookup returns the current path for key. The returned path must not be
// modified.
func (t *Table) Lookup(key bgp.RouteKey) (bgp.ASPath, bool) {
	c, err := t.lookupCollector(key.Collector)
	if err != nil {
		return nil, false
	}
	fr := c.family(key.Family())
	if fr == nil {
		return nil, false
	}
	return fr.get(key.PeerIP, key.Prefix)
}

// HasPeer reports whether peer has ever held a route on the collector.
func (t *Table) HasPeer(collector string, peer netip.Addr) bool {
	c, err := t.lookupCollector(collector)
	if err != nil {
		return false
	}
	_, v4 := c.v4.peers[peer]
	_, v6 := c.v6.peers[peer]
	return v4 || v6
}

// Len returns the number of routes across all collectors.
func (t *Table) Len() int {
	n := 0
	for _, name := range t.Collectors() {
		c, _ := t.lookupCollector(name)
		n += c.v4.routes + c.v6.routes
	}
	return n
}

func (t *Table) Count(collector string, fam bgp.Family) int {
	c, err := t.lookupCollector(collector)
	if err != nil {
		return 0
	}
	if fr := c.family(fam); fr != nil {
		return fr.routes
	}
	return 0
}

// Duplicates returns the number of bootstrap entries dropped as duplicates.
func (t *Table) Duplicates(collector string) int {
	c, err := t.lookupCollector(collector)
	if err != nil {
		return 0
	}
	return c.duplicates
}

func (t *Table) Phase(collector string) (Phase, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.collectors[collector]
	if !ok {
		return PhaseBuilding, false
	}
	return c.phase, true
}

// Collectors returns collector names in registration order.
func (t *Table) Collectors() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.order)
}

// Steady reports whether at least one collector is registered and all of
// them have completed their bootstrap.
func (t *Table) Steady() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.collectors) == 0 {
		return false
	}
	for _, c := range t.collectors {
		if c.phase != PhaseSteady {
			return false
		}
	}
	return true
}

// PeerDiff summarizes how one peer's reconstructed routes differ from a
// ground-truth table.
type PeerDiff struct {
	Collector   string
	Peer        netip.Addr
	Family      bgp.Family
	OnlyGround  int
	OnlyRebuilt int
	PathDiffers int
}

func (d PeerDiff) Clean() bool {
	return d.OnlyGround == 0 && d.OnlyRebuilt == 0 && d.PathDiffers == 0
}

// Compare returns one PeerDiff per collector, family and peer present in
// either table, ordered by collector registration order, family and peer.
func (t *Table) Compare(ground *Table) []PeerDiff {
	var diffs []PeerDiff
	for _, name := range t.Collectors() {
		mine, _ := t.lookupCollector(name)
		theirs, err := ground.lookupCollector(name)
		if err != nil {
			theirs = newCollectorTable(name)
		}
		for _, fam := range []bgp.Family{bgp.FamilyIPv4, bgp.FamilyIPv6} {
			diffs = append(diffs, compareFamily(name, fam, mine.family(fam), theirs.family(fam))...)
		}
	}
	return diffs
}

func compareFamily(collector string, fam bgp.Family, mine, ground *familyRoutes) []PeerDiff {
	peers := make(map[netip.Addr]bool)
	for p := range mine.peers {
		peers[p] = true
	}
	for p := range ground.peers {
		peers[p] = true
	}
	sorted := make([]netip.Addr, 0, len(peers))
	for p := range peers {
		sorted = append(sorted, p)
	}
	slices.SortFunc(sorted, func(a, b netip.Addr) int { return a.Compare(b) })

	var out []PeerDiff
	for _, peer := range sorted {
		d := PeerDiff{Collector: collector, Peer: peer, Family: fam}
		m, g := mine.peers[peer], ground.peers[peer]
		for prefix, path := range m {
			gp, ok := g[prefix]
			switch {
			case !ok:
				d.OnlyRebuilt++
			case !gp.Equal(path):
				d.PathDiffers++
			}
		}
		for prefix := range g {
			if _, ok := m[prefix]; !ok {
				d.OnlyGround++
			}
		}
		if len(m) == 0 && len(g) == 0 {
			continue
		}
		out = append(out, d)
	}
	return out
}
