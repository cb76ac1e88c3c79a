package rib

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/route-beacon/rib-replay/internal/bgp"
	"github.com/route-beacon/rib-replay/internal/observer"
	"github.com/route-beacon/rib-replay/internal/output"
	"github.com/route-beacon/rib-replay/internal/record"
	"go.uber.org/zap"
)

// callLog records hook calls in a comparable form.
type callLog struct {
	name  string
	calls []string
	peek  func(bgp.RouteKey) string
}

func (c *callLog) Name() string { return c.name }

func (c *callLog) note(format string, args ...any) error {
	c.calls = append(c.calls, fmt.Sprintf(format, args...))
	return nil
}

func (c *callLog) AddPathV4(k bgp.RouteKey, p bgp.ASPath) error {
	return c.note("add_path_ipv4 %s [%s]", k, p)
}
func (c *callLog) AddPathV6(k bgp.RouteKey, p bgp.ASPath) error {
	return c.note("add_path_ipv6 %s [%s]", k, p)
}
func (c *callLog) AnnounceV4(k bgp.RouteKey, n, o bgp.ASPath) error {
	if c.peek != nil {
		_ = c.note("peek %s", c.peek(k))
	}
	return c.note("announce_ipv4 %s new=[%s] old=[%s]", k, n, o)
}
func (c *callLog) AnnounceV6(k bgp.RouteKey, n, o bgp.ASPath) error {
	return c.note("announce_ipv6 %s new=[%s] old=[%s]", k, n, o)
}
func (c *callLog) WithdrawV4(k bgp.RouteKey, p bgp.ASPath) error {
	return c.note("withdraw_ipv4 %s [%s]", k, p)
}
func (c *callLog) WithdrawV6(k bgp.RouteKey, p bgp.ASPath) error {
	return c.note("withdraw_ipv6 %s [%s]", k, p)
}
func (c *callLog) Dump(_ context.Context, ts time.Time) error {
	return c.note("dump %d", ts.Unix())
}

func newTestTable(t *testing.T, observers ...observer.Observer) *Table {
	t.Helper()
	d := observer.NewDispatcher(zap.NewNop())
	for _, o := range observers {
		if err := d.Attach(o); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}
	return NewTable(d, zap.NewNop())
}

func routeKey(collector, peer, prefix string) bgp.RouteKey {
	return bgp.RouteKey{
		Collector: collector,
		PeerIP:    netip.MustParseAddr(peer),
		Prefix:    netip.MustParsePrefix(prefix),
	}
}

func assertCalls(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected calls %q, got %q", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

// bootstrapA registers collector A with a single route and marks it steady.
func bootstrapA(t *testing.T, tbl *Table) bgp.RouteKey {
	t.Helper()
	k := routeKey("A", "1.1.1.1", "10.0.0.0/8")
	if err := tbl.Register("A"); err != nil {
		t.Fatal(err)
	}
	if err := tbl.AddPath(k, bgp.ASPath{64500, 64501}); err != nil {
		t.Fatal(err)
	}
	if err := tbl.MarkSteady("A"); err != nil {
		t.Fatal(err)
	}
	return k
}

func TestTable_Scenario(t *testing.T) {
	log := &callLog{name: "log"}
	tbl := newTestTable(t, log)
	k := bootstrapA(t, tbl)

	if tbl.Len() != 1 {
		t.Fatalf("expected 1 entry after bootstrap, got %d", tbl.Len())
	}

	if err := tbl.ApplyAnnouncement(k, bgp.ASPath{64500, 64502}); err != nil {
		t.Fatal(err)
	}
	if got, _ := tbl.Lookup(k); !got.Equal(bgp.ASPath{64500, 64502}) {
		t.Errorf("expected updated entry, got %v", got)
	}

	removed, err := tbl.ApplyWithdrawal(k)
	if err != nil || !removed {
		t.Fatalf("expected removal, got %v %v", removed, err)
	}
	removed, err = tbl.ApplyWithdrawal(k)
	if err != nil || removed {
		t.Fatalf("expected no-op, got %v %v", removed, err)
	}

	if err := tbl.Checkpoint(context.Background(), time.Unix(900, 0)); err != nil {
		t.Fatal(err)
	}

	assertCalls(t, log.calls,
		"add_path_ipv4 A/1.1.1.1/10.0.0.0/8 [64500 64501]",
		"announce_ipv4 A/1.1.1.1/10.0.0.0/8 new=[64500 64502] old=[64500 64501]",
		"withdraw_ipv4 A/1.1.1.1/10.0.0.0/8 [64500 64502]",
		"dump 900",
	)
	if tbl.Len() != 0 {
		t.Errorf("expected empty table, got %d", tbl.Len())
	}
}

func TestTable_AnnounceNewKeyHasNoOldPath(t *testing.T) {
	log := &callLog{name: "log"}
	tbl := newTestTable(t, log)
	bootstrapA(t, tbl)
	log.calls = nil

	k := routeKey("A", "1.1.1.1", "2001:db8::/32")
	if err := tbl.ApplyAnnouncement(k, bgp.ASPath{64500, 64503}); err != nil {
		t.Fatal(err)
	}
	assertCalls(t, log.calls, "announce_ipv6 A/1.1.1.1/2001:db8::/32 new=[64500 64503] old=[]")
	if tbl.Count("A", bgp.FamilyIPv6) != 1 || tbl.Count("A", bgp.FamilyIPv4) != 1 {
		t.Errorf("unexpected counts v4=%d v6=%d", tbl.Count("A", bgp.FamilyIPv4), tbl.Count("A", bgp.FamilyIPv6))
	}
}

func TestTable_ObserversSeeUpdatedTable(t *testing.T) {
	var tbl *Table
	first := &callLog{name: "first"}
	third := &callLog{name: "third", peek: func(k bgp.RouteKey) string {
		p, _ := tbl.Lookup(k)
		return p.String()
	}}
	tbl = newTestTable(t, first, &callLog{name: "second"}, third)
	k := bootstrapA(t, tbl)

	if err := tbl.ApplyAnnouncement(k, bgp.ASPath{64500, 64502}); err != nil {
		t.Fatal(err)
	}
	if third.calls[1] != "peek 64500 64502" {
		t.Errorf("observer saw stale table: %q", third.calls[1])
	}
}

func TestTable_AtMostOneEntry(t *testing.T) {
	tbl := newTestTable(t)
	k := bootstrapA(t, tbl)
	for i := 0; i < 5; i++ {
		if err := tbl.ApplyAnnouncement(k, bgp.ASPath{64500, uint32(65000 + i)}); err != nil {
			t.Fatal(err)
		}
	}
	if tbl.Count("A", bgp.FamilyIPv4) != 1 {
		t.Errorf("expected 1 entry, got %d", tbl.Count("A", bgp.FamilyIPv4))
	}
}

func TestTable_StoresCopyOfPath(t *testing.T) {
	tbl := newTestTable(t)
	k := bootstrapA(t, tbl)
	path := bgp.ASPath{64500, 64502}
	if err := tbl.ApplyAnnouncement(k, path); err != nil {
		t.Fatal(err)
	}
	path[1] = 1
	if got, _ := tbl.Lookup(k); got[1] != 64502 {
		t.Errorf("table entry aliased caller slice: %v", got)
	}
}

func TestTable_DuplicateBootstrapEntry(t *testing.T) {
	log := &callLog{name: "log"}
	tbl := newTestTable(t, log)
	k := routeKey("A", "1.1.1.1", "10.0.0.0/8")
	_ = tbl.Register("A")
	_ = tbl.AddPath(k, bgp.ASPath{64500, 64501})
	if err := tbl.AddPath(k, bgp.ASPath{64500, 64999}); err != nil {
		t.Fatal(err)
	}
	if len(log.calls) != 1 {
		t.Fatalf("expected a single add_path, got %q", log.calls)
	}
	if got, _ := tbl.Lookup(k); !got.Equal(bgp.ASPath{64500, 64501}) {
		t.Errorf("expected first entry to win, got %v", got)
	}
	if tbl.Duplicates("A") != 1 {
		t.Errorf("expected 1 duplicate, got %d", tbl.Duplicates("A"))
	}
}

func TestTable_SequencingViolations(t *testing.T) {
	tbl := newTestTable(t)
	k := routeKey("A", "1.1.1.1", "10.0.0.0/8")

	if err := tbl.AddPath(k, bgp.ASPath{1, 2}); !errors.Is(err, ErrUnknownCollector) {
		t.Errorf("expected ErrUnknownCollector, got %v", err)
	}
	_ = tbl.Register("A")
	if err := tbl.Register("A"); !errors.Is(err, ErrDuplicateCollector) {
		t.Errorf("expected ErrDuplicateCollector, got %v", err)
	}
	if err := tbl.ApplyAnnouncement(k, bgp.ASPath{1, 2}); !errors.Is(err, ErrNotSteady) {
		t.Errorf("expected ErrNotSteady, got %v", err)
	}
	if _, err := tbl.ApplyWithdrawal(k); !errors.Is(err, ErrNotSteady) {
		t.Errorf("expected ErrNotSteady, got %v", err)
	}
	_ = tbl.MarkSteady("A")
	if err := tbl.AddPath(k, bgp.ASPath{1, 2}); !errors.Is(err, ErrNotBuilding) {
		t.Errorf("expected ErrNotBuilding, got %v", err)
	}
	if err := tbl.MarkSteady("A"); !errors.Is(err, ErrNotBuilding) {
		t.Errorf("expected ErrNotBuilding on second MarkSteady, got %v", err)
	}
}

func TestTable_Steady(t *testing.T) {
	tbl := newTestTable(t)
	if tbl.Steady() {
		t.Error("empty table should not be steady")
	}
	_ = tbl.Register("A")
	_ = tbl.Register("B")
	_ = tbl.MarkSteady("A")
	if tbl.Steady() {
		t.Error("table with a building collector should not be steady")
	}
	_ = tbl.MarkSteady("B")
	if !tbl.Steady() {
		t.Error("expected steady")
	}
	if p, ok := tbl.Phase("B"); !ok || p != PhaseSteady {
		t.Errorf("unexpected phase %v %v", p, ok)
	}
	if got := tbl.Collectors(); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("unexpected collector order %v", got)
	}
}

func TestTable_ApplyRecords(t *testing.T) {
	log := &callLog{name: "log"}
	tbl := newTestTable(t, log)
	k := bootstrapA(t, tbl)
	log.calls = nil

	updates := []*record.Update{
		{Collector: "A", PeerIP: k.PeerIP, Prefix: k.Prefix, Family: bgp.FamilyIPv4, Kind: record.KindAnnounce, Path: bgp.ASPath{64500, 64502}},
		{Collector: "A", PeerIP: k.PeerIP, Prefix: k.Prefix, Family: bgp.FamilyIPv4, Kind: record.KindWithdraw},
		{Collector: "A", PeerIP: k.PeerIP, Prefix: k.Prefix, Family: bgp.FamilyIPv4, Kind: record.KindWithdraw},
		{Collector: "A", PeerIP: k.PeerIP, Prefix: k.Prefix, Family: bgp.FamilyIPv4, Kind: record.Kind(99)},
		{Collector: "A", PeerIP: k.PeerIP, Kind: record.KindWithdraw},
	}
	for _, u := range updates {
		if err := tbl.Apply(u); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	assertCalls(t, log.calls,
		"announce_ipv4 A/1.1.1.1/10.0.0.0/8 new=[64500 64502] old=[64500 64501]",
		"withdraw_ipv4 A/1.1.1.1/10.0.0.0/8 [64500 64502]",
	)
}

func TestTable_RejectsEmptyPath(t *testing.T) {
	log := &callLog{name: "log"}
	size := observer.NewRIBSize("rib", observer.Output{})
	tbl := newTestTable(t, log, size)
	k := routeKey("A", "1.1.1.1", "10.0.0.0/8")
	if err := tbl.Register("A"); err != nil {
		t.Fatal(err)
	}
	if err := tbl.AddPath(k, nil); !errors.Is(err, ErrEmptyPath) {
		t.Fatalf("expected ErrEmptyPath from AddPath, got %v", err)
	}
	if err := tbl.MarkSteady("A"); err != nil {
		t.Fatal(err)
	}
	if err := tbl.ApplyAnnouncement(k, bgp.ASPath{}); !errors.Is(err, ErrEmptyPath) {
		t.Fatalf("expected ErrEmptyPath from ApplyAnnouncement, got %v", err)
	}

	empty := &record.Update{Collector: "A", PeerIP: k.PeerIP, Prefix: k.Prefix, Family: bgp.FamilyIPv4, Kind: record.KindAnnounce}
	if err := tbl.Apply(empty); err != nil {
		t.Fatalf("empty announcement should be dropped, got %v", err)
	}
	next := &record.Update{Collector: "A", PeerIP: k.PeerIP, Prefix: k.Prefix, Family: bgp.FamilyIPv4, Kind: record.KindAnnounce, Path: bgp.ASPath{64500, 64501}}
	if err := tbl.Apply(next); err != nil {
		t.Fatal(err)
	}

	assertCalls(t, log.calls, "announce_ipv4 A/1.1.1.1/10.0.0.0/8 new=[64500 64501] old=[]")
	if _, ok := tbl.Lookup(k); !ok || tbl.Count("A", bgp.FamilyIPv4) != 1 {
		t.Fatalf("expected one route, got %d", tbl.Count("A", bgp.FamilyIPv4))
	}
	if got := size.Routes("A", k.PeerIP, bgp.FamilyIPv4); got != 1 {
		t.Errorf("rib observer counts %d routes, table holds 1", got)
	}
}

func TestTable_ApplyDropsUnknownOrMismatchedFamily(t *testing.T) {
	log := &callLog{name: "log"}
	tbl := newTestTable(t, log)
	k := bootstrapA(t, tbl)
	log.calls = nil

	for _, fam := range []bgp.Family{0, 5, bgp.FamilyIPv6} {
		u := &record.Update{Collector: "A", PeerIP: k.PeerIP, Prefix: k.Prefix, Family: fam, Kind: record.KindAnnounce, Path: bgp.ASPath{64500, 64509}}
		if err := tbl.Apply(u); err != nil {
			t.Fatalf("family %d: expected drop, got %v", fam, err)
		}
		w := &record.Update{Collector: "A", PeerIP: k.PeerIP, Prefix: k.Prefix, Family: fam, Kind: record.KindWithdraw}
		if err := tbl.Apply(w); err != nil {
			t.Fatalf("family %d: expected drop, got %v", fam, err)
		}
	}
	if len(log.calls) != 0 {
		t.Fatalf("expected no observer calls, got %q", log.calls)
	}
	if p, _ := tbl.Lookup(k); !p.Equal(bgp.ASPath{64500, 64501}) {
		t.Errorf("route should be untouched, got %v", p)
	}
}

func TestTable_HasPeer(t *testing.T) {
	tbl := newTestTable(t)
	k := bootstrapA(t, tbl)
	if !tbl.HasPeer("A", k.PeerIP) {
		t.Error("expected bootstrap peer")
	}
	if tbl.HasPeer("A", netip.MustParseAddr("2.2.2.2")) {
		t.Error("unexpected peer")
	}
	_, _ = tbl.ApplyWithdrawal(k)
	if !tbl.HasPeer("A", k.PeerIP) {
		t.Error("peer should stay known after its routes are withdrawn")
	}
}

type failingObserver struct{ callLog }

func (f *failingObserver) AnnounceV4(bgp.RouteKey, bgp.ASPath, bgp.ASPath) error {
	return errors.New("disk full")
}

func TestTable_ObserverFailurePropagates(t *testing.T) {
	tbl := newTestTable(t, &failingObserver{callLog{name: "bad"}})
	k := bootstrapA(t, tbl)
	err := tbl.ApplyAnnouncement(k, bgp.ASPath{64500, 64502})
	var hookErr *observer.HookError
	if !errors.As(err, &hookErr) || hookErr.Observer != "bad" {
		t.Fatalf("expected hook error from bad, got %v", err)
	}
}

func TestTable_Compare(t *testing.T) {
	rebuilt := newTestTable(t)
	ground := newTestTable(t)
	for _, tbl := range []*Table{rebuilt, ground} {
		_ = tbl.Register("A")
	}
	_ = rebuilt.AddPath(routeKey("A", "1.1.1.1", "10.0.0.0/8"), bgp.ASPath{1, 2})
	_ = rebuilt.AddPath(routeKey("A", "1.1.1.1", "10.1.0.0/16"), bgp.ASPath{1, 3})
	_ = rebuilt.AddPath(routeKey("A", "1.1.1.1", "10.2.0.0/16"), bgp.ASPath{1, 4})
	_ = ground.AddPath(routeKey("A", "1.1.1.1", "10.0.0.0/8"), bgp.ASPath{1, 2})
	_ = ground.AddPath(routeKey("A", "1.1.1.1", "10.1.0.0/16"), bgp.ASPath{1, 5})
	_ = ground.AddPath(routeKey("A", "1.1.1.1", "10.3.0.0/16"), bgp.ASPath{1, 6})

	diffs := rebuilt.Compare(ground)
	if len(diffs) != 1 {
		t.Fatalf("expected 1 diff, got %+v", diffs)
	}
	d := diffs[0]
	if d.OnlyGround != 1 || d.OnlyRebuilt != 1 || d.PathDiffers != 1 || d.Clean() {
		t.Errorf("unexpected diff %+v", d)
	}
}

func TestTable_BootstrapEquivalence(t *testing.T) {
	sinkA, sinkB := &memSink{}, &memSink{}
	viaTable := newTestTable(t, observer.NewPath("path", observer.Output{Sink: sinkA}))
	bootstrapA(t, viaTable)
	if err := viaTable.Checkpoint(context.Background(), time.Unix(900, 0)); err != nil {
		t.Fatal(err)
	}

	direct := observer.NewPath("path", observer.Output{Sink: sinkB})
	_ = direct.AddPathV4(routeKey("A", "1.1.1.1", "10.0.0.0/8"), bgp.ASPath{64500, 64501})
	if err := direct.Dump(context.Background(), time.Unix(900, 0)); err != nil {
		t.Fatal(err)
	}
	if string(sinkA.data()) != string(sinkB.data()) {
		t.Errorf("outputs differ: %s vs %s", sinkA.data(), sinkB.data())
	}
}

func TestTable_Deterministic(t *testing.T) {
	run := func() []byte {
		sink := &memSink{}
		out := observer.Output{Sink: sink}
		mg := observer.NewASMultiGraph("multigraph", out)
		tbl := newTestTable(t,
			observer.NewUpdateCount("update_count", out),
			observer.NewPath("path", out),
			mg,
			observer.NewASGraph("graph", out, mg),
			observer.NewRIBSize("rib", out),
		)
		k := bootstrapA(t, tbl)
		_ = tbl.ApplyAnnouncement(routeKey("A", "1.1.1.2", "10.2.0.0/16"), bgp.ASPath{64510, 3356, 64501})
		_ = tbl.ApplyAnnouncement(k, bgp.ASPath{64500, 174, 64501})
		_ = tbl.ApplyAnnouncement(routeKey("A", "1.1.1.1", "2001:db8::/32"), bgp.ASPath{64500, 64503})
		_, _ = tbl.ApplyWithdrawal(routeKey("A", "1.1.1.2", "10.2.0.0/16"))
		if err := tbl.Checkpoint(context.Background(), time.Unix(900, 0)); err != nil {
			t.Fatal(err)
		}
		return sink.data()
	}
	first, second := run(), run()
	if string(first) != string(second) {
		t.Error("replaying the same stream produced different outputs")
	}
}

type memSink struct {
	snaps []output.Snapshot
}

func (m *memSink) Write(_ context.Context, s output.Snapshot) error {
	m.snaps = append(m.snaps, s)
	return nil
}

func (m *memSink) Close() error { return nil }

func (m *memSink) data() []byte {
	var out []byte
	for _, s := range m.snaps {
		out = append(out, s.Observer...)
		out = append(out, '\n')
		out = append(out, s.Data...)
	}
	return out
}
