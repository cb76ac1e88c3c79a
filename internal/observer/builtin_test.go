package observer

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/route-beacon/rib-replay/internal/bgp"
	"github.com/route-beacon/rib-replay/internal/output"
)

type memSink struct {
	snaps []output.Snapshot
}

func (m *memSink) Write(_ context.Context, s output.Snapshot) error {
	m.snaps = append(m.snaps, s)
	return nil
}

func (m *memSink) Close() error { return nil }

func (m *memSink) last(t *testing.T, observer string) output.Snapshot {
	t.Helper()
	for i := len(m.snaps) - 1; i >= 0; i-- {
		if m.snaps[i].Observer == observer {
			return m.snaps[i]
		}
	}
	t.Fatalf("no snapshot for %s", observer)
	return output.Snapshot{}
}

func decode(t *testing.T, s output.Snapshot, v any) {
	t.Helper()
	if err := json.Unmarshal(s.Data, v); err != nil {
		t.Fatalf("decoding %s: %v", s.Observer, err)
	}
}

var checkpoint = time.Date(2010, 9, 1, 0, 15, 0, 0, time.UTC)

func TestUpdateCount_CountsUpdatesOnly(t *testing.T) {
	sink := &memSink{}
	u := NewUpdateCount("update_count", Output{Run: "r", Sink: sink})

	k4 := key("rrc00", "10.0.0.1", "192.0.2.0/24")
	k6 := key("rrc00", "2001:db8::1", "2001:db8::/32")
	_ = u.AddPathV4(k4, bgp.ASPath{1, 2})
	_ = u.AnnounceV4(k4, bgp.ASPath{1, 3}, bgp.ASPath{1, 2})
	_ = u.WithdrawV4(k4, bgp.ASPath{1, 3})
	_ = u.AnnounceV6(k6, bgp.ASPath{1, 2}, nil)

	if err := u.Dump(context.Background(), checkpoint); err != nil {
		t.Fatalf("dump: %v", err)
	}
	var got struct {
		Updates map[string]int            `json:"n_updates"`
		Ann4    map[string]int            `json:"n_announcements_ipv4"`
		Ann6    map[string]int            `json:"n_announcements_ipv6"`
		Wd4     map[string]int            `json:"n_withdrawals_ipv4"`
		Wd6     map[string]int            `json:"n_withdrawals_ipv6"`
		PerPeer map[string]map[string]int `json:"n_updates_per_peer"`
	}
	snap := sink.last(t, "update_count")
	decode(t, snap, &got)

	if got.Updates["rrc00"] != 3 {
		t.Errorf("expected 3 updates, got %d", got.Updates["rrc00"])
	}
	if got.Ann4["rrc00"] != 1 || got.Ann6["rrc00"] != 1 || got.Wd4["rrc00"] != 1 {
		t.Errorf("unexpected per-family counts: %+v", got)
	}
	if got.Wd6 == nil || len(got.Wd6) != 0 {
		t.Errorf("expected empty ipv6 withdrawals, got %v", got.Wd6)
	}
	if got.PerPeer["rrc00"]["10.0.0.1"] != 2 || got.PerPeer["rrc00"]["2001:db8::1"] != 1 {
		t.Errorf("unexpected per-peer counts: %v", got.PerPeer)
	}
	if snap.Run != "r" || snap.Ext != "json" || !snap.Timestamp.Equal(checkpoint) {
		t.Errorf("unexpected snapshot metadata: %+v", snap)
	}
}

func TestUpdateCount_EmptyDump(t *testing.T) {
	sink := &memSink{}
	u := NewUpdateCount("update_count", Output{Sink: sink})
	if err := u.Dump(context.Background(), checkpoint); err != nil {
		t.Fatalf("dump: %v", err)
	}
	if strings.Contains(string(sink.snaps[0].Data), "null") {
		t.Errorf("empty dump should not contain null: %s", sink.snaps[0].Data)
	}
}

func TestPath_Multiset(t *testing.T) {
	sink := &memSink{}
	p := NewPath("path", Output{Sink: sink})
	k1 := key("rrc00", "10.0.0.1", "192.0.2.0/24")
	k2 := key("rrc00", "10.0.0.1", "198.51.100.0/24")

	_ = p.AddPathV4(k1, bgp.ASPath{1, 2, 3})
	_ = p.AddPathV4(k2, bgp.ASPath{1, 2, 3})
	if p.Count(bgp.ASPath{1, 2, 3}) != 2 {
		t.Fatalf("expected count 2, got %d", p.Count(bgp.ASPath{1, 2, 3}))
	}

	_ = p.AnnounceV4(k1, bgp.ASPath{1, 4}, bgp.ASPath{1, 2, 3})
	_ = p.WithdrawV4(k2, bgp.ASPath{1, 2, 3})
	if p.Count(bgp.ASPath{1, 2, 3}) != 0 {
		t.Errorf("expected path to be gone, got %d", p.Count(bgp.ASPath{1, 2, 3}))
	}
	if p.Unique() != 1 {
		t.Errorf("expected 1 unique path, got %d", p.Unique())
	}

	if err := p.Dump(context.Background(), checkpoint); err != nil {
		t.Fatalf("dump: %v", err)
	}
	var got struct {
		Unique  int            `json:"n_unique_paths"`
		Paths   map[string]int `json:"paths_count"`
		Lengths map[string]int `json:"paths_length_count"`
	}
	decode(t, sink.last(t, "path"), &got)
	if got.Unique != 1 || got.Paths["1 4"] != 1 || got.Lengths["2"] != 1 {
		t.Errorf("unexpected dump: %+v", got)
	}
}

func TestPath_RemoveMissingIsNoop(t *testing.T) {
	p := NewPath("path", Output{})
	if err := p.WithdrawV6(key("rrc00", "2001:db8::1", "2001:db8::/32"), bgp.ASPath{1, 2}); err != nil {
		t.Fatal(err)
	}
	if p.Unique() != 0 {
		t.Errorf("expected no paths, got %d", p.Unique())
	}
}

func TestEdgeCounter(t *testing.T) {
	c := make(edgeCounter)
	c.addPath(bgp.ASPath{1, 2, 3})
	c.addPath(bgp.ASPath{3, 2})
	if c[newEdge(2, 3)] != 2 {
		t.Errorf("expected undirected count 2, got %d", c[newEdge(2, 3)])
	}
	c.removePath(bgp.ASPath{1, 2, 3})
	if _, ok := c[newEdge(1, 2)]; ok {
		t.Error("edge 1-2 should be removed at zero")
	}
	c.removePath(bgp.ASPath{7, 8})
	if len(c) != 1 {
		t.Errorf("expected 1 edge, got %d", len(c))
	}
}

func TestASGraph_DumpWithoutMultigraph(t *testing.T) {
	sink := &memSink{}
	g := NewASGraph("graph", Output{Sink: sink}, nil)
	_ = g.AddPathV4(key("rrc00", "10.0.0.1", "192.0.2.0/24"), bgp.ASPath{3, 2, 1})
	_ = g.AddPathV6(key("rrc00", "2001:db8::1", "2001:db8::/32"), bgp.ASPath{5, 6})

	if err := g.Dump(context.Background(), checkpoint); err != nil {
		t.Fatalf("dump: %v", err)
	}
	v4 := sink.last(t, "graph_ipv4")
	if v4.Ext != "csv" {
		t.Errorf("expected csv, got %s", v4.Ext)
	}
	want := "#origin,destination,paths_count\n1,2,1\n2,3,1\n"
	if string(v4.Data) != want {
		t.Errorf("expected %q, got %q", want, v4.Data)
	}
	want6 := "#origin,destination,paths_count\n5,6,1\n"
	if got := string(sink.last(t, "graph_ipv6").Data); got != want6 {
		t.Errorf("expected %q, got %q", want6, got)
	}
}

func TestASGraph_DumpWithMultigraph(t *testing.T) {
	sink := &memSink{}
	mg := NewASMultiGraph("multigraph", Output{Sink: sink})
	g := NewASGraph("graph", Output{Sink: sink}, mg)

	paths := []struct {
		key  bgp.RouteKey
		path bgp.ASPath
	}{
		{key("rrc00", "10.0.0.1", "192.0.2.0/24"), bgp.ASPath{1, 2}},
		{key("rrc00", "10.0.0.1", "198.51.100.0/24"), bgp.ASPath{1, 2}},
		{key("rrc00", "10.0.0.2", "192.0.2.0/24"), bgp.ASPath{2, 1}},
	}
	for _, p := range paths {
		_ = mg.AddPathV4(p.key, p.path)
		_ = g.AddPathV4(p.key, p.path)
	}
	if mg.PeersCount(bgp.FamilyIPv4, 2, 1) != 2 {
		t.Fatalf("expected 2 peers, got %d", mg.PeersCount(bgp.FamilyIPv4, 2, 1))
	}
	if err := g.Dump(context.Background(), checkpoint); err != nil {
		t.Fatalf("dump: %v", err)
	}
	want := "#origin,destination,paths_count,peers_count\n1,2,1.5,2\n"
	if got := string(sink.last(t, "graph_ipv4").Data); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	if err := mg.Dump(context.Background(), checkpoint); err != nil {
		t.Fatalf("dump: %v", err)
	}
	var summary struct {
		IPv4 struct {
			Edges    int `json:"n_edges"`
			Parallel int `json:"n_parallel_edges"`
		} `json:"ipv4"`
	}
	decode(t, sink.last(t, "multigraph"), &summary)
	if summary.IPv4.Edges != 1 || summary.IPv4.Parallel != 2 {
		t.Errorf("unexpected multigraph summary: %+v", summary)
	}
}

func TestASMultiGraph_ReplaceAndWithdraw(t *testing.T) {
	mg := NewASMultiGraph("multigraph", Output{})
	k := key("rrc00", "10.0.0.1", "192.0.2.0/24")
	_ = mg.AnnounceV4(k, bgp.ASPath{1, 2}, nil)
	_ = mg.AnnounceV4(k, bgp.ASPath{1, 3}, bgp.ASPath{1, 2})
	if mg.PeersCount(bgp.FamilyIPv4, 1, 2) != 0 {
		t.Error("old edge should be gone")
	}
	_ = mg.WithdrawV4(k, bgp.ASPath{1, 3})
	if mg.PeersCount(bgp.FamilyIPv4, 1, 3) != 0 {
		t.Error("withdrawn edge should be gone")
	}
}

func TestASGraph_Compare(t *testing.T) {
	rebuilt := NewASGraph("graph", Output{}, nil)
	truth := NewASGraph("graph", Output{}, nil)
	k := key("rrc00", "10.0.0.1", "192.0.2.0/24")

	_ = rebuilt.AddPathV4(k, bgp.ASPath{1, 2, 3})
	_ = rebuilt.AddPathV4(k, bgp.ASPath{1, 2})
	_ = truth.AddPathV4(k, bgp.ASPath{1, 2, 4})

	reports, err := rebuilt.Compare(truth)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected a report per family, got %d", len(reports))
	}
	r4 := reports[0]
	if r4.Family != bgp.FamilyIPv4 || r4.Added != 1 || r4.Removed != 1 || r4.Modified != 1 {
		t.Errorf("unexpected ipv4 report: %+v", r4)
	}
	if !reports[1].Clean() {
		t.Errorf("expected clean ipv6 report, got %+v", reports[1])
	}
}

func TestASGraph_CompareRejectsOtherKinds(t *testing.T) {
	g := NewASGraph("graph", Output{}, nil)
	if _, err := g.Compare(NewPath("path", Output{})); err == nil {
		t.Fatal("expected error")
	}
}

func TestRIBSize_Counts(t *testing.T) {
	sink := &memSink{}
	r := NewRIBSize("rib", Output{Sink: sink})
	k1 := key("rrc00", "10.0.0.1", "192.0.2.0/24")
	k2 := key("rrc00", "10.0.0.1", "198.51.100.0/24")

	_ = r.AddPathV4(k1, bgp.ASPath{1, 2})
	_ = r.AnnounceV4(k1, bgp.ASPath{1, 3}, bgp.ASPath{1, 2})
	_ = r.AnnounceV4(k2, bgp.ASPath{1, 3}, nil)
	if got := r.Routes("rrc00", k1.PeerIP, bgp.FamilyIPv4); got != 2 {
		t.Fatalf("expected 2 routes, got %d", got)
	}
	_ = r.WithdrawV4(k2, bgp.ASPath{1, 3})

	if err := r.Dump(context.Background(), checkpoint); err != nil {
		t.Fatalf("dump: %v", err)
	}
	var got struct {
		Collectors map[string]struct {
			IPv4 struct {
				Total int            `json:"total"`
				Peers map[string]int `json:"peers"`
			} `json:"ipv4"`
		} `json:"collectors"`
	}
	decode(t, sink.last(t, "rib"), &got)
	if got.Collectors["rrc00"].IPv4.Total != 1 || got.Collectors["rrc00"].IPv4.Peers["10.0.0.1"] != 1 {
		t.Errorf("unexpected dump: %+v", got)
	}
}
