package observer

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/route-beacon/rib-replay/internal/bgp"
)

var ErrIncomparable = errors.New("observer: incomparable observers")

// edge is an undirected AS adjacency, normalized so that A < B.
type edge struct {
	A, B uint32
}

func newEdge(u, v uint32) edge {
	if u > v {
		u, v = v, u
	}
	return edge{A: u, B: v}
}

func compareEdges(x, y edge) int {
	if x.A != y.A {
		if x.A < y.A {
			return -1
		}
		return 1
	}
	switch {
	case x.B < y.B:
		return -1
	case x.B > y.B:
		return 1
	}
	return 0
}

// hops calls fn for every adjacency along path. Self loops are skipped.
func hops(path bgp.ASPath, fn func(edge)) {
	for i := 0; i+1 < len(path); i++ {
		if path[i] == path[i+1] {
			continue
		}
		fn(newEdge(path[i], path[i+1]))
	}
}

// edgeCounter counts how many active paths traverse each edge. Missing edges
// read as zero and edges are dropped once they reach zero.
type edgeCounter map[edge]int

func (c edgeCounter) addPath(path bgp.ASPath) {
	hops(path, func(e edge) { c[e]++ })
}

func (c edgeCounter) removePath(path bgp.ASPath) {
	hops(path, func(e edge) {
		n, ok := c[e]
		if !ok {
			return
		}
		if n <= 1 {
			delete(c, e)
			return
		}
		c[e] = n - 1
	})
}

func (c edgeCounter) sorted() []edge {
	out := make([]edge, 0, len(c))
	for e := range c {
		out = append(out, e)
	}
	slices.SortFunc(out, compareEdges)
	return out
}

// diff counts edges only in other, only in c, and in both with a different count.
func (c edgeCounter) diff(other edgeCounter) (added, removed, modified int) {
	for e, n := range c {
		m, ok := other[e]
		switch {
		case !ok:
			removed++
		case m != n:
			modified++
		}
	}
	for e := range other {
		if _, ok := c[e]; !ok {
			added++
		}
	}
	return added, removed, modified
}

// ASGraph is the undirected AS-level graph of all active paths, kept per family.
// When linked to an ASMultiGraph, the dump normalizes path counts by the
// number of distinct peers that see each edge.
type ASGraph struct {
	name  string
	out   Output
	v4    edgeCounter
	v6    edgeCounter
	multi *ASMultiGraph
}

func NewASGraph(name string, out Output, multi *ASMultiGraph) *ASGraph {
	return &ASGraph{
		name:  name,
		out:   out,
		v4:    make(edgeCounter),
		v6:    make(edgeCounter),
		multi: multi,
	}
}

func (g *ASGraph) Name() string { return g.name }

func (g *ASGraph) AddPathV4(_ bgp.RouteKey, path bgp.ASPath) error { g.v4.addPath(path); return nil }
func (g *ASGraph) AddPathV6(_ bgp.RouteKey, path bgp.ASPath) error { g.v6.addPath(path); return nil }

func (g *ASGraph) AnnounceV4(_ bgp.RouteKey, newPath, oldPath bgp.ASPath) error {
	if oldPath != nil {
		g.v4.removePath(oldPath)
	}
	g.v4.addPath(newPath)
	return nil
}

func (g *ASGraph) AnnounceV6(_ bgp.RouteKey, newPath, oldPath bgp.ASPath) error {
	if oldPath != nil {
		g.v6.removePath(oldPath)
	}
	g.v6.addPath(newPath)
	return nil
}

func (g *ASGraph) WithdrawV4(_ bgp.RouteKey, path bgp.ASPath) error { g.v4.removePath(path); return nil }
func (g *ASGraph) WithdrawV6(_ bgp.RouteKey, path bgp.ASPath) error { g.v6.removePath(path); return nil }

// PathsCount returns the number of active paths traversing u-v.
func (g *ASGraph) PathsCount(fam bgp.Family, u, v uint32) int {
	return g.edges(fam)[newEdge(u, v)]
}

// Edges returns the number of edges in the family's graph.
func (g *ASGraph) Edges(fam bgp.Family) int { return len(g.edges(fam)) }

func (g *ASGraph) edges(fam bgp.Family) edgeCounter {
	if fam == bgp.FamilyIPv6 {
		return g.v6
	}
	return g.v4
}

func (g *ASGraph) Dump(ctx context.Context, ts time.Time) error {
	for _, fam := range []bgp.Family{bgp.FamilyIPv4, bgp.FamilyIPv6} {
		data, err := g.edgeList(fam)
		if err != nil {
			return err
		}
		if err := g.out.write(ctx, g.name+"_"+fam.String(), ts, "csv", data); err != nil {
			return err
		}
	}
	return nil
}

func (g *ASGraph) edgeList(fam bgp.Family) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"#origin", "destination", "paths_count"}
	if g.multi != nil {
		header = append(header, "peers_count")
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	edges := g.edges(fam)
	for _, e := range edges.sorted() {
		row := []string{
			strconv.FormatUint(uint64(e.A), 10),
			strconv.FormatUint(uint64(e.B), 10),
		}
		if g.multi == nil {
			row = append(row, strconv.Itoa(edges[e]))
		} else {
			peers := g.multi.peersCount(fam, e)
			if peers == 0 {
				continue
			}
			row = append(row,
				strconv.FormatFloat(float64(edges[e])/float64(peers), 'f', -1, 64),
				strconv.Itoa(peers),
			)
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("writing %s %s edge list: %w", g.name, fam, err)
	}
	return buf.Bytes(), nil
}

// Compare reports edge differences per family against other, which must be
// an *ASGraph built from the ground-truth snapshot.
func (g *ASGraph) Compare(other Observer) ([]Report, error) {
	truth, ok := other.(*ASGraph)
	if !ok {
		return nil, fmt.Errorf("%s vs %s: %w", g.name, other.Name(), ErrIncomparable)
	}
	var reports []Report
	for _, fam := range []bgp.Family{bgp.FamilyIPv4, bgp.FamilyIPv6} {
		added, removed, modified := g.edges(fam).diff(truth.edges(fam))
		reports = append(reports, Report{
			Observer: g.name,
			Family:   fam,
			Added:    added,
			Removed:  removed,
			Modified: modified,
		})
	}
	return reports, nil
}

// multiEdgeCounter keeps one path count per (edge, collector_peer) key.
type multiEdgeCounter map[edge]counter

func (m multiEdgeCounter) addPath(peer string, path bgp.ASPath) {
	hops(path, func(e edge) {
		c, ok := m[e]
		if !ok {
			c = make(counter)
			m[e] = c
		}
		c.inc(peer)
	})
}

func (m multiEdgeCounter) removePath(peer string, path bgp.ASPath) {
	hops(path, func(e edge) {
		c, ok := m[e]
		if !ok {
			return
		}
		c.dec(peer)
		if len(c) == 0 {
			delete(m, e)
		}
	})
}

func (m multiEdgeCounter) parallel() int {
	n := 0
	for _, c := range m {
		n += len(c)
	}
	return n
}

// ASMultiGraph keeps one parallel edge per collector peer that sees it.
type ASMultiGraph struct {
	name string
	out  Output
	v4   multiEdgeCounter
	v6   multiEdgeCounter
}

func NewASMultiGraph(name string, out Output) *ASMultiGraph {
	return &ASMultiGraph{
		name: name,
		out:  out,
		v4:   make(multiEdgeCounter),
		v6:   make(multiEdgeCounter),
	}
}

func peerKey(key bgp.RouteKey) string {
	return key.Collector + "_" + key.PeerIP.String()
}

func (m *ASMultiGraph) Name() string { return m.name }

func (m *ASMultiGraph) AddPathV4(key bgp.RouteKey, path bgp.ASPath) error {
	m.v4.addPath(peerKey(key), path)
	return nil
}

func (m *ASMultiGraph) AddPathV6(key bgp.RouteKey, path bgp.ASPath) error {
	m.v6.addPath(peerKey(key), path)
	return nil
}

func (m *ASMultiGraph) AnnounceV4(key bgp.RouteKey, newPath, oldPath bgp.ASPath) error {
	if oldPath != nil {
		m.v4.removePath(peerKey(key), oldPath)
	}
	m.v4.addPath(peerKey(key), newPath)
	return nil
}

func (m *ASMultiGraph) AnnounceV6(key bgp.RouteKey, newPath, oldPath bgp.ASPath) error {
	if oldPath != nil {
		m.v6.removePath(peerKey(key), oldPath)
	}
	m.v6.addPath(peerKey(key), newPath)
	return nil
}

func (m *ASMultiGraph) WithdrawV4(key bgp.RouteKey, path bgp.ASPath) error {
	m.v4.removePath(peerKey(key), path)
	return nil
}

func (m *ASMultiGraph) WithdrawV6(key bgp.RouteKey, path bgp.ASPath) error {
	m.v6.removePath(peerKey(key), path)
	return nil
}

func (m *ASMultiGraph) edges(fam bgp.Family) multiEdgeCounter {
	if fam == bgp.FamilyIPv6 {
		return m.v6
	}
	return m.v4
}

func (m *ASMultiGraph) peersCount(fam bgp.Family, e edge) int {
	return len(m.edges(fam)[e])
}

// PeersCount returns the number of collector peers whose paths traverse u-v.
func (m *ASMultiGraph) PeersCount(fam bgp.Family, u, v uint32) int {
	return m.peersCount(fam, newEdge(u, v))
}

type multiGraphFamily struct {
	Edges         int `json:"n_edges"`
	ParallelEdges int `json:"n_parallel_edges"`
}

type multiGraphDump struct {
	IPv4 multiGraphFamily `json:"ipv4"`
	IPv6 multiGraphFamily `json:"ipv6"`
}

func (m *ASMultiGraph) Dump(ctx context.Context, ts time.Time) error {
	return m.out.writeJSON(ctx, m.name, ts, multiGraphDump{
		IPv4: multiGraphFamily{Edges: len(m.v4), ParallelEdges: m.v4.parallel()},
		IPv6: multiGraphFamily{Edges: len(m.v6), ParallelEdges: m.v6.parallel()},
	})
}
