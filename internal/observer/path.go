package observer

import (
	"context"
	"time"

	"github.com/route-beacon/rib-replay/internal/bgp"
)

// Path keeps the multiset of AS paths currently active across all routes,
// regardless of family.
type Path struct {
	name    string
	out     Output
	paths   counter
	lengths map[string]int
}

func NewPath(name string, out Output) *Path {
	return &Path{
		name:    name,
		out:     out,
		paths:   make(counter),
		lengths: make(map[string]int),
	}
}

func (p *Path) Name() string { return p.name }

func (p *Path) add(path bgp.ASPath) {
	k := path.String()
	p.paths.inc(k)
	p.lengths[k] = len(path)
}

func (p *Path) remove(path bgp.ASPath) {
	k := path.String()
	p.paths.dec(k)
	if _, ok := p.paths[k]; !ok {
		delete(p.lengths, k)
	}
}

func (p *Path) replace(newPath, oldPath bgp.ASPath) {
	if oldPath != nil {
		p.remove(oldPath)
	}
	p.add(newPath)
}

func (p *Path) AddPathV4(_ bgp.RouteKey, path bgp.ASPath) error { p.add(path); return nil }
func (p *Path) AddPathV6(_ bgp.RouteKey, path bgp.ASPath) error { p.add(path); return nil }

func (p *Path) AnnounceV4(_ bgp.RouteKey, newPath, oldPath bgp.ASPath) error {
	p.replace(newPath, oldPath)
	return nil
}

func (p *Path) AnnounceV6(_ bgp.RouteKey, newPath, oldPath bgp.ASPath) error {
	p.replace(newPath, oldPath)
	return nil
}

func (p *Path) WithdrawV4(_ bgp.RouteKey, path bgp.ASPath) error { p.remove(path); return nil }
func (p *Path) WithdrawV6(_ bgp.RouteKey, path bgp.ASPath) error { p.remove(path); return nil }

// Count returns how many active routes currently carry path.
func (p *Path) Count(path bgp.ASPath) int { return p.paths[path.String()] }

// Unique returns the number of distinct active paths.
func (p *Path) Unique() int { return len(p.paths) }

type pathDump struct {
	UniquePaths      int         `json:"n_unique_paths"`
	PathsCount       counter     `json:"paths_count"`
	PathsLengthCount map[int]int `json:"paths_length_count"`
}

func (p *Path) Dump(ctx context.Context, ts time.Time) error {
	byLength := make(map[int]int)
	for _, n := range p.lengths {
		byLength[n]++
	}
	return p.out.writeJSON(ctx, p.name, ts, pathDump{
		UniquePaths:      len(p.paths),
		PathsCount:       p.paths,
		PathsLengthCount: byLength,
	})
}
