// Package observer defines the analysis-module contract of the RIB table and
// the dispatcher that fans table transitions out to attached observers.
//
// Hooks receive paths owned by the RIB table. Observers must treat them as
// read-only and copy them if they need to keep a path beyond the call.
package observer

import (
	"context"
	"time"

	"github.com/route-beacon/rib-replay/internal/bgp"
)

// Observer receives every RIB transition and is asked to persist its derived
// state at each checkpoint.
type Observer interface {
	Name() string

	// Build phase: one call per snapshot entry. There is no previous path.
	AddPathV4(key bgp.RouteKey, path bgp.ASPath) error
	AddPathV6(key bgp.RouteKey, path bgp.ASPath) error

	// AnnounceV4 and AnnounceV6 receive a nil oldPath when the key had no entry.
	AnnounceV4(key bgp.RouteKey, newPath, oldPath bgp.ASPath) error
	AnnounceV6(key bgp.RouteKey, newPath, oldPath bgp.ASPath) error

	// WithdrawV4 and WithdrawV6 receive the path being removed.
	WithdrawV4(key bgp.RouteKey, path bgp.ASPath) error
	WithdrawV6(key bgp.RouteKey, path bgp.ASPath) error

	// Dump persists the current state. It must succeed on an observer that
	// has seen no events.
	Dump(ctx context.Context, ts time.Time) error
}

// Report is the result of comparing an observer with a ground-truth one.
type Report struct {
	Observer string
	Family   bgp.Family
	Added    int // present only in the ground truth
	Removed  int // present only in the reconstruction
	Modified int // present in both with different weights
}

func (r Report) Clean() bool {
	return r.Added == 0 && r.Removed == 0 && r.Modified == 0
}

// Comparer is implemented by observers that can measure reconstruction error
// against an observer of the same kind fed from a ground-truth snapshot.
type Comparer interface {
	Compare(other Observer) ([]Report, error)
}
