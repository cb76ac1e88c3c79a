// Package replay drives a run: it bootstraps the RIB table from snapshots,
// merges the collectors' update streams in timestamp order and checkpoints
// observers at every interval boundary.
package replay

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/route-beacon/rib-replay/internal/archive"
	"github.com/route-beacon/rib-replay/internal/metrics"
	"github.com/route-beacon/rib-replay/internal/observer"
	"github.com/route-beacon/rib-replay/internal/record"
	"github.com/route-beacon/rib-replay/internal/rib"
	"go.uber.org/zap"
)

// ErrMissingBootstrap is returned when a configured collector has no snapshot.
var ErrMissingBootstrap = errors.New("replay: missing bootstrap snapshot")

// boundarySlack is the tolerance between a checkpoint boundary and the first
// record that closes it.
const boundarySlack = time.Second

// StreamError reports a failure while reading a collector's records.
type StreamError struct {
	Collector string
	Err       error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("collector %s: %v", e.Collector, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Config describes one run.
type Config struct {
	Start      time.Time
	End        time.Time
	Interval   time.Duration
	Collectors []string
	Filter     *record.Filter

	// IgnoreUnknownPeers drops updates from peers absent from the collector's
	// snapshot.
	IgnoreUnknownPeers bool

	// Compare rebuilds a table from the ground-truth snapshots at End and
	// reports reconstruction errors.
	Compare bool

	// CompareObservers builds fresh observers fed from the ground truth.
	// Only observers sharing a name with an attached Comparer are compared.
	CompareObservers func() []observer.Observer
}

// Summary describes a completed run.
type Summary struct {
	Checkpoints []time.Time
	Applied     int
	Dropped     map[string]int
	PeerDiffs   []rib.PeerDiff
	Reports     []observer.Report
	Compared    bool
}

// Orchestrator feeds a RIB table from a Source.
type Orchestrator struct {
	cfg        Config
	table      *rib.Table
	dispatcher *observer.Dispatcher
	source     archive.Source
	logger     *zap.Logger

	summary    *Summary
	boundaries []time.Time
}

func NewOrchestrator(cfg Config, table *rib.Table, dispatcher *observer.Dispatcher, source archive.Source, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		table:      table,
		dispatcher: dispatcher,
		source:     source,
		logger:     logger,
	}
}

// Boundaries returns the checkpoint times after Start: Start + i*Interval up
// to and including End.
func Boundaries(start, end time.Time, interval time.Duration) []time.Time {
	if interval <= 0 {
		return nil
	}
	var out []time.Time
	for b := start.Add(interval); !b.After(end); b = b.Add(interval) {
		out = append(out, b)
	}
	return out
}

// Run executes the whole replay. Any observer failure, sequencing violation
// or stream error aborts the run.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	o.summary = &Summary{Dropped: make(map[string]int)}
	o.boundaries = Boundaries(o.cfg.Start, o.cfg.End, o.cfg.Interval)

	for _, c := range o.cfg.Collectors {
		if err := o.table.Register(c); err != nil {
			return nil, err
		}
	}
	for _, c := range o.cfg.Collectors {
		if err := o.bootstrap(ctx, o.table, c, o.source.Bootstrap(ctx, c)); err != nil {
			return nil, err
		}
	}

	if err := o.checkpoint(ctx, o.cfg.Start); err != nil {
		return nil, err
	}
	if err := o.replay(ctx); err != nil {
		return nil, err
	}
	for len(o.boundaries) > 0 {
		if err := o.checkpoint(ctx, o.boundaries[0]); err != nil {
			return nil, err
		}
	}

	if o.cfg.Compare {
		if err := o.compare(ctx); err != nil {
			return nil, err
		}
	}

	o.logger.Info("run complete",
		zap.Int("applied", o.summary.Applied),
		zap.Int("checkpoints", len(o.summary.Checkpoints)),
		zap.Any("dropped", o.summary.Dropped),
	)
	return o.summary, nil
}

func (o *Orchestrator) bootstrap(ctx context.Context, table *rib.Table, collector string, seq iter.Seq2[*record.Update, error]) error {
	start := time.Now()
	entries := 0
	for u, err := range seq {
		if err != nil {
			if errors.Is(err, archive.ErrNotFound) {
				o.logger.Error("no bootstrap snapshot", zap.String("collector", collector), zap.Error(err))
				return fmt.Errorf("collector %s: %w: %w", collector, ErrMissingBootstrap, err)
			}
			return &StreamError{Collector: collector, Err: err}
		}
		if !o.cfg.Filter.Allows(u) {
			o.drop(collector, "filtered")
			continue
		}
		if u.Kind != record.KindAnnounce || len(u.Path) == 0 {
			o.drop(collector, "not_an_entry")
			continue
		}
		if err := table.AddPath(u.Key(), u.Path); err != nil {
			return err
		}
		entries++
		if entries%100000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := table.MarkSteady(collector); err != nil {
		return err
	}
	o.logger.Info("bootstrap complete",
		zap.String("collector", collector),
		zap.Int("entries", entries),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

func (o *Orchestrator) replay(ctx context.Context) error {
	m := newMerger()
	defer m.close()
	for _, c := range o.cfg.Collectors {
		m.add(c, o.source.Updates(ctx, c))
	}
	if err := m.start(); err != nil {
		return err
	}

	stopAfter := o.cfg.End.Add(boundarySlack)
	for n := 0; ; n++ {
		if n%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		u, i, ok := m.pop()
		if !ok {
			return nil
		}
		collector := m.streams[i].collector

		switch {
		case u.Timestamp.After(stopAfter):
			o.logger.Info("collector reached end of range",
				zap.String("collector", collector),
				zap.Time("record", u.Timestamp),
			)
			m.stop(i)
			continue
		case u.Timestamp.Before(o.cfg.Start):
			o.drop(collector, "before_start")
		default:
			if err := o.closeBoundaries(ctx, u.Timestamp); err != nil {
				return err
			}
			if err := o.apply(u); err != nil {
				return err
			}
		}
		if err := m.advance(i); err != nil {
			return err
		}
	}
}

// closeBoundaries checkpoints every boundary b with b + 1s <= ts.
func (o *Orchestrator) closeBoundaries(ctx context.Context, ts time.Time) error {
	for len(o.boundaries) > 0 && !o.boundaries[0].Add(boundarySlack).After(ts) {
		if err := o.checkpoint(ctx, o.boundaries[0]); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) apply(u *record.Update) error {
	if !o.cfg.Filter.Allows(u) {
		o.drop(u.Collector, "filtered")
		return nil
	}
	if o.cfg.IgnoreUnknownPeers && !o.table.HasPeer(u.Collector, u.PeerIP) {
		o.drop(u.Collector, "unknown_peer")
		return nil
	}
	if err := o.table.Apply(u); err != nil {
		return fmt.Errorf("applying %s %s at %s: %w", u.Kind, u.Key(), u.Timestamp.Format(time.RFC3339), err)
	}
	o.summary.Applied++
	return nil
}

func (o *Orchestrator) drop(collector, reason string) {
	o.summary.Dropped[reason]++
	metrics.RecordsDroppedTotal.WithLabelValues(collector, reason).Inc()
}

// checkpoint dumps observers at ts and discards boundaries up to ts.
func (o *Orchestrator) checkpoint(ctx context.Context, ts time.Time) error {
	if err := o.table.Checkpoint(ctx, ts); err != nil {
		return err
	}
	o.summary.Checkpoints = append(o.summary.Checkpoints, ts)
	for len(o.boundaries) > 0 && !o.boundaries[0].After(ts) {
		o.boundaries = o.boundaries[1:]
	}
	return nil
}

func (o *Orchestrator) compare(ctx context.Context) error {
	var groundObservers []observer.Observer
	if o.cfg.CompareObservers != nil {
		groundObservers = o.cfg.CompareObservers()
	}
	logger := o.logger.Named("ground")
	dispatcher := observer.NewDispatcher(logger)
	for _, obs := range groundObservers {
		if err := dispatcher.Attach(obs); err != nil {
			return err
		}
	}
	ground := rib.NewTable(dispatcher, logger)
	for _, c := range o.cfg.Collectors {
		if err := ground.Register(c); err != nil {
			return err
		}
	}
	for _, c := range o.cfg.Collectors {
		err := o.bootstrap(ctx, ground, c, o.source.GroundTruth(ctx, c))
		if errors.Is(err, ErrMissingBootstrap) {
			o.logger.Warn("ground truth unavailable, skipping comparison", zap.String("collector", c))
			return nil
		}
		if err != nil {
			return fmt.Errorf("loading ground truth: %w", err)
		}
	}

	o.summary.Compared = true
	o.summary.PeerDiffs = o.table.Compare(ground)
	for _, d := range o.summary.PeerDiffs {
		fields := []zap.Field{
			zap.String("collector", d.Collector),
			zap.String("peer", d.Peer.String()),
			zap.String("family", d.Family.String()),
			zap.Int("only_ground_truth", d.OnlyGround),
			zap.Int("only_reconstructed", d.OnlyRebuilt),
			zap.Int("path_differs", d.PathDiffers),
		}
		if d.Clean() {
			o.logger.Info("no reconstruction error", fields...)
		} else {
			o.logger.Warn("reconstruction error", fields...)
		}
	}

	byName := make(map[string]observer.Observer, len(groundObservers))
	for _, obs := range groundObservers {
		byName[obs.Name()] = obs
	}
	for _, obs := range o.dispatcher.Observers() {
		cmp, ok := obs.(observer.Comparer)
		if !ok {
			continue
		}
		other, ok := byName[obs.Name()]
		if !ok {
			continue
		}
		reports, err := cmp.Compare(other)
		if err != nil {
			return err
		}
		for _, r := range reports {
			o.logger.Info("observer comparison",
				zap.String("observer", r.Observer),
				zap.String("family", r.Family.String()),
				zap.Int("added", r.Added),
				zap.Int("removed", r.Removed),
				zap.Int("modified", r.Modified),
				zap.Bool("clean", r.Clean()),
			)
		}
		o.summary.Reports = append(o.summary.Reports, reports...)
	}
	return nil
}
