package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/route-beacon/rib-replay/internal/metrics"
	"github.com/route-beacon/rib-replay/internal/output"
	"go.uber.org/zap"
)

const upsertSnapshot = `
	INSERT INTO observer_snapshots (run, observer, checkpoint_ts, ext, digest, payload, written_at)
	VALUES ($1, $2, $3, $4, $5, $6, now())
	ON CONFLICT (run, observer, checkpoint_ts)
	DO UPDATE SET
		ext        = EXCLUDED.ext,
		digest     = EXCLUDED.digest,
		payload    = EXCLUDED.payload,
		written_at = now()`

// SnapshotSink stores observer snapshots in observer_snapshots. Re-running a
// run overwrites its rows.
type SnapshotSink struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewSnapshotSink(pool *pgxpool.Pool, logger *zap.Logger) *SnapshotSink {
	return &SnapshotSink{pool: pool, logger: logger}
}

func (s *SnapshotSink) Write(ctx context.Context, snap output.Snapshot) error {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, upsertSnapshot,
		snap.Run, snap.Observer, snap.Timestamp.UTC(), snap.Ext, output.Digest(snap.Data), snap.Data,
	)
	if err != nil {
		return fmt.Errorf("storing snapshot %s/%s: %w", snap.Run, snap.Observer, err)
	}
	metrics.SnapshotWriteDuration.WithLabelValues("postgres").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("observer_snapshots", "upsert").Add(float64(tag.RowsAffected()))
	s.logger.Debug("snapshot stored",
		zap.String("run", snap.Run),
		zap.String("observer", snap.Observer),
		zap.Time("checkpoint", snap.Timestamp),
		zap.Int("bytes", len(snap.Data)),
	)
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *SnapshotSink) Close() error { return nil }

// Run describes one replay in replay_runs.
type Run struct {
	Name       string
	InstanceID string
	Start      time.Time
	End        time.Time
	Collectors []string
}

// RunStore records the lifecycle of replay runs.
type RunStore struct {
	pool *pgxpool.Pool
}

func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

// Begin marks a run as running, resetting any previous outcome under the same name.
func (r *RunStore) Begin(ctx context.Context, run Run) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO replay_runs (run, instance_id, range_start, range_end, collectors, status, started_at)
		VALUES ($1, $2, $3, $4, $5, 'running', now())
		ON CONFLICT (run) DO UPDATE SET
			instance_id = EXCLUDED.instance_id,
			range_start = EXCLUDED.range_start,
			range_end   = EXCLUDED.range_end,
			collectors  = EXCLUDED.collectors,
			status      = 'running',
			applied     = 0,
			checkpoints = 0,
			error       = NULL,
			started_at  = now(),
			finished_at = NULL`,
		run.Name, run.InstanceID, run.Start.UTC(), run.End.UTC(), run.Collectors,
	)
	if err != nil {
		return fmt.Errorf("recording run start %s: %w", run.Name, err)
	}
	return nil
}

// Finish records the outcome of a run. A nil runErr marks it completed.
func (r *RunStore) Finish(ctx context.Context, name string, applied, checkpoints int, runErr error) error {
	status := "completed"
	var msg *string
	if runErr != nil {
		status = "failed"
		s := runErr.Error()
		msg = &s
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE replay_runs
		SET status = $2, applied = $3, checkpoints = $4, error = $5, finished_at = now()
		WHERE run = $1`,
		name, status, applied, checkpoints, msg,
	)
	if err != nil {
		return fmt.Errorf("recording run finish %s: %w", name, err)
	}
	return nil
}
