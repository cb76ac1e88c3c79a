package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/route-beacon/rib-replay/internal/metrics"
	"go.uber.org/zap"
)

// Retention prunes stored snapshots and finished runs past the retention window.
type Retention struct {
	pool          *pgxpool.Pool
	retentionDays int
	logger        *zap.Logger
	now           func() time.Time
}

func NewRetention(pool *pgxpool.Pool, retentionDays int, logger *zap.Logger) *Retention {
	return &Retention{
		pool:          pool,
		retentionDays: retentionDays,
		logger:        logger,
		now:           time.Now,
	}
}

// Cutoff is midnight UTC retentionDays before now.
func Cutoff(now time.Time, retentionDays int) time.Time {
	c := now.UTC().AddDate(0, 0, -retentionDays)
	return time.Date(c.Year(), c.Month(), c.Day(), 0, 0, 0, 0, time.UTC)
}

func (r *Retention) Run(ctx context.Context) error {
	cutoff := Cutoff(r.now(), r.retentionDays)
	if err := r.PruneSnapshots(ctx, cutoff); err != nil {
		return fmt.Errorf("pruning snapshots: %w", err)
	}
	if err := r.PruneRuns(ctx, cutoff); err != nil {
		return fmt.Errorf("pruning runs: %w", err)
	}
	return nil
}

// PruneSnapshots deletes snapshots written before cutoff.
func (r *Retention) PruneSnapshots(ctx context.Context, cutoff time.Time) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM observer_snapshots WHERE written_at < $1`, cutoff)
	if err != nil {
		return err
	}
	metrics.DBRowsAffectedTotal.WithLabelValues("observer_snapshots", "delete").Add(float64(tag.RowsAffected()))
	r.logger.Info("pruned snapshots", zap.Int64("rows", tag.RowsAffected()), zap.Time("cutoff", cutoff))
	return nil
}

// PruneRuns deletes runs finished before cutoff that no longer own snapshots.
// Running runs are never touched.
func (r *Retention) PruneRuns(ctx context.Context, cutoff time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM replay_runs r
		WHERE r.finished_at < $1
		  AND NOT EXISTS (SELECT 1 FROM observer_snapshots s WHERE s.run = r.run)`,
		cutoff,
	)
	if err != nil {
		return err
	}
	metrics.DBRowsAffectedTotal.WithLabelValues("replay_runs", "delete").Add(float64(tag.RowsAffected()))
	r.logger.Info("pruned runs", zap.Int64("rows", tag.RowsAffected()), zap.Time("cutoff", cutoff))
	return nil
}
