package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/itchyny/timefmt-go"
	"github.com/klauspost/compress/zstd"
	"github.com/route-beacon/rib-replay/internal/metrics"
	"go.uber.org/zap"
)

var zstdEncoder, _ = zstd.NewWriter(nil)

// FileSink writes one file per observer per checkpoint:
// <dir>/<observer>.<timestamp formatted with timeFmt>.<ext>[.zst]
type FileSink struct {
	dir      string
	timeFmt  string
	compress bool
	logger   *zap.Logger
}

func NewFileSink(dir, timeFmt string, compress bool, logger *zap.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir %s: %w", dir, err)
	}
	return &FileSink{
		dir:      dir,
		timeFmt:  timeFmt,
		compress: compress,
		logger:   logger,
	}, nil
}

// Path returns the file a snapshot is written to.
func (s *FileSink) Path(snap Snapshot) string {
	name := fmt.Sprintf("%s.%s.%s", snap.Observer, timefmt.Format(snap.Timestamp.UTC(), s.timeFmt), snap.Ext)
	if s.compress {
		name += ".zst"
	}
	return filepath.Join(s.dir, name)
}

func (s *FileSink) Write(_ context.Context, snap Snapshot) error {
	start := time.Now()
	path := s.Path(snap)

	data := snap.Data
	if s.compress {
		data = zstdEncoder.EncodeAll(snap.Data, nil)
	}

	// Write to a temporary name first so a reader never sees a partial file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}

	metrics.SnapshotWriteDuration.WithLabelValues("file").Observe(time.Since(start).Seconds())
	s.logger.Debug("snapshot written",
		zap.String("observer", snap.Observer),
		zap.String("path", path),
		zap.Int("bytes", len(data)),
	)
	return nil
}

func (s *FileSink) Close() error { return nil }
