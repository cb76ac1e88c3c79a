package archive

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/route-beacon/rib-replay/internal/metrics"
	"github.com/route-beacon/rib-replay/internal/record"
	"go.uber.org/zap"
)

// Source provides the normalized record streams of a run. Streams are lazy:
// files are converted only while the consumer keeps pulling.
type Source interface {
	Bootstrap(ctx context.Context, collector string) iter.Seq2[*record.Update, error]
	Updates(ctx context.Context, collector string) iter.Seq2[*record.Update, error]
	GroundTruth(ctx context.Context, collector string) iter.Seq2[*record.Update, error]
}

// Converter turns an MRT file into bgpdump -m text lines.
type Converter interface {
	Lines(ctx context.Context, file string, fn func(line string) error) error
}

// ArchiveSource streams the files of a Plan from the local cache.
type ArchiveSource struct {
	plan    *Plan
	fetched *Result
	conv    Converter
	logger  *zap.Logger
}

func NewArchiveSource(plan *Plan, fetched *Result, conv Converter, logger *zap.Logger) *ArchiveSource {
	return &ArchiveSource{plan: plan, fetched: fetched, conv: conv, logger: logger}
}

func (s *ArchiveSource) Bootstrap(ctx context.Context, collector string) iter.Seq2[*record.Update, error] {
	f, ok := s.plan.Bootstrap[collector]
	if !ok {
		return failed(fmt.Errorf("no snapshot planned for %s: %w", collector, ErrNotFound))
	}
	return s.stream(ctx, []File{f}, true)
}

func (s *ArchiveSource) Updates(ctx context.Context, collector string) iter.Seq2[*record.Update, error] {
	return s.stream(ctx, s.plan.Updates[collector], false)
}

func (s *ArchiveSource) GroundTruth(ctx context.Context, collector string) iter.Seq2[*record.Update, error] {
	f, ok := s.plan.GroundTruth[collector]
	if !ok {
		return failed(fmt.Errorf("no ground truth planned for %s: %w", collector, ErrNotFound))
	}
	return s.stream(ctx, []File{f}, true)
}

func failed(err error) iter.Seq2[*record.Update, error] {
	return func(yield func(*record.Update, error) bool) {
		yield(nil, err)
	}
}

type fileStats struct {
	lines     int
	records   int
	skipped   int
	malformed int
	invalid   int
	implicit  int
}

// stream converts files in order. A file absent from the fetch result is an
// error when required and a gap otherwise.
func (s *ArchiveSource) stream(ctx context.Context, files []File, required bool) iter.Seq2[*record.Update, error] {
	return func(yield func(*record.Update, error) bool) {
		for _, f := range files {
			path, ok := s.fetched.Paths[f.URL]
			if !ok {
				if required {
					yield(nil, fmt.Errorf("%s: %w", f.URL, ErrNotFound))
					return
				}
				continue
			}

			var st fileStats
			stopped := false
			err := s.conv.Lines(ctx, path, func(line string) error {
				st.lines++
				u, err := record.ParseLine(f.Collector, line)
				switch {
				case errors.Is(err, record.ErrSkip):
					st.skipped++
					return nil
				case errors.Is(err, record.ErrInvalidPath):
					st.invalid++
					metrics.RecordsDroppedTotal.WithLabelValues(f.Collector, "invalid_path").Inc()
					s.logger.Debug("invalid snapshot entry", zap.String("file", f.CacheName()), zap.String("line", line), zap.Error(err))
					return nil
				case err != nil:
					st.malformed++
					metrics.RecordsDroppedTotal.WithLabelValues(f.Collector, "malformed").Inc()
					s.logger.Debug("malformed line", zap.String("file", f.CacheName()), zap.String("line", line), zap.Error(err))
					return nil
				}
				st.records++
				if u.Implicit {
					st.implicit++
				}
				if !yield(u, nil) {
					stopped = true
					return errStopped
				}
				return nil
			})
			s.summarize(f, st)
			if stopped {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("converting %s: %w", f.CacheName(), err))
				return
			}
		}
	}
}

func (s *ArchiveSource) summarize(f File, st fileStats) {
	fields := []zap.Field{
		zap.String("collector", f.Collector),
		zap.String("file", f.CacheName()),
		zap.Int("lines", st.lines),
		zap.Int("records", st.records),
		zap.Int("skipped", st.skipped),
		zap.Int("malformed", st.malformed),
		zap.Int("invalid_path", st.invalid),
		zap.Int("implicit_withdrawals", st.implicit),
	}
	if st.malformed > 0 || st.invalid > 0 {
		s.logger.Warn("dropped records while converting", fields...)
		return
	}
	if f.Kind == KindRIB && st.records == 0 {
		s.logger.Warn("snapshot is empty", fields...)
		return
	}
	s.logger.Debug("converted", fields...)
}
