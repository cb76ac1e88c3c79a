package output

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"
)

// Snapshot is one serialized observer result for one checkpoint.
type Snapshot struct {
	Run       string
	Observer  string
	Timestamp time.Time
	Ext       string // file extension without dot: "json", "csv"
	Data      []byte
}

// Sink persists snapshots. Implementations must accept empty Data.
type Sink interface {
	Write(ctx context.Context, s Snapshot) error
	Close() error
}

// Digest computes the SHA256 of a snapshot payload. Identical observer state
// produces identical digests, which lets consumers detect replays.
func Digest(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// MultiSink writes each snapshot to every sink in order and stops at the
// first failure.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, s Snapshot) error {
	for _, sink := range m {
		if err := sink.Write(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) Close() error {
	var errs []error
	for _, sink := range m {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
