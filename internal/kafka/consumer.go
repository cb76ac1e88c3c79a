package kafka

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/route-beacon/rib-replay/internal/output"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

// ErrDigestMismatch is returned for a record whose payload does not match
// its digest header.
var ErrDigestMismatch = errors.New("kafka: snapshot digest mismatch")

// SnapshotReader consumes published snapshots from the beginning of a topic.
type SnapshotReader struct {
	client *kgo.Client
	logger *zap.Logger
}

func NewSnapshotReader(brokers []string, topic, clientID string, tlsCfg *tls.Config, saslMech sasl.Mechanism, logger *zap.Logger) (*SnapshotReader, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return &SnapshotReader{client: client, logger: logger}, nil
}

// Each polls until ctx is done or a poll returns no records, decoding every
// record and handing it to fn. Decoding errors are passed to fn alongside the
// raw record; returning an error from fn stops the loop.
func (r *SnapshotReader) Each(ctx context.Context, fn func(rec *kgo.Record, snap output.Snapshot, err error) error) error {
	seen := 0
	for {
		fetches := r.client.PollRecords(ctx, 100)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		for _, e := range fetches.Errors() {
			r.logger.Error("snapshot reader: fetch error",
				zap.String("topic", e.Topic),
				zap.Int32("partition", e.Partition),
				zap.Error(e.Err),
			)
		}

		recs := fetches.Records()
		for _, rec := range recs {
			snap, err := decodeRecord(rec)
			if ferr := fn(rec, snap, err); ferr != nil {
				return ferr
			}
		}
		seen += len(recs)
		if seen > 0 && len(recs) == 0 {
			return nil
		}
	}
}

func (r *SnapshotReader) Close() {
	r.client.Close()
}

// decodeRecord rebuilds a snapshot from a published record and verifies its digest.
func decodeRecord(rec *kgo.Record) (output.Snapshot, error) {
	h := make(map[string]string, len(rec.Headers))
	for _, hdr := range rec.Headers {
		h[hdr.Key] = string(hdr.Value)
	}

	snap := output.Snapshot{
		Run:      h[HeaderRun],
		Observer: h[HeaderObserver],
		Ext:      h[HeaderExt],
		Data:     rec.Value,
	}
	if snap.Run == "" || snap.Observer == "" {
		return snap, fmt.Errorf("record %d/%d: missing run or observer header", rec.Partition, rec.Offset)
	}
	ts, err := time.Parse(time.RFC3339, h[HeaderCheckpoint])
	if err != nil {
		return snap, fmt.Errorf("record %d/%d: checkpoint header: %w", rec.Partition, rec.Offset, err)
	}
	snap.Timestamp = ts

	want, err := hex.DecodeString(h[HeaderDigest])
	if err != nil {
		return snap, fmt.Errorf("record %d/%d: digest header: %w", rec.Partition, rec.Offset, err)
	}
	if !bytes.Equal(want, output.Digest(rec.Value)) {
		return snap, fmt.Errorf("record %d/%d: %w", rec.Partition, rec.Offset, ErrDigestMismatch)
	}
	return snap, nil
}
