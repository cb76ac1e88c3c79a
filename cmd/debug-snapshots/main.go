package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/route-beacon/rib-replay/internal/kafka"
	"github.com/route-beacon/rib-replay/internal/output"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

func main() {
	broker := "localhost:29092"
	topic := "rib-replay.snapshots"
	if len(os.Args) > 1 {
		broker = os.Args[1]
	}
	if len(os.Args) > 2 {
		topic = os.Args[2]
	}

	reader, err := kafka.NewSnapshotReader([]string{broker}, topic,
		fmt.Sprintf("debug-snapshots-%d", time.Now().UnixNano()), nil, nil, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafka client: %v\n", err)
		os.Exit(1)
	}
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgNum, bad := 0, 0
	err = reader.Each(ctx, func(rec *kgo.Record, snap output.Snapshot, err error) error {
		msgNum++
		fmt.Printf("=== Kafka msg %d (partition=%d offset=%d, %d bytes) ===\n",
			msgNum, rec.Partition, rec.Offset, len(rec.Value))
		if err != nil {
			bad++
			if errors.Is(err, kafka.ErrDigestMismatch) {
				fmt.Printf("  DIGEST MISMATCH: %v\n", err)
			} else {
				fmt.Printf("  decode error: %v\n", err)
			}
			fmt.Println()
			return nil
		}
		analyzeSnapshot(snap)
		fmt.Println()
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading snapshots: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Total Kafka messages: %d (%d invalid)\n", msgNum, bad)
	if bad > 0 {
		os.Exit(2)
	}
}

func analyzeSnapshot(s output.Snapshot) {
	fmt.Printf("  Run:        %s\n", s.Run)
	fmt.Printf("  Observer:   %s\n", s.Observer)
	fmt.Printf("  Checkpoint: %s\n", s.Timestamp.Format(time.RFC3339))
	fmt.Printf("  Format:     %s\n", s.Ext)
	fmt.Printf("  Digest:     %x\n", output.Digest(s.Data))

	switch s.Ext {
	case "csv":
		lines := bytes.Split(bytes.TrimSpace(s.Data), []byte("\n"))
		fmt.Printf("  Header:     %s\n", lines[0])
		fmt.Printf("  Edges:      %d\n", len(lines)-1)
		for i, l := range lines[1:] {
			if i == 5 {
				fmt.Printf("    ... (%d more) ...\n", len(lines)-6)
				break
			}
			fmt.Printf("    %s\n", l)
		}
	default:
		preview := s.Data
		if len(preview) > 200 {
			preview = preview[:200]
		}
		fmt.Printf("  Preview:    %s\n", bytes.TrimSpace(preview))
	}
}
