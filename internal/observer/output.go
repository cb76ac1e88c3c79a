package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/route-beacon/rib-replay/internal/output"
)

// Output is the persistence helper shared by the built-in observers.
type Output struct {
	Run  string
	Sink output.Sink
}

func (o Output) writeJSON(ctx context.Context, name string, ts time.Time, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	return o.write(ctx, name, ts, "json", buf.Bytes())
}

func (o Output) write(ctx context.Context, name string, ts time.Time, ext string, data []byte) error {
	if o.Sink == nil {
		return nil
	}
	return o.Sink.Write(ctx, output.Snapshot{
		Run:       o.Run,
		Observer:  name,
		Timestamp: ts,
		Ext:       ext,
		Data:      data,
	})
}
