package observer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/route-beacon/rib-replay/internal/bgp"
	"github.com/route-beacon/rib-replay/internal/metrics"
	"go.uber.org/zap"
)

var (
	ErrDuplicateObserver = errors.New("observer: duplicate name")
	ErrSealed            = errors.New("observer: dispatcher already delivering events")
	ErrUnknownFamily     = errors.New("observer: unknown address family")
)

// HookError reports a failure raised by an observer hook.
type HookError struct {
	Observer string
	Hook     string
	Key      bgp.RouteKey
	Err      error
}

func (e *HookError) Error() string {
	if e.Key.Collector == "" {
		return fmt.Sprintf("observer %q: %s: %v", e.Observer, e.Hook, e.Err)
	}
	return fmt.Sprintf("observer %q: %s %s: %v", e.Observer, e.Hook, e.Key, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// Dispatcher holds the ordered set of attached observers. Every event is
// delivered synchronously to each observer in attachment order; the first
// observer error aborts delivery and is returned to the caller.
type Dispatcher struct {
	observers []Observer
	names     map[string]bool
	sealed    bool
	logger    *zap.Logger
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		names:  make(map[string]bool),
		logger: logger,
	}
}

// Attach registers an observer. Observers must be attached before the first
// event is dispatched.
func (d *Dispatcher) Attach(o Observer) error {
	if d.sealed {
		return fmt.Errorf("attaching %q: %w", o.Name(), ErrSealed)
	}
	if d.names[o.Name()] {
		return fmt.Errorf("attaching %q: %w", o.Name(), ErrDuplicateObserver)
	}
	d.names[o.Name()] = true
	d.observers = append(d.observers, o)
	d.logger.Info("observer attached", zap.String("observer", o.Name()), zap.Int("position", len(d.observers)))
	return nil
}

// Observers returns the attached observers in attachment order.
func (d *Dispatcher) Observers() []Observer {
	out := make([]Observer, len(d.observers))
	copy(out, d.observers)
	return out
}

func (d *Dispatcher) Len() int { return len(d.observers) }

func (d *Dispatcher) AddPath(key bgp.RouteKey, path bgp.ASPath) error {
	d.sealed = true
	switch key.Family() {
	case bgp.FamilyIPv4:
		for _, o := range d.observers {
			if err := o.AddPathV4(key, path); err != nil {
				return &HookError{Observer: o.Name(), Hook: "add_path_ipv4", Key: key, Err: err}
			}
		}
	case bgp.FamilyIPv6:
		for _, o := range d.observers {
			if err := o.AddPathV6(key, path); err != nil {
				return &HookError{Observer: o.Name(), Hook: "add_path_ipv6", Key: key, Err: err}
			}
		}
	default:
		return fmt.Errorf("add_path %s: %w", key, ErrUnknownFamily)
	}
	return nil
}

func (d *Dispatcher) Announce(key bgp.RouteKey, newPath, oldPath bgp.ASPath) error {
	d.sealed = true
	switch key.Family() {
	case bgp.FamilyIPv4:
		for _, o := range d.observers {
			if err := o.AnnounceV4(key, newPath, oldPath); err != nil {
				return &HookError{Observer: o.Name(), Hook: "update_announcement_ipv4", Key: key, Err: err}
			}
		}
	case bgp.FamilyIPv6:
		for _, o := range d.observers {
			if err := o.AnnounceV6(key, newPath, oldPath); err != nil {
				return &HookError{Observer: o.Name(), Hook: "update_announcement_ipv6", Key: key, Err: err}
			}
		}
	default:
		return fmt.Errorf("update_announcement %s: %w", key, ErrUnknownFamily)
	}
	return nil
}

func (d *Dispatcher) Withdraw(key bgp.RouteKey, path bgp.ASPath) error {
	d.sealed = true
	switch key.Family() {
	case bgp.FamilyIPv4:
		for _, o := range d.observers {
			if err := o.WithdrawV4(key, path); err != nil {
				return &HookError{Observer: o.Name(), Hook: "update_withdrawal_ipv4", Key: key, Err: err}
			}
		}
	case bgp.FamilyIPv6:
		for _, o := range d.observers {
			if err := o.WithdrawV6(key, path); err != nil {
				return &HookError{Observer: o.Name(), Hook: "update_withdrawal_ipv6", Key: key, Err: err}
			}
		}
	default:
		return fmt.Errorf("update_withdrawal %s: %w", key, ErrUnknownFamily)
	}
	return nil
}

// Dump checkpoints every observer at ts.
func (d *Dispatcher) Dump(ctx context.Context, ts time.Time) error {
	d.sealed = true
	for _, o := range d.observers {
		start := time.Now()
		if err := o.Dump(ctx, ts); err != nil {
			return &HookError{Observer: o.Name(), Hook: "dump", Err: err}
		}
		dur := time.Since(start)
		metrics.ObserverDumpDuration.WithLabelValues(o.Name()).Observe(dur.Seconds())
		d.logger.Debug("observer dumped",
			zap.String("observer", o.Name()),
			zap.Time("checkpoint", ts),
			zap.Duration("took", dur),
		)
	}
	return nil
}
