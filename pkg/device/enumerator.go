package device

import (
	"context"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruuf/ruuf/pkg/errors"
)

// Enumerator filters the host inventory down to devices that are safe to
// offer as flash targets.
type Enumerator struct {
	prober  Prober
	minSize int64
	busy    func(id string) bool
	retries uint64
}

// Option configures an Enumerator.
type Option func(*Enumerator)

// WithMinSize hides devices smaller than n bytes.
func WithMinSize(n int64) Option {
	return func(e *Enumerator) { e.minSize = n }
}

// WithBusy hides devices for which busy returns true.
func WithBusy(busy func(id string) bool) Option {
	return func(e *Enumerator) { e.busy = busy }
}

// WithRetries sets how many times a failed probe is retried.
func WithRetries(n uint64) Option {
	return func(e *Enumerator) { e.retries = n }
}

// NewEnumerator wraps a Prober.
func NewEnumerator(p Prober, opts ...Option) *Enumerator {
	e := &Enumerator{
		prober:  p,
		busy:    func(string) bool { return false },
		retries: 2,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// List re-probes the host and yields the flashable devices. A probe error is
// a diagnostic: the sequence is empty and callers may keep running.
func (e *Enumerator) List(ctx context.Context) (iter.Seq[Device], error) {
	devices, err := e.probe(ctx)
	if err != nil {
		slog.Warn("device_enumeration_failed", "error", err)
		return slices.Values([]Device(nil)), err
	}

	flashable := make([]Device, 0, len(devices))
	for _, d := range devices {
		if reason := e.exclusion(d); reason != "" {
			slog.Debug("device_excluded", "device", d.DisplayPath, "reason", reason)
			continue
		}
		flashable = append(flashable, d)
	}

	slog.Info("device_enumeration_complete", "seen", len(devices), "flashable", len(flashable))
	return slices.Values(flashable), nil
}

// All returns the unfiltered inventory.
func (e *Enumerator) All(ctx context.Context) ([]Device, error) {
	return e.probe(ctx)
}

// Lookup resolves a selector among the flashable devices.
func (e *Enumerator) Lookup(ctx context.Context, selector string) (Device, error) {
	d, err := e.Inspect(ctx, selector)
	if err != nil {
		return Device{}, err
	}

	if e.busy(d.ID) {
		return Device{}, errors.Newf(errors.KindDeviceBusy, "lookup "+selector, "device has an active flash job")
	}
	if err := d.Flashable(); err != nil {
		return Device{}, err
	}
	if e.minSize > 0 && d.SizeBytes < e.minSize {
		return Device{}, errors.Newf(errors.KindUnsafeTarget, "lookup "+selector, "device is smaller than %d bytes", e.minSize)
	}
	return d, nil
}

// Inspect returns the current unfiltered record for selector.
func (e *Enumerator) Inspect(ctx context.Context, selector string) (Device, error) {
	devices, err := e.probe(ctx)
	if err != nil {
		return Device{}, err
	}
	for _, d := range devices {
		if d.Matches(selector) {
			return d, nil
		}
	}
	return Device{}, errors.Newf(errors.KindUnsafeTarget, "lookup "+selector, "no such device")
}

func (e *Enumerator) exclusion(d Device) string {
	switch {
	case d.IsSystemDisk:
		return "system_disk"
	case !d.IsRemovable:
		return "not_removable"
	case d.ReadOnly:
		return "read_only"
	case e.minSize > 0 && d.SizeBytes < e.minSize:
		return "too_small"
	case e.busy(d.ID):
		return "busy"
	}
	return ""
}

func (e *Enumerator) probe(ctx context.Context) ([]Device, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, e.retries), ctx)

	attempt := 0
	return backoff.RetryWithData(func() ([]Device, error) {
		attempt++
		devices, err := e.prober.Probe(ctx)
		if err != nil {
			slog.Debug("device_probe_failed", "attempt", attempt, "error", err)
		}
		return devices, err
	}, policy)
}
