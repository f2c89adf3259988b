// Package fsm implements the FlashPipeline on superfly/fsm. Each pipeline
// phase is one durable transition; the live job (progress, cancel flag,
// events) is kept alongside in memory.
package fsm

import (
	"context"
	"log/slog"
	"sync"

	"github.com/superfly/fsm"

	"github.com/ruuf/ruuf/pkg/blockdev"
	"github.com/ruuf/ruuf/pkg/boot"
	"github.com/ruuf/ruuf/pkg/db"
	"github.com/ruuf/ruuf/pkg/device"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/image"
	"github.com/ruuf/ruuf/pkg/job"
	"github.com/ruuf/ruuf/pkg/partition"
)

// Config holds the Machine's collaborators.
type Config struct {
	Repo      *db.Repository
	Slot      *job.Slot
	Inspector *image.Inspector
	Planner   *partition.Planner
	Boot      boot.Deps

	// Devices, when set, re-reads the target during Validating.
	Devices *device.Enumerator

	// MaxRetries bounds retries of Validating. No other phase retries.
	MaxRetries int

	// Privilege defaults to blockdev.CheckPrivilege.
	Privilege func() error
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	cfg Config

	mu   sync.Mutex
	runs map[string]*run
}

// run is the in-memory side of one FSM run.
type run struct {
	job      *job.Job
	strategy boot.Strategy
	env      *boot.Env
	done     chan struct{}
	once     sync.Once
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(cfg Config) *Machine {
	if cfg.Inspector == nil {
		cfg.Inspector = image.NewInspector()
	}
	if cfg.Planner == nil {
		cfg.Planner = partition.NewPlanner(partition.DefaultOptions())
	}
	if cfg.Slot == nil {
		cfg.Slot = job.NewSlot("")
	}
	if cfg.Privilege == nil {
		cfg.Privilege = blockdev.CheckPrivilege
	}
	return &Machine{cfg: cfg, runs: make(map[string]*run)}
}

// Register registers the flash pipeline FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[FlashRequest, FlashResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[FlashRequest, FlashResponse](manager, "flash").
		Start(StateValidating, m.handleValidating).
		To(StateUnmounting, m.handleUnmounting).
		To(StatePartitioning, m.handlePartitioning).
		To(StateFormatting, m.handleFormatting).
		To(StateCopying, m.handleCopying).
		To(StateBootstrapping, m.handleBootstrapping).
		To(StateVerifying, m.handleVerifying).
		To(StateDone, m.handleDone).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// Slot returns the job slot, for enumerator busy filtering.
func (m *Machine) Slot() *job.Slot { return m.cfg.Slot }

// SubmitOption adjusts one job's request.
type SubmitOption func(*FlashRequest)

// WithOpenCore overrides the configured OpenCore bundle for one job.
func WithOpenCore(path string) SubmitOption {
	return func(r *FlashRequest) { r.OpenCorePath = path }
}

// Submit admits j and starts its run. tok must come from
// job.RequestConfirmation for j's device. Failures before the run starts
// leave j failed and the device untouched.
func (m *Machine) Submit(ctx context.Context, start fsm.Start[FlashRequest, FlashResponse], j *job.Job, tok job.Token, opts ...SubmitOption) error {
	slog.Info("job_submit", "job_id", j.ID, "device", j.Device.DisplayPath, "image", j.ImagePath, "family", j.Family)

	if err := m.cfg.Privilege(); err != nil {
		j.Fail(ctx, err)
		return j.Err()
	}
	if err := m.cfg.Slot.Acquire(j); err != nil {
		j.Fail(ctx, err)
		return j.Err()
	}
	if err := j.Confirm(ctx, tok); err != nil {
		m.cfg.Slot.Release(j)
		j.Fail(ctx, err)
		return j.Err()
	}

	resp := &FlashResponse{State: string(j.State())}
	if m.cfg.Repo != nil {
		rec := &db.FlashJob{
			JobID:      j.ID,
			DeviceID:   j.Device.ID,
			DevicePath: j.Device.DisplayPath,
			ImagePath:  j.ImagePath,
			Family:     string(j.Family),
			State:      string(j.State()),
		}
		if err := m.cfg.Repo.Create(rec); err != nil {
			m.cfg.Slot.Release(j)
			j.Fail(ctx, errors.New(errors.KindWriteFailure, "archive job", err))
			return j.Err()
		}
		resp.RecordID = rec.ID
	}

	r := &run{job: j, done: make(chan struct{})}
	m.mu.Lock()
	m.runs[j.ID] = r
	m.mu.Unlock()

	req := &FlashRequest{
		JobID:      j.ID,
		DeviceID:   j.Device.ID,
		DevicePath: j.Device.DisplayPath,
		ImagePath:  j.ImagePath,
		Family:     string(j.Family),
	}
	for _, opt := range opts {
		opt(req)
	}
	version, err := start(ctx, j.ID, fsm.NewRequest(req, resp))
	if err != nil {
		slog.Error("fsm_start_failed", "job_id", j.ID, "error", err)
		m.fail(ctx, r, resp, errors.New(errors.KindWriteFailure, "start pipeline", err))
		return j.Err()
	}

	slog.Info("fsm_started", "job_id", j.ID, "version", version)
	return nil
}

// Wait blocks until j reaches a terminal state and returns its error.
func (m *Machine) Wait(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	r, ok := m.runs[j.ID]
	m.mu.Unlock()
	if !ok {
		return j.Err()
	}

	select {
	case <-r.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cancellation of the job with id.
func (m *Machine) Cancel(id string) bool {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if ok {
		r.job.Cancel()
	}
	return ok
}

func (m *Machine) lookup(id string) (*run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	return r, ok
}

// finish releases everything a terminal run holds.
func (m *Machine) finish(r *run) {
	r.once.Do(func() {
		m.cfg.Slot.Release(r.job)
		m.mu.Lock()
		delete(m.runs, r.job.ID)
		m.mu.Unlock()
		close(r.done)
	})
}
