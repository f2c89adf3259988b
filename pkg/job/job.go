// Package job models a single flash job: its state machine, progress
// events, cancellation flag and the process-wide slot that admits one job
// at a time.
package job

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/ruuf/ruuf/pkg/device"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/image"
	"github.com/ruuf/ruuf/pkg/partition"
)

// State is a FlashPipeline phase.
type State string

const (
	StateIdle          State = "idle"
	StateValidating    State = "validating"
	StateUnmounting    State = "unmounting"
	StatePartitioning  State = "partitioning"
	StateFormatting    State = "formatting"
	StateCopying       State = "copying"
	StateBootstrapping State = "bootstrapping"
	StateVerifying     State = "verifying"
	StateDone          State = "done"
	StateCancelling    State = "cancelling"
	StateFailed        State = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

const (
	EventConfirm   = "confirm"
	EventUnmount   = "unmount"
	EventPartition = "partition"
	EventFormat    = "format"
	EventCopy      = "copy"
	EventBootstrap = "bootstrap"
	EventVerify    = "verify"
	EventComplete  = "complete"
	EventCancel    = "cancel"
	EventFail      = "fail"
)

var active = []string{
	string(StateIdle), string(StateValidating), string(StateUnmounting), string(StatePartitioning),
	string(StateFormatting), string(StateCopying), string(StateBootstrapping), string(StateVerifying),
}

// eventFor maps a forward target state to the event reaching it.
var eventFor = map[State]string{
	StateUnmounting:    EventUnmount,
	StatePartitioning:  EventPartition,
	StateFormatting:    EventFormat,
	StateCopying:       EventCopy,
	StateBootstrapping: EventBootstrap,
	StateVerifying:     EventVerify,
	StateDone:          EventComplete,
}

const eventBuffer = 256

// Event is published on every state change and progress update.
type Event struct {
	JobID     string
	State     State
	Percent   int
	Step      string
	Err       error
	Destroyed bool
	Time      time.Time
}

// Job is one FlashJob. The worker goroutine drives transitions; any other
// goroutine may read it, subscribe to Events or call Cancel.
type Job struct {
	ID        string
	Device    device.Device
	ImagePath string
	Family    image.Family
	CreatedAt time.Time

	machine *fsm.FSM

	mu      sync.Mutex
	image   *image.SourceImage
	plan    *partition.Plan
	percent int
	step    string
	err     error

	cancelRequested atomic.Bool
	destroyed       atomic.Bool

	events chan Event
	closed bool
}

// New creates an idle job for flashing imagePath onto dev as family.
func New(dev device.Device, imagePath string, family image.Family) *Job {
	j := &Job{
		ID:        uuid.NewString(),
		Device:    dev,
		ImagePath: imagePath,
		Family:    family,
		CreatedAt: time.Now(),
		events:    make(chan Event, eventBuffer),
	}

	j.machine = fsm.NewFSM(string(StateIdle),
		fsm.Events{
			{Name: EventConfirm, Src: []string{string(StateIdle)}, Dst: string(StateValidating)},
			{Name: EventUnmount, Src: []string{string(StateValidating)}, Dst: string(StateUnmounting)},
			{Name: EventPartition, Src: []string{string(StateUnmounting)}, Dst: string(StatePartitioning)},
			{Name: EventFormat, Src: []string{string(StatePartitioning)}, Dst: string(StateFormatting)},
			// Raw plans go straight from unmounting to copying.
			{Name: EventCopy, Src: []string{string(StateFormatting), string(StateUnmounting)}, Dst: string(StateCopying)},
			{Name: EventBootstrap, Src: []string{string(StateCopying)}, Dst: string(StateBootstrapping)},
			{Name: EventVerify, Src: []string{string(StateBootstrapping)}, Dst: string(StateVerifying)},
			{Name: EventComplete, Src: []string{string(StateVerifying)}, Dst: string(StateDone)},
			{Name: EventCancel, Src: active, Dst: string(StateCancelling)},
			{Name: EventFail, Src: append([]string{string(StateCancelling)}, active...), Dst: string(StateFailed)},
		},
		fsm.Callbacks{
			"before_" + EventConfirm:   j.wrap(j.guardConfirm),
			"before_" + EventPartition: j.wrap(j.guardPartitioned),
			"before_" + EventCopy:      j.wrap(j.guardCopy),
			"enter_state":              j.wrap(j.enterState),
		},
	)
	return j
}

func (j *Job) wrap(fn func(ctx context.Context, e *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, e *fsm.Event) {
		if err := fn(ctx, e); err != nil {
			e.Cancel(err)
		}
	}
}

func (j *Job) guardConfirm(ctx context.Context, e *fsm.Event) error {
	if len(e.Args) == 0 {
		return errors.Newf(errors.KindNotConfirmed, "confirm", "no confirmation token")
	}
	tok, _ := e.Args[0].(Token)
	return tok.authorizes(j.Device)
}

func (j *Job) guardPartitioned(ctx context.Context, e *fsm.Event) error {
	if p := j.Plan(); p == nil || p.IsRaw() {
		return errors.Newf(errors.KindUnsupportedLayout, "partition", "plan has no partitions to create")
	}
	return nil
}

func (j *Job) guardCopy(ctx context.Context, e *fsm.Event) error {
	if e.Src != string(StateUnmounting) {
		return nil
	}
	if p := j.Plan(); p == nil || !p.IsRaw() {
		return errors.Newf(errors.KindUnsupportedLayout, "copy", "only raw plans skip partitioning")
	}
	return nil
}

func (j *Job) enterState(ctx context.Context, e *fsm.Event) error {
	slog.Info("job_state_changed", "job_id", j.ID, "device", j.Device.DisplayPath, "from", e.Src, "to", e.Dst)
	j.publish(Event{State: State(e.Dst)})
	return nil
}

// State returns the current phase.
func (j *Job) State() State { return State(j.machine.Current()) }

// Confirm leaves Idle. tok must have been issued for this job's device.
func (j *Job) Confirm(ctx context.Context, tok Token) error {
	if err := j.machine.Event(ctx, EventConfirm, tok); err != nil {
		return j.transitionError(EventConfirm, err)
	}
	return nil
}

// Advance moves forward to the given phase.
func (j *Job) Advance(ctx context.Context, to State) error {
	ev, ok := eventFor[to]
	if !ok {
		return errors.Newf(errors.KindWriteFailure, "advance", "%s is not a forward phase", to)
	}
	if err := j.machine.Event(ctx, ev); err != nil {
		return j.transitionError(ev, err)
	}
	if to == StateDone {
		j.finish()
	}
	return nil
}

// Fail records err and moves to Failed. Unclassified errors become
// WriteFailure once the device has been touched.
func (j *Job) Fail(ctx context.Context, err error) error {
	if st := j.State(); st.Terminal() {
		return errors.Newf(errors.KindWriteFailure, "fail", "job already %s", st)
	}
	if err == nil {
		err = errors.Newf(errors.KindWriteFailure, "fail", "job failed without an error")
	}
	if errors.KindOf(err) == "" {
		kind := errors.KindWriteFailure
		if st := j.State(); st == StateIdle || st == StateValidating {
			kind = errors.KindInvalidImage
		}
		err = errors.New(kind, string(j.State()), err)
	}

	j.mu.Lock()
	j.err = err
	j.mu.Unlock()

	if ferr := j.machine.Event(ctx, EventFail); ferr != nil {
		return j.transitionError(EventFail, ferr)
	}
	slog.Error("job_failed", "job_id", j.ID, "device", j.Device.DisplayPath,
		"kind", errors.KindOf(err), "device_destroyed", j.Destroyed(), "error", err)
	j.finish()
	return nil
}

func (j *Job) transitionError(ev string, err error) error {
	var cancelled fsm.CanceledError
	if errors.As(err, &cancelled) && cancelled.Err != nil && errors.KindOf(cancelled.Err) != "" {
		return cancelled.Err
	}
	return errors.Newf(errors.KindWriteFailure, ev, "illegal transition from %s: %v", j.State(), err)
}

// Cancel requests cancellation. The worker notices at its next checkpoint.
func (j *Job) Cancel() {
	if j.State().Terminal() {
		return
	}
	if j.cancelRequested.CompareAndSwap(false, true) {
		slog.Info("job_cancel_requested", "job_id", j.ID, "state", j.State())
	}
}

// CancelRequested reports whether Cancel was called.
func (j *Job) CancelRequested() bool { return j.cancelRequested.Load() }

// Checkpoint returns a Cancelled error once cancellation was requested and
// moves the job to Cancelling. Copy loops call it between chunks.
func (j *Job) Checkpoint() error {
	if !j.cancelRequested.Load() {
		return nil
	}
	if j.machine.Can(EventCancel) {
		if err := j.machine.Event(context.Background(), EventCancel); err != nil {
			slog.Warn("job_cancel_transition_failed", "job_id", j.ID, "error", err)
		}
	}
	return errors.Newf(errors.KindCancelled, string(j.State()), "cancelled by user")
}

// MarkDestroyed records that the device's prior contents are gone.
func (j *Job) MarkDestroyed() {
	if !j.destroyed.Swap(true) {
		slog.Warn("device_contents_destroyed", "job_id", j.ID, "device", j.Device.DisplayPath)
	}
}

func (j *Job) Destroyed() bool { return j.destroyed.Load() }

func (j *Job) SetImage(img *image.SourceImage) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.image = img
}

func (j *Job) Image() *image.SourceImage {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.image
}

func (j *Job) SetPlan(p *partition.Plan) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.plan = p
}

func (j *Job) Plan() *partition.Plan {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.plan
}

func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Progress records a progress update. It matches the boot.Sink signature.
func (j *Job) Progress(percent int, step string) {
	j.mu.Lock()
	if percent < j.percent {
		percent = j.percent
	}
	j.percent, j.step = percent, step
	j.mu.Unlock()
	j.publish(Event{})
}

// Events is closed after the terminal event.
func (j *Job) Events() <-chan Event { return j.events }

// publish never blocks the worker. Progress is dropped when the consumer
// lags; the terminal event evicts the oldest buffered one.
func (j *Job) publish(ev Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}

	ev.JobID = j.ID
	if ev.State == "" {
		ev.State = State(j.machine.Current())
	}
	ev.Percent, ev.Step, ev.Err = j.percent, j.step, j.err
	ev.Destroyed = j.destroyed.Load()
	ev.Time = time.Now()

	select {
	case j.events <- ev:
		return
	default:
	}
	if !ev.State.Terminal() {
		return
	}
	select {
	case <-j.events:
	default:
	}
	select {
	case j.events <- ev:
	default:
	}
}

func (j *Job) finish() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.closed {
		j.closed = true
		close(j.events)
	}
}

// Snapshot is a point-in-time copy of a job for display and archiving.
type Snapshot struct {
	ID              string
	DeviceID        string
	DevicePath      string
	ImagePath       string
	Family          image.Family
	State           State
	Percent         int
	Step            string
	Err             error
	CancelRequested bool
	Destroyed       bool
	CreatedAt       time.Time
}

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:              j.ID,
		DeviceID:        j.Device.ID,
		DevicePath:      j.Device.DisplayPath,
		ImagePath:       j.ImagePath,
		Family:          j.Family,
		State:           State(j.machine.Current()),
		Percent:         j.percent,
		Step:            j.step,
		Err:             j.err,
		CancelRequested: j.cancelRequested.Load(),
		Destroyed:       j.destroyed.Load(),
		CreatedAt:       j.CreatedAt,
	}
}
