package job

import (
	"context"
	"testing"

	"github.com/ruuf/ruuf/pkg/device"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/image"
	"github.com/ruuf/ruuf/pkg/partition"
)

var usb = device.Device{ID: "sdb", DisplayPath: "/dev/sdb", SizeBytes: 16 << 30, IsRemovable: true}

func yes(context.Context, Summary) (bool, error) { return true, nil }

func confirmed(t *testing.T, j *Job) {
	t.Helper()
	tok, err := RequestConfirmation(context.Background(), GateFunc(yes), Summary{Device: j.Device})
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Confirm(context.Background(), tok); err != nil {
		t.Fatalf("confirm: %v", err)
	}
}

func filesPlan() *partition.Plan {
	return &partition.Plan{Scheme: partition.SchemeGPT, Family: image.FamilyWindows, Partitions: []partition.Partition{
		{Role: partition.RoleESP, Filesystem: partition.FAT32, SizeBytes: 260 << 20},
		{Role: partition.RoleData, Filesystem: partition.NTFS, Remaining: true},
	}}
}

func rawPlan() *partition.Plan {
	return &partition.Plan{Scheme: partition.SchemeNone, Family: image.FamilyLinux, Partitions: []partition.Partition{
		{Role: partition.RoleRaw, Filesystem: partition.None, Remaining: true},
	}}
}

func drain(j *Job) []Event {
	var out []Event
	for ev := range j.Events() {
		out = append(out, ev)
	}
	return out
}

func TestConfirm_RequiresToken(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		tok  func() Token
	}{
		{"zero token", func() Token { return Token{} }},
		{"token for another device", func() Token {
			tok, _ := RequestConfirmation(ctx, GateFunc(yes), Summary{Device: device.Device{ID: "sdc", DisplayPath: "/dev/sdc"}})
			return tok
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := New(usb, "/isos/win.iso", image.FamilyWindows)
			err := j.Confirm(ctx, tt.tok())
			if !errors.Is(err, errors.ErrNotConfirmed) {
				t.Errorf("expected NotConfirmed, got %v", err)
			}
			if j.State() != StateIdle {
				t.Errorf("job left idle: %s", j.State())
			}
		})
	}
}

func TestRequestConfirmation_Declined(t *testing.T) {
	_, err := RequestConfirmation(context.Background(), GateFunc(func(context.Context, Summary) (bool, error) {
		return false, nil
	}), Summary{Device: usb})
	if !errors.Is(err, errors.ErrNotConfirmed) {
		t.Errorf("expected NotConfirmed, got %v", err)
	}
	if _, err := RequestConfirmation(context.Background(), nil, Summary{Device: usb}); !errors.Is(err, errors.ErrNotConfirmed) {
		t.Errorf("nil gate: expected NotConfirmed, got %v", err)
	}
}

func TestAdvance_FilesPath(t *testing.T) {
	ctx := context.Background()
	j := New(usb, "/isos/win.iso", image.FamilyWindows)
	confirmed(t, j)
	j.SetPlan(filesPlan())

	for _, st := range []State{StateUnmounting, StatePartitioning, StateFormatting, StateCopying, StateBootstrapping, StateVerifying, StateDone} {
		if err := j.Advance(ctx, st); err != nil {
			t.Fatalf("advance to %s: %v", st, err)
		}
	}

	events := drain(j)
	if last := events[len(events)-1]; last.State != StateDone {
		t.Errorf("last event state = %s", last.State)
	}
}

func TestAdvance_OrderEnforced(t *testing.T) {
	ctx := context.Background()
	j := New(usb, "/isos/win.iso", image.FamilyWindows)

	if err := j.Advance(ctx, StateUnmounting); err == nil {
		t.Error("idle must not advance without confirmation")
	}
	confirmed(t, j)
	j.SetPlan(filesPlan())

	if err := j.Advance(ctx, StateCopying); err == nil {
		t.Error("a partitioned plan must not skip to copying")
	}
	j.Advance(ctx, StateUnmounting)
	if err := j.Advance(ctx, StateVerifying); err == nil {
		t.Error("phases must not be skipped")
	}
	if err := j.Advance(ctx, StateFailed); err == nil {
		t.Error("failed is not a forward phase")
	}
}

func TestAdvance_RawSkipsPartitioning(t *testing.T) {
	ctx := context.Background()
	j := New(usb, "/isos/debian.iso", image.FamilyLinux)
	confirmed(t, j)
	j.SetPlan(rawPlan())
	j.Advance(ctx, StateUnmounting)

	if err := j.Advance(ctx, StatePartitioning); !errors.Is(err, errors.ErrUnsupportedLayout) {
		t.Errorf("raw plan partitioning: expected UnsupportedLayout, got %v", err)
	}
	if err := j.Advance(ctx, StateCopying); err != nil {
		t.Fatalf("raw plan should go straight to copying: %v", err)
	}
}

func TestCancel_CheckpointFailsJob(t *testing.T) {
	ctx := context.Background()
	j := New(usb, "/isos/debian.iso", image.FamilyLinux)
	confirmed(t, j)
	j.SetPlan(rawPlan())
	j.Advance(ctx, StateUnmounting)
	j.Advance(ctx, StateCopying)
	j.MarkDestroyed()

	if err := j.Checkpoint(); err != nil {
		t.Fatalf("no cancel requested yet: %v", err)
	}
	j.Cancel()
	err := j.Checkpoint()
	if !errors.Is(err, errors.ErrCancelled) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if j.State() != StateCancelling {
		t.Errorf("state = %s, want cancelling", j.State())
	}

	if err := j.Fail(ctx, err); err != nil {
		t.Fatal(err)
	}
	if j.State() != StateFailed || !errors.Is(j.Err(), errors.ErrCancelled) {
		t.Errorf("state = %s err = %v", j.State(), j.Err())
	}

	events := drain(j)
	last := events[len(events)-1]
	if last.State != StateFailed || !last.Destroyed || !errors.Is(last.Err, errors.ErrCancelled) {
		t.Errorf("terminal event = %+v", last)
	}
}

func TestFail_ClassifiesUnknownErrors(t *testing.T) {
	ctx := context.Background()

	j := New(usb, "/isos/win.iso", image.FamilyWindows)
	confirmed(t, j)
	j.SetPlan(filesPlan())
	j.Advance(ctx, StateUnmounting)
	j.Advance(ctx, StatePartitioning)
	j.Fail(ctx, context.DeadlineExceeded)
	if errors.KindOf(j.Err()) != errors.KindWriteFailure {
		t.Errorf("kind = %s, want write_failure", errors.KindOf(j.Err()))
	}

	v := New(usb, "/isos/win.iso", image.FamilyWindows)
	confirmed(t, v)
	v.Fail(ctx, errors.New(errors.KindDeviceTooSmall, "plan", nil))
	if errors.KindOf(v.Err()) != errors.KindDeviceTooSmall {
		t.Errorf("classified error must keep its kind, got %s", errors.KindOf(v.Err()))
	}
	if err := v.Fail(ctx, errors.ErrWriteFailure); err == nil {
		t.Error("a failed job cannot fail again")
	}
}

func TestProgress_NeverBlocksAndStaysMonotonic(t *testing.T) {
	j := New(usb, "/isos/win.iso", image.FamilyWindows)
	for i := 0; i < eventBuffer*4; i++ {
		j.Progress(i%100, "copying")
	}
	if s := j.Snapshot(); s.Percent != 99 {
		t.Errorf("percent = %d, want 99", s.Percent)
	}

	j.Fail(context.Background(), errors.ErrInvalidImage)
	events := drain(j)
	if len(events) != eventBuffer {
		t.Errorf("buffered %d events, want %d", len(events), eventBuffer)
	}
	if events[len(events)-1].State != StateFailed {
		t.Error("terminal event must survive a full buffer")
	}
}

func TestNew_FreshIdentity(t *testing.T) {
	a := New(usb, "/isos/win.iso", image.FamilyWindows)
	b := New(usb, "/isos/win.iso", image.FamilyWindows)
	if a.ID == b.ID || a.State() != StateIdle || b.CancelRequested() {
		t.Error("every submission starts a fresh idle job")
	}
}
