package fsm

import (
	"context"
	"log/slog"

	"github.com/superfly/fsm"

	"github.com/ruuf/ruuf/pkg/blockdev"
	"github.com/ruuf/ruuf/pkg/boot"
	"github.com/ruuf/ruuf/pkg/device"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/job"
)

type request = fsm.Request[FlashRequest, FlashResponse]
type response = fsm.Response[FlashResponse]

// handleValidating classifies the image, plans the layout and runs the
// strategy's preflight checks. Nothing on the device changes here.
func (m *Machine) handleValidating(ctx context.Context, req *request) (*response, error) {
	slog.Info("fsm_state_validating", "job_id", req.Msg.JobID, "image", req.Msg.ImagePath)

	resp := responseOf(req)
	r, ok := m.lookup(req.Msg.JobID)
	if !ok {
		return nil, m.orphaned(ctx, req, resp)
	}
	j := r.job

	if err := j.Checkpoint(); err != nil {
		return nil, m.fail(ctx, r, resp, err)
	}

	err := m.validate(ctx, r, req.Msg)
	if err == nil {
		img, plan := j.Image(), j.Plan()
		resp.Family = string(img.Family)
		resp.Scheme = string(plan.Scheme)
		resp.Split = plan.Split
		if data, ok := plan.Data(); ok {
			resp.DataFilesystem = string(data.Filesystem)
		}
		resp.State = StateValidating
		return fsm.NewResponse(resp), nil
	}

	// Only transient host trouble is worth another pass; a bad image or
	// an unsafe target will not get better.
	kind := errors.KindOf(err)
	retry := kind == "" || kind == errors.KindDeviceBusy
	if attempt := fsm.RetryFromContext(ctx); retry && attempt < uint64(m.cfg.MaxRetries) {
		slog.Warn("validation_retry", "job_id", j.ID, "attempt", attempt+1, "max_retries", m.cfg.MaxRetries, "error", err)
		return nil, errors.Wrap(err, "validation failed")
	}
	return nil, m.fail(ctx, r, resp, err)
}

func (m *Machine) validate(ctx context.Context, r *run, msg *FlashRequest) error {
	j := r.job

	if m.cfg.Devices != nil {
		dev, err := m.cfg.Devices.Inspect(ctx, j.Device.ID)
		if err != nil {
			return err
		}
		if err := dev.Flashable(); err != nil {
			return err
		}
		if dev.DisplayPath != j.Device.DisplayPath {
			return errors.Newf(errors.KindUnsafeTarget, "validate", "device %s moved to %s", j.Device.DisplayPath, dev.DisplayPath)
		}
		j.Device = dev
	}

	img, err := m.cfg.Inspector.Classify(msg.ImagePath)
	if err != nil {
		return err
	}
	if j.Family != "" && img.Family != j.Family {
		return errors.Newf(errors.KindInvalidImage, "validate", "%s is a %s image, not %s", msg.ImagePath, img.Family, j.Family)
	}
	j.SetImage(img)
	j.Progress(0, "validated "+string(img.Family)+" image")

	plan, err := m.cfg.Planner.Plan(j.Device, img)
	if err != nil {
		return err
	}
	if err := plan.Validate(); err != nil {
		return err
	}
	j.SetPlan(plan)

	strategy, err := boot.ForFamily(img.Family, m.cfg.Boot)
	if err != nil {
		return err
	}
	env := boot.NewEnv(j.Device, plan, img, j.Progress, j.Checkpoint)
	env.OpenCorePath = msg.OpenCorePath
	if err := strategy.Check(ctx, env); err != nil {
		return err
	}

	r.strategy, r.env = strategy, env
	slog.Info("plan_ready", "job_id", j.ID, "family", img.Family, "plan", plan.String())
	return nil
}

func (m *Machine) handleUnmounting(ctx context.Context, req *request) (*response, error) {
	return m.phase(ctx, req, job.StateUnmounting, func(ctx context.Context, r *run, resp *FlashResponse) error {
		return r.strategy.Unmount(ctx, r.env)
	})
}

// handlePartitioning is the point of no return.
func (m *Machine) handlePartitioning(ctx context.Context, req *request) (*response, error) {
	if r, ok := m.lookup(req.Msg.JobID); ok && r.raw() {
		slog.Info("fsm_skip_partitioning", "job_id", req.Msg.JobID, "reason", "raw_plan")
		return fsm.NewResponse(responseOf(req)), nil
	}
	return m.phase(ctx, req, job.StatePartitioning, func(ctx context.Context, r *run, resp *FlashResponse) error {
		r.job.MarkDestroyed()
		resp.DeviceDestroyed = true
		return r.strategy.Partition(ctx, r.env)
	})
}

func (m *Machine) handleFormatting(ctx context.Context, req *request) (*response, error) {
	if r, ok := m.lookup(req.Msg.JobID); ok && r.raw() {
		return fsm.NewResponse(responseOf(req)), nil
	}
	return m.phase(ctx, req, job.StateFormatting, func(ctx context.Context, r *run, resp *FlashResponse) error {
		return r.strategy.Format(ctx, r.env)
	})
}

func (m *Machine) handleCopying(ctx context.Context, req *request) (*response, error) {
	return m.phase(ctx, req, job.StateCopying, func(ctx context.Context, r *run, resp *FlashResponse) error {
		if r.raw() {
			r.job.MarkDestroyed()
			resp.DeviceDestroyed = true
		}
		err := r.strategy.Copy(ctx, r.env)
		resp.BytesWritten = r.env.BytesWritten()
		resp.SourceSHA256 = r.env.SourceSHA256()
		return err
	})
}

func (m *Machine) handleBootstrapping(ctx context.Context, req *request) (*response, error) {
	return m.phase(ctx, req, job.StateBootstrapping, func(ctx context.Context, r *run, resp *FlashResponse) error {
		return r.strategy.Bootstrap(ctx, r.env)
	})
}

func (m *Machine) handleVerifying(ctx context.Context, req *request) (*response, error) {
	return m.phase(ctx, req, job.StateVerifying, func(ctx context.Context, r *run, resp *FlashResponse) error {
		return r.strategy.Verify(ctx, r.env)
	})
}

// handleDone releases the device and archives the result.
func (m *Machine) handleDone(ctx context.Context, req *request) (*response, error) {
	slog.Info("fsm_state_done", "job_id", req.Msg.JobID)

	resp := responseOf(req)
	r, ok := m.lookup(req.Msg.JobID)
	if !ok {
		return nil, m.orphaned(ctx, req, resp)
	}
	j := r.job

	if err := r.strategy.Cleanup(context.WithoutCancel(ctx), r.env); err != nil {
		slog.Warn("cleanup_failed", "job_id", j.ID, "error", err)
	}
	if err := j.Advance(ctx, job.StateDone); err != nil {
		return nil, m.fail(ctx, r, resp, err)
	}

	resp.State = StateDone
	resp.DeviceDestroyed = j.Destroyed()
	m.archive(req.Msg, resp)
	m.finish(r)

	slog.Info("flash_complete", "job_id", j.ID, "device", j.Device.DisplayPath,
		"bytes_written", resp.BytesWritten, "sha256", resp.SourceSHA256)
	return fsm.NewResponse(resp), nil
}

// phase runs one device-touching step. Steps after validation never retry:
// a half-written device is invalidated instead.
func (m *Machine) phase(ctx context.Context, req *request, st job.State, step func(context.Context, *run, *FlashResponse) error) (*response, error) {
	slog.Info("fsm_state_"+string(st), "job_id", req.Msg.JobID, "device", req.Msg.DevicePath)

	resp := responseOf(req)
	r, ok := m.lookup(req.Msg.JobID)
	if !ok {
		return nil, m.orphaned(ctx, req, resp)
	}
	if r.strategy == nil {
		return nil, m.fail(ctx, r, resp, errors.Newf(errors.KindWriteFailure, string(st), "job was not validated"))
	}

	if err := r.job.Checkpoint(); err != nil {
		return nil, m.fail(ctx, r, resp, err)
	}
	if err := r.job.Advance(ctx, st); err != nil {
		return nil, m.fail(ctx, r, resp, err)
	}
	resp.State = string(st)
	if m.cfg.Repo != nil {
		if err := m.cfg.Repo.UpdateState(req.Msg.JobID, string(st)); err != nil {
			slog.Warn("state_archive_failed", "job_id", req.Msg.JobID, "state", st, "error", err)
		}
	}

	if err := step(ctx, r, resp); err != nil {
		return nil, m.fail(ctx, r, resp, err)
	}
	return fsm.NewResponse(resp), nil
}

// fail drives the job to Failed, invalidating the device when its contents
// were already destroyed, and aborts the FSM run.
func (m *Machine) fail(ctx context.Context, r *run, resp *FlashResponse, cause error) error {
	j := r.job
	ctx = context.WithoutCancel(ctx)

	if r.strategy != nil {
		if err := r.strategy.Cleanup(ctx, r.env); err != nil {
			slog.Warn("cleanup_failed", "job_id", j.ID, "error", err)
		}
	}
	var invalidateErr error
	if j.Destroyed() {
		invalidateErr = m.invalidate(ctx, j)
	}

	if err := j.Fail(ctx, cause); err != nil {
		slog.Warn("job_fail_transition", "job_id", j.ID, "error", err)
	}
	err := j.Err()
	if err == nil {
		err = cause
	}

	resp.State = StateFailed
	resp.ErrorKind = string(errors.KindOf(err))
	resp.ErrorMessage = err.Error()
	if invalidateErr != nil {
		resp.ErrorMessage += "; device not invalidated: " + invalidateErr.Error()
	}
	resp.DeviceDestroyed = j.Destroyed()
	if r.env != nil {
		resp.BytesWritten = r.env.BytesWritten()
	}
	m.archive(&FlashRequest{JobID: j.ID}, resp)
	m.finish(r)

	return fsm.Abort(err)
}

// orphaned handles a run resumed after a restart: the in-memory job is
// gone, so the record is failed and a touched device invalidated.
func (m *Machine) orphaned(ctx context.Context, req *request, resp *FlashResponse) error {
	slog.Error("fsm_orphaned_run", "job_id", req.Msg.JobID, "device", req.Msg.DevicePath, "state", resp.State)

	touched := resp.DeviceDestroyed
	if touched && m.cfg.Slot.Active() != nil {
		// A new job may already own the device.
		slog.Warn("orphaned_invalidate_skipped", "job_id", req.Msg.JobID, "reason", "slot_active")
		touched = false
	}
	if touched && m.cfg.Boot.Manager != nil {
		dev, err := m.resumeTarget(ctx, req.Msg)
		if err != nil {
			slog.Warn("orphaned_device_lookup_failed", "job_id", req.Msg.JobID, "error", err)
		} else if err := blockdev.Invalidate(context.WithoutCancel(ctx), m.cfg.Boot.Manager, dev); err != nil {
			slog.Error("invalidate_failed", "job_id", req.Msg.JobID, "device", dev.DisplayPath, "error", err)
		}
	}

	err := errors.Newf(errors.KindWriteFailure, "resume", "job %s was interrupted in %s", req.Msg.JobID, stateOr(resp.State))
	resp.State = StateFailed
	resp.ErrorKind = string(errors.KindOf(err))
	resp.ErrorMessage = err.Error()
	m.archive(req.Msg, resp)
	return fsm.Abort(err)
}

func (m *Machine) resumeTarget(ctx context.Context, msg *FlashRequest) (device.Device, error) {
	if m.cfg.Devices == nil {
		return device.Device{ID: msg.DeviceID, DisplayPath: msg.DevicePath}, nil
	}
	return m.cfg.Devices.Inspect(ctx, msg.DeviceID)
}

func (m *Machine) invalidate(ctx context.Context, j *job.Job) error {
	if m.cfg.Boot.Manager == nil {
		return nil
	}
	if err := blockdev.Invalidate(ctx, m.cfg.Boot.Manager, j.Device); err != nil {
		slog.Error("invalidate_failed", "job_id", j.ID, "device", j.Device.DisplayPath, "error", err)
		return err
	}
	slog.Warn("device_invalidated", "job_id", j.ID, "device", j.Device.DisplayPath)
	return nil
}

func (m *Machine) archive(msg *FlashRequest, resp *FlashResponse) {
	if m.cfg.Repo == nil {
		return
	}
	rec, err := m.cfg.Repo.GetByJobID(msg.JobID)
	if err != nil || rec == nil {
		slog.Warn("archive_lookup_failed", "job_id", msg.JobID, "error", err)
		return
	}
	if rec.Terminal() {
		return
	}

	rec.State = resp.State
	rec.Scheme = resp.Scheme
	rec.ErrorKind = resp.ErrorKind
	rec.ErrorMessage = resp.ErrorMessage
	rec.DeviceDestroyed = resp.DeviceDestroyed
	rec.BytesWritten = resp.BytesWritten
	rec.SourceSHA256 = resp.SourceSHA256
	if resp.Family != "" {
		rec.Family = resp.Family
	}
	if err := m.cfg.Repo.Update(rec); err != nil {
		slog.Error("archive_update_failed", "job_id", msg.JobID, "error", err)
	}
}

func (r *run) raw() bool {
	p := r.job.Plan()
	return p != nil && p.IsRaw()
}

func responseOf(req *request) *FlashResponse {
	if req.W.Msg != nil {
		return req.W.Msg
	}
	return &FlashResponse{}
}

func stateOr(s string) string {
	if s == "" {
		return "an unknown phase"
	}
	return s
}
