// Package app wires configuration, host collaborators and the flash
// pipeline together for the command-line entry points.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/superfly/fsm"

	"github.com/ruuf/ruuf/internal/config"
	"github.com/ruuf/ruuf/pkg/blockdev"
	"github.com/ruuf/ruuf/pkg/boot"
	"github.com/ruuf/ruuf/pkg/command"
	"github.com/ruuf/ruuf/pkg/db"
	"github.com/ruuf/ruuf/pkg/device"
	"github.com/ruuf/ruuf/pkg/errors"
	appfsm "github.com/ruuf/ruuf/pkg/fsm"
	"github.com/ruuf/ruuf/pkg/image"
	"github.com/ruuf/ruuf/pkg/job"
	"github.com/ruuf/ruuf/pkg/partition"
)

// Runtime holds the collaborators one command invocation needs.
// Read-only commands use it as built by New; flashing commands call
// StartPipeline first.
type Runtime struct {
	Config    *config.Config
	Runner    command.Runner
	Blocks    blockdev.Manager
	Slot      *job.Slot
	Devices   *device.Enumerator
	Inspector *image.Inspector
	Planner   *partition.Planner

	Repo    *db.Repository
	Machine *appfsm.Machine

	// Privilege defaults to blockdev.CheckPrivilege.
	Privilege func() error

	manager *fsm.Manager
	start   fsm.Start[appfsm.FlashRequest, appfsm.FlashResponse]
}

// New builds the host collaborators. A host without a block device
// manager can still list devices and plan.
func New(cfg *config.Config) *Runtime {
	runner := command.NewExecRunner()

	blocks, err := blockdev.NewManager(runner)
	if err != nil {
		slog.Warn("block_manager_unavailable", "error", err)
		blocks = nil
	}

	slot := job.NewSlot(cfg.WorkDir)
	devices := device.NewEnumerator(device.NewHostProber(runner),
		device.WithMinSize(cfg.MinDeviceSize),
		device.WithBusy(slot.Busy),
	)

	opts := partition.DefaultOptions()
	opts.ESPWindows = cfg.ESPSizeWindows
	opts.ESPMacOS = cfg.ESPSizeMacOS
	opts.PreferNTFS = cfg.PreferNTFS
	opts.AllowSplit = cfg.AllowFAT32Split
	opts.NTFSAvailable = blocks != nil && blocks.Supports(partition.NTFS)

	return &Runtime{
		Config:    cfg,
		Runner:    runner,
		Blocks:    blocks,
		Slot:      slot,
		Devices:   devices,
		Inspector: image.NewInspector(),
		Planner:   partition.NewPlanner(opts),
		Privilege: blockdev.CheckPrivilege,
	}
}

// BootDeps returns the staging collaborators for this host.
func (rt *Runtime) BootDeps() boot.Deps {
	return boot.Deps{
		Manager:         rt.Blocks,
		Runner:          rt.Runner,
		WorkDir:         rt.Config.WorkDir,
		ChunkSize:       rt.Config.ChunkSize,
		OpenCorePath:    rt.Config.OpenCorePath,
		MaxArchiveRatio: rt.Config.MaxArchiveRatio,
	}
}

// OpenRepository opens the job archive.
func (rt *Runtime) OpenRepository() (*db.Repository, error) {
	if rt.Repo != nil {
		return rt.Repo, nil
	}
	if err := rt.Config.EnsureDirectories(); err != nil {
		return nil, err
	}
	repo, err := db.NewRepository(rt.Config.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	rt.Repo = repo
	return repo, nil
}

// StartPipeline opens the archive and the FSM store and registers the
// flash pipeline. Runs interrupted by an earlier crash are resumed, which
// fails them and invalidates any device they had started writing.
func (rt *Runtime) StartPipeline(ctx context.Context) error {
	if rt.Blocks == nil {
		return errors.Newf(errors.KindUnsupportedLayout, "start pipeline", "block device management is not supported on this platform")
	}
	repo, err := rt.OpenRepository()
	if err != nil {
		return err
	}

	manager, err := fsm.New(fsm.Config{DBPath: rt.Config.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "fsm init failed")
	}
	rt.manager = manager

	rt.Machine = appfsm.NewMachine(appfsm.Config{
		Repo:       repo,
		Slot:       rt.Slot,
		Inspector:  rt.Inspector,
		Planner:    rt.Planner,
		Devices:    rt.Devices,
		Boot:       rt.BootDeps(),
		MaxRetries: rt.Config.FSMMaxRetries,
		Privilege:  rt.Privilege,
	})

	start, resume, err := rt.Machine.Register(ctx, manager)
	if err != nil {
		return err
	}
	rt.start = start

	if err := resume(ctx); err != nil {
		slog.Warn("fsm_resume_failed", "error", err)
	}
	return nil
}

// Close releases everything the runtime opened.
func (rt *Runtime) Close() {
	if rt.manager != nil {
		rt.manager.Shutdown(10 * time.Second)
	}
	if rt.Repo != nil {
		rt.Repo.Close()
	}
	if rt.Blocks != nil {
		rt.Blocks.Close()
	}
}
