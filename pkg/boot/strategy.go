// Package boot materializes the boot mechanism of an installer image onto
// a planned device: Windows file copy with boot code, OpenCore EFI staging
// for macOS, or a raw sector copy for Linux hybrid images.
package boot

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/ruuf/ruuf/pkg/blockdev"
	"github.com/ruuf/ruuf/pkg/command"
	"github.com/ruuf/ruuf/pkg/device"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/image"
	"github.com/ruuf/ruuf/pkg/partition"
)

const (
	DefaultChunkSize = 4 << 20

	// DefaultSplitSize matches the 3800 MiB parts wimlib-imagex writes.
	DefaultSplitSize = 3800 * partition.MiB

	defaultArchiveRatio = 100
)

// Sink receives progress as a percentage of bytes written.
type Sink func(percent int, step string)

// Deps are the host collaborators shared by every strategy.
type Deps struct {
	Manager blockdev.Manager
	Runner  command.Runner
	WorkDir string

	ChunkSize       int
	MaxFileSize     int64
	SplitSize       int64
	OpenCorePath    string
	MaxArchiveRatio float64
}

func (d Deps) withDefaults() Deps {
	if d.ChunkSize <= 0 {
		d.ChunkSize = DefaultChunkSize
	}
	if d.MaxFileSize <= 0 {
		d.MaxFileSize = partition.FAT32MaxFileSize
	}
	if d.SplitSize <= 0 {
		d.SplitSize = DefaultSplitSize
	}
	if d.MaxArchiveRatio <= 0 {
		d.MaxArchiveRatio = defaultArchiveRatio
	}
	if d.Runner == nil {
		d.Runner = command.NewExecRunner()
	}
	return d
}

// Strategy is one family's way of producing a boot drive. Steps run in
// declaration order; Cleanup always runs last.
type Strategy interface {
	Family() image.Family
	Check(ctx context.Context, env *Env) error
	Unmount(ctx context.Context, env *Env) error
	Partition(ctx context.Context, env *Env) error
	Format(ctx context.Context, env *Env) error
	Copy(ctx context.Context, env *Env) error
	Bootstrap(ctx context.Context, env *Env) error
	Verify(ctx context.Context, env *Env) error
	Cleanup(ctx context.Context, env *Env) error
}

// ForFamily selects the strategy for an image family.
func ForFamily(f image.Family, d Deps) (Strategy, error) {
	d = d.withDefaults()
	switch f {
	case image.FamilyWindows:
		return &windowsStrategy{files{d: d}}, nil
	case image.FamilyMacOS:
		return &macOSStrategy{files: files{d: d}}, nil
	case image.FamilyLinux:
		return &linuxStrategy{d: d}, nil
	}
	return nil, errors.Newf(errors.KindInvalidImage, "select strategy", "no boot strategy for family %q", f)
}

// Result summarizes a finished stage.
type Result struct {
	BytesWritten int64
	SourceSHA256 string
	Files        int
}

// Stage runs every step of s against env in one call. The flash pipeline
// does not call it: pkg/fsm unrolls the same steps into durable phases so
// each can be checkpointed, retried or aborted on its own. Stage is the
// reference order those phases follow, and a synchronous path for tests.
func Stage(ctx context.Context, s Strategy, env *Env) (*Result, error) {
	defer func() {
		if err := s.Cleanup(context.WithoutCancel(ctx), env); err != nil {
			slog.Warn("stage_cleanup_failed", "device", env.Device.DisplayPath, "error", err)
		}
	}()

	steps := []struct {
		name string
		run  func(context.Context, *Env) error
	}{
		{"check", s.Check},
		{"unmount", s.Unmount},
		{"partition", s.Partition},
		{"format", s.Format},
		{"copy", s.Copy},
		{"bootstrap", s.Bootstrap},
		{"verify", s.Verify},
	}
	for _, step := range steps {
		slog.Info("stage_step_start", "family", s.Family(), "step", step.name, "device", env.Device.DisplayPath)
		if err := step.run(ctx, env); err != nil {
			slog.Error("stage_step_failed", "family", s.Family(), "step", step.name, "error", err)
			return nil, err
		}
	}
	return env.Result(), nil
}

// Env carries one job's inputs and the state built up across steps.
type Env struct {
	Device     device.Device
	Plan       *partition.Plan
	Image      *image.SourceImage
	Sink       Sink
	Checkpoint func() error

	// OpenCorePath overrides Deps.OpenCorePath for this job.
	OpenCorePath string

	root       string
	partitions []string
	mounts     []string
	dataDir    string
	espDir     string
	manifest   []manifestEntry
	written    int64
	total      int64
	sourceSHA  string

	openCoreEFI    string
	openCoreSample string
}

// NewEnv prepares the state for staging img onto dev according to plan.
func NewEnv(dev device.Device, plan *partition.Plan, img *image.SourceImage, sink Sink, checkpoint func() error) *Env {
	return &Env{Device: dev, Plan: plan, Image: img, Sink: sink, Checkpoint: checkpoint}
}

func (e *Env) BytesWritten() int64 { return e.written }

func (e *Env) SourceSHA256() string { return e.sourceSHA }

// Partitions returns the partition paths created, in plan order.
func (e *Env) Partitions() []string { return append([]string(nil), e.partitions...) }

func (e *Env) Result() *Result {
	return &Result{BytesWritten: e.written, SourceSHA256: e.sourceSHA, Files: len(e.manifest)}
}

func (e *Env) mountRoot(workDir string) string {
	if e.root == "" {
		id := strings.Map(func(r rune) rune {
			if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
				return r
			}
			return '_'
		}, e.Device.ID)
		e.root = filepath.Join(workDir, "mnt", id)
	}
	return e.root
}

// checkpoint is consulted between chunks of every copy.
func (e *Env) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.New(errors.KindCancelled, "copy", err)
	}
	if e.Checkpoint != nil {
		return e.Checkpoint()
	}
	return nil
}

func (e *Env) advance(n int64, step string) {
	e.written += n
	if e.Sink == nil {
		return
	}
	percent := 100
	if e.total > 0 {
		percent = int(min(100, e.written*100/e.total))
	}
	e.Sink(percent, step)
}
