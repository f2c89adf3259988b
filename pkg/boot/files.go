package boot

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/partition"
)

// files holds the steps shared by the strategies that build a partition
// table and copy files onto it.
type files struct {
	d Deps
}

func (f *files) Unmount(ctx context.Context, env *Env) error {
	return errors.Classify(errors.KindDeviceBusy, "unmount "+env.Device.DisplayPath, f.d.Manager.UnmountAll(ctx, env.Device))
}

func (f *files) Partition(ctx context.Context, env *Env) error {
	paths, err := f.d.Manager.CreatePartitions(ctx, env.Device, env.Plan)
	if err != nil {
		return errors.Classify(errors.KindWriteFailure, "partition "+env.Device.DisplayPath, err)
	}
	if len(paths) != len(env.Plan.Partitions) {
		return errors.Newf(errors.KindWriteFailure, "partition "+env.Device.DisplayPath,
			"created %d partitions, plan has %d", len(paths), len(env.Plan.Partitions))
	}
	env.partitions = paths
	return nil
}

func (f *files) Format(ctx context.Context, env *Env) error {
	if len(env.partitions) != len(env.Plan.Partitions) {
		return errors.Newf(errors.KindWriteFailure, "format", "partitions were not created")
	}
	for i, part := range env.Plan.Partitions {
		if err := f.d.Manager.Format(ctx, env.partitions[i], part); err != nil {
			return errors.Classify(errors.KindWriteFailure, "format "+env.partitions[i], err)
		}
	}
	return nil
}

func (f *files) pathFor(env *Env, role partition.Role) (string, partition.Partition, bool) {
	for i, part := range env.Plan.Partitions {
		if part.Role == role && i < len(env.partitions) {
			return env.partitions[i], part, true
		}
	}
	return "", partition.Partition{}, false
}

// mountTargets mounts the ESP and DATA partitions below the job's mount root.
func (f *files) mountTargets(ctx context.Context, env *Env) error {
	root := env.mountRoot(f.d.WorkDir)
	for _, t := range []struct {
		role partition.Role
		dir  *string
		name string
	}{
		{partition.RoleESP, &env.espDir, "esp"},
		{partition.RoleData, &env.dataDir, "data"},
	} {
		if *t.dir != "" {
			continue
		}
		p, _, ok := f.pathFor(env, t.role)
		if !ok {
			return errors.Newf(errors.KindWriteFailure, "mount", "no %s partition was created", t.role)
		}
		mp := filepath.Join(root, t.name)
		if err := f.d.Manager.Mount(ctx, p, mp); err != nil {
			return errors.Classify(errors.KindWriteFailure, "mount "+p, err)
		}
		env.mounts = append(env.mounts, mp)
		*t.dir = mp
	}
	return nil
}

// mountImage attaches the source image read-only and returns its root.
func (f *files) mountImage(ctx context.Context, env *Env) (string, error) {
	mp := filepath.Join(env.mountRoot(f.d.WorkDir), "source")
	if err := f.d.Manager.MountImage(ctx, env.Image.Path, mp); err != nil {
		return "", errors.Classify(errors.KindWriteFailure, "mount image "+env.Image.Path, err)
	}
	env.mounts = append(env.mounts, mp)
	return mp, nil
}

// dataCapacity is the size DATA receives on this device.
func (f *files) dataCapacity(env *Env) int64 {
	extents, err := env.Plan.Layout(env.Device.SizeBytes)
	if err != nil {
		return 0
	}
	for _, e := range extents {
		if e.Partition.Role == partition.RoleData {
			return e.Size
		}
	}
	return 0
}

func (f *files) Verify(ctx context.Context, env *Env) error {
	return env.verifyManifest(ctx)
}

// Cleanup releases every mount in reverse order.
func (f *files) Cleanup(ctx context.Context, env *Env) error {
	var errs []error
	for _, mp := range slices.Backward(env.mounts) {
		if err := f.d.Manager.Unmount(ctx, mp); err != nil {
			slog.Warn("cleanup_unmount_failed", "mount_path", mp, "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		// Remove only empty directories: a mount point that is still in
		// use must never be deleted recursively.
		for _, mp := range env.mounts {
			os.Remove(mp)
		}
		if env.root != "" {
			os.Remove(env.root)
		}
	}
	env.mounts = nil
	env.espDir, env.dataDir = "", ""
	return errors.Join(errs...)
}
