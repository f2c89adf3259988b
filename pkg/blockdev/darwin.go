//go:build darwin

package blockdev

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ruuf/ruuf/pkg/command"
	"github.com/ruuf/ruuf/pkg/device"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/partition"
)

// DarwinManager implements Manager with diskutil, newfs_* and hdiutil.
// diskutil partitionDisk always creates a 200 MiB EFI partition as slice 1
// on GPT disks, so only the DATA partition is requested explicitly.
type DarwinManager struct {
	runner command.Runner
	images map[string]bool
}

func NewManager(r command.Runner) (Manager, error) {
	slog.Info("blockdev_init", "platform", "darwin")

	for _, tool := range []string{"diskutil", "hdiutil", "newfs_msdos"} {
		if !command.Available(r, tool) {
			return nil, fmt.Errorf("required tool %s not found in PATH", tool)
		}
	}
	return &DarwinManager{runner: r, images: make(map[string]bool)}, nil
}

func (m *DarwinManager) UnmountAll(ctx context.Context, dev device.Device) error {
	slog.Info("unmount_all_start", "device", dev.DisplayPath)

	if _, err := m.runner.Run(ctx, "diskutil", "unmountDisk", "force", dev.DisplayPath); err != nil {
		slog.Error("unmount_all_failed", "device", dev.DisplayPath, "error", err)
		return errors.New(errors.KindDeviceBusy, "unmount "+dev.DisplayPath, err)
	}

	slog.Info("unmount_all_complete", "device", dev.DisplayPath)
	return nil
}

func (m *DarwinManager) CreatePartitions(ctx context.Context, dev device.Device, plan *partition.Plan) ([]string, error) {
	slog.Info("create_partitions_start", "device", dev.DisplayPath, "plan", plan.String())

	if _, err := plan.Layout(dev.SizeBytes); err != nil {
		return nil, err
	}

	data, ok := plan.Data()
	if !ok || plan.Scheme != partition.SchemeGPT {
		return nil, errors.Newf(errors.KindUnsupportedLayout, "partition "+dev.DisplayPath, "diskutil layout needs a GPT plan with a data partition")
	}

	// Slice 2 is created as FAT32 and reformatted to its real filesystem by Format.
	_, err := m.runner.Run(ctx, "diskutil", "partitionDisk", dev.DisplayPath, "1", "GPT", "MS-DOS FAT32", partition.Label(partition.FAT32, data.Label, "DATA"), "R")
	if err != nil {
		slog.Error("create_partitions_failed", "device", dev.DisplayPath, "error", err)
		return nil, errors.Wrap(err, "failed to partition disk")
	}
	if _, err := m.runner.Run(ctx, "diskutil", "unmountDisk", "force", dev.DisplayPath); err != nil {
		slog.Warn("unmount_after_partition_failed", "device", dev.DisplayPath, "error", err)
	}

	paths := []string{dev.DisplayPath + "s1", dev.DisplayPath + "s2"}
	slog.Info("create_partitions_complete", "device", dev.DisplayPath, "partitions", paths)
	return paths, nil
}

func (m *DarwinManager) Format(ctx context.Context, path string, part partition.Partition) error {
	slog.Info("format_partition", "path", path, "filesystem", part.Filesystem, "label", part.Label)

	var err error
	switch part.Filesystem {
	case partition.FAT32:
		_, err = m.runner.Run(ctx, "newfs_msdos", "-F", "32", "-v", part.Label, rawNode(path))
	case partition.HFSPlus:
		_, err = m.runner.Run(ctx, "diskutil", "eraseVolume", "JHFS+", part.Label, path)
	case partition.ExFAT:
		_, err = m.runner.Run(ctx, "diskutil", "eraseVolume", "ExFAT", part.Label, path)
	case partition.NTFS:
		if !command.Available(m.runner, "mkntfs") {
			return errors.Newf(errors.KindUnsupportedLayout, "format "+path, "NTFS needs mkntfs (ntfs-3g)")
		}
		_, err = m.runner.Run(ctx, "mkntfs", "-Q", "-F", "-L", part.Label, path)
	default:
		return errors.Newf(errors.KindUnsupportedLayout, "format "+path, "no formatter for %s", part.Filesystem)
	}
	if err != nil {
		slog.Error("format_partition_failed", "path", path, "error", err)
		return errors.Wrap(err, "failed to format "+path)
	}
	return nil
}

func (m *DarwinManager) Supports(fs partition.Filesystem) bool {
	switch fs {
	case partition.FAT32, partition.HFSPlus, partition.ExFAT:
		return true
	case partition.NTFS:
		return command.Available(m.runner, "mkntfs")
	}
	return false
}

func (m *DarwinManager) Mount(ctx context.Context, path, mountPoint string) error {
	slog.Info("mount_device", "device_path", path, "mount_path", mountPoint)

	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return errors.Wrap(err, "failed to create mount point")
	}
	if _, err := m.runner.Run(ctx, "diskutil", "mount", "-mountPoint", mountPoint, path); err != nil {
		slog.Error("mount_failed", "device_path", path, "error", err)
		return errors.Wrap(err, "failed to mount device")
	}
	return nil
}

func (m *DarwinManager) MountImage(ctx context.Context, imagePath, mountPoint string) error {
	slog.Info("attach_image", "image", imagePath, "mount_path", mountPoint)

	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return errors.Wrap(err, "failed to create mount point")
	}
	if _, err := m.runner.Run(ctx, "hdiutil", "attach", "-readonly", "-nobrowse", "-mountpoint", mountPoint, imagePath); err != nil {
		slog.Error("attach_image_failed", "image", imagePath, "error", err)
		return errors.Wrap(err, "failed to attach image")
	}
	m.images[mountPoint] = true
	return nil
}

func (m *DarwinManager) Unmount(ctx context.Context, mountPoint string) error {
	slog.Info("unmount_device", "mount_path", mountPoint)

	var err error
	if m.images[mountPoint] {
		_, err = m.runner.Run(ctx, "hdiutil", "detach", mountPoint)
		delete(m.images, mountPoint)
	} else {
		_, err = m.runner.Run(ctx, "diskutil", "unmount", mountPoint)
	}
	if err != nil {
		slog.Error("unmount_failed", "mount_path", mountPoint, "error", err)
		return errors.Wrap(err, "failed to unmount device")
	}
	return nil
}

func (m *DarwinManager) WriteBootCode(ctx context.Context, dev device.Device, path string, fs partition.Filesystem) error {
	slog.Warn("boot_code_skipped", "device", dev.DisplayPath, "reason", "legacy BIOS boot code is not written on macOS hosts")
	return nil
}

// Reread has nothing to run: Disk Arbitration reprobes a whole disk when
// the last writer of its raw node closes it.
func (m *DarwinManager) Reread(ctx context.Context, dev device.Device) error {
	slog.Debug("reread_by_disk_arbitration", "device", dev.DisplayPath)
	return nil
}

// OpenRaw uses the unbuffered /dev/rdiskN node.
func (m *DarwinManager) OpenRaw(path string, write bool) (RawDevice, error) {
	flag := os.O_RDONLY
	if write {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(rawNode(path), flag, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open device")
	}
	return f, nil
}

func (m *DarwinManager) Close() error {
	return nil
}

func rawNode(path string) string {
	if strings.HasPrefix(path, "/dev/disk") {
		return "/dev/r" + strings.TrimPrefix(path, "/dev/")
	}
	return path
}
