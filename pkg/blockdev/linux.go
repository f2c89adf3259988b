//go:build linux

package blockdev

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ruuf/ruuf/pkg/command"
	"github.com/ruuf/ruuf/pkg/device"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/partition"
)

var mkfsTools = map[partition.Filesystem]string{
	partition.FAT32:   "mkfs.fat",
	partition.NTFS:    "mkfs.ntfs",
	partition.HFSPlus: "mkfs.hfsplus",
	partition.ExFAT:   "mkfs.exfat",
}

var partedFS = map[partition.Filesystem]string{
	partition.FAT32:   "fat32",
	partition.NTFS:    "ntfs",
	partition.HFSPlus: "hfs+",
	partition.ExFAT:   "ntfs",
}

// LinuxManager implements Manager with parted, mkfs.* and mount.
type LinuxManager struct {
	runner     command.Runner
	mountsPath string
	settle     time.Duration
}

// NewManager creates the Linux manager.
func NewManager(r command.Runner) (Manager, error) {
	slog.Info("blockdev_init", "platform", "linux")

	for _, tool := range []string{"parted", "mount", "umount"} {
		if !command.Available(r, tool) {
			slog.Error("blockdev_tool_missing", "tool", tool)
			return nil, fmt.Errorf("required tool %s not found in PATH", tool)
		}
	}

	return &LinuxManager{runner: r, mountsPath: "/proc/self/mounts", settle: 10 * time.Second}, nil
}

func (m *LinuxManager) UnmountAll(ctx context.Context, dev device.Device) error {
	slog.Info("unmount_all_start", "device", dev.DisplayPath)

	points, err := mountedFrom(m.mountsPath, dev.DisplayPath)
	if err != nil {
		return errors.Wrap(err, "read mount table")
	}

	for _, mp := range points {
		slog.Info("unmount_volume", "device", dev.DisplayPath, "mount_point", mp)
		if _, err := m.runner.Run(ctx, "umount", mp); err != nil {
			slog.Error("unmount_volume_failed", "mount_point", mp, "error", err)
			return errors.New(errors.KindDeviceBusy, "unmount "+mp, err)
		}
	}

	left, err := mountedFrom(m.mountsPath, dev.DisplayPath)
	if err != nil {
		return errors.Wrap(err, "read mount table")
	}
	if len(left) > 0 {
		slog.Error("unmount_all_incomplete", "device", dev.DisplayPath, "mounted", left)
		return errors.Newf(errors.KindDeviceBusy, "unmount "+dev.DisplayPath, "still mounted at %v", left)
	}

	slog.Info("unmount_all_complete", "device", dev.DisplayPath, "count", len(points))
	return nil
}

func (m *LinuxManager) CreatePartitions(ctx context.Context, dev device.Device, plan *partition.Plan) ([]string, error) {
	slog.Info("create_partitions_start", "device", dev.DisplayPath, "plan", plan.String())

	extents, err := plan.Layout(dev.SizeBytes)
	if err != nil {
		return nil, err
	}

	label := "gpt"
	if plan.Scheme == partition.SchemeMBR {
		label = "msdos"
	}
	if _, err := m.runner.Run(ctx, "parted", "-s", dev.DisplayPath, "mklabel", label); err != nil {
		slog.Error("create_label_failed", "device", dev.DisplayPath, "error", err)
		return nil, errors.Wrap(err, "failed to write partition table")
	}

	paths := make([]string, 0, len(extents))
	for _, e := range extents {
		part := e.Partition
		args := []string{"-s", dev.DisplayPath, "unit", "B", "mkpart"}
		if plan.Scheme == partition.SchemeGPT {
			args = append(args, string(part.Role))
		} else {
			args = append(args, "primary")
		}
		args = append(args, partedFS[part.Filesystem], strconv.FormatInt(e.Start, 10), strconv.FormatInt(e.Start+e.Size-1, 10))

		slog.Info("create_partition", "device", dev.DisplayPath, "index", e.Index, "role", part.Role, "start", e.Start, "size_mb", e.Size/1024/1024)
		if _, err := m.runner.Run(ctx, "parted", args...); err != nil {
			slog.Error("create_partition_failed", "device", dev.DisplayPath, "index", e.Index, "error", err)
			return nil, errors.Wrap(err, fmt.Sprintf("failed to create partition %d", e.Index))
		}

		var flag string
		switch {
		case part.Role == partition.RoleESP:
			flag = "esp"
		case part.Bootable && plan.Scheme == partition.SchemeGPT:
			flag = "legacy_boot"
		case part.Bootable:
			flag = "boot"
		}
		if flag != "" {
			if _, err := m.runner.Run(ctx, "parted", "-s", dev.DisplayPath, "set", strconv.Itoa(e.Index), flag, "on"); err != nil {
				return nil, errors.Wrap(err, fmt.Sprintf("failed to set %s flag", flag))
			}
		}
		paths = append(paths, PartitionPath(dev.DisplayPath, e.Index))
	}

	if _, err := m.runner.Run(ctx, "partprobe", dev.DisplayPath); err != nil {
		slog.Warn("partprobe_failed", "device", dev.DisplayPath, "error", err)
	}
	if _, err := m.runner.Run(ctx, "udevadm", "settle", "--timeout="+strconv.Itoa(int(m.settle.Seconds()))); err != nil {
		slog.Warn("udev_settle_failed", "error", err)
	}

	slog.Info("create_partitions_complete", "device", dev.DisplayPath, "partitions", paths)
	return paths, nil
}

func (m *LinuxManager) Format(ctx context.Context, path string, part partition.Partition) error {
	slog.Info("format_partition", "path", path, "filesystem", part.Filesystem, "label", part.Label)

	var args []string
	switch part.Filesystem {
	case partition.FAT32:
		args = []string{"-F", "32", "-n", part.Label, path}
	case partition.NTFS:
		args = []string{"-Q", "-F", "-L", part.Label, path}
	case partition.HFSPlus:
		args = []string{"-v", part.Label, path}
	case partition.ExFAT:
		args = []string{"-n", part.Label, path}
	default:
		return errors.Newf(errors.KindUnsupportedLayout, "format "+path, "no formatter for %s", part.Filesystem)
	}

	if _, err := m.runner.Run(ctx, mkfsTools[part.Filesystem], args...); err != nil {
		slog.Error("format_partition_failed", "path", path, "filesystem", part.Filesystem, "error", err)
		return errors.Wrap(err, "failed to format "+path)
	}

	slog.Info("format_partition_complete", "path", path)
	return nil
}

func (m *LinuxManager) Supports(fs partition.Filesystem) bool {
	tool, ok := mkfsTools[fs]
	return ok && command.Available(m.runner, tool)
}

func (m *LinuxManager) Mount(ctx context.Context, path, mountPoint string) error {
	return m.mount(ctx, mountPoint, path, mountPoint)
}

func (m *LinuxManager) MountImage(ctx context.Context, imagePath, mountPoint string) error {
	return m.mount(ctx, mountPoint, "-o", "loop,ro", imagePath, mountPoint)
}

func (m *LinuxManager) mount(ctx context.Context, mountPoint string, args ...string) error {
	slog.Info("mount_device", "args", args)

	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return errors.Wrap(err, "failed to create mount point")
	}
	if _, err := m.runner.Run(ctx, "mount", args...); err != nil {
		slog.Error("mount_failed", "mount_path", mountPoint, "error", err)
		return errors.Wrap(err, "failed to mount device")
	}

	slog.Info("mount_complete", "mount_path", mountPoint)
	return nil
}

func (m *LinuxManager) Unmount(ctx context.Context, mountPoint string) error {
	slog.Info("unmount_device", "mount_path", mountPoint)

	if _, err := m.runner.Run(ctx, "umount", mountPoint); err != nil {
		slog.Error("unmount_failed", "mount_path", mountPoint, "error", err)
		return errors.Wrap(err, "failed to unmount device")
	}

	slog.Info("unmount_complete", "mount_path", mountPoint)
	return nil
}

// WriteBootCode uses ms-sys for a Windows 7+ MBR and the matching
// partition boot record. Without ms-sys the drive still boots on UEFI.
func (m *LinuxManager) WriteBootCode(ctx context.Context, dev device.Device, path string, fs partition.Filesystem) error {
	if !command.Available(m.runner, "ms-sys") {
		slog.Warn("boot_code_skipped", "device", dev.DisplayPath, "reason", "ms-sys not installed, legacy BIOS boot unavailable")
		return nil
	}

	slog.Info("write_boot_code", "device", dev.DisplayPath, "partition", path, "filesystem", fs)
	if _, err := m.runner.Run(ctx, "ms-sys", "--mbr7", dev.DisplayPath); err != nil {
		return errors.Wrap(err, "failed to write master boot code")
	}

	var pbr string
	switch fs {
	case partition.NTFS:
		pbr = "--ntfs"
	case partition.FAT32:
		pbr = "--fat32pe"
	default:
		return nil
	}
	if _, err := m.runner.Run(ctx, "ms-sys", pbr, path); err != nil {
		return errors.Wrap(err, "failed to write partition boot record")
	}
	return nil
}

// Reread issues BLKRRPART through blockdev(8), falling back to partprobe,
// then waits for udev so lsblk stops listing stale partitions.
func (m *LinuxManager) Reread(ctx context.Context, dev device.Device) error {
	if _, err := m.runner.Run(ctx, "blockdev", "--rereadpt", dev.DisplayPath); err != nil {
		slog.Warn("rereadpt_failed", "device", dev.DisplayPath, "error", err, "fallback", "partprobe")
		if _, err := m.runner.Run(ctx, "partprobe", dev.DisplayPath); err != nil {
			return errors.Wrap(err, "failed to reread partition table")
		}
	}
	if _, err := m.runner.Run(ctx, "udevadm", "settle", "--timeout="+strconv.Itoa(int(m.settle.Seconds()))); err != nil {
		slog.Warn("udev_settle_failed", "error", err)
	}
	return nil
}

func (m *LinuxManager) OpenRaw(path string, write bool) (RawDevice, error) {
	flag := os.O_RDONLY
	if write {
		flag = os.O_RDWR | unix.O_EXCL
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		if errors.Is(err, unix.EBUSY) {
			return nil, errors.New(errors.KindDeviceBusy, "open "+path, err)
		}
		return nil, errors.Wrap(err, "failed to open device")
	}
	return f, nil
}

func (m *LinuxManager) Close() error {
	unix.Sync()
	return nil
}
