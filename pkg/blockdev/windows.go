//go:build windows

package blockdev

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sys/windows"

	"github.com/ruuf/ruuf/pkg/command"
	"github.com/ruuf/ruuf/pkg/device"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/partition"
)

const espGptType = "{c12a7328-f81f-11d2-ba4b-00a0c93ec93b}"

var formatNames = map[partition.Filesystem]string{
	partition.FAT32: "FAT32",
	partition.NTFS:  "NTFS",
	partition.ExFAT: "exFAT",
}

// WindowsManager implements Manager with the Storage PowerShell module.
// Partition paths have the form \\?\GLOBALROOT\Device\HarddiskN\PartitionM.
type WindowsManager struct {
	runner command.Runner
	images map[string]string
}

func NewManager(r command.Runner) (Manager, error) {
	slog.Info("blockdev_init", "platform", "windows")

	if !command.Available(r, "powershell") {
		return nil, fmt.Errorf("required tool powershell not found in PATH")
	}
	return &WindowsManager{runner: r, images: make(map[string]string)}, nil
}

func (m *WindowsManager) ps(ctx context.Context, script string) ([]byte, error) {
	return m.runner.Run(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", script)
}

func (m *WindowsManager) UnmountAll(ctx context.Context, dev device.Device) error {
	slog.Info("unmount_all_start", "device", dev.DisplayPath)

	disk, err := diskNumber(dev.DisplayPath)
	if err != nil {
		return err
	}
	script := fmt.Sprintf(`Get-Partition -DiskNumber %d -ErrorAction SilentlyContinue | Where-Object DriveLetter | ForEach-Object { Remove-PartitionAccessPath -DiskNumber %d -PartitionNumber $_.PartitionNumber -AccessPath ($_.DriveLetter + ':\') }`, disk, disk)
	if _, err := m.ps(ctx, script); err != nil {
		slog.Error("unmount_all_failed", "device", dev.DisplayPath, "error", err)
		return errors.New(errors.KindDeviceBusy, "unmount "+dev.DisplayPath, err)
	}
	return nil
}

func (m *WindowsManager) CreatePartitions(ctx context.Context, dev device.Device, plan *partition.Plan) ([]string, error) {
	slog.Info("create_partitions_start", "device", dev.DisplayPath, "plan", plan.String())

	disk, err := diskNumber(dev.DisplayPath)
	if err != nil {
		return nil, err
	}
	if _, err := plan.Layout(dev.SizeBytes); err != nil {
		return nil, err
	}

	style := "GPT"
	if plan.Scheme == partition.SchemeMBR {
		style = "MBR"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Clear-Disk -Number %d -RemoveData -RemoveOEM -Confirm:$false -ErrorAction SilentlyContinue; ", disk)
	fmt.Fprintf(&b, "Initialize-Disk -Number %d -PartitionStyle %s -ErrorAction SilentlyContinue; ", disk, style)
	fmt.Fprintf(&b, "Set-Disk -Number %d -PartitionStyle %s; ", disk, style)
	for _, part := range plan.Partitions {
		size := fmt.Sprintf("-Size %d", part.SizeBytes)
		if part.Remaining {
			size = "-UseMaximumSize"
		}
		extra := ""
		if part.Role == partition.RoleESP && plan.Scheme == partition.SchemeGPT {
			extra = " -GptType '" + espGptType + "'"
		}
		if part.Bootable && plan.Scheme == partition.SchemeMBR {
			extra = " -IsActive"
		}
		fmt.Fprintf(&b, "New-Partition -DiskNumber %d %s%s | Out-Null; ", disk, size, extra)
	}

	if _, err := m.ps(ctx, b.String()); err != nil {
		slog.Error("create_partitions_failed", "device", dev.DisplayPath, "error", err)
		return nil, errors.Wrap(err, "failed to partition disk")
	}

	// Clear-Disk leaves no MSR on removable media, so partitions number from 1.
	paths := make([]string, len(plan.Partitions))
	for i := range plan.Partitions {
		paths[i] = fmt.Sprintf(`\\?\GLOBALROOT\Device\Harddisk%d\Partition%d`, disk, i+1)
	}
	slog.Info("create_partitions_complete", "device", dev.DisplayPath, "partitions", paths)
	return paths, nil
}

func (m *WindowsManager) Format(ctx context.Context, path string, part partition.Partition) error {
	slog.Info("format_partition", "path", path, "filesystem", part.Filesystem, "label", part.Label)

	name, ok := formatNames[part.Filesystem]
	if !ok {
		return errors.Newf(errors.KindUnsupportedLayout, "format "+path, "no formatter for %s", part.Filesystem)
	}
	disk, num, err := partitionNumbers(path)
	if err != nil {
		return err
	}
	script := fmt.Sprintf(`Get-Partition -DiskNumber %d -PartitionNumber %d | Format-Volume -FileSystem %s -NewFileSystemLabel %s -Force -Confirm:$false | Out-Null`,
		disk, num, name, psQuote(part.Label))
	if _, err := m.ps(ctx, script); err != nil {
		slog.Error("format_partition_failed", "path", path, "error", err)
		return errors.Wrap(err, "failed to format "+path)
	}
	return nil
}

func (m *WindowsManager) Supports(fs partition.Filesystem) bool {
	_, ok := formatNames[fs]
	return ok
}

func (m *WindowsManager) Mount(ctx context.Context, path, mountPoint string) error {
	slog.Info("mount_device", "device_path", path, "mount_path", mountPoint)

	disk, num, err := partitionNumbers(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return errors.Wrap(err, "failed to create mount point")
	}
	script := fmt.Sprintf(`Add-PartitionAccessPath -DiskNumber %d -PartitionNumber %d -AccessPath %s`, disk, num, psQuote(mountPoint+`\`))
	if _, err := m.ps(ctx, script); err != nil {
		slog.Error("mount_failed", "device_path", path, "error", err)
		return errors.Wrap(err, "failed to mount device")
	}
	return nil
}

func (m *WindowsManager) MountImage(ctx context.Context, imagePath, mountPoint string) error {
	slog.Info("attach_image", "image", imagePath, "mount_path", mountPoint)

	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return errors.Wrap(err, "failed to create mount point")
	}
	script := fmt.Sprintf(`$v = Mount-DiskImage -ImagePath %s -Access ReadOnly -NoDriveLetter -PassThru | Get-Volume; Get-Partition -Volume $v | Add-PartitionAccessPath -AccessPath %s`,
		psQuote(imagePath), psQuote(mountPoint+`\`))
	if _, err := m.ps(ctx, script); err != nil {
		slog.Error("attach_image_failed", "image", imagePath, "error", err)
		return errors.Wrap(err, "failed to attach image")
	}
	m.images[mountPoint] = imagePath
	return nil
}

func (m *WindowsManager) Unmount(ctx context.Context, mountPoint string) error {
	slog.Info("unmount_device", "mount_path", mountPoint)

	script := fmt.Sprintf(`Get-Partition | Where-Object { $_.AccessPaths -contains %s } | Remove-PartitionAccessPath -AccessPath %s`,
		psQuote(mountPoint+`\`), psQuote(mountPoint+`\`))
	if img, ok := m.images[mountPoint]; ok {
		script = fmt.Sprintf(`Dismount-DiskImage -ImagePath %s | Out-Null`, psQuote(img))
		delete(m.images, mountPoint)
	}
	if _, err := m.ps(ctx, script); err != nil {
		slog.Error("unmount_failed", "mount_path", mountPoint, "error", err)
		return errors.Wrap(err, "failed to unmount device")
	}
	return nil
}

// WriteBootCode runs bootsect /nt60 /mbr against a temporary drive letter.
func (m *WindowsManager) WriteBootCode(ctx context.Context, dev device.Device, path string, fs partition.Filesystem) error {
	if !command.Available(m.runner, "bootsect") {
		slog.Warn("boot_code_skipped", "device", dev.DisplayPath, "reason", "bootsect not available, legacy BIOS boot unavailable")
		return nil
	}
	disk, num, err := partitionNumbers(path)
	if err != nil {
		return err
	}

	out, err := m.ps(ctx, fmt.Sprintf(`(Get-Partition -DiskNumber %d -PartitionNumber %d | Add-PartitionAccessPath -AssignDriveLetter -PassThru | Get-Partition).DriveLetter`, disk, num))
	if err != nil {
		return errors.Wrap(err, "failed to assign drive letter")
	}
	letter := strings.TrimSpace(string(out))
	if letter == "" {
		return fmt.Errorf("no drive letter assigned to %s", path)
	}

	slog.Info("write_boot_code", "device", dev.DisplayPath, "volume", letter+":")
	if _, err := m.runner.Run(ctx, "bootsect", "/nt60", letter+":", "/mbr", "/force"); err != nil {
		return errors.Wrap(err, "failed to write boot code")
	}
	if _, err := m.ps(ctx, fmt.Sprintf(`Remove-PartitionAccessPath -DiskNumber %d -PartitionNumber %d -AccessPath '%s:\'`, disk, num, letter)); err != nil {
		slog.Warn("drive_letter_release_failed", "volume", letter+":", "error", err)
	}
	return nil
}

// Reread refreshes the storage stack's cached layout with Update-Disk.
func (m *WindowsManager) Reread(ctx context.Context, dev device.Device) error {
	disk, err := diskNumber(dev.DisplayPath)
	if err != nil {
		return err
	}
	if _, err := m.ps(ctx, fmt.Sprintf("Update-Disk -Number %d", disk)); err != nil {
		return errors.Wrap(err, "failed to reread partition table")
	}
	return nil
}

func (m *WindowsManager) OpenRaw(path string, write bool) (RawDevice, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	access := uint32(windows.GENERIC_READ)
	if write {
		access |= windows.GENERIC_WRITE
	}
	h, err := windows.CreateFile(p, access, windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, nil, windows.OPEN_EXISTING, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		if errors.Is(err, windows.ERROR_SHARING_VIOLATION) {
			return nil, errors.New(errors.KindDeviceBusy, "open "+path, err)
		}
		return nil, errors.Wrap(err, "failed to open device")
	}
	return os.NewFile(uintptr(h), path), nil
}

func (m *WindowsManager) Close() error {
	return nil
}

func diskNumber(path string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(path, `\\.\PhysicalDrive%d`, &n); err != nil {
		return 0, fmt.Errorf("not a physical drive path: %s", path)
	}
	return n, nil
}

func partitionNumbers(path string) (int, int, error) {
	var disk, num int
	if _, err := fmt.Sscanf(path, `\\?\GLOBALROOT\Device\Harddisk%d\Partition%d`, &disk, &num); err != nil {
		return 0, 0, fmt.Errorf("not a partition path: %s", path)
	}
	return disk, num, nil
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
