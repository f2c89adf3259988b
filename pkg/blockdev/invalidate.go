package blockdev

import (
	"context"
	"log/slog"

	"github.com/ruuf/ruuf/pkg/device"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/partition"
)

// InvalidateSize is how much is zeroed at each end of the device: enough
// to cover the MBR, the primary GPT and the backup GPT.
const InvalidateSize = 1 << 20

// Invalidate zeroes the start and end of dev so that neither firmware nor
// a later probe can mistake a partial write for a finished boot drive. It
// fails with VerifyFailure when a partition table is still readable
// afterwards, then asks the host to reread the now empty table.
func Invalidate(ctx context.Context, m Manager, dev device.Device) error {
	slog.Info("invalidate_device_start", "device", dev.DisplayPath, "size_mb", dev.SizeBytes/1024/1024)

	if err := m.UnmountAll(ctx, dev); err != nil {
		slog.Warn("invalidate_unmount_failed", "device", dev.DisplayPath, "error", err)
	}

	if err := zeroEnds(m, dev); err != nil {
		return err
	}

	if err := m.Reread(ctx, dev); err != nil {
		slog.Warn("invalidate_reread_failed", "device", dev.DisplayPath, "error", err)
	}

	slog.Info("invalidate_device_complete", "device", dev.DisplayPath)
	return nil
}

func zeroEnds(m Manager, dev device.Device) error {
	op := "invalidate " + dev.DisplayPath

	raw, err := m.OpenRaw(dev.DisplayPath, true)
	if err != nil {
		slog.Error("invalidate_open_failed", "device", dev.DisplayPath, "error", err)
		return errors.New(errors.KindWriteFailure, op, err)
	}
	defer raw.Close()

	zero := make([]byte, InvalidateSize)
	offsets := []int64{0}
	if tail := dev.SizeBytes - InvalidateSize; tail > InvalidateSize {
		offsets = append(offsets, tail)
	}

	for _, off := range offsets {
		if _, err := raw.WriteAt(zero, off); err != nil {
			slog.Error("invalidate_write_failed", "device", dev.DisplayPath, "offset", off, "error", err)
			return errors.New(errors.KindWriteFailure, op, err)
		}
	}
	if err := raw.Sync(); err != nil {
		return errors.New(errors.KindWriteFailure, op, err)
	}

	scheme, err := partition.DetectScheme(raw, dev.SizeBytes)
	if err != nil {
		return errors.New(errors.KindVerifyFailure, op, err)
	}
	if scheme != partition.SchemeNone {
		slog.Error("invalidate_table_survived", "device", dev.DisplayPath, "scheme", scheme)
		return errors.Newf(errors.KindVerifyFailure, op, "%s partition table still readable after zeroing", scheme)
	}
	return nil
}
