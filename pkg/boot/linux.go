package boot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"

	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/image"
)

const sectorSize = 512

// linuxStrategy writes a hybrid image verbatim onto the whole device.
type linuxStrategy struct {
	d Deps
}

func (l *linuxStrategy) Family() image.Family { return image.FamilyLinux }

func (l *linuxStrategy) Check(ctx context.Context, env *Env) error {
	if !env.Plan.IsRaw() {
		return errors.Newf(errors.KindUnsupportedLayout, "check", "linux images are written raw, got plan %s", env.Plan)
	}
	if env.Image.SizeBytes > env.Device.SizeBytes {
		return errors.Newf(errors.KindDeviceTooSmall, "check", "image is %d bytes, device %d", env.Image.SizeBytes, env.Device.SizeBytes)
	}
	return nil
}

func (l *linuxStrategy) Unmount(ctx context.Context, env *Env) error {
	return errors.Classify(errors.KindDeviceBusy, "unmount "+env.Device.DisplayPath, l.d.Manager.UnmountAll(ctx, env.Device))
}

// Partition and Format have nothing to do: the image carries its own table.
func (l *linuxStrategy) Partition(ctx context.Context, env *Env) error { return nil }

func (l *linuxStrategy) Format(ctx context.Context, env *Env) error { return nil }

// Copy streams the image onto the device from offset 0.
func (l *linuxStrategy) Copy(ctx context.Context, env *Env) error {
	src, err := os.Open(env.Image.Path)
	if err != nil {
		return errors.New(errors.KindWriteFailure, "open "+env.Image.Path, err)
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return errors.New(errors.KindWriteFailure, "stat "+env.Image.Path, err)
	}
	env.total = fi.Size()
	if env.total > env.Device.SizeBytes {
		return errors.Newf(errors.KindDeviceTooSmall, "raw copy", "image is %d bytes, device %d", env.total, env.Device.SizeBytes)
	}

	raw, err := l.d.Manager.OpenRaw(env.Device.DisplayPath, true)
	if err != nil {
		return errors.Classify(errors.KindWriteFailure, "open "+env.Device.DisplayPath, err)
	}
	defer raw.Close()

	slog.Info("raw_copy_start", "device", env.Device.DisplayPath, "image", env.Image.Path, "size_mb", env.total>>20, "chunk", l.d.ChunkSize)

	var off int64
	sum, n, err := env.pump(ctx, src, func(p []byte) error {
		buf := p
		if rem := len(p) % sectorSize; rem != 0 {
			buf = append(p[:len(p):len(p)], make([]byte, sectorSize-rem)...)
		}
		if _, err := raw.WriteAt(buf, off); err != nil {
			return err
		}
		off += int64(len(p))
		return nil
	}, "writing image", l.d.ChunkSize)
	if err != nil {
		slog.Error("raw_copy_failed", "device", env.Device.DisplayPath, "offset", off, "error", err)
		return err
	}
	if err := raw.Sync(); err != nil {
		return errors.New(errors.KindWriteFailure, "sync "+env.Device.DisplayPath, err)
	}

	env.sourceSHA = sum
	slog.Info("raw_copy_complete", "device", env.Device.DisplayPath, "bytes_written", n, "sha256", sum)
	return nil
}

func (l *linuxStrategy) Bootstrap(ctx context.Context, env *Env) error {
	slog.Info("raw_bootstrap_skipped", "device", env.Device.DisplayPath, "reason", "hybrid image carries its own boot records")
	return nil
}

// Verify reads back exactly the image's length and compares digests.
func (l *linuxStrategy) Verify(ctx context.Context, env *Env) error {
	if env.Sink != nil {
		env.Sink(100, "verifying image")
	}
	raw, err := l.d.Manager.OpenRaw(env.Device.DisplayPath, false)
	if err != nil {
		return errors.Classify(errors.KindVerifyFailure, "open "+env.Device.DisplayPath, err)
	}
	defer raw.Close()

	h := sha256.New()
	buf := make([]byte, l.d.ChunkSize)
	r := io.NewSectionReader(raw, 0, env.total)
	for {
		if err := ctx.Err(); err != nil {
			return errors.New(errors.KindCancelled, "verify", err)
		}
		n, rerr := io.ReadFull(r, buf)
		h.Write(buf[:n])
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return errors.New(errors.KindVerifyFailure, "read back "+env.Device.DisplayPath, rerr)
		}
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != env.sourceSHA {
		slog.Error("verify_mismatch", "device", env.Device.DisplayPath, "want", env.sourceSHA, "got", got)
		return errors.Newf(errors.KindVerifyFailure, "verify "+env.Device.DisplayPath, "device content does not match the image")
	}
	slog.Info("raw_verify_complete", "device", env.Device.DisplayPath, "sha256", got)
	return nil
}

func (l *linuxStrategy) Cleanup(ctx context.Context, env *Env) error { return nil }
