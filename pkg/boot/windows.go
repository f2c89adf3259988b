package boot

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ruuf/ruuf/pkg/command"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/image"
	"github.com/ruuf/ruuf/pkg/partition"
	"github.com/ruuf/ruuf/pkg/security"
)

type windowsStrategy struct {
	files
}

func (w *windowsStrategy) Family() image.Family { return image.FamilyWindows }

func (w *windowsStrategy) Check(ctx context.Context, env *Env) error {
	if env.Plan.Family != image.FamilyWindows || env.Plan.IsRaw() {
		return errors.Newf(errors.KindUnsupportedLayout, "check", "plan %s is not a Windows layout", env.Plan)
	}
	for _, part := range env.Plan.Partitions {
		if !w.d.Manager.Supports(part.Filesystem) {
			return errors.Newf(errors.KindUnsupportedLayout, "check", "this host cannot create %s", part.Filesystem)
		}
	}
	if env.Plan.Split && isInstallImage(env.Image.LargestFilePath) && !command.Available(w.d.Runner, "wimlib-imagex") {
		slog.Warn("wimlib_missing",
			"file", env.Image.LargestFilePath,
			"fallback", "generic .partNNN split, Setup will not read it without rejoining")
	}
	return nil
}

// Copy mounts the image and copies every file onto DATA.
func (w *windowsStrategy) Copy(ctx context.Context, env *Env) error {
	if err := w.mountTargets(ctx, env); err != nil {
		return err
	}
	src, err := w.mountImage(ctx, env)
	if err != nil {
		return err
	}

	entries, total, err := scanTree(src)
	if err != nil {
		return err
	}
	env.total = total + efiSize(entries)

	data, _ := env.Plan.Data()
	var ceiling int64
	if data.Filesystem == partition.FAT32 {
		ceiling = w.d.MaxFileSize
	}
	v := security.NewValidator(ceiling, w.dataCapacity(env), w.d.MaxArchiveRatio)

	slog.Info("windows_copy_start", "device", env.Device.DisplayPath, "files", len(entries), "total_mb", total>>20, "filesystem", data.Filesystem)
	for _, ent := range entries {
		if err := v.ValidatePath(ent.rel); err != nil {
			return err
		}
		if ent.dir {
			if err := os.MkdirAll(filepath.Join(env.dataDir, filepath.FromSlash(ent.rel)), 0755); err != nil {
				return errors.New(errors.KindWriteFailure, "create "+ent.rel, err)
			}
			continue
		}
		if err := v.AddCopiedSize(ent.size); err != nil {
			return err
		}

		if v.Exceeds(ent.size) {
			if !env.Plan.Split {
				return v.ValidateFileSize(ent.rel, ent.size)
			}
			if err := w.split(ctx, env, ent); err != nil {
				return err
			}
			continue
		}

		if _, err := env.copyFile(ctx, ent.abs, env.dataDir, volumeData, ent.rel, w.d.ChunkSize); err != nil {
			return err
		}
	}

	env.sourceSHA = env.manifestSum(env.Image.LargestFilePath)
	slog.Info("windows_copy_complete", "device", env.Device.DisplayPath, "bytes_written", env.written)
	return nil
}

// split stores an oversized file on FAT32: install.wim/esd become .swm
// parts Setup understands, anything else is cut into .partNNN pieces.
func (w *windowsStrategy) split(ctx context.Context, env *Env, ent treeEntry) error {
	if !isInstallImage(ent.rel) || !command.Available(w.d.Runner, "wimlib-imagex") {
		return env.splitCopy(ctx, ent.abs, env.dataDir, ent.rel, w.d.SplitSize, w.d.ChunkSize)
	}
	if err := env.checkpoint(ctx); err != nil {
		return err
	}

	base := strings.TrimSuffix(ent.rel, path.Ext(ent.rel))
	dst := filepath.Join(env.dataDir, filepath.FromSlash(base+".swm"))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errors.New(errors.KindWriteFailure, "create "+path.Dir(ent.rel), err)
	}

	slog.Info("wim_split_start", "file", ent.rel, "part_size_mb", w.d.SplitSize>>20)
	if err := w.runWatched(ctx, env, "split", ent.abs, dst, strconv.FormatInt(w.d.SplitSize>>20, 10)); err != nil {
		if errors.KindOf(err) == errors.KindCancelled {
			slog.Info("wim_split_cancelled", "file", ent.rel)
			return err
		}
		slog.Error("wim_split_failed", "file", ent.rel, "error", err)
		return errors.New(errors.KindWriteFailure, "split "+ent.rel, err)
	}

	parts, err := filepath.Glob(filepath.Join(filepath.Dir(dst), path.Base(base)+"*.swm"))
	if err != nil || len(parts) == 0 {
		return errors.Newf(errors.KindWriteFailure, "split "+ent.rel, "wimlib-imagex produced no parts")
	}
	for _, p := range parts {
		sum, n, err := hashFile(p)
		if err != nil {
			return errors.New(errors.KindWriteFailure, "hash "+p, err)
		}
		rel := path.Join(path.Dir(ent.rel), filepath.Base(p))
		env.manifest = append(env.manifest, manifestEntry{volume: volumeData, rel: rel, sha256: sum, size: n})
	}
	env.advance(ent.size, "split "+ent.rel)
	return env.checkpoint(ctx)
}

// splitPoll is how often a running wimlib-imagex checks the cancel flag.
var splitPoll = 250 * time.Millisecond

// runWatched runs wimlib-imagex under a context that is cancelled as soon
// as env's checkpoint trips, so a split of a multi-gigabyte WIM stops
// within one poll instead of running to completion.
func (w *windowsStrategy) runWatched(ctx context.Context, env *Env, args ...string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		stopErr error
	)
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(splitPoll)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-runCtx.Done():
				return
			case <-t.C:
				if err := env.checkpoint(ctx); err != nil {
					stopErr = err
					cancel()
					return
				}
			}
		}
	}()

	_, err := w.d.Runner.Run(runCtx, "wimlib-imagex", args...)
	close(done)
	wg.Wait()

	if stopErr != nil {
		return stopErr
	}
	if err != nil && ctx.Err() != nil {
		return errors.New(errors.KindCancelled, "split", ctx.Err())
	}
	return err
}

// Bootstrap populates the ESP with the image's UEFI loader and writes
// legacy boot code to the device and DATA.
func (w *windowsStrategy) Bootstrap(ctx context.Context, env *Env) error {
	if err := w.mountTargets(ctx, env); err != nil {
		return err
	}

	efi := findChild(env.dataDir, "efi")
	if efi == "" {
		slog.Warn("efi_tree_missing", "device", env.Device.DisplayPath, "reason", "image has no efi directory, UEFI boot unavailable")
	} else {
		if err := env.copyTree(ctx, efi, env.espDir, volumeESP, filepath.Base(efi), w.d.ChunkSize); err != nil {
			return err
		}
		if findChild(efi, "boot", "bootx64.efi") == "" {
			slog.Warn("uefi_loader_missing", "device", env.Device.DisplayPath, "expected", "efi/boot/bootx64.efi")
		}
	}

	dataPath, data, _ := w.pathFor(env, partition.RoleData)
	if err := w.d.Manager.WriteBootCode(ctx, env.Device, dataPath, data.Filesystem); err != nil {
		return errors.Classify(errors.KindWriteFailure, "boot code "+dataPath, err)
	}
	return nil
}

func isInstallImage(rel string) bool {
	switch strings.ToLower(rel) {
	case "sources/install.wim", "sources/install.esd":
		return true
	}
	return false
}

func efiSize(entries []treeEntry) int64 {
	var n int64
	for _, e := range entries {
		if !e.dir && strings.HasPrefix(strings.ToLower(e.rel), "efi/") {
			n += e.size
		}
	}
	return n
}

// findChild walks names below dir matching each component without case
// and returns the resulting path, or "".
func findChild(dir string, names ...string) string {
	for _, name := range names {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return ""
		}
		found := ""
		for _, e := range entries {
			if strings.EqualFold(e.Name(), name) {
				found = filepath.Join(dir, e.Name())
				break
			}
		}
		if found == "" {
			return ""
		}
		dir = found
	}
	return dir
}
