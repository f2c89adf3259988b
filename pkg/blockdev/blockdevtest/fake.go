// Package blockdevtest provides an in-memory blockdev.Manager for tests.
// Partitions are directories, the device is a regular file.
package blockdevtest

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ruuf/ruuf/pkg/blockdev"
	"github.com/ruuf/ruuf/pkg/device"
	"github.com/ruuf/ruuf/pkg/partition"
)

// Fake records every call. Partition contents live under Root/parts and
// are moved to the mount point while mounted.
type Fake struct {
	Root string

	// Images maps an image path to a directory whose tree MountImage exposes.
	Images map[string]string

	// FailOn makes the named method return the error.
	FailOn map[string]error

	// Unsupported filesystems make Supports return false.
	Unsupported map[partition.Filesystem]bool

	mu        sync.Mutex
	calls     []string
	formatted map[string]partition.Filesystem
	mounts    map[string]string
}

func New(root string) *Fake {
	return &Fake{
		Root:        root,
		Images:      make(map[string]string),
		FailOn:      make(map[string]error),
		Unsupported: make(map[partition.Filesystem]bool),
		formatted:   make(map[string]partition.Filesystem),
		mounts:      make(map[string]string),
	}
}

var _ blockdev.Manager = (*Fake)(nil)

func (f *Fake) record(method string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strings.TrimSpace(method+" "+strings.Join(args, " ")))
	return f.FailOn[method]
}

// Calls returns the recorded calls as "Method arg...".
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Called reports whether method was invoked.
func (f *Fake) Called(method string) bool {
	for _, c := range f.Calls() {
		if c == method || strings.HasPrefix(c, method+" ") {
			return true
		}
	}
	return false
}

// Formatted returns the filesystem a partition was formatted with.
func (f *Fake) Formatted(path string) partition.Filesystem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.formatted[path]
}

// PartitionDir returns the directory holding an unmounted partition.
func (f *Fake) PartitionDir(path string) string {
	return filepath.Join(f.Root, "parts", filepath.Base(path))
}

func (f *Fake) UnmountAll(ctx context.Context, dev device.Device) error {
	return f.record("UnmountAll", dev.DisplayPath)
}

// CreatePartitions makes one directory per partition and stamps a GPT
// signature on the device file when it exists.
func (f *Fake) CreatePartitions(ctx context.Context, dev device.Device, plan *partition.Plan) ([]string, error) {
	if err := f.record("CreatePartitions", dev.DisplayPath, plan.String()); err != nil {
		return nil, err
	}
	if _, err := plan.Layout(dev.SizeBytes); err != nil {
		return nil, err
	}

	paths := make([]string, len(plan.Partitions))
	for i := range plan.Partitions {
		paths[i] = fmt.Sprintf("%s-part%d", filepath.Base(dev.DisplayPath), i+1)
		if err := os.MkdirAll(f.PartitionDir(paths[i]), 0755); err != nil {
			return nil, err
		}
	}

	if fi, err := os.Stat(dev.DisplayPath); err == nil && fi.Mode().IsRegular() {
		if err := stampGPT(dev.DisplayPath, fi.Size()); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func stampGPT(path string, size int64) error {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.WriteAt([]byte{0x55, 0xAA}, 510); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte("EFI PART"), 512); err != nil {
		return err
	}
	if size > 1024 {
		if _, err := file.WriteAt([]byte("EFI PART"), size-512); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) Format(ctx context.Context, path string, part partition.Partition) error {
	if err := f.record("Format", path, string(part.Filesystem), part.Label); err != nil {
		return err
	}
	dir := f.PartitionDir(path)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	f.mu.Lock()
	f.formatted[path] = part.Filesystem
	f.mu.Unlock()
	return nil
}

func (f *Fake) Supports(fs partition.Filesystem) bool {
	return !f.Unsupported[fs]
}

func (f *Fake) Mount(ctx context.Context, path, mountPoint string) error {
	if err := f.record("Mount", path, mountPoint); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(mountPoint), 0755); err != nil {
		return err
	}
	os.Remove(mountPoint)
	if err := os.Rename(f.PartitionDir(path), mountPoint); err != nil {
		return err
	}

	f.mu.Lock()
	f.mounts[mountPoint] = path
	f.mu.Unlock()
	return nil
}

func (f *Fake) MountImage(ctx context.Context, imagePath, mountPoint string) error {
	if err := f.record("MountImage", imagePath, mountPoint); err != nil {
		return err
	}
	src, ok := f.Images[imagePath]
	if !ok {
		return fmt.Errorf("no fake tree for image %s", imagePath)
	}
	if err := copyTree(src, mountPoint); err != nil {
		return err
	}

	f.mu.Lock()
	f.mounts[mountPoint] = ""
	f.mu.Unlock()
	return nil
}

func (f *Fake) Unmount(ctx context.Context, mountPoint string) error {
	if err := f.record("Unmount", mountPoint); err != nil {
		return err
	}

	f.mu.Lock()
	path, ok := f.mounts[mountPoint]
	delete(f.mounts, mountPoint)
	f.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s is not mounted", mountPoint)
	}
	if path == "" {
		return os.RemoveAll(mountPoint)
	}
	if err := os.Rename(mountPoint, f.PartitionDir(path)); err != nil {
		return err
	}
	return os.Mkdir(mountPoint, 0755)
}

// Mounted returns the mount points still held.
func (f *Fake) Mounted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for mp := range f.mounts {
		out = append(out, mp)
	}
	return out
}

func (f *Fake) WriteBootCode(ctx context.Context, dev device.Device, path string, fs partition.Filesystem) error {
	return f.record("WriteBootCode", dev.DisplayPath, path, string(fs))
}

func (f *Fake) Reread(ctx context.Context, dev device.Device) error {
	return f.record("Reread", dev.DisplayPath)
}

// OpenRaw opens the device path as a regular file.
func (f *Fake) OpenRaw(path string, write bool) (blockdev.RawDevice, error) {
	if err := f.record("OpenRaw", path); err != nil {
		return nil, err
	}
	flag := os.O_RDONLY
	if write {
		flag = os.O_RDWR
	}
	return os.OpenFile(path, flag, 0)
}

func (f *Fake) Close() error {
	return f.record("Close")
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}

		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}
