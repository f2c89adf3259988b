// Package device discovers removable block devices that may be flashed.
package device

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/ruuf/ruuf/pkg/errors"
)

// Volume is a mounted filesystem that lives on a device.
type Volume struct {
	Path       string
	MountPoint string
	Filesystem string
}

// Device is a point-in-time snapshot of a block device. A record taken
// before the device was removed and reinserted must not be reused.
type Device struct {
	ID             string
	DisplayPath    string
	SizeBytes      int64
	IsRemovable    bool
	IsSystemDisk   bool
	ReadOnly       bool
	MountedVolumes []Volume
	Model          string
	Vendor         string
	Transport      string
	PartitionTable string
}

// Prober produces the host's raw block device inventory.
type Prober interface {
	Probe(ctx context.Context) ([]Device, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) ([]Device, error)

func (f ProberFunc) Probe(ctx context.Context) ([]Device, error) { return f(ctx) }

// Flashable returns an UnsafeTarget error when d must never be written.
func (d Device) Flashable() error {
	switch {
	case d.IsSystemDisk:
		return errors.Newf(errors.KindUnsafeTarget, "check "+d.DisplayPath, "device holds the running system")
	case !d.IsRemovable:
		return errors.Newf(errors.KindUnsafeTarget, "check "+d.DisplayPath, "device is not removable")
	case d.ReadOnly:
		return errors.Newf(errors.KindUnsafeTarget, "check "+d.DisplayPath, "device is read-only")
	}
	return nil
}

// Matches reports whether selector names this device by ID, path or
// base name of its path.
func (d Device) Matches(selector string) bool {
	if selector == "" {
		return false
	}
	return selector == d.ID ||
		selector == d.DisplayPath ||
		strings.EqualFold(selector, filepath.Base(d.DisplayPath))
}

// Mounted reports whether any volume of the device is mounted.
func (d Device) Mounted() bool {
	for _, v := range d.MountedVolumes {
		if v.MountPoint != "" {
			return true
		}
	}
	return false
}

// Describe renders a one-line human summary.
func (d Device) Describe() string {
	name := strings.TrimSpace(strings.Join([]string{d.Vendor, d.Model}, " "))
	if name == "" {
		name = "unknown model"
	}
	transport := d.Transport
	if transport == "" {
		transport = "unknown bus"
	}
	return fmt.Sprintf("%s %s (%s, %s)", d.DisplayPath, name, humanize.IBytes(uint64(d.SizeBytes)), transport)
}
