//go:build linux

package device

import (
	"context"
	"log/slog"

	"github.com/deniswernert/go-fstab"
	"github.com/ruuf/ruuf/pkg/command"
	"github.com/ruuf/ruuf/pkg/errors"
)

// LinuxProber reads the inventory from lsblk, sysfs and the mount table.
type LinuxProber struct {
	runner     command.Runner
	sysRoot    string
	mountsPath string
}

// NewHostProber returns the Prober for this platform.
func NewHostProber(r command.Runner) Prober {
	return &LinuxProber{runner: r, sysRoot: "/sys", mountsPath: "/proc/self/mounts"}
}

func (p *LinuxProber) Probe(ctx context.Context) ([]Device, error) {
	out, err := p.runner.Run(ctx, "lsblk", "-J", "-b", "-o", lsblkColumns)
	if err != nil {
		return nil, errors.Wrap(err, "lsblk")
	}

	mounts, err := fstab.ParseFile(p.mountsPath)
	if err != nil {
		slog.Warn("mount_table_unreadable", "path", p.mountsPath, "error", err)
		mounts = nil
	}

	devices, err := parseLsblk(out, mounts)
	if err != nil {
		return nil, err
	}

	for i := range devices {
		d := &devices[i]
		if d.Transport == "" && sysfsUSB(p.sysRoot, d.ID) {
			d.Transport = "usb"
		}
		// A disk the kernel reports as fixed stays fixed, whatever the bus.
		if rm, ok := sysfsRemovable(p.sysRoot, d.ID); ok {
			d.IsRemovable = rm
		}
		if d.Transport == "usb" && !d.IsRemovable {
			slog.Debug("usb_device_reports_fixed", "device", d.DisplayPath)
		}
	}

	return devices, nil
}
