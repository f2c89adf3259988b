//go:build darwin

package device

import (
	"context"
	"log/slog"

	"github.com/ruuf/ruuf/pkg/command"
	"github.com/ruuf/ruuf/pkg/errors"
)

// DarwinProber reads the inventory from diskutil's plist output.
type DarwinProber struct {
	runner command.Runner
}

// NewHostProber returns the Prober for this platform.
func NewHostProber(r command.Runner) Prober {
	return &DarwinProber{runner: r}
}

func (p *DarwinProber) Probe(ctx context.Context) ([]Device, error) {
	out, err := p.runner.Run(ctx, "diskutil", "list", "-plist", "external", "physical")
	if err != nil {
		return nil, errors.Wrap(err, "diskutil list")
	}
	list, err := parseDiskutilList(out)
	if err != nil {
		return nil, err
	}

	system := map[string]bool{}
	if rootOut, err := p.runner.Run(ctx, "diskutil", "info", "-plist", "/"); err == nil {
		if root, err := parseDiskutilInfo(rootOut); err == nil {
			system = systemWholeDisks(root)
		}
	} else {
		slog.Warn("root_volume_info_failed", "error", err)
	}

	var devices []Device
	for _, entry := range list.AllDisksAndPartitions {
		infoOut, err := p.runner.Run(ctx, "diskutil", "info", "-plist", entry.DeviceIdentifier)
		if err != nil {
			return nil, errors.Wrap(err, "diskutil info "+entry.DeviceIdentifier)
		}
		info, err := parseDiskutilInfo(infoOut)
		if err != nil {
			return nil, err
		}
		devices = append(devices, darwinDevice(entry, info, system))
	}

	return devices, nil
}
