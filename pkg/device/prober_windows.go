//go:build windows

package device

import (
	"context"

	"github.com/ruuf/ruuf/pkg/command"
	"github.com/ruuf/ruuf/pkg/errors"
)

// WindowsProber reads the inventory through PowerShell's Storage module.
type WindowsProber struct {
	runner command.Runner
}

// NewHostProber returns the Prober for this platform.
func NewHostProber(r command.Runner) Prober {
	return &WindowsProber{runner: r}
}

func (p *WindowsProber) Probe(ctx context.Context) ([]Device, error) {
	out, err := p.runner.Run(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", getDiskScript)
	if err != nil {
		return nil, errors.Wrap(err, "Get-Disk")
	}
	return parseGetDisk(out)
}
