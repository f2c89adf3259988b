//go:build !linux && !darwin && !windows

package device

import (
	"context"
	"fmt"
	"runtime"

	"github.com/ruuf/ruuf/pkg/command"
)

// StubProber reports that device discovery is unavailable.
type StubProber struct{}

// NewHostProber returns the Prober for this platform.
func NewHostProber(command.Runner) Prober {
	return &StubProber{}
}

func (StubProber) Probe(context.Context) ([]Device, error) {
	return nil, fmt.Errorf("device discovery not supported on %s", runtime.GOOS)
}
