//go:build !linux && !darwin && !windows

package blockdev

import (
	"context"
	"fmt"
	"runtime"

	"github.com/ruuf/ruuf/pkg/command"
	"github.com/ruuf/ruuf/pkg/device"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/partition"
)

// StubManager is returned on hosts without a native implementation.
type StubManager struct{}

func NewManager(command.Runner) (Manager, error) {
	return &StubManager{}, nil
}

func unsupported() error {
	return fmt.Errorf("block device operations not supported on %s", runtime.GOOS)
}

func (m *StubManager) UnmountAll(ctx context.Context, dev device.Device) error { return unsupported() }

func (m *StubManager) CreatePartitions(ctx context.Context, dev device.Device, plan *partition.Plan) ([]string, error) {
	return nil, unsupported()
}

func (m *StubManager) Format(ctx context.Context, path string, part partition.Partition) error {
	return unsupported()
}

func (m *StubManager) Supports(partition.Filesystem) bool { return false }

func (m *StubManager) Mount(ctx context.Context, path, mountPoint string) error { return unsupported() }

func (m *StubManager) MountImage(ctx context.Context, imagePath, mountPoint string) error {
	return unsupported()
}

func (m *StubManager) Unmount(ctx context.Context, mountPoint string) error { return unsupported() }

func (m *StubManager) WriteBootCode(ctx context.Context, dev device.Device, path string, fs partition.Filesystem) error {
	return unsupported()
}

func (m *StubManager) Reread(ctx context.Context, dev device.Device) error { return unsupported() }

func (m *StubManager) OpenRaw(path string, write bool) (RawDevice, error) { return nil, unsupported() }

func (m *StubManager) Close() error { return nil }

// CheckPrivilege always fails: nothing can be flashed here.
func CheckPrivilege() error {
	return errors.New(errors.KindPrivilege, "check privilege", unsupported())
}
