// Package blockdev drives the host's native partitioning, formatting and
// mount tools and gives raw access to block devices.
package blockdev

import (
	"context"
	"io"

	"github.com/ruuf/ruuf/pkg/device"
	"github.com/ruuf/ruuf/pkg/partition"
)

// RawDevice is an open block device.
type RawDevice interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Sync() error
}

// Manager performs the destructive steps of a flash job on one host
// platform. Partition paths returned by CreatePartitions are in plan order.
type Manager interface {
	// UnmountAll releases every volume mounted from dev.
	UnmountAll(ctx context.Context, dev device.Device) error

	// CreatePartitions writes a fresh partition table for plan.
	CreatePartitions(ctx context.Context, dev device.Device, plan *partition.Plan) ([]string, error)

	// Format creates part's filesystem on the partition at path.
	Format(ctx context.Context, path string, part partition.Partition) error

	// Supports reports whether fs can be created on this host.
	Supports(fs partition.Filesystem) bool

	// Mount mounts a partition read-write at mountPoint.
	Mount(ctx context.Context, path, mountPoint string) error

	// MountImage attaches an installer image read-only at mountPoint.
	MountImage(ctx context.Context, imagePath, mountPoint string) error

	// Unmount releases a mount made by Mount or MountImage.
	Unmount(ctx context.Context, mountPoint string) error

	// WriteBootCode installs legacy BIOS boot code on the device and the
	// boot partition.
	WriteBootCode(ctx context.Context, dev device.Device, path string, fs partition.Filesystem) error

	// Reread makes the host drop its cached partition table for dev.
	Reread(ctx context.Context, dev device.Device) error

	// OpenRaw opens a device node for sector access.
	OpenRaw(path string, write bool) (RawDevice, error)

	// Close cleans up resources
	Close() error
}
