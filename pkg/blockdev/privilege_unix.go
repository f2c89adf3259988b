//go:build linux || darwin

package blockdev

import (
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/ruuf/ruuf/pkg/errors"
)

// CheckPrivilege fails unless the process can write raw block devices.
func CheckPrivilege() error {
	if unix.Geteuid() != 0 {
		slog.Error("privilege_check_failed", "euid", unix.Geteuid())
		return errors.Newf(errors.KindPrivilege, "check privilege", "raw device access requires root, run with sudo")
	}
	return nil
}
