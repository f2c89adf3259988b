//go:build windows

package blockdev

import (
	"log/slog"

	"golang.org/x/sys/windows"

	"github.com/ruuf/ruuf/pkg/errors"
)

// CheckPrivilege fails unless the process token is elevated.
func CheckPrivilege() error {
	if !windows.GetCurrentProcessToken().IsElevated() {
		slog.Error("privilege_check_failed", "elevated", false)
		return errors.Newf(errors.KindPrivilege, "check privilege", "raw device access requires an elevated (Administrator) prompt")
	}
	return nil
}
