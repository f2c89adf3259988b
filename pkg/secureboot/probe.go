// Package secureboot reads the host firmware's Secure Boot state and, where
// the platform allows it, requests that it be enabled. It never touches a
// flash target.
package secureboot

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ruuf/ruuf/pkg/command"
	"github.com/ruuf/ruuf/pkg/errors"
)

// FirmwareMode is how the host booted.
type FirmwareMode string

const (
	ModeLegacy FirmwareMode = "legacy"
	ModeUEFI   FirmwareMode = "uefi"
)

// efiGlobal is the EFI_GLOBAL_VARIABLE vendor GUID.
const efiGlobal = "8be4df61-93ca-11d2-aa0d-00e098032b8c"

// Status is a fresh reading; it is never cached.
type Status struct {
	Supported    bool
	Enabled      bool
	FirmwareMode FirmwareMode

	// SetupMode is true when the platform key is not enrolled.
	SetupMode bool
	// ShimValidation is false when shim was told to skip signature checks.
	ShimValidation bool
	Source         string
}

// Probe reads Secure Boot state through platform interfaces.
type Probe struct {
	runner  command.Runner
	sysRoot string
	goos    string
	retries uint64
}

type Option func(*Probe)

// WithSysRoot reads efivars below root instead of /sys.
func WithSysRoot(root string) Option { return func(p *Probe) { p.sysRoot = root } }

// WithPlatform overrides runtime.GOOS.
func WithPlatform(goos string) Option { return func(p *Probe) { p.goos = goos } }

func WithRetries(n uint64) Option { return func(p *Probe) { p.retries = n } }

func NewProbe(r command.Runner, opts ...Option) *Probe {
	p := &Probe{runner: r, sysRoot: "/sys", goos: runtime.GOOS, retries: 2}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Status reads the current state, retrying transient read failures.
func (p *Probe) Status(ctx context.Context) (Status, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, p.retries), ctx)

	attempt := 0
	st, err := backoff.RetryWithData(func() (Status, error) {
		attempt++
		st, err := p.read(ctx)
		if err != nil {
			slog.Debug("secureboot_probe_failed", "attempt", attempt, "error", err)
		}
		return st, err
	}, policy)
	if err != nil {
		slog.Error("secureboot_probe_failed", "platform", p.goos, "attempts", attempt, "error", err)
		return Status{}, errors.Wrap(err, "failed to read secure boot state")
	}

	slog.Info("secureboot_status", "platform", p.goos, "mode", st.FirmwareMode,
		"supported", st.Supported, "enabled", st.Enabled, "source", st.Source)
	return st, nil
}

func (p *Probe) read(ctx context.Context) (Status, error) {
	switch p.goos {
	case "linux":
		return p.readLinux(ctx)
	case "windows":
		return p.readWindows(ctx)
	case "darwin":
		// Macs implement Apple's own boot policy, not UEFI Secure Boot.
		return Status{FirmwareMode: ModeUEFI, Source: "darwin"}, nil
	}
	return Status{}, backoff.Permanent(errors.Newf(errors.KindUnsupportedLayout, "secure boot", "unsupported platform %s", p.goos))
}

func (p *Probe) readLinux(ctx context.Context) (Status, error) {
	if _, err := os.Stat(filepath.Join(p.sysRoot, "firmware", "efi")); err != nil {
		return Status{FirmwareMode: ModeLegacy, Source: "sysfs"}, nil
	}

	st := Status{FirmwareMode: ModeUEFI, ShimValidation: true, Source: "efivars"}
	vars := filepath.Join(p.sysRoot, "firmware", "efi", "efivars")
	sb, varErr := readEFIVar(vars, "SecureBoot")
	if varErr == nil {
		st.Supported = true
		st.Enabled = sb == 1
		if sm, err := readEFIVar(vars, "SetupMode"); err == nil {
			st.SetupMode = sm == 1
		}
	}

	// mokutil also knows whether shim validation was switched off.
	if command.Available(p.runner, "mokutil") {
		out, err := p.runner.Run(ctx, "mokutil", "--sb-state")
		if mok, ok := parseMokutil(withStderr(out, err)); ok {
			if varErr != nil {
				return mok, nil
			}
			st.ShimValidation = mok.ShimValidation
			return st, nil
		}
		slog.Debug("mokutil_output_unrecognized", "output", string(out), "error", err)
	}

	switch {
	case varErr == nil:
		return st, nil
	case os.IsNotExist(varErr):
		// UEFI firmware without the variable has no Secure Boot.
		return st, nil
	}
	return Status{}, varErr
}

// readEFIVar returns the first data byte of an efivarfs variable. The file
// starts with a 4-byte attribute word.
func readEFIVar(dir, name string) (byte, error) {
	b, err := os.ReadFile(filepath.Join(dir, name+"-"+efiGlobal))
	if err != nil {
		return 0, err
	}
	if len(b) < 5 {
		return 0, errors.Newf(errors.KindInvalidImage, "efivar "+name, "short variable: %d bytes", len(b))
	}
	return b[4], nil
}

func parseMokutil(out []byte) (Status, bool) {
	text := strings.ToLower(string(out))
	st := Status{FirmwareMode: ModeUEFI, ShimValidation: true, Source: "mokutil"}
	switch {
	case strings.Contains(text, "efi variables are not supported"):
		st.FirmwareMode = ModeLegacy
		return st, true
	case strings.Contains(text, "doesn't support secure boot"):
		return st, true
	case strings.Contains(text, "secureboot enabled"):
		st.Supported, st.Enabled = true, true
	case strings.Contains(text, "secureboot disabled"):
		st.Supported = true
	default:
		return Status{}, false
	}
	st.ShimValidation = !strings.Contains(text, "validation is disabled")
	st.SetupMode = strings.Contains(text, "setup mode")
	return st, true
}

func (p *Probe) readWindows(ctx context.Context) (Status, error) {
	out, err := p.runner.Run(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", "Confirm-SecureBootUEFI")
	text := strings.ToLower(string(bytes.TrimSpace(withStderr(out, err))))
	switch {
	case text == "true":
		return Status{FirmwareMode: ModeUEFI, Supported: true, Enabled: true, Source: "Confirm-SecureBootUEFI"}, nil
	case text == "false":
		return Status{FirmwareMode: ModeUEFI, Supported: true, Source: "Confirm-SecureBootUEFI"}, nil
	case strings.Contains(text, "not supported on this platform"):
		return Status{FirmwareMode: ModeLegacy, Source: "Confirm-SecureBootUEFI"}, nil
	case strings.Contains(text, "access was denied"):
		return Status{}, backoff.Permanent(errors.Newf(errors.KindPrivilege, "Confirm-SecureBootUEFI", "administrator rights are required"))
	}
	if err != nil {
		return Status{}, errors.Wrap(err, "Confirm-SecureBootUEFI")
	}
	return Status{}, errors.Newf(errors.KindWriteFailure, "Confirm-SecureBootUEFI", "unexpected output %q", text)
}

// withStderr appends the runner's error text, which carries stderr.
func withStderr(out []byte, err error) []byte {
	if err == nil {
		return out
	}
	return append(append(out[:len(out):len(out)], '\n'), err.Error()...)
}
