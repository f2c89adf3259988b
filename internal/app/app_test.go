package app

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/ruuf/ruuf/pkg/command/commandtest"
	"github.com/ruuf/ruuf/pkg/device"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/image"
	"github.com/ruuf/ruuf/pkg/job"
	"github.com/ruuf/ruuf/pkg/secureboot"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, ExitOK},
		{"usage", Usagef("--iso and --distro are mutually exclusive"), ExitUsage},
		{"wrapped usage", fmt.Errorf("linux: %w", Usage(fmt.Errorf("bad flag"))), ExitUsage},
		{"privilege", errors.Newf(errors.KindPrivilege, "check", "not root"), ExitPrivilege},
		{"wrapped privilege", errors.Wrap(errors.Newf(errors.KindPrivilege, "check", "not root"), "flash"), ExitPrivilege},
		{"write failure", errors.Newf(errors.KindWriteFailure, "copy", "short write"), ExitFailure},
		{"not confirmed", errors.Newf(errors.KindNotConfirmed, "confirm", "declined"), ExitFailure},
		{"plain", fmt.Errorf("boom"), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestUsageNil(t *testing.T) {
	if Usage(nil) != nil {
		t.Error("Usage(nil) should be nil")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupLogging_JSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	SetupLogging(&buf, "debug", true)
	slog.Debug("job_submit", "device", "/dev/sdb")

	if !strings.Contains(buf.String(), `"msg":"job_submit"`) {
		t.Errorf("expected JSON output, got %q", buf.String())
	}
}

func TestReport(t *testing.T) {
	dev := device.Device{ID: "usb-1", DisplayPath: "/dev/sdb", SizeBytes: 16 << 30, IsRemovable: true}

	failed := job.New(dev, "distro.iso", image.FamilyLinux)
	failed.MarkDestroyed()
	failed.Fail(context.Background(), errors.Newf(errors.KindVerifyFailure, "verify", "digest mismatch"))

	untouched := job.New(dev, "distro.iso", image.FamilyLinux)
	untouched.Fail(context.Background(), errors.Newf(errors.KindInvalidImage, "classify", "not an image"))

	tests := []struct {
		name string
		j    *job.Job
		want []string
	}{
		{"destroyed", failed, []string{"verify_failure", "not bootable"}},
		{"untouched", untouched, []string{"invalid_image", "was not modified"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			Report(&buf, tt.j)
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("report missing %q:\n%s", want, buf.String())
				}
			}
		})
	}
}

func TestFlash_PrivilegeCheckedFirst(t *testing.T) {
	rt := &Runtime{Privilege: func() error { return errors.Newf(errors.KindPrivilege, "check", "not root") }}

	_, err := rt.Flash(context.Background(), FlashOptions{Device: "/dev/sdb", ImagePath: "x.iso", Yes: true})
	if ExitCode(err) != ExitPrivilege {
		t.Fatalf("err = %v, want privilege error", err)
	}
}

func TestFlashOptions_Gate(t *testing.T) {
	if _, ok := (FlashOptions{Yes: true}).gate().(job.GateFunc); !ok {
		t.Error("--yes should select the automatic gate")
	}
	if (FlashOptions{}).gate() != nil {
		t.Error("no input and no --yes should leave no gate")
	}
}

func TestPrintGuidance(t *testing.T) {
	var buf bytes.Buffer
	PrintGuidance(&buf, secureboot.Guidance{
		Status:         secureboot.Status{FirmwareMode: secureboot.ModeUEFI, Supported: true},
		RebootRequired: true,
		Steps:          []string{"Enter firmware setup", "Enable Secure Boot"},
	})
	out := buf.String()
	for _, want := range []string{"Secure Boot:  disabled", "1. Enter firmware setup", "Reboot"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q:\n%s", want, out)
		}
	}
}

func TestCheckSecureBoot(t *testing.T) {
	darwin := secureboot.NewProbe(commandtest.New(), secureboot.WithPlatform("darwin"))

	var buf bytes.Buffer
	if err := CheckSecureBoot(context.Background(), &buf, darwin, false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Firmware:     uefi") {
		t.Errorf("status output:\n%s", buf.String())
	}

	buf.Reset()
	if err := CheckSecureBoot(context.Background(), &buf, darwin, true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Startup Security Utility") {
		t.Errorf("guidance output:\n%s", buf.String())
	}
}

func TestCheckSecureBoot_AccessDenied(t *testing.T) {
	runner := commandtest.New().On("powershell", "", fmt.Errorf("Confirm-SecureBootUEFI: Access was denied"))
	probe := secureboot.NewProbe(runner, secureboot.WithPlatform("windows"), secureboot.WithRetries(0))

	err := CheckSecureBoot(context.Background(), &bytes.Buffer{}, probe, false)
	if ExitCode(err) != ExitPrivilege {
		t.Fatalf("err = %v, want privilege exit code", err)
	}
}
