package commands

import (
	"bytes"
	"runtime"
	"strings"
	"testing"

	"github.com/ruuf/ruuf/internal/app"
	"github.com/ruuf/ruuf/pkg/command/commandtest"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/secureboot"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetOut(nil); rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func stubProbe(t *testing.T, r *commandtest.Recorder, goos string) {
	t.Helper()
	prev := newProbe
	newProbe = func() *secureboot.Probe {
		return secureboot.NewProbe(r, secureboot.WithPlatform(goos), secureboot.WithRetries(0))
	}
	t.Cleanup(func() { newProbe = prev })
}

func TestStatus(t *testing.T) {
	stubProbe(t, commandtest.New().On("powershell", "True\n", nil), "windows")

	out, err := execute(t, "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Secure Boot:  enabled") {
		t.Errorf("output:\n%s", out)
	}
}

func TestStatus_ProbeFailureExitsOne(t *testing.T) {
	stubProbe(t, commandtest.New().On("powershell", "garbled", nil), "windows")

	_, err := execute(t, "status")
	if app.ExitCode(err) != app.ExitFailure {
		t.Errorf("err = %v, want exit %d", err, app.ExitFailure)
	}
}

func TestStatus_ExtraArgsIsUsage(t *testing.T) {
	stubProbe(t, commandtest.New(), "darwin")

	_, err := execute(t, "status", "now")
	if app.ExitCode(err) != app.ExitUsage {
		t.Errorf("err = %v, want exit %d", err, app.ExitUsage)
	}
}

func TestEnable_RequiresPrivilege(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "windows" {
		t.Skip("enable only checks privilege where it issues commands")
	}
	stubProbe(t, commandtest.New(), "darwin")
	prev := checkPrivilege
	checkPrivilege = func() error { return errors.Newf(errors.KindPrivilege, "check", "not root") }
	t.Cleanup(func() { checkPrivilege = prev })

	_, err := execute(t, "enable")
	if app.ExitCode(err) != app.ExitPrivilege {
		t.Errorf("err = %v, want exit %d", err, app.ExitPrivilege)
	}
}

func TestEnable_Guidance(t *testing.T) {
	stubProbe(t, commandtest.New(), "darwin")
	prev := checkPrivilege
	checkPrivilege = func() error { return nil }
	t.Cleanup(func() { checkPrivilege = prev })

	out, err := execute(t, "enable")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Next steps:") {
		t.Errorf("output:\n%s", out)
	}
}
