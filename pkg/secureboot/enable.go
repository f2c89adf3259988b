package secureboot

import (
	"context"
	"log/slog"

	"github.com/ruuf/ruuf/pkg/command"
)

// Guidance is the outcome of an enable request.
type Guidance struct {
	Status Status

	// Attempted is true when a platform command was issued.
	Attempted bool
	// RebootRequired is true when the change takes effect on next boot.
	RebootRequired bool
	Steps          []string
}

// RequestEnable issues the platform toggle where one exists and re-reads
// the state. Otherwise it only returns manual steps.
func (p *Probe) RequestEnable(ctx context.Context) (Guidance, error) {
	st, err := p.Status(ctx)
	if err != nil {
		return Guidance{}, err
	}
	g := Guidance{Status: st}

	switch {
	case st.Enabled && st.ShimValidation:
		g.Steps = []string{"Secure Boot is already enabled. Nothing to do."}
		return g, nil

	case st.FirmwareMode == ModeLegacy:
		g.Steps = legacySteps()
		return g, nil

	case p.goos == "linux" && !st.ShimValidation && command.Available(p.runner, "mokutil"):
		slog.Info("secureboot_enable_validation_start")
		g.Attempted = true
		if _, err := p.runner.Run(ctx, "mokutil", "--enable-validation"); err != nil {
			slog.Warn("secureboot_enable_validation_failed", "error", err)
			g.Steps = append([]string{
				"Run `sudo mokutil --enable-validation` in a terminal and choose a one-time password.",
			}, mokSteps()...)
			return g, nil
		}
		g.RebootRequired = true
		g.Steps = mokSteps()
		if after, err := p.Status(ctx); err == nil {
			g.Status = after
		}
		slog.Info("secureboot_enable_validation_queued", "reboot_required", true)
		if st.Enabled {
			return g, nil
		}
		g.Steps = append(g.Steps, firmwareSteps(st)...)
		return g, nil

	case p.goos == "darwin":
		g.Steps = []string{
			"Macs use Apple's boot security policy instead of UEFI Secure Boot.",
			"Start up in macOS Recovery, open Startup Security Utility and choose Full Security.",
		}
		return g, nil
	}

	g.Steps = firmwareSteps(st)
	return g, nil
}

func legacySteps() []string {
	return []string{
		"This machine booted in legacy BIOS mode; Secure Boot needs UEFI.",
		"Enter the firmware setup (usually F2, F10, F12 or Del at power on).",
		"Set the boot mode to UEFI and disable CSM or Legacy support.",
		"The system disk must use GPT for the installed OS to keep booting. On Windows, run `mbr2gpt /convert` first.",
		"Then enable Secure Boot as described for UEFI systems.",
	}
}

func firmwareSteps(st Status) []string {
	steps := []string{
		"Enter the firmware setup (usually F2, F10, F12 or Del at power on).",
		"Open the Security or Boot tab and set Secure Boot to Enabled.",
	}
	if st.SetupMode {
		steps = append(steps, "The firmware is in Setup Mode: choose \"Restore Factory Keys\" or \"Install default Secure Boot keys\" first.")
	}
	return append(steps, "Save and exit, then run `ruuf-secureboot status` to confirm.")
}

func mokSteps() []string {
	return []string{
		"Reboot. The blue MokManager screen appears before the OS starts.",
		"Choose \"Change Secure Boot state\", enter the requested password characters and confirm.",
		"Reboot again and run `ruuf-secureboot status` to confirm.",
	}
}
