package app

import (
	"context"
	"fmt"
	"io"

	"github.com/ruuf/ruuf/pkg/secureboot"
)

// CheckSecureBoot prints the current state or, with enable set, the
// outcome of an enable request. It never touches a flash job.
func CheckSecureBoot(ctx context.Context, w io.Writer, p *secureboot.Probe, enable bool) error {
	if !enable {
		st, err := p.Status(ctx)
		if err != nil {
			return err
		}
		PrintStatus(w, st)
		return nil
	}

	g, err := p.RequestEnable(ctx)
	if err != nil {
		return err
	}
	PrintGuidance(w, g)
	return nil
}

// PrintStatus renders a Secure Boot status for humans.
func PrintStatus(w io.Writer, st secureboot.Status) {
	fmt.Fprintf(w, "Firmware:     %s\n", st.FirmwareMode)
	fmt.Fprintf(w, "Supported:    %s\n", yesNo(st.Supported))
	fmt.Fprintf(w, "Secure Boot:  %s\n", onOff(st.Enabled))
	if st.SetupMode {
		fmt.Fprintln(w, "Setup Mode:   yes (no platform key enrolled)")
	}
	if st.Source != "" {
		fmt.Fprintf(w, "Source:       %s\n", st.Source)
	}
}

// PrintGuidance renders the outcome of an enable request.
func PrintGuidance(w io.Writer, g secureboot.Guidance) {
	PrintStatus(w, g.Status)
	if g.Attempted {
		fmt.Fprintln(w, "\nA change was requested from the running system.")
	}
	if len(g.Steps) > 0 {
		fmt.Fprintln(w, "\nNext steps:")
		for i, step := range g.Steps {
			fmt.Fprintf(w, "  %d. %s\n", i+1, step)
		}
	}
	if g.RebootRequired {
		fmt.Fprintln(w, "\nReboot to apply the change.")
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
