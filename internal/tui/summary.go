// Package tui renders the confirmation gate and job progress, either as a
// bubbletea program on a terminal or as plain lines otherwise.
package tui

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/ruuf/ruuf/pkg/job"
)

// Interactive reports whether f is a terminal a bubbletea program can own.
func Interactive(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type row struct{ label, value string }

func summaryRows(s job.Summary) []row {
	rows := []row{{"Device", s.Device.Describe()}}

	image := s.ImagePath
	if img := s.Image; img != nil {
		var details []string
		details = append(details, string(img.Family))
		if img.DetectedVersion != "" {
			details = append(details, img.DetectedVersion)
		}
		details = append(details, humanize.IBytes(uint64(img.SizeBytes)))
		image = fmt.Sprintf("%s (%s)", s.ImagePath, strings.Join(details, ", "))
	} else if s.Family != "" {
		image = fmt.Sprintf("%s (%s)", s.ImagePath, s.Family)
	}
	rows = append(rows, row{"Image", image})

	if s.Plan != nil {
		rows = append(rows, row{"Layout", s.Plan.String()})
	}
	if n := len(s.Device.MountedVolumes); n > 0 {
		rows = append(rows, row{"Mounted", fmt.Sprintf("%d volume(s) will be unmounted", n)})
	}
	return rows
}

func warning(s job.Summary) string {
	return fmt.Sprintf("ALL DATA ON %s WILL BE ERASED", s.Device.DisplayPath)
}

// Describe renders s as plain text.
func Describe(s job.Summary) string {
	var b strings.Builder
	for _, r := range summaryRows(s) {
		fmt.Fprintf(&b, "%-8s %s\n", r.label+":", r.value)
	}
	b.WriteString(warning(s))
	b.WriteString("\n")
	return b.String()
}
