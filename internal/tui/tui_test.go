package tui

import (
	"bytes"
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ruuf/ruuf/pkg/device"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/image"
	"github.com/ruuf/ruuf/pkg/job"
	"github.com/ruuf/ruuf/pkg/partition"
)

func testSummary() job.Summary {
	return job.Summary{
		Device:    device.Device{ID: "usb-1", DisplayPath: "/dev/sdb", SizeBytes: 32 << 30, Vendor: "SanDisk", Model: "Ultra", IsRemovable: true},
		ImagePath: "Win11_23H2.iso",
		Family:    image.FamilyWindows,
		Image:     &image.SourceImage{Path: "Win11_23H2.iso", Family: image.FamilyWindows, SizeBytes: 6 << 30, DetectedVersion: "11"},
		Plan: &partition.Plan{
			Scheme: partition.SchemeGPT,
			Family: image.FamilyWindows,
			Partitions: []partition.Partition{
				{Role: partition.RoleESP, Filesystem: partition.FAT32, SizeBytes: 260 * partition.MiB},
				{Role: partition.RoleData, Filesystem: partition.NTFS, Remaining: true},
			},
		},
	}
}

func runes(r string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(r)}
}

func TestConfirmModel(t *testing.T) {
	tests := []struct {
		name string
		msg  tea.KeyMsg
		want bool
	}{
		{"y confirms", runes("y"), true},
		{"n declines", runes("n"), false},
		{"esc declines", tea.KeyMsg{Type: tea.KeyEsc}, false},
		{"ctrl+c declines", tea.KeyMsg{Type: tea.KeyCtrlC}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newConfirmModel(testSummary())
			next, cmd := m.Update(tt.msg)
			got := next.(confirmModel)
			if !got.done || got.confirmed != tt.want {
				t.Errorf("done=%v confirmed=%v, want confirmed=%v", got.done, got.confirmed, tt.want)
			}
			if cmd == nil {
				t.Error("expected quit command")
			}
		})
	}
}

func TestConfirmModel_IgnoresOtherKeys(t *testing.T) {
	m := newConfirmModel(testSummary())
	next, cmd := m.Update(runes("x"))
	if next.(confirmModel).done || cmd != nil {
		t.Error("unrelated key should not settle the prompt")
	}
}

func TestConfirmModel_View(t *testing.T) {
	view := newConfirmModel(testSummary()).View()
	for _, want := range []string{"/dev/sdb", "SanDisk Ultra", "Win11_23H2.iso", "gpt", "ALL DATA ON /dev/sdb WILL BE ERASED"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestPromptGate(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"yes\n", true},
		{"Y\n", true},
		{"no\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		g := PromptGate{In: strings.NewReader(tt.input), Out: &out}
		got, err := g.Confirm(context.Background(), testSummary())
		if err != nil {
			t.Fatalf("%q: %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("%q: confirmed = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "WILL BE ERASED") {
			t.Error("prompt did not show the warning")
		}
	}
}

func TestAutoGateMintsToken(t *testing.T) {
	tok, err := job.RequestConfirmation(context.Background(), AutoGate, testSummary())
	if err != nil || !tok.Valid() {
		t.Fatalf("token = %v, err = %v", tok, err)
	}
}

func TestProgressModel_CancelKeepsRunning(t *testing.T) {
	j := job.New(testSummary().Device, "x.iso", image.FamilyLinux)
	m := newProgressModel(j)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd != nil {
		t.Error("cancel must not quit the view")
	}
	if !next.(progressModel).cancelling || !j.CancelRequested() {
		t.Error("cancel key did not request cancellation")
	}

	_, cmd = next.Update(eventsClosedMsg{})
	if cmd == nil {
		t.Error("closed event stream should quit")
	}
}

func TestProgressModel_FailureView(t *testing.T) {
	j := job.New(testSummary().Device, "x.iso", image.FamilyLinux)
	m := newProgressModel(j)
	next, _ := m.Update(eventMsg{
		State:     job.StateFailed,
		Err:       errors.Newf(errors.KindWriteFailure, "copy", "short write"),
		Destroyed: true,
	})
	view := next.View()
	if !strings.Contains(view, "write_failure") || !strings.Contains(view, "not bootable") {
		t.Errorf("view = %s", view)
	}
}

func TestWatchPlain(t *testing.T) {
	j := job.New(testSummary().Device, "x.iso", image.FamilyLinux)
	for p := 0; p <= 100; p += 5 {
		j.Progress(p, "writing image")
	}
	j.Fail(context.Background(), errors.Newf(errors.KindInvalidImage, "classify", "not an image"))

	var out bytes.Buffer
	if err := WatchPlain(context.Background(), j, &out); err != nil {
		t.Fatal(err)
	}
	text := out.String()
	if strings.Count(text, "writing image") != 11 {
		t.Errorf("expected one line per 10%%:\n%s", text)
	}
	if !strings.Contains(text, "invalid_image") {
		t.Errorf("failure not reported:\n%s", text)
	}
}

func TestDescribe(t *testing.T) {
	text := Describe(testSummary())
	for _, want := range []string{"Device:", "Image:", "windows, 11, 6.0 GiB", "Layout:"} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in:\n%s", want, text)
		}
	}
}
