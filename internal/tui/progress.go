package tui

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/job"
)

type eventMsg job.Event

type eventsClosedMsg struct{}

var cancelKey = key.NewBinding(key.WithKeys("ctrl+c", "q", "esc"), key.WithHelp("ctrl+c", "cancel"))

type progressModel struct {
	job    *job.Job
	events <-chan job.Event
	bar    progress.Model

	last       job.Event
	cancelling bool
	done       bool
}

func newProgressModel(j *job.Job) progressModel {
	return progressModel{
		job:    j,
		events: j.Events(),
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(48)),
		last:   job.Event{State: j.State()},
	}
}

func (m progressModel) next() tea.Cmd {
	events := m.events
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m progressModel) Init() tea.Cmd { return m.next() }

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		m.last = job.Event(msg)
		return m, m.next()
	case eventsClosedMsg:
		m.done = true
		return m, tea.Quit
	case tea.WindowSizeMsg:
		m.bar.Width = max(10, min(72, msg.Width-4))
		return m, nil
	case tea.KeyMsg:
		// Cancellation is a request; the view stays up until the job
		// reports its terminal state.
		if key.Matches(msg, cancelKey) && !m.cancelling {
			m.cancelling = true
			m.job.Cancel()
		}
		return m, nil
	}
	return m, nil
}

func (m progressModel) View() string {
	ev := m.last
	title := TitleStyle.Render(fmt.Sprintf("Flashing %s", m.job.Device.DisplayPath))

	status := fmt.Sprintf("%-13s %s", ev.State, ev.Step)
	switch {
	case ev.State == job.StateDone:
		status = SuccessStyle.Render("Done. The drive is ready to boot.")
	case ev.State == job.StateFailed:
		status = DangerStyle.Render(failureText(ev))
	case m.cancelling:
		status += "  " + DangerStyle.Render("cancelling…")
	}

	help := HelpStyle.Render(cancelKey.Help().Key + " " + cancelKey.Help().Desc)
	if m.done {
		help = ""
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, m.bar.ViewAs(float64(ev.Percent)/100), status, help) + "\n"
}

func failureText(ev job.Event) string {
	msg := "Failed"
	if ev.Err != nil {
		msg = fmt.Sprintf("Failed (%s): %v", errors.KindOf(ev.Err), ev.Err)
	}
	if ev.Destroyed {
		msg += "\nThe drive was erased and is not bootable."
	}
	return msg
}

// Watch shows j's progress until the job ends. Interrupt keys request
// cancellation instead of quitting.
func Watch(ctx context.Context, j *job.Job, out io.Writer) error {
	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if out != nil {
		opts = append(opts, tea.WithOutput(out))
	}
	if _, err := tea.NewProgram(newProgressModel(j), opts...).Run(); err != nil {
		return errors.Wrap(err, "progress view failed")
	}
	return nil
}

// WatchPlain prints one line per state change and per 10% of progress.
func WatchPlain(ctx context.Context, j *job.Job, out io.Writer) error {
	var state job.State
	bucket := -1
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-j.Events():
			if !ok {
				return nil
			}
			switch {
			case ev.State != state:
				state, bucket = ev.State, ev.Percent/10
				if ev.State == job.StateFailed {
					fmt.Fprintln(out, failureText(ev))
					continue
				}
				fmt.Fprintf(out, "[%s] %d%% %s\n", ev.State, ev.Percent, ev.Step)
			case ev.Percent/10 > bucket:
				bucket = ev.Percent / 10
				fmt.Fprintf(out, "[%s] %d%% %s\n", ev.State, ev.Percent, ev.Step)
			}
		}
	}
}
