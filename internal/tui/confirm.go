package tui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/job"
)

type confirmKeys struct {
	Yes key.Binding
	No  key.Binding
}

var defaultConfirmKeys = confirmKeys{
	Yes: key.NewBinding(key.WithKeys("y", "Y"), key.WithHelp("y", "erase and flash")),
	No:  key.NewBinding(key.WithKeys("n", "N", "q", "esc", "ctrl+c"), key.WithHelp("n", "abort")),
}

// confirmModel asks one yes/no question. Anything but y declines.
type confirmModel struct {
	summary   job.Summary
	keys      confirmKeys
	confirmed bool
	done      bool
}

func newConfirmModel(s job.Summary) confirmModel {
	return confirmModel{summary: s, keys: defaultConfirmKeys}
}

func (m confirmModel) Init() tea.Cmd { return nil }

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch {
		case key.Matches(msg, m.keys.Yes):
			m.confirmed, m.done = true, true
			return m, tea.Quit
		case key.Matches(msg, m.keys.No):
			m.done = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m confirmModel) View() string {
	if m.done {
		return ""
	}

	var lines []string
	for _, r := range summaryRows(m.summary) {
		lines = append(lines, LabelStyle.Render(r.label)+" "+r.value)
	}
	lines = append(lines, "", DangerStyle.Render(warning(m.summary)))

	help := fmt.Sprintf("%s %s  •  %s %s",
		m.keys.Yes.Help().Key, m.keys.Yes.Help().Desc,
		m.keys.No.Help().Key, m.keys.No.Help().Desc)

	return lipgloss.JoinVertical(lipgloss.Left,
		TitleStyle.Render("Create bootable USB"),
		BoxStyle.Render(strings.Join(lines, "\n")),
		HelpStyle.Render(help),
	) + "\n"
}

// Gate is the interactive confirmation gate.
type Gate struct {
	In  io.Reader
	Out io.Writer
}

func (g Gate) Confirm(ctx context.Context, s job.Summary) (bool, error) {
	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if g.In != nil {
		opts = append(opts, tea.WithInput(g.In))
	}
	if g.Out != nil {
		opts = append(opts, tea.WithOutput(g.Out))
	}

	final, err := tea.NewProgram(newConfirmModel(s), opts...).Run()
	if err != nil {
		return false, errors.Wrap(err, "confirmation prompt failed")
	}
	m, ok := final.(confirmModel)
	return ok && m.confirmed, nil
}

// PromptGate asks on a line-oriented stream. Only "yes" or "y" affirms.
type PromptGate struct {
	In  io.Reader
	Out io.Writer
}

func (g PromptGate) Confirm(ctx context.Context, s job.Summary) (bool, error) {
	fmt.Fprint(g.Out, Describe(s))
	fmt.Fprintf(g.Out, "Type yes to continue: ")

	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(g.In).ReadString('\n')
		answer <- strings.ToLower(strings.TrimSpace(line))
	}()

	select {
	case a := <-answer:
		return a == "yes" || a == "y", nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// AutoGate affirms without asking, for --yes.
var AutoGate = job.GateFunc(func(context.Context, job.Summary) (bool, error) { return true, nil })
