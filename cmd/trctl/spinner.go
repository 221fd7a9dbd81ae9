package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type doneMsg[T any] struct {
	val T
	err error
}

type spinnerModel[T any] struct {
	spin  spinner.Model
	label string
	run   func() (T, error)
	done  *doneMsg[T]
}

func (m *spinnerModel[T]) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, func() tea.Msg {
		v, err := m.run()
		return doneMsg[T]{val: v, err: err}
	})
}

func (m *spinnerModel[T]) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case doneMsg[T]:
		m.done = &msg
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *spinnerModel[T]) View() string {
	if m.done != nil {
		return ""
	}
	return fmt.Sprintf("%s %s...\n", m.spin.View(), m.label)
}

// withSpinner runs fn while showing a spinner on stderr. The spinner only
// appears when stderr is a terminal.
func withSpinner[T any](cmd *cobra.Command, label string, fn func() (T, error)) (T, error) {
	f, ok := cmd.ErrOrStderr().(*os.File)
	if noSpinner || !ok || !isTerminal(f) {
		return fn()
	}

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	m := &spinnerModel[T]{spin: sp, label: label, run: fn}

	p := tea.NewProgram(m, tea.WithOutput(f), tea.WithInput(nil), tea.WithContext(cmd.Context()))
	if _, err := p.Run(); err != nil {
		var zero T
		return zero, fmt.Errorf("spinner: %w", err)
	}
	if m.done == nil {
		var zero T
		return zero, fmt.Errorf("%s: interrupted", label)
	}
	return m.done.val, m.done.err
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
