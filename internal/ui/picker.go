// Package ui holds the interactive terminal pieces of the CLI. The picker
// runs only when a negotiation offers more than one connect user.
package ui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}).
			MarginLeft(2)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)

	itemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			MarginLeft(2)
)

type pickerModel struct {
	host    string
	options []string
	cursor  int
	choice  string
	aborted bool
}

func (m pickerModel) Init() tea.Cmd {
	return nil
}

func (m pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.options)-1 {
				m.cursor++
			}
		case "enter":
			m.choice = m.options[m.cursor]
			return m, tea.Quit
		case "q", "esc", "ctrl+c":
			m.aborted = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m pickerModel) View() string {
	s := titleStyle.Render(fmt.Sprintf("Connect to %s as:", m.host)) + "\n\n"
	for i, opt := range m.options {
		if i == m.cursor {
			s += selectedStyle.Render("  > "+opt) + "\n"
		} else {
			s += itemStyle.Render("    "+opt) + "\n"
		}
	}
	s += "\n" + hintStyle.Render("enter: select • q/esc: cancel") + "\n"
	return s
}

// PickConnectUser shows an interactive list of connect users and returns
// the chosen one. An empty string means the operator cancelled.
func PickConnectUser(ctx context.Context, hostName string, options []string) (string, error) {
	if len(options) == 1 {
		return options[0], nil
	}

	m := pickerModel{host: hostName, options: options}
	p := tea.NewProgram(m, tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil {
		return "", fmt.Errorf("connect user picker: %w", err)
	}

	result := final.(pickerModel)
	if result.aborted {
		return "", nil
	}
	return result.choice, nil
}
