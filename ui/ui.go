// Package ui renders a live status dashboard for the build loop.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/ZacxDev/buildloop/executor"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/exp/slices"

	tea "github.com/charmbracelet/bubbletea"
)

type model struct {
	viewport      viewport.Model
	logView       viewport.Model
	statuses      executor.StatusManager
	names         []string
	selectedIdx   int
	showingLogs   bool
	logAutoscroll bool
	done          bool
}

func newModel(statuses executor.StatusManager, names []string) *model {
	sorted := append([]string(nil), names...)
	slices.Sort(sorted)
	return &model{
		viewport:      viewport.New(160, 40),
		logView:       viewport.New(160, 20),
		statuses:      statuses,
		names:         sorted,
		logAutoscroll: true,
	}
}

func (m *model) Init() tea.Cmd {
	return tickCmd()
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.done = true
			return m, tea.Quit
		case "up", "k":
			if !m.showingLogs {
				m.selectedIdx = (m.selectedIdx - 1 + len(m.names)) % len(m.names)
			} else {
				m.logAutoscroll = false
				m.logView, cmd = m.logView.Update(msg)
				cmds = append(cmds, cmd)
			}
		case "down", "j":
			if !m.showingLogs {
				m.selectedIdx = (m.selectedIdx + 1) % len(m.names)
			} else {
				m.logView, cmd = m.logView.Update(msg)
				cmds = append(cmds, cmd)
			}
		case "enter", " ":
			m.showingLogs = !m.showingLogs
			if m.showingLogs {
				m.logAutoscroll = true
			}
		case "esc":
			m.showingLogs = false
		}
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 1
		m.logView.Width = msg.Width
		m.logView.Height = msg.Height / 2
		return m, nil
	case tickMsg:
		if !m.done {
			cmds = append(cmds, tickCmd())
		}
	}

	m.viewport.SetContent(m.statusView())
	if m.showingLogs {
		m.updateLogView()
	}
	return m, tea.Batch(cmds...)
}

func (m *model) View() string {
	if m.done {
		return "Exiting...\n"
	}
	var sb strings.Builder
	sb.WriteString(m.viewport.View())
	if m.showingLogs {
		sb.WriteString("\n\nOutput:\n")
		sb.WriteString(m.logView.View())
	}
	sb.WriteString("\n\033[1mPress q to quit, enter/space to toggle logs, up/down or j/k to navigate\033[0m")
	return sb.String()
}

func (m *model) statusView() string {
	snapshot := m.statuses.Snapshot()

	var sb strings.Builder
	sb.WriteString("buildloop status\n\n")

	for i, name := range m.names {
		status, ok := snapshot[name]
		if !ok {
			continue
		}

		var duration time.Duration
		if !status.EndTime.IsZero() {
			duration = status.EndTime.Sub(status.StartTime)
		} else if !status.StartTime.IsZero() {
			duration = time.Since(status.StartTime)
		}

		statusColor := lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
		switch status.Status {
		case executor.StatusBuilt:
			statusColor = statusColor.Foreground(lipgloss.Color("82"))
		case executor.StatusFailed:
			statusColor = statusColor.Foreground(lipgloss.Color("160"))
		case executor.StatusSkipped:
			statusColor = statusColor.Foreground(lipgloss.Color("243"))
		}

		prefix := "  "
		if i == m.selectedIdx {
			prefix = "> "
		}

		sb.WriteString(fmt.Sprintf(
			"%s%-20s | %-10s | %-10s\n",
			prefix,
			name,
			statusColor.Render(status.Status),
			duration.Round(time.Millisecond),
		))
	}

	return sb.String()
}

func (m *model) updateLogView() {
	if m.selectedIdx >= len(m.names) {
		return
	}
	selected := m.names[m.selectedIdx]
	status, ok := m.statuses.Snapshot()[selected]
	if !ok {
		return
	}

	content := strings.Join(status.LogLines, "\n")
	if content == "" {
		content = "This target has not produced output yet"
	}
	m.logView.SetContent(content)
	if m.logAutoscroll {
		m.logView.GotoBottom()
	}
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*100, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Run displays the dashboard until quit is requested or done is closed.
func Run(statuses executor.StatusManager, names []string, done <-chan struct{}) error {
	p := tea.NewProgram(newModel(statuses, names))
	go func() {
		<-done
		p.Quit()
	}()
	_, err := p.Run()
	return err
}
