package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("237"))
	activeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	idleStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type pollMsg struct {
	snap snapshot
	err  error
}

type tickMsg time.Time

type actionMsg struct{ err error }

// service is what the dashboard needs from the API.
type service interface {
	poll(ctx context.Context) (snapshot, error)
	setGuard(ctx context.Context, tabID string, enable bool) error
}

type model struct {
	svc      service
	interval time.Duration

	snap     snapshot
	cursor   int
	err      error
	lastPoll time.Time
	width    int
}

func newModel(svc service, interval time.Duration) model {
	return model{svc: svc, interval: interval}
}

func (m model) Init() tea.Cmd {
	return m.pollCmd()
}

func (m model) pollCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.interval)
		defer cancel()
		snap, err := m.svc.poll(ctx)
		return pollMsg{snap: snap, err: err}
	}
}

func (m model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case pollMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			sort.Slice(m.snap.tabs, func(i, j int) bool {
				return m.snap.tabs[i].CreatedAt.Before(m.snap.tabs[j].CreatedAt)
			})
			m.lastPoll = time.Now()
		}
		if m.cursor >= len(m.snap.tabs) {
			m.cursor = max(len(m.snap.tabs)-1, 0)
		}
		return m, m.tickCmd()

	case tickMsg:
		return m, m.pollCmd()

	case actionMsg:
		m.err = msg.err
		return m, m.pollCmd()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.snap.tabs)-1 {
			m.cursor++
		}
	case "r":
		return m, m.pollCmd()
	case "e", "d":
		if len(m.snap.tabs) == 0 {
			return m, nil
		}
		id := m.snap.tabs[m.cursor].ID
		enable := msg.String() == "e"
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return actionMsg{err: m.svc.setGuard(ctx, id, enable)}
		}
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("popguard"))
	if !m.lastPoll.IsZero() {
		b.WriteString(helpStyle.Render("  updated " + m.lastPoll.Format("15:04:05")))
	}
	b.WriteString("\n\n")

	if len(m.snap.tabs) == 0 {
		b.WriteString(idleStyle.Render("No open tabs."))
		b.WriteString("\n")
	} else {
		b.WriteString(headerStyle.Render(fmt.Sprintf("%-10s %-28s %-10s %10s  %s", "TAB", "DOMAIN", "GUARD", "BLOCKED", "BY KIND")))
		b.WriteString("\n")
		for i, t := range m.snap.tabs {
			row := m.row(t.ID, t.Domain, t.Guard)
			if i == m.cursor {
				row = selectedStyle.Render(row)
			}
			b.WriteString(row)
			b.WriteString("\n")
		}
	}

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓ select • e enable • d disable • r refresh • q quit"))
	return b.String()
}

func (m model) row(id, domain, guard string) string {
	gs, ok := m.snap.guards[id]
	state := guard
	var blocked int64
	var kinds string
	if ok {
		state = gs.State
		blocked = gs.Suppressed
		kinds = formatKinds(gs.ByKind)
		if gs.Whitelisted {
			state += "*"
		}
	}

	stateCell := fmt.Sprintf("%-10s", state)
	if strings.HasPrefix(state, "active") {
		stateCell = activeStyle.Render(stateCell)
	} else {
		stateCell = idleStyle.Render(stateCell)
	}
	return fmt.Sprintf("%-10s %-28s %s %10d  %s", shortID(id), truncate(domain, 28), stateCell, blocked, kinds)
}

func formatKinds(byKind map[string]int64) string {
	if len(byKind) == 0 {
		return ""
	}
	keys := make([]string, 0, len(byKind))
	for k := range byKind {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, byKind[k]))
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
