// Package tui implements `portus top`, a live view of the process pool.
package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/turtacn/Portus/internal/pool"
)

const refreshInterval = time.Second

// Source is where the pool snapshot comes from, normally an admin.Client.
type Source interface {
	Pool(ctx context.Context) (pool.Snapshot, error)
}

// Model represents the Bubble Tea state.
type Model struct {
	source Source
	table  table.Model

	snap        pool.Snapshot
	err         error
	loading     bool
	lastUpdated time.Time

	width  int
	height int
}

var columns = []table.Column{
	{Title: "GROUP", Width: 24},
	{Title: "PID", Width: 8},
	{Title: "GUPID", Width: 14},
	{Title: "STATE", Width: 10},
	{Title: "SESS", Width: 5},
	{Title: "PROCESSED", Width: 10},
	{Title: "CPU", Width: 6},
	{Title: "RSS", Width: 9},
	{Title: "UPTIME", Width: 10},
}

func New(src Source) *Model {
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	st := table.DefaultStyles()
	st.Header = st.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	st.Selected = st.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(st)
	return &Model{source: src, table: t, loading: true}
}

// Run spins up the Bubble Tea program on the alternate screen.
func Run(src Source) error {
	_, err := tea.NewProgram(New(src), tea.WithAltScreen()).Run()
	return err
}

func (m *Model) Init() tea.Cmd {
	return loadCmd(m.source, true)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		if msg.Height > 6 {
			m.table.SetHeight(msg.Height - 6)
		}

	case snapshotMsg:
		m.loading = false
		m.err = nil
		m.snap = msg.snap
		m.table.SetRows(rows(msg.snap))
		m.lastUpdated = time.Now()
		return m, nextTick(msg.scheduled)

	case errMsg:
		m.loading = false
		m.err = msg.err
		return m, nextTick(msg.scheduled)

	case tickMsg:
		return m, loadCmd(m.source, true)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			m.loading = true
			return m, loadCmd(m.source, false)
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf(
		"portus top  capacity %d/%d  processes %d  queued %d  groups %d",
		m.snap.CapacityUsed, m.snap.Max, m.snap.ProcessCount, m.snap.Waitlist, len(m.snap.Groups))))
	b.WriteByte('\n')

	switch {
	case m.err != nil:
		b.WriteString(errStyle.Render("Error: " + m.err.Error()))
		b.WriteByte('\n')
	case m.loading && m.lastUpdated.IsZero():
		b.WriteString("Loading pool…\n")
	}

	b.WriteString(boxStyle.Render(m.table.View()))
	b.WriteByte('\n')

	help := "q quit • r refresh • ↑/↓ move"
	if !m.lastUpdated.IsZero() {
		help += " • last update " + m.lastUpdated.Format(time.TimeOnly)
	}
	b.WriteString(helpStyle.Render(help))
	return b.String()
}

func rows(snap pool.Snapshot) []table.Row {
	var out []table.Row
	for _, g := range snap.Groups {
		if len(g.Processes) == 0 {
			out = append(out, table.Row{g.Name, "-", "-", g.LifeStatus, "0", "0", "-", "-", "-"})
			continue
		}
		for _, p := range g.Processes {
			out = append(out, table.Row{
				g.Name,
				strconv.Itoa(p.PID),
				shorten(p.Gupid, 14),
				p.Enabled,
				strconv.Itoa(p.Sessions),
				strconv.FormatUint(p.Processed, 10),
				fmt.Sprintf("%.0f%%", p.Metrics.CPUPercent),
				humanBytes(p.Metrics.RSS),
				p.Uptime,
			})
		}
	}
	return out
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatUint(n, 10) + "B"
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Only scheduled loads schedule the next one, so a manual refresh does not
// start a second polling loop.
type snapshotMsg struct {
	snap      pool.Snapshot
	scheduled bool
}

type errMsg struct {
	err       error
	scheduled bool
}

type tickMsg time.Time

func loadCmd(src Source, scheduled bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()
		snap, err := src.Pool(ctx)
		if err != nil {
			return errMsg{err: err, scheduled: scheduled}
		}
		return snapshotMsg{snap: snap, scheduled: scheduled}
	}
}

func nextTick(scheduled bool) tea.Cmd {
	if !scheduled {
		return nil
	}
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Personal.AI order the ending
