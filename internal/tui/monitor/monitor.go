// Package monitor is a live terminal view of a running bus: per-channel
// occupancy and flow state, dispatcher counters and transport traffic.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/iccbus/internal/bus"
	"github.com/Iron-Ham/iccbus/internal/channel"
	"github.com/Iron-Ham/iccbus/internal/errors"
)

// DefaultInterval is how often the view refreshes.
const DefaultInterval = 250 * time.Millisecond

// barWidth is the width of the occupancy gauge in cells.
const barWidth = 20

// Source provides snapshots to display.
type Source interface {
	Snapshot() bus.Snapshot
}

type tickMsg time.Time

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Model is the bubbletea model for the monitor.
type Model struct {
	src      Source
	interval time.Duration
	snap     bus.Snapshot
	showAll  bool
	paused   bool
	width    int
	updated  time.Time
}

// New creates a monitor over src refreshing every interval.
func New(src Source, interval time.Duration) Model {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return Model{
		src:      src,
		interval: interval,
		snap:     src.Snapshot(),
		updated:  time.Now(),
	}
}

// Init starts the refresh loop.
func (m Model) Init() tea.Cmd {
	return tick(m.interval)
}

// Update handles ticks, resizes and key presses.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		if !m.paused {
			m.snap = m.src.Snapshot()
			m.updated = time.Time(msg)
		}
		return m, tick(m.interval)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "a":
			m.showAll = !m.showAll
		case "p", " ":
			m.paused = !m.paused
		case "r":
			m.snap = m.src.Snapshot()
			m.updated = time.Now()
		}
	}
	return m, nil
}

// View renders the current snapshot.
func (m Model) View() string {
	var b strings.Builder

	title := "iccbus monitor"
	if m.paused {
		title += " " + warnStyle.Render("[paused]")
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")

	b.WriteString(panelStyle.Render(m.renderChannels()))
	b.WriteString("\n")
	b.WriteString(panelStyle.Render(m.renderCounters()))
	b.WriteString("\n")

	toggle := "show all"
	if m.showAll {
		toggle = "open only"
	}
	help := fmt.Sprintf("q quit · p pause · a %s · r refresh · updated %s",
		toggle, m.updated.Format("15:04:05"))
	b.WriteString(helpStyle.Render(help))
	return b.String()
}

func (m Model) renderChannels() string {
	var rows []string
	rows = append(rows, headerStyle.Render(fmt.Sprintf("%-3s %-7s %-*s %9s %-4s %-3s %9s %9s %7s",
		"ID", "STATE", barWidth+2, "QUEUE", "OCC", "FLOW", "CB", "DELIVERED", "READ", "DROPPED")))

	shown := 0
	for _, c := range m.snap.Channels {
		if !m.showAll && !c.Installed {
			continue
		}
		rows = append(rows, renderChannel(c))
		shown++
	}
	if shown == 0 {
		rows = append(rows, closedStyle.Render("no open channels"))
	}
	return strings.Join(rows, "\n")
}

func renderChannel(c channel.Stats) string {
	state := closedStyle.Render(fmt.Sprintf("%-7s", "closed"))
	if c.Installed {
		state = openStyle.Render(fmt.Sprintf("%-7s", "open"))
	}
	flow := fmt.Sprintf("%-4s", "-")
	if c.FlowBlocked {
		flow = blockedStyle.Render(fmt.Sprintf("%-4s", "BLK"))
	}
	cb := "-  "
	if c.Registered {
		cb = "yes"
	}
	occ := fmt.Sprintf("%4d/%-4d", c.Occupied, c.Capacity-1)
	return fmt.Sprintf("%-3d %s [%s] %9s %s %-3s %9d %9d %7d",
		c.ID, state, gauge(c.Occupied, c.Capacity-1), occ, flow, cb, c.Delivered, c.Read, c.Dropped)
}

// gauge draws a fixed-width occupancy bar.
func gauge(n, limit int) string {
	filled := 0
	if limit > 0 {
		filled = n * barWidth / limit
	}
	filled = min(max(filled, 0), barWidth)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	switch {
	case limit > 0 && n*4 >= limit*3:
		return blockedStyle.Render(bar)
	case limit > 0 && n*2 >= limit:
		return warnStyle.Render(bar)
	default:
		return openStyle.Render(bar)
	}
}

func (m Model) renderCounters() string {
	d := m.snap.Dispatch
	lines := []string{
		fmt.Sprintf("dispatch  drains %d  contended %d  routed %d  flow blocks %d",
			d.Drains, d.Contended, d.Routed, d.FlowBlocks),
		fmt.Sprintf("dropped   bad channel %d  not installed %d  queue full %d",
			d.DroppedBadChannel, d.DroppedUninstalled, d.DroppedQueueFull),
	}
	if t := m.snap.Transport; t != nil {
		lines = append(lines, fmt.Sprintf("transport sent %d  received %d  busy %d  pending %d",
			t.Sent, t.Received, t.Busy, t.Pending))
	}
	lines = append(lines, fmt.Sprintf("channels  open %d  queued %d  events %d",
		m.snap.OpenChannels(), m.snap.Queued(), m.snap.Events))
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// Run starts the monitor in the alternate screen and blocks until the
// user quits or ctx is done.
func Run(ctx context.Context, src Source, interval time.Duration) error {
	p := tea.NewProgram(New(src, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
