package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/agentteam/internal/events"
)

// maxBlocked bounds the blocked tasks listed in the pool pane.
const maxBlocked = 20

// PoolPaneModel shows the task pool counts and blocked tasks.
type PoolPaneModel struct {
	counts  events.RunProgressEvent
	seen    bool
	blocked []string
	bar     progress.Model
	width   int
	height  int
	focused bool
}

// NewPoolPaneModel creates a new pool pane model.
func NewPoolPaneModel() PoolPaneModel {
	return PoolPaneModel{
		bar: progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

// Update handles messages for the pool pane.
func (m PoolPaneModel) Update(msg tea.Msg) (PoolPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.RunProgressEvent:
		m.counts = msg
		m.seen = true
	case events.TaskBlockedEvent:
		line := fmt.Sprintf("%s (after %s)", msg.ID, msg.Cause)
		m.blocked = append(m.blocked, line)
		if len(m.blocked) > maxBlocked {
			m.blocked = m.blocked[len(m.blocked)-maxBlocked:]
		}
	}
	return m, nil
}

// Finished reports whether the last progress snapshot had no outstanding work.
func (m PoolPaneModel) Finished() bool {
	return m.seen && m.counts.Done()
}

// View renders the pool pane.
func (m PoolPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(StyleTitle.Render("Task Pool"))
	b.WriteString("\n\n")

	if !m.seen {
		b.WriteString(StyleStatusPending.Render("No tasks yet"))
	} else {
		c := m.counts
		finished := c.Completed + c.Failed + c.Blocked
		percent := 0.0
		if c.Total > 0 {
			percent = float64(finished) / float64(c.Total)
		}
		b.WriteString(m.bar.ViewAs(percent))
		fmt.Fprintf(&b, " %d/%d\n\n", finished, c.Total)

		fmt.Fprintf(&b, "%s pending     %d\n", StyleStatusPending.Render("○"), c.Pending)
		fmt.Fprintf(&b, "%s claimed     %d\n", StyleStatusRunning.Render("◐"), c.Claimed)
		fmt.Fprintf(&b, "%s in progress %d\n", StyleStatusRunning.Render("●"), c.InProgress)
		fmt.Fprintf(&b, "%s completed   %d\n", StyleStatusComplete.Render("✓"), c.Completed)
		fmt.Fprintf(&b, "%s failed      %d\n", StyleStatusFailed.Render("✗"), c.Failed)
		fmt.Fprintf(&b, "%s blocked     %d\n", StyleStatusBlocked.Render("⊘"), c.Blocked)
	}

	if len(m.blocked) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleStatusBlocked.Render("Blocked:"))
		b.WriteString("\n")
		for _, line := range m.blocked {
			b.WriteString("  " + truncate(line, m.width-6) + "\n")
		}
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *PoolPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.bar.Width = max(w-16, 10)
}

// SetFocused updates the focus state.
func (m *PoolPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
