package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentteam/internal/events"
)

// maxLogLines bounds the activity kept per agent.
const maxLogLines = 500

// Agent statuses shown in the list.
const (
	agentIdle    = "idle"
	agentRunning = "running"
	agentStopped = "stopped"
)

// AgentInfo is the static description of one agent.
type AgentInfo struct {
	ID   string
	Role string
}

// AgentState is what the pane knows about one agent.
type AgentState struct {
	ID          string
	Role        string
	Status      string
	CurrentTask string
	Completed   int
	Failed      int
	Log         []string
}

func (a *AgentState) logf(ts time.Time, format string, args ...any) {
	if ts.IsZero() {
		ts = time.Now()
	}
	a.Log = append(a.Log, ts.Format("15:04:05")+" "+fmt.Sprintf(format, args...))
	if len(a.Log) > maxLogLines {
		a.Log = a.Log[len(a.Log)-maxLogLines:]
	}
}

// AgentPaneModel lists the agents and shows the selected agent's activity.
type AgentPaneModel struct {
	agents      map[string]*AgentState
	agentOrder  []string
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewAgentPaneModel creates a new agent pane model with the known agents.
func NewAgentPaneModel(roster []AgentInfo) AgentPaneModel {
	m := AgentPaneModel{
		agents:   make(map[string]*AgentState),
		viewport: viewport.New(0, 0),
	}
	for _, a := range roster {
		m.agent(a.ID).Role = a.Role
	}
	m.updateViewportContent()
	return m
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// agent returns the state for id, adding it when first seen.
func (m *AgentPaneModel) agent(id string) *AgentState {
	if a, ok := m.agents[id]; ok {
		return a
	}
	a := &AgentState{ID: id, Status: agentIdle}
	m.agents[id] = a
	m.agentOrder = append(m.agentOrder, id)
	return a
}

// Update handles messages for the agent pane.
func (m AgentPaneModel) Update(msg tea.Msg) (AgentPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			return m, nil
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.agentOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}
		return m, cmd

	case events.TaskClaimedEvent:
		a := m.agent(msg.Agent)
		a.Status = agentRunning
		a.CurrentTask = msg.ID
		a.logf(msg.Timestamp, "claimed %s (priority %d)", msg.ID, msg.Priority)

	case events.TaskStartedEvent:
		m.agent(msg.Agent).logf(msg.Timestamp, "started %s: %s", msg.ID, msg.Description)

	case events.WorkspacePushedEvent:
		a := m.agent(msg.Agent)
		switch {
		case msg.NoChanges:
			a.logf(msg.Timestamp, "nothing to push for %s", msg.ID)
		case msg.Retried:
			a.logf(msg.Timestamp, "pushed %s after retry", shortCommit(msg.Commit))
		default:
			a.logf(msg.Timestamp, "pushed %s", shortCommit(msg.Commit))
		}

	case events.TaskCompletedEvent:
		a := m.agent(msg.Agent)
		a.Status = agentIdle
		a.CurrentTask = ""
		a.Completed++
		a.logf(msg.Timestamp, "completed %s in %s: %s", msg.ID, msg.Duration.Round(time.Millisecond), msg.Result)

	case events.TaskFailedEvent:
		a := m.agent(msg.Agent)
		a.Status = agentIdle
		a.CurrentTask = ""
		a.Failed++
		a.logf(msg.Timestamp, "failed %s: %s", msg.ID, msg.Err)

	case events.AgentStoppedEvent:
		a := m.agent(msg.Agent)
		a.Status = agentStopped
		a.CurrentTask = ""
		a.logf(msg.Timestamp, "stopped (%s)", msg.Reason)

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
		return m, nil

	default:
		return m, nil
	}

	// Debounce redraws of the selected agent's log.
	m.updateTag++
	tag := m.updateTag
	return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

// View renders the agent pane.
func (m AgentPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 30
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderAgentList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m AgentPaneModel) renderAgentList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Agents")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.agentOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.agentOrder {
		a := m.agents[id]
		line := fmt.Sprintf("%s %s %d/%d", StatusIcon(a.Status), a.ID, a.Completed, a.Failed)
		if a.Role != "" {
			line += " " + a.Role
		}
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
		if a.CurrentTask != "" {
			b.WriteString("  " + StyleStatusRunning.Render(truncate(a.CurrentTask, width-2)) + "\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case agentRunning:
		return StyleStatusRunning.Render("●")
	case agentStopped:
		return StyleStatusComplete.Render("■")
	default:
		return StyleStatusPending.Render("○")
	}
}

// Selected returns the state of the selected agent, or nil.
func (m AgentPaneModel) Selected() *AgentState {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.agentOrder) {
		return m.agents[m.agentOrder[m.selectedIdx]]
	}
	return nil
}

func (m *AgentPaneModel) updateViewportContent() {
	a := m.Selected()
	if a == nil || len(a.Log) == 0 {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(strings.Join(a.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *AgentPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-30-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *AgentPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *AgentPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func shortCommit(c string) string {
	if len(c) > 8 {
		return c[:8]
	}
	return c
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
