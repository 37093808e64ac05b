// Package tui renders a live view of a run from the orchestrator event bus.
package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentteam/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneAgents PaneID = iota
	PanePool
	paneCount
)

// busClosedMsg is sent once the event bus has been closed.
type busClosedMsg struct{}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	agentPane   AgentPaneModel
	poolPane    PoolPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	width       int
	height      int
	quitting    bool
	closed      bool
}

// New creates a new TUI model for the given agents.
// It subscribes to all events from the event bus using SubscribeAll.
func New(eventBus *events.EventBus, agents []AgentInfo) Model {
	m := Model{
		agentPane:   NewAgentPaneModel(agents),
		poolPane:    NewPoolPaneModel(),
		focusedPane: PaneAgents,
		eventSub:    eventBus.SubscribeAll(256),
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneAgents
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PanePool
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneAgents {
				var cmd tea.Cmd
				m.agentPane, cmd = m.agentPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case tickMsg:
		var cmd tea.Cmd
		m.agentPane, cmd = m.agentPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.TaskClaimedEvent, events.TaskStartedEvent, events.TaskCompletedEvent,
		events.TaskFailedEvent, events.WorkspacePushedEvent, events.AgentStoppedEvent:
		var cmd tea.Cmd
		m.agentPane, cmd = m.agentPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.RunProgressEvent, events.TaskBlockedEvent:
		var cmd tea.Cmd
		m.poolPane, cmd = m.poolPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.Event:
		// Unknown event type, keep listening
		cmds = append(cmds, waitForEvent(m.eventSub))

	case busClosedMsg:
		m.closed = true
	}

	return m, tea.Batch(cmds...)
}

// Finished reports whether the run has ended from the TUI's point of view.
func (m Model) Finished() bool {
	return m.closed || m.poolPane.Finished()
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.agentPane.View(), m.poolPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView(m.Finished()))
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	availableHeight := m.height - 1 // help bar

	m.agentPane.SetSize(leftWidth, availableHeight)
	m.poolPane.SetSize(m.width-leftWidth, availableHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.agentPane.SetFocused(m.focusedPane == PaneAgents)
	m.poolPane.SetFocused(m.focusedPane == PanePool)
}
