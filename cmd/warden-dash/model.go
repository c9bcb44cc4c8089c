package main

import (
	"context"
	"fmt"
	"time"

	"warden/pkg/control"
	"warden/pkg/eventlog"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// tickMsg is sent by Bubble Tea on every tick interval.
// Used to trigger periodic refresh from the status record and audit log.
type tickMsg time.Time

// snapshotMsg carries daemon and session state. nil means the state
// directory is unreadable.
type snapshotMsg *Snapshot

// eventsMsg carries the newest audit events.
type eventsMsg []eventlog.Event

// eventTableRows is how many audit events the stream panel shows.
const eventTableRows = 12

// tickCmd returns a command that sends a tickMsg after 2 seconds.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchSnapshotCmd returns a tea.Cmd that reads daemon and session state.
func fetchSnapshotCmd() tea.Cmd {
	return func() tea.Msg {
		snap, _ := fetchSnapshot(wardenHome())
		return snapshotMsg(snap)
	}
}

// fetchEventsCmd returns a tea.Cmd that reads the newest audit events.
func fetchEventsCmd() tea.Cmd {
	return func() tea.Msg {
		events, _ := fetchEvents(context.Background(), auditDBPath(), 50)
		return eventsMsg(events)
	}
}

// Model is the Bubble Tea model for the warden dashboard.
type Model struct {
	snap   *Snapshot
	events []eventlog.Event

	eventTable table.Model

	width  int
	height int

	theme  Theme
	styles Styles
}

// newModel creates a new Model with an empty event table.
func newModel() Model {
	theme := DefaultTheme()

	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Time", Width: 19},
			{Title: "Event", Width: 20},
			{Title: "Actor", Width: 10},
			{Title: "Session", Width: 14},
		}),
		table.WithHeight(eventTableRows),
		table.WithFocused(true),
	)
	ts := table.DefaultStyles()
	ts.Header = ts.Header.Bold(true).Foreground(theme.Primary)
	ts.Selected = ts.Selected.Foreground(theme.Success)
	t.SetStyles(ts)

	return Model{
		eventTable: t,
		theme:      theme,
		styles:     NewStyles(theme),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchSnapshotCmd(), fetchEventsCmd(), tickCmd())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, tea.Batch(fetchSnapshotCmd(), fetchEventsCmd())
		}
		var cmd tea.Cmd
		m.eventTable, cmd = m.eventTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case snapshotMsg:
		m.snap = (*Snapshot)(msg)

	case eventsMsg:
		m.events = []eventlog.Event(msg)
		m.eventTable.SetRows(eventRows(m.events))

	case tickMsg:
		return m, tea.Batch(fetchSnapshotCmd(), fetchEventsCmd(), tickCmd())
	}

	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	sections := []string{
		m.styles.Title.Render("warden"),
		m.renderDaemonSection(),
		m.renderSessionSection(),
		m.renderEventsSection(),
		m.styles.Help.Render("↑/↓ scroll events · r refresh · q quit"),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderDaemonSection renders the daemon liveness line.
func (m Model) renderDaemonSection() string {
	if m.snap == nil {
		return m.styles.Muted.Render("daemon: unknown")
	}
	switch m.snap.DaemonState {
	case control.StatusRunning:
		return "daemon: " + m.styles.StateRunning.Render(fmt.Sprintf("running (PID %d)", m.snap.DaemonPID))
	case control.StatusStale:
		return "daemon: " + m.styles.StateFailed.Render(fmt.Sprintf("stale PID file (PID %d)", m.snap.DaemonPID))
	default:
		return "daemon: " + m.styles.Muted.Render("stopped")
	}
}

// renderSessionSection renders the published session record.
func (m Model) renderSessionSection() string {
	title := m.styles.SectionTitle.Render("Session")
	if m.snap == nil || m.snap.Status == nil || m.snap.Status.SessionID == "" {
		return lipgloss.JoinVertical(lipgloss.Left, title, m.styles.Muted.Render("none"))
	}

	st := m.snap.Status
	lines := []string{
		title,
		fmt.Sprintf("%s  %s", st.SessionID, m.renderState(st.State)),
		fmt.Sprintf("goal:  %s", st.Goal),
		fmt.Sprintf("tasks: %d/%d completed, %d failed", st.TasksCompleted, st.TasksTotal, st.TasksFailed),
	}
	if st.UpdatedAt != "" {
		lines = append(lines, m.styles.Muted.Render("as of "+st.UpdatedAt))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// renderState colors a session state string.
func (m Model) renderState(state string) string {
	switch state {
	case "running":
		return m.styles.StateRunning.Render(state)
	case "paused":
		return m.styles.StatePaused.Render(state)
	case "failed", "cancelled":
		return m.styles.StateFailed.Render(state)
	default:
		return state
	}
}

// renderEventsSection renders the audit event stream table.
func (m Model) renderEventsSection() string {
	title := m.styles.SectionTitle.Render("Events")
	if len(m.events) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, m.styles.Muted.Render("no events"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, m.eventTable.View())
}

// eventRows converts audit events into table rows, newest first.
func eventRows(events []eventlog.Event) []table.Row {
	rows := make([]table.Row, 0, len(events))
	for _, e := range events {
		rows = append(rows, table.Row{
			e.Timestamp.Format("2006-01-02 15:04:05"),
			e.EventType,
			e.Actor,
			truncate(e.SessionID, 14),
		})
	}
	return rows
}

// truncate shortens s to max characters with an ellipsis.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}
