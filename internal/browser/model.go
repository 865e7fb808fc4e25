// Package browser renders a history session in the terminal.
package browser

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/MarcoPoloResearchLab/edithistory/internal/history"
)

// Session is the part of a history engine the browser drives.
type Session interface {
	Key() history.SessionKey
	RequestLoadMore() bool
	RequestClose() bool
}

// StateMsg carries a published snapshot into the program.
type StateMsg struct {
	State history.LoadState
}

// DismissedMsg tells the program the session view may go away.
type DismissedMsg struct{}

type loadRequestedMsg struct {
	started bool
}

type closeRequestedMsg struct{}

// Observer forwards snapshots to send, typically (*tea.Program).Send.
func Observer(send func(tea.Msg)) history.Observer {
	return func(state history.LoadState) {
		send(StateMsg{State: state})
	}
}

// Coordinator dismisses the program when the session ends.
func Coordinator(send func(tea.Msg)) history.Coordinator {
	return history.CoordinatorFunc(func(history.SessionKey) {
		send(DismissedMsg{})
	})
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dayStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11")).MarginTop(1)
	timeStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	senderStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	originalStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("8"))
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).MarginTop(1)
)

// Model is the bubbletea model of a history browser.
type Model struct {
	session  Session
	location *time.Location

	state    history.LoadState
	sections []history.DaySection
	offset   int
	height   int
	closing  bool
}

// New returns a model for session that renders times in location (time.Local when nil).
func New(session Session, location *time.Location) Model {
	if location == nil {
		location = time.Local
	}
	return Model{session: session, location: location, state: history.LoadState{Phase: history.PhaseIdle}}
}

// Init requests the first page.
func (m Model) Init() tea.Cmd {
	return loadMore(m.session)
}

// Engine commands block until the engine publishes, so they never run inside Update.
func loadMore(session Session) tea.Cmd {
	return func() tea.Msg {
		return loadRequestedMsg{started: session.RequestLoadMore()}
	}
}

func closeSession(session Session) tea.Cmd {
	return func() tea.Msg {
		session.RequestClose()
		return closeRequestedMsg{}
	}
}

// Update applies key presses and snapshots.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.height = msg.Height
		return m, nil
	case StateMsg:
		m.state = msg.State
		if msg.State.Phase == history.PhaseLoaded {
			m.sections = msg.State.Sections
		}
		return m, nil
	case DismissedMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.closing {
		return m, nil
	}
	switch msg.String() {
	case " ", "space", "j":
		return m, loadMore(m.session)
	case "q", "esc", "ctrl+c":
		m.closing = true
		return m, closeSession(m.session)
	case "down":
		m.offset++
	case "up", "k":
		if m.offset > 0 {
			m.offset--
		}
	}
	return m, nil
}

// View renders the loaded sections with a status line.
func (m Model) View() string {
	key := m.session.Key()
	var builder strings.Builder
	builder.WriteString(titleStyle.Render(fmt.Sprintf("Edit history of %s in %s", key.MessageID, key.RoomID)))
	builder.WriteString("\n")
	builder.WriteString(m.statusLine())
	builder.WriteString("\n")

	lines := m.sectionLines()
	if m.height > 0 {
		visible := m.height - 5
		if visible < 1 {
			visible = 1
		}
		offset := min(m.offset, max(len(lines)-visible, 0))
		lines = lines[offset:min(offset+visible, len(lines))]
	}
	builder.WriteString(strings.Join(lines, "\n"))
	builder.WriteString("\n")
	builder.WriteString(helpStyle.Render("space/j load more · ↑/k ↓ scroll · q close"))
	return builder.String()
}

func (m Model) statusLine() string {
	units := 0
	for _, section := range m.sections {
		units += len(section.Units)
	}
	switch m.state.Phase {
	case history.PhaseLoading:
		return statusStyle.Render(fmt.Sprintf("loading older revisions… (%d shown)", units))
	case history.PhaseFailed:
		return errorStyle.Render(fmt.Sprintf("load failed: %v (press space to retry)", m.state.Err))
	case history.PhaseLoaded:
		if m.state.AllDataLoaded {
			return statusStyle.Render(fmt.Sprintf("%d revisions, all loaded", units))
		}
		return statusStyle.Render(fmt.Sprintf("%d revisions, %d new", units, m.state.AddedCount))
	default:
		return statusStyle.Render("nothing loaded yet")
	}
}

func (m Model) sectionLines() []string {
	var lines []string
	for _, section := range m.sections {
		day := section.Day.Time(m.location)
		lines = append(lines, dayStyle.Render(day.Format("Monday, 2 January 2006")))
		for _, unit := range section.Units {
			line := fmt.Sprintf("%s  %s  %s",
				timeStyle.Render(unit.Timestamp.In(m.location).Format("15:04:05")),
				senderStyle.Render(unit.Content.SenderID),
				unit.Content.Body)
			if unit.Original {
				line += " " + originalStyle.Render("(original)")
			}
			lines = append(lines, line)
		}
	}
	return lines
}
