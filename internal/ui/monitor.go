package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bnema/westeros/internal/surface"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ShellClient is the part of the shell socket client the monitor uses.
type ShellClient interface {
	List() ([]surface.Status, error)
	SetVisible(id uint32, visible bool) error
	SetOpacity(id uint32, opacity float32) error
	Focus(id uint32) (uint32, error)
}

type surfacesMsg struct {
	surfaces []surface.Status
	err      error
}

type pollMsg struct{}

type focusMsg struct {
	focus uint32
	err   error
}

type actionMsg struct{ err error }

// MonitorModel shows the surfaces of a running compositor and lets the
// user toggle visibility, fade and focus them.
type MonitorModel struct {
	display  string
	client   ShellClient
	interval time.Duration
	spinner  spinner.Model

	surfaces []surface.Status
	selected int
	focus    uint32
	err      error
	updated  time.Time
	width    int
}

// NewMonitorModel creates a monitor polling client every interval.
func NewMonitorModel(display string, client ShellClient, interval time.Duration) *MonitorModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &MonitorModel{
		display:  display,
		client:   client,
		interval: interval,
		spinner:  s,
	}
}

func (m *MonitorModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll)
}

func (m *MonitorModel) poll() tea.Msg {
	surfaces, err := m.client.List()
	return surfacesMsg{surfaces: surfaces, err: err}
}

func (m *MonitorModel) schedule() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return pollMsg{} })
}

func (m *MonitorModel) current() (surface.Status, bool) {
	if m.selected < 0 || m.selected >= len(m.surfaces) {
		return surface.Status{}, false
	}
	return m.surfaces[m.selected], true
}

func (m *MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m, m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case surfacesMsg:
		m.err = msg.err
		if msg.err == nil {
			m.surfaces = msg.surfaces
			m.updated = time.Now()
			if m.selected >= len(m.surfaces) {
				m.selected = len(m.surfaces) - 1
			}
			if m.selected < 0 && len(m.surfaces) > 0 {
				m.selected = 0
			}
		}
		return m, m.schedule()

	case pollMsg:
		return m, m.poll

	case focusMsg:
		m.err = msg.err
		if msg.err == nil {
			m.focus = msg.focus
		}

	case actionMsg:
		m.err = msg.err
		return m, m.poll

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *MonitorModel) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return tea.Quit
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(m.surfaces)-1 {
			m.selected++
		}
	case "r":
		return m.poll
	case "v":
		if s, ok := m.current(); ok {
			return func() tea.Msg { return actionMsg{err: m.client.SetVisible(s.ID, !s.Visible)} }
		}
	case "+", "-":
		if s, ok := m.current(); ok {
			opacity := s.Opacity + 0.1
			if msg.String() == "-" {
				opacity = s.Opacity - 0.1
			}
			opacity = max(0, min(1, opacity))
			return func() tea.Msg { return actionMsg{err: m.client.SetOpacity(s.ID, opacity)} }
		}
	case "f", "enter":
		if s, ok := m.current(); ok {
			return func() tea.Msg {
				focus, err := m.client.Focus(s.ID)
				return focusMsg{focus: focus, err: err}
			}
		}
	}
	return nil
}

func (m *MonitorModel) View() string {
	var b strings.Builder
	b.WriteString(FormatAppHeader("monitor", m.display))
	b.WriteString(" ")
	b.WriteString(m.spinner.View())
	b.WriteString("\n\n")

	if len(m.surfaces) == 0 {
		b.WriteString(SubtleStyle.Render("No surfaces"))
	} else {
		b.WriteString(SurfaceTable(m.surfaces, m.selected, m.focus))
	}
	b.WriteString("\n")

	status := SubtleStyle.Render(fmt.Sprintf("%d surface(s)", len(m.surfaces)))
	if !m.updated.IsZero() {
		status += SubtleStyle.Render(" · updated " + m.updated.Format("15:04:05"))
	}
	if m.err != nil {
		status = FormatError(m.err)
	}
	b.WriteString(status)
	b.WriteString("\n\n")

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		FormatControl("↑/↓", "select"), "  ",
		FormatControl("v", "visible"), "  ",
		FormatControl("+/-", "opacity"), "  ",
		FormatControl("f", "focus"), "  ",
		FormatControl("q", "quit"),
	))
	return b.String()
}

// Selected returns the id of the highlighted surface, 0 if none.
func (m *MonitorModel) Selected() uint32 {
	s, _ := m.current()
	return s.ID
}

// Run runs model until it quits or ctx is cancelled.
func Run(ctx context.Context, model tea.Model, opts ...tea.ProgramOption) error {
	p := tea.NewProgram(model, append(opts, tea.WithContext(ctx))...)
	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
