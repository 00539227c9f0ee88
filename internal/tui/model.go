package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-xscope-hil/internal/orchestrator"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// StatusSource provides the session status. *orchestrator.Session
// implements it.
type StatusSource interface {
	Status() orchestrator.SessionStatus
}

// Config holds TUI configuration.
type Config struct {
	MetricsAddr string
	Source      StatusSource

	// OnQuit is called once when the operator quits the dashboard. The
	// terminal is in raw mode, so this replaces SIGINT.
	OnQuit func()
}

// Model represents the TUI state.
type Model struct {
	metricsAddr string
	source      StatusSource
	onQuit      func()

	status     *orchestrator.SessionStatus
	startTime  time.Time
	lastUpdate time.Time
	showOutput bool

	width  int
	height int

	quitting bool
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		metricsAddr: cfg.MetricsAddr,
		source:      cfg.Source,
		onQuit:      cfg.OnQuit,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		showOutput:  true,
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if !m.quitting && m.onQuit != nil {
				m.onQuit()
			}
			m.quitting = true
			return m, tea.Quit
		case "o":
			m.showOutput = !m.showOutput
			return m, nil
		case "r":
			m.refresh()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.refresh()
		return m, tickCmd()

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) refresh() {
	if m.source == nil {
		return
	}
	st := m.source.Status()
	m.status = &st
	m.lastUpdate = time.Now()
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderDashboard()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 250ms.
func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Phase returns the phase of the current run.
func (m Model) Phase() orchestrator.Phase {
	if m.status == nil {
		return orchestrator.PhaseInit
	}
	return m.status.Current.Phase
}

// StartupProgress returns how much of the startup budget the current run
// has used (0.0 to 1.0). It is 1.0 once the target is ready.
func (m Model) StartupProgress() float64 {
	if m.status == nil {
		return 0
	}
	cur := m.status.Current
	if cur.Phase >= orchestrator.PhaseTargetReady {
		return 1
	}
	if cur.Deadline.IsZero() || cur.Started.IsZero() {
		return 0
	}
	budget := cur.Deadline.Sub(cur.Started)
	if budget <= 0 {
		return 1
	}
	p := float64(time.Since(cur.Started)) / float64(budget)
	if p > 1 {
		p = 1
	}
	return p
}

// ShowOutput reports whether the output pane is visible.
func (m Model) ShowOutput() bool {
	return m.showOutput
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatMs formats a duration as milliseconds.
func formatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// formatPid formats a pid, or a dash before the process exists.
func formatPid(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d", pid)
}

func fmtPercent(p float64) string {
	return fmt.Sprintf(" %3.0f%%", p*100)
}
