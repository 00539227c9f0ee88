package tui

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-xscope-hil/internal/metrics"
	"github.com/randomizedcoder/go-xscope-hil/internal/orchestrator"
)

// =============================================================================
// Mock StatusSource
// =============================================================================

type mockStatusSource struct {
	status orchestrator.SessionStatus
	calls  int
}

func (m *mockStatusSource) Status() orchestrator.SessionStatus {
	m.calls++
	return m.status
}

func runningStatus() orchestrator.SessionStatus {
	now := time.Now()
	return orchestrator.SessionStatus{
		Run:      2,
		Runs:     5,
		Mode:     "hardware",
		Firmware: "app.xe",
		Current: orchestrator.Status{
			Phase:     orchestrator.PhaseCompanionRunning,
			Port:      40123,
			TargetPid: 1001,
			HostPid:   1002,
			Polls:     7,
			Started:   now.Add(-2 * time.Second),
			Deadline:  now.Add(18 * time.Second),
			Elapsed:   2 * time.Second,
		},
		Summary: &metrics.Summary{
			PlannedRuns: 5,
			Runs:        1,
			Outcomes:    map[string]int64{"completed": 1},
		},
		TargetLines: []string{"xscope listening"},
		HostLines:   []string{"connected"},
	}
}

// =============================================================================
// Tests: New
// =============================================================================

func TestNew(t *testing.T) {
	src := &mockStatusSource{}
	model := New(Config{
		MetricsAddr: "localhost:9090",
		Source:      src,
	})

	if model.metricsAddr != "localhost:9090" {
		t.Errorf("metricsAddr = %s, want localhost:9090", model.metricsAddr)
	}
	if model.width != 80 {
		t.Errorf("width = %d, want 80", model.width)
	}
	if model.height != 24 {
		t.Errorf("height = %d, want 24", model.height)
	}
	if !model.ShowOutput() {
		t.Error("output pane hidden by default")
	}
	if model.status != nil {
		t.Error("status set before the first tick")
	}
}

// =============================================================================
// Tests: Init
// =============================================================================

func TestModel_Init(t *testing.T) {
	model := New(Config{})
	if cmd := model.Init(); cmd == nil {
		t.Error("Init() returned nil, want tick command")
	}
}

// =============================================================================
// Tests: Update
// =============================================================================

func TestModel_Update_Quit(t *testing.T) {
	keys := []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyCtrlC},
		{Type: tea.KeyEsc},
	}

	for _, key := range keys {
		t.Run(key.String(), func(t *testing.T) {
			quits := 0
			model := New(Config{OnQuit: func() { quits++ }})

			updated, cmd := model.Update(key)
			if cmd == nil {
				t.Fatal("Update() returned nil command, want tea.Quit")
			}
			if _, ok := cmd().(tea.QuitMsg); !ok {
				t.Error("command is not tea.Quit")
			}
			if quits != 1 {
				t.Errorf("OnQuit called %d times, want 1", quits)
			}

			// A second quit key must not cancel again.
			updated.(Model).Update(key)
			if quits != 1 {
				t.Errorf("OnQuit called %d times after second key, want 1", quits)
			}
			if updated.(Model).View() != "" {
				t.Error("View() not empty after quit")
			}
		})
	}
}

func TestModel_Update_ToggleOutput(t *testing.T) {
	model := New(Config{})
	key := tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("o")}

	updated, _ := model.Update(key)
	if updated.(Model).ShowOutput() {
		t.Error("output pane still visible after toggle")
	}
	updated, _ = updated.(Model).Update(key)
	if !updated.(Model).ShowOutput() {
		t.Error("output pane hidden after second toggle")
	}
}

func TestModel_Update_Refresh(t *testing.T) {
	src := &mockStatusSource{status: runningStatus()}
	model := New(Config{Source: src})

	updated, _ := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	if src.calls != 1 {
		t.Errorf("Status() called %d times, want 1", src.calls)
	}
	if got := updated.(Model).Phase(); got != orchestrator.PhaseCompanionRunning {
		t.Errorf("Phase() = %v, want companion_running", got)
	}
}

func TestModel_Update_WindowSize(t *testing.T) {
	model := New(Config{})

	updated, _ := model.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m := updated.(Model)
	if m.width != 120 || m.height != 40 {
		t.Errorf("size = %dx%d, want 120x40", m.width, m.height)
	}
}

func TestModel_Update_Tick(t *testing.T) {
	src := &mockStatusSource{status: runningStatus()}
	model := New(Config{Source: src})

	updated, cmd := model.Update(TickMsg(time.Now()))
	if cmd == nil {
		t.Error("tick did not schedule the next tick")
	}
	if src.calls != 1 {
		t.Errorf("Status() called %d times, want 1", src.calls)
	}
	if updated.(Model).status == nil {
		t.Error("status not stored after tick")
	}
}

func TestModel_Update_TickWithoutSource(t *testing.T) {
	model := New(Config{})

	updated, cmd := model.Update(TickMsg(time.Now()))
	if cmd == nil {
		t.Error("tick did not schedule the next tick")
	}
	if updated.(Model).status != nil {
		t.Error("status set without a source")
	}
}

func TestModel_Update_QuitMsg(t *testing.T) {
	quits := 0
	model := New(Config{OnQuit: func() { quits++ }})

	_, cmd := model.Update(QuitMsg{})
	if cmd == nil {
		t.Fatal("QuitMsg did not return tea.Quit")
	}
	if quits != 0 {
		t.Error("OnQuit called for a programmatic quit")
	}
}

// =============================================================================
// Tests: Accessors
// =============================================================================

func TestModel_Phase_NoStatus(t *testing.T) {
	if got := New(Config{}).Phase(); got != orchestrator.PhaseInit {
		t.Errorf("Phase() = %v, want init", got)
	}
}

func TestModel_StartupProgress(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		current orchestrator.Status
		min     float64
		max     float64
	}{
		{
			name:    "not started",
			current: orchestrator.Status{Phase: orchestrator.PhasePortAllocated},
			min:     0, max: 0,
		},
		{
			name: "halfway",
			current: orchestrator.Status{
				Phase:    orchestrator.PhaseTargetStarting,
				Started:  now.Add(-10 * time.Second),
				Deadline: now.Add(10 * time.Second),
			},
			min: 0.45, max: 0.55,
		},
		{
			name: "past deadline",
			current: orchestrator.Status{
				Phase:    orchestrator.PhaseTargetStarting,
				Started:  now.Add(-30 * time.Second),
				Deadline: now.Add(-10 * time.Second),
			},
			min: 1, max: 1,
		},
		{
			name:    "ready",
			current: orchestrator.Status{Phase: orchestrator.PhaseTargetReady},
			min:     1, max: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &mockStatusSource{status: orchestrator.SessionStatus{Current: tt.current}}
			updated, _ := New(Config{Source: src}).Update(TickMsg(time.Now()))
			got := updated.(Model).StartupProgress()
			if got < tt.min || got > tt.max {
				t.Errorf("StartupProgress() = %v, want [%v, %v]", got, tt.min, tt.max)
			}
		})
	}
}

func TestSendQuit_NilProgram(t *testing.T) {
	// Must not panic.
	SendQuit(nil)
}

// =============================================================================
// Tests: Formatting
// =============================================================================

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{59 * time.Second, "00:00:59"},
		{61 * time.Minute, "01:01:00"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormatMs(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0 ms"},
		{500 * time.Microsecond, "500 µs"},
		{1500 * time.Millisecond, "1500 ms"},
	}
	for _, tt := range tests {
		if got := formatMs(tt.d); got != tt.want {
			t.Errorf("formatMs(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormatPid(t *testing.T) {
	if got := formatPid(0); got != "-" {
		t.Errorf("formatPid(0) = %q, want -", got)
	}
	if got := formatPid(4242); got != "4242" {
		t.Errorf("formatPid(4242) = %q, want 4242", got)
	}
}
