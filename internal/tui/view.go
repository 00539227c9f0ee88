package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-xscope-hil/internal/orchestrator"
)

// outputPaneLines is how many lines of each child's output are shown.
const outputPaneLines = 8

// =============================================================================
// Main View Rendering
// =============================================================================

// renderDashboard renders the run dashboard.
func (m Model) renderDashboard() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderRun())

	if m.status != nil && m.status.Summary != nil && m.status.Summary.Runs > 0 {
		sections = append(sections, m.renderSession())
	}

	if m.showOutput && m.status != nil {
		sections = append(sections, m.renderOutput())
	}

	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	run, runs, mode := 0, 0, "-"
	if m.status != nil {
		run, runs, mode = m.status.Run, m.status.Runs, m.status.Mode
	}

	header := fmt.Sprintf(
		" go-xscope-hil │ %s │ Run: %d/%d │ Elapsed: %s ",
		mode,
		run,
		runs,
		formatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Current Run
// =============================================================================

func (m Model) renderRun() string {
	if m.status == nil {
		content := lipgloss.JoinVertical(lipgloss.Left,
			sectionHeaderStyle.Render("Current Run"),
			mutedStyle.Render("Waiting for the first run..."),
		)
		return boxStyle.Width(m.width - 2).Render(content)
	}

	cur := m.status.Current
	portValue := "-"
	if cur.Port > 0 {
		portValue = fmt.Sprintf("%d", cur.Port)
	}

	rows := []string{
		RenderKeyValue("Phase", GetPhaseLabel(cur.Phase)),
		RenderKeyValue("Firmware", m.status.Firmware),
		RenderKeyValue("Port", portValue),
		RenderKeyValue("Target PID", formatPid(cur.TargetPid)),
		RenderKeyValue("Host PID", formatPid(cur.HostPid)),
	}
	if cur.Elapsed > 0 {
		rows = append(rows, RenderKeyValue("Run Time", formatDuration(cur.Elapsed)))
	}

	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}

	var startup string
	switch cur.Phase {
	case orchestrator.PhaseTargetReady, orchestrator.PhaseCompanionRunning:
		startup = statusOK.Render("✓ Target ready")
	case orchestrator.PhaseTargetStarting:
		startup = statusInfo.Render(fmt.Sprintf("Polling port... %d attempts", cur.Polls))
	case orchestrator.PhaseTeardown, orchestrator.PhaseDone:
		startup = mutedStyle.Render("Startup finished")
	default:
		startup = mutedStyle.Render("Not started")
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Current Run"),
		strings.Join(rows, "\n"),
		"",
		dimStyle.Render("Startup"),
		RenderProgressBar(m.StartupProgress(), barWidth),
		startup,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Session Results
// =============================================================================

func (m Model) renderSession() string {
	s := m.status.Summary

	failed := valueStyle.Render(fmt.Sprintf("%d", s.Failed()))
	if s.Failed() > 0 {
		failed = valueBadStyle.Render(fmt.Sprintf("%d", s.Failed()))
	}

	rows := []string{
		RenderKeyValue("Passed", valueGoodStyle.Render(fmt.Sprintf("%d", s.Passed()))),
		RenderKeyValue("Failed", failed),
	}

	reasons := make([]string, 0, len(s.Outcomes))
	for reason := range s.Outcomes {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		rows = append(rows, fmt.Sprintf("  %s %d",
			GetReasonStyle(reason).Render(fmt.Sprintf("%-24s", reason)),
			s.Outcomes[reason],
		))
	}

	if s.StartupSamples > 0 {
		rows = append(rows,
			"",
			RenderKeyValue("Startup P50", formatMs(s.StartupP50)),
			RenderKeyValue("Startup P95", formatMs(s.StartupP95)),
			RenderKeyValue("Startup P99", formatMs(s.StartupP99)),
		)
	}

	if s.Anomalies > 0 {
		rows = append(rows, RenderKeyValue("Anomalies", valueWarnStyle.Render(fmt.Sprintf("%d", s.Anomalies))))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Session"),
		strings.Join(rows, "\n"),
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Output
// =============================================================================

func (m Model) renderOutput() string {
	var lines []string
	lines = append(lines, tailLines(orchestrator.RoleTarget, m.status.TargetLines)...)
	lines = append(lines, tailLines(orchestrator.RoleHost, m.status.HostLines)...)
	if len(lines) == 0 {
		lines = append(lines, mutedStyle.Render("No output yet"))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Output"),
		strings.Join(lines, "\n"),
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

func tailLines(role string, lines []string) []string {
	if len(lines) > outputPaneLines {
		lines = lines[len(lines)-outputPaneLines:]
	}
	out := make([]string, 0, len(lines))
	prefix := roleStyle.Render(fmt.Sprintf("[%-6s]", role))
	for _, l := range lines {
		out = append(out, prefix+" "+l)
	}
	return out
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	var parts []string

	if m.metricsAddr != "" {
		parts = append(parts, fmt.Sprintf("Metrics: http://%s/metrics", m.metricsAddr))
	}
	parts = append(parts, "o: toggle output")
	parts = append(parts, "r: refresh")
	parts = append(parts, "q: quit")

	return footerStyle.Render(strings.Join(parts, " │ "))
}
