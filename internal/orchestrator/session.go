package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/randomizedcoder/go-xscope-hil/internal/config"
	"github.com/randomizedcoder/go-xscope-hil/internal/logging"
	"github.com/randomizedcoder/go-xscope-hil/internal/metrics"
	"github.com/randomizedcoder/go-xscope-hil/internal/port"
	"github.com/randomizedcoder/go-xscope-hil/internal/preflight"
	"github.com/randomizedcoder/go-xscope-hil/internal/process"
)

// recentOutputLines is how much child output is printed after a failed run.
const recentOutputLines = 20

// SessionConfig holds configuration for a Session.
type SessionConfig struct {
	Config  *config.Config
	Logger  *slog.Logger
	Version string

	// Target and Host override the runners built from Config.
	Target process.Runner
	Host   process.Runner

	// Out receives preflight results, failure output and the exit summary.
	// Nil means os.Stdout.
	Out io.Writer

	// Registry is the metrics registry. Nil creates one with the Go and
	// process collectors registered.
	Registry *prometheus.Registry
}

// SessionStatus is a point-in-time view of a session, for the dashboard.
type SessionStatus struct {
	Run      int // 1-based index of the current run, 0 before the first
	Runs     int
	Mode     string
	Firmware string
	Current  Status
	Summary  *metrics.Summary

	TargetLines []string
	HostLines   []string
}

// Session performs one or more runs with shared metrics, signal handling
// and an exit summary.
type Session struct {
	cfg      *config.Config
	logger   *slog.Logger
	out      io.Writer
	target   process.Runner
	host     process.Runner
	registry *prometheus.Registry
	metrics  *metrics.Collector

	current  atomic.Pointer[Orchestrator]
	runIndex atomic.Int64

	mu       sync.Mutex
	outcomes []*Outcome
}

// NewSession creates a session. Metrics are registered immediately so the
// dashboard can read them before Run starts.
func NewSession(sc SessionConfig) *Session {
	logger := sc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := sc.Out
	if out == nil {
		out = os.Stdout
	}
	registry := sc.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	cfg := sc.Config
	collector := metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		Version:  sc.Version,
		Mode:     modeName(cfg),
		Firmware: cfg.Firmware,
		Runs:     cfg.Runs,
	}, registry)

	return &Session{
		cfg:      cfg,
		logger:   logger,
		out:      out,
		target:   sc.Target,
		host:     sc.Host,
		registry: registry,
		metrics:  collector,
	}
}

// BuildRunners creates the target and host runners described by cfg.
// The adapter is discovered with xrun -l when requested and no explicit
// adapter ID was given.
func BuildRunners(ctx context.Context, cfg *config.Config, logger *slog.Logger) (process.Runner, process.Runner, error) {
	adapterID := cfg.EffectiveAdapterID()
	if !cfg.Simulate && cfg.AdapterID == "" && cfg.DiscoverAdapter {
		id, err := process.DiscoverAdapterID(ctx, cfg.XrunPath)
		if err != nil {
			return nil, nil, fmt.Errorf("discover adapter: %w", err)
		}
		logger.Info("adapter_discovered", "adapter_id", id)
		adapterID = id
	}

	hostPath, err := process.FindHostExecutable(cfg.HostPath, process.HostSearchDirs())
	if err != nil {
		return nil, nil, err
	}

	target := process.NewTargetRunner(&process.TargetConfig{
		BinaryPath: cfg.TargetTool(),
		Firmware:   cfg.Firmware,
		AdapterID:  adapterID,
		BindHost:   cfg.BindHost,
		ExtraArgs:  cfg.TargetArgs,
		Simulate:   cfg.Simulate,
	})
	return target, process.NewHostRunner(hostPath), nil
}

// Run executes the configured runs and returns the process exit status:
// the first non-zero run status, or 0 if every run passed.
//
// SIGINT and SIGTERM cancel the current run, which then tears down in
// order. The returned error is non-nil only if the session could not start.
func (s *Session) Run(ctx context.Context) (int, error) {
	cfg := s.cfg

	if !cfg.SkipPreflight {
		result := preflight.RunAll(preflight.Options{
			TargetTool: cfg.TargetTool(),
			Simulate:   cfg.Simulate,
			HostPath:   cfg.HostPath,
			HostDirs:   process.HostSearchDirs(),
			Firmware:   cfg.Firmware,
			BindHost:   cfg.BindHost,
		})
		preflight.PrintResults(s.out, result)
		if !result.Passed {
			return 1, fmt.Errorf("preflight checks failed (use -skip-preflight to override)")
		}
	}

	if s.target == nil || s.host == nil {
		target, host, err := BuildRunners(ctx, cfg, s.logger)
		if err != nil {
			return 1, err
		}
		s.target, s.host = target, host
	}

	var metricsServer *metrics.Server
	if cfg.MetricsAddr != "" {
		metricsServer = metrics.NewServer(cfg.MetricsAddr, s.registry, s.metrics.TargetReady, s.logger)
		if err := metricsServer.Start(); err != nil {
			return 1, fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	// Setup signal handling
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info("received_signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	status := s.runAll(ctx)

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("metrics_server_shutdown_error", "error", err)
		}
		shutdownCancel()
	}

	if cfg.MetricsFile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsFile, s.registry); err != nil {
			s.logger.Warn("metrics_file_write_failed", "path", cfg.MetricsFile, "error", err)
		} else {
			s.logger.Info("metrics_file_written", "path", cfg.MetricsFile)
		}
	}

	if !cfg.TUIEnabled {
		s.PrintExitSummary()
	}
	return status, nil
}

// runAll performs the runs and returns the exit status.
func (s *Session) runAll(ctx context.Context) int {
	cfg := s.cfg
	status := 0

	for i := 1; i <= cfg.Runs; i++ {
		if i > 1 && cfg.RunDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(cfg.RunDelay):
			}
		}
		if ctx.Err() != nil {
			break
		}

		s.runIndex.Store(int64(i))
		orch := New(Options{
			Target:         s.target,
			Host:           s.host,
			Allocator:      port.NewAllocator(cfg.BindHost),
			StartupTimeout: cfg.StartupTimeout,
			PollInterval:   cfg.PollInterval,
			GracePeriod:    cfg.GracePeriod,
			Dir:            cfg.WorkDir,
			Env:            cfg.Env,
			Output:         s.outputOptions(),
			Metrics:        s.metrics,
			Logger:         s.logger.With("run", i),
		})
		s.current.Store(orch)

		s.logger.Info("run_starting",
			"run", i,
			"runs", cfg.Runs,
			"mode", modeName(cfg),
			"firmware", cfg.Firmware,
		)

		outcome, err := orch.Run(ctx)
		if err != nil {
			s.logger.Error("run_failed", "run", i, "error", err)
		}
		s.mu.Lock()
		s.outcomes = append(s.outcomes, outcome)
		s.mu.Unlock()

		if !outcome.Success() && outcome.Reason != ReasonInterrupted {
			s.printRecentOutput(i, orch)
		}
		if status == 0 {
			status = outcome.ExitCode()
		}

		if outcome.Reason == ReasonInterrupted {
			break
		}
		if !outcome.Success() && !cfg.KeepGoing {
			s.logger.Info("stopping_after_failure", "run", i, "remaining", cfg.Runs-i)
			break
		}
	}

	if status == 0 && ctx.Err() != nil && len(s.Outcomes()) < cfg.Runs {
		status = ExitInterrupted
	}
	return status
}

func (s *Session) outputOptions() logging.OutputOptions {
	opts := logging.OutputOptions{Verbose: s.cfg.LogChildOutput()}
	if s.cfg.EchoOutput && !s.cfg.TUIEnabled {
		opts.Echo = s.out
	}
	return opts
}

// printRecentOutput prints the last lines of both children after a failed run.
func (s *Session) printRecentOutput(run int, orch *Orchestrator) {
	if s.cfg.TUIEnabled {
		return
	}
	for _, role := range []string{RoleTarget, RoleHost} {
		lines := orch.Output(role).RecentLines(recentOutputLines)
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(s.out, "--- run %d: last %d lines of %s output ---\n", run, len(lines), role)
		for _, line := range lines {
			fmt.Fprintf(s.out, "  %s\n", line)
		}
	}
}

// PrintExitSummary prints a summary of the session. Run prints it itself
// unless the dashboard is enabled.
func (s *Session) PrintExitSummary() {
	summary := s.metrics.GenerateSummary()
	w := s.out

	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintln(w, "                      go-xscope-hil Exit Summary")
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "Session Duration:       %s\n", formatDuration(summary.Duration))
	fmt.Fprintf(w, "Mode:                   %s\n", modeName(s.cfg))
	fmt.Fprintf(w, "Firmware:               %s\n", s.cfg.Firmware)
	fmt.Fprintf(w, "Runs:                   %d of %d\n", summary.Runs, summary.PlannedRuns)
	fmt.Fprintf(w, "  Passed:               %d\n", summary.Passed())
	fmt.Fprintf(w, "  Failed:               %d\n", summary.Failed())
	fmt.Fprintln(w)

	if len(summary.Outcomes) > 0 {
		fmt.Fprintln(w, "Outcomes:")
		reasons := make([]string, 0, len(summary.Outcomes))
		for reason := range summary.Outcomes {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			fmt.Fprintf(w, "  %-22s %d\n", reason, summary.Outcomes[reason])
		}
		fmt.Fprintln(w)
	}

	if summary.StartupSamples > 0 {
		fmt.Fprintln(w, "Startup Latency (target port claimed):")
		fmt.Fprintf(w, "  P50 (median):         %s\n", summary.StartupP50.Round(time.Millisecond))
		fmt.Fprintf(w, "  P95:                  %s\n", summary.StartupP95.Round(time.Millisecond))
		fmt.Fprintf(w, "  P99:                  %s\n", summary.StartupP99.Round(time.Millisecond))
		fmt.Fprintln(w)
	}

	if len(summary.CompanionCodes) > 0 {
		fmt.Fprintln(w, "Host Exit Codes:")
		codes := make([]int, 0, len(summary.CompanionCodes))
		for code := range summary.CompanionCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			fmt.Fprintf(w, "  %3d %-16s %d\n", code, exitCodeLabel(code), summary.CompanionCodes[code])
		}
		fmt.Fprintln(w)
	}

	if summary.Anomalies > 0 {
		fmt.Fprintf(w, "Teardown Anomalies:     %d (killed after %s grace period)\n", summary.Anomalies, s.cfg.GracePeriod)
		fmt.Fprintln(w)
	}

	if s.cfg.MetricsAddr != "" {
		fmt.Fprintf(w, "Metrics endpoint was: http://%s/metrics\n", s.cfg.MetricsAddr)
	}
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
}

// Status returns the current session status.
func (s *Session) Status() SessionStatus {
	st := SessionStatus{
		Run:      int(s.runIndex.Load()),
		Runs:     s.cfg.Runs,
		Mode:     modeName(s.cfg),
		Firmware: s.cfg.Firmware,
		Summary:  s.metrics.GenerateSummary(),
	}
	if orch := s.current.Load(); orch != nil {
		st.Current = orch.Snapshot()
		st.TargetLines = orch.Output(RoleTarget).RecentLines(recentOutputLines)
		st.HostLines = orch.Output(RoleHost).RecentLines(recentOutputLines)
	}
	return st
}

// Outcomes returns the outcomes of the runs finished so far.
func (s *Session) Outcomes() []*Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Outcome(nil), s.outcomes...)
}

// Metrics returns the metrics collector for external access.
func (s *Session) Metrics() *metrics.Collector {
	return s.metrics
}

// Registry returns the metrics registry.
func (s *Session) Registry() *prometheus.Registry {
	return s.registry
}

func modeName(cfg *config.Config) string {
	if cfg.Simulate {
		return "simulation"
	}
	return "hardware"
}

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 130:
		return "(SIGINT)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}
