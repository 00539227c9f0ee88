// Package main provides the go-xscope-hil CLI entry point.
//
// go-xscope-hil runs firmware on an XMOS device (or the xsim simulator)
// alongside a host-side companion program connected over xscope, and
// reports the companion's result as its own exit status.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-xscope-hil/internal/config"
	"github.com/randomizedcoder/go-xscope-hil/internal/logging"
	"github.com/randomizedcoder/go-xscope-hil/internal/orchestrator"
	"github.com/randomizedcoder/go-xscope-hil/internal/process"
	"github.com/randomizedcoder/go-xscope-hil/internal/tui"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-xscope-hil
var version = "dev"

// examplePort stands in for the allocated coordination port in -print-cmd.
const examplePort = 10234

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("go-xscope-hil %s\n", version)
			return 0
		}
	}

	cfg, err := config.ParseFlags()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	// When TUI is enabled, suppress logs to avoid interfering with TUI rendering
	logOpts := logging.Options{
		Format:  cfg.LogFormat,
		Level:   cfg.LogLevel,
		Verbose: cfg.Verbose,
	}
	if cfg.TUIEnabled {
		logOpts.Writer = io.Discard
	}
	logger := logging.NewLogger(logOpts)
	logging.SetDefault(logger)

	if cfg.ListAdapters {
		return listAdapters(cfg)
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	if cfg.PrintCmd {
		printCommands(cfg, logger)
		return 0
	}

	logger.Info("starting",
		"version", version,
		"mode", modeName(cfg),
		"firmware", cfg.Firmware,
		"adapter_id", cfg.EffectiveAdapterID(),
		"runs", cfg.Runs,
		"metrics_addr", cfg.MetricsAddr,
	)

	if !cfg.TUIEnabled {
		printBanner(cfg)
	}

	session := orchestrator.NewSession(orchestrator.SessionConfig{
		Config:  cfg,
		Logger:  logger,
		Version: version,
	})

	if cfg.TUIEnabled {
		return runWithTUI(cfg, session, logger)
	}

	status, err := session.Run(context.Background())
	if err != nil {
		logger.Error("session_failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return status
}

// runWithTUI runs the session behind the dashboard. The terminal is in raw
// mode, so quitting the dashboard stands in for Ctrl+C.
func runWithTUI(cfg *config.Config, session *orchestrator.Session, logger *slog.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	model := tui.New(tui.Config{
		MetricsAddr: cfg.MetricsAddr,
		Source:      session,
		OnQuit:      cancel,
	})
	program := tea.NewProgram(model, tea.WithAltScreen())

	type result struct {
		status int
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, err := session.Run(ctx)
		done <- result{status, err}
		tui.SendQuit(program)
	}()

	if _, err := program.Run(); err != nil {
		logger.Error("tui_failed", "error", err)
		cancel()
	}

	res := <-done
	session.PrintExitSummary()
	if res.err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", res.err)
	}
	return res.status
}

// listAdapters prints the devices reported by xrun -l.
func listAdapters(cfg *config.Config) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	adapters, err := process.ListAdapters(ctx, cfg.XrunPath)
	if err != nil {
		if errors.Is(err, process.ErrNoAdapters) {
			fmt.Println(process.NoDevicesSentinel)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEVICE\tSTATUS")
	for _, a := range adapters {
		fmt.Fprintf(w, "%s\t%s\t%s\n", a.ID, a.Description, a.Status)
	}
	w.Flush()
	return 0
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                          go-xscope-hil                            ║")
	fmt.Println("║        Hardware-in-the-loop runs over the xscope channel          ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Firmware:    %s\n", cfg.Firmware)
	if cfg.Simulate {
		fmt.Println("  Target:      xsim (simulation)")
	} else {
		fmt.Printf("  Target:      xrun, adapter %s\n", cfg.EffectiveAdapterID())
	}
	fmt.Printf("  Runs:        %d\n", cfg.Runs)
	fmt.Printf("  Startup:     %s timeout, polled every %s\n", cfg.StartupTimeout, cfg.PollInterval)
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}

// printCommands prints the target and host commands that would be run.
func printCommands(cfg *config.Config, logger *slog.Logger) {
	target, host, err := orchestrator.BuildRunners(context.Background(), cfg, logger)
	if err != nil {
		// Still show the target command when the host cannot be found.
		fmt.Fprintf(os.Stderr, "# warning: %v\n", err)
		target = process.NewTargetRunner(&process.TargetConfig{
			BinaryPath: cfg.TargetTool(),
			Firmware:   cfg.Firmware,
			AdapterID:  cfg.EffectiveAdapterID(),
			BindHost:   cfg.BindHost,
			ExtraArgs:  cfg.TargetArgs,
			Simulate:   cfg.Simulate,
		})
		hostPath := cfg.HostPath
		if hostPath == "" {
			hostPath = process.HostExecutableName()
		}
		host = process.NewHostRunner(hostPath)
	}

	fmt.Printf("# Commands for one run (%d stands for the allocated port):\n", examplePort)
	fmt.Println()
	fmt.Println(target.CommandString(examplePort))
	fmt.Println(host.CommandString(examplePort))
}

func modeName(cfg *config.Config) string {
	if cfg.Simulate {
		return "simulation"
	}
	return "hardware"
}
