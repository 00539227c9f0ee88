package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// stringList is a custom flag type for repeatable flags (-target-arg, -env).
type stringList []string

func (s *stringList) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ", ")
}

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// ParseFlags parses os.Args and returns a Config.
func ParseFlags() (*Config, error) {
	return ParseArgs(os.Args[1:], os.Stderr)
}

// ParseArgs builds a Config from defaults, an optional YAML descriptor
// (-config), and command-line flags, in that order of precedence.
// The first positional argument is the firmware image path.
func ParseArgs(args []string, output io.Writer) (*Config, error) {
	// First pass only finds -config; flags are re-applied on top of the file.
	probe := DefaultConfig()
	fs := newFlagSet(probe, output)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if probe.ConfigFile != "" {
		if err := LoadFile(probe.ConfigFile, cfg); err != nil {
			return nil, err
		}
	}

	// Repeatable flags replace (not extend) values from the file.
	fileTargetArgs, fileEnv := cfg.TargetArgs, cfg.Env
	cfg.TargetArgs, cfg.Env = nil, nil

	fs = newFlagSet(cfg, output)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if !set["target-arg"] {
		cfg.TargetArgs = fileTargetArgs
	}
	if !set["env"] {
		cfg.Env = fileEnv
	}

	if rest := fs.Args(); len(rest) >= 1 {
		cfg.Firmware = rest[0]
	}

	return cfg, nil
}

// newFlagSet binds all flags to cfg.
func newFlagSet(cfg *Config, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("go-xscope-hil", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.Usage = func() {
		fmt.Fprintf(output, `go-xscope-hil - run xcore firmware against its xscope host endpoint

Usage:
  go-xscope-hil [flags] <firmware.xe>

Target Flags:
`)
		printFlagCategory(fs, output, []string{"adapter-id", "fallback-adapter-id", "discover-adapter", "simulate", "xrun", "xsim", "target-arg"})

		fmt.Fprintf(output, "\nHost Flags:\n")
		printFlagCategory(fs, output, []string{"host", "work-dir", "env"})

		fmt.Fprintf(output, "\nTiming:\n")
		printFlagCategory(fs, output, []string{"timeout", "poll-interval", "grace-period", "bind-host"})

		fmt.Fprintf(output, "\nSession:\n")
		printFlagCategory(fs, output, []string{"runs", "run-delay", "keep-going", "config"})

		fmt.Fprintf(output, "\nObservability:\n")
		printFlagCategory(fs, output, []string{"metrics", "metrics-file", "v", "log-level", "log-format", "tui", "echo"})

		fmt.Fprintf(output, "\nDiagnostics:\n")
		printFlagCategory(fs, output, []string{"print-cmd", "list-adapters", "skip-preflight"})

		fmt.Fprintf(output, `
Examples:
  # Run on the first adapter reported by xrun -l
  go-xscope-hil -discover-adapter bin/app.xe

  # Run under the simulator
  go-xscope-hil -simulate bin/app.xe

  # Soak for hangs: 50 runs, stop at the first failure
  go-xscope-hil -adapter-id EHV92U6D -runs 50 bin/app.xe

`)
	}

	// Target
	fs.StringVar(&cfg.AdapterID, "adapter-id", cfg.AdapterID, "xrun adapter ID (see -list-adapters)")
	fs.StringVar(&cfg.FallbackAdapterID, "fallback-adapter-id", cfg.FallbackAdapterID, "Adapter ID used when -adapter-id is not given")
	fs.BoolVar(&cfg.DiscoverAdapter, "discover-adapter", cfg.DiscoverAdapter, "Pick the adapter from xrun -l instead of the fallback")
	fs.BoolVar(&cfg.Simulate, "simulate", cfg.Simulate, "Run under xsim instead of hardware")
	fs.StringVar(&cfg.XrunPath, "xrun", cfg.XrunPath, "Path to xrun")
	fs.StringVar(&cfg.XsimPath, "xsim", cfg.XsimPath, "Path to xsim")
	fs.Var((*stringList)(&cfg.TargetArgs), "target-arg", "Extra argument for xrun/xsim (can repeat)")

	// Host
	fs.StringVar(&cfg.HostPath, "host", cfg.HostPath, "Path to xscope_host_endpoint (default: search ./host, <bin>/host, <bin>/../host)")
	fs.StringVar(&cfg.WorkDir, "work-dir", cfg.WorkDir, "Working directory for both child processes")
	fs.Var((*stringList)(&cfg.Env), "env", "Extra KEY=VALUE for both child processes (can repeat)")

	// Timing
	fs.DurationVar(&cfg.StartupTimeout, "timeout", cfg.StartupTimeout, "Time allowed for the target runner to open the xscope port")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Interval between port probes")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "Time allowed for each process to exit during teardown")
	fs.StringVar(&cfg.BindHost, "bind-host", cfg.BindHost, "Host the xscope port is bound on")

	// Session
	fs.IntVar(&cfg.Runs, "runs", cfg.Runs, "Number of consecutive runs")
	fs.DurationVar(&cfg.RunDelay, "run-delay", cfg.RunDelay, "Pause between runs")
	fs.BoolVar(&cfg.KeepGoing, "keep-going", cfg.KeepGoing, "Continue with remaining runs after a failure")
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML run descriptor (flags override it)")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty = disabled)")
	fs.StringVar(&cfg.MetricsFile, "metrics-file", cfg.MetricsFile, "Write a Prometheus textfile snapshot here on exit")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging: debug level and every child output line")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn" or "error" (debug adds source locations)`)
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")
	fs.BoolVar(&cfg.EchoOutput, "echo", cfg.EchoOutput, "Echo target and host output to the terminal")

	// Diagnostics
	fs.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print target and host commands and exit")
	fs.BoolVar(&cfg.ListAdapters, "list-adapters", cfg.ListAdapters, "List adapters reported by xrun -l and exit")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	return fs
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, w io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(w, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
					fmt.Fprintf(w, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(w)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	if _, err := time.ParseDuration(f.DefValue); err == nil && f.DefValue != "0" {
		return "duration"
	}

	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}
