// Package config provides the run descriptor for go-xscope-hil.
package config

import (
	"strings"
	"time"
)

// Config holds all configuration options for a run (or a series of runs).
// It is built once at startup and never mutated by the orchestrator.
type Config struct {
	// Target runner
	AdapterID         string   `json:"adapter_id" yaml:"adapter_id"`
	FallbackAdapterID string   `json:"fallback_adapter_id" yaml:"fallback_adapter_id"`
	DiscoverAdapter   bool     `json:"discover_adapter" yaml:"discover_adapter"`
	Firmware          string   `json:"firmware" yaml:"firmware"`
	Simulate          bool     `json:"simulate" yaml:"simulate"` // xsim instead of xrun
	XrunPath          string   `json:"xrun_path" yaml:"xrun_path"`
	XsimPath          string   `json:"xsim_path" yaml:"xsim_path"`
	TargetArgs        []string `json:"target_args" yaml:"target_args"`

	// Companion (host) process
	HostPath string `json:"host_path" yaml:"host_path"` // empty = search default locations

	// Startup / teardown timing
	StartupTimeout time.Duration `json:"startup_timeout" yaml:"startup_timeout"`
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval"`
	GracePeriod    time.Duration `json:"grace_period" yaml:"grace_period"`
	BindHost       string        `json:"bind_host" yaml:"bind_host"`

	// Child process environment
	WorkDir string   `json:"work_dir" yaml:"work_dir"`
	Env     []string `json:"env" yaml:"env"`

	// Session
	Runs      int           `json:"runs" yaml:"runs"`
	RunDelay  time.Duration `json:"run_delay" yaml:"run_delay"`
	KeepGoing bool          `json:"keep_going" yaml:"keep_going"`

	// Observability
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"` // empty = disabled
	MetricsFile string `json:"metrics_file" yaml:"metrics_file"` // textfile snapshot written at exit
	Verbose     bool   `json:"verbose" yaml:"verbose"`
	LogFormat   string `json:"log_format" yaml:"log_format"` // json, text
	LogLevel    string `json:"log_level" yaml:"log_level"`   // debug, info, warn, error
	TUIEnabled  bool   `json:"tui" yaml:"tui"`
	EchoOutput  bool   `json:"echo_output" yaml:"echo_output"`

	// Diagnostic modes
	PrintCmd      bool `json:"print_cmd" yaml:"-"`
	ListAdapters  bool `json:"list_adapters" yaml:"-"`
	SkipPreflight bool `json:"skip_preflight" yaml:"skip_preflight"`

	// ConfigFile is the YAML descriptor this config was loaded from, if any.
	ConfigFile string `json:"config_file" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Target
		FallbackAdapterID: "EHV92U6D",
		XrunPath:          "xrun",
		XsimPath:          "xsim",

		// Timing: xrun has already loaded firmware by the time it opens the
		// port, but a busy host can take 10s+.
		StartupTimeout: 20 * time.Second,
		PollInterval:   100 * time.Millisecond,
		GracePeriod:    10 * time.Second,
		BindHost:       "localhost",

		// Session
		Runs:     1,
		RunDelay: 0,

		// Observability
		LogFormat:  "text",
		LogLevel:   "info",
		EchoOutput: true,
	}
}

// EffectiveAdapterID returns AdapterID, or FallbackAdapterID when unset.
func (c *Config) EffectiveAdapterID() string {
	if c.AdapterID != "" {
		return c.AdapterID
	}
	return c.FallbackAdapterID
}

// LogChildOutput reports whether every target and host output line is
// logged, rather than only warning and error lines.
func (c *Config) LogChildOutput() bool {
	return c.Verbose || strings.EqualFold(c.LogLevel, "debug")
}

// TargetTool returns the target runner binary for the configured mode.
func (c *Config) TargetTool() string {
	if c.Simulate {
		return c.XsimPath
	}
	return c.XrunPath
}
