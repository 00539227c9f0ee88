package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/randomizedcoder/go-xscope-hil/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or the joined list of problems.
func Validate(cfg *Config) error {
	var errs []error

	// Firmware is required for anything that launches the target
	if cfg.Firmware == "" && !cfg.ListAdapters {
		errs = append(errs, ValidationError{
			Field:   "firmware",
			Message: "firmware image path is required",
		})
	}

	// Hardware runs need an adapter from somewhere
	if !cfg.Simulate && !cfg.ListAdapters && !cfg.DiscoverAdapter && cfg.EffectiveAdapterID() == "" {
		errs = append(errs, ValidationError{
			Field:   "adapter_id",
			Message: "no adapter ID, fallback adapter ID, or -discover-adapter given",
		})
	}

	if cfg.Simulate && cfg.DiscoverAdapter {
		errs = append(errs, ValidationError{
			Field:   "discover_adapter",
			Message: "cannot discover an adapter in simulation mode",
		})
	}

	if strings.TrimSpace(cfg.TargetTool()) == "" {
		errs = append(errs, ValidationError{
			Field:   "target_tool",
			Message: "path to xrun/xsim must not be empty",
		})
	}

	if cfg.StartupTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "startup_timeout",
			Message: "must be positive",
		})
	}

	if cfg.PollInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "poll_interval",
			Message: "must be positive",
		})
	} else if cfg.StartupTimeout > 0 && cfg.PollInterval > cfg.StartupTimeout {
		errs = append(errs, ValidationError{
			Field:   "poll_interval",
			Message: fmt.Sprintf("must not exceed startup_timeout (%v)", cfg.StartupTimeout),
		})
	}

	if cfg.GracePeriod <= 0 {
		errs = append(errs, ValidationError{
			Field:   "grace_period",
			Message: "must be positive",
		})
	}

	if cfg.BindHost == "" {
		errs = append(errs, ValidationError{
			Field:   "bind_host",
			Message: "must not be empty",
		})
	}

	if cfg.Runs < 1 {
		errs = append(errs, ValidationError{
			Field:   "runs",
			Message: "must be at least 1",
		})
	}

	if cfg.RunDelay < 0 {
		errs = append(errs, ValidationError{
			Field:   "run_delay",
			Message: "must not be negative",
		})
	}

	for _, kv := range cfg.Env {
		if !strings.Contains(kv, "=") || strings.HasPrefix(kv, "=") {
			errs = append(errs, ValidationError{
				Field:   "env",
				Message: fmt.Sprintf("expected KEY=VALUE (got %q)", kv),
			})
		}
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be 'debug', 'info', 'warn' or 'error' (got %q)", cfg.LogLevel),
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}
