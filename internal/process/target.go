package process

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"strconv"
)

// DefaultBindHost is the host given to the target runner for the xscope
// endpoint. It must match the host the port was allocated on.
const DefaultBindHost = "localhost"

// TargetConfig holds configuration for launching the target runner.
type TargetConfig struct {
	// BinaryPath is the path to xrun or xsim.
	BinaryPath string

	// Firmware is the firmware image (.xe) to load.
	Firmware string

	// AdapterID selects the debug adapter (xrun only).
	AdapterID string

	// BindHost is the host part of the xscope address.
	BindHost string

	// ExtraArgs are passed to the runner before the generated arguments.
	ExtraArgs []string

	// Simulate selects xsim instead of xrun.
	Simulate bool
}

func (c *TargetConfig) address(port int) string {
	host := c.BindHost
	if host == "" {
		host = DefaultBindHost
	}
	// IPv6 hosts are bracketed, matching the address the port is probed on.
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (c *TargetConfig) check() error {
	if c.BinaryPath == "" {
		return errors.New("target runner binary not set")
	}
	if c.Firmware == "" {
		return errors.New("firmware path not set")
	}
	return nil
}

// NewTargetRunner returns an XsimRunner when cfg.Simulate is set, otherwise
// an XrunRunner.
func NewTargetRunner(cfg *TargetConfig) Runner {
	if cfg.Simulate {
		return NewXsimRunner(cfg)
	}
	return NewXrunRunner(cfg)
}

// XrunRunner implements Runner for firmware on real hardware.
type XrunRunner struct {
	config *TargetConfig
}

// NewXrunRunner creates a new xrun runner with the given configuration.
func NewXrunRunner(cfg *TargetConfig) *XrunRunner {
	return &XrunRunner{config: cfg}
}

// Name returns "xrun".
func (r *XrunRunner) Name() string {
	return "xrun"
}

// BuildCommand creates an exec.Cmd for xrun.
func (r *XrunRunner) BuildCommand(ctx context.Context, port int) (*exec.Cmd, error) {
	if err := r.config.check(); err != nil {
		return nil, err
	}
	if r.config.AdapterID == "" {
		return nil, errors.New("xrun requires an adapter ID")
	}
	return exec.CommandContext(ctx, r.config.BinaryPath, r.Args(port)...), nil
}

// Args returns the xrun arguments:
//
//	[extra...] --xscope-port <host>:<port> --adapter-id <id> <firmware>
func (r *XrunRunner) Args(port int) []string {
	args := append([]string{}, r.config.ExtraArgs...)
	return append(args,
		"--xscope-port", r.config.address(port),
		"--adapter-id", r.config.AdapterID,
		r.config.Firmware,
	)
}

// CommandString returns the command that would be executed (for debugging).
func (r *XrunRunner) CommandString(port int) string {
	return formatCommand(r.config.BinaryPath, r.Args(port))
}

// XsimRunner implements Runner for firmware under the simulator.
type XsimRunner struct {
	config *TargetConfig
}

// NewXsimRunner creates a new xsim runner with the given configuration.
func NewXsimRunner(cfg *TargetConfig) *XsimRunner {
	return &XsimRunner{config: cfg}
}

// Name returns "xsim".
func (r *XsimRunner) Name() string {
	return "xsim"
}

// BuildCommand creates an exec.Cmd for xsim. The adapter ID is ignored.
func (r *XsimRunner) BuildCommand(ctx context.Context, port int) (*exec.Cmd, error) {
	if err := r.config.check(); err != nil {
		return nil, err
	}
	return exec.CommandContext(ctx, r.config.BinaryPath, r.Args(port)...), nil
}

// Args returns the xsim arguments. The realtime plugin option is a single
// argument:
//
//	[extra...] --xscope "-realtime <host>:<port>" <firmware>
func (r *XsimRunner) Args(port int) []string {
	args := append([]string{}, r.config.ExtraArgs...)
	return append(args,
		"--xscope", "-realtime "+r.config.address(port),
		r.config.Firmware,
	)
}

// CommandString returns the command that would be executed (for debugging).
func (r *XsimRunner) CommandString(port int) string {
	return formatCommand(r.config.BinaryPath, r.Args(port))
}
