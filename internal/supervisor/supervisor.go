package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-xscope-hil/internal/logging"
	"github.com/randomizedcoder/go-xscope-hil/internal/process"
)

// DefaultWaitDelay bounds how long Wait keeps draining output pipes after
// the process exits (e.g. when a grandchild still holds them open).
const DefaultWaitDelay = 2 * time.Second

// ExitFunc is called exactly once when a process exits, from the process's
// waiter goroutine, before Done is closed.
type ExitFunc func(args []string, success bool, exitCode int)

// Callbacks contains optional callback functions for process events.
type Callbacks struct {
	// OnStart is called after the process has started.
	OnStart func(role string, pid int)

	// OnExit replaces the default exit policy (DefaultExitHandler).
	OnExit ExitFunc

	// OnStateChange is called when the process state changes.
	OnStateChange func(role string, oldState, newState State)
}

// Spec describes a process to spawn.
type Spec struct {
	Role   string
	Runner process.Runner
	Port   int

	// Dir and Env apply to the child; Env entries are added to the
	// inherited environment.
	Dir string
	Env []string

	// Output receives both stdout and stderr. Nil discards output.
	Output *logging.OutputHandler

	WaitDelay time.Duration
	Logger    *slog.Logger
	Callbacks Callbacks
}

// ExitError reports a non-zero process exit.
type ExitError struct {
	Role     string
	Args     []string
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with error code %d (%s)", e.Role, e.ExitCode, strings.Join(e.Args, " "))
}

// DefaultExitHandler returns the exit policy used when Callbacks.OnExit is
// nil: a non-zero exit is logged as a failure. The failure is also
// reported by Process.Err.
func DefaultExitHandler(logger *slog.Logger) ExitFunc {
	return func(args []string, success bool, exitCode int) {
		if success {
			return
		}
		logger.Error("process_failed",
			"args", strings.Join(args, " "),
			"exit_code", exitCode,
		)
	}
}

// Process is a spawned child process.
// All methods are safe for concurrent use.
type Process struct {
	role      string
	args      []string
	cmd       *exec.Cmd
	logger    *slog.Logger
	callbacks Callbacks
	output    *logging.OutputHandler
	startTime time.Time

	state   State
	stateMu sync.RWMutex

	mu         sync.Mutex
	exited     bool
	terminated bool
	exitCode   int
	endTime    time.Time
	err        *ExitError

	done chan struct{}
}

// Spawn builds the command from spec.Runner and starts it. It returns as
// soon as the process is running; a background goroutine waits for it.
//
// ctx bounds the process lifetime: cancelling it sends SIGTERM to the
// process group.
func Spawn(ctx context.Context, spec Spec) (*Process, error) {
	logger := spec.Logger
	if logger == nil {
		logger = slog.Default()
	}
	role := spec.Role
	if role == "" {
		role = spec.Runner.Name()
	}

	cmd, err := spec.Runner.BuildCommand(ctx, spec.Port)
	if err != nil {
		return nil, fmt.Errorf("build %s command: %w", role, err)
	}

	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if len(spec.Env) > 0 {
		base := cmd.Env
		if base == nil {
			base = os.Environ()
		}
		cmd.Env = append(base, spec.Env...)
	}
	if spec.Output != nil {
		// Same writer for both streams: exec shares one pipe and the
		// handler never sees interleaved partial lines.
		cmd.Stdout = spec.Output
		cmd.Stderr = spec.Output
	}

	setProcessGroup(cmd)
	cmd.Cancel = func() error { return terminateProcess(cmd.Process) }
	cmd.WaitDelay = spec.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	p := &Process{
		role:      role,
		args:      append([]string(nil), cmd.Args...),
		cmd:       cmd,
		logger:    logger,
		callbacks: spec.Callbacks,
		output:    spec.Output,
		done:      make(chan struct{}),
	}

	p.setState(StateStarting)
	p.startTime = time.Now()
	if err := cmd.Start(); err != nil {
		p.setState(StateExited)
		logger.Error("failed_to_start_process",
			"role", role,
			"path", cmd.Path,
			"error", err,
		)
		return nil, fmt.Errorf("start %s: %w", role, err)
	}

	pid := cmd.Process.Pid
	p.setState(StateRunning)
	logger.Info("process_started",
		"role", role,
		"pid", pid,
		"args", strings.Join(p.args, " "),
	)

	if p.callbacks.OnStart != nil {
		p.callbacks.OnStart(role, pid)
	}

	go p.wait()

	return p, nil
}

// wait reaps the process, records its exit, and runs the exit policy.
func (p *Process) wait() {
	waitErr := p.cmd.Wait()
	exitCode := exitStatus(p.cmd.ProcessState, waitErr)
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		p.logger.Warn("output_drain_timeout", "role", p.role)
	}
	if p.output != nil {
		p.output.Flush()
	}

	p.mu.Lock()
	p.exited = true
	p.exitCode = exitCode
	p.endTime = time.Now()
	if exitCode != 0 {
		p.err = &ExitError{Role: p.role, Args: p.args, ExitCode: exitCode}
	}
	uptime := p.endTime.Sub(p.startTime)
	p.mu.Unlock()

	p.setState(StateExited)
	p.logger.Info("process_exited",
		"role", p.role,
		"pid", p.cmd.Process.Pid,
		"exit_code", exitCode,
		"uptime", uptime.String(),
	)

	onExit := p.callbacks.OnExit
	if onExit == nil {
		onExit = DefaultExitHandler(p.logger)
	}
	onExit(p.args, exitCode == 0, exitCode)

	close(p.done)
}

// Terminate sends SIGTERM to the process group. Only the first call sends
// a signal; calls after the process has exited do nothing.
func (p *Process) Terminate() error {
	p.mu.Lock()
	if p.exited || p.terminated {
		p.mu.Unlock()
		return nil
	}
	p.terminated = true
	err := terminateProcess(p.cmd.Process)
	p.mu.Unlock()

	if err != nil {
		return fmt.Errorf("terminate %s: %w", p.role, err)
	}
	p.logger.Debug("process_terminating", "role", p.role, "pid", p.cmd.Process.Pid)
	p.setState(StateTerminating)
	return nil
}

// Kill sends SIGKILL to the process group. It does nothing once the
// process has exited.
func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited {
		return nil
	}
	p.logger.Warn("force_killing_process", "role", p.role, "pid", p.cmd.Process.Pid)
	if err := killProcess(p.cmd.Process); err != nil {
		return fmt.Errorf("kill %s: %w", p.role, err)
	}
	return nil
}

// Stop terminates the process and waits up to timeout for it to exit,
// killing it if it does not. It reports whether the process exited
// within the timeout.
func (p *Process) Stop(timeout time.Duration) bool {
	if err := p.Terminate(); err != nil {
		p.logger.Warn("terminate_failed", "role", p.role, "error", err)
	}
	if p.WaitTimeout(timeout) {
		return true
	}
	if err := p.Kill(); err != nil {
		p.logger.Warn("kill_failed", "role", p.role, "error", err)
	}
	p.WaitTimeout(timeout)
	return false
}

// Done returns a channel closed after the process has exited and its exit
// callback has returned.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// WaitTimeout waits up to d for the process to exit.
func (p *Process) WaitTimeout(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// ExitCode returns the exit code and whether the process has exited.
// Signal exits are reported as 128 + signal number.
func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

// Err returns an *ExitError if the process exited with a non-zero code.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		return nil
	}
	return p.err
}

// Role returns the role label of the process.
func (p *Process) Role() string {
	return p.role
}

// Pid returns the OS process ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Args returns the argument vector, including the program name.
func (p *Process) Args() []string {
	return p.args
}

// Uptime returns how long the process has been (or was) running.
func (p *Process) Uptime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return p.endTime.Sub(p.startTime)
	}
	return time.Since(p.startTime)
}

// State returns the current state of the process.
func (p *Process) State() State {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

// setState updates the state and calls the callback if registered.
// The exited state is final.
func (p *Process) setState(newState State) {
	p.stateMu.Lock()
	oldState := p.state
	if oldState == StateExited {
		p.stateMu.Unlock()
		return
	}
	p.state = newState
	p.stateMu.Unlock()

	if p.callbacks.OnStateChange != nil && oldState != newState {
		p.callbacks.OnStateChange(p.role, oldState, newState)
	}
}

// exitStatus prefers the reaped process state, which stays accurate when
// Wait also reports a context cancellation or WaitDelay overrun.
func exitStatus(ps *os.ProcessState, waitErr error) int {
	if ps != nil {
		if status, ok := ps.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		if code := ps.ExitCode(); code >= 0 {
			return code
		}
	}
	return extractExitCode(waitErr)
}

// extractExitCode extracts the exit code from a Wait() error.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				// Signal exit: 128 + signal number
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}

	// Unknown error, assume exit code 1
	return 1
}
