package orchestrator

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/randomizedcoder/go-xscope-hil/internal/supervisor"
)

// ExitCoordinator reacts to the target runner's exit on behalf of the
// orchestrator, which is itself blocked waiting on the companion.
//
// When the target runner exits with a non-zero code the companion (if
// registered) is asked to terminate. The coordinator never waits for the
// companion and never owns it; it only signals.
type ExitCoordinator struct {
	logger *slog.Logger

	mu        sync.Mutex
	companion *supervisor.Process
	exited    bool
	failed    bool
	teardown  bool
	exitCode  int

	exitedCh chan struct{}
}

// NewExitCoordinator creates a coordinator with no companion registered.
func NewExitCoordinator(logger *slog.Logger) *ExitCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExitCoordinator{
		logger:   logger,
		exitedCh: make(chan struct{}),
	}
}

// OnTargetExit is installed as the target runner's exit callback
// (supervisor.ExitFunc). It runs on the target's waiter goroutine.
func (c *ExitCoordinator) OnTargetExit(args []string, success bool, exitCode int) {
	c.mu.Lock()
	if c.exited {
		c.mu.Unlock()
		return
	}
	c.exited = true
	c.exitCode = exitCode
	close(c.exitedCh)

	if success || c.teardown {
		c.mu.Unlock()
		c.logger.Debug("target_exit_observed",
			"exit_code", exitCode,
			"teardown", c.teardown,
		)
		return
	}

	c.failed = true
	companion := c.companion
	c.mu.Unlock()

	c.logger.Error("target_runner_failed",
		"exit_code", exitCode,
		"args", strings.Join(args, " "),
	)

	if companion != nil {
		c.terminateCompanion(companion)
	}
}

// SetCompanion registers the companion process. If the target runner has
// already failed, the companion is terminated immediately.
func (c *ExitCoordinator) SetCompanion(p *supervisor.Process) {
	c.mu.Lock()
	c.companion = p
	failed := c.failed
	c.mu.Unlock()

	if failed && p != nil {
		c.terminateCompanion(p)
	}
}

func (c *ExitCoordinator) terminateCompanion(p *supervisor.Process) {
	c.logger.Warn("terminating_companion", "role", p.Role(), "pid", p.Pid())
	if err := p.Terminate(); err != nil {
		c.logger.Warn("companion_terminate_failed", "role", p.Role(), "error", err)
	}
}

// BeginTeardown marks the start of orchestrator-driven teardown. Target
// exits observed afterwards are expected and never count as failures.
func (c *ExitCoordinator) BeginTeardown() {
	c.mu.Lock()
	c.teardown = true
	c.mu.Unlock()
}

// TargetExited is closed when the target runner exits for any reason.
func (c *ExitCoordinator) TargetExited() <-chan struct{} {
	return c.exitedCh
}

// Failed reports whether the target runner exited non-zero outside
// teardown.
func (c *ExitCoordinator) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// TargetExitCode returns the target's exit code and whether it has exited.
func (c *ExitCoordinator) TargetExitCode() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode, c.exited
}
