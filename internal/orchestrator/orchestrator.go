// Package orchestrator runs the target runner and the companion host process
// for one hardware-in-the-loop run, and repeats runs for a session.
//
// A run moves through the phases
//
//	init → port_allocated → target_starting → target_ready →
//	companion_running → teardown → done
//
// and always ends in teardown, whichever path it took.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randomizedcoder/go-xscope-hil/internal/logging"
	"github.com/randomizedcoder/go-xscope-hil/internal/metrics"
	"github.com/randomizedcoder/go-xscope-hil/internal/port"
	"github.com/randomizedcoder/go-xscope-hil/internal/process"
	"github.com/randomizedcoder/go-xscope-hil/internal/supervisor"
)

// Process roles, used as log fields and metric labels.
const (
	RoleTarget = "target"
	RoleHost   = "host"
)

// Defaults applied by New when Options leaves a duration unset.
const (
	DefaultStartupTimeout = 20 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultGracePeriod    = 10 * time.Second

	// killWait bounds the wait after SIGKILL for a process that outlived
	// the grace period.
	killWait = 5 * time.Second
)

var (
	// ErrPortAllocation is returned when no coordination port could be obtained.
	ErrPortAllocation = port.ErrPortAllocation

	// ErrStartupTimeout is returned when the target runner did not claim the
	// coordination port in time.
	ErrStartupTimeout = port.ErrStartupTimeout

	// ErrTargetRunnerCrashed is returned when the target runner exited
	// before the companion could be started.
	ErrTargetRunnerCrashed = errors.New("target runner exited before it was ready")

	// ErrSpawn is returned when a child process could not be started.
	ErrSpawn = errors.New("failed to start process")
)

// Phase is a step of the run state machine.
type Phase int

const (
	PhaseInit Phase = iota
	PhasePortAllocated
	PhaseTargetStarting
	PhaseTargetReady
	PhaseCompanionRunning
	PhaseTeardown
	PhaseDone
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhasePortAllocated:
		return "port_allocated"
	case PhaseTargetStarting:
		return "target_starting"
	case PhaseTargetReady:
		return "target_ready"
	case PhaseCompanionRunning:
		return "companion_running"
	case PhaseTeardown:
		return "teardown"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// Options configures a single run.
type Options struct {
	// Target launches xrun or xsim; Host launches the companion.
	Target process.Runner
	Host   process.Runner

	// Allocator picks and probes the coordination port. Nil uses localhost.
	Allocator *port.Allocator

	StartupTimeout time.Duration
	PollInterval   time.Duration
	GracePeriod    time.Duration

	// Dir and Env apply to both children.
	Dir string
	Env []string

	// Output controls how child output is logged, echoed and forwarded.
	Output logging.OutputOptions

	// Metrics is optional.
	Metrics *metrics.Collector

	Logger *slog.Logger
}

// Status is a point-in-time view of a run, for the dashboard.
type Status struct {
	Phase     Phase
	Port      int
	TargetPid int
	HostPid   int
	Polls     int
	Started   time.Time
	Deadline  time.Time // startup deadline, zero until the target starts
	Elapsed   time.Duration
}

// Orchestrator runs one target runner and one companion. Use a new
// Orchestrator for every run.
type Orchestrator struct {
	opts      Options
	logger    *slog.Logger
	allocator *port.Allocator
	metrics   *metrics.Collector

	coord        *ExitCoordinator
	targetOutput *logging.OutputHandler
	hostOutput   *logging.OutputHandler

	mu       sync.Mutex
	phase    Phase
	port     int
	target   *supervisor.Process
	host     *supervisor.Process
	polls    int
	started  time.Time
	deadline time.Time
	ran      bool
}

// New creates an Orchestrator. Target and Host must be set.
func New(opts Options) *Orchestrator {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	allocator := opts.Allocator
	if allocator == nil {
		allocator = port.NewAllocator("")
	}

	return &Orchestrator{
		opts:         opts,
		logger:       logger,
		allocator:    allocator,
		metrics:      opts.Metrics,
		coord:        NewExitCoordinator(logger),
		targetOutput: logging.NewOutputHandler(RoleTarget, logger, opts.Output),
		hostOutput:   logging.NewOutputHandler(RoleHost, logger, opts.Output),
	}
}

// Run executes the run and returns its outcome.
//
// The returned error is non-nil only when the run failed before the
// companion started (port allocation, spawn, startup timeout, target crash).
// Companion failures, target crashes after startup and cancellation of ctx
// are reported through the Outcome. Both children have been terminated when
// Run returns.
func (o *Orchestrator) Run(ctx context.Context) (*Outcome, error) {
	o.mu.Lock()
	if o.ran {
		o.mu.Unlock()
		return nil, errors.New("orchestrator already ran")
	}
	o.ran = true
	o.started = time.Now()
	o.mu.Unlock()

	out := &Outcome{}

	// Children outlive ctx: an interrupt leads to ordered teardown, not to
	// exec's own cancellation.
	procCtx, cancelProcs := context.WithCancel(context.Background())
	defer cancelProcs()

	err := o.start(ctx, procCtx, out)
	if err == nil {
		o.waitCompanion(ctx, out)
	}
	o.teardown(out)

	out.Duration = time.Since(o.started)
	o.setPhase(PhaseDone)
	if o.metrics != nil {
		o.metrics.RecordRun(string(out.Reason), out.CompanionCode, out.CompanionStarted, out.Duration)
	}

	o.logger.Info("run_finished",
		"reason", string(out.Reason),
		"companion_code", out.CompanionCode,
		"target_code", out.TargetCode,
		"port", out.Port,
		"duration", out.Duration.String(),
		"anomalies", len(out.Anomalies),
	)
	return out, err
}

// start allocates the port, starts the target runner, waits for it to
// claim the port, and starts the companion.
func (o *Orchestrator) start(ctx, procCtx context.Context, out *Outcome) error {
	p, err := o.allocator.Allocate()
	if err != nil {
		out.Reason = ReasonPortAllocationFailed
		o.logger.Error("port_allocation_failed", "error", err)
		return err
	}
	out.Port = p
	o.mu.Lock()
	o.port = p
	o.mu.Unlock()
	o.setPhase(PhasePortAllocated)
	if o.metrics != nil {
		o.metrics.SetPort(p)
	}
	o.logger.Info("port_allocated", "port", p, "host", o.allocator.Host())

	// The exit callback is installed by Spawn before Start, so it is in
	// place before the process can exit.
	o.setPhase(PhaseTargetStarting)
	target, err := supervisor.Spawn(procCtx, supervisor.Spec{
		Role:   RoleTarget,
		Runner: o.opts.Target,
		Port:   p,
		Dir:    o.opts.Dir,
		Env:    o.opts.Env,
		Output: o.targetOutput,
		Logger: o.logger,
		Callbacks: supervisor.Callbacks{
			OnStart: o.onStart,
			OnExit: func(args []string, success bool, exitCode int) {
				o.recordExit(RoleTarget, exitCode)
				o.coord.OnTargetExit(args, success, exitCode)
			},
		},
	})
	if err != nil {
		out.Reason = ReasonSpawnFailed
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	targetStart := time.Now()
	o.mu.Lock()
	o.target = target
	o.deadline = targetStart.Add(o.opts.StartupTimeout)
	o.mu.Unlock()

	err = o.allocator.WaitClaimed(ctx, p, port.WaitOptions{
		Interval: o.opts.PollInterval,
		Timeout:  o.opts.StartupTimeout,
		Abort:    o.coord.TargetExited(),
		OnPoll:   o.onPoll,
	})
	if err == nil {
		// The port can be in use by someone else while the target has
		// already died; do not start the companion against it.
		select {
		case <-o.coord.TargetExited():
			err = port.ErrAborted
		default:
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, port.ErrAborted):
		code, _ := o.coord.TargetExitCode()
		out.Reason = ReasonTargetCrashed
		o.logger.Error("target_exited_before_ready", "port", p, "exit_code", code)
		return fmt.Errorf("%w: exit code %d", ErrTargetRunnerCrashed, code)
	case ctx.Err() != nil:
		out.Reason = ReasonInterrupted
		o.logger.Info("run_interrupted", "phase", PhaseTargetStarting.String())
		return nil
	default:
		out.Reason = ReasonStartupTimeout
		o.logger.Error("startup_timeout",
			"port", p,
			"timeout", o.opts.StartupTimeout.String(),
		)
		return err
	}

	out.StartupLatency = time.Since(targetStart)
	o.setPhase(PhaseTargetReady)
	if o.metrics != nil {
		o.metrics.SetTargetReady(true)
		o.metrics.RecordStartupLatency(out.StartupLatency)
	}
	o.logger.Info("port_claimed", "port", p, "latency", out.StartupLatency.String())

	host, err := supervisor.Spawn(procCtx, supervisor.Spec{
		Role:   RoleHost,
		Runner: o.opts.Host,
		Port:   p,
		Dir:    o.opts.Dir,
		Env:    o.opts.Env,
		Output: o.hostOutput,
		Logger: o.logger,
		Callbacks: supervisor.Callbacks{
			OnStart: o.onStart,
			OnExit: func(args []string, success bool, exitCode int) {
				o.recordExit(RoleHost, exitCode)
				if !success {
					o.logger.Warn("companion_failed", "exit_code", exitCode)
				}
			},
		},
	})
	if err != nil {
		out.Reason = ReasonSpawnFailed
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	out.CompanionStarted = true
	o.mu.Lock()
	o.host = host
	o.mu.Unlock()
	o.coord.SetCompanion(host)
	o.setPhase(PhaseCompanionRunning)

	return nil
}

// waitCompanion blocks until the companion exits or ctx is cancelled.
func (o *Orchestrator) waitCompanion(ctx context.Context, out *Outcome) {
	if out.Reason == ReasonInterrupted {
		return
	}

	host := o.host
	select {
	case <-host.Done():
		code, _ := host.ExitCode()
		out.CompanionCode = code
		switch {
		case o.coord.Failed():
			out.Reason = ReasonTargetCrashed
		case code == 0:
			out.Reason = ReasonCompleted
		default:
			out.Reason = ReasonCompanionFailed
		}
	case <-ctx.Done():
		out.Reason = ReasonInterrupted
		o.logger.Info("run_interrupted", "phase", PhaseCompanionRunning.String())
	}
}

// teardown terminates both children and waits for them. A process still
// running after the grace period is killed and reported as an anomaly.
func (o *Orchestrator) teardown(out *Outcome) {
	o.setPhase(PhaseTeardown)
	o.coord.BeginTeardown()
	if o.metrics != nil {
		o.metrics.SetTargetReady(false)
	}

	o.mu.Lock()
	procs := make([]*supervisor.Process, 0, 2)
	if o.host != nil {
		procs = append(procs, o.host)
	}
	if o.target != nil {
		procs = append(procs, o.target)
	}
	o.mu.Unlock()

	for _, p := range procs {
		if err := p.Terminate(); err != nil {
			o.logger.Warn("terminate_failed", "role", p.Role(), "error", err)
		}
	}

	for _, p := range procs {
		if p.WaitTimeout(o.opts.GracePeriod) {
			continue
		}
		out.Anomalies = append(out.Anomalies, p.Role())
		o.logger.Warn("teardown_anomaly",
			"role", p.Role(),
			"pid", p.Pid(),
			"grace_period", o.opts.GracePeriod.String(),
		)
		if o.metrics != nil {
			o.metrics.TeardownAnomaly(p.Role())
		}
		if err := p.Kill(); err != nil {
			o.logger.Warn("kill_failed", "role", p.Role(), "error", err)
		}
		if !p.WaitTimeout(killWait) {
			o.logger.Error("process_not_reaped", "role", p.Role(), "pid", p.Pid())
		}
	}

	if o.target != nil {
		out.TargetCode, out.TargetExited = o.target.ExitCode()
	}
	if o.host != nil {
		if code, exited := o.host.ExitCode(); exited {
			out.CompanionCode = code
		}
	}
}

func (o *Orchestrator) onStart(role string, pid int) {
	o.logger.Debug("child_started", "role", role, "pid", pid)
	if o.metrics != nil {
		o.metrics.ProcessStarted(role)
	}
}

func (o *Orchestrator) recordExit(role string, exitCode int) {
	if o.metrics != nil {
		o.metrics.RecordExit(role, exitCode)
	}
}

func (o *Orchestrator) onPoll(attempt int) {
	o.mu.Lock()
	o.polls = attempt
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.PortPolled()
	}
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	old := o.phase
	o.phase = p
	o.mu.Unlock()

	if old != p {
		o.logger.Debug("phase_changed", "from", old.String(), "to", p.String())
	}
	if o.metrics != nil {
		o.metrics.SetPhase(p.String())
	}
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Snapshot returns the current status of the run.
func (o *Orchestrator) Snapshot() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Status{
		Phase:    o.phase,
		Port:     o.port,
		Polls:    o.polls,
		Started:  o.started,
		Deadline: o.deadline,
	}
	if !o.started.IsZero() {
		s.Elapsed = time.Since(o.started)
	}
	if o.target != nil {
		s.TargetPid = o.target.Pid()
	}
	if o.host != nil {
		s.HostPid = o.host.Pid()
	}
	return s
}

// Output returns the output handler for a role (RoleTarget or RoleHost).
func (o *Orchestrator) Output(role string) *logging.OutputHandler {
	if role == RoleHost {
		return o.hostOutput
	}
	return o.targetOutput
}

// Coordinator returns the run's exit coordinator.
func (o *Orchestrator) Coordinator() *ExitCoordinator {
	return o.coord
}
