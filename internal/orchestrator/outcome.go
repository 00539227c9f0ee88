package orchestrator

import "time"

// Reason classifies how a run ended.
type Reason string

const (
	ReasonCompleted            Reason = "completed"
	ReasonCompanionFailed      Reason = "companion_failed"
	ReasonTargetCrashed        Reason = "target_crashed"
	ReasonInterrupted          Reason = "interrupted"
	ReasonStartupTimeout       Reason = "startup_timeout"
	ReasonPortAllocationFailed Reason = "port_allocation_failed"
	ReasonSpawnFailed          Reason = "spawn_failed"
)

// ExitInterrupted is the exit status reported for an interrupted run.
const ExitInterrupted = 130

// Outcome is the result of one run.
type Outcome struct {
	Reason Reason

	// CompanionCode is the host process's exit code. Only meaningful when
	// CompanionStarted is true.
	CompanionCode    int
	CompanionStarted bool

	TargetCode   int
	TargetExited bool

	Port           int
	StartupLatency time.Duration
	Duration       time.Duration

	// Anomalies lists the roles that had to be killed after the grace period.
	Anomalies []string
}

// Success reports whether the run completed and the companion exited 0.
func (o *Outcome) Success() bool {
	return o.Reason == ReasonCompleted && o.CompanionCode == 0
}

// ExitCode maps the outcome to a process exit status: the companion's exit
// code when it decided the run, 130 when interrupted, otherwise 1.
func (o *Outcome) ExitCode() int {
	switch o.Reason {
	case ReasonCompleted, ReasonCompanionFailed:
		return o.CompanionCode
	case ReasonTargetCrashed:
		if o.CompanionStarted && o.CompanionCode != 0 {
			return o.CompanionCode
		}
		return 1
	case ReasonInterrupted:
		return ExitInterrupted
	default:
		return 1
	}
}
