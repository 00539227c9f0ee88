// Package metrics provides Prometheus metrics and the exit summary for
// go-xscope-hil.
//
// Metrics are registered per Collector, so a session (or a test) owns its
// registry. Percentiles across repeated runs are kept in t-digests.
package metrics

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "xhil"

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version  string
	Mode     string // "hardware" or "simulation"
	Firmware string
	Runs     int
}

// Collector manages all Prometheus metrics for a session.
type Collector struct {
	info           *prometheus.GaugeVec
	plannedRuns    prometheus.Gauge
	phase          *prometheus.GaugeVec
	port           prometheus.Gauge
	targetReady    prometheus.Gauge
	portPolls      prometheus.Counter
	startupLatency prometheus.Histogram
	runDuration    prometheus.Histogram
	processStarts  *prometheus.CounterVec
	processExits   *prometheus.CounterVec
	runs           *prometheus.CounterVec
	anomalies      *prometheus.CounterVec
	startupP50     prometheus.Gauge
	startupP95     prometheus.Gauge
	startupP99     prometheus.Gauge
	sessionElapsed prometheus.GaugeFunc

	startTime time.Time

	mu             sync.Mutex
	currentPhase   string
	ready          bool
	plannedRunsN   int
	outcomes       map[string]int64
	companionCodes map[int]int64
	totalAnomalies int64
	startupDigest  *tdigest.TDigest
	runDigest      *tdigest.TDigest
	startupCount   int
	runCount       int
}

// NewCollectorWithRegistry creates a collector registered with registry.
// Each session owns its registry, so collectors never share global state.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		startTime:      time.Now(),
		plannedRunsN:   cfg.Runs,
		outcomes:       make(map[string]int64),
		companionCodes: make(map[int]int64),
		startupDigest:  tdigest.NewWithCompression(100),
		runDigest:      tdigest.NewWithCompression(100),
	}

	c.info = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Information about the session (value always 1)",
		},
		[]string{"version", "mode", "firmware"},
	)
	c.plannedRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "planned_runs",
		Help:      "Number of runs requested for this session",
	})
	c.phase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_phase",
			Help:      "Current run phase (1 for the active phase, 0 otherwise)",
		},
		[]string{"phase"},
	)
	c.port = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "coordination_port",
		Help:      "TCP port allocated for the current run (0 = none)",
	})
	c.targetReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "target_ready",
		Help:      "1 while the target runner holds the coordination port",
	})
	c.portPolls = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "port_polls_total",
		Help:      "Readiness probes of the coordination port",
	})
	c.startupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "startup_latency_seconds",
		Help:      "Time from target runner start to coordination port claimed",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 7.5, 10, 15, 20, 30},
	})
	c.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of a complete run, including teardown",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
	})
	c.processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_starts_total",
			Help:      "Child process starts by role",
		},
		[]string{"role"},
	)
	c.processExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_exits_total",
			Help:      "Child process exits by role and exit code category",
		},
		[]string{"role", "category"}, // "success", "error", "signal"
	)
	c.runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed runs by outcome reason",
		},
		[]string{"reason"},
	)
	c.anomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_anomalies_total",
			Help:      "Processes that had to be killed after the grace period",
		},
		[]string{"role"},
	)
	c.startupP50 = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "startup_latency_p50_seconds",
		Help:      "Startup latency 50th percentile across runs",
	})
	c.startupP95 = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "startup_latency_p95_seconds",
		Help:      "Startup latency 95th percentile across runs",
	})
	c.startupP99 = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "startup_latency_p99_seconds",
		Help:      "Startup latency 99th percentile across runs",
	})
	c.sessionElapsed = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_elapsed_seconds",
			Help:      "Seconds since the session started",
		},
		func() float64 { return time.Since(c.startTime).Seconds() },
	)

	registry.MustRegister(
		c.info,
		c.plannedRuns,
		c.phase,
		c.port,
		c.targetReady,
		c.portPolls,
		c.startupLatency,
		c.runDuration,
		c.processStarts,
		c.processExits,
		c.runs,
		c.anomalies,
		c.startupP50,
		c.startupP95,
		c.startupP99,
		c.sessionElapsed,
	)

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	c.info.WithLabelValues(version, cfg.Mode, cfg.Firmware).Set(1)
	c.plannedRuns.Set(float64(cfg.Runs))

	return c
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// SetPhase marks phase as the active run phase.
func (c *Collector) SetPhase(phase string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentPhase != "" && c.currentPhase != phase {
		c.phase.WithLabelValues(c.currentPhase).Set(0)
	}
	c.phase.WithLabelValues(phase).Set(1)
	c.currentPhase = phase
}

// Phase returns the last phase set.
func (c *Collector) Phase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentPhase
}

// SetPort records the coordination port of the current run.
func (c *Collector) SetPort(port int) {
	c.port.Set(float64(port))
}

// SetTargetReady records whether the target runner holds the port.
func (c *Collector) SetTargetReady(ready bool) {
	v := 0.0
	if ready {
		v = 1
	}
	c.targetReady.Set(v)

	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

// TargetReady reports the last value passed to SetTargetReady.
func (c *Collector) TargetReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// PortPolled records one readiness probe.
func (c *Collector) PortPolled() {
	c.portPolls.Inc()
}

// ProcessStarted records a child process start.
func (c *Collector) ProcessStarted(role string) {
	c.processStarts.WithLabelValues(role).Inc()
}

// RecordExit records a child process exit.
func (c *Collector) RecordExit(role string, exitCode int) {
	c.processExits.WithLabelValues(role, exitCategory(exitCode)).Inc()
}

// RecordStartupLatency records how long the target took to claim the port.
func (c *Collector) RecordStartupLatency(d time.Duration) {
	c.startupLatency.Observe(d.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.startupDigest.Add(d.Seconds(), 1)
	c.startupCount++
	c.startupP50.Set(c.startupDigest.Quantile(0.50))
	c.startupP95.Set(c.startupDigest.Quantile(0.95))
	c.startupP99.Set(c.startupDigest.Quantile(0.99))
}

// TeardownAnomaly records a process that survived the grace period.
func (c *Collector) TeardownAnomaly(role string) {
	c.anomalies.WithLabelValues(role).Inc()

	c.mu.Lock()
	c.totalAnomalies++
	c.mu.Unlock()
}

// RecordRun records a finished run. companionCode is ignored when
// hasCompanion is false (the companion never started).
func (c *Collector) RecordRun(reason string, companionCode int, hasCompanion bool, d time.Duration) {
	c.runs.WithLabelValues(reason).Inc()
	c.runDuration.Observe(d.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[reason]++
	if hasCompanion {
		c.companionCodes[companionCode]++
	}
	c.runDigest.Add(d.Seconds(), 1)
	c.runCount++
}

// exitCategory maps an exit code to a low-cardinality label.
func exitCategory(code int) string {
	switch {
	case code == 0:
		return "success"
	case code > 128:
		return "signal"
	default:
		return "error"
	}
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for generating an exit summary.
type Summary struct {
	Duration       time.Duration
	PlannedRuns    int
	Runs           int
	Outcomes       map[string]int64
	CompanionCodes map[int]int64
	Anomalies      int64

	StartupSamples int
	StartupP50     time.Duration
	StartupP95     time.Duration
	StartupP99     time.Duration
	RunP50         time.Duration
	RunP95         time.Duration
}

// GenerateSummary creates a summary of the session so far.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:       time.Since(c.startTime),
		PlannedRuns:    c.plannedRunsN,
		Runs:           c.runCount,
		Outcomes:       make(map[string]int64, len(c.outcomes)),
		CompanionCodes: make(map[int]int64, len(c.companionCodes)),
		Anomalies:      c.totalAnomalies,
		StartupSamples: c.startupCount,
	}
	for k, v := range c.outcomes {
		s.Outcomes[k] = v
	}
	for k, v := range c.companionCodes {
		s.CompanionCodes[k] = v
	}

	if c.startupCount > 0 {
		s.StartupP50 = seconds(c.startupDigest.Quantile(0.50))
		s.StartupP95 = seconds(c.startupDigest.Quantile(0.95))
		s.StartupP99 = seconds(c.startupDigest.Quantile(0.99))
	}
	if c.runCount > 0 {
		s.RunP50 = seconds(c.runDigest.Quantile(0.50))
		s.RunP95 = seconds(c.runDigest.Quantile(0.95))
	}

	return s
}

// Passed returns the number of runs that completed with reason "completed".
func (s *Summary) Passed() int64 {
	return s.Outcomes["completed"]
}

// Failed returns the number of runs with any other reason.
func (s *Summary) Failed() int64 {
	return int64(s.Runs) - s.Passed()
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
