package benchmarkorchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK     = "ok"
	outcomeFailed = "failed"
)

// Counts what an orchestration run did. Metrics live on their own registry so they can be written out as a
// node-exporter textfile at the end of the run.
type Metrics struct {
	registry *prometheus.Registry

	BenchmarksSkipped   *prometheus.CounterVec
	ClassesInitialized  *prometheus.CounterVec
	BenchmarkRuns       *prometheus.CounterVec
	BenchmarkCleanups   *prometheus.CounterVec
	RunsAborted         prometheus.Counter
	RunDurationSeconds  prometheus.Gauge
	IterationsCompleted prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.BenchmarksSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterbench_benchmarks_skipped_total",
			Help: "Benchmarks skipped because their results were already archived",
		},
		[]string{"class"},
	)

	m.ClassesInitialized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterbench_initializations_total",
			Help: "Benchmark initializations by class and outcome",
		},
		[]string{"class", "outcome"},
	)

	m.BenchmarkRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterbench_benchmark_runs_total",
			Help: "Benchmark runs by class and outcome",
		},
		[]string{"class", "outcome"},
	)

	m.BenchmarkCleanups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterbench_cleanups_total",
			Help: "Benchmark cleanups by class and outcome. Deferred cleanups happen at the end of the run",
		},
		[]string{"class", "outcome", "deferred"},
	)

	m.RunsAborted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clusterbench_runs_aborted_total",
			Help: "Orchestration runs which stopped early because of a failure",
		},
	)

	m.RunDurationSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clusterbench_run_duration_seconds",
			Help: "Duration of the last orchestration run in seconds",
		},
	)

	m.IterationsCompleted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clusterbench_iterations_completed",
			Help: "Iterations the last orchestration run completed",
		},
	)

	m.registry.MustRegister(
		m.BenchmarksSkipped,
		m.ClassesInitialized,
		m.BenchmarkRuns,
		m.BenchmarkCleanups,
		m.RunsAborted,
		m.RunDurationSeconds,
		m.IterationsCompleted,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Writes every metric to path in the text exposition format.
func (m *Metrics) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

func outcome(err error) string {
	if err != nil {
		return outcomeFailed
	}
	return outcomeOK
}

func deferredLabel(deferred bool) string {
	if deferred {
		return "true"
	}
	return "false"
}
