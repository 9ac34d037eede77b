package benchmarkorchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Octogonapus/ClusterBenchmark/benchmark"
	"github.com/Octogonapus/ClusterBenchmark/cluster"
	"github.com/Octogonapus/ClusterBenchmark/settings"
)

type RunConfig struct {
	Iterations int
	// Initialize (and clean up) every benchmark instead of once per class.
	RebuildEveryTest bool
}

func NewRunConfig(s *settings.Settings) RunConfig {
	return RunConfig{Iterations: s.General.Iterations, RebuildEveryTest: s.RebuildEveryTest()}
}

// Creates the benchmarks of one iteration.
type Producer interface {
	GetAll(c cluster.Cluster, iteration int) ([]benchmark.Benchmark, error)
}

type OrchestratorInput struct {
	Settings *settings.Settings
	// Defaults to cluster.NewCluster.
	NewCluster func(map[string]any) (cluster.Cluster, error)
	// Defaults to a benchmark.Factory over the benchmark settings.
	Producer Producer
	// Created if nil.
	Metrics *Metrics
}

// Runs every benchmark for every iteration, one at a time, and guarantees cleanup of whatever was initialized.
type Orchestrator struct {
	input *OrchestratorInput
}

type Result struct {
	// The failure which stopped the run early. Nil if every iteration completed.
	Aborted error
	// Cleanup failures of deferred class owners, in cleanup order.
	CleanupFailures     []*PhaseError
	Skipped             int
	Ran                 int
	IterationsCompleted int
}

func (r *Result) Succeeded() bool {
	return r.Aborted == nil && len(r.CleanupFailures) == 0
}

// The process exit status for this result.
func (r *Result) ExitCode() int {
	if r.Succeeded() {
		return 0
	}
	return 1
}

// Every failure of the run, or nil.
func (r *Result) Err() error {
	errs := []error{r.Aborted}
	for _, e := range r.CleanupFailures {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}

func NewOrchestrator(input *OrchestratorInput) *Orchestrator {
	if input.NewCluster == nil {
		input.NewCluster = cluster.NewCluster
	}
	if input.Metrics == nil {
		input.Metrics = NewMetrics()
	}
	return &Orchestrator{input: input}
}

func (o *Orchestrator) Metrics() *Metrics {
	return o.input.Metrics
}

// Returns an error only if the run could not start because of a configuration error. All other failures are
// reported in the Result.
func (o *Orchestrator) Run() (*Result, error) {
	s := o.input.Settings
	err := s.CheckRunnable()
	if err != nil {
		return nil, err
	}
	cfg := NewRunConfig(s)
	slog.Debug("settings", slog.Any("general", s.General), slog.Any("cluster", s.Cluster), slog.Bool("rebuildEveryTest", cfg.RebuildEveryTest))

	c, err := o.input.NewCluster(s.Cluster)
	if err != nil {
		return nil, fmt.Errorf("%w: creating cluster failed: %w", settings.ErrConfiguration, err)
	}
	producer := o.input.Producer
	if producer == nil {
		producer = benchmark.NewFactory(&benchmark.FactoryInput{Benchmarks: s.Benchmarks, ArchiveDir: s.General.ArchiveDir})
	}

	m := o.input.Metrics
	start := time.Now()
	tracker := NewGlobalInitTracker(cfg.RebuildEveryTest)
	res := &Result{}

	res.Aborted = recovered(func() error {
		return o.runIterations(c, producer, cfg, tracker, res)
	})
	if res.Aborted != nil {
		m.RunsAborted.Inc()
		slog.Error("benchmark run aborted", slog.String("error", res.Aborted.Error()))
	}

	// Runs however the loop ended
	for _, d := range tracker.DrainAndCleanup() {
		m.BenchmarkCleanups.WithLabelValues(string(d.Class), outcome(d.Err), deferredLabel(true)).Inc()
		if d.Err != nil {
			res.CleanupFailures = append(res.CleanupFailures, &PhaseError{Iteration: -1, Class: d.Class, Name: d.Name, Phase: PhaseCleanup, Err: d.Err})
		}
	}

	m.RunDurationSeconds.Set(time.Since(start).Seconds())
	m.IterationsCompleted.Set(float64(res.IterationsCompleted))
	slog.Info("benchmark run finished",
		slog.Bool("succeeded", res.Succeeded()),
		slog.Int("ran", res.Ran),
		slog.Int("skipped", res.Skipped),
		slog.Int("iterationsCompleted", res.IterationsCompleted),
		slog.Int("cleanupFailures", len(res.CleanupFailures)),
	)
	return res, nil
}

// Returns the first failure, which ends the run.
func (o *Orchestrator) runIterations(c cluster.Cluster, producer Producer, cfg RunConfig, tracker *GlobalInitTracker, res *Result) error {
	for iteration := range cfg.Iterations {
		var bs []benchmark.Benchmark
		err := recovered(func() error {
			var err error
			bs, err = producer.GetAll(c, iteration)
			return err
		})
		if err != nil {
			return newPhaseError(iteration, nil, PhaseDiscovery, err)
		}
		slog.Info("starting iteration", slog.Int("iteration", iteration), slog.Int("benchmarks", len(bs)))

		for _, b := range bs {
			err = o.runBenchmark(iteration, b, tracker, res)
			if err != nil {
				return err
			}
		}
		res.IterationsCompleted++
	}
	return nil
}

func (o *Orchestrator) runBenchmark(iteration int, b benchmark.Benchmark, tracker *GlobalInitTracker, res *Result) error {
	m := o.input.Metrics
	class := b.GetClass()
	log := slog.With(slog.Int("iteration", iteration), slog.String("class", string(class)), slog.String("name", b.GetName()))

	var exists bool
	err := recovered(func() error {
		var err error
		exists, err = b.Exists()
		return err
	})
	if err != nil {
		return o.fail(log, newPhaseError(iteration, b, PhaseExists, err))
	}
	if exists {
		log.Info("skipping benchmark, results already archived")
		m.BenchmarksSkipped.WithLabelValues(string(class)).Inc()
		res.Skipped++
		return nil
	}

	if tracker.ShouldInitialize(class) {
		log.Debug("initializing")
		err = recovered(b.Initialize)
		m.ClassesInitialized.WithLabelValues(string(class), outcome(err)).Inc()
		if err != nil {
			return o.fail(log, newPhaseError(iteration, b, PhaseInitialize, err))
		}
		if tracker.RecordInitialized(class, b) {
			log.Debug("class cleanup deferred to the end of the run")
		}
	}

	log.Info("running benchmark")
	err = recovered(b.Run)
	m.BenchmarkRuns.WithLabelValues(string(class), outcome(err)).Inc()
	res.Ran++
	var runErr error
	if err != nil {
		runErr = o.fail(log, newPhaseError(iteration, b, PhaseRun, err))
	}

	// Cleanup is only deferred for the instance which owns its class's initialization
	var cleanupErr error
	if !tracker.Tracks(class) {
		log.Debug("cleaning up")
		err = recovered(b.Cleanup)
		m.BenchmarkCleanups.WithLabelValues(string(class), outcome(err), deferredLabel(false)).Inc()
		if err != nil {
			cleanupErr = o.fail(log, newPhaseError(iteration, b, PhaseCleanup, err))
		}
	}
	return errors.Join(runErr, cleanupErr)
}

func (o *Orchestrator) fail(log *slog.Logger, pe *PhaseError) error {
	log.Error("benchmark failed", slog.String("phase", string(pe.Phase)), slog.String("error", pe.Err.Error()))
	return pe
}
