package benchmark

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Octogonapus/ClusterBenchmark/profile"
	"github.com/Octogonapus/ClusterBenchmark/report"
	systemmonitor "github.com/Octogonapus/ClusterBenchmark/system_monitor"
	"github.com/Octogonapus/ClusterBenchmark/target"
	"github.com/Octogonapus/ClusterBenchmark/util"
)

type RunnerInput struct {
	Name         string
	Target       target.Target
	ProfilerKind profile.ProfilerKind
	// Where profiling results are copied to.
	ProfileSaveDir string
	Monitor        bool
	Runs           int
}

// Runs a shell command on a cluster node, optionally under the system monitor and a profiler, and records how long
// each repetition took.
type Runner struct {
	input *RunnerInput
	sm    systemmonitor.SystemMonitor
	prof  profile.Profiler
}

func NewRunner(input *RunnerInput) *Runner {
	input.Runs = max(input.Runs, 1)
	return &Runner{input: input}
}

// Set up the supporting machinery (e.g. system monitor, profiler).
func (r *Runner) SetUp() error {
	if r.input.Monitor {
		r.sm = systemmonitor.NewSystemMonitor(r.input.Target)
		err := r.sm.SetUp()
		if err != nil {
			return fmt.Errorf("setting up SystemMonitor failed: %w", err)
		}
	}

	if r.input.ProfilerKind != "" && r.input.ProfilerKind != profile.None {
		var err error
		r.prof, err = profile.NewProfiler(r.input.ProfilerKind, r.input.Target)
		if err != nil {
			return fmt.Errorf("creating profiler failed: %w", err)
		}
		err = r.prof.SetUp()
		if err != nil {
			return fmt.Errorf("setting up Profiler failed: %w", err)
		}
	}
	return nil
}

// Runs the command and fills in rep. A failure is also recorded in rep.Error.
func (r *Runner) Run(cmd string, rep *report.BenchmarkReport) error {
	err := r.run(cmd, rep)
	if err != nil {
		rep.Error = err.Error()
	}
	return err
}

func (r *Runner) run(cmd string, rep *report.BenchmarkReport) error {
	slog.Debug("benchmark command", slog.String("name", r.input.Name), slog.String("command", cmd))

	if r.sm != nil {
		err := r.sm.StartMonitoring()
		if err != nil {
			return fmt.Errorf("starting SystemMonitor failed: %w", err)
		}
		defer func() {
			r.sm.StopMonitoring()
			r.sm.WaitUntilStopped()
			rep.SystemMeasurements = r.sm.GetSystemMeasurements()
		}()
	}

	if r.prof != nil {
		return r.runProfiled(cmd, rep)
	}

	for i := range r.input.Runs {
		start := time.Now()
		out, err := r.input.Target.RunCommand(cmd)
		elapsed := time.Since(start).Seconds()
		if err != nil {
			slog.Error("running benchmark command failed", slog.String("name", r.input.Name), slog.String("error", err.Error()), slog.String("output", string(out)))
			return fmt.Errorf("running benchmark failed: %w", err)
		}
		slog.Debug("running benchmark command finished", slog.String("name", r.input.Name), slog.Int("run", i), slog.String("output", string(out)))

		rep.TotalTimeSec = append(rep.TotalTimeSec, elapsed)
		rep.Metadata = append(rep.Metadata, map[string]string{"command": cmd, "output": util.LastNonEmptyLine(out)})
	}
	return nil
}

func (r *Runner) runProfiled(cmd string, rep *report.BenchmarkReport) error {
	start := time.Now()
	remoteResultPath, err := r.prof.ProfileCommand(cmd)
	if err != nil {
		return fmt.Errorf("profiling benchmark failed: %w", err)
	}
	rep.TotalTimeSec = append(rep.TotalTimeSec, time.Since(start).Seconds())

	err = os.MkdirAll(r.input.ProfileSaveDir, os.ModePerm)
	if err != nil {
		return err
	}
	localResultPath := filepath.Join(r.input.ProfileSaveDir, filepath.Base(remoteResultPath))
	rep.Metadata = append(rep.Metadata, map[string]string{
		"command":             cmd,
		"profiler":            string(r.input.ProfilerKind),
		"profilingResultPath": localResultPath,
	})
	localResultFile, err := os.Create(localResultPath)
	if err != nil {
		return fmt.Errorf("failed to open local result path for writing: %w", err)
	}
	defer localResultFile.Close()
	err = r.input.Target.CopyFileFrom(remoteResultPath, localResultFile)
	if err != nil {
		return fmt.Errorf("failed to copy profiling result: %w", err)
	}
	return nil
}
