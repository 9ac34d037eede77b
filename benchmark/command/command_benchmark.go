// Package command implements a benchmark which runs an arbitrary shell command (e.g. fio or rados bench) on the
// cluster's head node.
package command

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/Octogonapus/ClusterBenchmark/benchmark"
	"github.com/Octogonapus/ClusterBenchmark/profile"
	"github.com/Octogonapus/ClusterBenchmark/settings"
	"github.com/Octogonapus/ClusterBenchmark/target"
)

const Type = "command"

type CommandBenchmarkInput struct {
	Name string
	// Run once per class on the head node, e.g. to create a pool.
	InitCommands []string `mapstructure:"init_commands"`
	// A local file copied to the head node during initialization.
	Script     string
	ScriptDest string `mapstructure:"script_dest"`
	// The benchmark itself.
	Command         string
	CleanupCommands []string `mapstructure:"cleanup_commands"`
	Runs            int
	Profiler        string
	Monitor         bool
}

type bmark struct {
	*benchmark.Base
	input *CommandBenchmarkInput
}

func init() {
	benchmark.RegisterBenchmark(Type, func(ctx *benchmark.BenchmarkContext) (benchmark.Benchmark, error) {
		input := &CommandBenchmarkInput{}
		err := settings.Decode(ctx.Config, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to CommandBenchmarkInput: %w", err)
		}
		return NewCommandBenchmark(ctx, input)
	}, "init_commands", "cleanup_commands")
}

func NewCommandBenchmark(ctx *benchmark.BenchmarkContext, input *CommandBenchmarkInput) (benchmark.Benchmark, error) {
	if input.Command == "" {
		return nil, fmt.Errorf("command benchmark needs a command")
	}
	if input.Script != "" && input.ScriptDest == "" {
		input.ScriptDest = path.Join("clusterbench", filepath.Base(input.Script))
	}
	base, err := benchmark.NewBase(ctx)
	if err != nil {
		return nil, err
	}
	return &bmark{Base: base, input: input}, nil
}

func (b *bmark) head() (target.Target, error) {
	head := b.Ctx.Cluster.Head()
	if head == nil {
		return nil, fmt.Errorf("cluster %s has no head node", b.Ctx.Cluster.GetName())
	}
	return head, nil
}

func (b *bmark) Initialize() error {
	return b.InitializeClusterWith(b.setUpHead)
}

// Runs the init commands and uploads the script.
func (b *bmark) setUpHead() error {
	head, err := b.head()
	if err != nil {
		return err
	}

	for _, cmd := range b.input.InitCommands {
		out, err := head.RunCommand(cmd)
		if err != nil {
			slog.Error("init command failed", slog.String("name", b.GetName()), slog.String("command", cmd), slog.String("command output", string(out)), slog.String("error", err.Error()))
			return fmt.Errorf("init command %q failed: %w", cmd, err)
		}
	}

	if b.input.Script != "" {
		f, err := os.Open(b.input.Script)
		if err != nil {
			return fmt.Errorf("opening script failed: %w", err)
		}
		defer f.Close()
		err = head.CopyFileTo(f, b.input.ScriptDest)
		if err != nil {
			slog.Error("failed to copy the script", slog.String("name", b.GetName()), slog.String("error", err.Error()))
			return err
		}
		out, err := head.RunCommand(fmt.Sprintf("chmod +x %s", b.input.ScriptDest))
		if err != nil {
			slog.Error("failed to make the script executable", slog.String("command output", string(out)), slog.String("error", err.Error()))
			return err
		}
	}
	return nil
}

func (b *bmark) Run() error {
	head, err := b.head()
	if err != nil {
		return err
	}
	err = b.WriteConfig()
	if err != nil {
		return err
	}

	runner := benchmark.NewRunner(&benchmark.RunnerInput{
		Name:           b.GetName(),
		Target:         head,
		ProfilerKind:   profile.ProfilerKind(b.input.Profiler),
		ProfileSaveDir: b.Dir(),
		Monitor:        b.input.Monitor,
		Runs:           b.input.Runs,
	})
	rep := b.NewReport()
	err = runner.SetUp()
	if err != nil {
		rep.Error = err.Error()
	} else {
		err = runner.Run(b.input.Command, rep)
	}

	saveErr := b.SaveReport(rep)
	return errors.Join(err, saveErr)
}

// Runs every cleanup command even if some fail, then tears down the cluster.
func (b *bmark) Cleanup() error {
	var errs []error
	head := b.Ctx.Cluster.Head()
	if head != nil {
		for _, cmd := range b.input.CleanupCommands {
			out, err := head.RunCommand(cmd)
			if err != nil {
				slog.Error("cleanup command failed", slog.String("name", b.GetName()), slog.String("command", cmd), slog.String("command output", string(out)), slog.String("error", err.Error()))
				errs = append(errs, fmt.Errorf("cleanup command %q failed: %w", cmd, err))
			}
		}
		if b.input.Script != "" {
			out, err := head.RunCommand(fmt.Sprintf("rm -f %s", b.input.ScriptDest))
			if err != nil {
				slog.Debug("failed to remove the script", slog.String("command output", string(out)), slog.String("error", err.Error()))
			}
		}
	}
	errs = append(errs, b.CleanupCluster())
	return errors.Join(errs...)
}
