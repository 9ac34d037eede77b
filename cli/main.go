package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Octogonapus/ClusterBenchmark/archive"
	_ "github.com/Octogonapus/ClusterBenchmark/benchmark/command"
	_ "github.com/Octogonapus/ClusterBenchmark/benchmark/s3bench"
	benchmarkorchestrator "github.com/Octogonapus/ClusterBenchmark/benchmark_orchestrator"
	"github.com/Octogonapus/ClusterBenchmark/settings"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const logFileName = "clusterbench.log"

var exit = os.Exit

type options struct {
	archive string
	rebuild bool
	query   string
	format  string
	conf    string
	verbose bool
}

func main() {
	exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// Returns the process exit status.
func run(args []string, stdout io.Writer, stderr io.Writer) int {
	code := 0
	cmd := newRootCmd(stdout, &code)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.Execute()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return code
}

func newRootCmd(stdout io.Writer, code *int) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "clusterbench -a ARCHIVE [flags] [config.yaml ...]",
		Short: "Continuously run storage cluster benchmarks",
		Long: `Runs the benchmarks described by the YAML config files against a storage cluster, once per iteration.
Results are archived under the archive directory and benchmarks whose results already exist are skipped.
The archive can be indexed into a SQLite database (-r) and queried with SQL (-q).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			*code, err = execute(opts, args, stdout)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.archive, "archive", "a", "", "Directory where the results should be archived.")
	flags.BoolVarP(&opts.rebuild, "rebuild", "r", false, "Rebuild the results archive database.")
	flags.StringVarP(&opts.query, "query", "q", "", "Query the results archive using SQL.")
	flags.StringVarP(&opts.format, "format", "f", "", fmt.Sprintf("The query results format. Must be one of: %s. Defaults to %s.", strings.Join(settings.Formats, ", "), settings.FormatCSV))
	flags.StringVarP(&opts.conf, "conf", "c", "", "The cluster configuration file to use (e.g. ceph.conf).")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging.")
	_ = cmd.MarkFlagRequired("archive")
	return cmd
}

func execute(opts *options, configFiles []string, stdout io.Writer) (int, error) {
	// A .env next to the config may hold AWS credentials. It is optional.
	err := godotenv.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 1, fmt.Errorf("loading .env failed: %w", err)
	}

	closeLog, err := setUpLogging(opts.archive, opts.verbose, stdout)
	if err != nil {
		return 1, err
	}
	defer closeLog()

	s, err := settings.Load(&settings.LoadInput{
		ConfigFiles: configFiles,
		ArchiveDir:  opts.archive,
		Conf:        opts.conf,
		Rebuild:     opts.rebuild,
		Query:       opts.query,
		Format:      opts.format,
	})
	if err != nil {
		return 1, err
	}

	if s.General.Rebuild {
		return rebuild(s.General.ArchiveDir)
	}
	if s.General.Query != "" {
		return query(s.General.ArchiveDir, s.General.Query, s.General.Format, stdout)
	}
	return runTests(s)
}

func rebuild(archiveDir string) (int, error) {
	a, err := archive.Open(archiveDir, true)
	if err != nil {
		return 1, err
	}
	return 0, a.Close()
}

func query(archiveDir string, q string, format string, stdout io.Writer) (int, error) {
	a, err := archive.Open(archiveDir, false)
	if err != nil {
		return 1, err
	}
	defer a.Close()
	err = a.Query(q, format, stdout)
	if err != nil {
		return 1, err
	}
	return 0, nil
}

func runTests(s *settings.Settings) (int, error) {
	orch := benchmarkorchestrator.NewOrchestrator(&benchmarkorchestrator.OrchestratorInput{Settings: s})
	res, err := orch.Run()
	if err != nil {
		return 1, err
	}

	if s.General.MetricsPath != "" {
		err = orch.Metrics().WriteToTextfile(s.General.MetricsPath)
		if err != nil {
			slog.Warn("writing metrics failed", slog.String("path", s.General.MetricsPath), slog.String("error", err.Error()))
		}
	}
	if !res.Succeeded() {
		slog.Error("benchmarks failed", slog.String("error", res.Err().Error()))
	}
	return res.ExitCode(), nil
}

// Logs to stdout and to a log file in the archive directory. The returned func closes the log file.
func setUpLogging(archiveDir string, verbose bool, stdout io.Writer) (func(), error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	err := os.MkdirAll(archiveDir, os.ModePerm)
	if err != nil {
		return nil, fmt.Errorf("creating archive directory failed: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(archiveDir, logFileName), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file failed: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.MultiWriter(stdout, f), &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return func() { f.Close() }, nil
}
