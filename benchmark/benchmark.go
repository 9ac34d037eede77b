package benchmark

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Octogonapus/ClusterBenchmark/cluster"
)

// Identifies benchmarks which share initialization. Only the first benchmark of a class to be initialized does the
// initialization, and that benchmark is the one cleaned up at the end of the run.
type ClassID string

type Benchmark interface {
	// Whether this benchmark's results are already archived, in which case it is skipped.
	Exists() (bool, error)

	// Set up the class-level environment (e.g. cluster, pools, buckets, installed tools).
	Initialize() error

	// Run the benchmark and archive its results.
	Run() error

	// Tear down what Initialize created.
	Cleanup() error

	GetClass() ClassID

	// A human-friendly name the user can set for this benchmark. Only used for logging.
	GetName() string
}

// Everything a benchmark kind gets when it is created.
type BenchmarkContext struct {
	Cluster cluster.Cluster
	// The registered benchmark type, e.g. "command".
	Type string
	// One permutation of the user's benchmark settings.
	Config     map[string]any
	Iteration  int
	ArchiveDir string
	// Shared by every benchmark created by one Factory.
	RunID string
}

type benchmarkFactory func(*BenchmarkContext) (Benchmark, error)

type registration struct {
	factory    benchmarkFactory
	listParams []string
}

var benchmarks map[string]registration

// All benchmarks must register themselves at module load time so that settings can create a benchmark of that type.
// listParams names settings whose values are lists on their own (e.g. a list of commands) and must not be expanded
// into one benchmark per element.
func RegisterBenchmark(btype string, f benchmarkFactory, listParams ...string) {
	if benchmarks == nil {
		benchmarks = map[string]registration{}
	}
	benchmarks[btype] = registration{factory: f, listParams: listParams}
}

func ExplainBenchmarks() string {
	types := []string{}
	for btype := range benchmarks {
		types = append(types, btype)
	}
	slices.Sort(types)
	return "\"" + strings.Join(types, "\", \"") + "\""
}

func newBenchmark(ctx *BenchmarkContext) (Benchmark, error) {
	reg, ok := benchmarks[ctx.Type]
	if !ok {
		return nil, fmt.Errorf("unknown benchmark type: %s (must be one of %s)", ctx.Type, ExplainBenchmarks())
	}
	return reg.factory(ctx)
}
