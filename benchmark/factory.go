package benchmark

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/Octogonapus/ClusterBenchmark/cluster"
	"github.com/Octogonapus/ClusterBenchmark/util"
	"github.com/google/uuid"
)

// Settings keys which are never expanded, whatever the benchmark type.
var neverExpanded = []string{"acceptable"}

type FactoryInput struct {
	// Benchmark type to that type's settings.
	Benchmarks map[string]map[string]any
	ArchiveDir string
	// Generated if empty.
	RunID string
}

// Creates the benchmarks of one iteration from the benchmark settings.
type Factory struct {
	input *FactoryInput
}

func NewFactory(input *FactoryInput) *Factory {
	if input.RunID == "" {
		input.RunID = uuid.NewString()
	}
	return &Factory{input: input}
}

func (f *Factory) RunID() string {
	return f.input.RunID
}

// Returns one benchmark per permutation of every benchmark type's settings, types in sorted order.
func (f *Factory) GetAll(c cluster.Cluster, iteration int) ([]Benchmark, error) {
	out := []Benchmark{}
	for _, btype := range util.SortedKeys(f.input.Benchmarks) {
		reg, ok := benchmarks[btype]
		if !ok {
			return nil, fmt.Errorf("unknown benchmark type: %s (must be one of %s)", btype, ExplainBenchmarks())
		}

		perms := Permutations(f.input.Benchmarks[btype], reg.listParams)
		slog.Debug("expanded benchmark settings", slog.String("type", btype), slog.Int("permutations", len(perms)), slog.Int("iteration", iteration))
		for _, config := range perms {
			config["benchmark"] = btype
			config["iteration"] = iteration
			b, err := newBenchmark(&BenchmarkContext{
				Cluster:    c,
				Type:       btype,
				Config:     config,
				Iteration:  iteration,
				ArchiveDir: f.input.ArchiveDir,
				RunID:      f.input.RunID,
			})
			if err != nil {
				return nil, fmt.Errorf("creating %s benchmark failed: %w", btype, err)
			}
			out = append(out, b)
		}
	}
	return out, nil
}

// Expands a settings map into the cartesian product of its list values. Keys are visited in sorted order, so the
// first sorted key varies slowest. Keys in fixed keep their list value as is. A key with an empty list produces no
// permutations.
func Permutations(config map[string]any, fixed []string) []map[string]any {
	perms := []map[string]any{{}}
	for _, key := range util.SortedKeys(config) {
		value := config[key]
		values, ok := value.([]any)
		if !ok || slices.Contains(fixed, key) || slices.Contains(neverExpanded, key) {
			for _, p := range perms {
				p[key] = value
			}
			continue
		}

		next := make([]map[string]any, 0, len(perms)*len(values))
		for _, p := range perms {
			for _, v := range values {
				np := util.CopyConfig(p)
				np[key] = v
				next = append(next, np)
			}
		}
		perms = next
	}
	return perms
}
