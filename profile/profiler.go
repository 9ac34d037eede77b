package profile

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Octogonapus/ClusterBenchmark/target"
)

type Profiler interface {
	// Install whatever the profiler needs on the target.
	SetUp() error

	// Run the command under the profiler and return the remote path of the profiling result.
	ProfileCommand(cmd string) (string, error)
}

type ProfilerKind string

const (
	None ProfilerKind = "none"
	Perf ProfilerKind = "perf"
)

type ProfilerFactory func(target.Target) Profiler

var allProfilers map[ProfilerKind]ProfilerFactory

func RegisterProfiler(kind ProfilerKind, factory ProfilerFactory) {
	if allProfilers == nil {
		allProfilers = map[ProfilerKind]ProfilerFactory{}
	}
	allProfilers[kind] = factory
}

func NewProfiler(kind ProfilerKind, target target.Target) (Profiler, error) {
	if kind == None || kind == "" {
		return nil, fmt.Errorf("profiler kind %q is reserved and can't be created", kind)
	}

	factory, ok := allProfilers[kind]
	if !ok {
		return nil, fmt.Errorf("unknown profiler kind: %s", kind)
	}
	return factory(target), nil
}

func ExplainProfilers() string {
	kinds := []string{string(None)}
	for kind := range allProfilers {
		kinds = append(kinds, string(kind))
	}
	slices.Sort(kinds)
	return "\"" + strings.Join(kinds, "\", \"") + "\""
}
