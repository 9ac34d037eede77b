package benchmarkorchestrator

import (
	"log/slog"

	"github.com/Octogonapus/ClusterBenchmark/benchmark"
)

// Remembers which benchmark initialized each class so that the class is initialized at most once per run and cleaned
// up exactly once at the end of it. Not goroutine-safe.
type GlobalInitTracker struct {
	rebuildEveryTest bool
	order            []benchmark.ClassID
	owners           map[benchmark.ClassID]benchmark.Benchmark
}

type DrainResult struct {
	Class benchmark.ClassID
	Name  string
	Err   error
}

func NewGlobalInitTracker(rebuildEveryTest bool) *GlobalInitTracker {
	return &GlobalInitTracker{
		rebuildEveryTest: rebuildEveryTest,
		owners:           map[benchmark.ClassID]benchmark.Benchmark{},
	}
}

// Whether a benchmark of this class must initialize before running.
func (t *GlobalInitTracker) ShouldInitialize(class benchmark.ClassID) bool {
	return t.rebuildEveryTest || !t.Tracks(class)
}

// Makes b the owner of its class's initialization, unless every test rebuilds or the class already has an owner.
// Returns whether b became the owner, in which case b is cleaned up by DrainAndCleanup and not before.
func (t *GlobalInitTracker) RecordInitialized(class benchmark.ClassID, b benchmark.Benchmark) bool {
	if t.rebuildEveryTest || t.Tracks(class) {
		return false
	}
	t.order = append(t.order, class)
	t.owners[class] = b
	return true
}

// Whether the class has an owner waiting to be cleaned up.
func (t *GlobalInitTracker) Tracks(class benchmark.ClassID) bool {
	_, ok := t.owners[class]
	return ok
}

func (t *GlobalInitTracker) Len() int {
	return len(t.order)
}

// Cleans up every owner in the order they were recorded. A failure doesn't stop the remaining cleanups. Each entry is
// removed as it is processed, so a second call does nothing.
func (t *GlobalInitTracker) DrainAndCleanup() []DrainResult {
	results := []DrainResult{}
	for len(t.order) > 0 {
		class := t.order[0]
		b := t.owners[class]
		t.order = t.order[1:]
		delete(t.owners, class)

		slog.Debug("cleaning up class", slog.String("class", string(class)), slog.String("name", b.GetName()))
		err := recovered(b.Cleanup)
		if err != nil {
			slog.Error("class cleanup failed", slog.String("class", string(class)), slog.String("name", b.GetName()), slog.String("phase", string(PhaseCleanup)), slog.String("error", err.Error()))
		}
		results = append(results, DrainResult{Class: class, Name: b.GetName(), Err: err})
	}
	return results
}
