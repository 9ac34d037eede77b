package benchmarkorchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/Octogonapus/ClusterBenchmark/benchmark"
)

type Phase string

const (
	PhaseDiscovery  Phase = "discovery"
	PhaseExists     Phase = "exists"
	PhaseInitialize Phase = "initialize"
	PhaseRun        Phase = "run"
	PhaseCleanup    Phase = "cleanup"
)

// Match a PhaseError by phase with errors.Is. Checking for existing results counts as discovery.
var (
	ErrDiscovery      = errors.New("benchmark discovery failed")
	ErrInitialization = errors.New("benchmark initialization failed")
	ErrRun            = errors.New("benchmark run failed")
	ErrCleanup        = errors.New("benchmark cleanup failed")
)

func (p Phase) sentinel() error {
	switch p {
	case PhaseDiscovery, PhaseExists:
		return ErrDiscovery
	case PhaseInitialize:
		return ErrInitialization
	case PhaseRun:
		return ErrRun
	case PhaseCleanup:
		return ErrCleanup
	default:
		return nil
	}
}

// A failure of one benchmark (or the producer, if Name is empty) in one phase. Iteration is -1 for cleanups deferred
// to the end of the run.
type PhaseError struct {
	Iteration int
	Class     benchmark.ClassID
	Name      string
	Phase     Phase
	Err       error
}

func newPhaseError(iteration int, b benchmark.Benchmark, phase Phase, err error) *PhaseError {
	pe := &PhaseError{Iteration: iteration, Phase: phase, Err: err}
	if b != nil {
		pe.Class = b.GetClass()
		pe.Name = b.GetName()
	}
	return pe
}

func (e *PhaseError) Error() string {
	var msg string
	if e.Name == "" {
		msg = fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
	} else {
		msg = fmt.Sprintf("%s of %s (class %s) failed: %v", e.Phase, e.Name, e.Class, e.Err)
	}
	if e.Iteration < 0 {
		return msg
	}
	return fmt.Sprintf("iteration %d: %s", e.Iteration, msg)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

func (e *PhaseError) Is(target error) bool {
	s := e.Phase.sentinel()
	return s != nil && target == s
}

// Calls f, turning a panic into an error.
func recovered(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered from panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f()
}
