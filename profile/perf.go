package profile

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/Octogonapus/ClusterBenchmark/target"
	"github.com/Octogonapus/ClusterBenchmark/util"
)

type perf struct {
	target target.Target
}

func init() {
	RegisterProfiler(Perf, NewPerf)
}

func NewPerf(target target.Target) Profiler {
	return &perf{target: target}
}

func (p *perf) SetUp() error {
	out, err := p.target.RunCommand("command -v perf || (apt-get update -y && apt-get install -y linux-tools-common linux-tools-$(uname -r))")
	if err != nil {
		slog.Error("perf: installing linux-tools failed", slog.String("target", p.target.GetAddress()), slog.String("command output", string(out)), slog.String("error", err.Error()))
		return fmt.Errorf("installing perf failed: %w", err)
	}
	return nil
}

func (p *perf) ProfileCommand(cmd string) (string, error) {
	resultFile := fmt.Sprintf("/tmp/perf-%s.data", util.Randstring(8))
	out, err := p.target.RunCommand(fmt.Sprintf("perf record -g -o %s -- sh -c %s", resultFile, shellQuote(cmd)))
	if err != nil {
		slog.Error("perf: recording failed", slog.String("command output", string(out)), slog.String("error", err.Error()))
		return "", fmt.Errorf("recording failed: %w", err)
	}
	return resultFile, nil
}

// Quotes s for use as a single POSIX shell word.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
