package benchmark

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Octogonapus/ClusterBenchmark/report"
	"github.com/Octogonapus/ClusterBenchmark/util"
	"gopkg.in/yaml.v3"
)

// Written next to report.json so the archive can be indexed without the original settings files.
const ConfigFileName = "benchmark_config.yaml"

// Implements the archive bookkeeping shared by every benchmark kind. Kinds embed it.
type Base struct {
	Ctx  *BenchmarkContext
	hash string
	dir  string
}

func NewBase(ctx *BenchmarkContext) (*Base, error) {
	hash, err := util.ConfigHash(ctx.Config)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(ctx.ArchiveDir, "results", fmt.Sprintf("%08d", ctx.Iteration), ctx.Type, "id"+hash)
	return &Base{Ctx: ctx, hash: hash, dir: dir}, nil
}

// Where this benchmark's results are archived.
func (b *Base) Dir() string {
	return b.dir
}

func (b *Base) GetClass() ClassID {
	return ClassID(b.Ctx.Type)
}

func (b *Base) GetName() string {
	if name, ok := b.Ctx.Config["name"].(string); ok && name != "" {
		return name
	}
	return fmt.Sprintf("%s-%s", b.Ctx.Type, b.hash[:8])
}

func (b *Base) Exists() (bool, error) {
	_, err := os.Stat(filepath.Join(b.dir, report.FileName))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking for archived results failed: %w", err)
}

// Brings up the cluster unless it already exists.
func (b *Base) InitializeCluster() error {
	if b.Ctx.Cluster.UseExisting() {
		slog.Debug("using existing cluster", slog.String("cluster", b.Ctx.Cluster.GetName()))
		return nil
	}
	slog.Info("initializing cluster", slog.String("cluster", b.Ctx.Cluster.GetName()), slog.String("benchmark", b.GetName()))
	err := b.Ctx.Cluster.Initialize()
	if err != nil {
		return fmt.Errorf("initializing cluster %s failed: %w", b.Ctx.Cluster.GetName(), err)
	}
	return nil
}

// Brings up the cluster and then runs setUp. If setUp fails, the cluster is torn down again since a benchmark whose
// Initialize failed is never cleaned up.
func (b *Base) InitializeClusterWith(setUp func() error) error {
	err := b.InitializeCluster()
	if err != nil {
		return err
	}
	err = setUp()
	if err != nil {
		slog.Warn("initialization failed, cleaning up cluster", slog.String("benchmark", b.GetName()), slog.String("error", err.Error()))
		return errors.Join(err, b.CleanupCluster())
	}
	return nil
}

// Tears down the cluster unless it already existed.
func (b *Base) CleanupCluster() error {
	if b.Ctx.Cluster.UseExisting() {
		return nil
	}
	err := b.Ctx.Cluster.Cleanup()
	if err != nil {
		return fmt.Errorf("cleaning up cluster %s failed: %w", b.Ctx.Cluster.GetName(), err)
	}
	return nil
}

// Creates the archive directory and writes the benchmark's settings into it.
func (b *Base) WriteConfig() error {
	err := os.MkdirAll(b.dir, os.ModePerm)
	if err != nil {
		return err
	}
	buf, err := yaml.Marshal(b.Ctx.Config)
	if err != nil {
		return fmt.Errorf("marshalling benchmark config failed: %w", err)
	}
	return os.WriteFile(filepath.Join(b.dir, ConfigFileName), buf, 0644)
}

// Returns a report prefilled with this benchmark's identity.
func (b *Base) NewReport() *report.BenchmarkReport {
	return &report.BenchmarkReport{
		Name:      b.GetName(),
		Class:     string(b.GetClass()),
		Iteration: b.Ctx.Iteration,
		RunID:     b.Ctx.RunID,
		Config:    b.Ctx.Config,
	}
}

func (b *Base) SaveReport(rep *report.BenchmarkReport) error {
	p, err := rep.Save(b.dir)
	if err != nil {
		return fmt.Errorf("saving report failed: %w", err)
	}
	slog.Debug("saved report", slog.String("name", b.GetName()), slog.String("path", p))
	return nil
}
