package command

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Octogonapus/ClusterBenchmark/benchmark"
	"github.com/Octogonapus/ClusterBenchmark/report"
	"github.com/Octogonapus/ClusterBenchmark/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type fakeTarget struct {
	cmds   []string
	fail   map[string]bool
	copies map[string]string
}

func (f *fakeTarget) RunCommand(cmd string) ([]byte, error) {
	f.cmds = append(f.cmds, cmd)
	if f.fail[cmd] {
		return nil, errors.New("exit status 1")
	}
	return []byte("ok\n"), nil
}
func (f *fakeTarget) CopyFileTo(r io.Reader, remotePath string) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if f.copies == nil {
		f.copies = map[string]string{}
	}
	f.copies[remotePath] = string(buf)
	return nil
}
func (f *fakeTarget) CopyFileFrom(string, io.Writer) error { return nil }
func (f *fakeTarget) Client() (*ssh.Client, error)         { return nil, errors.New("fake") }
func (f *fakeTarget) GetAddress() string                   { return "head:22" }

type fakeCluster struct {
	head     *fakeTarget
	inits    int
	cleanups int
}

func (c *fakeCluster) Initialize() error { c.inits++; return nil }
func (c *fakeCluster) Cleanup() error    { c.cleanups++; return nil }
func (c *fakeCluster) Head() target.Target {
	if c.head == nil {
		return nil
	}
	return c.head
}
func (c *fakeCluster) Nodes() []target.Target { return nil }
func (c *fakeCluster) UseExisting() bool      { return false }
func (c *fakeCluster) GetName() string        { return "fake" }

func newBenchmark(t *testing.T, c *fakeCluster, config map[string]any) benchmark.Benchmark {
	t.Helper()
	bs, err := benchmark.NewFactory(&benchmark.FactoryInput{
		Benchmarks: map[string]map[string]any{Type: config},
		ArchiveDir: t.TempDir(),
	}).GetAll(c, 0)
	require.NoError(t, err)
	require.Len(t, bs, 1)
	return bs[0]
}

func TestLifecycle(t *testing.T) {
	script := filepath.Join(t.TempDir(), "bench.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nfio \"$@\"\n"), 0755))

	c := &fakeCluster{head: &fakeTarget{}}
	b := newBenchmark(t, c, map[string]any{
		"name":             "seq-write",
		"init_commands":    []any{"ceph osd pool create bench", "ceph osd pool application enable bench rbd"},
		"script":           script,
		"command":          "clusterbench/bench.sh --rw=write",
		"cleanup_commands": []any{"ceph osd pool rm bench bench --yes-i-really-really-mean-it"},
		"runs":             "2",
	})
	assert.Equal(t, benchmark.ClassID(Type), b.GetClass())
	assert.Equal(t, "seq-write", b.GetName())

	exists, err := b.Exists()
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, b.Initialize())
	assert.Equal(t, "#!/bin/sh\nfio \"$@\"\n", c.head.copies["clusterbench/bench.sh"])

	require.NoError(t, b.Run())
	exists, err = b.Exists()
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, b.Cleanup())
	assert.Equal(t, 1, c.cleanups)
	assert.Equal(t, []string{
		"ceph osd pool create bench",
		"ceph osd pool application enable bench rbd",
		"chmod +x clusterbench/bench.sh",
		"clusterbench/bench.sh --rw=write",
		"clusterbench/bench.sh --rw=write",
		"ceph osd pool rm bench bench --yes-i-really-really-mean-it",
		"rm -f clusterbench/bench.sh",
	}, c.head.cmds)
}

func TestListValuedSettingsExpand(t *testing.T) {
	c := &fakeCluster{head: &fakeTarget{}}
	bs, err := benchmark.NewFactory(&benchmark.FactoryInput{
		Benchmarks: map[string]map[string]any{Type: {
			"command":       []any{"fio --rw=read", "fio --rw=write"},
			"init_commands": []any{"a", "b"},
		}},
		ArchiveDir: t.TempDir(),
	}).GetAll(c, 0)
	require.NoError(t, err)
	require.Len(t, bs, 2)

	require.NoError(t, bs[1].Initialize())
	assert.Equal(t, []string{"a", "b"}, c.head.cmds)
}

func TestRunFailureWritesFailedReport(t *testing.T) {
	c := &fakeCluster{head: &fakeTarget{fail: map[string]bool{"false": true}}}
	archive := t.TempDir()
	bs, err := benchmark.NewFactory(&benchmark.FactoryInput{
		Benchmarks: map[string]map[string]any{Type: {"command": "false"}},
		ArchiveDir: archive,
	}).GetAll(c, 0)
	require.NoError(t, err)

	err = bs[0].Run()
	assert.ErrorContains(t, err, "running benchmark failed")
	exists, err := bs[0].Exists()
	require.NoError(t, err)
	assert.False(t, exists)

	matches, err := filepath.Glob(filepath.Join(archive, "results", "00000000", Type, "id*", report.FailedFileName))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	rep, err := report.Load(matches[0])
	require.NoError(t, err)
	assert.True(t, strings.Contains(rep.Error, "exit status 1"))
}

func TestCleanupContinuesAfterFailure(t *testing.T) {
	c := &fakeCluster{head: &fakeTarget{fail: map[string]bool{"one": true}}}
	b := newBenchmark(t, c, map[string]any{"command": "true", "cleanup_commands": []any{"one", "two"}})
	err := b.Cleanup()
	assert.ErrorContains(t, err, `cleanup command "one" failed`)
	assert.Equal(t, []string{"one", "two"}, c.head.cmds)
	assert.Equal(t, 1, c.cleanups)
}

func TestInvalidSettings(t *testing.T) {
	_, err := benchmark.NewFactory(&benchmark.FactoryInput{
		Benchmarks: map[string]map[string]any{Type: {"init_commands": []any{"a"}}},
	}).GetAll(&fakeCluster{}, 0)
	assert.ErrorContains(t, err, "needs a command")

	b := newBenchmark(t, &fakeCluster{}, map[string]any{"command": "true"})
	assert.ErrorContains(t, b.Initialize(), "no head node")

	b = newBenchmark(t, &fakeCluster{head: &fakeTarget{}}, map[string]any{"command": "true", "script": filepath.Join(t.TempDir(), "missing.sh")})
	assert.ErrorContains(t, b.Initialize(), "opening script failed")
}

func TestFailedInitializeCleansUpCluster(t *testing.T) {
	c := &fakeCluster{head: &fakeTarget{fail: map[string]bool{"ceph osd pool create x": true}}}
	b := newBenchmark(t, c, map[string]any{
		"command":       "true",
		"init_commands": []any{"ceph osd pool create x", "never"},
	})

	err := b.Initialize()
	assert.ErrorContains(t, err, `init command "ceph osd pool create x" failed`)
	assert.Equal(t, 1, c.inits)
	assert.Equal(t, 1, c.cleanups)
	assert.Equal(t, []string{"ceph osd pool create x"}, c.head.cmds)

	t.Run("script copy", func(t *testing.T) {
		c := &fakeCluster{head: &fakeTarget{}}
		b := newBenchmark(t, c, map[string]any{"command": "true", "script": filepath.Join(t.TempDir(), "missing.sh")})
		assert.ErrorContains(t, b.Initialize(), "opening script failed")
		assert.Equal(t, 1, c.cleanups)
	})
}
