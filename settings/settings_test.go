package settings

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name string, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const baseConfig = `
general:
  iterations: 2
cluster:
  type: ssh
  user: root
  nodes: [osd-0, osd-1]
  rebuild_every_test: false
benchmarks:
  command:
    command: "rados bench -p data 60 write"
    runs: [1, 2]
`

const overrideConfig = `
general:
  iterations: 5
cluster:
  rebuild_every_test: true
benchmarks:
  s3:
    bucket: bench
`

func TestLoadMergesFilesInOrder(t *testing.T) {
	s, err := Load(&LoadInput{
		ConfigFiles: []string{writeConfig(t, "base.yaml", baseConfig), writeConfig(t, "override.yaml", overrideConfig)},
		ArchiveDir:  "/tmp/archive",
	})
	require.NoError(t, err)

	assert.Equal(t, 5, s.General.Iterations)
	assert.Equal(t, "/tmp/archive", s.General.ArchiveDir)
	assert.Equal(t, FormatCSV, s.General.Format)
	assert.Equal(t, filepath.Join("/tmp/archive", "clusterbench.prom"), s.General.MetricsPath)
	assert.Equal(t, "ssh", s.Cluster["type"])
	assert.True(t, s.RebuildEveryTest())
	require.Contains(t, s.Benchmarks, "command")
	require.Contains(t, s.Benchmarks, "s3")
	assert.Equal(t, "bench", s.Benchmarks["s3"]["bucket"])
	assert.Len(t, s.Benchmarks["command"]["runs"], 2)
	assert.NoError(t, s.CheckRunnable())
}

func TestLoadCommandLineOverrides(t *testing.T) {
	s, err := Load(&LoadInput{
		ConfigFiles: []string{writeConfig(t, "base.yaml", baseConfig)},
		ArchiveDir:  "archive",
		Conf:        "/etc/ceph/ceph.conf",
		Rebuild:     true,
		Query:       "SELECT * FROM results",
		Format:      FormatJSON,
	})
	require.NoError(t, err)

	assert.True(t, s.General.Rebuild)
	assert.Equal(t, "SELECT * FROM results", s.General.Query)
	assert.Equal(t, FormatJSON, s.General.Format)
	assert.Equal(t, "/etc/ceph/ceph.conf", s.Cluster["conf"])
	assert.False(t, s.RebuildEveryTest())
}

func TestLoadWeaklyTypedValues(t *testing.T) {
	s, err := Load(&LoadInput{
		ConfigFiles: []string{writeConfig(t, "c.yaml", "general:\n  iterations: \"3\"\ncluster:\n  rebuild_every_test: \"true\"\n")},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, s.General.Iterations)
	assert.True(t, s.RebuildEveryTest())
	assert.Empty(t, s.General.MetricsPath)
}

func TestLoadConfigurationErrors(t *testing.T) {
	t.Run("no general settings", func(t *testing.T) {
		_, err := Load(&LoadInput{ConfigFiles: []string{writeConfig(t, "c.yaml", "cluster:\n  user: root\n")}})
		assert.ErrorIs(t, err, ErrNoGeneralSettings)
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(&LoadInput{ConfigFiles: []string{filepath.Join(t.TempDir(), "nope.yaml")}})
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := Load(&LoadInput{ConfigFiles: []string{writeConfig(t, "c.yaml", "general: [unclosed\n")}})
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := Load(&LoadInput{ArchiveDir: "a", Format: "xml"})
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.ErrorContains(t, err, "xml")
	})

	t.Run("negative iterations", func(t *testing.T) {
		_, err := Load(&LoadInput{ConfigFiles: []string{writeConfig(t, "c.yaml", "general:\n  iterations: -1\n")}})
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("rebuild_every_test is not a bool", func(t *testing.T) {
		config := writeConfig(t, "c.yaml", "cluster:\n  rebuild_every_test: yes please\nbenchmarks:\n  command:\n    command: \"true\"\n")
		_, err := Load(&LoadInput{ArchiveDir: "a", ConfigFiles: []string{config}})
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.ErrorContains(t, err, "rebuild_every_test")

		s := &Settings{
			Cluster:    map[string]any{"rebuild_every_test": "yes please"},
			Benchmarks: map[string]map[string]any{"command": {}},
		}
		assert.ErrorIs(t, s.CheckRunnable(), ErrConfiguration)
		assert.False(t, s.RebuildEveryTest())
	})

	t.Run("benchmark is not a map", func(t *testing.T) {
		_, err := Load(&LoadInput{ArchiveDir: "a", ConfigFiles: []string{writeConfig(t, "c.yaml", "benchmarks:\n  command: 3\n")}})
		assert.ErrorIs(t, err, ErrConfiguration)
	})
}

func TestCheckRunnable(t *testing.T) {
	s, err := Load(&LoadInput{ArchiveDir: "archive"})
	require.NoError(t, err)
	assert.True(t, errors.Is(s.CheckRunnable(), ErrNoClusterSettings))

	s.Cluster["user"] = "root"
	assert.True(t, errors.Is(s.CheckRunnable(), ErrNoBenchmarkSettings))
	assert.ErrorIs(t, s.CheckRunnable(), ErrConfiguration)

	s.Benchmarks["command"] = map[string]any{}
	assert.NoError(t, s.CheckRunnable())
}
