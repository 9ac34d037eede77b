package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/Octogonapus/ClusterBenchmark/archive"
	"github.com/Octogonapus/ClusterBenchmark/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestMissingArchiveFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), `required flag(s) "archive" not set`)
}

func TestConfigurationErrorsExitWithOne(t *testing.T) {
	cases := map[string]string{
		"no benchmarks": "cluster:\n  nodes: [osd-1]\n  password: secret\n",
		"no cluster":    "benchmarks:\n  command:\n    command: true\n",
		"bad cluster":   "cluster:\n  type: nope\nbenchmarks:\n  command:\n    command: true\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			archiveDir := t.TempDir()
			var stdout, stderr bytes.Buffer
			code := run([]string{"-a", archiveDir, writeConfig(t, content)}, &stdout, &stderr)
			assert.Equal(t, 1, code)
			assert.Contains(t, stderr.String(), "Error:")
			assert.NoFileExists(t, filepath.Join(archiveDir, "clusterbench.prom"))
		})
	}

	t.Run("missing config file", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := run([]string{"-a", t.TempDir(), filepath.Join(t.TempDir(), "nope.yaml")}, &stdout, &stderr)
		assert.Equal(t, 1, code)
		assert.Contains(t, stderr.String(), "opening config file failed")
	})

	t.Run("bad format", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := run([]string{"-a", t.TempDir(), "-q", "SELECT 1", "-f", "xml"}, &stdout, &stderr)
		assert.Equal(t, 1, code)
		assert.Contains(t, stderr.String(), "unknown query format")
	})
}

func TestRunWithoutIterations(t *testing.T) {
	archiveDir := t.TempDir()
	config := writeConfig(t, `
general:
  iterations: 0
cluster:
  type: ssh
  nodes: [osd-1]
  password: secret
benchmarks:
  command:
    command: "true"
`)
	var stdout, stderr bytes.Buffer
	code := run([]string{"-a", archiveDir, "-v", config}, &stdout, &stderr)
	assert.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "benchmark run finished")
	assert.FileExists(t, filepath.Join(archiveDir, logFileName))
	assert.FileExists(t, filepath.Join(archiveDir, "clusterbench.prom"))
}

func TestRebuildAndQuery(t *testing.T) {
	archiveDir := t.TempDir()
	rep := &report.BenchmarkReport{Name: "seq-write", Class: "command", Iteration: 0, RunID: "r1", TotalTimeSec: []float64{2}}
	_, err := rep.Save(filepath.Join(archiveDir, "results", "00000000", "command", "idabc"))
	require.NoError(t, err)

	var stdout, stderr bytes.Buffer
	code := run([]string{"-a", archiveDir, "-r"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.FileExists(t, filepath.Join(archiveDir, archive.FileName))

	stdout.Reset()
	code = run([]string{"-a", archiveDir, "-q", "SELECT name, mean_time_sec FROM results", "-f", "raw"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "seq-write\t2\n")

	stdout.Reset()
	code = run([]string{"-a", archiveDir, "-q", "SELECT nope FROM nothing"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "query failed")
}
