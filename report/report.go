package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// The name of the report file inside a benchmark's archive directory. Its presence marks the benchmark as complete.
const FileName = "report.json"

// Failed runs are written here instead so that the next run retries them.
const FailedFileName = "report.failed.json"

type Measurement[T any] struct {
	Time  int64
	Value T
}

type DeviceMeasurement[T any] struct {
	DeviceName  string
	Measurement Measurement[T]
}

type SystemMeasurements struct {
	CpuUsageUser   []Measurement[float64]
	CpuUsageSystem []Measurement[float64]
	CpuUsageIdle   []Measurement[float64]
	CpuUsageIowait []Measurement[float64]
	CpuUsageSteal  []Measurement[float64]

	MemUsedBytes  []Measurement[int]
	MemUsedPct    []Measurement[float64]
	MemAvailBytes []Measurement[int]

	DiskReadBytes  []DeviceMeasurement[int]
	DiskWriteBytes []DeviceMeasurement[int]
	DiskIOTimeMs   []DeviceMeasurement[int]

	NetBytesSent []DeviceMeasurement[int]
	NetBytesRecv []DeviceMeasurement[int]
}

type BenchmarkReport struct {
	Name         string
	Class        string
	Iteration    int
	RunID        string
	Config       map[string]any
	Metadata     []any  // one entry for each repetition
	Error        string // non-empty iff the benchmark failed
	TotalTimeSec []float64
	// Named phases of a repetition (e.g. "write", "read") and how long each took.
	PhaseTimeSec       map[string][]float64 `json:",omitempty"`
	SystemMeasurements *SystemMeasurements  `json:",omitempty"`
}

// Writes the report into dir, creating dir if needed. Returns the path written to.
func (r *BenchmarkReport) Save(dir string) (string, error) {
	err := os.MkdirAll(dir, os.ModePerm)
	if err != nil {
		return "", err
	}
	buf, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshalling report failed: %w", err)
	}
	name := FileName
	if r.Error != "" {
		name = FailedFileName
	}
	p := filepath.Join(dir, name)
	return p, os.WriteFile(p, buf, 0644)
}

func Load(path string) (*BenchmarkReport, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r := &BenchmarkReport{}
	err = json.Unmarshal(buf, r)
	if err != nil {
		return nil, fmt.Errorf("unmarshalling report %s failed: %w", path, err)
	}
	return r, nil
}

// Returns the mean of the total times, or 0 if there are none.
func (r *BenchmarkReport) MeanTimeSec() float64 {
	if len(r.TotalTimeSec) == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range r.TotalTimeSec {
		sum += t
	}
	return sum / float64(len(r.TotalTimeSec))
}
