package systemmonitor

import (
	"strconv"
	"strings"

	"github.com/Octogonapus/ClusterBenchmark/report"
)

type memInfo struct {
	total     int
	free      int
	available int
	buffers   int
	cached    int
}

func (m *memInfo) used() int {
	return m.total - m.free - m.buffers - m.cached
}

// Parses /proc/meminfo. All values are converted from KiB to bytes.
func parseMemInfo(buf []byte) *memInfo {
	mem := &memInfo{}
	found := false
	for _, line := range strings.Split(string(buf), "\n") {
		parts := strings.Fields(line)
		if len(parts) != 3 || !strings.HasSuffix(parts[0], ":") {
			continue
		}
		value, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		bytes := value * 1024
		switch strings.TrimSuffix(parts[0], ":") {
		case "MemTotal":
			mem.total = bytes
			found = true
		case "MemFree":
			mem.free = bytes
		case "MemAvailable":
			mem.available = bytes
		case "Buffers":
			mem.buffers = bytes
		case "Cached", "SReclaimable":
			mem.cached += bytes
		}
	}
	if !found {
		return nil
	}
	return mem
}

func appendMemoryMetrics(sm *report.SystemMeasurements, now int64, mem *memInfo) {
	used := mem.used()
	usedPct := 0.0
	if mem.total > 0 {
		usedPct = 100 * float64(used) / float64(mem.total)
	}
	sm.MemUsedBytes = append(sm.MemUsedBytes, report.Measurement[int]{Time: now, Value: used})
	sm.MemUsedPct = append(sm.MemUsedPct, report.Measurement[float64]{Time: now, Value: usedPct})
	sm.MemAvailBytes = append(sm.MemAvailBytes, report.Measurement[int]{Time: now, Value: mem.available})
}
