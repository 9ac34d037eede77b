package systemmonitor

import (
	"strconv"
	"strings"

	"github.com/Octogonapus/ClusterBenchmark/report"
)

const sectorSize = 512

type diskstatEntry struct {
	deviceName        string
	sectorsRead       int
	sectorsWritten    int
	timeSpentDoingIos int
}

// Parses /proc/diskstats. Partitions and virtual devices are kept; consumers filter by device name.
func parseDiskStats(buf []byte) []diskstatEntry {
	out := []diskstatEntry{}
	for _, line := range strings.Split(string(buf), "\n") {
		parts := strings.Fields(line)
		// Kernels before 4.18 report 14 fields, newer ones 18 or 20
		if len(parts) < 14 {
			continue
		}
		sectorsRead, _ := strconv.Atoi(parts[5])
		sectorsWritten, _ := strconv.Atoi(parts[9])
		ioTime, _ := strconv.Atoi(parts[12])
		out = append(out, diskstatEntry{
			deviceName:        parts[2],
			sectorsRead:       sectorsRead,
			sectorsWritten:    sectorsWritten,
			timeSpentDoingIos: ioTime,
		})
	}
	return out
}

func appendDiskIOMetrics(sm *report.SystemMeasurements, now int64, entries []diskstatEntry) {
	for _, e := range entries {
		device := func(v int) report.DeviceMeasurement[int] {
			return report.DeviceMeasurement[int]{DeviceName: e.deviceName, Measurement: report.Measurement[int]{Time: now, Value: v}}
		}
		sm.DiskReadBytes = append(sm.DiskReadBytes, device(e.sectorsRead*sectorSize))
		sm.DiskWriteBytes = append(sm.DiskWriteBytes, device(e.sectorsWritten*sectorSize))
		sm.DiskIOTimeMs = append(sm.DiskIOTimeMs, device(e.timeSpentDoingIos))
	}
}
