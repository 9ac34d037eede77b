package systemmonitor

import (
	"strconv"
	"strings"

	"github.com/Octogonapus/ClusterBenchmark/report"
)

// Cumulative CPU time counters from the aggregate "cpu" line of /proc/stat, in USER_HZ.
type cpuTimeStat struct {
	user      int
	nice      int
	system    int
	idle      int
	iowait    int
	irq       int
	softIrq   int
	steal     int
	guest     int
	guestNice int
}

func (ts *cpuTimeStat) totalCPUTime() int {
	return ts.user + ts.system + ts.nice + ts.iowait + ts.irq + ts.softIrq + ts.steal + ts.idle
}

func parseCPUTimeStat(buf []byte) *cpuTimeStat {
	for _, line := range strings.Split(string(buf), "\n") {
		// Per-core lines are "cpu0", "cpu1", ...; only the total is used
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}

		parts := strings.Fields(line)
		values := make([]int, 10)
		for i := range values {
			if i+1 < len(parts) {
				values[i], _ = strconv.Atoi(parts[i+1])
			}
		}
		return &cpuTimeStat{
			user:      values[0],
			nice:      values[1],
			system:    values[2],
			idle:      values[3],
			iowait:    values[4],
			irq:       values[5],
			softIrq:   values[6],
			steal:     values[7],
			guest:     values[8],
			guestNice: values[9],
		}
	}
	return nil
}

func appendCPUMetrics(sm *report.SystemMeasurements, now int64, curr *cpuTimeStat, prev *cpuTimeStat) {
	delta := float64(curr.totalCPUTime() - prev.totalCPUTime())
	if delta <= 0 {
		return
	}
	pct := func(c int, p int) report.Measurement[float64] {
		return report.Measurement[float64]{Time: now, Value: float64(100*(c-p)) / delta}
	}
	// Guest time is already counted in user time
	sm.CpuUsageUser = append(sm.CpuUsageUser, pct(curr.user-curr.guest, prev.user-prev.guest))
	sm.CpuUsageSystem = append(sm.CpuUsageSystem, pct(curr.system, prev.system))
	sm.CpuUsageIdle = append(sm.CpuUsageIdle, pct(curr.idle, prev.idle))
	sm.CpuUsageIowait = append(sm.CpuUsageIowait, pct(curr.iowait, prev.iowait))
	sm.CpuUsageSteal = append(sm.CpuUsageSteal, pct(curr.steal, prev.steal))
}
