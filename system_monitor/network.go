package systemmonitor

import (
	"strconv"
	"strings"

	"github.com/Octogonapus/ClusterBenchmark/report"
)

type netDevEntry struct {
	iface     string
	recvBytes int
	sendBytes int
}

// Parses /proc/net/dev, skipping the two header lines and the loopback interface.
func parseNetDev(buf []byte) []netDevEntry {
	out := []netDevEntry{}
	for _, line := range strings.Split(string(buf), "\n") {
		name, counters, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		parts := strings.Fields(counters)
		if len(parts) != 16 {
			continue
		}
		iface := strings.TrimSpace(name)
		if iface == "lo" {
			continue
		}
		recvBytes, _ := strconv.Atoi(parts[0])
		sendBytes, _ := strconv.Atoi(parts[8])
		out = append(out, netDevEntry{iface: iface, recvBytes: recvBytes, sendBytes: sendBytes})
	}
	return out
}

func appendNetworkMetrics(sm *report.SystemMeasurements, now int64, entries []netDevEntry) {
	for _, e := range entries {
		sm.NetBytesSent = append(sm.NetBytesSent, report.DeviceMeasurement[int]{
			DeviceName:  e.iface,
			Measurement: report.Measurement[int]{Time: now, Value: e.sendBytes},
		})
		sm.NetBytesRecv = append(sm.NetBytesRecv, report.DeviceMeasurement[int]{
			DeviceName:  e.iface,
			Measurement: report.Measurement[int]{Time: now, Value: e.recvBytes},
		})
	}
}
