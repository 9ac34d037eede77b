package systemmonitor

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Octogonapus/ClusterBenchmark/report"
	"github.com/Octogonapus/ClusterBenchmark/target"
	"golang.org/x/crypto/ssh"
)

// Samples resource usage of one cluster node while a benchmark runs.
type SystemMonitor interface {
	SetUp() error
	StartMonitoring() error
	StopMonitoring()
	WaitUntilStopped()
	GetSystemMeasurements() *report.SystemMeasurements
}

type systemMonitor struct {
	target target.Target
	stop   *atomic.Bool
	wg     *sync.WaitGroup
	mu     sync.Mutex
	sm     *report.SystemMeasurements
}

func NewSystemMonitor(target target.Target) SystemMonitor {
	return &systemMonitor{
		target: target,
		stop:   &atomic.Bool{},
		wg:     &sync.WaitGroup{},
		sm:     &report.SystemMeasurements{},
	}
}

func (mon *systemMonitor) SetUp() error {
	out, err := mon.target.RunCommand("test -r /proc/stat && test -r /proc/meminfo && test -r /proc/net/dev && test -r /proc/diskstats")
	if err != nil {
		slog.Error("SystemMonitor: procfs is not readable", slog.String("target", mon.target.GetAddress()), slog.String("command output", string(out)), slog.String("error", err.Error()))
		return fmt.Errorf("procfs is not readable on %s: %w", mon.target.GetAddress(), err)
	}
	return nil
}

func (mon *systemMonitor) StartMonitoring() error {
	client, err := mon.target.Client()
	if err != nil {
		return err
	}

	mon.stop.Store(false)
	mon.wg.Add(1)
	go mon.runMonitor(client)
	return nil
}

func (mon *systemMonitor) StopMonitoring() {
	mon.stop.Store(true)
}

func (mon *systemMonitor) WaitUntilStopped() {
	mon.wg.Wait()
}

func (mon *systemMonitor) GetSystemMeasurements() *report.SystemMeasurements {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return mon.sm
}

var loopTime = 1 * time.Second
var maxJitter = 1 * time.Second

func (mon *systemMonitor) runMonitor(client *ssh.Client) {
	var prevCPU *cpuTimeStat
	defer mon.wg.Done()
	lastWakeTime := time.Now()
	for !mon.stop.Load() {
		jitterMs := time.Since(lastWakeTime).Milliseconds() - loopTime.Milliseconds()
		if jitterMs > maxJitter.Milliseconds() {
			slog.Warn("SystemMonitor: jitter exceeded maximum", slog.Int64("jitterMs", jitterMs), slog.Int64("maxJitterMs", maxJitter.Milliseconds()))
		}
		lastWakeTime = time.Now()

		currCPU := parseCPUTimeStat(mon.runCommand(client, "cat /proc/stat"))
		mem := parseMemInfo(mon.runCommand(client, "cat /proc/meminfo"))
		disks := parseDiskStats(mon.runCommand(client, "cat /proc/diskstats"))
		ifaces := parseNetDev(mon.runCommand(client, "cat /proc/net/dev"))
		now := time.Now().Unix()

		mon.mu.Lock()
		if prevCPU != nil && currCPU != nil {
			appendCPUMetrics(mon.sm, now, currCPU, prevCPU)
		}
		if mem != nil {
			appendMemoryMetrics(mon.sm, now, mem)
		}
		appendDiskIOMetrics(mon.sm, now, disks)
		appendNetworkMetrics(mon.sm, now, ifaces)
		mon.mu.Unlock()
		prevCPU = currCPU

		time.Sleep(loopTime)
	}
	slog.Debug("SystemMonitor: stopped", slog.String("target", mon.target.GetAddress()))
}

func (mon *systemMonitor) runCommand(client *ssh.Client, cmd string) []byte {
	session, err := client.NewSession()
	if err == io.EOF {
		slog.Error("SystemMonitor: client got EOF when creating session, stopping monitor because connection is dead", slog.String("error", err.Error()))
		mon.StopMonitoring()
		return nil
	} else if err != nil {
		slog.Warn("SystemMonitor: failed to create session", slog.String("error", err.Error()))
		return nil
	}
	defer session.Close()
	buf, err := session.CombinedOutput(cmd)
	if err != nil {
		slog.Warn("SystemMonitor: failed to run command", slog.String("command", cmd), slog.String("output", string(buf)))
		return nil
	}
	return buf
}
