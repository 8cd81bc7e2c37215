// Package resources implements the Resource Monitor: periodic CPU,
// memory, and disk sampling into a ring buffer, threshold-based status
// classification, and emergency callbacks.
package resources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/events"
)

// Thresholds holds the per-metric warning/critical/emergency cutoffs
// from spec.md §4.3's table.
type Thresholds struct {
	CPUWarning      float64
	CPUCritical     float64
	CPUEmergency    float64
	MemWarning      float64
	MemCritical     float64
	MemEmergency    float64
	MemHardCapGB    float64 // 0 disables
	DiskWarning     float64
	DiskCritical    float64
	MinFreeDiskGB   float64
	EmergencyDiskGB float64
	SafetyMargin    float64 // 1.5x proximity margin for is_safe_to_execute
}

// DefaultThresholds returns spec.md's documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarning: 70, CPUCritical: 90, CPUEmergency: 98,
		MemWarning: 80, MemCritical: 97, MemEmergency: 98,
		DiskWarning: 85, DiskCritical: 95,
		MinFreeDiskGB: 5, EmergencyDiskGB: 1,
		SafetyMargin: 1.5,
	}
}

// Config configures the monitor.
type Config struct {
	Interval    time.Duration // default 30s
	HistorySize int           // default 1000
	ProjectPath string        // for disk-usage sampling
	Thresholds  Thresholds
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig(projectPath string) Config {
	return Config{
		Interval:    30 * time.Second,
		HistorySize: 1000,
		ProjectPath: projectPath,
		Thresholds:  DefaultThresholds(),
	}
}

// Monitor samples system resources on a timer and classifies the
// result.
type Monitor struct {
	mu      sync.Mutex
	cfg     Config
	bus     *events.Bus
	history []nocturnal.ResourceSnapshot
	last    nocturnal.ResourceStatus

	sample func(ctx context.Context, projectPath string) (nocturnal.ResourceSnapshot, error)
}

// New constructs a Monitor. bus may be nil to run without event
// publication.
func New(cfg Config, bus *events.Bus) *Monitor {
	return &Monitor{
		cfg:    cfg,
		bus:    bus,
		last:   nocturnal.ResourceHealthy,
		sample: sampleSystem,
	}
}

// sampleSystem gathers one ResourceSnapshot via gopsutil.
func sampleSystem(ctx context.Context, projectPath string) (nocturnal.ResourceSnapshot, error) {
	snap := nocturnal.ResourceSnapshot{Timestamp: time.Now()}

	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return snap, fmt.Errorf("sampling cpu: %w", err)
	}
	if len(cpuPercents) > 0 {
		snap.CPUPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return snap, fmt.Errorf("sampling memory: %w", err)
	}
	snap.MemPercent = vm.UsedPercent
	snap.MemUsedGB = float64(vm.Used) / (1 << 30)

	path := projectPath
	if path == "" {
		path = "/"
	}
	du, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return snap, fmt.Errorf("sampling disk: %w", err)
	}
	snap.DiskPercent = du.UsedPercent
	snap.DiskFreeGB = float64(du.Free) / (1 << 30)

	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.LoadAverage = avg.Load1
	}

	if procs, err := process.PidsWithContext(ctx); err == nil {
		snap.ProcessCount = len(procs)
	}

	return snap, nil
}

// Sample takes one sample, appends it to the ring buffer (evicting the
// oldest entry past HistorySize), classifies it, and publishes a
// ResourceStatusChanged event on transition plus an emergency
// notification when the new status is Emergency.
func (m *Monitor) Sample(ctx context.Context) (nocturnal.ResourceSnapshot, nocturnal.ResourceStatus, error) {
	snap, err := m.sample(ctx, m.cfg.ProjectPath)
	if err != nil {
		return snap, nocturnal.ResourceHealthy, err
	}

	status := Classify(snap, m.cfg.Thresholds)

	m.mu.Lock()
	m.history = append(m.history, snap)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	prev := m.last
	m.last = status
	m.mu.Unlock()

	if m.bus != nil && status != prev {
		m.bus.Publish(events.Event{
			Type:    events.ResourceStatusChanged,
			Payload: StatusChange{Old: prev, New: status, Snapshot: snap},
		})
		if status == nocturnal.ResourceEmergency {
			m.bus.Publish(events.Event{Type: events.EmergencyRecovery, Payload: snap})
		}
	}

	return snap, status, nil
}

// StatusChange is published on ResourceStatusChanged.
type StatusChange struct {
	Old      nocturnal.ResourceStatus
	New      nocturnal.ResourceStatus
	Snapshot nocturnal.ResourceSnapshot
}

// Classify returns the worst-of-any-metric status for snap against t.
func Classify(snap nocturnal.ResourceSnapshot, t Thresholds) nocturnal.ResourceStatus {
	worst := nocturnal.ResourceHealthy

	worse := func(s nocturnal.ResourceStatus) {
		if rank(s) > rank(worst) {
			worst = s
		}
	}

	switch {
	case snap.CPUPercent >= t.CPUEmergency:
		worse(nocturnal.ResourceEmergency)
	case snap.CPUPercent >= t.CPUCritical:
		worse(nocturnal.ResourceCritical)
	case snap.CPUPercent >= t.CPUWarning:
		worse(nocturnal.ResourceWarning)
	}

	switch {
	case snap.MemPercent >= t.MemEmergency:
		worse(nocturnal.ResourceEmergency)
	case snap.MemPercent >= t.MemCritical:
		worse(nocturnal.ResourceCritical)
	case snap.MemPercent >= t.MemWarning:
		worse(nocturnal.ResourceWarning)
	}

	if t.MemHardCapGB > 0 && snap.MemUsedGB >= t.MemHardCapGB {
		worse(nocturnal.ResourceEmergency)
	}

	switch {
	case snap.DiskPercent >= t.DiskCritical:
		worse(nocturnal.ResourceCritical)
	case snap.DiskPercent >= t.DiskWarning:
		worse(nocturnal.ResourceWarning)
	}

	switch {
	case snap.DiskFreeGB <= t.EmergencyDiskGB:
		worse(nocturnal.ResourceEmergency)
	case snap.DiskFreeGB <= t.MinFreeDiskGB:
		worse(nocturnal.ResourceCritical)
	}

	return worst
}

func rank(s nocturnal.ResourceStatus) int {
	switch s {
	case nocturnal.ResourceHealthy:
		return 0
	case nocturnal.ResourceWarning:
		return 1
	case nocturnal.ResourceCritical:
		return 2
	case nocturnal.ResourceEmergency:
		return 3
	default:
		return 0
	}
}

// IsSafeToExecute reports whether the most recent sample is below
// Critical/Emergency, and not within the configured safety margin of
// the absolute memory cap or low-disk thresholds.
func (m *Monitor) IsSafeToExecute() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) == 0 {
		return true, ""
	}
	latest := m.history[len(m.history)-1]
	status := Classify(latest, m.cfg.Thresholds)
	if status == nocturnal.ResourceCritical || status == nocturnal.ResourceEmergency {
		return false, fmt.Sprintf("resource status is %s", status)
	}

	t := m.cfg.Thresholds
	if t.MemHardCapGB > 0 && latest.MemUsedGB >= t.MemHardCapGB/t.SafetyMargin {
		return false, "approaching memory hard cap"
	}
	if latest.DiskFreeGB <= t.MinFreeDiskGB*t.SafetyMargin {
		return false, "approaching low disk threshold"
	}
	return true, ""
}

// CanSafelyRunTask compares estimatedImpactPercent (the task's expected
// additional resource load, 0-100) against current headroom.
func (m *Monitor) CanSafelyRunTask(estimatedImpactPercent float64) (bool, string) {
	ok, reason := m.IsSafeToExecute()
	if !ok {
		return false, reason
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return true, ""
	}
	latest := m.history[len(m.history)-1]
	if latest.CPUPercent+estimatedImpactPercent >= m.cfg.Thresholds.CPUCritical {
		return false, "insufficient CPU headroom for estimated task impact"
	}
	return true, ""
}

// Trend summarizes one metric over a time window.
type Trend struct {
	Min, Max, Avg, Current float64
	Direction              string // "rising", "falling", "stable"
}

// GetResourceTrends returns min/max/avg/current/trend for each metric
// over the last `hours` of retained history.
func (m *Monitor) GetResourceTrends(hours time.Duration) map[string]Trend {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-hours)
	var window []nocturnal.ResourceSnapshot
	for _, s := range m.history {
		if s.Timestamp.After(cutoff) {
			window = append(window, s)
		}
	}
	if len(window) == 0 {
		return nil
	}

	trends := make(map[string]Trend)
	trends["cpu"] = trendOf(window, func(s nocturnal.ResourceSnapshot) float64 { return s.CPUPercent })
	trends["memory"] = trendOf(window, func(s nocturnal.ResourceSnapshot) float64 { return s.MemPercent })
	trends["disk"] = trendOf(window, func(s nocturnal.ResourceSnapshot) float64 { return s.DiskPercent })
	return trends
}

func trendOf(window []nocturnal.ResourceSnapshot, metric func(nocturnal.ResourceSnapshot) float64) Trend {
	min, max, sum := metric(window[0]), metric(window[0]), 0.0
	for _, s := range window {
		v := metric(s)
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	avg := sum / float64(len(window))
	current := metric(window[len(window)-1])

	quarter := len(window) / 4
	if quarter < 1 {
		quarter = 1
	}
	firstAvg, lastAvg := avgOf(window[:quarter], metric), avgOf(window[len(window)-quarter:], metric)

	direction := "stable"
	if lastAvg > firstAvg*1.1 {
		direction = "rising"
	} else if lastAvg < firstAvg*0.9 {
		direction = "falling"
	}

	return Trend{Min: min, Max: max, Avg: avg, Current: current, Direction: direction}
}

func avgOf(window []nocturnal.ResourceSnapshot, metric func(nocturnal.ResourceSnapshot) float64) float64 {
	sum := 0.0
	for _, s := range window {
		sum += metric(s)
	}
	return sum / float64(len(window))
}

// Run samples on cfg.Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, _ = m.Sample(ctx)
		}
	}
}
