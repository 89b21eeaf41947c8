package security

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/dshills/flowkit/internal/logx"
)

// ResourceUsage is a per-plugin snapshot of resource consumption.
// It is created when monitoring starts, updated on each sample, and
// discarded when the plugin unloads. State is process-lifetime only.
type ResourceUsage struct {
	CPUPercent float64
	MemoryMB   float64
	Started    time.Time
	LastSample time.Time
}

// Monitor tracks per-plugin resource usage samples and evaluates them
// against configured ceilings. Limit checks are advisory: a breach is
// logged and surfaced as false, but termination policy belongs to the
// loader, not the monitor.
type Monitor struct {
	mu    sync.Mutex
	usage map[string]*ResourceUsage

	// now is swappable for tests.
	now func() time.Time
}

// NewMonitor creates an empty resource monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		usage: make(map[string]*ResourceUsage),
		now:   time.Now,
	}
}

// Start begins tracking the named plugin. Restarting an already-tracked
// plugin resets its snapshot.
func (m *Monitor) Start(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.usage[name] = &ResourceUsage{Started: now, LastSample: now}
}

// Sample records a usage observation for the named plugin.
// Samples for untracked plugins are dropped.
func (m *Monitor) Sample(name string, cpuPercent, memoryMB float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usage[name]
	if !ok {
		return
	}
	u.CPUPercent = cpuPercent
	u.MemoryMB = memoryMB
	u.LastSample = m.now()
}

// SampleProcess feeds Sample from a reading of the host process.
// Extension code runs in-process, so host-process cpu/rss is the closest
// observable proxy until out-of-process isolation lands.
func (m *Monitor) SampleProcess(name string) error {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		return err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return err
	}
	m.Sample(name, cpu, float64(mem.RSS)/(1024*1024))
	return nil
}

// Get returns the current snapshot for the named plugin.
func (m *Monitor) Get(name string) (ResourceUsage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usage[name]
	if !ok {
		return ResourceUsage{}, false
	}
	return *u, true
}

// WithinLimits reports whether the plugin's latest sample is under the
// given ceilings. A zero or negative ceiling disables that check.
// Untracked plugins are within limits by definition.
func (m *Monitor) WithinLimits(name string, maxMemoryMB, maxCPUPercent float64) bool {
	u, ok := m.Get(name)
	if !ok {
		return true
	}

	within := true
	if maxMemoryMB > 0 && u.MemoryMB > maxMemoryMB {
		logx.Log.Warn().Str("plugin", name).
			Float64("memory_mb", u.MemoryMB).Float64("limit_mb", maxMemoryMB).
			Msg("plugin memory usage over limit")
		within = false
	}
	if maxCPUPercent > 0 && u.CPUPercent > maxCPUPercent {
		logx.Log.Warn().Str("plugin", name).
			Float64("cpu_percent", u.CPUPercent).Float64("limit_percent", maxCPUPercent).
			Msg("plugin cpu usage over limit")
		within = false
	}
	return within
}

// Remove discards tracking state for the named plugin.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.usage, name)
}

// Tracked returns the number of plugins currently tracked.
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.usage)
}
