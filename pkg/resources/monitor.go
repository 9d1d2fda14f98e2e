// Package resources implements the resource monitor: a periodic sampler
// that tracks process memory, CPU, disk, token spend and active thought
// load against a configured budget, and emits remediation signals when
// thresholds are crossed.
package resources

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/process"
)

// tokenWindowCap bounds the sliding token window to one day of
// per-second samples.
const tokenWindowCap = 86400

// cpuHistoryLen is the number of CPU samples kept for averaging.
const cpuHistoryLen = 60

// ThoughtCounter reports the number of thoughts currently in flight.
// The task store implements it with a single SQL query.
type ThoughtCounter interface {
	CountActiveThoughts(ctx context.Context) (int, error)
}

// MonitorConfig configures the resource monitor.
type MonitorConfig struct {
	Budget   Budget
	DBPath   string
	Interval time.Duration
}

type tokenSample struct {
	at time.Time
	n  int64
}

// Monitor samples the process once per interval, maintains the token
// and CPU windows, publishes a snapshot, and walks the budget emitting
// signals. Snapshot readers tolerate a one-cycle-stale view; everything
// else is owned by the monitor goroutine.
type Monitor struct {
	budget   Budget
	dbPath   string
	interval time.Duration
	thoughts ThoughtCounter
	signals  *SignalBus
	gauges   *monitorGauges
	proc     *process.Process

	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	tokenHistory []tokenSample
	cpuHistory   []float64
	lastAction   map[string]time.Time

	snapshot atomic.Pointer[Snapshot]

	now func() time.Time
}

// NewMonitor creates the resource monitor. thoughts may be nil when no
// task store is attached; promReg may be nil to skip gauge registration.
func NewMonitor(cfg MonitorConfig, thoughts ThoughtCounter, signals *SignalBus, promReg prometheus.Registerer) (*Monitor, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if signals == nil {
		signals = NewSignalBus()
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to attach to own process: %w", err)
	}
	m := &Monitor{
		budget:     cfg.Budget,
		dbPath:     cfg.DBPath,
		interval:   cfg.Interval,
		thoughts:   thoughts,
		signals:    signals,
		gauges:     newMonitorGauges(promReg),
		proc:       proc,
		lastAction: make(map[string]time.Time),
		now:        time.Now,
	}
	m.snapshot.Store(&Snapshot{Healthy: true, Readings: map[string]Reading{}})
	return m, nil
}

// Signals returns the monitor's signal bus for subscriber wiring.
func (m *Monitor) Signals() *SignalBus { return m.signals }

// Start launches the sampling loop.
func (m *Monitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.run(ctx)

	slog.Info("Resource monitor started",
		"interval", m.interval, "db_path", m.dbPath)
}

// Stop signals the sampling loop to exit and waits for it to finish.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	slog.Info("Resource monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	m.cycle(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cycle(ctx)
		}
	}
}

func (m *Monitor) cycle(ctx context.Context) {
	snap := m.updateSnapshot(ctx)
	m.checkLimits(ctx, snap)
	m.snapshot.Store(snap)
	m.gauges.publish(snap)
}

// CurrentSnapshot returns the most recently published snapshot.
func (m *Monitor) CurrentSnapshot() Snapshot {
	return *m.snapshot.Load()
}

// Healthy reports whether the last cycle crossed no critical threshold.
func (m *Monitor) Healthy() bool {
	return m.snapshot.Load().Healthy
}

// RecordTokens appends a token spend sample to the sliding window. The
// LLM bus calls it after every completed structured call.
func (m *Monitor) RecordTokens(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tokenHistory) >= tokenWindowCap {
		m.tokenHistory = m.tokenHistory[1:]
	}
	m.tokenHistory = append(m.tokenHistory, tokenSample{at: m.now(), n: int64(n)})
}

// tokensInWindows prunes samples older than a day and sums the hourly
// and daily windows.
func (m *Monitor) tokensInWindows() (hour, day int64) {
	now := m.now()
	dayAgo := now.Add(-24 * time.Hour)
	hourAgo := now.Add(-time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()

	keep := m.tokenHistory[:0]
	for _, s := range m.tokenHistory {
		if s.at.Before(dayAgo) {
			continue
		}
		keep = append(keep, s)
		day += s.n
		if !s.at.Before(hourAgo) {
			hour += s.n
		}
	}
	m.tokenHistory = keep
	return hour, day
}

func (m *Monitor) recordCPU(pct float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cpuHistory) >= cpuHistoryLen {
		m.cpuHistory = m.cpuHistory[1:]
	}
	m.cpuHistory = append(m.cpuHistory, pct)

	var sum float64
	for _, v := range m.cpuHistory {
		sum += v
	}
	return sum / float64(len(m.cpuHistory))
}

// updateSnapshot samples the process and assembles a fresh snapshot.
// Sampling failures degrade to zero readings rather than failing the
// cycle.
func (m *Monitor) updateSnapshot(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		Readings:  make(map[string]Reading, 6),
		UpdatedAt: m.now(),
	}

	if mem, err := m.proc.MemoryInfo(); err == nil {
		snap.MemoryMB = float64(mem.RSS) / (1024 * 1024)
	} else {
		slog.Warn("Failed to sample process memory", "error", err)
	}

	if pct, err := m.proc.Percent(0); err == nil {
		snap.CPUPercent = pct
	} else {
		slog.Warn("Failed to sample process CPU", "error", err)
	}
	snap.CPUAveragePercent = m.recordCPU(snap.CPUPercent)

	if m.dbPath != "" {
		if usage, err := disk.Usage(filepath.Dir(m.dbPath)); err == nil {
			snap.DiskFreeGB = float64(usage.Free) / (1024 * 1024 * 1024)
			snap.DiskUsedGB = float64(usage.Used) / (1024 * 1024 * 1024)
		} else {
			slog.Warn("Failed to sample disk usage", "path", m.dbPath, "error", err)
		}
	}

	snap.TokensHour, snap.TokensDay = m.tokensInWindows()

	if m.thoughts != nil {
		count, err := m.thoughts.CountActiveThoughts(ctx)
		if err != nil {
			slog.Warn("Failed to count active thoughts", "error", err)
		} else {
			snap.ThoughtsActive = count
		}
	}

	snap.Readings[ResourceMemoryMB] = reading(snap.MemoryMB, m.budget.MemoryMB)
	snap.Readings[ResourceCPUPercent] = reading(snap.CPUAveragePercent, m.budget.CPUPercent)
	snap.Readings[ResourceDiskUsedGB] = reading(snap.DiskUsedGB, m.budget.DiskUsedGB)
	snap.Readings[ResourceTokensHour] = reading(float64(snap.TokensHour), m.budget.TokensHour)
	snap.Readings[ResourceTokensDay] = reading(float64(snap.TokensDay), m.budget.TokensDay)
	snap.Readings[ResourceThoughtsActive] = reading(float64(snap.ThoughtsActive), m.budget.ThoughtsActive)

	return snap
}

func reading(value float64, limit Limit) Reading {
	r := Reading{Value: value, Limit: limit.Limit}
	if limit.Limit > 0 {
		r.Percent = value / limit.Limit * 100
	}
	return r
}

// checkLimits walks every budgeted resource against the fresh snapshot,
// fills the warning and critical lists, and triggers actions.
func (m *Monitor) checkLimits(ctx context.Context, snap *Snapshot) {
	limits := []struct {
		name  string
		limit Limit
	}{
		{ResourceMemoryMB, m.budget.MemoryMB},
		{ResourceCPUPercent, m.budget.CPUPercent},
		{ResourceDiskUsedGB, m.budget.DiskUsedGB},
		{ResourceTokensHour, m.budget.TokensHour},
		{ResourceTokensDay, m.budget.TokensDay},
		{ResourceThoughtsActive, m.budget.ThoughtsActive},
	}

	snap.Warnings = snap.Warnings[:0]
	snap.Critical = snap.Critical[:0]
	for _, entry := range limits {
		name, limit := entry.name, entry.limit
		value := snap.Readings[name].Value
		switch {
		case limit.Critical > 0 && value >= limit.Critical:
			snap.Critical = append(snap.Critical, name)
			m.takeAction(ctx, name, "critical", limit)
		case limit.Warning > 0 && value >= limit.Warning:
			snap.Warnings = append(snap.Warnings, name)
			m.takeAction(ctx, name, "warning", limit)
		}
	}
	snap.Healthy = len(snap.Critical) == 0
}

// takeAction emits the limit's configured signal unless the
// per-(resource,level) cooldown has not elapsed.
func (m *Monitor) takeAction(ctx context.Context, resource, level string, limit Limit) {
	key := resource + ":" + level
	now := m.now()

	m.mu.Lock()
	last, seen := m.lastAction[key]
	if seen && now.Sub(last) < limit.Cooldown {
		m.mu.Unlock()
		return
	}
	m.lastAction[key] = now
	m.mu.Unlock()

	slog.Warn("Resource threshold crossed",
		"resource", resource, "level", level, "action", limit.Action)
	m.signals.Emit(ctx, limit.Action, resource)
}

// monitorGauges publishes the snapshot to prometheus.
type monitorGauges struct {
	memoryMB       prometheus.Gauge
	cpuPercent     prometheus.Gauge
	diskUsedGB     prometheus.Gauge
	tokensHour     prometheus.Gauge
	tokensDay      prometheus.Gauge
	thoughtsActive prometheus.Gauge
}

func newMonitorGauges(reg prometheus.Registerer) *monitorGauges {
	g := &monitorGauges{
		memoryMB:       prometheus.NewGauge(prometheus.GaugeOpts{Name: "resource_memory_mb", Help: "Resident process memory in MB."}),
		cpuPercent:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "resource_cpu_percent", Help: "Process CPU usage percent, 60-sample average."}),
		diskUsedGB:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "resource_disk_used_gb", Help: "Disk used at the database path in GB."}),
		tokensHour:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "resource_tokens_hour", Help: "LLM tokens consumed in the last hour."}),
		tokensDay:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "resource_tokens_day", Help: "LLM tokens consumed in the last day."}),
		thoughtsActive: prometheus.NewGauge(prometheus.GaugeOpts{Name: "resource_thoughts_active", Help: "Thoughts currently in flight."}),
	}
	if reg != nil {
		reg.MustRegister(g.memoryMB, g.cpuPercent, g.diskUsedGB,
			g.tokensHour, g.tokensDay, g.thoughtsActive)
	}
	return g
}

func (g *monitorGauges) publish(snap *Snapshot) {
	g.memoryMB.Set(snap.MemoryMB)
	g.cpuPercent.Set(snap.CPUAveragePercent)
	g.diskUsedGB.Set(snap.DiskUsedGB)
	g.tokensHour.Set(float64(snap.TokensHour))
	g.tokensDay.Set(float64(snap.TokensDay))
	g.thoughtsActive.Set(float64(snap.ThoughtsActive))
}
