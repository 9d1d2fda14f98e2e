package resources

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedThoughts struct{ n int }

func (f fixedThoughts) CountActiveThoughts(context.Context) (int, error) { return f.n, nil }

func newTestMonitor(t *testing.T, budget Budget) *Monitor {
	t.Helper()
	m, err := NewMonitor(MonitorConfig{Budget: budget, Interval: time.Second}, nil, nil, nil)
	require.NoError(t, err)
	return m
}

func TestSignalBus_FanOutAndPanicContainment(t *testing.T) {
	bus := NewSignalBus()
	var fired atomic.Int64
	received := make(chan string, 2)

	bus.Subscribe(ActionThrottle, func(_ context.Context, _ Action, resource string) {
		fired.Add(1)
		received <- resource
	})
	bus.Subscribe(ActionThrottle, func(_ context.Context, _ Action, _ string) {
		panic("handler exploded")
	})
	bus.Subscribe(ActionThrottle, func(_ context.Context, _ Action, resource string) {
		fired.Add(1)
		received <- resource
	})

	bus.Emit(context.Background(), ActionThrottle, ResourceCPUPercent)

	for i := 0; i < 2; i++ {
		select {
		case r := <-received:
			assert.Equal(t, ResourceCPUPercent, r)
		case <-time.After(time.Second):
			t.Fatal("handler did not fire")
		}
	}
	assert.Equal(t, int64(2), fired.Load())
}

func TestMonitor_TokenWindows(t *testing.T) {
	m := newTestMonitor(t, DefaultBudget())

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := base
	m.now = func() time.Time { return clock }

	clock = base.Add(-25 * time.Hour)
	m.RecordTokens(1000) // older than a day, pruned

	clock = base.Add(-2 * time.Hour)
	m.RecordTokens(300) // inside the day, outside the hour

	clock = base.Add(-10 * time.Minute)
	m.RecordTokens(50)

	clock = base
	hour, day := m.tokensInWindows()
	assert.Equal(t, int64(50), hour)
	assert.Equal(t, int64(350), day)
}

func TestMonitor_TokenWindowCapped(t *testing.T) {
	m := newTestMonitor(t, DefaultBudget())
	for i := 0; i < tokenWindowCap+100; i++ {
		m.RecordTokens(1)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.tokenHistory, tokenWindowCap)
}

func TestMonitor_CPUHistoryAveragesLastSixtySamples(t *testing.T) {
	m := newTestMonitor(t, DefaultBudget())
	for i := 0; i < cpuHistoryLen; i++ {
		m.recordCPU(100)
	}
	// 60 new samples at 0 fully displace the old window.
	var avg float64
	for i := 0; i < cpuHistoryLen; i++ {
		avg = m.recordCPU(0)
	}
	assert.Zero(t, avg)
}

func TestMonitor_CheckLimitsWalksThresholds(t *testing.T) {
	budget := DefaultBudget()
	budget.TokensHour = Limit{Limit: 100, Warning: 50, Critical: 90, Action: ActionThrottle, Cooldown: time.Minute}
	budget.TokensDay = Limit{Limit: 1000, Warning: 500, Critical: 900, Action: ActionReject, Cooldown: time.Minute}
	m := newTestMonitor(t, budget)

	snap := &Snapshot{Readings: map[string]Reading{
		ResourceTokensHour: {Value: 60},
		ResourceTokensDay:  {Value: 950},
	}}
	m.checkLimits(context.Background(), snap)

	assert.Equal(t, []string{ResourceTokensHour}, snap.Warnings)
	assert.Equal(t, []string{ResourceTokensDay}, snap.Critical)
	assert.False(t, snap.Healthy)

	snap = &Snapshot{Readings: map[string]Reading{}}
	m.checkLimits(context.Background(), snap)
	assert.True(t, snap.Healthy)
}

func TestMonitor_ActionCooldown(t *testing.T) {
	budget := DefaultBudget()
	budget.TokensHour = Limit{Limit: 100, Warning: 50, Critical: 90, Action: ActionThrottle, Cooldown: time.Minute}
	m := newTestMonitor(t, budget)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := base
	m.now = func() time.Time { return clock }

	emitted := make(chan string, 8)
	m.Signals().Subscribe(ActionThrottle, func(_ context.Context, _ Action, resource string) {
		emitted <- resource
	})

	snap := &Snapshot{Readings: map[string]Reading{ResourceTokensHour: {Value: 60}}}

	m.checkLimits(context.Background(), snap)
	select {
	case r := <-emitted:
		assert.Equal(t, ResourceTokensHour, r)
	case <-time.After(time.Second):
		t.Fatal("first crossing did not emit a signal")
	}

	// Second crossing inside the cooldown stays silent.
	clock = base.Add(30 * time.Second)
	m.checkLimits(context.Background(), snap)
	select {
	case <-emitted:
		t.Fatal("signal emitted inside the cooldown window")
	case <-time.After(50 * time.Millisecond):
	}

	// Past the cooldown the signal fires again.
	clock = base.Add(2 * time.Minute)
	m.checkLimits(context.Background(), snap)
	select {
	case r := <-emitted:
		assert.Equal(t, ResourceTokensHour, r)
	case <-time.After(time.Second):
		t.Fatal("crossing after cooldown did not emit a signal")
	}
}

func TestMonitor_SnapshotLifecycle(t *testing.T) {
	m, err := NewMonitor(MonitorConfig{Budget: DefaultBudget(), DBPath: t.TempDir() + "/steward.db"},
		fixedThoughts{n: 3}, nil, nil)
	require.NoError(t, err)

	m.cycle(context.Background())

	snap := m.CurrentSnapshot()
	assert.True(t, snap.Healthy)
	assert.Equal(t, 3, snap.ThoughtsActive)
	assert.Positive(t, snap.MemoryMB, "own process memory must be visible")
	assert.False(t, snap.UpdatedAt.IsZero())
	assert.Contains(t, snap.Readings, ResourceMemoryMB)
	assert.True(t, m.Healthy())
}

func TestMonitor_StartStop(t *testing.T) {
	m, err := NewMonitor(MonitorConfig{Budget: DefaultBudget(), Interval: 10 * time.Millisecond}, nil, nil, nil)
	require.NoError(t, err)

	m.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	m.Stop()

	assert.False(t, m.CurrentSnapshot().UpdatedAt.IsZero())
}
