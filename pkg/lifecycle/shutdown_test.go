package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownService_FirstRequestLatches(t *testing.T) {
	s := NewShutdownService()

	var syncCalls atomic.Int64
	s.RegisterSyncHandler("flush", func() { syncCalls.Add(1) })

	s.RequestShutdown("operator request")
	assert.True(t, s.ShutdownRequested())
	assert.Equal(t, "operator request", s.Reason())
	assert.Equal(t, int64(1), syncCalls.Load())

	// Duplicate requests are absorbed: no second handler run, reason kept.
	s.RequestShutdown("second request")
	assert.Equal(t, "operator request", s.Reason())
	assert.Equal(t, int64(1), syncCalls.Load())
}

func TestShutdownService_WaitResolvesOnRequest(t *testing.T) {
	s := NewShutdownService()

	done := make(chan error, 1)
	go func() { done <- s.WaitForShutdown(context.Background()) }()

	s.RequestShutdown("test")
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForShutdown did not resolve")
	}
}

func TestShutdownService_SyncHandlerPanicContained(t *testing.T) {
	s := NewShutdownService()
	var after atomic.Bool
	s.RegisterSyncHandler("boom", func() { panic("handler exploded") })
	s.RegisterSyncHandler("after", func() { after.Store(true) })

	s.RequestShutdown("test")
	assert.True(t, after.Load(), "handlers after a panicking one still run")
}

func TestShutdownService_AsyncHandlersRunUnderBudget(t *testing.T) {
	s := NewShutdownService()

	var ran atomic.Int64
	s.RegisterAsyncHandler("quick", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	s.RegisterAsyncHandler("slow", func(ctx context.Context) error {
		select {
		case <-time.After(5 * time.Second):
			ran.Add(1)
		case <-ctx.Done():
		}
		return ctx.Err()
	})

	start := time.Now()
	s.ExecuteAsyncHandlers(context.Background(), 50*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second, "budget bounds the wait")
	assert.Equal(t, int64(1), ran.Load())
}

func TestShutdownService_EmergencyFlow(t *testing.T) {
	s := NewShutdownService()

	exitCode := make(chan int, 1)
	var killed atomic.Bool
	s.exit = func(code int) { exitCode <- code }
	s.kill = func() { killed.Store(true) }

	var asyncRan atomic.Bool
	s.RegisterAsyncHandler("persist", func(ctx context.Context) error {
		asyncRan.Store(true)
		return nil
	})

	s.EmergencyShutdown(context.Background(), "kill switch", time.Second)

	select {
	case code := <-exitCode:
		assert.Equal(t, 1, code)
	case <-time.After(2 * time.Second):
		t.Fatal("emergency shutdown did not exit")
	}
	assert.True(t, s.IsEmergency())
	assert.True(t, s.ShutdownRequested())
	assert.True(t, asyncRan.Load())
	assert.False(t, killed.Load(), "watchdog must not fire when handlers finish in time")
}

func TestShutdownService_EmergencyWatchdogKills(t *testing.T) {
	s := NewShutdownService()

	killed := make(chan struct{}, 1)
	s.kill = func() { killed <- struct{}{} }
	s.exit = func(int) {}

	// Async handler ignores cancellation; only the watchdog can end this.
	s.RegisterAsyncHandler("wedged", func(ctx context.Context) error {
		time.Sleep(10 * time.Second)
		return nil
	})

	go s.EmergencyShutdown(context.Background(), "kill switch", 100*time.Millisecond)

	select {
	case <-killed:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}
}
