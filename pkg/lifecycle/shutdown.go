// Package lifecycle implements the boot and shutdown coordination
// services: ordered, verified initialization phases and a shutdown
// service with graceful and emergency flows.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"
)

// SyncHandler runs inline during shutdown latching. It must be quick
// and must not block.
type SyncHandler func()

// AsyncHandler performs shutdown work under a budgeted context.
type AsyncHandler func(ctx context.Context) error

type namedSync struct {
	name string
	fn   SyncHandler
}

type namedAsync struct {
	name string
	fn   AsyncHandler
}

// ShutdownService coordinates the two shutdown flows. The first
// graceful request latches the state; duplicates are absorbed. The
// emergency flow additionally arms a hard-kill watchdog so a
// misbehaving handler cannot block termination.
type ShutdownService struct {
	mu            sync.Mutex
	requested     bool
	emergency     bool
	reason        string
	event         chan struct{}
	syncHandlers  []namedSync
	asyncHandlers []namedAsync

	// injectable for tests
	exit func(code int)
	kill func()
}

// NewShutdownService creates the shutdown service.
func NewShutdownService() *ShutdownService {
	return NewShutdownServiceWithHooks(os.Exit, func() {
		_ = syscall.Kill(os.Getpid(), syscall.SIGKILL)
	})
}

// NewShutdownServiceWithHooks creates a shutdown service with custom
// process-exit hooks, for tests and supervised environments.
func NewShutdownServiceWithHooks(exit func(int), kill func()) *ShutdownService {
	return &ShutdownService{
		event: make(chan struct{}),
		exit:  exit,
		kill:  kill,
	}
}

// RegisterSyncHandler registers a handler invoked inline when shutdown
// is first requested.
func (s *ShutdownService) RegisterSyncHandler(name string, fn SyncHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncHandlers = append(s.syncHandlers, namedSync{name: name, fn: fn})
}

// RegisterAsyncHandler registers a handler run by the owning
// coordinator via ExecuteAsyncHandlers.
func (s *ShutdownService) RegisterAsyncHandler(name string, fn AsyncHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asyncHandlers = append(s.asyncHandlers, namedAsync{name: name, fn: fn})
}

// RequestShutdown latches the shutdown state, stores the reason, sets
// the event and invokes every sync handler. Duplicate requests are
// absorbed.
func (s *ShutdownService) RequestShutdown(reason string) {
	s.mu.Lock()
	if s.requested {
		s.mu.Unlock()
		slog.Debug("Duplicate shutdown request absorbed", "reason", reason)
		return
	}
	s.requested = true
	s.reason = reason
	handlers := append([]namedSync(nil), s.syncHandlers...)
	close(s.event)
	s.mu.Unlock()

	slog.Info("Shutdown requested", "reason", reason, "sync_handlers", len(handlers))
	for _, h := range handlers {
		s.runSync(h)
	}
}

func (s *ShutdownService) runSync(h namedSync) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Sync shutdown handler panicked", "handler", h.name, "panic", rec)
		}
	}()
	h.fn()
}

// ShutdownRequested reports whether shutdown has been latched.
func (s *ShutdownService) ShutdownRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested
}

// IsEmergency reports whether the emergency flow was taken.
func (s *ShutdownService) IsEmergency() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emergency
}

// Reason returns the latched shutdown reason.
func (s *ShutdownService) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// WaitChan returns a channel closed when shutdown is requested.
func (s *ShutdownService) WaitChan() <-chan struct{} { return s.event }

// WaitForShutdown blocks until shutdown is requested or the context
// ends.
func (s *ShutdownService) WaitForShutdown(ctx context.Context) error {
	select {
	case <-s.event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecuteAsyncHandlers runs every async handler concurrently under the
// given budget and waits for them all. Handler errors and panics are
// logged, never propagated.
func (s *ShutdownService) ExecuteAsyncHandlers(ctx context.Context, budget time.Duration) {
	s.mu.Lock()
	handlers := append([]namedAsync(nil), s.asyncHandlers...)
	s.mu.Unlock()

	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h namedAsync) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("Async shutdown handler panicked", "handler", h.name, "panic", rec)
				}
			}()
			if err := h.fn(ctx); err != nil {
				slog.Error("Async shutdown handler failed", "handler", h.name, "error", err)
			}
		}(h)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Async shutdown handlers exceeded their budget", "budget", budget)
	}
}

// EmergencyShutdown runs the emergency flow: latch state with the
// emergency flag, run sync handlers, run async handlers under half the
// timeout, then exit with code 1. A watchdog hard-kills the process
// with SIGKILL once the full timeout elapses, so no handler can block
// termination.
func (s *ShutdownService) EmergencyShutdown(ctx context.Context, reason string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	s.mu.Lock()
	s.emergency = true
	s.mu.Unlock()

	slog.Error("EMERGENCY shutdown initiated",
		"critical", true, "reason", reason, "timeout", timeout)

	go func() {
		time.Sleep(timeout)
		slog.Error("Emergency shutdown watchdog fired, hard-killing process", "critical", true)
		s.kill()
	}()

	s.RequestShutdown(reason)
	s.ExecuteAsyncHandlers(ctx, timeout/2)
	s.exit(1)
}
