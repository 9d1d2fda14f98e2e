package resources

import (
	"context"
	"log/slog"
	"sync"
)

// SignalHandler reacts to a resource signal. Handlers run asynchronously
// and must not assume any ordering between each other.
type SignalHandler func(ctx context.Context, signal Action, resource string)

// SignalBus fans resource signals out to registered handlers. A handler
// panic is contained and logged; it never propagates to the monitor.
type SignalBus struct {
	mu       sync.Mutex
	handlers map[Action][]SignalHandler
}

// NewSignalBus creates an empty signal bus.
func NewSignalBus() *SignalBus {
	return &SignalBus{handlers: make(map[Action][]SignalHandler)}
}

// Subscribe registers a handler for one signal name.
func (b *SignalBus) Subscribe(signal Action, h SignalHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[signal] = append(b.handlers[signal], h)
}

// Emit dispatches one signal to every subscribed handler, each on its
// own goroutine.
func (b *SignalBus) Emit(ctx context.Context, signal Action, resource string) {
	b.mu.Lock()
	handlers := append([]SignalHandler(nil), b.handlers[signal]...)
	b.mu.Unlock()

	for _, h := range handlers {
		go func(h SignalHandler) {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("Resource signal handler panicked",
						"signal", signal, "resource", resource, "panic", rec)
				}
			}()
			h(ctx, signal, resource)
		}(h)
	}
}
