// Package bus implements the typed message buses layered on the service
// registry: a common queue/worker scaffold, the multi-provider LLM bus,
// the serialized runtime control bus, and the broadcast wise authority
// bus.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/steward-ai/steward/pkg/models"
	"github.com/steward-ai/steward/pkg/registry"
)

// Message is the base envelope for asynchronous bus operations.
type Message struct {
	ID          string
	HandlerName string
	Timestamp   time.Time
	Metadata    map[string]string
	Payload     any
}

// NewMessage creates an envelope with a fresh ID and timestamp.
func NewMessage(handlerName string, payload any) Message {
	return Message{
		ID:          uuid.New().String(),
		HandlerName: handlerName,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	}
}

// Stats reports a bus's queue and processing counters.
type Stats struct {
	Name      string `json:"name"`
	QueueSize int    `json:"queue_size"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Running   bool   `json:"running"`
}

// processFunc handles one queued message. Concrete buses supply it.
type processFunc func(ctx context.Context, msg Message) error

// BaseBus is the queue + worker scaffold shared by all buses. Concrete
// buses embed it, supply a process function for asynchronous messages,
// and add synchronous call-through helpers.
type BaseBus struct {
	name     string
	capType  models.ServiceType
	registry *registry.Registry
	queue    chan Message
	process  processFunc

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	processed uint64
	failed    uint64
}

// NewBaseBus creates the scaffold for one service type with a bounded
// queue.
func NewBaseBus(name string, capType models.ServiceType, reg *registry.Registry, queueSize int, process processFunc) *BaseBus {
	if queueSize <= 0 {
		queueSize = 100
	}
	return &BaseBus{
		name:     name,
		capType:  capType,
		registry: reg,
		queue:    make(chan Message, queueSize),
		process:  process,
	}
}

// Start launches the worker goroutine. Safe to call once.
func (b *BaseBus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		slog.Warn("Bus already started, ignoring duplicate Start call", "bus", b.name)
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run(ctx)
	slog.Info("Bus started", "bus", b.name)
}

// Stop signals the worker to drain and waits for it to finish.
func (b *BaseBus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	b.wg.Wait()
	slog.Info("Bus stopped", "bus", b.name)
}

func (b *BaseBus) run(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case msg := <-b.queue:
			if err := b.process(ctx, msg); err != nil {
				b.mu.Lock()
				b.failed++
				b.mu.Unlock()
				slog.Error("Bus message processing failed",
					"bus", b.name, "message_id", msg.ID, "error", err)
			} else {
				b.mu.Lock()
				b.processed++
				b.mu.Unlock()
			}
		}
	}
}

// Enqueue queues an asynchronous message. Returns false when the queue
// is full.
func (b *BaseBus) Enqueue(msg Message) bool {
	select {
	case b.queue <- msg:
		return true
	default:
		slog.Warn("Bus queue full, dropping message",
			"bus", b.name, "message_id", msg.ID, "handler", msg.HandlerName)
		return false
	}
}

// Healthy reports whether the worker is running and the queue is not
// saturated.
func (b *BaseBus) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running && len(b.queue) < cap(b.queue)
}

// GetService resolves one provider instance for this bus's service type.
func (b *BaseBus) GetService(ctx context.Context, handler string, requiredCapabilities ...string) any {
	return b.registry.GetService(ctx, handler, b.capType, requiredCapabilities...)
}

// GetStats returns the bus's queue and processing counters.
func (b *BaseBus) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:      b.name,
		QueueSize: len(b.queue),
		Processed: b.processed,
		Failed:    b.failed,
		Running:   b.running,
	}
}

// Registry exposes the borrowed registry handle for concrete buses.
func (b *BaseBus) Registry() *registry.Registry { return b.registry }
