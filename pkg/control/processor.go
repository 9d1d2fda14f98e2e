package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/steward-ai/steward/pkg/models"
)

// StateProcessor is the default Processor implementation: a small state
// machine over the processor status, delegating round execution and
// queue introspection to injected callbacks.
type StateProcessor struct {
	mu     sync.Mutex
	status models.ProcessorStatus

	step  func(ctx context.Context) error
	queue func(ctx context.Context) (models.ProcessorQueueStatus, error)
}

// NewStateProcessor creates a running processor. step runs one round
// during SingleStep; queue reports queue depth. Both may be nil.
func NewStateProcessor(step func(ctx context.Context) error,
	queue func(ctx context.Context) (models.ProcessorQueueStatus, error)) *StateProcessor {
	return &StateProcessor{
		status: models.ProcessorStatusRunning,
		step:   step,
		queue:  queue,
	}
}

// Pause halts the processor. Pausing a stopped processor fails.
func (p *StateProcessor) Pause(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == models.ProcessorStatusStopped {
		return fmt.Errorf("cannot pause a stopped processor")
	}
	p.status = models.ProcessorStatusPaused
	return nil
}

// Resume returns a paused processor to running.
func (p *StateProcessor) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == models.ProcessorStatusStopped {
		return fmt.Errorf("cannot resume a stopped processor")
	}
	p.status = models.ProcessorStatusRunning
	return nil
}

// SingleStep executes one round. The processor must be paused.
func (p *StateProcessor) SingleStep(ctx context.Context) error {
	p.mu.Lock()
	if p.status != models.ProcessorStatusPaused {
		p.mu.Unlock()
		return fmt.Errorf("single-step requires a paused processor, status is %s", p.status)
	}
	step := p.step
	p.mu.Unlock()

	if step == nil {
		return nil
	}
	return step(ctx)
}

// Stop marks the processor stopped.
func (p *StateProcessor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = models.ProcessorStatusStopped
}

// Status returns the current processor status.
func (p *StateProcessor) Status() models.ProcessorStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// QueueStatus reports the processor queue.
func (p *StateProcessor) QueueStatus(ctx context.Context) (models.ProcessorQueueStatus, error) {
	if p.queue == nil {
		return models.ProcessorQueueStatus{Healthy: true}, nil
	}
	return p.queue(ctx)
}
