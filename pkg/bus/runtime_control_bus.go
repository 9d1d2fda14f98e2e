package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/steward-ai/steward/pkg/models"
	"github.com/steward-ai/steward/pkg/registry"
)

// RuntimeControlService is the contract the runtime control bus expects
// from its backing provider.
type RuntimeControlService interface {
	GetProcessorQueueStatus(ctx context.Context) (models.ProcessorQueueStatus, error)
	ShutdownRuntime(ctx context.Context, reason string) (models.ProcessorControlResponse, error)
	GetConfig(ctx context.Context, path string, includeSensitive bool) (models.ConfigSnapshot, error)
	LoadAdapter(ctx context.Context, adapterType, adapterID string, config map[string]any) (models.AdapterOperationResponse, error)
	UnloadAdapter(ctx context.Context, adapterID string) (models.AdapterOperationResponse, error)
	ListAdapters(ctx context.Context) ([]models.AdapterInfo, error)
	GetAdapterInfo(ctx context.Context, adapterID string) (models.AdapterInfo, error)
	PauseProcessing(ctx context.Context) (models.ProcessorControlResponse, error)
	ResumeProcessing(ctx context.Context) (models.ProcessorControlResponse, error)
	SingleStep(ctx context.Context) (models.ProcessorControlResponse, error)
	GetRuntimeStatus(ctx context.Context) (models.RuntimeStatus, error)
}

// RuntimeControlBus serializes every config- and processor-state
// mutating operation behind a single mutex. The underlying service
// observes effects in the order the bus received them. If the service
// is absent or errors, callers get a type-correct response with the
// diagnostic embedded, never a raised error.
type RuntimeControlBus struct {
	*BaseBus

	opMu sync.Mutex

	stateMu      sync.Mutex
	shuttingDown bool
	inFlight     map[string]context.CancelFunc
}

// NewRuntimeControlBus creates the runtime control bus.
func NewRuntimeControlBus(reg *registry.Registry) *RuntimeControlBus {
	b := &RuntimeControlBus{
		inFlight: make(map[string]context.CancelFunc),
	}
	b.BaseBus = NewBaseBus("runtime_control_bus", models.ServiceTypeRuntimeControl, reg, 0,
		func(ctx context.Context, msg Message) error {
			return fmt.Errorf("runtime control bus does not process async messages (message %s)", msg.ID)
		})
	return b
}

func (b *RuntimeControlBus) service(ctx context.Context) RuntimeControlService {
	instance := b.GetService(ctx, "RuntimeControlBus")
	if instance == nil {
		return nil
	}
	svc, ok := instance.(RuntimeControlService)
	if !ok {
		slog.Error("Registered runtime control provider has wrong type",
			"instance_type", fmt.Sprintf("%T", instance))
		return nil
	}
	return svc
}

// track registers an in-flight operation so ShutdownRuntime can cancel
// it. The returned release must be deferred by the caller.
func (b *RuntimeControlBus) track(ctx context.Context) (context.Context, func()) {
	opCtx, cancel := context.WithCancel(ctx)
	id := uuid.New().String()
	b.stateMu.Lock()
	b.inFlight[id] = cancel
	b.stateMu.Unlock()
	return opCtx, func() {
		b.stateMu.Lock()
		delete(b.inFlight, id)
		b.stateMu.Unlock()
		cancel()
	}
}

func (b *RuntimeControlBus) isShuttingDown() bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.shuttingDown
}

func controlFailure(op, errMsg string) models.ProcessorControlResponse {
	return models.ProcessorControlResponse{
		Success:   false,
		Operation: op,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
}

// GetProcessorQueueStatus reports the processor queue state. Safe at
// any time; does not take the operation mutex.
func (b *RuntimeControlBus) GetProcessorQueueStatus(ctx context.Context) models.ProcessorQueueStatus {
	svc := b.service(ctx)
	if svc == nil {
		return models.ProcessorQueueStatus{Healthy: false, Error: ErrServiceUnavailable.Error()}
	}
	status, err := svc.GetProcessorQueueStatus(ctx)
	if err != nil {
		return models.ProcessorQueueStatus{Healthy: false, Error: err.Error()}
	}
	return status
}

// ShutdownRuntime latches the shutting-down flag, cancels every tracked
// in-flight operation, then delegates to the underlying service.
func (b *RuntimeControlBus) ShutdownRuntime(ctx context.Context, reason string) models.ProcessorControlResponse {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.stateMu.Lock()
	b.shuttingDown = true
	cancels := make([]context.CancelFunc, 0, len(b.inFlight))
	for _, cancel := range b.inFlight {
		cancels = append(cancels, cancel)
	}
	b.stateMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	slog.Error("Runtime shutdown requested through control bus",
		"critical", true, "reason", reason, "cancelled_operations", len(cancels))

	svc := b.service(ctx)
	if svc == nil {
		return controlFailure("shutdown_runtime", ErrServiceUnavailable.Error())
	}
	resp, err := svc.ShutdownRuntime(ctx, reason)
	if err != nil {
		return controlFailure("shutdown_runtime", err.Error())
	}
	return resp
}

// GetConfig returns a configuration snapshot. Read-only; not serialized.
func (b *RuntimeControlBus) GetConfig(ctx context.Context, path string, includeSensitive bool) models.ConfigSnapshot {
	svc := b.service(ctx)
	if svc == nil {
		return models.ConfigSnapshot{Path: path, Error: ErrServiceUnavailable.Error()}
	}
	snap, err := svc.GetConfig(ctx, path, includeSensitive)
	if err != nil {
		return models.ConfigSnapshot{Path: path, Error: err.Error()}
	}
	return snap
}

// LoadAdapter loads an adapter instance. Refused once shutdown started.
func (b *RuntimeControlBus) LoadAdapter(ctx context.Context, adapterType, adapterID string, config map[string]any) models.AdapterOperationResponse {
	if b.isShuttingDown() {
		return models.AdapterOperationResponse{
			Success: false, AdapterID: adapterID, Operation: "load_adapter",
			Error: ErrShuttingDown.Error(), Timestamp: time.Now().UTC(),
		}
	}

	b.opMu.Lock()
	defer b.opMu.Unlock()
	opCtx, release := b.track(ctx)
	defer release()

	svc := b.service(opCtx)
	if svc == nil {
		return models.AdapterOperationResponse{
			Success: false, AdapterID: adapterID, Operation: "load_adapter",
			Error: ErrServiceUnavailable.Error(), Timestamp: time.Now().UTC(),
		}
	}
	resp, err := svc.LoadAdapter(opCtx, adapterType, adapterID, config)
	if err != nil {
		return models.AdapterOperationResponse{
			Success: false, AdapterID: adapterID, Operation: "load_adapter",
			Error: err.Error(), Timestamp: time.Now().UTC(),
		}
	}
	return resp
}

// UnloadAdapter unloads an adapter instance.
func (b *RuntimeControlBus) UnloadAdapter(ctx context.Context, adapterID string) models.AdapterOperationResponse {
	b.opMu.Lock()
	defer b.opMu.Unlock()
	opCtx, release := b.track(ctx)
	defer release()

	svc := b.service(opCtx)
	if svc == nil {
		return models.AdapterOperationResponse{
			Success: false, AdapterID: adapterID, Operation: "unload_adapter",
			Error: ErrServiceUnavailable.Error(), Timestamp: time.Now().UTC(),
		}
	}
	resp, err := svc.UnloadAdapter(opCtx, adapterID)
	if err != nil {
		return models.AdapterOperationResponse{
			Success: false, AdapterID: adapterID, Operation: "unload_adapter",
			Error: err.Error(), Timestamp: time.Now().UTC(),
		}
	}
	return resp
}

// ListAdapters returns every loaded adapter. Read-only.
func (b *RuntimeControlBus) ListAdapters(ctx context.Context) []models.AdapterInfo {
	svc := b.service(ctx)
	if svc == nil {
		return nil
	}
	adapters, err := svc.ListAdapters(ctx)
	if err != nil {
		slog.Error("Failed to list adapters", "error", err)
		return nil
	}
	return adapters
}

// GetAdapterInfo returns one adapter's introspection record.
func (b *RuntimeControlBus) GetAdapterInfo(ctx context.Context, adapterID string) models.AdapterInfo {
	svc := b.service(ctx)
	if svc == nil {
		return models.AdapterInfo{AdapterID: adapterID, Status: models.AdapterStatusError, Error: ErrServiceUnavailable.Error()}
	}
	info, err := svc.GetAdapterInfo(ctx, adapterID)
	if err != nil {
		return models.AdapterInfo{AdapterID: adapterID, Status: models.AdapterStatusError, Error: err.Error()}
	}
	return info
}

// PauseProcessing halts the processor. Serialized; refused during shutdown.
func (b *RuntimeControlBus) PauseProcessing(ctx context.Context) models.ProcessorControlResponse {
	return b.processorOp(ctx, "pause_processing", RuntimeControlService.PauseProcessing)
}

// ResumeProcessing resumes a paused processor. Serialized; refused
// during shutdown.
func (b *RuntimeControlBus) ResumeProcessing(ctx context.Context) models.ProcessorControlResponse {
	return b.processorOp(ctx, "resume_processing", RuntimeControlService.ResumeProcessing)
}

// SingleStep executes one processor round while paused. Serialized;
// refused during shutdown.
func (b *RuntimeControlBus) SingleStep(ctx context.Context) models.ProcessorControlResponse {
	return b.processorOp(ctx, "single_step", RuntimeControlService.SingleStep)
}

func (b *RuntimeControlBus) processorOp(ctx context.Context, op string, call func(RuntimeControlService, context.Context) (models.ProcessorControlResponse, error)) models.ProcessorControlResponse {
	if b.isShuttingDown() {
		return controlFailure(op, ErrShuttingDown.Error())
	}

	b.opMu.Lock()
	defer b.opMu.Unlock()
	opCtx, release := b.track(ctx)
	defer release()

	svc := b.service(opCtx)
	if svc == nil {
		return controlFailure(op, ErrServiceUnavailable.Error())
	}
	resp, err := call(svc, opCtx)
	if err != nil {
		return controlFailure(op, err.Error())
	}
	return resp
}

// GetRuntimeStatus is safe at any time and augments the underlying
// response with bus-side state.
func (b *RuntimeControlBus) GetRuntimeStatus(ctx context.Context) models.RuntimeStatus {
	b.stateMu.Lock()
	active := make([]string, 0, len(b.inFlight))
	for id := range b.inFlight {
		active = append(active, id)
	}
	shuttingDown := b.shuttingDown
	b.stateMu.Unlock()

	svc := b.service(ctx)
	if svc == nil {
		return models.RuntimeStatus{
			Healthy:          false,
			ActiveOperations: active,
			ShuttingDown:     shuttingDown,
			Error:            ErrServiceUnavailable.Error(),
		}
	}
	status, err := svc.GetRuntimeStatus(ctx)
	if err != nil {
		status = models.RuntimeStatus{Healthy: false, Error: err.Error()}
	}
	status.ActiveOperations = active
	status.ShuttingDown = shuttingDown
	return status
}
