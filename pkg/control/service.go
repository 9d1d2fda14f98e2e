// Package control implements the runtime control service: processor
// state operations, adapter lifecycle, config snapshots, and the
// verified emergency shutdown path.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/steward-ai/steward/pkg/lifecycle"
	"github.com/steward-ai/steward/pkg/models"
)

// ErrAdapterNotFound is returned for operations on unknown adapters.
var ErrAdapterNotFound = errors.New("adapter not found")

// Processor is the agent processor surface the control service drives.
type Processor interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SingleStep(ctx context.Context) error
	Status() models.ProcessorStatus
	QueueStatus(ctx context.Context) (models.ProcessorQueueStatus, error)
}

// ConfigView exposes a redacted dotted-path view of the loaded config.
type ConfigView interface {
	Snapshot(path string, includeSensitive bool) (models.ConfigSnapshot, error)
}

// AuditSink receives structured audit records. The database client
// satisfies it.
type AuditSink interface {
	AppendAudit(ctx context.Context, eventType, actor string, payload map[string]any) error
}

// Service backs the runtime control bus.
type Service struct {
	processor Processor
	config    ConfigView
	shutdown  *lifecycle.ShutdownService
	audit     AuditSink
	started   time.Time

	killSwitchKeys map[string]string // wa_id -> base64 Ed25519 public key

	mu       sync.Mutex
	adapters map[string]*models.AdapterInfo
}

// NewService creates the runtime control service. killSwitchKeys maps
// authorized WA ids to their base64 Ed25519 public keys; commands from
// any other WA are rejected.
func NewService(processor Processor, config ConfigView, shutdown *lifecycle.ShutdownService,
	audit AuditSink, killSwitchKeys map[string]string) *Service {
	return &Service{
		processor:      processor,
		config:         config,
		shutdown:       shutdown,
		audit:          audit,
		started:        time.Now(),
		killSwitchKeys: killSwitchKeys,
		adapters:       make(map[string]*models.AdapterInfo),
	}
}

func controlResponse(op string, status models.ProcessorStatus) (models.ProcessorControlResponse, error) {
	return models.ProcessorControlResponse{
		Success:         true,
		ProcessorStatus: status,
		Operation:       op,
		Timestamp:       time.Now().UTC(),
	}, nil
}

// PauseProcessing halts the processor.
func (s *Service) PauseProcessing(ctx context.Context) (models.ProcessorControlResponse, error) {
	if err := s.processor.Pause(ctx); err != nil {
		return models.ProcessorControlResponse{}, err
	}
	return controlResponse("pause_processing", s.processor.Status())
}

// ResumeProcessing resumes a paused processor.
func (s *Service) ResumeProcessing(ctx context.Context) (models.ProcessorControlResponse, error) {
	if err := s.processor.Resume(ctx); err != nil {
		return models.ProcessorControlResponse{}, err
	}
	return controlResponse("resume_processing", s.processor.Status())
}

// SingleStep executes one processor round while paused.
func (s *Service) SingleStep(ctx context.Context) (models.ProcessorControlResponse, error) {
	if err := s.processor.SingleStep(ctx); err != nil {
		return models.ProcessorControlResponse{}, err
	}
	return controlResponse("single_step", s.processor.Status())
}

// GetProcessorQueueStatus reports processor queue depth.
func (s *Service) GetProcessorQueueStatus(ctx context.Context) (models.ProcessorQueueStatus, error) {
	return s.processor.QueueStatus(ctx)
}

// ShutdownRuntime requests a graceful runtime shutdown.
func (s *Service) ShutdownRuntime(ctx context.Context, reason string) (models.ProcessorControlResponse, error) {
	if s.shutdown == nil {
		return models.ProcessorControlResponse{}, errors.New("no shutdown service attached")
	}
	s.shutdown.RequestShutdown(reason)
	return controlResponse("shutdown_runtime", models.ProcessorStatusStopped)
}

// GetConfig returns a config snapshot for a dotted path.
func (s *Service) GetConfig(ctx context.Context, path string, includeSensitive bool) (models.ConfigSnapshot, error) {
	if s.config == nil {
		return models.ConfigSnapshot{}, errors.New("no config attached")
	}
	return s.config.Snapshot(path, includeSensitive)
}

// LoadAdapter registers an adapter instance.
func (s *Service) LoadAdapter(ctx context.Context, adapterType, adapterID string, config map[string]any) (models.AdapterOperationResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.adapters[adapterID]; exists {
		return models.AdapterOperationResponse{}, fmt.Errorf("adapter %s already loaded", adapterID)
	}
	s.adapters[adapterID] = &models.AdapterInfo{
		AdapterID:   adapterID,
		AdapterType: adapterType,
		Status:      models.AdapterStatusActive,
		LoadedAt:    time.Now().UTC(),
		Config:      config,
	}
	slog.Info("Adapter loaded", "adapter_id", adapterID, "adapter_type", adapterType)
	return models.AdapterOperationResponse{
		Success: true, AdapterID: adapterID, Operation: "load_adapter", Timestamp: time.Now().UTC(),
	}, nil
}

// UnloadAdapter removes an adapter instance.
func (s *Service) UnloadAdapter(ctx context.Context, adapterID string) (models.AdapterOperationResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.adapters[adapterID]; !exists {
		return models.AdapterOperationResponse{}, fmt.Errorf("%w: %s", ErrAdapterNotFound, adapterID)
	}
	delete(s.adapters, adapterID)
	slog.Info("Adapter unloaded", "adapter_id", adapterID)
	return models.AdapterOperationResponse{
		Success: true, AdapterID: adapterID, Operation: "unload_adapter", Timestamp: time.Now().UTC(),
	}, nil
}

// ListAdapters returns every loaded adapter.
func (s *Service) ListAdapters(ctx context.Context) ([]models.AdapterInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AdapterInfo, 0, len(s.adapters))
	for _, info := range s.adapters {
		out = append(out, *info)
	}
	return out, nil
}

// GetAdapterInfo returns one adapter's record.
func (s *Service) GetAdapterInfo(ctx context.Context, adapterID string) (models.AdapterInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, exists := s.adapters[adapterID]
	if !exists {
		return models.AdapterInfo{}, fmt.Errorf("%w: %s", ErrAdapterNotFound, adapterID)
	}
	return *info, nil
}

// GetRuntimeStatus reports aggregate runtime state.
func (s *Service) GetRuntimeStatus(ctx context.Context) (models.RuntimeStatus, error) {
	s.mu.Lock()
	adapterCount := len(s.adapters)
	s.mu.Unlock()
	healthy := true
	if s.shutdown != nil {
		healthy = !s.shutdown.ShutdownRequested()
	}
	return models.RuntimeStatus{
		Healthy:         healthy,
		ProcessorStatus: s.processor.Status(),
		UptimeSeconds:   time.Since(s.started).Seconds(),
		AdapterCount:    adapterCount,
	}, nil
}
