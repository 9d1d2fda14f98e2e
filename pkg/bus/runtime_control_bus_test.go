package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/steward-ai/steward/pkg/models"
	"github.com/steward-ai/steward/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubControlService records the order in which mutating operations hit
// the underlying service.
type stubControlService struct {
	mu     sync.Mutex
	ops    []string
	failOp string
}

func (s *stubControlService) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
}

func (s *stubControlService) maybeFail(op string) error {
	if s.failOp == op {
		return errors.New("backend rejected " + op)
	}
	return nil
}

func (s *stubControlService) GetProcessorQueueStatus(context.Context) (models.ProcessorQueueStatus, error) {
	return models.ProcessorQueueStatus{Healthy: true, QueueSize: 3}, nil
}

func (s *stubControlService) ShutdownRuntime(_ context.Context, reason string) (models.ProcessorControlResponse, error) {
	s.record("shutdown:" + reason)
	return models.ProcessorControlResponse{Success: true, Operation: "shutdown_runtime", ProcessorStatus: models.ProcessorStatusStopped}, nil
}

func (s *stubControlService) GetConfig(_ context.Context, path string, _ bool) (models.ConfigSnapshot, error) {
	return models.ConfigSnapshot{Path: path, Values: map[string]any{"workers": 4}}, nil
}

func (s *stubControlService) LoadAdapter(_ context.Context, adapterType, adapterID string, _ map[string]any) (models.AdapterOperationResponse, error) {
	if err := s.maybeFail("load_adapter"); err != nil {
		return models.AdapterOperationResponse{}, err
	}
	s.record("load:" + adapterID)
	return models.AdapterOperationResponse{Success: true, AdapterID: adapterID, Operation: "load_adapter"}, nil
}

func (s *stubControlService) UnloadAdapter(_ context.Context, adapterID string) (models.AdapterOperationResponse, error) {
	s.record("unload:" + adapterID)
	return models.AdapterOperationResponse{Success: true, AdapterID: adapterID, Operation: "unload_adapter"}, nil
}

func (s *stubControlService) ListAdapters(context.Context) ([]models.AdapterInfo, error) {
	return []models.AdapterInfo{{AdapterID: "discord-1", Status: models.AdapterStatusActive}}, nil
}

func (s *stubControlService) GetAdapterInfo(_ context.Context, adapterID string) (models.AdapterInfo, error) {
	return models.AdapterInfo{AdapterID: adapterID, Status: models.AdapterStatusActive}, nil
}

func (s *stubControlService) PauseProcessing(context.Context) (models.ProcessorControlResponse, error) {
	s.record("pause")
	return models.ProcessorControlResponse{Success: true, Operation: "pause_processing", ProcessorStatus: models.ProcessorStatusPaused}, nil
}

func (s *stubControlService) ResumeProcessing(context.Context) (models.ProcessorControlResponse, error) {
	s.record("resume")
	return models.ProcessorControlResponse{Success: true, Operation: "resume_processing", ProcessorStatus: models.ProcessorStatusRunning}, nil
}

func (s *stubControlService) SingleStep(context.Context) (models.ProcessorControlResponse, error) {
	s.record("step")
	return models.ProcessorControlResponse{Success: true, Operation: "single_step", ProcessorStatus: models.ProcessorStatusPaused}, nil
}

func (s *stubControlService) GetRuntimeStatus(context.Context) (models.RuntimeStatus, error) {
	return models.RuntimeStatus{Healthy: true, ProcessorStatus: models.ProcessorStatusRunning}, nil
}

func newControlBus(t *testing.T, svc *stubControlService) *RuntimeControlBus {
	t.Helper()
	reg := registry.NewRegistry()
	if svc != nil {
		_, err := reg.Register(models.ServiceTypeRuntimeControl, svc, registry.RegisterOptions{})
		require.NoError(t, err)
	}
	return NewRuntimeControlBus(reg)
}

func TestRuntimeControlBus_ServiceAbsentReturnsTypedResponse(t *testing.T) {
	bus := newControlBus(t, nil)

	resp := bus.PauseProcessing(context.Background())
	assert.False(t, resp.Success)
	assert.Equal(t, ErrServiceUnavailable.Error(), resp.Error)

	status := bus.GetProcessorQueueStatus(context.Background())
	assert.False(t, status.Healthy)
	assert.Equal(t, ErrServiceUnavailable.Error(), status.Error)

	snap := bus.GetConfig(context.Background(), "workers", false)
	assert.Equal(t, ErrServiceUnavailable.Error(), snap.Error)
}

func TestRuntimeControlBus_BackendErrorsAreEmbedded(t *testing.T) {
	svc := &stubControlService{failOp: "load_adapter"}
	bus := newControlBus(t, svc)

	resp := bus.LoadAdapter(context.Background(), "discord", "discord-1", nil)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "backend rejected load_adapter")
}

func TestRuntimeControlBus_ProcessorOps(t *testing.T) {
	svc := &stubControlService{}
	bus := newControlBus(t, svc)

	require.True(t, bus.PauseProcessing(context.Background()).Success)
	require.True(t, bus.SingleStep(context.Background()).Success)
	require.True(t, bus.ResumeProcessing(context.Background()).Success)

	assert.Equal(t, []string{"pause", "step", "resume"}, svc.ops)
}

func TestRuntimeControlBus_ShutdownRefusesMutations(t *testing.T) {
	svc := &stubControlService{}
	bus := newControlBus(t, svc)

	resp := bus.ShutdownRuntime(context.Background(), "operator request")
	require.True(t, resp.Success)

	pause := bus.PauseProcessing(context.Background())
	assert.False(t, pause.Success)
	assert.Equal(t, ErrShuttingDown.Error(), pause.Error)

	load := bus.LoadAdapter(context.Background(), "discord", "discord-2", nil)
	assert.False(t, load.Success)
	assert.Equal(t, ErrShuttingDown.Error(), load.Error)

	// Reads remain safe after shutdown starts.
	status := bus.GetRuntimeStatus(context.Background())
	assert.True(t, status.ShuttingDown)
}

func TestRuntimeControlBus_SerializesMutations(t *testing.T) {
	svc := &stubControlService{}
	bus := newControlBus(t, svc)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.PauseProcessing(context.Background())
			bus.ResumeProcessing(context.Background())
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("mutating operations deadlocked")
	}

	// Every operation reached the backend whole; 20 total.
	assert.Len(t, svc.ops, 20)
}

func TestRuntimeControlBus_RuntimeStatusAugmented(t *testing.T) {
	svc := &stubControlService{}
	bus := newControlBus(t, svc)

	status := bus.GetRuntimeStatus(context.Background())
	assert.True(t, status.Healthy)
	assert.False(t, status.ShuttingDown)
	assert.Empty(t, status.ActiveOperations)
}
