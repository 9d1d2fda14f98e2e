package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steward-ai/steward/pkg/models"
	"github.com/steward-ai/steward/pkg/registry"
	"github.com/steward-ai/steward/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider is a test LLM provider with programmable behavior.
type scriptedProvider struct {
	name  string
	calls atomic.Int64
	fail  bool
	err   error
	delay time.Duration
}

func (p *scriptedProvider) ModelName() string { return "gpt-4o-mini" }

func (p *scriptedProvider) CallStructured(ctx context.Context, req models.StructuredRequest) (*models.StructuredResponse, models.TokenCounts, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, models.TokenCounts{}, ctx.Err()
		}
	}
	if p.fail {
		if p.err != nil {
			return nil, models.TokenCounts{}, p.err
		}
		return nil, models.TokenCounts{}, errors.New("connection refused")
	}
	raw, _ := json.Marshal(map[string]string{"from": p.name})
	return &models.StructuredResponse{Raw: raw, Model: "gpt-4o-mini"},
		models.TokenCounts{Input: 100, Output: 50}, nil
}

func realMeta() map[string]string {
	return map[string]string{"provider": "openai"}
}

func registerLLM(t *testing.T, reg *registry.Registry, p *scriptedProvider, prio models.Priority, breaker *resilience.Config) {
	t.Helper()
	_, err := reg.Register(models.ServiceTypeLLM, p, registry.RegisterOptions{
		Priority:      prio,
		Capabilities:  []string{"call_llm_structured"},
		Metadata:      realMeta(),
		BreakerConfig: breaker,
	})
	require.NoError(t, err)
}

func testRequest() models.StructuredRequest {
	return models.StructuredRequest{
		Messages:    []models.ChatMessage{{Role: models.RoleUser, Content: "ping"}},
		MaxTokens:   64,
		HandlerName: "TestHandler",
	}
}

func TestLLMBus_RoundRobinDistribution(t *testing.T) {
	reg := registry.NewRegistry()
	a := &scriptedProvider{name: "a"}
	b := &scriptedProvider{name: "b"}
	c := &scriptedProvider{name: "c"}
	for _, p := range []*scriptedProvider{a, b, c} {
		registerLLM(t, reg, p, models.PriorityNormal, nil)
	}

	bus := NewLLMBus(reg, LLMBusConfig{Strategy: models.DistributionRoundRobin}, nil, nil)

	var order []string
	for i := 0; i < 6; i++ {
		resp, usage, err := bus.CallStructured(context.Background(), testRequest())
		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, 150, usage.TokensTotal)

		var decoded map[string]string
		require.NoError(t, resp.Decode(&decoded))
		order = append(order, decoded["from"])
	}

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, order)
	assert.Equal(t, int64(2), a.calls.Load())
	assert.Equal(t, int64(2), b.calls.Load())
	assert.Equal(t, int64(2), c.calls.Load())
}

func TestLLMBus_FailoverAcrossPriorities(t *testing.T) {
	reg := registry.NewRegistry()
	high := &scriptedProvider{name: "high", fail: true}
	normal := &scriptedProvider{name: "normal"}
	low := &scriptedProvider{name: "low"}
	registerLLM(t, reg, high, models.PriorityHigh, nil)
	registerLLM(t, reg, normal, models.PriorityNormal, nil)
	registerLLM(t, reg, low, models.PriorityLow, nil)

	bus := NewLLMBus(reg, LLMBusConfig{}, nil, nil)

	resp, _, err := bus.CallStructured(context.Background(), testRequest())
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, resp.Decode(&decoded))
	assert.Equal(t, "normal", decoded["from"])

	assert.Equal(t, int64(1), high.calls.Load())
	assert.Equal(t, int64(1), normal.calls.Load())
	assert.Equal(t, int64(0), low.calls.Load(), "lower priorities are never reached after a success")
}

func TestLLMBus_BreakerTripsAndRecovers(t *testing.T) {
	reg := registry.NewRegistry()
	p := &scriptedProvider{name: "flaky", fail: true}
	registerLLM(t, reg, p, models.PriorityNormal, &resilience.Config{
		FailureThreshold: 3,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 1,
	})

	bus := NewLLMBus(reg, LLMBusConfig{}, nil, nil)

	var allFailed *AllProvidersFailedError
	for i := 0; i < 3; i++ {
		_, _, err := bus.CallStructured(context.Background(), testRequest())
		require.ErrorAs(t, err, &allFailed)
	}
	require.Equal(t, int64(3), p.calls.Load())

	// Breaker is open: the 4th call fails without invoking the provider.
	_, _, err := bus.CallStructured(context.Background(), testRequest())
	require.ErrorAs(t, err, &allFailed)
	assert.Equal(t, int64(3), p.calls.Load())

	// After the recovery timeout the healed provider closes the circuit.
	time.Sleep(60 * time.Millisecond)
	p.fail = false
	resp, _, err := bus.CallStructured(context.Background(), testRequest())
	require.NoError(t, err)
	require.NotNil(t, resp)

	for _, rp := range reg.AllProviders(models.ServiceTypeLLM) {
		assert.Equal(t, resilience.StateClosed, rp.Breaker().State())
	}
}

func TestLLMBus_TimeoutFastFails(t *testing.T) {
	reg := registry.NewRegistry()
	slow := &scriptedProvider{name: "slow", delay: time.Second}
	backup := &scriptedProvider{name: "backup"}
	registerLLM(t, reg, slow, models.PriorityHigh, nil)
	registerLLM(t, reg, backup, models.PriorityNormal, nil)

	bus := NewLLMBus(reg, LLMBusConfig{CallTimeout: 20 * time.Millisecond}, nil, nil)

	_, _, err := bus.CallStructured(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int64(0), backup.calls.Load(), "timeouts must not walk the failover chain")
}

func TestLLMBus_NoProviders(t *testing.T) {
	bus := NewLLMBus(registry.NewRegistry(), LLMBusConfig{}, nil, nil)
	_, _, err := bus.CallStructured(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrServiceUnavailable)
}

type tokenSink struct {
	total atomic.Int64
}

func (s *tokenSink) RecordTokens(n int) { s.total.Add(int64(n)) }

func TestLLMBus_TokenRecorderAndMetrics(t *testing.T) {
	reg := registry.NewRegistry()
	p := &scriptedProvider{name: "solo"}
	registerLLM(t, reg, p, models.PriorityNormal, nil)

	sink := &tokenSink{}
	bus := NewLLMBus(reg, LLMBusConfig{}, nil, sink)

	_, usage, err := bus.CallStructured(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(150), sink.total.Load())
	assert.Positive(t, usage.CostCents)
	assert.Positive(t, usage.EnergyKWh)
	assert.InDelta(t, usage.EnergyKWh*500, usage.CarbonGrams, 1e-9)

	snaps := bus.GetMetrics()
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(1), snaps[0].TotalRequests)
	assert.Equal(t, int64(0), snaps[0].FailedRequests)
}

func TestLLMBus_LeastLoadedPrefersColdProvider(t *testing.T) {
	reg := registry.NewRegistry()
	warm := &scriptedProvider{name: "warm"}
	cold := &scriptedProvider{name: "cold"}
	registerLLM(t, reg, warm, models.PriorityNormal, nil)
	registerLLM(t, reg, cold, models.PriorityNormal, nil)

	bus := NewLLMBus(reg, LLMBusConfig{Strategy: models.DistributionLeastLoaded}, nil, nil)
	bus.providerMetrics(reg.AllProviders(models.ServiceTypeLLM)[0].Name).RecordSuccess(10)

	resp, _, err := bus.CallStructured(context.Background(), testRequest())
	require.NoError(t, err)
	var decoded map[string]string
	require.NoError(t, resp.Decode(&decoded))
	assert.Equal(t, "cold", decoded["from"])
}
