package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/steward-ai/steward/pkg/llm"
	"github.com/steward-ai/steward/pkg/models"
	"github.com/steward-ai/steward/pkg/registry"
)

// LLMProvider is the contract an LLM service instance must satisfy to
// be routable by the LLM bus.
type LLMProvider interface {
	ModelName() string
	CallStructured(ctx context.Context, req models.StructuredRequest) (*models.StructuredResponse, models.TokenCounts, error)
}

// TokenRecorder receives completed-call token counts. The resource
// monitor implements it to feed its hourly/daily windows.
type TokenRecorder interface {
	RecordTokens(n int)
}

// LLMBusConfig configures distribution and timeouts for the LLM bus.
type LLMBusConfig struct {
	Strategy    models.DistributionStrategy
	CallTimeout time.Duration
	QueueSize   int
}

// responseCacheCeiling bounds the memoization cache. Memoization is off
// unless explicitly enabled; the ceiling exists so enabling it can
// never grow unbounded.
const responseCacheCeiling = 100

// LLMBus routes structured LLM calls across every registered LLM
// provider: priority groups are tried ascending, one provider per group
// is picked by the distribution strategy, and failures walk the rest of
// the group before falling through to the next one.
type LLMBus struct {
	*BaseBus

	strategy    models.DistributionStrategy
	callTimeout time.Duration
	telemetry   *llmTelemetry
	tokens      TokenRecorder

	mu        sync.Mutex
	metrics   map[string]*ServiceMetrics
	rrCursors map[models.Priority]int
	memoCache map[string]*models.StructuredResponse
	memoize   bool
}

// NewLLMBus creates the LLM bus. promReg may be nil to skip telemetry
// registration (tests); tokens may be nil when no resource monitor is
// attached.
func NewLLMBus(reg *registry.Registry, cfg LLMBusConfig, promReg prometheus.Registerer, tokens TokenRecorder) *LLMBus {
	if cfg.Strategy == "" {
		cfg.Strategy = models.DistributionRoundRobin
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	b := &LLMBus{
		strategy:    cfg.Strategy,
		callTimeout: cfg.CallTimeout,
		telemetry:   newLLMTelemetry(promReg),
		tokens:      tokens,
		metrics:     make(map[string]*ServiceMetrics),
		rrCursors:   make(map[models.Priority]int),
		memoCache:   make(map[string]*models.StructuredResponse),
	}
	b.BaseBus = NewBaseBus("llm_bus", models.ServiceTypeLLM, reg, cfg.QueueSize, b.processMessage)
	return b
}

// processMessage handles queued asynchronous LLM work. The bus is
// primarily synchronous; queued messages only carry fire-and-forget
// calls whose results nobody awaits.
func (b *LLMBus) processMessage(ctx context.Context, msg Message) error {
	req, ok := msg.Payload.(models.StructuredRequest)
	if !ok {
		return fmt.Errorf("unexpected llm bus payload %T", msg.Payload)
	}
	_, _, err := b.CallStructured(ctx, req)
	return err
}

// EnableMemoization turns on response caching, bounded by
// responseCacheCeiling entries. Only deterministic workloads should
// enable it.
func (b *LLMBus) EnableMemoization() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.memoize = true
}

func (b *LLMBus) memoKey(req models.StructuredRequest) string {
	key, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	return string(key)
}

// CallStructured routes one structured call through the failover chain
// and returns the response plus computed resource usage.
func (b *LLMBus) CallStructured(ctx context.Context, req models.StructuredRequest) (*models.StructuredResponse, models.ResourceUsage, error) {
	if b.memoize {
		b.mu.Lock()
		cached, ok := b.memoCache[b.memoKey(req)]
		b.mu.Unlock()
		if ok {
			return cached, models.ResourceUsage{Model: cached.Model}, nil
		}
	}

	providers := b.Registry().AllProviders(models.ServiceTypeLLM)
	if len(providers) == 0 {
		return nil, models.ResourceUsage{}, fmt.Errorf("%w: no llm providers registered", ErrServiceUnavailable)
	}

	// Group by priority ascending; registry order within a priority is
	// stable registration order.
	priorities := make([]models.Priority, 0, 4)
	byPriority := make(map[models.Priority][]*registry.ServiceProvider)
	for _, p := range providers {
		if _, ok := p.Instance.(LLMProvider); !ok {
			slog.Warn("Registered LLM provider does not implement LLMProvider, skipping",
				"provider", p.Name)
			continue
		}
		if _, seen := byPriority[p.Priority]; !seen {
			priorities = append(priorities, p.Priority)
		}
		byPriority[p.Priority] = append(byPriority[p.Priority], p)
	}
	sort.Slice(priorities, func(i, j int) bool { return priorities[i] < priorities[j] })

	var lastErr error
	tried := 0
	skipped := 0
	for _, prio := range priorities {
		group := b.orderGroup(prio, byPriority[prio])
		for _, p := range group {
			if err := p.Breaker().CheckAndRaise(); err != nil {
				skipped++
				lastErr = err
				continue
			}
			tried++

			resp, usage, err := b.callProvider(ctx, p, req)
			if err == nil {
				if b.memoize {
					b.mu.Lock()
					if len(b.memoCache) < responseCacheCeiling {
						b.memoCache[b.memoKey(req)] = resp
					}
					b.mu.Unlock()
				}
				return resp, usage, nil
			}
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				// Caller cancelled: breaker state stays untouched.
				return nil, models.ResourceUsage{}, err
			}

			b.recordFailure(p)
			if isTimeoutError(err) {
				// Timeout cascades fast-fail without walking the chain,
				// preventing storm amplification from nested retries.
				slog.Warn("LLM call timed out, fast-failing",
					"provider", p.Name, "handler", req.HandlerName, "error", err)
				return nil, models.ResourceUsage{}, fmt.Errorf("%w: provider %s: %v", ErrTimeout, p.Name, err)
			}
			lastErr = err
			slog.Warn("LLM provider failed, trying next",
				"provider", p.Name, "handler", req.HandlerName, "error", err)
		}
	}

	if tried == 0 && skipped == 0 {
		return nil, models.ResourceUsage{}, fmt.Errorf("%w: no routable llm providers", ErrServiceUnavailable)
	}
	return nil, models.ResourceUsage{}, &AllProvidersFailedError{LastErr: lastErr, Tried: tried}
}

// callProvider invokes one provider under the bus call timeout and
// performs success-side bookkeeping.
func (b *LLMBus) callProvider(ctx context.Context, p *registry.ServiceProvider, req models.StructuredRequest) (*models.StructuredResponse, models.ResourceUsage, error) {
	provider := p.Instance.(LLMProvider)

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	start := time.Now()
	resp, counts, err := provider.CallStructured(callCtx, req)
	if err != nil {
		return nil, models.ResourceUsage{}, err
	}

	latency := time.Since(start).Milliseconds()
	usage := llm.EstimateUsage(resp.Model, counts, latency)

	p.Breaker().RecordSuccess()
	b.providerMetrics(p.Name).RecordSuccess(latency)
	b.emitTelemetry(p.Name, usage)
	if b.tokens != nil {
		b.tokens.RecordTokens(usage.TokensTotal)
	}
	return resp, usage, nil
}

func (b *LLMBus) recordFailure(p *registry.ServiceProvider) {
	p.Breaker().RecordFailure()
	b.providerMetrics(p.Name).RecordFailure()
}

func (b *LLMBus) emitTelemetry(provider string, usage models.ResourceUsage) {
	labels := prometheus.Labels{"service": provider, "model": usage.Model}
	b.telemetry.tokensTotal.With(labels).Add(float64(usage.TokensTotal))
	b.telemetry.tokensInput.With(labels).Add(float64(usage.TokensInput))
	b.telemetry.tokensOutput.With(labels).Add(float64(usage.TokensOutput))
	b.telemetry.costCents.With(labels).Add(usage.CostCents)
	b.telemetry.carbonGrams.With(labels).Add(usage.CarbonGrams)
	b.telemetry.energyKWh.With(labels).Add(usage.EnergyKWh)
	b.telemetry.latencyMS.With(labels).Observe(float64(usage.LatencyMS))
}

// orderGroup orders one priority group's members by the distribution
// strategy: the first element is the selected provider, the rest form
// the intra-group failover order.
func (b *LLMBus) orderGroup(prio models.Priority, members []*registry.ServiceProvider) []*registry.ServiceProvider {
	if len(members) <= 1 {
		return members
	}
	out := append([]*registry.ServiceProvider(nil), members...)

	switch b.strategy {
	case models.DistributionRoundRobin:
		b.mu.Lock()
		start := b.rrCursors[prio] % len(out)
		b.rrCursors[prio] = (b.rrCursors[prio] + 1) % len(out)
		b.mu.Unlock()
		rotated := make([]*registry.ServiceProvider, 0, len(out))
		for i := 0; i < len(out); i++ {
			rotated = append(rotated, out[(start+i)%len(out)])
		}
		return rotated

	case models.DistributionLatencyBased:
		sort.SliceStable(out, func(i, j int) bool {
			mi := b.providerMetrics(out[i].Name)
			mj := b.providerMetrics(out[j].Name)
			// Warm-up bias: providers with no samples sort first.
			if mi.Requests() == 0 || mj.Requests() == 0 {
				return mi.Requests() < mj.Requests()
			}
			return mi.AverageLatencyMS() < mj.AverageLatencyMS()
		})
		return out

	case models.DistributionRandom:
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out

	case models.DistributionLeastLoaded:
		sort.SliceStable(out, func(i, j int) bool {
			return b.providerMetrics(out[i].Name).Requests() < b.providerMetrics(out[j].Name).Requests()
		})
		return out
	}
	return out
}

func (b *LLMBus) providerMetrics(name string) *ServiceMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.metrics[name]
	if !ok {
		m = &ServiceMetrics{}
		b.metrics[name] = m
	}
	return m
}

// GetMetrics returns a snapshot of every provider's call metrics.
func (b *LLMBus) GetMetrics() []MetricsSnapshot {
	b.mu.Lock()
	names := make([]string, 0, len(b.metrics))
	for name := range b.metrics {
		names = append(names, name)
	}
	b.mu.Unlock()
	sort.Strings(names)

	out := make([]MetricsSnapshot, 0, len(names))
	for _, name := range names {
		out = append(out, b.providerMetrics(name).Snapshot(name))
	}
	return out
}

// ClearCircuitBreakers resets every LLM provider's breaker. It exists
// purely for test isolation.
func (b *LLMBus) ClearCircuitBreakers() {
	slog.Warn("Clearing LLM circuit breakers; this is a test-only operation")
	for _, p := range b.Registry().AllProviders(models.ServiceTypeLLM) {
		p.Breaker().Reset()
	}
}
