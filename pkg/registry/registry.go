// Package registry implements the service registry: it owns the mapping
// from service type to prioritized provider lists, health-checks and
// selects providers under policy, and wires a circuit breaker to every
// registered provider.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/steward-ai/steward/pkg/models"
	"github.com/steward-ai/steward/pkg/resilience"
)

var (
	// ErrSecurityViolation is returned when a registration would mix mock
	// and real LLM providers, contaminating audit trails.
	ErrSecurityViolation = errors.New("security violation")

	// ErrDuplicateProvider is returned when a provider name is already taken.
	ErrDuplicateProvider = errors.New("provider already registered")
)

// HealthChecker is implemented by service instances that can report
// their own health. Selection treats a false report as a breaker failure.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// ServiceProvider is the registry's record for one registered service
// instance. The registry owns the record and its circuit breaker.
type ServiceProvider struct {
	Name          string
	Type          models.ServiceType
	Priority      models.Priority
	PriorityGroup int
	Strategy      models.SelectionStrategy
	Capabilities  map[string]bool
	Instance      any
	Metadata      map[string]string

	breaker *resilience.CircuitBreaker
}

// Breaker returns the provider's circuit breaker.
func (p *ServiceProvider) Breaker() *resilience.CircuitBreaker { return p.breaker }

// HasCapabilities reports whether the provider advertises every
// required capability.
func (p *ServiceProvider) HasCapabilities(required []string) bool {
	for _, cap := range required {
		if !p.Capabilities[cap] {
			return false
		}
	}
	return true
}

// ProviderInfo is the introspection view of a provider plus its breaker.
type ProviderInfo struct {
	Name          string                   `json:"name"`
	Type          models.ServiceType       `json:"service_type"`
	Priority      string                   `json:"priority"`
	PriorityGroup int                      `json:"priority_group"`
	Strategy      models.SelectionStrategy `json:"strategy"`
	Capabilities  []string                 `json:"capabilities"`
	Metadata      map[string]string        `json:"metadata,omitempty"`
	Breaker       resilience.Stats         `json:"circuit_breaker"`
}

// RegisterOptions carries the optional registration parameters.
type RegisterOptions struct {
	Priority      models.Priority
	PriorityGroup int
	Strategy      models.SelectionStrategy
	Capabilities  []string
	Metadata      map[string]string
	BreakerConfig *resilience.Config
}

// Registry owns provider lists keyed by service type. All mutations go
// through registry methods; provider lists stay sorted by
// (priority_group, priority) after every mutation.
type Registry struct {
	mu        sync.RWMutex
	providers map[models.ServiceType][]*ServiceProvider
	// round-robin cursors keyed by "<type>:<group>"
	cursors  map[string]int
	instance int
}

// NewRegistry creates an empty service registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[models.ServiceType][]*ServiceProvider),
		cursors:   make(map[string]int),
	}
}

// Register adds a provider for a service type and returns its stable
// name handle. LLM registrations are checked against the mock/real
// mixing interlock before being admitted.
func (r *Registry) Register(serviceType models.ServiceType, instance any, opts RegisterOptions) (string, error) {
	if instance == nil {
		return "", fmt.Errorf("cannot register nil instance for %s", serviceType)
	}
	if opts.Strategy == "" {
		opts.Strategy = models.StrategyFallback
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if serviceType == models.ServiceTypeLLM {
		if err := r.checkLLMMixing(instance, opts.Metadata); err != nil {
			slog.Error("Rejected LLM provider registration",
				"critical", true,
				"instance_type", fmt.Sprintf("%T", instance),
				"error", err)
			return "", err
		}
	}

	r.instance++
	name := fmt.Sprintf("%s_%d", typeName(instance), r.instance)
	for _, existing := range r.providers[serviceType] {
		if existing.Name == name {
			return "", fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
		}
	}

	caps := make(map[string]bool, len(opts.Capabilities))
	for _, c := range opts.Capabilities {
		caps[c] = true
	}

	cfg := resilience.DefaultConfig()
	if opts.BreakerConfig != nil {
		cfg = *opts.BreakerConfig
	}

	provider := &ServiceProvider{
		Name:          name,
		Type:          serviceType,
		Priority:      opts.Priority,
		PriorityGroup: opts.PriorityGroup,
		Strategy:      opts.Strategy,
		Capabilities:  caps,
		Instance:      instance,
		Metadata:      opts.Metadata,
		breaker:       resilience.NewCircuitBreaker(fmt.Sprintf("%s_%s", serviceType, name), cfg),
	}

	r.providers[serviceType] = append(r.providers[serviceType], provider)
	r.sortProvidersLocked(serviceType)

	slog.Info("Registered service provider",
		"service_type", serviceType,
		"provider", name,
		"priority", opts.Priority.String(),
		"priority_group", opts.PriorityGroup,
		"strategy", opts.Strategy,
		"capabilities", opts.Capabilities)

	return name, nil
}

// checkLLMMixing enforces that mock and real LLM providers are never
// registered side by side. Caller holds the write lock.
func (r *Registry) checkLLMMixing(instance any, metadata map[string]string) error {
	newIsMock := isMockProvider(instance, metadata)
	for _, existing := range r.providers[models.ServiceTypeLLM] {
		existingIsMock := isMockProvider(existing.Instance, existing.Metadata)
		if existingIsMock != newIsMock {
			return fmt.Errorf("%w: cannot mix mock and real LLM providers (existing %s is_mock=%t, new is_mock=%t)",
				ErrSecurityViolation, existing.Name, existingIsMock, newIsMock)
		}
	}
	return nil
}

// isMockProvider classifies a provider as mock when its type name
// contains "Mock" or its metadata declares provider=mock. The explicit
// is_mock metadata flag is honored additionally when present.
func isMockProvider(instance any, metadata map[string]string) bool {
	if strings.Contains(typeName(instance), "Mock") {
		return true
	}
	if metadata != nil {
		if metadata["provider"] == "mock" || metadata["is_mock"] == "true" {
			return true
		}
	}
	return false
}

func typeName(instance any) string {
	name := fmt.Sprintf("%T", instance)
	name = strings.TrimPrefix(name, "*")
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

// sortProvidersLocked re-sorts a type's provider list by
// (priority_group, priority). Caller holds the write lock.
func (r *Registry) sortProvidersLocked(serviceType models.ServiceType) {
	list := r.providers[serviceType]
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].PriorityGroup != list[j].PriorityGroup {
			return list[i].PriorityGroup < list[j].PriorityGroup
		}
		return list[i].Priority < list[j].Priority
	})
}

// GetService selects one available provider instance for a handler.
// Groups are tried ascending; within a group the group's strategy
// applies; each candidate must carry the required capabilities, have an
// available breaker, and pass its health check if it exposes one.
// Returns nil when no provider qualifies.
func (r *Registry) GetService(ctx context.Context, handler string, serviceType models.ServiceType, requiredCapabilities ...string) any {
	p := r.selectProvider(ctx, serviceType, requiredCapabilities)
	if p == nil {
		slog.Debug("No available provider",
			"handler", handler,
			"service_type", serviceType,
			"required_capabilities", requiredCapabilities)
		return nil
	}
	return p.Instance
}

// GetProvider is GetService returning the full provider record, used by
// buses that need breaker access alongside the instance.
func (r *Registry) GetProvider(ctx context.Context, serviceType models.ServiceType, requiredCapabilities ...string) *ServiceProvider {
	return r.selectProvider(ctx, serviceType, requiredCapabilities)
}

func (r *Registry) selectProvider(ctx context.Context, serviceType models.ServiceType, required []string) *ServiceProvider {
	r.mu.Lock()
	list := append([]*ServiceProvider(nil), r.providers[serviceType]...)

	// Partition by priority group, preserving the (group, priority) sort.
	groups := make([]int, 0, 4)
	byGroup := make(map[int][]*ServiceProvider)
	for _, p := range list {
		if _, seen := byGroup[p.PriorityGroup]; !seen {
			groups = append(groups, p.PriorityGroup)
		}
		byGroup[p.PriorityGroup] = append(byGroup[p.PriorityGroup], p)
	}

	// Build per-group candidate orderings under the lock so cursors
	// advance atomically; validation happens after release.
	ordered := make([]*ServiceProvider, 0, len(list))
	for _, g := range groups {
		members := byGroup[g]
		if len(members) > 1 && members[0].Strategy == models.StrategyRoundRobin {
			key := fmt.Sprintf("%s:%d", serviceType, g)
			start := r.cursors[key] % len(members)
			r.cursors[key] = (r.cursors[key] + 1) % len(members)
			for i := 0; i < len(members); i++ {
				ordered = append(ordered, members[(start+i)%len(members)])
			}
		} else {
			ordered = append(ordered, members...)
		}
	}
	r.mu.Unlock()

	for _, p := range ordered {
		if !p.HasCapabilities(required) {
			continue
		}
		if !p.breaker.IsAvailable() {
			continue
		}
		if hc, ok := p.Instance.(HealthChecker); ok {
			healthy := func() (h bool) {
				defer func() {
					if rec := recover(); rec != nil {
						slog.Error("Provider health check panicked",
							"provider", p.Name, "panic", rec)
						h = false
					}
				}()
				return hc.IsHealthy(ctx)
			}()
			if !healthy {
				p.breaker.RecordFailure()
				continue
			}
		}
		p.breaker.RecordSuccess()
		return p
	}
	return nil
}

// AllProviders returns every provider of a type in (priority_group,
// priority) order, regardless of breaker state. Buses that run their
// own failover chains use this and do breaker checks per call.
func (r *Registry) AllProviders(serviceType models.ServiceType) []*ServiceProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*ServiceProvider(nil), r.providers[serviceType]...)
}

// GetServicesByType returns every currently available instance of a
// type (breaker closed or half-open), deduplicated by identity. Used
// for broadcast fan-out.
func (r *Registry) GetServicesByType(serviceType models.ServiceType) []any {
	return instancesOf(r.AvailableProviders(serviceType))
}

// AvailableProviders returns the provider records backing
// GetServicesByType, for callers that need breaker bookkeeping.
func (r *Registry) AvailableProviders(serviceType models.ServiceType) []*ServiceProvider {
	r.mu.RLock()
	list := append([]*ServiceProvider(nil), r.providers[serviceType]...)
	r.mu.RUnlock()

	// Dedupe by pointer identity. Instances with unhashable dynamic
	// types (structs carrying maps or slices) cannot be map keys, and
	// non-pointer instances are distinct values anyway.
	seen := make(map[uintptr]bool, len(list))
	out := make([]*ServiceProvider, 0, len(list))
	for _, p := range list {
		if !p.breaker.IsAvailable() {
			continue
		}
		if v := reflect.ValueOf(p.Instance); v.Kind() == reflect.Pointer {
			if seen[v.Pointer()] {
				continue
			}
			seen[v.Pointer()] = true
		}
		out = append(out, p)
	}
	return out
}

func instancesOf(providers []*ServiceProvider) []any {
	out := make([]any, len(providers))
	for i, p := range providers {
		out[i] = p.Instance
	}
	return out
}

// GetProviderInfo returns provider records plus breaker stats, for the
// whole registry or one service type.
func (r *Registry) GetProviderInfo(serviceType models.ServiceType) []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var types []models.ServiceType
	if serviceType != "" {
		types = []models.ServiceType{serviceType}
	} else {
		for t := range r.providers {
			types = append(types, t)
		}
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	}

	var out []ProviderInfo
	for _, t := range types {
		for _, p := range r.providers[t] {
			caps := make([]string, 0, len(p.Capabilities))
			for c := range p.Capabilities {
				caps = append(caps, c)
			}
			sort.Strings(caps)
			out = append(out, ProviderInfo{
				Name:          p.Name,
				Type:          p.Type,
				Priority:      p.Priority.String(),
				PriorityGroup: p.PriorityGroup,
				Strategy:      p.Strategy,
				Capabilities:  caps,
				Metadata:      p.Metadata,
				Breaker:       p.breaker.GetStats(),
			})
		}
	}
	return out
}

// Unregister removes a provider and its circuit breaker atomically.
// Returns true if the provider existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for serviceType, list := range r.providers {
		for i, p := range list {
			if p.Name == name {
				r.providers[serviceType] = append(list[:i], list[i+1:]...)
				r.sortProvidersLocked(serviceType)
				slog.Info("Unregistered service provider",
					"service_type", serviceType, "provider", name)
				return true
			}
		}
	}
	return false
}

// ClearAll removes every registered provider.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = make(map[models.ServiceType][]*ServiceProvider)
	r.cursors = make(map[string]int)
	slog.Info("Cleared all registered providers")
}

// ResetCircuitBreakers resets every provider's breaker to closed.
func (r *Registry) ResetCircuitBreakers() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, list := range r.providers {
		for _, p := range list {
			p.breaker.Reset()
		}
	}
}

// WaitReady polls at 100 ms intervals until every required service type
// has at least one provider or the timeout elapses. When no types are
// given it waits for an LLM provider.
func (r *Registry) WaitReady(ctx context.Context, timeout time.Duration, requiredTypes ...models.ServiceType) bool {
	if len(requiredTypes) == 0 {
		requiredTypes = []models.ServiceType{models.ServiceTypeLLM}
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if r.hasAllTypes(requiredTypes) {
			return true
		}
		if time.Now().After(deadline) {
			slog.Warn("Registry readiness timed out",
				"timeout", timeout, "required_types", requiredTypes)
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (r *Registry) hasAllTypes(types []models.ServiceType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range types {
		if len(r.providers[t]) == 0 {
			return false
		}
	}
	return true
}
