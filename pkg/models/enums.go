package models

// ServiceType identifies a kind of pluggable service. It is the primary
// key of the service registry.
type ServiceType string

const (
	// ServiceTypeLLM is a language-model provider
	ServiceTypeLLM ServiceType = "llm"
	// ServiceTypeMemory is a memory/graph store
	ServiceTypeMemory ServiceType = "memory"
	// ServiceTypeAudit is an audit log sink
	ServiceTypeAudit ServiceType = "audit"
	// ServiceTypeCommunication is a chat-platform adapter
	ServiceTypeCommunication ServiceType = "communication"
	// ServiceTypeWiseAuthority is a wise-authority surface
	ServiceTypeWiseAuthority ServiceType = "wise_authority"
	// ServiceTypeTime is a time source
	ServiceTypeTime ServiceType = "time"
	// ServiceTypeShutdown is the shutdown coordinator
	ServiceTypeShutdown ServiceType = "shutdown"
	// ServiceTypeInitialization is the initialization coordinator
	ServiceTypeInitialization ServiceType = "initialization"
	// ServiceTypeRuntimeControl is the runtime control surface
	ServiceTypeRuntimeControl ServiceType = "runtime_control"
	// ServiceTypeVisibility is a visibility/transparency surface
	ServiceTypeVisibility ServiceType = "visibility"
	// ServiceTypeTool is a tool executor
	ServiceTypeTool ServiceType = "tool"
)

// IsValid checks if the service type is a known type
func (t ServiceType) IsValid() bool {
	switch t {
	case ServiceTypeLLM, ServiceTypeMemory, ServiceTypeAudit,
		ServiceTypeCommunication, ServiceTypeWiseAuthority, ServiceTypeTime,
		ServiceTypeShutdown, ServiceTypeInitialization,
		ServiceTypeRuntimeControl, ServiceTypeVisibility, ServiceTypeTool:
		return true
	default:
		return false
	}
}

// Priority orders providers within a priority group. Lower value means
// earlier attempt.
type Priority int

const (
	// PriorityCritical providers are attempted first
	PriorityCritical Priority = 0
	// PriorityHigh providers are attempted after critical
	PriorityHigh Priority = 1
	// PriorityNormal is the default priority
	PriorityNormal Priority = 2
	// PriorityLow providers are attempted after normal
	PriorityLow Priority = 3
	// PriorityFallback providers are the last resort
	PriorityFallback Priority = 9
)

// String returns the priority name used in logs and provider info.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// ParsePriority maps a priority name to its value. Unknown names fall
// back to normal.
func ParsePriority(name string) Priority {
	switch name {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "normal", "":
		return PriorityNormal
	case "low":
		return PriorityLow
	case "fallback":
		return PriorityFallback
	default:
		return PriorityNormal
	}
}

// SelectionStrategy controls intra-group provider selection in the registry.
type SelectionStrategy string

const (
	// StrategyFallback tries providers in priority order
	StrategyFallback SelectionStrategy = "fallback"
	// StrategyRoundRobin rotates through providers of a group
	StrategyRoundRobin SelectionStrategy = "round_robin"
)

// DistributionStrategy controls how the LLM bus picks one provider
// inside a priority group.
type DistributionStrategy string

const (
	// DistributionRoundRobin rotates through the group
	DistributionRoundRobin DistributionStrategy = "round_robin"
	// DistributionLatencyBased picks the lowest average latency
	DistributionLatencyBased DistributionStrategy = "latency_based"
	// DistributionRandom picks uniformly at random
	DistributionRandom DistributionStrategy = "random"
	// DistributionLeastLoaded picks the fewest total requests
	DistributionLeastLoaded DistributionStrategy = "least_loaded"
)

// IsValid checks if the distribution strategy is valid
func (s DistributionStrategy) IsValid() bool {
	switch s {
	case DistributionRoundRobin, DistributionLatencyBased,
		DistributionRandom, DistributionLeastLoaded:
		return true
	default:
		return false
	}
}
