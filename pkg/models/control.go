package models

import "time"

// ProcessorStatus describes the agent processor's execution state.
type ProcessorStatus string

const (
	// ProcessorStatusRunning means the processor is executing rounds
	ProcessorStatusRunning ProcessorStatus = "running"
	// ProcessorStatusPaused means the processor is halted but resumable
	ProcessorStatusPaused ProcessorStatus = "paused"
	// ProcessorStatusStopped means the processor has shut down
	ProcessorStatusStopped ProcessorStatus = "stopped"
)

// ProcessorControlResponse is the typed result of a processor-state
// operation. Failures are reported in-band rather than as errors so
// callers can distinguish "service down" from "service said no".
type ProcessorControlResponse struct {
	Success         bool            `json:"success"`
	ProcessorStatus ProcessorStatus `json:"processor_status"`
	Operation       string          `json:"operation"`
	Error           string          `json:"error,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// ProcessorQueueStatus reports queue depth and throughput of the
// processor's work queue.
type ProcessorQueueStatus struct {
	Healthy        bool    `json:"healthy"`
	QueueSize      int     `json:"queue_size"`
	ProcessingRate float64 `json:"processing_rate"`
	OldestItemAge  float64 `json:"oldest_item_age_seconds"`
	Error          string  `json:"error,omitempty"`
}

// AdapterStatus describes an adapter's lifecycle state.
type AdapterStatus string

const (
	// AdapterStatusActive means the adapter is running
	AdapterStatusActive AdapterStatus = "active"
	// AdapterStatusStopped means the adapter was unloaded
	AdapterStatusStopped AdapterStatus = "stopped"
	// AdapterStatusError means the adapter failed to start
	AdapterStatusError AdapterStatus = "error"
)

// AdapterInfo is the introspection record for one loaded adapter.
type AdapterInfo struct {
	AdapterID   string         `json:"adapter_id"`
	AdapterType string         `json:"adapter_type"`
	Status      AdapterStatus  `json:"status"`
	LoadedAt    time.Time      `json:"loaded_at"`
	Config      map[string]any `json:"config,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// AdapterOperationResponse is the typed result of adapter load/unload.
type AdapterOperationResponse struct {
	Success   bool      `json:"success"`
	AdapterID string    `json:"adapter_id"`
	Operation string    `json:"operation"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConfigSnapshot is a read-only view of (part of) the runtime config.
type ConfigSnapshot struct {
	Path      string         `json:"path,omitempty"`
	Values    map[string]any `json:"values"`
	Sensitive bool           `json:"sensitive"`
	Error     string         `json:"error,omitempty"`
}

// RuntimeStatus is the aggregate status surfaced by the runtime control
// bus, augmented with bus-side state.
type RuntimeStatus struct {
	Healthy          bool            `json:"healthy"`
	ProcessorStatus  ProcessorStatus `json:"processor_status"`
	UptimeSeconds    float64         `json:"uptime_seconds"`
	AdapterCount     int             `json:"adapter_count"`
	ActiveOperations []string        `json:"active_operations"`
	ShuttingDown     bool            `json:"shutting_down"`
	Error            string          `json:"error,omitempty"`
}
