package resources

import "time"

// Action names the remediation a resource limit is wired to. The signal
// bus carries these names; subscribers decide what the action means.
type Action string

const (
	ActionThrottle Action = "throttle"
	ActionDefer    Action = "defer"
	ActionReject   Action = "reject"
	ActionShutdown Action = "shutdown"
)

// Resource names used in budget readings, snapshots and signals.
const (
	ResourceMemoryMB       = "memory_mb"
	ResourceCPUPercent     = "cpu_percent"
	ResourceDiskUsedGB     = "disk_used_gb"
	ResourceTokensHour     = "tokens_hour"
	ResourceTokensDay      = "tokens_day"
	ResourceThoughtsActive = "thoughts_active"
)

// Limit budgets one resource: the hard limit used for percentage math,
// the warning and critical thresholds walked each cycle, the action
// emitted when a threshold is crossed, and the per-level cooldown
// between emissions.
type Limit struct {
	Limit    float64       `yaml:"limit"`
	Warning  float64       `yaml:"warning"`
	Critical float64       `yaml:"critical"`
	Action   Action        `yaml:"action"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// Budget carries the limit for every monitored resource.
type Budget struct {
	MemoryMB       Limit `yaml:"memory_mb"`
	CPUPercent     Limit `yaml:"cpu_percent"`
	DiskUsedGB     Limit `yaml:"disk_used_gb"`
	TokensHour     Limit `yaml:"tokens_hour"`
	TokensDay      Limit `yaml:"tokens_day"`
	ThoughtsActive Limit `yaml:"thoughts_active"`
}

// DefaultBudget returns the budget used when no resource config is
// provided.
func DefaultBudget() Budget {
	return Budget{
		MemoryMB:       Limit{Limit: 4096, Warning: 3072, Critical: 3840, Action: ActionDefer, Cooldown: 60 * time.Second},
		CPUPercent:     Limit{Limit: 100, Warning: 80, Critical: 95, Action: ActionThrottle, Cooldown: 60 * time.Second},
		DiskUsedGB:     Limit{Limit: 100, Warning: 80, Critical: 95, Action: ActionDefer, Cooldown: 300 * time.Second},
		TokensHour:     Limit{Limit: 100000, Warning: 80000, Critical: 95000, Action: ActionThrottle, Cooldown: 300 * time.Second},
		TokensDay:      Limit{Limit: 1000000, Warning: 800000, Critical: 950000, Action: ActionReject, Cooldown: 3600 * time.Second},
		ThoughtsActive: Limit{Limit: 50, Warning: 40, Critical: 48, Action: ActionDefer, Cooldown: 30 * time.Second},
	}
}

// Reading is one resource's sampled value against its budget.
type Reading struct {
	Value   float64 `json:"value"`
	Limit   float64 `json:"limit"`
	Percent float64 `json:"percent"`
}

// Snapshot is the monitor's published view of the process. Readers get
// a consistent snapshot object; it may be up to one cycle stale.
type Snapshot struct {
	MemoryMB          float64            `json:"memory_mb"`
	CPUPercent        float64            `json:"cpu_percent"`
	CPUAveragePercent float64            `json:"cpu_average_percent"`
	DiskFreeGB        float64            `json:"disk_free_gb"`
	DiskUsedGB        float64            `json:"disk_used_gb"`
	TokensHour        int64              `json:"tokens_hour"`
	TokensDay         int64              `json:"tokens_day"`
	ThoughtsActive    int                `json:"thoughts_active"`
	Readings          map[string]Reading `json:"readings"`
	Warnings          []string           `json:"warnings"`
	Critical          []string           `json:"critical"`
	Healthy           bool               `json:"healthy"`
	UpdatedAt         time.Time          `json:"updated_at"`
}
