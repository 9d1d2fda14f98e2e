package models

import "time"

// TaskStatus is the lifecycle state of a task row.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusActive    TaskStatus = "active"
	TaskStatusDeferred  TaskStatus = "deferred"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is a unit of agent work. Deferral state is embedded in
// ContextJSON under a top-level "deferral" key rather than in separate
// columns, so resolution history travels with the task.
type Task struct {
	TaskID      string     `db:"task_id" json:"task_id"`
	Description string     `db:"description" json:"description"`
	Status      TaskStatus `db:"status" json:"status"`
	Priority    int        `db:"priority" json:"priority"`
	ContextJSON string     `db:"context_json" json:"context_json"`
	SignedBy    *string    `db:"signed_by" json:"signed_by,omitempty"`
	Signature   *string    `db:"signature" json:"signature,omitempty"`
	SignedAt    *time.Time `db:"signed_at" json:"signed_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// ThoughtStatus is the lifecycle state of a thought row.
type ThoughtStatus string

const (
	ThoughtStatusPending    ThoughtStatus = "pending"
	ThoughtStatusProcessing ThoughtStatus = "processing"
	ThoughtStatusCompleted  ThoughtStatus = "completed"
	ThoughtStatusFailed     ThoughtStatus = "failed"
)

// Thought is one reasoning step in flight for a task. The resource
// monitor counts pending and processing thoughts against the budget.
type Thought struct {
	ThoughtID string        `db:"thought_id" json:"thought_id"`
	TaskID    string        `db:"task_id" json:"task_id"`
	Status    ThoughtStatus `db:"status" json:"status"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt time.Time     `db:"updated_at" json:"updated_at"`
}
