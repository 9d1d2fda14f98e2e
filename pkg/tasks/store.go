// Package tasks implements the task store: SQL persistence for tasks
// and thoughts, including the embedded deferral encoding the wise
// authority service operates on.
package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steward-ai/steward/pkg/database"
	"github.com/steward-ai/steward/pkg/models"
)

// ErrNotFound is returned when a task or thought does not exist.
var ErrNotFound = errors.New("not found")

// Store persists tasks and thoughts.
type Store struct {
	db *database.Client
}

// NewStore creates a task store over an open database client.
func NewStore(db *database.Client) *Store {
	return &Store{db: db}
}

// Create inserts a new task. Empty status defaults to pending; empty
// context defaults to an empty JSON object.
func (s *Store) Create(ctx context.Context, task models.Task) error {
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	if task.ContextJSON == "" {
		task.ContextJSON = "{}"
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO tasks (task_id, description, status, priority, context_json,
		                    signed_by, signature, signed_at, created_at, updated_at)
		 VALUES (:task_id, :description, :status, :priority, :context_json,
		         :signed_by, :signature, :signed_at, :created_at, :updated_at)`, task)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.TaskID, err)
	}
	return nil
}

// Get returns one task by id.
func (s *Store) Get(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	err := s.db.GetContext(ctx, &task, `SELECT * FROM tasks WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	return &task, nil
}

// UpdateStatusAndContext writes a task's status and context JSON
// atomically and returns the number of rows updated.
func (s *Store) UpdateStatusAndContext(ctx context.Context, taskID string, status models.TaskStatus, contextJSON string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, context_json = ?, updated_at = ? WHERE task_id = ?`,
		status, contextJSON, time.Now().UTC(), taskID)
	if err != nil {
		return 0, fmt.Errorf("failed to update task %s: %w", taskID, err)
	}
	return res.RowsAffected()
}

// SetSignature attaches a task signature.
func (s *Store) SetSignature(ctx context.Context, taskID, signedBy, signature string, signedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET signed_by = ?, signature = ?, signed_at = ?, updated_at = ? WHERE task_id = ?`,
		signedBy, signature, signedAt.UTC(), time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to sign task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return err
}

// ListByStatus returns every task in a given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	var out []models.Task
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM tasks WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s tasks: %w", status, err)
	}
	return out, nil
}

// FindByContextLike returns tasks whose context JSON matches a LIKE
// pattern. The wise authority service uses it to locate a deferred task
// when the deferral id alone cannot be parsed back to a task id.
func (s *Store) FindByContextLike(ctx context.Context, pattern string) ([]models.Task, error) {
	var out []models.Task
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM tasks WHERE context_json LIKE ? ORDER BY created_at ASC`, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to scan task contexts: %w", err)
	}
	return out, nil
}

// CreateThought inserts a new thought row for a task.
func (s *Store) CreateThought(ctx context.Context, thought models.Thought) error {
	if thought.Status == "" {
		thought.Status = models.ThoughtStatusPending
	}
	now := time.Now().UTC()
	if thought.CreatedAt.IsZero() {
		thought.CreatedAt = now
	}
	thought.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO thoughts (thought_id, task_id, status, created_at, updated_at)
		 VALUES (:thought_id, :task_id, :status, :created_at, :updated_at)`, thought)
	if err != nil {
		return fmt.Errorf("failed to insert thought %s: %w", thought.ThoughtID, err)
	}
	return nil
}

// UpdateThoughtStatus moves a thought through its lifecycle.
func (s *Store) UpdateThoughtStatus(ctx context.Context, thoughtID string, status models.ThoughtStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE thoughts SET status = ?, updated_at = ? WHERE thought_id = ?`,
		status, time.Now().UTC(), thoughtID)
	if err != nil {
		return fmt.Errorf("failed to update thought %s: %w", thoughtID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("%w: thought %s", ErrNotFound, thoughtID)
	}
	return err
}

// CountActiveThoughts reports thoughts still in flight. The resource
// monitor calls it once per sampling cycle.
func (s *Store) CountActiveThoughts(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM thoughts WHERE status IN (?, ?)`,
		models.ThoughtStatusPending, models.ThoughtStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to count active thoughts: %w", err)
	}
	return count, nil
}

// DeleteFinishedBefore removes completed and failed tasks last updated
// before the cutoff, along with their thoughts. Returns the number of
// tasks removed.
func (s *Store) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM thoughts WHERE task_id IN (
		     SELECT task_id FROM tasks
		     WHERE status IN (?, ?) AND updated_at < ?)`,
		models.TaskStatusCompleted, models.TaskStatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete retired thoughts: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE status IN (?, ?) AND updated_at < ?`,
		models.TaskStatusCompleted, models.TaskStatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete retired tasks: %w", err)
	}
	return res.RowsAffected()
}
