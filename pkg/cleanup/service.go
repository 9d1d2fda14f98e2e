// Package cleanup provides data retention services for tasks and the
// audit log.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// TaskPruner removes finished tasks past retention. The task store
// implements it.
type TaskPruner interface {
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditPruner removes audit rows past their TTL. The database client
// implements it.
type AuditPruner interface {
	PruneAudit(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionConfig controls what the cleanup loop removes and how often
// it runs.
type RetentionConfig struct {
	TaskRetention time.Duration `yaml:"task_retention"`
	AuditTTL      time.Duration `yaml:"audit_ttl"`
	Interval      time.Duration `yaml:"interval"`
}

// DefaultRetentionConfig returns the retention policy used when none is
// configured.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		TaskRetention: 90 * 24 * time.Hour,
		AuditTTL:      30 * 24 * time.Hour,
		Interval:      6 * time.Hour,
	}
}

// Service periodically enforces retention policies:
//   - Deletes finished tasks (and their thoughts) past retention
//   - Removes audit rows past their TTL
//
// All operations are idempotent.
type Service struct {
	config RetentionConfig
	tasks  TaskPruner
	audit  AuditPruner

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg RetentionConfig, tasks TaskPruner, audit AuditPruner) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRetentionConfig().Interval
	}
	return &Service{
		config: cfg,
		tasks:  tasks,
		audit:  audit,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"task_retention", s.config.TaskRetention,
		"audit_ttl", s.config.AuditTTL,
		"interval", s.config.Interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.pruneFinishedTasks(ctx)
	s.pruneAuditLog(ctx)
}

func (s *Service) pruneFinishedTasks(ctx context.Context) {
	if s.tasks == nil || s.config.TaskRetention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-s.config.TaskRetention)
	count, err := s.tasks.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: task cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted finished tasks", "count", count)
	}
}

func (s *Service) pruneAuditLog(ctx context.Context) {
	if s.audit == nil || s.config.AuditTTL <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-s.config.AuditTTL)
	count, err := s.audit.PruneAudit(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: audit cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned audit log", "count", count)
	}
}
