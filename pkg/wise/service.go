// Package wise implements the wise authority service: role-based
// authorization, deferral lifecycle over the task store, and guidance
// retrieval. The service never generates guidance itself; it only
// surfaces what a wise authority attached.
package wise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/steward-ai/steward/pkg/auth"
	"github.com/steward-ai/steward/pkg/models"
	"github.com/steward-ai/steward/pkg/tasks"
)

// ErrDeferralNotFound is returned when a deferral id matches no task.
var ErrDeferralNotFound = errors.New("deferral not found")

// observerActions are the only actions an OBSERVER role may perform.
var observerActions = map[string]bool{
	"read":         true,
	"send_message": true,
	"observe":      true,
	"get_status":   true,
}

// rootOnlyActions are denied to AUTHORITY and below.
var rootOnlyActions = map[string]bool{
	"mint_wa":        true,
	"create_wa":      true,
	"bootstrap_root": true,
}

// deferralRecord is the JSON shape embedded under the task context's
// top-level "deferral" key.
type deferralRecord struct {
	DeferralID string              `json:"deferral_id"`
	ThoughtID  string              `json:"thought_id,omitempty"`
	Reason     string              `json:"reason"`
	DeferUntil string              `json:"defer_until"`
	Metadata   map[string]string   `json:"metadata,omitempty"`
	CreatedAt  string              `json:"created_at"`
	Resolution *resolutionRecord   `json:"resolution,omitempty"`
}

type resolutionRecord struct {
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
	ResolvedBy string `json:"resolved_by"`
	ResolvedAt string `json:"resolved_at"`
}

// Service is the core wise authority implementation.
type Service struct {
	auth  *auth.Service
	tasks *tasks.Store
}

// NewService creates the wise authority service.
func NewService(authSvc *auth.Service, taskStore *tasks.Store) *Service {
	return &Service{auth: authSvc, tasks: taskStore}
}

// CheckAuthorization reports whether a WA may perform an action. ROOT
// permits everything; AUTHORITY everything except root-only actions;
// OBSERVER a fixed read-mostly set. Inactive WAs are always rejected.
func (s *Service) CheckAuthorization(ctx context.Context, waID, action string) bool {
	cert, err := s.auth.Store().Get(ctx, waID)
	if err != nil {
		slog.Debug("Authorization check for unknown WA", "wa_id", waID, "action", action)
		return false
	}
	if !cert.Active {
		return false
	}

	switch cert.Role {
	case models.WARoleRoot:
		return true
	case models.WARoleAuthority:
		return !rootOnlyActions[action]
	case models.WARoleObserver:
		return observerActions[action]
	}
	return false
}

// RequestApproval auto-approves when the requester is already
// authorized for the action; otherwise it files a 24-hour deferral on
// the task named in the context and reports false.
func (s *Service) RequestApproval(ctx context.Context, waID, action string, reqCtx map[string]string) (bool, error) {
	if s.CheckAuthorization(ctx, waID, action) {
		return true, nil
	}

	taskID := reqCtx["task_id"]
	if taskID == "" {
		return false, fmt.Errorf("approval for %s requires a task_id in context", action)
	}
	_, err := s.SendDeferral(ctx, models.DeferralRequest{
		TaskID:     taskID,
		ThoughtID:  reqCtx["thought_id"],
		Reason:     fmt.Sprintf("approval required: %s requested %s", waID, action),
		DeferUntil: time.Now().UTC().Add(24 * time.Hour),
		Context:    reqCtx,
	})
	if err != nil {
		return false, err
	}
	return false, nil
}

// SendDeferral marks a task deferred and embeds the deferral record in
// its context JSON. The task must exist.
func (s *Service) SendDeferral(ctx context.Context, req models.DeferralRequest) (string, error) {
	task, err := s.tasks.Get(ctx, req.TaskID)
	if err != nil {
		return "", err
	}

	deferralID := fmt.Sprintf("defer_%s_%d", req.TaskID, time.Now().UnixMilli())
	record := deferralRecord{
		DeferralID: deferralID,
		ThoughtID:  req.ThoughtID,
		Reason:     req.Reason,
		DeferUntil: req.DeferUntil.UTC().Format(time.RFC3339),
		Metadata:   req.Context,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}

	taskCtx, err := decodeContext(task.ContextJSON)
	if err != nil {
		return "", err
	}
	taskCtx["deferral"] = record

	encoded, err := json.Marshal(taskCtx)
	if err != nil {
		return "", fmt.Errorf("failed to encode deferral context: %w", err)
	}
	if _, err := s.tasks.UpdateStatusAndContext(ctx, task.TaskID, models.TaskStatusDeferred, string(encoded)); err != nil {
		return "", err
	}

	slog.Info("Task deferred to wise authority",
		"task_id", task.TaskID, "deferral_id", deferralID, "reason", req.Reason)
	return deferralID, nil
}

// GetPendingDeferrals returns every deferred task's embedded deferral,
// bucketing integer task priority into review priorities.
func (s *Service) GetPendingDeferrals(ctx context.Context) ([]models.PendingDeferral, error) {
	deferred, err := s.tasks.ListByStatus(ctx, models.TaskStatusDeferred)
	if err != nil {
		return nil, err
	}

	out := make([]models.PendingDeferral, 0, len(deferred))
	for _, task := range deferred {
		record, _, err := extractDeferral(task.ContextJSON)
		if err != nil {
			slog.Warn("Deferred task carries no decodable deferral record",
				"task_id", task.TaskID, "error", err)
			continue
		}
		deferUntil, _ := time.Parse(time.RFC3339, record.DeferUntil)
		createdAt, _ := time.Parse(time.RFC3339, record.CreatedAt)
		out = append(out, models.PendingDeferral{
			DeferralID: record.DeferralID,
			TaskID:     task.TaskID,
			ThoughtID:  record.ThoughtID,
			Reason:     record.Reason,
			DeferUntil: deferUntil,
			CreatedAt:  createdAt,
			Priority:   reviewPriority(task.Priority),
			RequiresWA: true,
		})
	}
	return out, nil
}

// reviewPriority buckets integer task priority for WA review queues.
func reviewPriority(priority int) models.DeferralPriority {
	switch {
	case priority >= 7:
		return models.DeferralPriorityHigh
	case priority >= 4:
		return models.DeferralPriorityMedium
	default:
		return models.DeferralPriorityLow
	}
}

// ResolveDeferral records a WA decision on a deferral, attaches the
// reason as guidance when approved, and returns the task to pending.
// Returns true iff exactly one row was updated.
func (s *Service) ResolveDeferral(ctx context.Context, deferralID string, resolution models.DeferralResolution) (bool, error) {
	task, err := s.locateDeferredTask(ctx, deferralID)
	if err != nil {
		return false, err
	}

	taskCtx, err := decodeContext(task.ContextJSON)
	if err != nil {
		return false, err
	}
	record, _, err := extractDeferral(task.ContextJSON)
	if err != nil {
		return false, fmt.Errorf("%w: task %s carries no deferral", ErrDeferralNotFound, task.TaskID)
	}

	record.Resolution = &resolutionRecord{
		Approved:   resolution.Approved,
		Reason:     resolution.Reason,
		ResolvedBy: resolution.ResolvedBy,
		ResolvedAt: time.Now().UTC().Format(time.RFC3339),
	}
	taskCtx["deferral"] = record
	if resolution.Approved && resolution.Reason != "" {
		taskCtx["wa_guidance"] = resolution.Reason
	}

	encoded, err := json.Marshal(taskCtx)
	if err != nil {
		return false, fmt.Errorf("failed to encode resolution context: %w", err)
	}
	rows, err := s.tasks.UpdateStatusAndContext(ctx, task.TaskID, models.TaskStatusPending, string(encoded))
	if err != nil {
		return false, err
	}

	slog.Info("Deferral resolved",
		"deferral_id", deferralID, "task_id", task.TaskID,
		"approved", resolution.Approved, "resolved_by", resolution.ResolvedBy)
	return rows == 1, nil
}

// locateDeferredTask finds the task owning a deferral id, first by
// parsing the id back to a task id, falling back to a LIKE scan of the
// context JSON.
func (s *Service) locateDeferredTask(ctx context.Context, deferralID string) (*models.Task, error) {
	if taskID, ok := parseDeferralID(deferralID); ok {
		task, err := s.tasks.Get(ctx, taskID)
		if err == nil {
			if record, _, derr := extractDeferral(task.ContextJSON); derr == nil && record.DeferralID == deferralID {
				return task, nil
			}
		}
	}

	matches, err := s.tasks.FindByContextLike(ctx, `%"deferral_id":"`+deferralID+`"%`)
	if err != nil {
		return nil, err
	}
	if len(matches) != 1 {
		return nil, fmt.Errorf("%w: %s matched %d tasks", ErrDeferralNotFound, deferralID, len(matches))
	}
	return &matches[0], nil
}

// parseDeferralID recovers the task id from a defer_<task_id>_<epoch_ms>
// identifier. Task ids may themselves contain underscores, so the
// trailing millisecond component is split off the right.
func parseDeferralID(deferralID string) (string, bool) {
	body, ok := strings.CutPrefix(deferralID, "defer_")
	if !ok {
		return "", false
	}
	idx := strings.LastIndex(body, "_")
	if idx <= 0 {
		return "", false
	}
	return body[:idx], true
}

// FetchGuidance returns guidance a WA attached to the task, if any. It
// never fabricates guidance.
func (s *Service) FetchGuidance(ctx context.Context, req models.GuidanceRequest) (models.GuidanceResponse, error) {
	if req.TaskID == "" {
		return models.GuidanceResponse{}, nil
	}
	task, err := s.tasks.Get(ctx, req.TaskID)
	if err != nil {
		return models.GuidanceResponse{}, err
	}
	taskCtx, err := decodeContext(task.ContextJSON)
	if err != nil {
		return models.GuidanceResponse{}, err
	}

	guidance, _ := taskCtx["wa_guidance"].(string)
	resp := models.GuidanceResponse{Guidance: guidance}
	if record, _, err := extractDeferral(task.ContextJSON); err == nil && record.Resolution != nil {
		resp.WAID = record.Resolution.ResolvedBy
	}
	return resp, nil
}

func decodeContext(contextJSON string) (map[string]any, error) {
	if contextJSON == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(contextJSON), &out); err != nil {
		return nil, fmt.Errorf("failed to decode task context: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func extractDeferral(contextJSON string) (*deferralRecord, map[string]any, error) {
	taskCtx, err := decodeContext(contextJSON)
	if err != nil {
		return nil, nil, err
	}
	raw, ok := taskCtx["deferral"]
	if !ok {
		return nil, taskCtx, fmt.Errorf("no deferral key in context")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, taskCtx, err
	}
	var record deferralRecord
	if err := json.Unmarshal(encoded, &record); err != nil {
		return nil, taskCtx, err
	}
	return &record, taskCtx, nil
}
