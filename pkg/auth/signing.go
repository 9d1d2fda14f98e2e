package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/steward-ai/steward/pkg/models"
)

// canonicalTaskBytes renders the signable task fields as sorted-key
// compact JSON. Both the signer and the verifier must produce identical
// bytes, so the field set and formatting are fixed here.
func canonicalTaskBytes(task models.Task) ([]byte, error) {
	fields := map[string]any{
		"task_id":      task.TaskID,
		"description":  task.Description,
		"status":       string(task.Status),
		"priority":     task.Priority,
		"context_json": task.ContextJSON,
		"created_at":   task.CreatedAt.UTC().Format(time.RFC3339),
	}
	// encoding/json marshals map keys in sorted order with no extra
	// whitespace, which is exactly the canonical form.
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize task %s: %w", task.TaskID, err)
	}
	return raw, nil
}

// SignTask signs a task's canonical form with a WA's Ed25519 key and
// returns the base64 signature and the signing timestamp.
func (s *Service) SignTask(task models.Task, waID string) (signature string, signedAt time.Time, err error) {
	priv, err := s.LoadPrivateKey(waID)
	if err != nil {
		return "", time.Time{}, err
	}
	canonical, err := canonicalTaskBytes(task)
	if err != nil {
		return "", time.Time{}, err
	}
	sig := ed25519.Sign(priv, canonical)
	return base64.StdEncoding.EncodeToString(sig), time.Now().UTC(), nil
}

// VerifyTaskSignature reconstructs a task's canonical form and checks
// the recorded signature against the signer's public key.
func (s *Service) VerifyTaskSignature(ctx context.Context, task models.Task) (bool, error) {
	if task.SignedBy == nil || task.Signature == nil {
		return false, fmt.Errorf("task %s carries no signature", task.TaskID)
	}
	cert, err := s.store.Get(ctx, *task.SignedBy)
	if err != nil {
		return false, err
	}
	pub, err := decodePublicKey(cert.PubkeyB64)
	if err != nil {
		return false, err
	}
	canonical, err := canonicalTaskBytes(task)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(*task.Signature)
	if err != nil {
		return false, fmt.Errorf("bad signature encoding on task %s: %w", task.TaskID, err)
	}
	return ed25519.Verify(pub, canonical, sig), nil
}
