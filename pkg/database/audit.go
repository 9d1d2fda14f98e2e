package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditEntry is one immutable audit record.
type AuditEntry struct {
	ID        int64     `db:"id" json:"id"`
	EventType string    `db:"event_type" json:"event_type"`
	Actor     string    `db:"actor" json:"actor"`
	Payload   string    `db:"payload_json" json:"payload_json"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// AppendAudit writes one audit record. The payload is marshalled to
// JSON; a nil payload records an empty object.
func (c *Client) AppendAudit(ctx context.Context, eventType, actor string, payload map[string]any) error {
	raw := []byte("{}")
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal audit payload: %w", err)
		}
	}
	_, err := c.ExecContext(ctx,
		`INSERT INTO audit_log (event_type, actor, payload_json, created_at) VALUES (?, ?, ?, ?)`,
		eventType, actor, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// RecentAudit returns the newest audit records, newest first.
func (c *Client) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []AuditEntry
	err := c.SelectContext(ctx, &out,
		`SELECT * FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return out, nil
}

// PruneAudit removes audit records created before the cutoff. Returns
// the number of rows removed.
func (c *Client) PruneAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.ExecContext(ctx,
		`DELETE FROM audit_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit log: %w", err)
	}
	return res.RowsAffected()
}
