package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(context.Background(), Config{
		Path:         t.TempDir() + "/steward.db",
		BusyTimeout:  time.Second,
		MaxOpenConns: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewClient_AppliesMigrations(t *testing.T) {
	client := newTestClient(t)

	for _, table := range []string{"wa_cert", "tasks", "audit_log", "thoughts"} {
		var count int
		err := client.Get(&count,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s must exist", table)
	}
}

func TestNewClient_MigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Path: dir + "/steward.db", BusyTimeout: time.Second, MaxOpenConns: 2}

	first, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	defer second.Close()

	var count int
	require.NoError(t, second.Get(&count, `SELECT COUNT(*) FROM wa_cert`))
	assert.Zero(t, count)
}

func TestWACertActiveKidUniqueness(t *testing.T) {
	client := newTestClient(t)
	now := time.Now().UTC()

	insert := func(waID, kid string, active int) error {
		_, err := client.Exec(
			`INSERT INTO wa_cert (wa_id, name, role, pubkey, jwt_kid, created_at, active)
			 VALUES (?, ?, 'authority', 'pk', ?, ?, ?)`,
			waID, waID, kid, now, active)
		return err
	}

	require.NoError(t, insert("wa-2026-08-24-AAAAAA", "kid-1", 1))
	// A second active row with the same kid violates the partial index.
	require.Error(t, insert("wa-2026-08-24-BBBBBB", "kid-1", 1))
	// An inactive row with the same kid is allowed.
	require.NoError(t, insert("wa-2026-08-24-CCCCCC", "kid-1", 0))
}

func TestHealth(t *testing.T) {
	client := newTestClient(t)

	status, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
	assert.NotEmpty(t, status.Path)
	assert.GreaterOrEqual(t, status.ResponseTime, int64(0))
}
