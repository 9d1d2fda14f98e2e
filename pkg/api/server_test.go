package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-ai/steward/pkg/control"
	"github.com/steward-ai/steward/pkg/database"
	"github.com/steward-ai/steward/pkg/lifecycle"
	"github.com/steward-ai/steward/pkg/models"
	"github.com/steward-ai/steward/pkg/registry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testHarness struct {
	server *Server
	router *gin.Engine
	priv   ed25519.PrivateKey
	exited chan struct{}
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	db, err := database.NewClient(context.Background(), database.Config{
		Path:         t.TempDir() + "/steward.db",
		BusyTimeout:  time.Second,
		MaxOpenConns: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	exited := make(chan struct{})
	var once sync.Once
	shutdown := lifecycle.NewShutdownServiceWithHooks(
		func(int) { once.Do(func() { close(exited) }) },
		func() {},
	)

	ctrl := control.NewService(control.NewStateProcessor(nil, nil), nil, shutdown, nil,
		map[string]string{"wa-2026-08-24-AAAAAA": base64.StdEncoding.EncodeToString(pub)})

	reg := registry.NewRegistry()
	_, err = reg.Register(models.ServiceTypeTime, struct{}{}, registry.RegisterOptions{})
	require.NoError(t, err)

	srv := NewServer(db, reg, nil, ctrl, lifecycle.NewInitService(), shutdown, nil)
	return &testHarness{server: srv, router: srv.Router(), priv: priv, exited: exited}
}

func (h *testHarness) signedShutdownCommand(mutate func(*models.WASignedCommand)) models.WASignedCommand {
	cmd := models.WASignedCommand{
		CommandID:   "cmd-http-1",
		CommandType: models.CommandShutdownNow,
		WAID:        "wa-2026-08-24-AAAAAA",
		IssuedAt:    time.Now().UTC(),
		Reason:      "containment drill",
	}
	if mutate != nil {
		mutate(&cmd)
	}
	sig := ed25519.Sign(h.priv, []byte(cmd.CanonicalString()))
	cmd.SignatureB64 = base64.StdEncoding.EncodeToString(sig)
	return cmd
}

func (h *testHarness) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *testHarness) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHarness(t)

	rec := h.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "database")
}

func TestSecurityHeaders(t *testing.T) {
	h := newTestHarness(t)

	rec := h.get(t, "/health")
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestSystemStatus(t *testing.T) {
	h := newTestHarness(t)

	rec := h.get(t, "/api/system/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status SystemStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.NotEmpty(t, status.Version)
	assert.False(t, status.ShutdownActive)
	require.Len(t, status.Providers, 1)
	assert.Equal(t, models.ServiceTypeTime, status.Providers[0].Type)
	require.NotNil(t, status.Initialization)
	assert.False(t, status.Initialization.Complete)
}

func TestEmergencyShutdown_WrongCommandType(t *testing.T) {
	h := newTestHarness(t)

	cmd := h.signedShutdownCommand(func(c *models.WASignedCommand) {
		c.CommandType = models.CommandFreeze
	})
	rec := h.postJSON(t, "/emergency/shutdown", cmd)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmergencyShutdown_MalformedBody(t *testing.T) {
	h := newTestHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/emergency/shutdown", bytes.NewReader([]byte("{")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmergencyShutdown_StaleCommand(t *testing.T) {
	h := newTestHarness(t)

	cmd := h.signedShutdownCommand(func(c *models.WASignedCommand) {
		c.IssuedAt = time.Now().UTC().Add(-10 * time.Minute)
	})
	rec := h.postJSON(t, "/emergency/shutdown", cmd)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "expired")
}

func TestEmergencyShutdown_FutureCommand(t *testing.T) {
	h := newTestHarness(t)

	cmd := h.signedShutdownCommand(func(c *models.WASignedCommand) {
		c.IssuedAt = time.Now().UTC().Add(5 * time.Minute)
	})
	rec := h.postJSON(t, "/emergency/shutdown", cmd)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "future")
}

func TestEmergencyShutdown_BadSignature(t *testing.T) {
	h := newTestHarness(t)

	cmd := h.signedShutdownCommand(nil)
	cmd.Reason = "tampered after signing"
	rec := h.postJSON(t, "/emergency/shutdown", cmd)
	require.Equal(t, http.StatusForbidden, rec.Code)

	var status models.EmergencyShutdownStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.CommandVerified)
	assert.Contains(t, status.VerificationError, "Invalid signature")
}

func TestEmergencyShutdown_ValidCommand(t *testing.T) {
	h := newTestHarness(t)

	cmd := h.signedShutdownCommand(nil)
	rec := h.postJSON(t, "/emergency/shutdown", cmd)
	require.Equal(t, http.StatusOK, rec.Code)

	var status models.EmergencyShutdownStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.CommandVerified)
	require.NotNil(t, status.ExitCode)
	assert.Equal(t, 1, *status.ExitCode)

	select {
	case <-h.exited:
	case <-time.After(2 * time.Second):
		t.Fatal("emergency flow did not reach exit")
	}
}

func TestEmergencyShutdown_NoControlService(t *testing.T) {
	h := newTestHarness(t)
	h.server.control = nil
	router := h.server.Router()

	cmd := h.signedShutdownCommand(nil)
	raw, err := json.Marshal(cmd)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/emergency/shutdown", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEmergencyTestEndpoint(t *testing.T) {
	h := newTestHarness(t)

	rec := h.get(t, "/emergency/test")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["crypto_available"])
}
