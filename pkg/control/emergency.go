package control

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/steward-ai/steward/pkg/models"
)

// emergencyShutdownTimeout is the watchdog budget handed to the
// shutdown service when a verified kill-switch command arrives.
const emergencyShutdownTimeout = 5 * time.Second

// HandleEmergencyShutdown verifies a WA-signed emergency command and,
// on a valid signature, initiates the emergency shutdown flow. All
// failures are reported in the returned status; this path never raises.
func (s *Service) HandleEmergencyShutdown(ctx context.Context, cmd models.WASignedCommand) models.EmergencyShutdownStatus {
	status := models.EmergencyShutdownStatus{
		CommandID:         cmd.CommandID,
		CommandReceivedAt: time.Now().UTC(),
	}

	fail := func(reason string) models.EmergencyShutdownStatus {
		status.VerificationError = reason
		slog.Error("Emergency shutdown command rejected",
			"critical", true, "command_id", cmd.CommandID, "wa_id", cmd.WAID, "error", reason)
		s.auditEvent(ctx, "emergency.shutdown.rejected", cmd.WAID, map[string]any{
			"command_id": cmd.CommandID, "error": reason,
		})
		return status
	}

	if err := cmd.Validate(); err != nil {
		return fail(err.Error())
	}

	pubB64, authorized := s.killSwitchKeys[cmd.WAID]
	if !authorized {
		return fail(fmt.Sprintf("wa %s holds no kill-switch authority", cmd.WAID))
	}
	pub, err := decodeKillSwitchKey(pubB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fail(fmt.Sprintf("kill-switch key for %s is malformed", cmd.WAID))
	}
	sig, err := base64.StdEncoding.DecodeString(cmd.SignatureB64)
	if err != nil {
		return fail("signature is not valid base64")
	}

	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(cmd.CanonicalString()), sig) {
		return fail("Invalid signature")
	}

	status.CommandVerified = true
	slog.Error("Emergency shutdown command VERIFIED, initiating shutdown",
		"critical", true, "command_id", cmd.CommandID, "wa_id", cmd.WAID, "reason", cmd.Reason)
	s.auditEvent(ctx, "emergency.shutdown.verified", cmd.WAID, map[string]any{
		"command_id": cmd.CommandID, "reason": cmd.Reason,
	})

	initiated := time.Now().UTC()
	exitCode := 1
	status.ShutdownInitiated = &initiated
	status.ExitCode = &exitCode

	if s.shutdown != nil {
		go s.shutdown.EmergencyShutdown(context.WithoutCancel(ctx),
			fmt.Sprintf("WA-authorized emergency: %s", cmd.Reason), emergencyShutdownTimeout)
	} else {
		// No shutdown service wired: fall back to a direct runtime stop.
		if _, err := s.ShutdownRuntime(ctx, cmd.Reason); err != nil {
			slog.Error("Direct runtime shutdown failed", "critical", true, "error", err)
		}
	}
	return status
}

// decodeKillSwitchKey accepts both the certificate base64url key
// encoding and standard base64.
func decodeKillSwitchKey(s string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return base64.StdEncoding.DecodeString(s)
	}
	return raw, nil
}

func (s *Service) auditEvent(ctx context.Context, eventType, actor string, payload map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.AppendAudit(ctx, eventType, actor, payload)
}
