package models

import (
	"fmt"
	"strings"
	"time"
)

// EmergencyCommandType names the privileged command carried by a
// WA-signed emergency message.
type EmergencyCommandType string

const (
	// CommandShutdownNow orders immediate termination
	CommandShutdownNow EmergencyCommandType = "SHUTDOWN_NOW"
	// CommandFreeze orders the processor to halt without exiting
	CommandFreeze EmergencyCommandType = "FREEZE"
	// CommandSafeMode orders degraded operation
	CommandSafeMode EmergencyCommandType = "SAFE_MODE"
)

// WASignedCommand is a cryptographically authorized out-of-band command.
// The signature covers the canonical string produced by CanonicalString.
type WASignedCommand struct {
	CommandID      string               `json:"command_id" binding:"required"`
	CommandType    EmergencyCommandType `json:"command_type" binding:"required"`
	WAID           string               `json:"wa_id" binding:"required"`
	WAPublicKey    string               `json:"wa_public_key"`
	IssuedAt       time.Time            `json:"issued_at" binding:"required"`
	ExpiresAt      *time.Time           `json:"expires_at,omitempty"`
	Reason         string               `json:"reason" binding:"required"`
	TargetAgentID  *string              `json:"target_agent_id,omitempty"`
	TargetTreePath *string              `json:"target_tree_path,omitempty"`
	SignatureB64   string               `json:"signature" binding:"required"`
}

// CanonicalString builds the exact byte sequence the signature covers:
// pipe-separated key:value pairs in fixed order, with target_agent_id
// appended only when present. Clients must reproduce this form exactly.
func (c *WASignedCommand) CanonicalString() string {
	parts := []string{
		"command_id:" + c.CommandID,
		"command_type:" + string(c.CommandType),
		"wa_id:" + c.WAID,
		"issued_at:" + c.IssuedAt.UTC().Format(time.RFC3339),
		"reason:" + c.Reason,
	}
	if c.TargetAgentID != nil {
		parts = append(parts, "target_agent_id:"+*c.TargetAgentID)
	}
	return strings.Join(parts, "|")
}

// EmergencyShutdownStatus reports the outcome of an emergency shutdown
// command. Verification failures populate VerificationError instead of
// raising; the HTTP layer maps them to 403.
type EmergencyShutdownStatus struct {
	CommandID         string     `json:"command_id"`
	CommandVerified   bool       `json:"command_verified"`
	VerificationError string     `json:"verification_error,omitempty"`
	CommandReceivedAt time.Time  `json:"command_received_at"`
	ShutdownInitiated *time.Time `json:"shutdown_initiated,omitempty"`
	ExitCode          *int       `json:"exit_code,omitempty"`
}

// Validate performs structural checks before signature verification.
func (c *WASignedCommand) Validate() error {
	if c.CommandID == "" {
		return fmt.Errorf("command_id is required")
	}
	if c.WAID == "" {
		return fmt.Errorf("wa_id is required")
	}
	if c.SignatureB64 == "" {
		return fmt.Errorf("signature is required")
	}
	if c.IssuedAt.IsZero() {
		return fmt.Errorf("issued_at is required")
	}
	return nil
}
