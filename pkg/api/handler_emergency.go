package api

import (
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/steward-ai/steward/pkg/models"
)

const (
	// commandMaxAge bounds how old a signed command may be.
	commandMaxAge = 5 * time.Minute
	// commandClockSkew tolerates issued_at timestamps slightly ahead of
	// local time.
	commandClockSkew = time.Minute
)

// emergencyShutdownHandler handles POST /emergency/shutdown. The body
// is a WA-signed command; only SHUTDOWN_NOW is accepted here. Stale or
// future-dated commands and signature failures report 403, and the
// response always carries the full verification status.
func (s *Server) emergencyShutdownHandler(c *gin.Context) {
	var cmd models.WASignedCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if cmd.CommandType != models.CommandShutdownNow {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "only SHUTDOWN_NOW commands are accepted on this endpoint",
		})
		return
	}

	now := time.Now().UTC()
	if age := now.Sub(cmd.IssuedAt); age > commandMaxAge {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "command expired: issued_at is too old",
		})
		return
	}
	if cmd.IssuedAt.After(now.Add(commandClockSkew)) {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "command issued_at is in the future",
		})
		return
	}

	if s.control == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "runtime control service unavailable",
		})
		return
	}

	status := s.control.HandleEmergencyShutdown(c.Request.Context(), cmd)
	if !status.CommandVerified {
		c.JSON(http.StatusForbidden, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

// emergencyTestHandler handles GET /emergency/test: a reachability
// probe that also proves signature verification is functional by
// running a sign/verify round trip on a throwaway key.
func (s *Server) emergencyTestHandler(c *gin.Context) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	cryptoOK := err == nil
	if cryptoOK {
		msg := []byte("emergency-channel-self-test")
		cryptoOK = ed25519.Verify(pub, msg, ed25519.Sign(priv, msg))
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"crypto_available":  cryptoOK,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"endpoint_hardened": true,
	})
}
