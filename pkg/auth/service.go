package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/steward-ai/steward/pkg/models"
)

// AuditSink receives structured audit records for security-relevant
// events. The database client satisfies it.
type AuditSink interface {
	AppendAudit(ctx context.Context, eventType, actor string, payload map[string]any) error
}

// Service is the authentication service. It owns the certificate store,
// the gateway secret and the key directory where private keys and the
// encrypted secret live.
type Service struct {
	store         *CertStore
	keyDir        string
	gatewaySecret []byte
	audit         AuditSink
}

// NewService creates the authentication service, loading or creating
// the gateway secret under keyDir. audit may be nil.
func NewService(store *CertStore, keyDir string, audit AuditSink) (*Service, error) {
	secret, err := loadOrCreateGatewaySecret(keyDir)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:         store,
		keyDir:        keyDir,
		gatewaySecret: secret,
		audit:         audit,
	}, nil
}

// Store returns the certificate store.
func (s *Service) Store() *CertStore { return s.store }

// MintWAID generates a new WA identifier of the form
// wa-YYYY-MM-DD-XXXXXX with six uppercase hex characters drawn from a
// cryptographically random 3-byte value.
func MintWAID(now time.Time) (string, error) {
	raw := make([]byte, 3)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to draw WA id entropy: %w", err)
	}
	return fmt.Sprintf("wa-%s-%02X%02X%02X",
		now.UTC().Format("2006-01-02"), raw[0], raw[1], raw[2]), nil
}

// GenerateKeypair creates a new Ed25519 keypair and returns the
// certificate-ready base64url public key alongside the private key.
func GenerateKeypair() (pubkeyB64 string, priv ed25519.PrivateKey, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(pub), priv, nil
}

// storePrivateKey writes a WA's private key under the key directory
// with owner-only permissions.
func (s *Service) storePrivateKey(waID string, priv ed25519.PrivateKey) (string, error) {
	path := filepath.Join(s.keyDir, waID+".key")
	encoded := base64.StdEncoding.EncodeToString(priv)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return "", fmt.Errorf("failed to store private key for %s: %w", waID, err)
	}
	return path, nil
}

// LoadPrivateKey reads a WA's private key from the key directory.
func (s *Service) LoadPrivateKey(waID string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(filepath.Join(s.keyDir, waID+".key"))
	if err != nil {
		return nil, fmt.Errorf("failed to read private key for %s: %w", waID, err)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key for %s: %w", waID, err)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("bad private key length %d for %s", len(decoded), waID)
	}
	return ed25519.PrivateKey(decoded), nil
}

// ObserverFromOAuth returns the observer certificate for an OAuth
// identity, materializing one on first sight.
func (s *Service) ObserverFromOAuth(ctx context.Context, provider, externalID, name string) (*models.WACertificate, error) {
	cert, err := s.store.GetByOAuth(ctx, provider, externalID)
	if err == nil {
		return cert, nil
	}

	waID, err := MintWAID(time.Now())
	if err != nil {
		return nil, err
	}
	pubB64, priv, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if _, err := s.storePrivateKey(waID, priv); err != nil {
		return nil, err
	}

	cert = &models.WACertificate{
		WAID:            waID,
		Name:            name,
		Role:            models.WARoleObserver,
		PubkeyB64:       pubB64,
		JWTKid:          uuid.New().String(),
		OAuthProvider:   &provider,
		OAuthExternalID: &externalID,
		ScopesJSON:      `["read","send_message","observe","get_status"]`,
		CreatedAt:       time.Now().UTC(),
		Active:          true,
	}
	if err := s.store.Insert(ctx, *cert); err != nil {
		return nil, err
	}
	s.auditEvent(ctx, "wa.observer.materialized", waID, map[string]any{
		"oauth_provider": provider, "name": name,
	})
	return cert, nil
}

func (s *Service) auditEvent(ctx context.Context, eventType, actor string, payload map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.AppendAudit(ctx, eventType, actor, payload)
}
