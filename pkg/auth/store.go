// Package auth implements the authentication service: the wise
// authority certificate store, the encrypted gateway secret, JWT mint
// and verification, Ed25519 task signing, and WA bootstrap.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steward-ai/steward/pkg/database"
	"github.com/steward-ai/steward/pkg/models"
)

// ErrCertNotFound is returned when no matching certificate exists.
var ErrCertNotFound = errors.New("wa certificate not found")

// CertStore persists wise authority certificates in the wa_cert table.
type CertStore struct {
	db *database.Client
}

// NewCertStore creates a certificate store over an open database client.
func NewCertStore(db *database.Client) *CertStore {
	return &CertStore{db: db}
}

// Insert stores a new certificate.
func (s *CertStore) Insert(ctx context.Context, cert models.WACertificate) error {
	if cert.CreatedAt.IsZero() {
		cert.CreatedAt = time.Now().UTC()
	}
	if cert.ScopesJSON == "" {
		cert.ScopesJSON = "[]"
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO wa_cert (wa_id, name, role, pubkey, jwt_kid, password_hash, api_key_hash,
		                      oauth_provider, oauth_external_id, adapter_id, parent_wa_id,
		                      parent_signature, scopes_json, created_at, last_auth, active)
		 VALUES (:wa_id, :name, :role, :pubkey, :jwt_kid, :password_hash, :api_key_hash,
		         :oauth_provider, :oauth_external_id, :adapter_id, :parent_wa_id,
		         :parent_signature, :scopes_json, :created_at, :last_auth, :active)`, cert)
	if err != nil {
		return fmt.Errorf("failed to insert certificate %s: %w", cert.WAID, err)
	}
	return nil
}

// Get returns one certificate by WA id.
func (s *CertStore) Get(ctx context.Context, waID string) (*models.WACertificate, error) {
	var cert models.WACertificate
	err := s.db.GetContext(ctx, &cert, `SELECT * FROM wa_cert WHERE wa_id = ?`, waID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCertNotFound, waID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate %s: %w", waID, err)
	}
	return &cert, nil
}

// GetByKid returns the active certificate carrying a JWT key id.
func (s *CertStore) GetByKid(ctx context.Context, kid string) (*models.WACertificate, error) {
	var cert models.WACertificate
	err := s.db.GetContext(ctx, &cert,
		`SELECT * FROM wa_cert WHERE jwt_kid = ? AND active = 1`, kid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: kid %s", ErrCertNotFound, kid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate for kid %s: %w", kid, err)
	}
	return &cert, nil
}

// GetByOAuth returns the certificate materialized for an OAuth identity.
func (s *CertStore) GetByOAuth(ctx context.Context, provider, externalID string) (*models.WACertificate, error) {
	var cert models.WACertificate
	err := s.db.GetContext(ctx, &cert,
		`SELECT * FROM wa_cert WHERE oauth_provider = ? AND oauth_external_id = ? AND active = 1`,
		provider, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: oauth %s/%s", ErrCertNotFound, provider, externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load oauth certificate: %w", err)
	}
	return &cert, nil
}

// GetByRole returns the first active certificate carrying a role.
func (s *CertStore) GetByRole(ctx context.Context, role models.WARole) (*models.WACertificate, error) {
	var cert models.WACertificate
	err := s.db.GetContext(ctx, &cert,
		`SELECT * FROM wa_cert WHERE role = ? AND active = 1 LIMIT 1`, role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: role %s", ErrCertNotFound, role)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s certificate: %w", role, err)
	}
	return &cert, nil
}

// GetByRoleAndName returns the first active certificate matching a role
// and name. Bootstrap uses it to find the system authority.
func (s *CertStore) GetByRoleAndName(ctx context.Context, role models.WARole, name string) (*models.WACertificate, error) {
	var cert models.WACertificate
	err := s.db.GetContext(ctx, &cert,
		`SELECT * FROM wa_cert WHERE role = ? AND name = ? AND active = 1 LIMIT 1`, role, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrCertNotFound, role, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s certificate: %w", role, err)
	}
	return &cert, nil
}

// ListKillSwitchKeys returns the Ed25519 public keys of every active
// root and authority certificate, keyed by WA id. Emergency command
// verification trusts exactly this set.
func (s *CertStore) ListKillSwitchKeys(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		WAID   string `db:"wa_id"`
		Pubkey string `db:"pubkey"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT wa_id, pubkey FROM wa_cert
		 WHERE role IN (?, ?) AND active = 1 AND pubkey != ''`,
		models.WARoleRoot, models.WARoleAuthority)
	if err != nil {
		return nil, fmt.Errorf("failed to list kill-switch keys: %w", err)
	}
	keys := make(map[string]string, len(rows))
	for _, row := range rows {
		keys[row.WAID] = row.Pubkey
	}
	return keys, nil
}

// Count returns the number of certificate rows, active or not.
func (s *CertStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM wa_cert`); err != nil {
		return 0, fmt.Errorf("failed to count certificates: %w", err)
	}
	return count, nil
}

// TouchLastAuth records a successful authentication.
func (s *CertStore) TouchLastAuth(ctx context.Context, waID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE wa_cert SET last_auth = ? WHERE wa_id = ?`, time.Now().UTC(), waID)
	if err != nil {
		return fmt.Errorf("failed to touch last_auth for %s: %w", waID, err)
	}
	return nil
}

// Deactivate retires a certificate without deleting its history.
func (s *CertStore) Deactivate(ctx context.Context, waID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE wa_cert SET active = 0 WHERE wa_id = ?`, waID)
	if err != nil {
		return fmt.Errorf("failed to deactivate %s: %w", waID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrCertNotFound, waID)
	}
	return err
}
