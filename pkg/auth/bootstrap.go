package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/steward-ai/steward/pkg/models"
)

// rootSeedFileName is the on-disk seed certificate loaded when the WA
// table is empty.
const rootSeedFileName = "root_wa.cert.json"

// systemWAScopes are granted to the minted system authority.
var systemWAScopes = []string{
	"system.task.create",
	"system.task.sign",
	"system.wakeup",
	"system.dream",
	"system.shutdown",
	"memory.read",
	"memory.write",
}

// Bootstrap establishes the WA trust anchors: with an empty table it
// loads the seeded root certificate from disk, then ensures a "system"
// authority exists as a child of root.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.Count(ctx)
	if err != nil {
		return err
	}
	if count == 0 {
		if err := s.loadRootSeed(ctx); err != nil {
			return err
		}
	}
	return s.ensureSystemAuthority(ctx)
}

func (s *Service) loadRootSeed(ctx context.Context) error {
	seedPath := filepath.Join(s.keyDir, rootSeedFileName)
	raw, err := os.ReadFile(seedPath)
	if err != nil {
		return fmt.Errorf("WA table is empty and no root seed found at %s: %w", seedPath, err)
	}

	var root models.WACertificate
	if err := json.Unmarshal(raw, &root); err != nil {
		return fmt.Errorf("failed to parse root seed certificate: %w", err)
	}
	if root.Role != models.WARoleRoot {
		return fmt.Errorf("seed certificate %s carries role %s, want root", root.WAID, root.Role)
	}
	root.Active = true
	if root.JWTKid == "" {
		root.JWTKid = uuid.New().String()
	}

	if err := s.store.Insert(ctx, root); err != nil {
		return err
	}
	slog.Info("Loaded root WA certificate from seed", "wa_id", root.WAID)
	s.auditEvent(ctx, "wa.root.seeded", root.WAID, map[string]any{"name": root.Name})
	return nil
}

// ensureSystemAuthority mints the system authority as a child of root
// when none exists. Its private key is stored with mode 0600 so the
// runtime can sign tasks.
func (s *Service) ensureSystemAuthority(ctx context.Context) error {
	if _, err := s.store.GetByRoleAndName(ctx, models.WARoleAuthority, "system"); err == nil {
		return nil
	} else if !errors.Is(err, ErrCertNotFound) {
		return err
	}

	root, err := s.findRoot(ctx)
	if err != nil {
		return err
	}

	waID, err := MintWAID(time.Now())
	if err != nil {
		return err
	}
	pubB64, priv, err := GenerateKeypair()
	if err != nil {
		return err
	}
	keyPath, err := s.storePrivateKey(waID, priv)
	if err != nil {
		return err
	}

	scopes, err := json.Marshal(systemWAScopes)
	if err != nil {
		return fmt.Errorf("failed to encode system scopes: %w", err)
	}

	cert := models.WACertificate{
		WAID:       waID,
		Name:       "system",
		Role:       models.WARoleAuthority,
		PubkeyB64:  pubB64,
		JWTKid:     uuid.New().String(),
		ParentWAID: &root.WAID,
		ScopesJSON: string(scopes),
		CreatedAt:  time.Now().UTC(),
		Active:     true,
	}
	if err := s.store.Insert(ctx, cert); err != nil {
		return err
	}

	slog.Info("Minted system WA authority",
		"wa_id", waID, "parent", root.WAID, "key_path", keyPath)
	s.auditEvent(ctx, "wa.system.minted", waID, map[string]any{"parent": root.WAID})
	return nil
}

func (s *Service) findRoot(ctx context.Context) (*models.WACertificate, error) {
	root, err := s.store.GetByRole(ctx, models.WARoleRoot)
	if err != nil {
		return nil, fmt.Errorf("no active root WA certificate: %w", err)
	}
	return root, nil
}
