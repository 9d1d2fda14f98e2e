package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/steward-ai/steward/pkg/database"
	"github.com/steward-ai/steward/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *database.Client) {
	t.Helper()
	dir := t.TempDir()
	client, err := database.NewClient(context.Background(), database.Config{
		Path:         dir + "/steward.db",
		BusyTimeout:  time.Second,
		MaxOpenConns: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	svc, err := NewService(NewCertStore(client), dir+"/keys", client)
	require.NoError(t, err)
	return svc, client
}

func insertAuthority(t *testing.T, svc *Service) (*models.WACertificate, ed25519.PrivateKey) {
	t.Helper()
	waID, err := MintWAID(time.Now())
	require.NoError(t, err)
	pubB64, priv, err := GenerateKeypair()
	require.NoError(t, err)
	_, err = svc.storePrivateKey(waID, priv)
	require.NoError(t, err)

	cert := models.WACertificate{
		WAID:      waID,
		Name:      "reviewer",
		Role:      models.WARoleAuthority,
		PubkeyB64: pubB64,
		JWTKid:    "kid-" + waID,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}
	require.NoError(t, svc.Store().Insert(context.Background(), cert))
	return &cert, priv
}

func TestMintWAID_Format(t *testing.T) {
	id, err := MintWAID(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^wa-2026-08-24-[0-9A-F]{6}$`), id)
}

func TestGenerateKeypair_EmitsBase64URL(t *testing.T) {
	pubB64, priv, err := GenerateKeypair()
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(pubB64)
	require.NoError(t, err, "certificate keys are base64url with no padding")
	require.Len(t, raw, ed25519.PublicKeySize)
	assert.Equal(t, ed25519.PublicKey(raw), priv.Public())
}

func TestGatewaySecret_StableAcrossLoads(t *testing.T) {
	dir := t.TempDir()
	first, err := loadOrCreateGatewaySecret(dir)
	require.NoError(t, err)
	require.Len(t, first, secretLen)

	second, err := loadOrCreateGatewaySecret(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	info, err := os.Stat(filepath.Join(dir, secretFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.Equal(t, int64(saltLen+nonceLen+secretLen+tagLen), info.Size())
}

func TestGatewaySecret_PlaintextLegacyMigration(t *testing.T) {
	dir := t.TempDir()
	secret := make([]byte, secretLen)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, legacySecretFileName), secret, 0o600))

	loaded, err := loadOrCreateGatewaySecret(dir)
	require.NoError(t, err)
	assert.Equal(t, secret, loaded)

	_, err = os.Stat(filepath.Join(dir, legacySecretFileName))
	assert.True(t, os.IsNotExist(err), "plaintext file must be removed")

	again, err := loadOrCreateGatewaySecret(dir)
	require.NoError(t, err)
	assert.Equal(t, secret, again)
}

func TestTokens_GatewayAndChannel(t *testing.T) {
	svc, _ := newTestService(t)
	cert, _ := insertAuthority(t, svc)

	token, err := svc.CreateGatewayToken(cert, SubTypeUser, time.Hour)
	require.NoError(t, err)

	verified, err := svc.VerifyToken(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, verified.GatewayOK)
	assert.False(t, verified.EdDSAOK)
	assert.Equal(t, cert.WAID, verified.Claims.Subject)
	assert.Equal(t, SubTypeUser, verified.Claims.SubType)

	_, err = svc.CreateGatewayToken(cert, SubTypeAuthority, time.Hour)
	require.Error(t, err, "authority is not a gateway sub_type")

	// Non-expiring channel tokens require adapter binding.
	_, err = svc.CreateChannelToken(cert, "channel-9", 0)
	require.Error(t, err)
}

func TestTokens_AuthorityPath(t *testing.T) {
	svc, _ := newTestService(t)
	cert, priv := insertAuthority(t, svc)

	token, err := svc.CreateAuthorityToken(cert, priv)
	require.NoError(t, err)

	verified, err := svc.VerifyToken(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, verified.EdDSAOK)
	assert.False(t, verified.GatewayOK)
	assert.Equal(t, SubTypeAuthority, verified.Claims.SubType)
}

func TestTokens_AlgorithmConfusionRejected(t *testing.T) {
	svc, _ := newTestService(t)
	cert, _ := insertAuthority(t, svc)

	// Forged token: authority claims signed with the gateway secret.
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cert.WAID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		SubType: SubTypeAuthority,
	}
	forged, err := svc.signHS256(cert, claims)
	require.NoError(t, err)

	_, err = svc.VerifyToken(context.Background(), forged)
	require.ErrorIs(t, err, ErrTokenInvalid,
		"authority sub_type must only verify under EdDSA")
}

func TestTokens_UnknownKidRejected(t *testing.T) {
	svc, _ := newTestService(t)
	cert, _ := insertAuthority(t, svc)

	stranger := *cert
	stranger.JWTKid = "kid-nobody"
	token, err := svc.signHS256(&stranger, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cert.WAID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		SubType: SubTypeUser,
	})
	require.NoError(t, err)

	_, err = svc.VerifyToken(context.Background(), token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTaskSigning_RoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	cert, _ := insertAuthority(t, svc)

	task := models.Task{
		TaskID:      "task-1",
		Description: "restart the ingest pipeline",
		Status:      models.TaskStatusPending,
		Priority:    3,
		ContextJSON: "{}",
		CreatedAt:   time.Now().UTC(),
	}

	sig, signedAt, err := svc.SignTask(task, cert.WAID)
	require.NoError(t, err)
	assert.False(t, signedAt.IsZero())

	task.SignedBy = &cert.WAID
	task.Signature = &sig
	ok, err := svc.VerifyTaskSignature(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, ok)

	// Any field change invalidates the signature.
	task.Description = "restart the ingest pipeline NOW"
	ok, err = svc.VerifyTaskSignature(context.Background(), task)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBootstrap_SeedsRootAndMintsSystem(t *testing.T) {
	svc, client := newTestService(t)

	// No seed file: bootstrap on an empty table fails loudly.
	require.Error(t, svc.Bootstrap(context.Background()))

	rootID, err := MintWAID(time.Now())
	require.NoError(t, err)
	rootPub, _, err := GenerateKeypair()
	require.NoError(t, err)
	seed, err := json.Marshal(models.WACertificate{
		WAID:      rootID,
		Name:      "ciris-root",
		Role:      models.WARoleRoot,
		PubkeyB64: rootPub,
		JWTKid:    "kid-root",
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(svc.keyDir, rootSeedFileName), seed, 0o600))

	require.NoError(t, svc.Bootstrap(context.Background()))

	system, err := svc.Store().GetByRoleAndName(context.Background(), models.WARoleAuthority, "system")
	require.NoError(t, err)
	require.NotNil(t, system.ParentWAID)
	assert.Equal(t, rootID, *system.ParentWAID)

	var scopes []string
	require.NoError(t, json.Unmarshal([]byte(system.ScopesJSON), &scopes))
	assert.Contains(t, scopes, "system.shutdown")

	info, err := os.Stat(filepath.Join(svc.keyDir, system.WAID+".key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Idempotent: a second bootstrap mints nothing new.
	require.NoError(t, svc.Bootstrap(context.Background()))
	count, err := svc.Store().Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	audit, err := client.RecentAudit(context.Background(), 10)
	require.NoError(t, err)
	assert.NotEmpty(t, audit)
}

func TestObserverFromOAuth_MaterializedOnce(t *testing.T) {
	svc, _ := newTestService(t)

	first, err := svc.ObserverFromOAuth(context.Background(), "google", "user-123", "Pat")
	require.NoError(t, err)
	assert.Equal(t, models.WARoleObserver, first.Role)

	second, err := svc.ObserverFromOAuth(context.Background(), "google", "user-123", "Pat")
	require.NoError(t, err)
	assert.Equal(t, first.WAID, second.WAID)
}

func TestDecodePublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	// Certificates carry base64url; legacy standard base64 still decodes.
	for name, encoded := range map[string]string{
		"base64url":        base64.RawURLEncoding.EncodeToString(pub),
		"base64url padded": base64.URLEncoding.EncodeToString(pub),
		"standard base64":  base64.StdEncoding.EncodeToString(pub),
	} {
		decoded, err := decodePublicKey(encoded)
		require.NoError(t, err, name)
		assert.Equal(t, ed25519.PublicKey(pub), decoded, name)
	}

	_, err = decodePublicKey("not base64 at all!!!")
	require.Error(t, err)
	_, err = decodePublicKey(base64.StdEncoding.EncodeToString([]byte("short")))
	require.Error(t, err)
}
