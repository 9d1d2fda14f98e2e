package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/steward-ai/steward/pkg/models"
)

// Token subject types. The sub_type claim must match the verification
// path that succeeded, which blocks algorithm-confusion attacks.
const (
	SubTypeAnon      = "anon"
	SubTypeOAuth     = "oauth"
	SubTypeUser      = "user"
	SubTypeAuthority = "authority"
)

// ErrTokenInvalid is returned for any token that fails verification,
// including sub_type/path mismatches.
var ErrTokenInvalid = errors.New("token invalid")

// Claims is the JWT claim set minted and verified by the service.
type Claims struct {
	jwt.RegisteredClaims
	SubType   string `json:"sub_type"`
	Name      string `json:"name,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	AdapterID string `json:"adapter_id,omitempty"`
	Scopes    string `json:"scopes,omitempty"`
}

// VerifiedToken reports the claims plus which verification path
// actually validated the signature.
type VerifiedToken struct {
	Claims     *Claims
	WA         *models.WACertificate
	GatewayOK  bool
	EdDSAOK    bool
}

// CreateChannelToken mints an HS256 token binding a WA to a channel.
// Observer tokens bound to an adapter may be non-expiring (ttl = 0).
func (s *Service) CreateChannelToken(wa *models.WACertificate, channelID string, ttl time.Duration) (string, error) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  wa.WAID,
			IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
		},
		SubType:   SubTypeAnon,
		Name:      wa.Name,
		ChannelID: channelID,
	}
	if wa.AdapterID != nil {
		claims.AdapterID = *wa.AdapterID
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().UTC().Add(ttl))
	} else if wa.AdapterID == nil {
		return "", fmt.Errorf("non-expiring channel tokens require an adapter-bound observer")
	}
	return s.signHS256(wa, claims)
}

// CreateGatewayToken mints an HS256 token for a user or OAuth subject.
func (s *Service) CreateGatewayToken(wa *models.WACertificate, subType string, expires time.Duration) (string, error) {
	if subType != SubTypeUser && subType != SubTypeOAuth {
		return "", fmt.Errorf("gateway tokens carry sub_type user or oauth, got %q", subType)
	}
	if expires <= 0 {
		expires = 8 * time.Hour
	}
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   wa.WAID,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().UTC().Add(expires)),
		},
		SubType: subType,
		Name:    wa.Name,
		Scopes:  wa.ScopesJSON,
	}
	return s.signHS256(wa, claims)
}

// CreateAuthorityToken mints an EdDSA token signed with the WA's own
// Ed25519 private key.
func (s *Service) CreateAuthorityToken(wa *models.WACertificate, privateKey ed25519.PrivateKey) (string, error) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   wa.WAID,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().UTC().Add(24 * time.Hour)),
		},
		SubType: SubTypeAuthority,
		Name:    wa.Name,
		Scopes:  wa.ScopesJSON,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = wa.JWTKid
	signed, err := token.SignedString(privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign authority token: %w", err)
	}
	return signed, nil
}

func (s *Service) signHS256(wa *models.WACertificate, claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = wa.JWTKid
	signed, err := token.SignedString(s.gatewaySecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken verifies a JWT against both signing paths and requires
// the claimed sub_type to match the path that succeeded: authority
// claims must verify under the WA's Ed25519 key, everything else under
// the gateway secret. Trusting the header's alg claim alone would let
// an attacker replay an EdDSA payload under an HS256 header.
func (s *Service) VerifyToken(ctx context.Context, tokenString string) (*VerifiedToken, error) {
	kid, err := unverifiedKid(tokenString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	wa, err := s.store.GetByKid(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown kid %s", ErrTokenInvalid, kid)
	}

	result := &VerifiedToken{WA: wa}

	hsClaims := &Claims{}
	if _, err := jwt.ParseWithClaims(tokenString, hsClaims,
		func(*jwt.Token) (any, error) { return s.gatewaySecret, nil },
		jwt.WithValidMethods([]string{"HS256"})); err == nil {
		result.GatewayOK = true
		result.Claims = hsClaims
	}

	if pub, pkErr := decodePublicKey(wa.PubkeyB64); pkErr == nil {
		edClaims := &Claims{}
		if _, err := jwt.ParseWithClaims(tokenString, edClaims,
			func(*jwt.Token) (any, error) { return pub, nil },
			jwt.WithValidMethods([]string{"EdDSA"})); err == nil {
			result.EdDSAOK = true
			result.Claims = edClaims
		}
	}

	if result.Claims == nil {
		return nil, fmt.Errorf("%w: signature verification failed on both paths", ErrTokenInvalid)
	}

	switch result.Claims.SubType {
	case SubTypeAuthority:
		if !result.EdDSAOK {
			return nil, fmt.Errorf("%w: authority token did not verify under EdDSA", ErrTokenInvalid)
		}
	case SubTypeAnon, SubTypeOAuth, SubTypeUser:
		if !result.GatewayOK {
			return nil, fmt.Errorf("%w: %s token did not verify under the gateway secret",
				ErrTokenInvalid, result.Claims.SubType)
		}
	default:
		return nil, fmt.Errorf("%w: unknown sub_type %q", ErrTokenInvalid, result.Claims.SubType)
	}

	if err := s.store.TouchLastAuth(ctx, wa.WAID); err != nil {
		return nil, err
	}
	return result, nil
}

// unverifiedKid extracts the kid header without trusting anything else
// about the token.
func unverifiedKid(tokenString string) (string, error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return "", err
	}
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return "", errors.New("missing kid header")
	}
	return kid, nil
}

// decodePublicKey decodes a certificate public key. Certificates carry
// base64url keys (padded or not); standard base64 from older rows is
// still accepted.
func decodePublicKey(pubkeyB64 string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(pubkeyB64, "="))
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(pubkeyB64)
	}
	if err != nil {
		return nil, fmt.Errorf("bad public key encoding: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("bad public key length %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
