package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100000
	saltLen          = 32
	nonceLen         = 12
	tagLen           = 16
	secretLen        = 32

	secretFileName       = "gateway.secret.enc"
	legacySecretFileName = "gateway.secret"
	derivationPurpose    = "gateway-secret-encryption"
)

// legacySalt is the fixed salt used before per-file salts were
// introduced. Files written with it are detected by length and migrated
// on first read.
var legacySalt = []byte("steward-gateway-legacy-salt-0001")

// machineIdentity returns the stable per-machine string the encryption
// key is derived from.
func machineIdentity() string {
	machineID := "unknown-machine"
	if raw, err := os.ReadFile("/etc/machine-id"); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			machineID = id
		}
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	return machineID + ":" + hostname + ":" + derivationPurpose
}

func deriveKey(salt []byte) []byte {
	return pbkdf2.Key([]byte(machineIdentity()), salt, pbkdf2Iterations, 32, sha256.New)
}

// loadOrCreateGatewaySecret returns the gateway secret, creating and
// persisting a fresh one if none exists. Legacy storage formats are
// upgraded in place.
func loadOrCreateGatewaySecret(keyDir string) ([]byte, error) {
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	encPath := filepath.Join(keyDir, secretFileName)

	if raw, err := os.ReadFile(encPath); err == nil {
		secret, upgraded, err := decryptGatewaySecret(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt gateway secret: %w", err)
		}
		if upgraded {
			if err := writeGatewaySecret(encPath, secret); err != nil {
				return nil, err
			}
			slog.Info("Upgraded legacy gateway secret format", "path", encPath)
		}
		return secret, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read gateway secret: %w", err)
	}

	// Unencrypted legacy file: adopt its secret, re-store encrypted,
	// remove the plaintext.
	legacyPath := filepath.Join(keyDir, legacySecretFileName)
	if raw, err := os.ReadFile(legacyPath); err == nil && len(raw) == secretLen {
		if err := writeGatewaySecret(encPath, raw); err != nil {
			return nil, err
		}
		if err := os.Remove(legacyPath); err != nil {
			return nil, fmt.Errorf("failed to remove plaintext gateway secret: %w", err)
		}
		slog.Info("Migrated plaintext gateway secret", "path", encPath)
		return raw, nil
	}

	secret := make([]byte, secretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate gateway secret: %w", err)
	}
	if err := writeGatewaySecret(encPath, secret); err != nil {
		return nil, err
	}
	slog.Info("Created new gateway secret", "path", encPath)
	return secret, nil
}

// writeGatewaySecret encrypts and persists the secret as
// salt || nonce || ciphertext || tag with mode 0600.
func writeGatewaySecret(path string, secret []byte) error {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	gcm, err := newGCM(deriveKey(salt))
	if err != nil {
		return err
	}
	sealed := gcm.Seal(nil, nonce, secret, nil)

	blob := make([]byte, 0, saltLen+nonceLen+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)

	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("failed to write gateway secret: %w", err)
	}
	return nil
}

// decryptGatewaySecret handles both storage layouts: the current one
// with a leading per-file salt, and the legacy salt-less one detected
// by total length. Returns upgraded=true when the caller should rewrite
// the file in the current format.
func decryptGatewaySecret(blob []byte) (secret []byte, upgraded bool, err error) {
	currentLen := saltLen + nonceLen + secretLen + tagLen
	legacyLen := nonceLen + secretLen + tagLen

	switch len(blob) {
	case currentLen:
		salt := blob[:saltLen]
		nonce := blob[saltLen : saltLen+nonceLen]
		sealed := blob[saltLen+nonceLen:]
		gcm, err := newGCM(deriveKey(salt))
		if err != nil {
			return nil, false, err
		}
		secret, err := gcm.Open(nil, nonce, sealed, nil)
		return secret, false, err

	case legacyLen:
		nonce := blob[:nonceLen]
		sealed := blob[nonceLen:]
		gcm, err := newGCM(deriveKey(legacySalt))
		if err != nil {
			return nil, false, err
		}
		secret, err := gcm.Open(nil, nonce, sealed, nil)
		return secret, true, err

	default:
		return nil, false, fmt.Errorf("unrecognized gateway secret layout (%d bytes)", len(blob))
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
