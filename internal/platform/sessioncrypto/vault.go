// Package sessioncrypto is the cryptographic layer of the consultation
// engine: per-consultation key derivation, AES-256-GCM message encryption,
// HMAC-SHA256 prescription signatures and content hashing.
//
// Session keys are derived deterministically from a single master secret and
// the consultation id, so no per-session key material is ever stored. The
// confidentiality of every conversation is therefore bounded by the secrecy
// of the master secret and the unpredictability of consultation ids.
package sessioncrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the GCM nonce length in bytes.
	IVSize = 12

	devSecret = "telemed-dev-key-change-in-production"
)

// ErrDecrypt is returned for every decryption failure, whatever the cause.
var ErrDecrypt = errors.New("session decrypt: authentication failed")

// Vault holds the master key and performs all session cryptography.
type Vault struct {
	masterKey [KeySize]byte
}

// NewVault derives the master key as SHA-256 of secret.
func NewVault(secret string) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("session vault: master secret is required")
	}
	return &Vault{masterKey: sha256.Sum256([]byte(secret))}, nil
}

// NewVaultWithFallback builds a Vault from secret, falling back to a fixed
// development secret (with a warning) when secret is empty. Production
// configs are rejected earlier by config.Validate.
func NewVaultWithFallback(secret string, logger zerolog.Logger) (*Vault, error) {
	if secret == "" {
		logger.Warn().Msg("session encryption using development master secret: ENCRYPTION_MASTER_SECRET is not set")
		return NewVault(devSecret)
	}
	v, err := NewVault(secret)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("session encryption enabled")
	return v, nil
}

// DeriveKey returns SHA-256(master ‖ consultationID ‖ ":session").
func (v *Vault) DeriveKey(consultationID string) [KeySize]byte {
	h := sha256.New()
	h.Write(v.masterKey[:])
	h.Write([]byte(consultationID + ":session"))
	var key [KeySize]byte
	copy(key[:], h.Sum(nil))
	return key
}

func (v *Vault) aead(consultationID string) (cipher.AEAD, error) {
	key := v.DeriveKey(consultationID)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("session cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("session cipher: create GCM: %w", err)
	}
	return aead, nil
}

// Encrypt seals plaintext under the consultation's derived key with a fresh
// random IV. aad may be nil. Both results are standard base64; the ciphertext
// carries the GCM tag.
func (v *Vault) Encrypt(plaintext, consultationID string, aad []byte) (ciphertext, iv string, err error) {
	aead, err := v.aead(consultationID)
	if err != nil {
		return "", "", err
	}

	nonce := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("session encrypt: generate iv: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), aad)
	return base64.StdEncoding.EncodeToString(sealed), base64.StdEncoding.EncodeToString(nonce), nil
}

// Decrypt is the inverse of Encrypt. Any failure returns ErrDecrypt and an
// empty string.
func (v *Vault) Decrypt(ciphertext, iv, consultationID string, aad []byte) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecrypt
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil || len(nonce) != IVSize {
		return "", ErrDecrypt
	}

	aead, err := v.aead(consultationID)
	if err != nil {
		return "", ErrDecrypt
	}
	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// signingInput formats the signed message as doctorID:timestamp:content. The
// timestamp is rendered in UTC with nanosecond precision so that a value
// read back from the store reproduces the same bytes.
func signingInput(content, doctorID string, ts time.Time) []byte {
	return []byte(doctorID + ":" + ts.UTC().Format(time.RFC3339Nano) + ":" + content)
}

// Sign returns base64(HMAC-SHA256(master, doctorID:ts:content)).
func (v *Vault) Sign(content, doctorID string, ts time.Time) string {
	mac := hmac.New(sha256.New, v.masterKey[:])
	mac.Write(signingInput(content, doctorID, ts))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time.
func (v *Vault) Verify(content, doctorID string, ts time.Time, signature string) bool {
	expected := v.Sign(content, doctorID, ts)
	return hmac.Equal([]byte(expected), []byte(signature))
}
