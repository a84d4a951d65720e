package sessioncrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Hash returns the hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return Hash(buf)[:n], nil
}

// NewConsultationID mints an id of the form cons_<32 hex>.
func NewConsultationID() (string, error) {
	h, err := randomHex(32)
	if err != nil {
		return "", err
	}
	return "cons_" + h, nil
}

// NewMessageID mints an id of the form msg_<32 hex>.
func NewMessageID() (string, error) {
	h, err := randomHex(32)
	if err != nil {
		return "", err
	}
	return "msg_" + h, nil
}
