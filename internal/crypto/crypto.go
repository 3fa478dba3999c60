// Package crypto seals gateway credentials at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sealedPrefix marks a credential_ref produced by Seal. Refs without it are
// treated as plaintext, which is how unencrypted local setups store them.
const sealedPrefix = "v1:"

// ErrSealedWithoutKey is returned when a sealed ref is opened by a nil Cipher.
var ErrSealedWithoutKey = errors.New("credential is sealed but no encryption key is configured")

// Cipher seals and opens credential refs with AES-256-GCM. The agent id is
// bound as additional data, so a ref copied onto another agent row fails to open.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a hex-encoded 32-byte key.
// Returns nil if key is empty (refs are stored as plaintext).
func NewCipher(hexKey string) (*Cipher, error) {
	if hexKey == "" {
		return nil, nil
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding hex key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Seal encrypts a credential for the given agent and returns the ref to store.
// A nil Cipher returns the credential unchanged.
func (c *Cipher) Seal(agentID, credential string) (string, error) {
	if c == nil {
		return credential, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(credential), []byte(agentID))
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open recovers the credential from a stored ref.
func (c *Cipher) Open(agentID, ref string) (string, error) {
	encoded, sealed := strings.CutPrefix(ref, sealedPrefix)
	if !sealed {
		return ref, nil
	}
	if c == nil {
		return "", ErrSealedWithoutKey
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding base64: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, box := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, box, []byte(agentID))
	if err != nil {
		return "", fmt.Errorf("opening credential: %w", err)
	}

	return string(plaintext), nil
}
