package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

//nolint:gochecknoglobals // sentinel error
var ErrInvalidKey = errors.New("secrets: invalid master key")

//nolint:gochecknoglobals // sentinel error
var ErrUnknownKeyID = errors.New("secrets: unknown key id")

// ErrDecrypt is returned for any ciphertext that fails authentication. The
// cipher fails closed: tampered or wrong-key input never yields plaintext.
//
//nolint:gochecknoglobals // sentinel error
var ErrDecrypt = errors.New("secrets: decryption failed")

const derivedKeyLen = 32

// Cipher encrypts and decrypts OAuth token material with AES-256-GCM.
//
// Each key version is derived from the master secret with HKDF-SHA256, keyed
// by its key ID. Ciphertexts carry the key ID so records encrypted under an
// older version stay readable while new writes use the active key, which is
// what makes online key rotation possible.
type Cipher struct {
	activeID string
	aeads    map[string]cipher.AEAD
}

// NewCipher derives one AEAD per key ID from the 32+ byte master secret.
// activeID selects the key used for new encryptions and must be listed in
// keyIDs.
func NewCipher(masterSecret []byte, keyIDs []string, activeID string) (*Cipher, error) {
	if len(masterSecret) < 32 {
		return nil, ErrInvalidKey
	}
	if len(keyIDs) == 0 {
		return nil, fmt.Errorf("secrets.NewCipher: no key ids: %w", ErrInvalidKey)
	}

	aeads := make(map[string]cipher.AEAD, len(keyIDs))
	for _, id := range keyIDs {
		if id == "" || strings.Contains(id, ":") {
			return nil, fmt.Errorf("secrets.NewCipher: invalid key id %q: %w", id, ErrInvalidKey)
		}

		key := make([]byte, derivedKeyLen)
		kdf := hkdf.New(sha256.New, masterSecret, nil, []byte("socialcore/token-cipher/"+id))
		if _, err := io.ReadFull(kdf, key); err != nil {
			return nil, fmt.Errorf("secrets.NewCipher: derive key %q: %w", id, err)
		}

		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("secrets.NewCipher: %w", err)
		}

		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("secrets.NewCipher: %w", err)
		}

		aeads[id] = aead
	}

	if _, ok := aeads[activeID]; !ok {
		return nil, fmt.Errorf("secrets.NewCipher: active key id %q not in key set: %w", activeID, ErrUnknownKeyID)
	}

	return &Cipher{activeID: activeID, aeads: aeads}, nil
}

// ActiveKeyID returns the key ID used for new encryptions.
func (c *Cipher) ActiveKeyID() string {
	return c.activeID
}

// Encrypt encrypts plaintext under the active key with a fresh random nonce.
// The output format is "<keyID>:" + base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	aead := c.aeads[c.activeID]

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets.Encrypt: generate nonce: %w", err)
	}

	// Seal appends the encrypted data to nonce, producing nonce || ciphertext.
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)

	return c.activeID + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt decrypts a "<keyID>:" + base64(nonce || ciphertext) envelope using
// the key version named in the envelope.
func (c *Cipher) Decrypt(envelope string) (string, error) {
	keyID, encoded, ok := strings.Cut(envelope, ":")
	if !ok {
		return "", fmt.Errorf("secrets.Decrypt: missing key id: %w", ErrDecrypt)
	}

	aead, ok := c.aeads[keyID]
	if !ok {
		return "", fmt.Errorf("secrets.Decrypt: key id %q: %w", keyID, ErrUnknownKeyID)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("secrets.Decrypt: base64 decode: %w", ErrDecrypt)
	}

	nonceSize := aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("secrets.Decrypt: ciphertext too short: %w", ErrDecrypt)
	}

	nonce := data[:nonceSize]
	encrypted := data[nonceSize:]

	plaintext, err := aead.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return "", fmt.Errorf("secrets.Decrypt: %w", ErrDecrypt)
	}

	return string(plaintext), nil
}
