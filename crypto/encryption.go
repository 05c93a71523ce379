package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const gcmTagSize = 16

// ErrAuthenticationFailed indicates the GCM tag did not verify. It is
// distinct from structural errors so callers can surface tampering to the
// user instead of treating it as a malformed envelope.
var ErrAuthenticationFailed = errors.New("crypto: message authentication failed")

// Encrypt seals plaintext with AES-256-GCM under a fresh random nonce and
// returns ciphertext, nonce and authentication tag separately.
func Encrypt(sessionKey, plaintext []byte) (ciphertext, nonce, tag []byte, err error) {
	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, nil, nil, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - gcmTagSize
	return sealed[:split], nonce, sealed[split:], nil
}

// Decrypt opens an AES-256-GCM envelope. A tag mismatch returns
// ErrAuthenticationFailed.
func Decrypt(sessionKey, ciphertext, nonce, tag []byte) ([]byte, error) {
	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(nonce), aead.NonceSize())
	}
	if len(tag) != gcmTagSize {
		return nil, fmt.Errorf("invalid tag length: got %d want %d", len(tag), gcmTagSize)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func newGCM(sessionKey []byte) (cipher.AEAD, error) {
	if len(sessionKey) != SessionKeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), SessionKeySize)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
