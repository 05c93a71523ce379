package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

var x25519Curve = ecdh.X25519()

// GenerateX25519KeyPair creates a new X25519 identity key pair.
func GenerateX25519KeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate X25519 key pair: %w", err)
	}
	return privateKey, privateKey.PublicKey(), nil
}

// ParseX25519PrivateKey parses a raw 32-byte X25519 private key.
func ParseX25519PrivateKey(raw []byte) (*ecdh.PrivateKey, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid X25519 private key size %d", len(raw))
	}
	privateKey, err := x25519Curve.NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 private key: %w", err)
	}
	return privateKey, nil
}

// ParseX25519PublicKey parses a raw 32-byte X25519 public key.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid X25519 public key size %d", len(raw))
	}
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// DecodeX25519PrivateKey parses a base64-encoded X25519 private key.
func DecodeX25519PrivateKey(encoded string) (*ecdh.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode X25519 private key: %w", err)
	}
	return ParseX25519PrivateKey(raw)
}

// DecodeX25519PublicKey parses a base64-encoded X25519 public key.
func DecodeX25519PublicKey(encoded string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode X25519 public key: %w", err)
	}
	return ParseX25519PublicKey(raw)
}

// EncodeKey returns the base64 encoding of raw key bytes.
func EncodeKey(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// ComputeX25519SharedSecret performs Diffie-Hellman agreement.
func ComputeX25519SharedSecret(privateKey *ecdh.PrivateKey, publicKey *ecdh.PublicKey) ([]byte, error) {
	secret, err := privateKey.ECDH(publicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}
