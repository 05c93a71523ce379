// Package session owns the local user's long-term X25519 identity key pair
// and the per-peer symmetric session keys derived from it.
package session

import (
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"

	"sajilochat/crypto"
	"sajilochat/storage"
	"sajilochat/wire"
)

var (
	// ErrNotInitialized indicates a call before Initialize.
	ErrNotInitialized = errors.New("session: manager not initialized")
	// ErrPeerKeyMissing indicates no public key is on file for the peer.
	ErrPeerKeyMissing = errors.New("session: no public key stored for peer")
	// ErrKeyStorage indicates the persisted identity store failed.
	ErrKeyStorage = errors.New("session: identity key storage failed")
)

type peerSession struct {
	key          []byte
	messageCount uint64
	ratchetCount uint64
}

// Manager performs key agreement and message encryption for one local user.
// All methods are called from the single stream-processing goroutine; the
// mutex only guards against misuse from auxiliary goroutines such as timers.
type Manager struct {
	store *storage.Store

	mu       sync.Mutex
	username string
	identity *ecdh.PrivateKey
	peerKeys map[string]*ecdh.PublicKey
	sessions map[string]*peerSession
}

// NewManager creates a manager backed by the given identity store.
func NewManager(store *storage.Store) *Manager {
	return &Manager{
		store:    store,
		peerKeys: make(map[string]*ecdh.PublicKey),
		sessions: make(map[string]*peerSession),
	}
}

// Initialize loads the persisted key pair for username, generating and
// persisting a fresh one when absent. Corrupt persisted material is replaced
// by a new key pair: forward secrecy of the prior session is lost but the
// user keeps working, so it is a logged warning rather than a fatal error.
func (m *Manager) Initialize(username string) error {
	if username == "" {
		return errors.New("session: username is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.store.GetIdentityKey(username)
	switch {
	case err == nil:
		identity, parseErr := crypto.DecodeX25519PrivateKey(stored.PrivateKey)
		if parseErr == nil {
			m.username = username
			m.identity = identity
			return nil
		}
		log.Printf("session: persisted identity key for %q is corrupt, regenerating: %v", username, parseErr)
	case errors.Is(err, storage.ErrNotFound):
		// First run for this username.
	default:
		return fmt.Errorf("%w: %v", ErrKeyStorage, err)
	}

	identity, _, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return err
	}
	record := storage.IdentityKey{
		Username:   username,
		PrivateKey: crypto.EncodeKey(identity.Bytes()),
		PublicKey:  crypto.EncodeKey(identity.PublicKey().Bytes()),
	}
	if err := m.store.SaveIdentityKey(record); err != nil {
		return fmt.Errorf("%w: %v", ErrKeyStorage, err)
	}

	m.username = username
	m.identity = identity
	return nil
}

// Username returns the initialized local username.
func (m *Manager) Username() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.username
}

// PublicIdentityKey returns the raw local public key for upload to the
// directory service.
func (m *Manager) PublicIdentityKey() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity == nil {
		return nil, ErrNotInitialized
	}
	return m.identity.PublicKey().Bytes(), nil
}

// StorePeerPublicKey records a peer's raw public key, silently overwriting
// any previous value (trust-on-first-use, no pinning). A session key derived
// from the replaced key is dropped so the next message re-derives against
// the new one.
func (m *Manager) StorePeerPublicKey(peer string, publicKey []byte) error {
	if peer == "" {
		return errors.New("session: peer username is required")
	}
	parsed, err := crypto.ParseX25519PublicKey(publicKey)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if session := m.sessions[peer]; session != nil {
		wipe(session.key)
		delete(m.sessions, peer)
	}
	m.peerKeys[peer] = parsed
	return nil
}

// DeriveSessionKey performs key agreement with the stored peer public key
// and caches the derived session key. Idempotent per peer until cleared.
func (m *Manager) DeriveSessionKey(peer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.ensureSessionLocked(peer)
	return err
}

// SessionKeyFingerprint returns the hex fingerprint of the derived session
// key for a peer, deriving it first if needed.
func (m *Manager) SessionKeyFingerprint(peer string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.ensureSessionLocked(peer)
	if err != nil {
		return "", err
	}
	return crypto.KeyFingerprint(session.key), nil
}

// Encrypt seals plaintext for a peer into a wire envelope, deriving the
// session key on first use.
func (m *Manager) Encrypt(peer string, plaintext []byte) (wire.EncryptedPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.ensureSessionLocked(peer)
	if err != nil {
		return wire.EncryptedPayload{}, err
	}

	ciphertext, nonce, tag, err := crypto.Encrypt(session.key, plaintext)
	if err != nil {
		return wire.EncryptedPayload{}, err
	}
	session.messageCount++

	return wire.EncryptedPayload{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		MAC:        base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt opens a wire envelope from a peer. A tag mismatch surfaces as
// crypto.ErrAuthenticationFailed, distinct from malformed-envelope errors.
func (m *Manager) Decrypt(peer string, envelope wire.EncryptedPayload) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.ensureSessionLocked(peer)
	if err != nil {
		return nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(envelope.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(envelope.MAC)
	if err != nil {
		return nil, fmt.Errorf("decode mac: %w", err)
	}

	plaintext, err := crypto.Decrypt(session.key, ciphertext, nonce, tag)
	if err != nil {
		return nil, err
	}
	session.messageCount++
	return plaintext, nil
}

// RatchetSessionKey replaces the peer's session key with the next key in
// the ratchet chain. Both peers must ratchet in lockstep or subsequent
// messages become undecryptable; no default call path invokes this.
func (m *Manager) RatchetSessionKey(peer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.ensureSessionLocked(peer)
	if err != nil {
		return err
	}

	next, err := crypto.RatchetSessionKey(session.key, peer, session.ratchetCount)
	if err != nil {
		return err
	}
	session.key = next
	session.ratchetCount++
	return nil
}

// ClearSessionKeys wipes all in-memory session keys; peer public keys and
// the persisted identity are kept.
func (m *Manager) ClearSessionKeys() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for peer, session := range m.sessions {
		wipe(session.key)
		delete(m.sessions, peer)
	}
}

// ClearAll wipes in-memory state and deletes the persisted identity key
// pair for username.
func (m *Manager) ClearAll(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for peer, session := range m.sessions {
		wipe(session.key)
		delete(m.sessions, peer)
	}
	for peer := range m.peerKeys {
		delete(m.peerKeys, peer)
	}
	m.identity = nil
	m.username = ""

	if err := m.store.DeleteIdentityKey(username); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrKeyStorage, err)
	}
	return nil
}

// MessageCount returns the number of messages encrypted or decrypted for a
// peer in this session.
func (m *Manager) MessageCount(peer string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session := m.sessions[peer]; session != nil {
		return session.messageCount
	}
	return 0
}

func (m *Manager) ensureSessionLocked(peer string) (*peerSession, error) {
	if m.identity == nil {
		return nil, ErrNotInitialized
	}
	if peer == "" {
		return nil, errors.New("session: peer username is required")
	}

	if session := m.sessions[peer]; session != nil {
		return session, nil
	}

	peerKey := m.peerKeys[peer]
	if peerKey == nil {
		return nil, fmt.Errorf("%w: %q", ErrPeerKeyMissing, peer)
	}

	sharedSecret, err := crypto.ComputeX25519SharedSecret(m.identity, peerKey)
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveSessionKey(sharedSecret, m.username, peer)
	if err != nil {
		return nil, err
	}

	session := &peerSession{key: key}
	m.sessions[peer] = session
	return session, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
