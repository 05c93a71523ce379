package session

import (
	"bytes"
	"errors"
	"testing"

	"sajilochat/crypto"
	"sajilochat/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	return NewManager(store), store
}

// exchangeKeys initializes two managers and hands each the other's public key.
func exchangeKeys(t *testing.T, alice, bob *Manager) {
	t.Helper()

	alicePub, err := alice.PublicIdentityKey()
	if err != nil {
		t.Fatalf("alice public key: %v", err)
	}
	bobPub, err := bob.PublicIdentityKey()
	if err != nil {
		t.Fatalf("bob public key: %v", err)
	}
	if err := alice.StorePeerPublicKey("bob", bobPub); err != nil {
		t.Fatalf("store bob key: %v", err)
	}
	if err := bob.StorePeerPublicKey("alice", alicePub); err != nil {
		t.Fatalf("store alice key: %v", err)
	}
}

func TestInitializePersistsAndReloadsIdentity(t *testing.T) {
	manager, store := newTestManager(t)

	if err := manager.Initialize("alice"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	firstKey, err := manager.PublicIdentityKey()
	if err != nil {
		t.Fatalf("public identity key: %v", err)
	}

	reloaded := NewManager(store)
	if err := reloaded.Initialize("alice"); err != nil {
		t.Fatalf("initialize reloaded manager: %v", err)
	}
	secondKey, err := reloaded.PublicIdentityKey()
	if err != nil {
		t.Fatalf("public identity key after reload: %v", err)
	}

	if !bytes.Equal(firstKey, secondKey) {
		t.Fatalf("expected identical identity key across restarts")
	}
}

func TestInitializeRegeneratesCorruptKey(t *testing.T) {
	manager, store := newTestManager(t)

	err := store.SaveIdentityKey(storage.IdentityKey{
		Username:   "alice",
		PrivateKey: "not-valid-base64!!!",
		PublicKey:  "also-bad",
	})
	if err != nil {
		t.Fatalf("seed corrupt key: %v", err)
	}

	if err := manager.Initialize("alice"); err != nil {
		t.Fatalf("initialize with corrupt key should recover, got %v", err)
	}
	if _, err := manager.PublicIdentityKey(); err != nil {
		t.Fatalf("expected usable identity after regeneration: %v", err)
	}

	stored, err := store.GetIdentityKey("alice")
	if err != nil {
		t.Fatalf("get regenerated key: %v", err)
	}
	if stored.PrivateKey == "not-valid-base64!!!" {
		t.Fatalf("expected regenerated key to be persisted")
	}
}

func TestPublicIdentityKeyBeforeInitialize(t *testing.T) {
	manager, _ := newTestManager(t)

	if _, err := manager.PublicIdentityKey(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestEncryptWithoutPeerKey(t *testing.T) {
	manager, _ := newTestManager(t)
	if err := manager.Initialize("alice"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if _, err := manager.Encrypt("bob", []byte("hello")); !errors.Is(err, ErrPeerKeyMissing) {
		t.Fatalf("expected ErrPeerKeyMissing, got %v", err)
	}
}

func TestEncryptDecryptBetweenPeers(t *testing.T) {
	alice, _ := newTestManager(t)
	bob, _ := newTestManager(t)
	if err := alice.Initialize("alice"); err != nil {
		t.Fatalf("initialize alice: %v", err)
	}
	if err := bob.Initialize("bob"); err != nil {
		t.Fatalf("initialize bob: %v", err)
	}
	exchangeKeys(t, alice, bob)

	envelope, err := alice.Encrypt("bob", []byte("hello"))
	if err != nil {
		t.Fatalf("alice encrypt: %v", err)
	}

	plaintext, err := bob.Decrypt("alice", envelope)
	if err != nil {
		t.Fatalf("bob decrypt: %v", err)
	}
	if string(plaintext) != "hello" {
		t.Fatalf("decrypted %q, want %q", plaintext, "hello")
	}
}

func TestSessionKeyFingerprintsMatchAcrossPeers(t *testing.T) {
	alice, _ := newTestManager(t)
	bob, _ := newTestManager(t)
	if err := alice.Initialize("alice"); err != nil {
		t.Fatalf("initialize alice: %v", err)
	}
	if err := bob.Initialize("bob"); err != nil {
		t.Fatalf("initialize bob: %v", err)
	}
	exchangeKeys(t, alice, bob)

	aliceFingerprint, err := alice.SessionKeyFingerprint("bob")
	if err != nil {
		t.Fatalf("alice fingerprint: %v", err)
	}
	bobFingerprint, err := bob.SessionKeyFingerprint("alice")
	if err != nil {
		t.Fatalf("bob fingerprint: %v", err)
	}
	if aliceFingerprint != bobFingerprint {
		t.Fatalf("session key fingerprints differ: %s vs %s", aliceFingerprint, bobFingerprint)
	}
}

func TestDecryptTamperedEnvelope(t *testing.T) {
	alice, _ := newTestManager(t)
	bob, _ := newTestManager(t)
	if err := alice.Initialize("alice"); err != nil {
		t.Fatalf("initialize alice: %v", err)
	}
	if err := bob.Initialize("bob"); err != nil {
		t.Fatalf("initialize bob: %v", err)
	}
	exchangeKeys(t, alice, bob)

	envelope, err := alice.Encrypt("bob", []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	envelope.MAC = envelope.Nonce // valid base64, wrong tag

	if _, err := bob.Decrypt("alice", envelope); !errors.Is(err, crypto.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestRatchetKeepsPeersInLockstep(t *testing.T) {
	alice, _ := newTestManager(t)
	bob, _ := newTestManager(t)
	if err := alice.Initialize("alice"); err != nil {
		t.Fatalf("initialize alice: %v", err)
	}
	if err := bob.Initialize("bob"); err != nil {
		t.Fatalf("initialize bob: %v", err)
	}
	exchangeKeys(t, alice, bob)

	before, err := alice.SessionKeyFingerprint("bob")
	if err != nil {
		t.Fatalf("fingerprint before ratchet: %v", err)
	}
	if err := alice.RatchetSessionKey("bob"); err != nil {
		t.Fatalf("alice ratchet: %v", err)
	}
	after, err := alice.SessionKeyFingerprint("bob")
	if err != nil {
		t.Fatalf("fingerprint after ratchet: %v", err)
	}
	if before == after {
		t.Fatalf("ratchet did not change the session key")
	}

	// The ratchet label names the remote peer, so bob mirrors alice's step
	// by applying the same label to his copy of the key.
	if err := bob.DeriveSessionKey("alice"); err != nil {
		t.Fatalf("bob derive: %v", err)
	}
	bobSession := bob.sessions["alice"]
	next, err := crypto.RatchetSessionKey(bobSession.key, "bob", 0)
	if err != nil {
		t.Fatalf("bob ratchet step: %v", err)
	}
	bobSession.key = next

	bobFP, err := bob.SessionKeyFingerprint("alice")
	if err != nil {
		t.Fatalf("bob fingerprint: %v", err)
	}
	if after != bobFP {
		t.Fatalf("ratcheted keys diverged: %s vs %s", after, bobFP)
	}
}

func TestStorePeerPublicKeyRotationRederivesSession(t *testing.T) {
	alice, _ := newTestManager(t)
	bob, _ := newTestManager(t)
	if err := alice.Initialize("alice"); err != nil {
		t.Fatalf("initialize alice: %v", err)
	}
	if err := bob.Initialize("bob"); err != nil {
		t.Fatalf("initialize bob: %v", err)
	}
	exchangeKeys(t, alice, bob)

	envelope, err := alice.Encrypt("bob", []byte("before rotation"))
	if err != nil {
		t.Fatalf("encrypt before rotation: %v", err)
	}
	if _, err := bob.Decrypt("alice", envelope); err != nil {
		t.Fatalf("decrypt before rotation: %v", err)
	}
	before, err := alice.SessionKeyFingerprint("bob")
	if err != nil {
		t.Fatalf("fingerprint before rotation: %v", err)
	}

	// Bob rotates his identity key pair; storing the replacement must
	// drop alice's cached session key or every later message fails
	// authentication against the stale key.
	if err := bob.ClearAll("bob"); err != nil {
		t.Fatalf("clear bob: %v", err)
	}
	if err := bob.Initialize("bob"); err != nil {
		t.Fatalf("reinitialize bob: %v", err)
	}
	exchangeKeys(t, alice, bob)

	after, err := alice.SessionKeyFingerprint("bob")
	if err != nil {
		t.Fatalf("fingerprint after rotation: %v", err)
	}
	if before == after {
		t.Fatal("session key survived peer key rotation")
	}

	envelope, err = alice.Encrypt("bob", []byte("after rotation"))
	if err != nil {
		t.Fatalf("encrypt after rotation: %v", err)
	}
	plaintext, err := bob.Decrypt("alice", envelope)
	if err != nil {
		t.Fatalf("decrypt after rotation: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("after rotation")) {
		t.Fatalf("plaintext = %q", plaintext)
	}
}

func TestClearSessionKeysForcesRederivation(t *testing.T) {
	alice, _ := newTestManager(t)
	bob, _ := newTestManager(t)
	if err := alice.Initialize("alice"); err != nil {
		t.Fatalf("initialize alice: %v", err)
	}
	if err := bob.Initialize("bob"); err != nil {
		t.Fatalf("initialize bob: %v", err)
	}
	exchangeKeys(t, alice, bob)

	envelope, err := alice.Encrypt("bob", []byte("before clear"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	alice.ClearSessionKeys()

	// Peer keys survive a session clear, so encryption re-derives the same key.
	envelope2, err := alice.Encrypt("bob", []byte("after clear"))
	if err != nil {
		t.Fatalf("encrypt after clear: %v", err)
	}
	if _, err := bob.Decrypt("alice", envelope); err != nil {
		t.Fatalf("decrypt pre-clear message: %v", err)
	}
	if _, err := bob.Decrypt("alice", envelope2); err != nil {
		t.Fatalf("decrypt post-clear message: %v", err)
	}
}

func TestClearAllRemovesPersistedIdentity(t *testing.T) {
	manager, store := newTestManager(t)
	if err := manager.Initialize("alice"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if err := manager.ClearAll("alice"); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if _, err := manager.PublicIdentityKey(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized after ClearAll, got %v", err)
	}
	if _, err := store.GetIdentityKey("alice"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected persisted identity removed, got %v", err)
	}
}

func TestMessageCountIncrements(t *testing.T) {
	alice, _ := newTestManager(t)
	bob, _ := newTestManager(t)
	if err := alice.Initialize("alice"); err != nil {
		t.Fatalf("initialize alice: %v", err)
	}
	if err := bob.Initialize("bob"); err != nil {
		t.Fatalf("initialize bob: %v", err)
	}
	exchangeKeys(t, alice, bob)

	for i := 0; i < 3; i++ {
		if _, err := alice.Encrypt("bob", []byte("m")); err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
	}
	if got := alice.MessageCount("bob"); got != 3 {
		t.Fatalf("message count = %d, want 3", got)
	}
}
