package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the derived symmetric key length in bytes.
const SessionKeySize = 32

// SessionKeyInfo builds the HKDF info label for a peer pair. The usernames
// are sorted lexicographically so both sides compute the same label no
// matter who initiates.
func SessionKeyInfo(localUser, peerUser string) []byte {
	first, second := localUser, peerUser
	if second < first {
		first, second = second, first
	}
	return []byte("session_" + first + second)
}

// DeriveSessionKey expands an ECDH shared secret into a 256-bit session key
// using HKDF-SHA256 with a peer-pair info label.
func DeriveSessionKey(sharedSecret []byte, localUser, peerUser string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret is required")
	}
	if localUser == "" || peerUser == "" {
		return nil, errors.New("both usernames are required")
	}
	return expand(sharedSecret, SessionKeyInfo(localUser, peerUser))
}

// RatchetSessionKey derives the next session key from the current one. Both
// peers must ratchet in lockstep; counter is the number of ratchet steps
// already performed.
func RatchetSessionKey(currentKey []byte, peerUser string, counter uint64) ([]byte, error) {
	if len(currentKey) != SessionKeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(currentKey), SessionKeySize)
	}
	info := []byte("ratchet_" + peerUser + "_" + strconv.FormatUint(counter, 10))
	return expand(currentKey, info)
}

func expand(secret, info []byte) ([]byte, error) {
	key := make([]byte, SessionKeySize)
	reader := hkdf.New(sha256.New, secret, nil, info)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}
