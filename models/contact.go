package models

// Contact represents a peer user whose public key has been fetched from
// the directory.
type Contact struct {
	Username       string `json:"username"`
	PublicKey      string `json:"public_key"`
	KeyFingerprint string `json:"key_fingerprint"`
	Online         bool   `json:"online,omitempty"`
	LastSeen       int64  `json:"last_seen,omitempty"`
}
