package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveIdentityKey inserts or replaces the key pair stored for a username.
func (s *Store) SaveIdentityKey(key IdentityKey) error {
	if key.Username == "" {
		return errors.New("username is required")
	}
	if key.PrivateKey == "" || key.PublicKey == "" {
		return errors.New("key material is required")
	}
	if key.CreatedAt == 0 {
		key.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO identity_keys (username, private_key, public_key, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			private_key = excluded.private_key,
			public_key  = excluded.public_key,
			created_at  = excluded.created_at`,
		key.Username,
		key.PrivateKey,
		key.PublicKey,
		key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save identity key for %q: %w", key.Username, err)
	}

	return nil
}

// GetIdentityKey fetches the key pair stored for a username.
func (s *Store) GetIdentityKey(username string) (*IdentityKey, error) {
	if username == "" {
		return nil, errors.New("username is required")
	}

	row := s.db.QueryRow(
		`SELECT username, private_key, public_key, created_at
		FROM identity_keys
		WHERE username = ?`,
		username,
	)

	var key IdentityKey
	if err := row.Scan(&key.Username, &key.PrivateKey, &key.PublicKey, &key.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan identity key for %q: %w", username, err)
	}

	return &key, nil
}

// DeleteIdentityKey removes the persisted key pair for a username.
func (s *Store) DeleteIdentityKey(username string) error {
	if username == "" {
		return errors.New("username is required")
	}

	res, err := s.db.Exec(`DELETE FROM identity_keys WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("delete identity key for %q: %w", username, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for identity key delete %q: %w", username, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
