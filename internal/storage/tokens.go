package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// HashToken returns the hex SHA-256 of a bearer token. Only hashes are stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SaveAPIToken registers token as a credential for owner.
func (s *Store) SaveAPIToken(ctx context.Context, token, owner, label string) error {
	if token == "" || owner == "" {
		return errors.New("token and owner are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_tokens (token_hash, owner, label, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(token_hash) DO UPDATE SET owner = excluded.owner, label = excluded.label`,
		HashToken(token), owner, label, FormatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("saving api token: %w", err)
	}
	return nil
}

// OwnerForToken resolves a bearer token to its owner.
func (s *Store) OwnerForToken(ctx context.Context, token string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT owner FROM api_tokens WHERE token_hash = ?`, HashToken(token)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return owner, err
}

// RevokeOwnerTokens removes every token of owner.
func (s *Store) RevokeOwnerTokens(ctx context.Context, owner string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_tokens WHERE owner = ?`, owner)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
