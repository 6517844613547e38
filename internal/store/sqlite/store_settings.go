package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

const tokenPepperKey = "token_pepper"

// SetTokenPepper sets the secret mixed into token hashes for lookups.
func (s *Store) SetTokenPepper(pepper string) {
	s.pepperMu.Lock()
	s.pepper = pepper
	s.pepperMu.Unlock()
}

// TokenPepper returns the pepper set with [Store.SetTokenPepper].
func (s *Store) TokenPepper() string {
	s.pepperMu.RLock()
	defer s.pepperMu.RUnlock()
	return s.pepper
}

func (s *Store) GetServerPepper(ctx context.Context) (string, bool, error) {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM server_settings WHERE key = ?`, tokenPepperKey).Scan(&current)
	if err == nil {
		return current, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	return "", false, err
}

// ResolveServerPepper returns the stored pepper, persisting suggested when
// none exists yet. A suggestion that differs from the stored value fails.
func (s *Store) ResolveServerPepper(ctx context.Context, suggested string) (string, error) {
	suggested = strings.TrimSpace(suggested)

	current, exists, err := s.GetServerPepper(ctx)
	if err != nil {
		return "", err
	}
	if exists {
		if suggested != "" && suggested != current {
			return "", errors.New("provided token pepper does not match database")
		}
		return current, nil
	}
	if suggested == "" {
		return "", errors.New("token pepper is required")
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO server_settings(key, value) VALUES(?, ?)`, tokenPepperKey, suggested); err != nil {
		return "", err
	}
	return suggested, nil
}
