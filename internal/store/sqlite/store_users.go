package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/a2rok/a2rok/internal/auth"
	"github.com/a2rok/a2rok/internal/domain"
)

// CreateUser stores a principal identified by tokenHash. A quotaTotal of
// zero selects [domain.DefaultQuotaTotal]; negative means unlimited.
func (s *Store) CreateUser(ctx context.Context, email, name, tokenHash string, quotaTotal int64) (domain.Principal, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return domain.Principal{}, errors.New("email is required")
	}
	if quotaTotal == 0 {
		quotaTotal = domain.DefaultQuotaTotal
	}
	id, err := newID("u")
	if err != nil {
		return domain.Principal{}, err
	}
	p := domain.Principal{
		ID:         id,
		Email:      email,
		Name:       strings.TrimSpace(name),
		QuotaTotal: quotaTotal,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO users(id, email, name, token_hash, quota_total, quota_used, created_at, revoked_at)
VALUES(?, ?, ?, ?, ?, 0, ?, NULL)`, p.ID, p.Email, p.Name, tokenHash, p.QuotaTotal, p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "users.email") {
			return domain.Principal{}, ErrEmailInUse
		}
		return domain.Principal{}, err
	}
	return p, nil
}

// ListUsers returns all active principals, newest first.
func (s *Store) ListUsers(ctx context.Context) ([]domain.Principal, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, email, name, quota_total, quota_used, created_at
FROM users
WHERE revoked_at IS NULL
ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Principal
	for rows.Next() {
		var p domain.Principal
		if err := rows.Scan(&p.ID, &p.Email, &p.Name, &p.QuotaTotal, &p.QuotaUsed, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// FindUserByEmail looks up an active principal by email.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (domain.Principal, error) {
	var p domain.Principal
	err := s.db.QueryRowContext(ctx, `
SELECT id, email, name, quota_total, quota_used, created_at
FROM users
WHERE email = ? AND revoked_at IS NULL`, strings.ToLower(strings.TrimSpace(email))).
		Scan(&p.ID, &p.Email, &p.Name, &p.QuotaTotal, &p.QuotaUsed, &p.CreatedAt)
	if err != nil {
		return domain.Principal{}, err
	}
	return p, nil
}

// RotateToken replaces the token hash of a principal.
func (s *Store) RotateToken(ctx context.Context, userID, tokenHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET token_hash = ? WHERE id = ? AND revoked_at IS NULL`, tokenHash, userID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// RevokeUser disables a principal; its token stops resolving.
func (s *Store) RevokeUser(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, time.Now().UTC(), userID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// ResolveAgentPrincipal maps a plaintext agent token to its principal using
// the pepper set with [Store.SetTokenPepper].
func (s *Store) ResolveAgentPrincipal(ctx context.Context, token string) (domain.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	var p domain.Principal
	err := s.resolvePrincipalStmt.QueryRowContext(ctx, auth.HashToken(token, s.TokenPepper())).
		Scan(&p.ID, &p.Email, &p.Name, &p.QuotaTotal, &p.QuotaUsed, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	if err != nil {
		return domain.Principal{}, err
	}
	return p, nil
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
