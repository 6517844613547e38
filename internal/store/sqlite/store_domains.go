package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/a2rok/a2rok/internal/domain"
	"github.com/a2rok/a2rok/internal/netutil"
)

const maxDomainNameAttempts = 100

// FindDomainOwner returns the record of a registered domain, or
// [domain.ErrDomainNotFound].
func (s *Store) FindDomainOwner(ctx context.Context, name string) (domain.DomainRecord, error) {
	var rec domain.DomainRecord
	err := s.findDomainOwnerStmt.QueryRowContext(ctx, strings.ToLower(name)).
		Scan(&rec.Name, &rec.OwnerID, &rec.OwnerEmail, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DomainRecord{}, domain.ErrDomainNotFound
	}
	if err != nil {
		return domain.DomainRecord{}, err
	}
	return rec, nil
}

// ListOwnerDomains returns the domain names of ownerID in creation order.
func (s *Store) ListOwnerDomains(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM domains WHERE owner_id = ? ORDER BY created_at ASC, name ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// ListDomains returns every registered domain with its owner.
func (s *Store) ListDomains(ctx context.Context) ([]domain.DomainRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT d.name, d.owner_id, u.email, d.created_at
FROM domains d
JOIN users u ON u.id = d.owner_id
ORDER BY d.created_at ASC, d.name ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.DomainRecord
	for rows.Next() {
		var rec domain.DomainRecord
		if err := rows.Scan(&rec.Name, &rec.OwnerID, &rec.OwnerEmail, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CreateDomain mints a random word-word-word domain for ownerID. The insert
// itself decides uniqueness, so concurrent creators never share a name.
func (s *Store) CreateDomain(ctx context.Context, ownerID string) (string, error) {
	for range maxDomainNameAttempts {
		name := randomDomainName()
		err := s.ClaimDomain(ctx, ownerID, name)
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, ErrDomainTaken) {
			return "", err
		}
	}
	return "", fmt.Errorf("unable to generate unique domain after %d attempts", maxDomainNameAttempts)
}

// ClaimDomain registers name for ownerID. Re-claiming an owned name is a
// no-op; a name owned by someone else fails with [ErrDomainTaken].
func (s *Store) ClaimDomain(ctx context.Context, ownerID, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if !netutil.ValidSubdomainLabel(name) {
		return fmt.Errorf("invalid domain label %q", name)
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO domains(name, owner_id, created_at) VALUES(?, ?, ?)
ON CONFLICT(name) DO NOTHING`, name, ownerID, time.Now().UTC())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	var current string
	if err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM domains WHERE name = ?`, name).Scan(&current); err != nil {
		return err
	}
	if current != ownerID {
		return ErrDomainTaken
	}
	return nil
}

// DeleteDomain removes a domain owned by ownerID.
func (s *Store) DeleteDomain(ctx context.Context, ownerID, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM domains WHERE name = ? AND owner_id = ?`, strings.ToLower(name), ownerID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}
