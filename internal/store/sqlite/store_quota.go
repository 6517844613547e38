package sqlite

import (
	"context"
	"database/sql"
	"errors"
)

// TryConsume spends one request of ownerID's quota. It reports false, with
// no change, when the quota is exhausted or the owner is unknown.
func (s *Store) TryConsume(ctx context.Context, ownerID string) (bool, error) {
	res, err := s.tryConsumeStmt.ExecContext(ctx, ownerID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// QuotaUsage returns the total and used counters of ownerID.
func (s *Store) QuotaUsage(ctx context.Context, ownerID string) (total, used int64, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT quota_total, quota_used FROM users WHERE id = ?`, ownerID).Scan(&total, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, sql.ErrNoRows
	}
	return total, used, err
}

// SetQuotaTotal changes the allowance of ownerID; negative is unlimited.
func (s *Store) SetQuotaTotal(ctx context.Context, ownerID string, total int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET quota_total = ? WHERE id = ?`, total, ownerID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// ResetQuotaUsage zeroes the used counter of ownerID.
func (s *Store) ResetQuotaUsage(ctx context.Context, ownerID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET quota_used = 0 WHERE id = ?`, ownerID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}
