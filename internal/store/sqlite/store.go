// Package sqlite implements the a2rok data store backed by a SQLite
// database. It holds principals and their tokens, the domain directory,
// per-principal request quotas, and server settings.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrDomainTaken is returned when a domain name already belongs to someone.
var ErrDomainTaken = errors.New("domain already taken")

// ErrEmailInUse is returned when a principal with the email already exists.
var ErrEmailInUse = errors.New("email already in use")

// Store wraps a SQLite database connection for all a2rok persistence operations.
type Store struct {
	db *sql.DB

	resolvePrincipalStmt *sql.Stmt
	findDomainOwnerStmt  *sql.Stmt
	tryConsumeStmt       *sql.Stmt

	pepperMu sync.RWMutex
	pepper   string
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

const resolvePrincipalQuery = `
SELECT id, email, name, quota_total, quota_used, created_at
FROM users
WHERE token_hash = ? AND revoked_at IS NULL`

const findDomainOwnerQuery = `
SELECT d.name, d.owner_id, u.email, d.created_at
FROM domains d
JOIN users u ON u.id = d.owner_id
WHERE d.name = ?`

// A negative quota_total is unlimited; otherwise the increment only lands
// while there is allowance left, which makes admission a single statement.
const tryConsumeQuery = `
UPDATE users
SET quota_used = quota_used + 1
WHERE id = ? AND revoked_at IS NULL AND (quota_total < 0 OR quota_used < quota_total)`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode is database-wide; set it once here.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite setup (journal_mode): %w", err)
	}
	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	stmtErr := s.closePreparedStatements()
	return errors.Join(stmtErr, s.db.Close())
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	if s.resolvePrincipalStmt, err = s.db.PrepareContext(ctx, resolvePrincipalQuery); err != nil {
		return fmt.Errorf("prepare resolve principal query: %w", err)
	}
	if s.findDomainOwnerStmt, err = s.db.PrepareContext(ctx, findDomainOwnerQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare find domain owner query: %w", err), closeErr)
	}
	if s.tryConsumeStmt, err = s.db.PrepareContext(ctx, tryConsumeQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare try consume query: %w", err), closeErr)
	}
	return nil
}

func (s *Store) closePreparedStatements() error {
	var err error
	err = errors.Join(err, closeStmt(&s.resolvePrincipalStmt))
	err = errors.Join(err, closeStmt(&s.findDomainOwnerStmt))
	err = errors.Join(err, closeStmt(&s.tryConsumeStmt))
	return err
}

func closeStmt(stmt **sql.Stmt) error {
	if stmt == nil || *stmt == nil {
		return nil
	}
	err := (*stmt).Close()
	*stmt = nil
	return err
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	token_hash TEXT NOT NULL UNIQUE,
	quota_total INTEGER NOT NULL DEFAULT 10000,
	quota_used INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	revoked_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS domains (
	name TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS server_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_token_hash ON users(token_hash);
CREATE INDEX IF NOT EXISTS idx_domains_owner_id ON domains(owner_id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}
