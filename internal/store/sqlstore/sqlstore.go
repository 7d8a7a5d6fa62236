// Package sqlstore persists users, sessions, work items and bundles in
// Postgres or SQLite through database/sql. Both dialects share one schema.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"shopfloor.dev/internal/auth"
	"shopfloor.dev/internal/bundle"
	"shopfloor.dev/internal/migrate"
	"shopfloor.dev/internal/workflow"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Dialect names a supported database.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDialect accepts the dialect or driver name.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("sqlstore: unsupported driver %q", s)
}

func (d Dialect) driverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

func (d Dialect) placeholder() migrate.Placeholder {
	if d == Postgres {
		return migrate.Dollar
	}
	return migrate.Question
}

// rebind rewrites ? parameters into the dialect's form.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inString := false
	for _, r := range query {
		switch {
		case r == '\'':
			inString = !inString
			b.WriteRune(r)
		case r == '?' && !inString:
			n++
			b.WriteString("$" + strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

const (
	pgErrUniqueViolation      = "23505"
	pgErrSerializationFailure = "40001"
	pgErrDeadlockDetected     = "40P01"

	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteConstraint = 19

	retryAttempts       = 5
	retryInitialBackoff = 10 * time.Millisecond
	retryMaxBackoff     = 200 * time.Millisecond
)

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func sqliteCode(err error) (int, bool) {
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		return coder.Code(), true
	}
	return 0, false
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pgErr, ok := maybePgError(err); ok {
		return pgErr.Code == pgErrUniqueViolation
	}
	if code, ok := sqliteCode(err); ok && code&0xff == sqliteConstraint {
		return strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY KEY")
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isRetryable reports lost serialization races and lock contention.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if pgErr, ok := maybePgError(err); ok {
		return pgErr.Code == pgErrSerializationFailure || pgErr.Code == pgErrDeadlockDetected
	}
	if code, ok := sqliteCode(err); ok {
		return code&0xff == sqliteBusy || code&0xff == sqliteLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retry(ctx context.Context, op func() error) error {
	delay := retryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) || attempt == retryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= retryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// Store implements auth.Store and workflow.Store on a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var (
	_ auth.Store     = (*Store)(nil)
	_ workflow.Store = (*Store)(nil)
)

// Open connects to dsn with the driver for dialect.
func Open(dialect Dialect, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlstore: dsn is required")
	}
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	switch dialect {
	case Postgres:
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(15 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	case SQLite:
		// One connection serializes writers and keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys = ON",
			"PRAGMA busy_timeout = 5000",
		}
		for _, pragma := range pragmas {
			if _, execErr := db.Exec(pragma); execErr != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
			}
		}
	}
	return New(db, dialect), nil
}

// New wraps an existing handle.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrator returns a migration manager over the embedded schema.
func (s *Store) Migrator() *migrate.Manager {
	return migrate.NewManager(s.db, migrationFS, "migrations", migrate.WithPlaceholder(s.dialect.placeholder()))
}

// Migrate applies pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Migrator().Up(ctx)
	return err
}

func (s *Store) conn() conn { return conn{s: s, q: s.db} }

func (s *Store) Users() auth.UserStore          { return userStore{s.conn()} }
func (s *Store) Sessions() auth.SessionStore    { return sessionStore{s.conn()} }
func (s *Store) Items() workflow.ItemRepository { return itemRepo{s.conn()} }
func (s *Store) Bundles() bundle.Repository     { return bundleRepo{s.conn()} }

// Atomic runs fn in one transaction, serializable on Postgres. Serialization
// failures and lock contention restart fn; once retries are exhausted the
// caller sees workflow.ErrConcurrentModification.
func (s *Store) Atomic(ctx context.Context, fn func(workflow.ItemRepository, bundle.Repository) error) error {
	err := s.withTx(ctx, func(c conn) error {
		return fn(itemRepo{c}, bundleRepo{c})
	})
	if isRetryable(err) {
		return fmt.Errorf("%w: %v", workflow.ErrConcurrentModification, err)
	}
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(conn) error) error {
	var opts *sql.TxOptions
	if s.dialect == Postgres {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return retry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, opts)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(conn{s: s, q: tx, inTx: true}); err != nil {
			return err
		}
		return tx.Commit()
	})
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn binds queries to the pool or to an open transaction.
type conn struct {
	s    *Store
	q    querier
	inTx bool
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	query = c.s.dialect.rebind(query)
	if c.inTx {
		return c.q.ExecContext(ctx, query, args...)
	}
	var res sql.Result
	err := retry(ctx, func() error {
		var execErr error
		res, execErr = c.q.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.s.dialect.rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.s.dialect.rebind(query), args...)
}

// atomic runs fn in the current transaction or opens one.
func (c conn) atomic(ctx context.Context, fn func(conn) error) error {
	if c.inTx {
		return fn(c)
	}
	return c.s.withTx(ctx, fn)
}

// affected runs an update and reports whether it matched a row.
func (c conn) affected(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := c.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c conn) exists(ctx context.Context, table, id string) (bool, error) {
	var n int
	err := c.queryRow(ctx, `select count(*) from `+table+` where id = ?`, id).Scan(&n)
	return n > 0, err
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
