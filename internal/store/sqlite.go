package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const (
	defaultBatchSize       = 1000
	defaultWriteRetries    = 10
	defaultWriteRetryDelay = 50 * time.Millisecond
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db  *sqlx.DB
	log *logrus.Entry

	batchSize       int
	writeRetries    int
	writeRetryDelay time.Duration

	initialized atomic.Bool

	// envMu guards the attached envelope index.
	envMu        sync.Mutex
	envelopePath string
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the logger used by the store.
func WithLogger(log *logrus.Entry) Option {
	return func(s *SQLiteStore) {
		if log != nil {
			s.log = log
		}
	}
}

// WithBatchSize sets the chunk size used by BatchUpsertMessages. Values
// below 1 are coerced to 1.
func WithBatchSize(n int) Option {
	return func(s *SQLiteStore) {
		s.batchSize = n
		if s.batchSize < 1 {
			s.batchSize = 1
		}
	}
}

// WithWriteRetry bounds how a write blocked by another writer is retried.
func WithWriteRetry(attempts int, delay time.Duration) Option {
	return func(s *SQLiteStore) {
		if attempts >= 0 {
			s.writeRetries = attempts
		}
		if delay > 0 {
			s.writeRetryDelay = delay
		}
	}
}

// Open opens (or creates) the SQLite database at dbPath and enables WAL
// mode. The schema is not touched; call Initialize before use.
func Open(dbPath string, opts ...Option) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: opening sqlite db: %w", ErrConnectionFailed, err)
	}

	// One connection: attached databases and pragmas are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		// Enable WAL mode for better concurrent read performance.
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		// Lock contention is handled by the retrying writer.
		"PRAGMA busy_timeout=0",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, p, err)
		}
	}

	s := &SQLiteStore{
		db:              db,
		log:             logrus.WithField("pkg", "store"),
		batchSize:       defaultBatchSize,
		writeRetries:    defaultWriteRetries,
		writeRetryDelay: defaultWriteRetryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// NewSQLiteStore opens the database at dbPath and runs any pending schema
// migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	s, err := Open(dbPath, opts...)
	if err != nil {
		return nil, err
	}

	if err := s.Initialize(context.Background()); err != nil {
		s.db.Close()
		return nil, err
	}

	return s, nil
}

// Close detaches any envelope index and closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.DetachEnvelopeIndex(context.Background()); err != nil {
		s.log.WithError(err).Warn("Failed to detach envelope index on close")
	}
	return s.db.Close()
}

// ready fails with ErrNotInitialized until Initialize has succeeded.
func (s *SQLiteStore) ready() error {
	if !s.initialized.Load() {
		return ErrNotInitialized
	}
	return nil
}

// inTx runs fn inside a transaction through the retrying writer. fn may be
// called more than once.
func (s *SQLiteStore) inTx(
	ctx context.Context,
	op string,
	fn func(tx *sqlx.Tx) error,
) error {
	return s.withWriteRetry(ctx, op, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}

		return tx.Commit()
	})
}

// exec runs a single write statement through the retrying writer.
func (s *SQLiteStore) exec(
	ctx context.Context,
	op string,
	query string,
	args ...interface{},
) (sql.Result, error) {
	var result sql.Result
	err := s.withWriteRetry(ctx, op, func() error {
		var err error
		result, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return result, err
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullString maps "" to NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullInt maps 0 to NULL.
func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

// unixTime stores t as Unix seconds; the zero time becomes NULL.
func unixTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

// fromUnix reverses unixTime.
func fromUnix(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}

// pageArgs turns limit/offset into SQLite LIMIT/OFFSET values, where a
// negative limit means no limit.
func pageArgs(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Initialize checks the current schema version and applies any outstanding
// migrations in order. Each migration commits together with its
// schema_version row, so a failed migration leaves the version untouched and
// the next call retries it. Calling Initialize again is a no-op.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	currentVersion, err := s.currentSchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("%w: applying migration v%d: %w", ErrMigrationFailed, m.version, err)
		}
		s.log.WithFields(logrus.Fields{
			"version":     m.version,
			"description": m.description,
		}).Debug("Applied schema migration")
	}

	s.initialized.Store(true)
	return nil
}

// currentSchemaVersion returns 0 for a fresh database.
func (s *SQLiteStore) currentSchemaVersion(ctx context.Context) (int, error) {
	var tableCount int
	err := s.db.GetContext(ctx,
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return 0, fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount == 0 {
		return 0, nil
	}

	var version int
	err = s.db.GetContext(ctx, &version, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

func (s *SQLiteStore) applyMigration(ctx context.Context, m migration) error {
	return s.inTx(ctx, fmt.Sprintf("migration v%d", m.version), func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			m.version, time.Now().Unix(),
		)
		return err
	})
}
