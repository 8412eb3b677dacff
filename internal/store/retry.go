package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// withWriteRetry runs fn, retrying it at a constant delay while it fails
// because another connection holds the database lock. Any other error
// returns immediately. When the retry budget runs out the lock error comes
// back wrapped in ErrQueryFailed.
func (s *SQLiteStore) withWriteRetry(ctx context.Context, op string, fn func() error) error {
	attempts := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(s.writeRetryDelay),
			uint64(s.writeRetries),
		),
		ctx,
	)

	err := backoff.Retry(func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if !isLockError(err) {
			return backoff.Permanent(err)
		}
		s.log.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempts,
		}).Debug("Database locked, retrying write")
		return err
	}, policy)
	if err == nil {
		return nil
	}

	if isLockError(err) {
		return fmt.Errorf("%w: %s: database still locked after %d attempts: %w",
			ErrQueryFailed, op, attempts, err)
	}
	return err
}

// isLockError reports whether err means the database (or a table in it) was
// locked by another connection.
func isLockError(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}

	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
