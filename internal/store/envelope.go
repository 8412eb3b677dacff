package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailindex/internal/header"
)

// envelopeSchema is the schema name the envelope index is attached under.
const envelopeSchema = "envelope"

// BulkCopyResult counts the rows written by PerformBulkCopy.
type BulkCopyResult struct {
	AddressCount int
	MailboxCount int
	MessageCount int
	TotalCount   int
}

// AttachEnvelopeIndex attaches the mail client's envelope index read-only
// for bulk import. Only one index can be attached at a time.
func (s *SQLiteStore) AttachEnvelopeIndex(ctx context.Context, indexPath string) error {
	if err := s.ready(); err != nil {
		return err
	}

	s.envMu.Lock()
	defer s.envMu.Unlock()

	if s.envelopePath != "" {
		return fmt.Errorf("%w: %s already attached", ErrEnvelopeIndexAttachFailed, s.envelopePath)
	}

	info, err := os.Stat(indexPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrEnvelopeIndexNotFound, indexPath)
		}
		return fmt.Errorf("%w: %s: %w", ErrEnvelopeIndexAttachFailed, indexPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrEnvelopeIndexAttachFailed, indexPath)
	}

	uri, err := readOnlyURI(indexPath)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrEnvelopeIndexAttachFailed, indexPath, err)
	}
	if _, err := s.db.ExecContext(ctx, "ATTACH DATABASE ? AS "+envelopeSchema, uri); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrEnvelopeIndexAttachFailed, indexPath, err)
	}

	// ATTACH is lazy; reading the schema proves the file is a database.
	var tables int
	if err := s.db.GetContext(ctx, &tables,
		"SELECT COUNT(*) FROM "+envelopeSchema+".sqlite_master"); err != nil {
		if _, detachErr := s.db.ExecContext(ctx, "DETACH DATABASE "+envelopeSchema); detachErr != nil {
			s.log.WithError(detachErr).Warn("Failed to detach invalid envelope index")
		}
		return fmt.Errorf("%w: %s: %w", ErrEnvelopeIndexAttachFailed, indexPath, err)
	}

	s.envelopePath = indexPath
	s.log.WithFields(logrus.Fields{
		"path":   indexPath,
		"tables": tables,
	}).Info("Attached envelope index")
	return nil
}

// readOnlyURI turns a file path into an SQLite URI filename opened with
// mode=ro, so nothing written through the attached schema reaches the file.
func readOnlyURI(indexPath string) (string, error) {
	abs, err := filepath.Abs(indexPath)
	if err != nil {
		return "", err
	}
	p := filepath.ToSlash(abs)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	u := url.URL{Scheme: "file", Path: p, RawQuery: "mode=ro"}
	return u.String(), nil
}

// DetachEnvelopeIndex detaches the envelope index. Detaching when nothing is
// attached is not an error.
func (s *SQLiteStore) DetachEnvelopeIndex(ctx context.Context) error {
	s.envMu.Lock()
	defer s.envMu.Unlock()

	if s.envelopePath == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "DETACH DATABASE "+envelopeSchema); err != nil {
		return queryError("detaching envelope index", err)
	}
	s.envelopePath = ""
	return nil
}

// EnvelopeIndexAttached reports whether an envelope index is attached.
func (s *SQLiteStore) EnvelopeIndexAttached() bool {
	s.envMu.Lock()
	defer s.envMu.Unlock()
	return s.envelopePath != ""
}

func (s *SQLiteStore) requireEnvelope() error {
	if err := s.ready(); err != nil {
		return err
	}
	if !s.EnvelopeIndexAttached() {
		return ErrEnvelopeIndexNotAttached
	}
	return nil
}

// Rows of the envelope index schema.
type (
	envelopeAddress struct {
		RowID   int64          `db:"rowid"`
		Address sql.NullString `db:"address"`
		Comment sql.NullString `db:"comment"`
	}

	envelopeMailbox struct {
		RowID       int64          `db:"rowid"`
		URL         sql.NullString `db:"url"`
		TotalCount  sql.NullInt64  `db:"total_count"`
		UnreadCount sql.NullInt64  `db:"unread_count"`
	}

	envelopeMessage struct {
		RowID        int64          `db:"rowid"`
		MessageID    sql.NullString `db:"message_id"`
		Subject      sql.NullString `db:"subject"`
		SenderEmail  sql.NullString `db:"sender_email"`
		SenderName   sql.NullString `db:"sender_name"`
		DateSent     sql.NullInt64  `db:"date_sent"`
		DateReceived sql.NullInt64  `db:"date_received"`
		MailboxRowID sql.NullInt64  `db:"mailbox"`
		MailboxURL   sql.NullString `db:"mailbox_url"`
		Read         sql.NullInt64  `db:"read"`
		Flagged      sql.NullInt64  `db:"flagged"`
		Deleted      sql.NullInt64  `db:"deleted"`
		Size         sql.NullInt64  `db:"size"`
	}
)

// CopyAddresses imports envelope addresses and returns how many rows were
// written. Each row is written on its own; a failing row is logged and
// skipped.
func (s *SQLiteStore) CopyAddresses(ctx context.Context) (int, error) {
	if err := s.requireEnvelope(); err != nil {
		return 0, err
	}

	var rows []envelopeAddress
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT ROWID AS rowid, address, comment
		FROM envelope.addresses ORDER BY ROWID`); err != nil {
		return 0, queryError("reading envelope addresses", err)
	}

	copied := 0
	for _, r := range rows {
		_, err := s.exec(ctx, "copy address",
			"INSERT OR REPLACE INTO addresses (id, email, name) VALUES (?, ?, ?)",
			r.RowID, strings.ToLower(strings.TrimSpace(r.Address.String)), r.Comment.String,
		)
		if err != nil {
			s.log.WithError(err).WithField("rowid", r.RowID).Warn("Skipping envelope address")
			continue
		}
		copied++
	}
	return copied, nil
}

// CopyMailboxes imports envelope mailboxes and returns how many rows were
// written.
func (s *SQLiteStore) CopyMailboxes(ctx context.Context) (int, error) {
	if err := s.requireEnvelope(); err != nil {
		return 0, err
	}

	var rows []envelopeMailbox
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT ROWID AS rowid, url, total_count, unread_count
		FROM envelope.mailboxes ORDER BY ROWID`); err != nil {
		return 0, queryError("reading envelope mailboxes", err)
	}

	now := time.Now().Unix()
	copied := 0
	for _, r := range rows {
		account, name := splitMailboxURL(r.URL.String)
		_, err := s.exec(ctx, "copy mailbox", `
			INSERT INTO mailboxes (id, account_id, name, url, total_count, unread_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				account_id   = excluded.account_id,
				name         = excluded.name,
				url          = excluded.url,
				total_count  = excluded.total_count,
				unread_count = excluded.unread_count,
				updated_at   = excluded.updated_at`,
			envelopeMailboxID(r.RowID), account, name, r.URL.String,
			r.TotalCount.Int64, r.UnreadCount.Int64, now,
		)
		if err != nil {
			s.log.WithError(err).WithField("rowid", r.RowID).Warn("Skipping envelope mailbox")
			continue
		}
		copied++
	}
	return copied, nil
}

// CopyMessages imports envelope messages and returns how many rows were
// written. Only envelope columns are touched on rows that already exist;
// bodies, thread placement and sync state are left alone.
func (s *SQLiteStore) CopyMessages(ctx context.Context) (int, error) {
	if err := s.requireEnvelope(); err != nil {
		return 0, err
	}

	var rows []envelopeMessage
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT m.ROWID AS rowid,
			m.message_id,
			s.subject,
			a.address AS sender_email,
			a.comment AS sender_name,
			m.date_sent,
			m.date_received,
			m.mailbox,
			mb.url AS mailbox_url,
			m.read,
			m.flagged,
			m.deleted,
			m.size
		FROM envelope.messages m
		LEFT JOIN envelope.subjects s ON s.ROWID = m.subject
		LEFT JOIN envelope.addresses a ON a.ROWID = m.sender
		LEFT JOIN envelope.mailboxes mb ON mb.ROWID = m.mailbox
		ORDER BY m.ROWID`); err != nil {
		return 0, queryError("reading envelope messages", err)
	}

	now := time.Now().Unix()
	copied := 0
	for _, r := range rows {
		msgID, _ := header.NormalizeMessageID(r.MessageID.String)
		mailboxID := ""
		if r.MailboxRowID.Valid {
			mailboxID = envelopeMailboxID(r.MailboxRowID.Int64)
		}
		account, mailboxName := splitMailboxURL(r.MailboxURL.String)

		_, err := s.exec(ctx, "copy message", `
			INSERT INTO messages (
				id, apple_row_id, message_id,
				mailbox_id, mailbox_name, account_id,
				subject, sender_name, sender_email,
				date_sent, date_received,
				is_read, is_flagged, is_deleted, size,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				apple_row_id  = excluded.apple_row_id,
				message_id    = excluded.message_id,
				mailbox_id    = excluded.mailbox_id,
				mailbox_name  = excluded.mailbox_name,
				account_id    = excluded.account_id,
				subject       = excluded.subject,
				sender_name   = excluded.sender_name,
				sender_email  = excluded.sender_email,
				date_sent     = excluded.date_sent,
				date_received = excluded.date_received,
				is_read       = excluded.is_read,
				is_flagged    = excluded.is_flagged,
				is_deleted    = excluded.is_deleted,
				size          = excluded.size,
				updated_at    = excluded.updated_at`,
			EnvelopeMessageKey(r.MessageID.String, r.RowID), r.RowID, nullString(msgID),
			mailboxID, mailboxName, account,
			r.Subject.String, r.SenderName.String, strings.ToLower(strings.TrimSpace(r.SenderEmail.String)),
			r.DateSent, r.DateReceived,
			boolToInt(r.Read.Int64 != 0), boolToInt(r.Flagged.Int64 != 0), boolToInt(r.Deleted.Int64 != 0),
			r.Size.Int64,
			now, now,
		)
		if err != nil {
			s.log.WithError(err).WithField("rowid", r.RowID).Warn("Skipping envelope message")
			continue
		}
		copied++
	}
	return copied, nil
}

// PerformBulkCopy copies addresses, mailboxes and messages in that order.
// Each step commits on its own; when one fails the counts of the earlier
// steps are returned together with the error.
func (s *SQLiteStore) PerformBulkCopy(ctx context.Context) (*BulkCopyResult, error) {
	result := &BulkCopyResult{}
	start := time.Now()

	var err error
	if result.AddressCount, err = s.CopyAddresses(ctx); err != nil {
		return result, fmt.Errorf("copying addresses: %w", err)
	}
	result.TotalCount += result.AddressCount

	if result.MailboxCount, err = s.CopyMailboxes(ctx); err != nil {
		return result, fmt.Errorf("copying mailboxes: %w", err)
	}
	result.TotalCount += result.MailboxCount

	if result.MessageCount, err = s.CopyMessages(ctx); err != nil {
		return result, fmt.Errorf("copying messages: %w", err)
	}
	result.TotalCount += result.MessageCount

	s.log.WithFields(logrus.Fields{
		"addresses": result.AddressCount,
		"mailboxes": result.MailboxCount,
		"messages":  result.MessageCount,
		"duration":  time.Since(start),
	}).Info("Envelope index copied")

	return result, nil
}

// EnvelopeMessageKey returns the local id for an envelope message: the key
// of its Message-ID, or the zero padded row id when it has none.
func EnvelopeMessageKey(rawMessageID string, rowID int64) string {
	if key, ok := header.Key(rawMessageID); ok {
		return key
	}
	return fmt.Sprintf("%032d", rowID)
}

func envelopeMailboxID(rowID int64) string {
	return strconv.FormatInt(rowID, 10)
}

// splitMailboxURL derives the account and display name from a mailbox URL
// such as imap://user@host/INBOX/Work.
func splitMailboxURL(raw string) (account, name string) {
	if raw == "" {
		return "", ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", raw
	}
	name = path.Base(strings.TrimRight(u.Path, "/"))
	if name == "." || name == "/" {
		name = ""
	}
	return u.Host, name
}
