package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailindex/internal/header"
	"github.com/nhle/mailindex/internal/model"
)

// messageColumns lists the messages columns read into messageRow.
var messageColumns = []string{
	"id", "apple_row_id", "message_id",
	"mailbox_id", "mailbox_name", "account_id",
	"subject", "sender_name", "sender_email",
	"date_sent", "date_received",
	"is_read", "is_flagged", "is_deleted", "has_attachments", "size",
	"body_text", "body_html", "export_path",
	"mailbox_status", "pending_sync_action", "last_known_mailbox_id",
	"thread_id", "in_reply_to", "message_references",
	"thread_position", "thread_total",
}

// selectMessageColumns renders messageColumns, qualified with alias when one
// is given.
func selectMessageColumns(alias string) string {
	if alias == "" {
		return strings.Join(messageColumns, ", ")
	}
	qualified := make([]string, len(messageColumns))
	for i, c := range messageColumns {
		qualified[i] = alias + "." + c
	}
	return strings.Join(qualified, ", ")
}

// messageRow mirrors one messages row.
type messageRow struct {
	ID                 string         `db:"id"`
	AppleRowID         sql.NullInt64  `db:"apple_row_id"`
	MessageID          sql.NullString `db:"message_id"`
	MailboxID          string         `db:"mailbox_id"`
	MailboxName        string         `db:"mailbox_name"`
	AccountID          string         `db:"account_id"`
	Subject            string         `db:"subject"`
	SenderName         string         `db:"sender_name"`
	SenderEmail        string         `db:"sender_email"`
	DateSent           sql.NullInt64  `db:"date_sent"`
	DateReceived       sql.NullInt64  `db:"date_received"`
	IsRead             bool           `db:"is_read"`
	IsFlagged          bool           `db:"is_flagged"`
	IsDeleted          bool           `db:"is_deleted"`
	HasAttachments     bool           `db:"has_attachments"`
	Size               int64          `db:"size"`
	BodyText           sql.NullString `db:"body_text"`
	BodyHTML           sql.NullString `db:"body_html"`
	ExportPath         sql.NullString `db:"export_path"`
	MailboxStatus      string         `db:"mailbox_status"`
	PendingSyncAction  string         `db:"pending_sync_action"`
	LastKnownMailboxID sql.NullString `db:"last_known_mailbox_id"`
	ThreadID           sql.NullString `db:"thread_id"`
	InReplyTo          sql.NullString `db:"in_reply_to"`
	References         sql.NullString `db:"message_references"`
	ThreadPosition     sql.NullInt64  `db:"thread_position"`
	ThreadTotal        sql.NullInt64  `db:"thread_total"`
}

func (r messageRow) toModel() model.Message {
	m := model.Message{
		ID:                 r.ID,
		MessageID:          r.MessageID.String,
		MailboxID:          r.MailboxID,
		MailboxName:        r.MailboxName,
		AccountID:          r.AccountID,
		Subject:            r.Subject,
		Sender:             model.Sender{Name: r.SenderName, Email: r.SenderEmail},
		DateSent:           fromUnix(r.DateSent),
		DateReceived:       fromUnix(r.DateReceived),
		IsRead:             r.IsRead,
		IsFlagged:          r.IsFlagged,
		IsDeleted:          r.IsDeleted,
		HasAttachments:     r.HasAttachments,
		Size:               r.Size,
		BodyText:           r.BodyText.String,
		BodyHTML:           r.BodyHTML.String,
		ExportPath:         r.ExportPath.String,
		MailboxStatus:      model.MailboxStatus(r.MailboxStatus),
		PendingSyncAction:  model.SyncAction(r.PendingSyncAction),
		LastKnownMailboxID: r.LastKnownMailboxID.String,
		ThreadID:           r.ThreadID.String,
		InReplyTo:          r.InReplyTo.String,
		ThreadPosition:     int(r.ThreadPosition.Int64),
		ThreadTotal:        int(r.ThreadTotal.Int64),
	}
	if r.AppleRowID.Valid {
		rowID := r.AppleRowID.Int64
		m.AppleRowID = &rowID
	}
	// A corrupt references column only loses the references, not the row.
	if refs, err := header.DecodeReferences(r.References.String); err == nil {
		m.References = refs
	}
	return m
}

func rowsToMessages(rows []messageRow) []model.Message {
	msgs := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.toModel())
	}
	return msgs
}

// validateMessage rejects messages that can never be stored.
func validateMessage(msg model.Message) error {
	if msg.ID == "" {
		return errors.New("message id is required")
	}
	if msg.MailboxStatus != "" && !msg.MailboxStatus.Valid() {
		return fmt.Errorf("invalid mailbox status %q", msg.MailboxStatus)
	}
	if msg.PendingSyncAction != "" && !msg.PendingSyncAction.Valid() {
		return fmt.Errorf("invalid sync action %q", msg.PendingSyncAction)
	}
	return nil
}

// upsertMessageQuery inserts a message or replaces the existing row with the
// same id. Columns owned by other writers (thread placement, export path)
// keep their stored value when the incoming one is empty. A plain upsert
// never clears a pending sync action or the status staged with it.
const upsertMessageQuery = `
	INSERT INTO messages (
		id, apple_row_id, message_id,
		mailbox_id, mailbox_name, account_id,
		subject, sender_name, sender_email,
		date_sent, date_received,
		is_read, is_flagged, is_deleted, has_attachments, size,
		body_text, body_html, export_path,
		mailbox_status, pending_sync_action, last_known_mailbox_id,
		thread_id, in_reply_to, message_references,
		thread_position, thread_total,
		created_at, updated_at
	) VALUES (
		?, ?, ?,
		?, ?, ?,
		?, ?, ?,
		?, ?,
		?, ?, ?, ?, ?,
		?, ?, ?,
		?, ?, ?,
		?, ?, ?,
		?, ?,
		?, ?
	)
	ON CONFLICT(id) DO UPDATE SET
		apple_row_id          = COALESCE(excluded.apple_row_id, messages.apple_row_id),
		message_id            = excluded.message_id,
		mailbox_id            = excluded.mailbox_id,
		mailbox_name          = excluded.mailbox_name,
		account_id            = excluded.account_id,
		subject               = excluded.subject,
		sender_name           = excluded.sender_name,
		sender_email          = excluded.sender_email,
		date_sent             = excluded.date_sent,
		date_received         = excluded.date_received,
		is_read               = excluded.is_read,
		is_flagged            = excluded.is_flagged,
		is_deleted            = excluded.is_deleted,
		has_attachments       = excluded.has_attachments,
		size                  = excluded.size,
		body_text             = COALESCE(excluded.body_text, messages.body_text),
		body_html             = COALESCE(excluded.body_html, messages.body_html),
		export_path           = COALESCE(excluded.export_path, messages.export_path),
		mailbox_status        = CASE
			WHEN excluded.pending_sync_action = 'none' AND messages.pending_sync_action != 'none'
				THEN messages.mailbox_status
			ELSE excluded.mailbox_status
		END,
		pending_sync_action   = CASE
			WHEN excluded.pending_sync_action = 'none' THEN messages.pending_sync_action
			ELSE excluded.pending_sync_action
		END,
		last_known_mailbox_id = COALESCE(excluded.last_known_mailbox_id, messages.last_known_mailbox_id),
		thread_id             = COALESCE(excluded.thread_id, messages.thread_id),
		in_reply_to           = excluded.in_reply_to,
		message_references    = excluded.message_references,
		thread_position       = COALESCE(excluded.thread_position, messages.thread_position),
		thread_total          = COALESCE(excluded.thread_total, messages.thread_total),
		updated_at            = excluded.updated_at`

// upsertMessageTx writes msg with its recipients and attachments and reports
// whether the row was new.
func upsertMessageTx(ctx context.Context, tx *sqlx.Tx, msg model.Message, now time.Time) (bool, error) {
	var existing int
	if err := tx.GetContext(ctx, &existing,
		"SELECT COUNT(*) FROM messages WHERE id = ?", msg.ID); err != nil {
		return false, fmt.Errorf("checking message %s: %w", msg.ID, err)
	}

	status := msg.MailboxStatus
	if status == "" {
		status = model.MailboxStatusInbox
	}
	action := msg.PendingSyncAction
	if action == "" {
		action = model.SyncActionNone
	}

	var appleRowID sql.NullInt64
	if msg.AppleRowID != nil {
		appleRowID = sql.NullInt64{Int64: *msg.AppleRowID, Valid: true}
	}
	refs, _ := header.EncodeReferences(msg.References)

	_, err := tx.ExecContext(ctx, upsertMessageQuery,
		msg.ID, appleRowID, nullString(msg.MessageID),
		msg.MailboxID, msg.MailboxName, msg.AccountID,
		msg.Subject, msg.Sender.Name, msg.Sender.Email,
		unixTime(msg.DateSent), unixTime(msg.DateReceived),
		boolToInt(msg.IsRead), boolToInt(msg.IsFlagged),
		boolToInt(msg.IsDeleted), boolToInt(msg.HasAttachments), msg.Size,
		nullString(msg.BodyText), nullString(msg.BodyHTML), nullString(msg.ExportPath),
		string(status), string(action), nullString(msg.LastKnownMailboxID),
		nullString(msg.ThreadID), nullString(msg.InReplyTo), nullString(refs),
		nullInt(msg.ThreadPosition), nullInt(msg.ThreadTotal),
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("upserting message %s: %w", msg.ID, err)
	}

	if err := replaceRecipientsTx(ctx, tx, msg.ID, msg.Recipients); err != nil {
		return false, err
	}
	if err := replaceAttachmentsTx(ctx, tx, msg.ID, msg.Attachments); err != nil {
		return false, err
	}

	return existing == 0, nil
}

func replaceRecipientsTx(ctx context.Context, tx *sqlx.Tx, messageID string, recipients []model.Recipient) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM recipients WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("clearing recipients of %s: %w", messageID, err)
	}
	for _, r := range recipients {
		kind := r.Type
		if kind == "" {
			kind = model.RecipientTo
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO recipients (message_id, kind, name, email) VALUES (?, ?, ?, ?)",
			messageID, kind, r.Name, strings.ToLower(r.Email),
		)
		if err != nil {
			return fmt.Errorf("inserting recipient of %s: %w", messageID, err)
		}
	}
	return nil
}

func replaceAttachmentsTx(ctx context.Context, tx *sqlx.Tx, messageID string, attachments []model.Attachment) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM attachments WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("clearing attachments of %s: %w", messageID, err)
	}
	for _, a := range attachments {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO attachments (message_id, filename, content_type, size) VALUES (?, ?, ?, ?)",
			messageID, a.Filename, a.MIMEType, a.Size,
		)
		if err != nil {
			return fmt.Errorf("inserting attachment of %s: %w", messageID, err)
		}
	}
	return nil
}

// UpsertMessage inserts msg or replaces the stored message with the same id.
func (s *SQLiteStore) UpsertMessage(ctx context.Context, msg model.Message) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := validateMessage(msg); err != nil {
		return err
	}

	return s.inTx(ctx, "upsert message", func(tx *sqlx.Tx) error {
		_, err := upsertMessageTx(ctx, tx, msg, time.Now())
		return err
	})
}

// GetMessage returns the message with the given local id, including its
// recipients and attachments.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.getMessageWhere(ctx, "id = ?", id)
}

// GetMessageByAppleRowID returns the message imported from the given
// envelope index row.
func (s *SQLiteStore) GetMessageByAppleRowID(ctx context.Context, rowID int64) (*model.Message, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.getMessageWhere(ctx, "apple_row_id = ?", rowID)
}

func (s *SQLiteStore) getMessageWhere(ctx context.Context, where string, arg interface{}) (*model.Message, error) {
	var row messageRow
	query := "SELECT " + selectMessageColumns("") + " FROM messages WHERE " + where + " LIMIT 1"
	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %v", ErrMessageNotFound, arg)
		}
		return nil, queryError("getting message", err)
	}

	msg := row.toModel()

	var recipients []struct {
		Kind  string `db:"kind"`
		Name  string `db:"name"`
		Email string `db:"email"`
	}
	if err := s.db.SelectContext(ctx, &recipients,
		"SELECT kind, name, email FROM recipients WHERE message_id = ? ORDER BY id",
		msg.ID); err != nil {
		return nil, queryError("getting recipients", err)
	}
	for _, r := range recipients {
		msg.Recipients = append(msg.Recipients, model.Recipient{Type: r.Kind, Name: r.Name, Email: r.Email})
	}

	var attachments []struct {
		Filename    string `db:"filename"`
		ContentType string `db:"content_type"`
		Size        int64  `db:"size"`
	}
	if err := s.db.SelectContext(ctx, &attachments,
		"SELECT filename, content_type, size FROM attachments WHERE message_id = ? ORDER BY id",
		msg.ID); err != nil {
		return nil, queryError("getting attachments", err)
	}
	for _, a := range attachments {
		msg.Attachments = append(msg.Attachments, model.Attachment{
			Filename: a.Filename,
			MIMEType: a.ContentType,
			Size:     a.Size,
		})
	}

	return &msg, nil
}

// updateMessage runs a single-row UPDATE on messages and maps "no rows" to
// ErrMessageNotFound.
func (s *SQLiteStore) updateMessage(
	ctx context.Context,
	op string,
	id string,
	set string,
	args ...interface{},
) error {
	if err := s.ready(); err != nil {
		return err
	}

	args = append(args, time.Now().Unix(), id)
	result, err := s.exec(ctx, op,
		"UPDATE messages SET "+set+", updated_at = ? WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return queryError(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return nil
}

// UpdateExportPath records where the exporter wrote the message.
func (s *SQLiteStore) UpdateExportPath(ctx context.Context, id, path string) error {
	return s.updateMessage(ctx, "updating export path", id, "export_path = ?", nullString(path))
}

// UpdateBody stores the message bodies.
func (s *SQLiteStore) UpdateBody(ctx context.Context, id, text, html string) error {
	return s.updateMessage(ctx, "updating body", id,
		"body_text = ?, body_html = ?", nullString(text), nullString(html))
}

// UpdateMailboxStatus sets the local mailbox status.
func (s *SQLiteStore) UpdateMailboxStatus(ctx context.Context, id string, status model.MailboxStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid mailbox status %q", status)
	}
	return s.updateMessage(ctx, "updating mailbox status", id, "mailbox_status = ?", string(status))
}

// SetPendingSyncAction records an action still owed to the external store.
func (s *SQLiteStore) SetPendingSyncAction(ctx context.Context, id string, action model.SyncAction) error {
	if !action.Valid() {
		return fmt.Errorf("invalid sync action %q", action)
	}
	return s.updateMessage(ctx, "setting pending sync action", id, "pending_sync_action = ?", string(action))
}

// ClearPendingSyncAction marks the external action done and remembers the
// mailbox the message now lives in.
func (s *SQLiteStore) ClearPendingSyncAction(ctx context.Context, id, mailboxID string) error {
	return s.updateMessage(ctx, "clearing pending sync action", id,
		"pending_sync_action = 'none', last_known_mailbox_id = COALESCE(?, last_known_mailbox_id)",
		nullString(mailboxID))
}

// StageSyncAction sets the mailbox status and the pending action in a single
// write, so no reader ever sees one without the other.
func (s *SQLiteStore) StageSyncAction(
	ctx context.Context,
	id string,
	status model.MailboxStatus,
	action model.SyncAction,
) error {
	if !status.Valid() {
		return fmt.Errorf("invalid mailbox status %q", status)
	}
	if !action.Valid() {
		return fmt.Errorf("invalid sync action %q", action)
	}
	return s.updateMessage(ctx, "staging sync action", id,
		"mailbox_status = ?, pending_sync_action = ?", string(status), string(action))
}

// UpdateMessageFlags sets the read and flagged state.
func (s *SQLiteStore) UpdateMessageFlags(ctx context.Context, id string, isRead, isFlagged bool) error {
	return s.updateMessage(ctx, "updating flags", id,
		"is_read = ?, is_flagged = ?", boolToInt(isRead), boolToInt(isFlagged))
}

// MarkMessageDeleted soft-deletes a message. The row is kept so its id and
// thread membership stay stable.
func (s *SQLiteStore) MarkMessageDeleted(ctx context.Context, id string) error {
	return s.updateMessage(ctx, "marking message deleted", id, "is_deleted = 1")
}

func (s *SQLiteStore) selectMessages(ctx context.Context, op, query string, args ...interface{}) ([]model.Message, error) {
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, queryError(op, err)
	}
	return rowsToMessages(rows), nil
}

// GetMessagesWithPendingActions returns every live message that still owes
// an external action, oldest first.
func (s *SQLiteStore) GetMessagesWithPendingActions(ctx context.Context) ([]model.Message, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.selectMessages(ctx, "listing pending actions",
		"SELECT "+selectMessageColumns("")+` FROM messages
		WHERE pending_sync_action != 'none' AND is_deleted = 0
		ORDER BY date_received ASC, id ASC`)
}

// GetMessagesByStatus returns live messages with the given mailbox status,
// newest first.
func (s *SQLiteStore) GetMessagesByStatus(
	ctx context.Context,
	status model.MailboxStatus,
	limit, offset int,
) ([]model.Message, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	limit, offset = pageArgs(limit, offset)
	return s.selectMessages(ctx, "listing messages by status",
		"SELECT "+selectMessageColumns("")+` FROM messages
		WHERE mailbox_status = ? AND is_deleted = 0
		ORDER BY date_received DESC, id ASC
		LIMIT ? OFFSET ?`,
		string(status), limit, offset)
}

// GetMessageCountByStatus counts live messages per mailbox status. Every
// status is present in the result.
func (s *SQLiteStore) GetMessageCountByStatus(ctx context.Context) (map[model.MailboxStatus]int, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var rows []struct {
		Status string `db:"mailbox_status"`
		Count  int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT mailbox_status, COUNT(*) AS n FROM messages
		WHERE is_deleted = 0
		GROUP BY mailbox_status`); err != nil {
		return nil, queryError("counting messages by status", err)
	}

	counts := make(map[model.MailboxStatus]int, len(model.MailboxStatuses))
	for _, st := range model.MailboxStatuses {
		counts[st] = 0
	}
	for _, r := range rows {
		counts[model.MailboxStatus(r.Status)] = r.Count
	}
	return counts, nil
}

// GetMessageStatusSnapshots returns the flags and mailbox status of every
// live message.
func (s *SQLiteStore) GetMessageStatusSnapshots(ctx context.Context) ([]model.MessageStatusSnapshot, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var snaps []model.MessageStatusSnapshot
	if err := s.db.SelectContext(ctx, &snaps, `
		SELECT id, apple_row_id, is_read, is_flagged, mailbox_status FROM messages
		WHERE is_deleted = 0
		ORDER BY id`); err != nil {
		return nil, queryError("listing status snapshots", err)
	}
	return snaps, nil
}

// GetUnthreadedMessages returns up to limit live messages with no thread,
// oldest first.
func (s *SQLiteStore) GetUnthreadedMessages(ctx context.Context, limit int) ([]model.Message, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	limit, _ = pageArgs(limit, 0)
	return s.selectMessages(ctx, "listing unthreaded messages",
		"SELECT "+selectMessageColumns("")+` FROM messages
		WHERE thread_id IS NULL AND is_deleted = 0
		ORDER BY date_received ASC, id ASC
		LIMIT ?`, limit)
}
