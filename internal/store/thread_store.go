package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailindex/internal/model"
)

// positionBatchThreshold is the member count above which thread positions
// are written by one windowed UPDATE instead of one UPDATE per message.
const positionBatchThreshold = 10

// ThreadAssignment places one message in a thread.
type ThreadAssignment struct {
	ThreadID  string
	MessageID string

	// Subject, SenderEmail and Date seed a thread that does not exist yet.
	Subject     string
	SenderEmail string
	Date        time.Time
}

// AssignResult reports what AssignThread changed.
type AssignResult struct {
	// Created is set when the thread row did not exist before.
	Created bool
	// PreviousThreadID is the thread the message left, if it moved.
	PreviousThreadID string
}

// ParticipantRow is one message's sender within a thread.
type ParticipantRow struct {
	ThreadID string
	Name     string
	Email    string
	Date     time.Time
}

type participantRow struct {
	ThreadID string        `db:"thread_id"`
	Name     string        `db:"sender_name"`
	Email    string        `db:"sender_email"`
	Date     sql.NullInt64 `db:"msg_date"`
}

type threadRow struct {
	ID               string        `db:"id"`
	Subject          string        `db:"subject"`
	ParticipantCount int           `db:"participant_count"`
	MessageCount     int           `db:"message_count"`
	FirstDate        sql.NullInt64 `db:"first_date"`
	LastDate         sql.NullInt64 `db:"last_date"`
	CreatedAt        int64         `db:"created_at"`
	UpdatedAt        int64         `db:"updated_at"`
}

const threadColumns = `id, subject, participant_count, message_count,
	first_date, last_date, created_at, updated_at`

func (r threadRow) toModel() model.Thread {
	return model.Thread{
		ID:               r.ID,
		Subject:          r.Subject,
		ParticipantCount: r.ParticipantCount,
		MessageCount:     r.MessageCount,
		FirstDate:        fromUnix(r.FirstDate),
		LastDate:         fromUnix(r.LastDate),
		CreatedAt:        time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt:        time.Unix(r.UpdatedAt, 0).UTC(),
	}
}

func rowsToThreads(rows []threadRow) []model.Thread {
	threads := make([]model.Thread, 0, len(rows))
	for _, r := range rows {
		threads = append(threads, r.toModel())
	}
	return threads
}

// GetThread returns a thread by id.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var row threadRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+threadColumns+" FROM threads WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
		}
		return nil, queryError("getting thread", err)
	}
	t := row.toModel()
	return &t, nil
}

// GetThreadsByIDs returns the threads among ids that exist, most recent
// first.
func (s *SQLiteStore) GetThreadsByIDs(ctx context.Context, ids []string) ([]model.Thread, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []model.Thread{}, nil
	}

	query, args, err := sqlx.In(
		"SELECT "+threadColumns+" FROM threads WHERE id IN (?) ORDER BY last_date DESC, id ASC", ids)
	if err != nil {
		return nil, fmt.Errorf("building thread query: %w", err)
	}

	var rows []threadRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, queryError("getting threads", err)
	}
	return rowsToThreads(rows), nil
}

// ListThreads returns threads ordered by most recent activity.
func (s *SQLiteStore) ListThreads(ctx context.Context, limit, offset int) ([]model.Thread, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	limit, offset = pageArgs(limit, offset)
	var rows []threadRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT "+threadColumns+` FROM threads
		ORDER BY last_date DESC, id ASC
		LIMIT ? OFFSET ?`, limit, offset); err != nil {
		return nil, queryError("listing threads", err)
	}
	return rowsToThreads(rows), nil
}

// AssignThread places a message in a thread in one transaction: the thread
// row is created or has its aggregates recomputed, the message's thread_id
// is set and the membership row is added. A thread's subject is the
// subject of its earliest dated member.
func (s *SQLiteStore) AssignThread(ctx context.Context, a ThreadAssignment) (AssignResult, error) {
	if err := s.ready(); err != nil {
		return AssignResult{}, err
	}
	if a.ThreadID == "" || a.MessageID == "" {
		return AssignResult{}, errors.New("thread id and message id are required")
	}

	var res AssignResult
	err := s.inTx(ctx, "assign thread", func(tx *sqlx.Tx) error {
		res = AssignResult{}
		now := time.Now().Unix()

		var previous sql.NullString
		err := tx.GetContext(ctx, &previous,
			"SELECT thread_id FROM messages WHERE id = ?", a.MessageID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, a.MessageID)
		}
		if err != nil {
			return fmt.Errorf("reading message %s: %w", a.MessageID, err)
		}

		var exists int
		if err := tx.GetContext(ctx, &exists,
			"SELECT COUNT(*) FROM threads WHERE id = ?", a.ThreadID); err != nil {
			return fmt.Errorf("checking thread %s: %w", a.ThreadID, err)
		}

		if exists == 0 {
			participants := 0
			if a.SenderEmail != "" {
				participants = 1
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO threads (
					id, subject, participant_count, message_count,
					first_date, last_date, created_at, updated_at
				) VALUES (?, ?, ?, 1, ?, ?, ?, ?)`,
				a.ThreadID, a.Subject, participants,
				unixTime(a.Date), unixTime(a.Date), now, now,
			)
			if err != nil {
				return fmt.Errorf("creating thread %s: %w", a.ThreadID, err)
			}
			res.Created = true
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE messages SET thread_id = ?, updated_at = ? WHERE id = ?",
			a.ThreadID, now, a.MessageID); err != nil {
			return fmt.Errorf("setting thread of %s: %w", a.MessageID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO thread_messages (thread_id, message_id, added_at)
			VALUES (?, ?, ?)`, a.ThreadID, a.MessageID, now); err != nil {
			return fmt.Errorf("linking %s to thread %s: %w", a.MessageID, a.ThreadID, err)
		}

		// A message whose headers changed leaves its old thread.
		if previous.Valid && previous.String != "" && previous.String != a.ThreadID {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM thread_messages WHERE thread_id = ? AND message_id = ?",
				previous.String, a.MessageID); err != nil {
				return fmt.Errorf("unlinking %s from thread %s: %w", a.MessageID, previous.String, err)
			}
			if err := recomputeThreadTx(ctx, tx, previous.String, now); err != nil {
				return err
			}
			res.PreviousThreadID = previous.String
		}

		if !res.Created {
			return recomputeThreadTx(ctx, tx, a.ThreadID, now)
		}
		return nil
	})
	if err != nil {
		return AssignResult{}, err
	}
	return res, nil
}

// recomputeThreadTx refreshes a thread's aggregates from its live members.
// The subject follows the earliest dated member, so it does not depend on
// processing order; later replies never replace it.
func recomputeThreadTx(ctx context.Context, tx *sqlx.Tx, threadID string, now int64) error {
	_, err := tx.ExecContext(ctx, `
		WITH members AS (
			SELECT m.id, m.subject, m.sender_email,
				COALESCE(m.date_sent, m.date_received) AS msg_date
			FROM thread_messages tm
			JOIN messages m ON m.id = tm.message_id
			WHERE tm.thread_id = ? AND m.is_deleted = 0
		)
		UPDATE threads SET
			subject           = COALESCE((
				SELECT subject FROM members
				ORDER BY msg_date IS NULL, msg_date ASC, id ASC
				LIMIT 1), subject),
			message_count     = (SELECT COUNT(*) FROM members),
			participant_count = (SELECT COUNT(DISTINCT LOWER(NULLIF(sender_email, ''))) FROM members),
			first_date        = (SELECT MIN(msg_date) FROM members),
			last_date         = (SELECT MAX(msg_date) FROM members),
			updated_at        = ?
		WHERE id = ?`, threadID, now, threadID)
	if err != nil {
		return fmt.Errorf("recomputing thread %s: %w", threadID, err)
	}
	return nil
}

// GetMessagesInThreadViaJunction returns the live members of a thread in
// chronological order.
func (s *SQLiteStore) GetMessagesInThreadViaJunction(
	ctx context.Context,
	threadID string,
	limit, offset int,
) ([]model.Message, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	limit, offset = pageArgs(limit, offset)
	return s.selectMessages(ctx, "listing thread messages",
		"SELECT "+selectMessageColumns("m")+` FROM thread_messages tm
		JOIN messages m ON m.id = tm.message_id
		WHERE tm.thread_id = ? AND m.is_deleted = 0
		ORDER BY m.date_received ASC, m.id ASC
		LIMIT ? OFFSET ?`, threadID, limit, offset)
}

// GetThreadsForMessage returns every thread the message belongs to.
func (s *SQLiteStore) GetThreadsForMessage(ctx context.Context, messageID string) ([]model.Thread, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var rows []threadRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT t.id, t.subject, t.participant_count, t.message_count,
			t.first_date, t.last_date, t.created_at, t.updated_at
		FROM thread_messages tm
		JOIN threads t ON t.id = tm.thread_id
		WHERE tm.message_id = ?
		ORDER BY t.last_date DESC, t.id ASC`, messageID); err != nil {
		return nil, queryError("listing threads for message", err)
	}
	return rowsToThreads(rows), nil
}

// UpdateThreadPositions numbers the live members of a thread 1..n by
// date_received (ties broken by id) and stores n as their thread total. It
// returns n.
func (s *SQLiteStore) UpdateThreadPositions(ctx context.Context, threadID string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	return s.updateThreadPositions(ctx, threadID, nil)
}

// updateThreadPositions picks the write strategy by member count unless
// forceBatch says otherwise. Both strategies produce the same positions.
func (s *SQLiteStore) updateThreadPositions(ctx context.Context, threadID string, forceBatch *bool) (int, error) {
	var total int
	err := s.inTx(ctx, "update thread positions", func(tx *sqlx.Tx) error {
		var ids []string
		if err := tx.SelectContext(ctx, &ids, `
			SELECT m.id FROM thread_messages tm
			JOIN messages m ON m.id = tm.message_id
			WHERE tm.thread_id = ? AND m.is_deleted = 0
			ORDER BY m.date_received ASC, m.id ASC`, threadID); err != nil {
			return fmt.Errorf("listing members of %s: %w", threadID, err)
		}
		total = len(ids)

		batch := total > positionBatchThreshold
		if forceBatch != nil {
			batch = *forceBatch
		}

		if batch {
			_, err := tx.ExecContext(ctx, `
				WITH ordered AS (
					SELECT m.id AS message_id,
						ROW_NUMBER() OVER (ORDER BY m.date_received ASC, m.id ASC) AS position
					FROM thread_messages tm
					JOIN messages m ON m.id = tm.message_id
					WHERE tm.thread_id = ? AND m.is_deleted = 0
				)
				UPDATE messages SET
					thread_position = (SELECT position FROM ordered WHERE ordered.message_id = messages.id),
					thread_total = ?
				WHERE id IN (SELECT message_id FROM ordered)`, threadID, total)
			if err != nil {
				return fmt.Errorf("numbering thread %s: %w", threadID, err)
			}
			return nil
		}

		for i, id := range ids {
			if _, err := tx.ExecContext(ctx,
				"UPDATE messages SET thread_position = ?, thread_total = ? WHERE id = ?",
				i+1, total, id); err != nil {
				return fmt.Errorf("numbering message %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// GetThreadParticipantRows returns the sender of every live message in the
// given threads, oldest message first within each thread.
func (s *SQLiteStore) GetThreadParticipantRows(ctx context.Context, threadIDs ...string) ([]ParticipantRow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if len(threadIDs) == 0 {
		return []ParticipantRow{}, nil
	}

	query, args, err := sqlx.In(`
		SELECT tm.thread_id, m.sender_name, m.sender_email,
			COALESCE(m.date_sent, m.date_received) AS msg_date
		FROM thread_messages tm
		JOIN messages m ON m.id = tm.message_id
		WHERE tm.thread_id IN (?) AND m.is_deleted = 0
		ORDER BY tm.thread_id ASC, msg_date ASC, m.id ASC`, threadIDs)
	if err != nil {
		return nil, fmt.Errorf("building participant query: %w", err)
	}

	var rows []participantRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, queryError("listing thread participants", err)
	}

	participants := make([]ParticipantRow, 0, len(rows))
	for _, r := range rows {
		participants = append(participants, ParticipantRow{
			ThreadID: r.ThreadID,
			Name:     r.Name,
			Email:    r.Email,
			Date:     fromUnix(r.Date),
		})
	}
	return participants, nil
}
