package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nhle/mailindex/internal/model"
)

// UpsertMailbox inserts or replaces a mailbox.
func (s *SQLiteStore) UpsertMailbox(ctx context.Context, mb model.Mailbox) error {
	if err := s.ready(); err != nil {
		return err
	}
	if mb.ID == "" {
		return errors.New("mailbox id is required")
	}

	_, err := s.exec(ctx, "upsert mailbox", `
		INSERT INTO mailboxes (id, account_id, name, url, total_count, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id   = excluded.account_id,
			name         = excluded.name,
			url          = excluded.url,
			total_count  = excluded.total_count,
			unread_count = excluded.unread_count,
			updated_at   = excluded.updated_at`,
		mb.ID, mb.AccountID, mb.Name, mb.URL, mb.TotalCount, mb.UnreadCount, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upserting mailbox %s: %w", mb.ID, err)
	}
	return nil
}

type mailboxRow struct {
	ID          string `db:"id"`
	AccountID   string `db:"account_id"`
	Name        string `db:"name"`
	URL         string `db:"url"`
	TotalCount  int    `db:"total_count"`
	UnreadCount int    `db:"unread_count"`
}

func (r mailboxRow) toModel() model.Mailbox {
	return model.Mailbox{
		ID:          r.ID,
		AccountID:   r.AccountID,
		Name:        r.Name,
		URL:         r.URL,
		TotalCount:  r.TotalCount,
		UnreadCount: r.UnreadCount,
	}
}

// GetMailbox returns a mailbox by id.
func (s *SQLiteStore) GetMailbox(ctx context.Context, id string) (*model.Mailbox, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var row mailboxRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, account_id, name, url, total_count, unread_count
		FROM mailboxes WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("mailbox %s not found", id)
		}
		return nil, queryError("getting mailbox", err)
	}
	mb := row.toModel()
	return &mb, nil
}

// ListMailboxes returns every mailbox ordered by account and name.
func (s *SQLiteStore) ListMailboxes(ctx context.Context) ([]model.Mailbox, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var rows []mailboxRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, account_id, name, url, total_count, unread_count
		FROM mailboxes ORDER BY account_id, name, id`); err != nil {
		return nil, queryError("listing mailboxes", err)
	}

	mailboxes := make([]model.Mailbox, 0, len(rows))
	for _, r := range rows {
		mailboxes = append(mailboxes, r.toModel())
	}
	return mailboxes, nil
}

// UpsertAddress inserts or replaces a known correspondent. Emails are stored
// lowercased.
func (s *SQLiteStore) UpsertAddress(ctx context.Context, addr model.Address) error {
	if err := s.ready(); err != nil {
		return err
	}

	_, err := s.exec(ctx, "upsert address",
		"INSERT OR REPLACE INTO addresses (id, email, name) VALUES (?, ?, ?)",
		addr.ID, strings.ToLower(addr.Email), addr.Name,
	)
	if err != nil {
		return fmt.Errorf("upserting address %d: %w", addr.ID, err)
	}
	return nil
}

// GetAddress returns a correspondent by id.
func (s *SQLiteStore) GetAddress(ctx context.Context, id int64) (*model.Address, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var addr model.Address
	err := s.db.QueryRowxContext(ctx,
		"SELECT id, email, name FROM addresses WHERE id = ?", id,
	).Scan(&addr.ID, &addr.Email, &addr.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("address %d not found", id)
		}
		return nil, queryError("getting address", err)
	}
	return &addr, nil
}
