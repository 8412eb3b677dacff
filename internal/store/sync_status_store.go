package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailindex/internal/model"
)

// Keys of the sync_status table.
const (
	syncKeyState      = "state"
	syncKeyRunID      = "run_id"
	syncKeyAdded      = "messages_added"
	syncKeyUpdated    = "messages_updated"
	syncKeyDeleted    = "messages_deleted"
	syncKeyUnchanged  = "messages_unchanged"
	syncKeyStartedAt  = "started_at"
	syncKeyFinishedAt = "finished_at"
	syncKeyLastError  = "last_error"
)

// GetSyncStatus loads the persisted sync status. A store that has never
// synced reports the idle state.
func (s *SQLiteStore) GetSyncStatus(ctx context.Context) (*model.SyncStatusSummary, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &rows, "SELECT key, value FROM sync_status"); err != nil {
		return nil, queryError("reading sync status", err)
	}

	values := make(map[string]string, len(rows))
	for _, r := range rows {
		values[r.Key] = r.Value
	}

	summary := model.NewSyncStatusSummary()
	if st, ok := values[syncKeyState]; ok && st != "" {
		summary.State = model.SyncState(st)
	}
	summary.RunID = values[syncKeyRunID]
	summary.LastError = values[syncKeyLastError]
	summary.Counts = model.SyncCounts{
		MessagesAdded:     atoi(values[syncKeyAdded]),
		MessagesUpdated:   atoi(values[syncKeyUpdated]),
		MessagesDeleted:   atoi(values[syncKeyDeleted]),
		MessagesUnchanged: atoi(values[syncKeyUnchanged]),
	}
	summary.StartedAt = parseStatusTime(values[syncKeyStartedAt])
	summary.FinishedAt = parseStatusTime(values[syncKeyFinishedAt])

	return summary, nil
}

// SaveSyncStatus persists every field of summary in one transaction.
func (s *SQLiteStore) SaveSyncStatus(ctx context.Context, summary *model.SyncStatusSummary) error {
	if err := s.ready(); err != nil {
		return err
	}

	values := map[string]string{
		syncKeyState:      string(summary.State),
		syncKeyRunID:      summary.RunID,
		syncKeyAdded:      strconv.Itoa(summary.Counts.MessagesAdded),
		syncKeyUpdated:    strconv.Itoa(summary.Counts.MessagesUpdated),
		syncKeyDeleted:    strconv.Itoa(summary.Counts.MessagesDeleted),
		syncKeyUnchanged:  strconv.Itoa(summary.Counts.MessagesUnchanged),
		syncKeyStartedAt:  formatStatusTime(summary.StartedAt),
		syncKeyFinishedAt: formatStatusTime(summary.FinishedAt),
		syncKeyLastError:  summary.LastError,
	}

	return s.inTx(ctx, "save sync status", func(tx *sqlx.Tx) error {
		now := time.Now().Unix()
		for k, v := range values {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO sync_status (key, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET
					value      = excluded.value,
					updated_at = excluded.updated_at`, k, v, now)
			if err != nil {
				return fmt.Errorf("saving sync status %s: %w", k, err)
			}
		}
		return nil
	})
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func formatStatusTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStatusTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
