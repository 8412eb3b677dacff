package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhle/mailindex/internal/model"
	"github.com/nhle/mailindex/internal/store"
)

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// newMessage returns a minimal live message received minutes after baseTime.
func newMessage(id string, minutes int) model.Message {
	return model.Message{
		ID:           id,
		MessageID:    "<" + id + "@example.com>",
		MailboxID:    "1",
		MailboxName:  "INBOX",
		AccountID:    "imap.example.com",
		Subject:      "Subject " + id,
		Sender:       model.Sender{Name: "Alice", Email: "alice@example.com"},
		DateSent:     baseTime.Add(time.Duration(minutes) * time.Minute),
		DateReceived: baseTime.Add(time.Duration(minutes) * time.Minute),
	}
}

func mustUpsert(t *testing.T, s *store.SQLiteStore, msgs ...model.Message) {
	t.Helper()
	for _, m := range msgs {
		require.NoError(t, s.UpsertMessage(context.Background(), m))
	}
}

func messageIDs(msgs []model.Message) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}
