package testutil

import (
	"time"

	"github.com/nhle/mailindex/internal/model"
)

// BaseTime is the reference instant for message fixtures.
var BaseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// NewMessage returns a live inbox message received minutes after BaseTime
// with a Message-ID derived from id.
func NewMessage(id string, minutes int) model.Message {
	at := BaseTime.Add(time.Duration(minutes) * time.Minute)
	return model.Message{
		ID:            id,
		MessageID:     "<" + id + "@example.com>",
		MailboxID:     "1",
		MailboxName:   "INBOX",
		AccountID:     "imap.example.com",
		Subject:       "Subject " + id,
		Sender:        model.Sender{Name: "Alice", Email: "alice@example.com"},
		DateSent:      at,
		DateReceived:  at,
		MailboxStatus: model.MailboxStatusInbox,
	}
}
