package testutil

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// EnvelopeAddress is an addresses row of a fake envelope index.
type EnvelopeAddress struct {
	RowID   int64
	Address string
	Comment string
}

// EnvelopeMailbox is a mailboxes row of a fake envelope index.
type EnvelopeMailbox struct {
	RowID       int64
	URL         string
	TotalCount  int
	UnreadCount int
}

// EnvelopeMessage is a messages row of a fake envelope index. Subject is
// stored in the subjects table and referenced by row id.
type EnvelopeMessage struct {
	RowID        int64
	MessageID    string
	Sender       int64
	Subject      string
	DateSent     int64
	DateReceived int64
	Mailbox      int64
	Read         bool
	Flagged      bool
	Deleted      bool
	Size         int64
}

// EnvelopeFixture describes the contents of a fake envelope index.
type EnvelopeFixture struct {
	Addresses []EnvelopeAddress
	Mailboxes []EnvelopeMailbox
	Messages  []EnvelopeMessage

	// SkipTables names tables that are not created at all.
	SkipTables []string
}

// NewEnvelopeIndex writes a database shaped like the mail client's envelope
// index and returns its path.
func NewEnvelopeIndex(t *testing.T, fixture EnvelopeFixture) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "Envelope Index")
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		t.Fatalf("opening envelope index: %v", err)
	}
	defer db.Close()

	skip := make(map[string]bool, len(fixture.SkipTables))
	for _, name := range fixture.SkipTables {
		skip[name] = true
	}

	schema := map[string]string{
		"addresses": `CREATE TABLE addresses (ROWID INTEGER PRIMARY KEY, address TEXT, comment TEXT)`,
		"mailboxes": `CREATE TABLE mailboxes (ROWID INTEGER PRIMARY KEY, url TEXT,
			total_count INTEGER, unread_count INTEGER)`,
		"subjects": `CREATE TABLE subjects (ROWID INTEGER PRIMARY KEY, subject TEXT)`,
		"messages": `CREATE TABLE messages (ROWID INTEGER PRIMARY KEY, message_id TEXT,
			sender INTEGER, subject INTEGER, date_sent INTEGER, date_received INTEGER,
			mailbox INTEGER, read INTEGER, flagged INTEGER, deleted INTEGER, size INTEGER)`,
	}
	for _, name := range []string{"addresses", "mailboxes", "subjects", "messages"} {
		if skip[name] {
			continue
		}
		db.MustExec(schema[name])
	}

	if !skip["addresses"] {
		for _, a := range fixture.Addresses {
			db.MustExec("INSERT INTO addresses (ROWID, address, comment) VALUES (?, ?, ?)",
				a.RowID, a.Address, a.Comment)
		}
	}
	if !skip["mailboxes"] {
		for _, m := range fixture.Mailboxes {
			db.MustExec("INSERT INTO mailboxes (ROWID, url, total_count, unread_count) VALUES (?, ?, ?, ?)",
				m.RowID, m.URL, m.TotalCount, m.UnreadCount)
		}
	}
	if !skip["messages"] {
		for _, m := range fixture.Messages {
			var subjectID interface{}
			if !skip["subjects"] {
				res := db.MustExec("INSERT INTO subjects (subject) VALUES (?)", m.Subject)
				id, err := res.LastInsertId()
				if err != nil {
					t.Fatalf("inserting subject: %v", err)
				}
				subjectID = id
			}
			var msgID interface{}
			if m.MessageID != "" {
				msgID = m.MessageID
			}
			db.MustExec(`INSERT INTO messages (ROWID, message_id, sender, subject, date_sent,
				date_received, mailbox, read, flagged, deleted, size)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				m.RowID, msgID, m.Sender, subjectID, m.DateSent, m.DateReceived,
				m.Mailbox, flag(m.Read), flag(m.Flagged), flag(m.Deleted), m.Size)
		}
	}

	return path
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
