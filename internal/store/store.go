package store

import (
	"context"

	"github.com/nhle/mailindex/internal/model"
)

// Store defines the persistence interface for the local mail index:
// messages, mailboxes, threads, sync state and envelope index import.
type Store interface {
	// === Lifecycle ===

	Initialize(ctx context.Context) error
	Close() error

	// === Messages ===

	UpsertMessage(ctx context.Context, msg model.Message) error
	BatchUpsertMessages(ctx context.Context, msgs []model.Message) (*BatchResult, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	GetMessageByAppleRowID(ctx context.Context, rowID int64) (*model.Message, error)
	UpdateExportPath(ctx context.Context, id, path string) error
	UpdateBody(ctx context.Context, id, text, html string) error
	UpdateMessageFlags(ctx context.Context, id string, isRead, isFlagged bool) error
	MarkMessageDeleted(ctx context.Context, id string) error
	GetMessageStatusSnapshots(ctx context.Context) ([]model.MessageStatusSnapshot, error)
	GetUnthreadedMessages(ctx context.Context, limit int) ([]model.Message, error)
	Search(ctx context.Context, query string, limit int) (*SearchResult, error)

	// === Mailboxes and addresses ===

	UpsertMailbox(ctx context.Context, mb model.Mailbox) error
	GetMailbox(ctx context.Context, id string) (*model.Mailbox, error)
	ListMailboxes(ctx context.Context) ([]model.Mailbox, error)
	UpsertAddress(ctx context.Context, addr model.Address) error
	GetAddress(ctx context.Context, id int64) (*model.Address, error)

	// === Backward sync ===

	UpdateMailboxStatus(ctx context.Context, id string, status model.MailboxStatus) error
	SetPendingSyncAction(ctx context.Context, id string, action model.SyncAction) error
	ClearPendingSyncAction(ctx context.Context, id, mailboxID string) error
	StageSyncAction(ctx context.Context, id string, status model.MailboxStatus, action model.SyncAction) error
	GetMessagesWithPendingActions(ctx context.Context) ([]model.Message, error)
	GetMessagesByStatus(ctx context.Context, status model.MailboxStatus, limit, offset int) ([]model.Message, error)
	GetMessageCountByStatus(ctx context.Context) (map[model.MailboxStatus]int, error)

	// === Threads ===

	GetThread(ctx context.Context, id string) (*model.Thread, error)
	GetThreadsByIDs(ctx context.Context, ids []string) ([]model.Thread, error)
	ListThreads(ctx context.Context, limit, offset int) ([]model.Thread, error)
	AssignThread(ctx context.Context, a ThreadAssignment) (AssignResult, error)
	GetMessagesInThreadViaJunction(ctx context.Context, threadID string, limit, offset int) ([]model.Message, error)
	GetThreadsForMessage(ctx context.Context, messageID string) ([]model.Thread, error)
	UpdateThreadPositions(ctx context.Context, threadID string) (int, error)
	GetThreadParticipantRows(ctx context.Context, threadIDs ...string) ([]ParticipantRow, error)

	// === Envelope index import ===

	AttachEnvelopeIndex(ctx context.Context, path string) error
	DetachEnvelopeIndex(ctx context.Context) error
	EnvelopeIndexAttached() bool
	CopyAddresses(ctx context.Context) (int, error)
	CopyMailboxes(ctx context.Context) (int, error)
	CopyMessages(ctx context.Context) (int, error)
	PerformBulkCopy(ctx context.Context) (*BulkCopyResult, error)

	// === Sync status ===

	GetSyncStatus(ctx context.Context) (*model.SyncStatusSummary, error)
	SaveSyncStatus(ctx context.Context, summary *model.SyncStatusSummary) error

	// === Introspection ===

	SchemaVersion(ctx context.Context) (int, error)
	MigrationHistory(ctx context.Context) ([]MigrationRecord, error)
	TableExists(ctx context.Context, name string) (bool, error)
	Columns(ctx context.Context, table string) ([]string, error)
	Indexes(ctx context.Context, table string) ([]string, error)
	ExplainQueryPlan(ctx context.Context, query string, args ...interface{}) ([]string, error)
}

var _ Store = (*SQLiteStore)(nil)
