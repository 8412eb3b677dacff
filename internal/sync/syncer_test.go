package sync_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailindex/internal/cache"
	"github.com/nhle/mailindex/internal/ingest"
	"github.com/nhle/mailindex/internal/model"
	"github.com/nhle/mailindex/internal/store"
	"github.com/nhle/mailindex/internal/sync"
	"github.com/nhle/mailindex/internal/threading"
	"github.com/nhle/mailindex/tests/testutil"
)

func newSyncer(t *testing.T) (*sync.Syncer, *store.SQLiteStore) {
	t.Helper()
	s := testutil.NewTestStore(t)
	threads, err := cache.NewThreadCache(16)
	require.NoError(t, err)
	return sync.NewSyncer(s, threading.NewService(s, threads)), s
}

func conversation() []model.Message {
	root := testutil.NewMessage("root", 0)
	reply := testutil.NewMessage("reply", 5)
	reply.InReplyTo = root.MessageID
	reply.References = []string{root.MessageID}
	other := testutil.NewMessage("other", 10)
	return []model.Message{root, reply, other}
}

func TestSyncAddsAndThreads(t *testing.T) {
	ctx := context.Background()
	syncer, s := newSyncer(t)

	summary, err := syncer.Sync(ctx, conversation(), sync.Options{})
	require.NoError(t, err)
	assert.Equal(t, model.SyncSuccess, summary.State)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, model.SyncCounts{MessagesAdded: 3}, summary.Counts)
	require.NotNil(t, summary.StartedAt)
	require.NotNil(t, summary.FinishedAt)

	stored, err := syncer.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, summary.State, stored.State)
	assert.Equal(t, summary.RunID, stored.RunID)
	assert.Equal(t, summary.Counts, stored.Counts)

	root, err := s.GetMessage(ctx, "root")
	require.NoError(t, err)
	reply, err := s.GetMessage(ctx, "reply")
	require.NoError(t, err)
	other, err := s.GetMessage(ctx, "other")
	require.NoError(t, err)

	assert.NotEmpty(t, root.ThreadID)
	assert.Equal(t, root.ThreadID, reply.ThreadID)
	assert.NotEqual(t, root.ThreadID, other.ThreadID)

	assert.Equal(t, 1, root.ThreadPosition)
	assert.Equal(t, 2, reply.ThreadPosition)
	assert.Equal(t, 2, reply.ThreadTotal)
	assert.Equal(t, 1, other.ThreadTotal)
}

func TestSyncDiffsAgainstSnapshots(t *testing.T) {
	ctx := context.Background()
	syncer, s := newSyncer(t)

	msgs := conversation()
	_, err := syncer.Sync(ctx, msgs, sync.Options{})
	require.NoError(t, err)

	summary, err := syncer.Sync(ctx, msgs, sync.Options{})
	require.NoError(t, err)
	assert.Equal(t, model.SyncCounts{MessagesUnchanged: 3}, summary.Counts)

	require.NoError(t, s.UpdateMailboxStatus(ctx, "reply", model.MailboxStatusArchived))

	msgs[1].IsRead = true
	msgs[1].MailboxStatus = ""
	summary, err = syncer.Sync(ctx, msgs, sync.Options{})
	require.NoError(t, err)
	assert.Equal(t, model.SyncCounts{MessagesUpdated: 1, MessagesUnchanged: 2}, summary.Counts)

	reply, err := s.GetMessage(ctx, "reply")
	require.NoError(t, err)
	assert.True(t, reply.IsRead)
	assert.Equal(t, model.MailboxStatusArchived, reply.MailboxStatus)
}

func TestSyncDetectsDeletions(t *testing.T) {
	ctx := context.Background()
	syncer, s := newSyncer(t)

	msgs := conversation()
	_, err := syncer.Sync(ctx, msgs, sync.Options{})
	require.NoError(t, err)

	// A partial listing never deletes.
	summary, err := syncer.Sync(ctx, msgs[:2], sync.Options{})
	require.NoError(t, err)
	assert.Zero(t, summary.Counts.MessagesDeleted)

	summary, err = syncer.Sync(ctx, msgs[:2], sync.Options{DetectDeletions: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Counts.MessagesDeleted)

	other, err := s.GetMessage(ctx, "other")
	require.NoError(t, err)
	assert.True(t, other.IsDeleted)
}

func TestSyncRecoversFromInterruptedRun(t *testing.T) {
	ctx := context.Background()
	syncer, s := newSyncer(t)

	stale := model.NewSyncStatusSummary()
	require.NoError(t, stale.Start("stale-run", testutil.BaseTime))
	require.NoError(t, s.SaveSyncStatus(ctx, stale))

	summary, err := syncer.Sync(ctx, conversation(), sync.Options{})
	require.NoError(t, err)
	assert.Equal(t, model.SyncSuccess, summary.State)
	assert.NotEqual(t, "stale-run", summary.RunID)
}

func TestSyncFiles(t *testing.T) {
	ctx := context.Background()
	syncer, s := newSyncer(t)

	dir := t.TempDir()
	good := filepath.Join(dir, "good.eml")
	raw := "Message-ID: <file@example.com>\r\nFrom: a@example.com\r\nSubject: From disk\r\n" +
		"Date: Tue, 05 Mar 2024 11:00:00 +0000\r\n\r\nhello\r\n"
	require.NoError(t, os.WriteFile(good, []byte(raw), 0o644))

	summary, err := syncer.SyncFiles(ctx,
		[]string{good, filepath.Join(dir, "missing.eml")},
		ingest.MailboxRef{ID: "1", Name: "INBOX", AccountID: "local"},
		sync.Options{},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Counts.MessagesAdded)

	result, err := s.Search(ctx, "subject:disk", 10)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, "<file@example.com>", result.Messages[0].MessageID)
	assert.NotEmpty(t, result.Messages[0].ThreadID)
}

func TestImportEnvelopeIndex(t *testing.T) {
	ctx := context.Background()
	syncer, s := newSyncer(t)

	path := testutil.NewEnvelopeIndex(t, testutil.EnvelopeFixture{
		Addresses: []testutil.EnvelopeAddress{
			{RowID: 1, Address: "alice@example.com", Comment: "Alice"},
		},
		Mailboxes: []testutil.EnvelopeMailbox{
			{RowID: 10, URL: "imap://alice@imap.example.com/INBOX", TotalCount: 2},
		},
		Messages: []testutil.EnvelopeMessage{
			{RowID: 100, MessageID: "<one@example.com>", Sender: 1, Subject: "Hello",
				DateSent: 1700000000, DateReceived: 1700000060, Mailbox: 10},
			{RowID: 101, Sender: 1, Subject: "No id",
				DateSent: 1700000100, DateReceived: 1700000160, Mailbox: 10},
		},
	})

	result, err := syncer.ImportEnvelopeIndex(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, store.BulkCopyResult{
		AddressCount: 1,
		MailboxCount: 1,
		MessageCount: 2,
		TotalCount:   4,
	}, result.Copy)
	assert.Equal(t, 2, result.Threaded)
	assert.False(t, s.EnvelopeIndexAttached())

	unthreaded, err := s.GetUnthreadedMessages(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, unthreaded)

	// A second import copies again but has nothing left to thread.
	result, err = syncer.ImportEnvelopeIndex(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Copy.MessageCount)
	assert.Zero(t, result.Threaded)
}

func TestImportEnvelopeIndexMissing(t *testing.T) {
	ctx := context.Background()
	syncer, _ := newSyncer(t)

	_, err := syncer.ImportEnvelopeIndex(ctx, filepath.Join(t.TempDir(), "nope"))
	require.ErrorIs(t, err, store.ErrEnvelopeIndexNotFound)

	status, err := syncer.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncFailed, status.State)
	assert.NotEmpty(t, status.LastError)
}
