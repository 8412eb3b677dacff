package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailindex/internal/header"
	"github.com/nhle/mailindex/internal/model"
	"github.com/nhle/mailindex/internal/store"
	"github.com/nhle/mailindex/tests/testutil"
)

func envelopeFixture() testutil.EnvelopeFixture {
	return testutil.EnvelopeFixture{
		Addresses: []testutil.EnvelopeAddress{
			{RowID: 1, Address: "Alice@Example.com", Comment: "Alice"},
			{RowID: 2, Address: "bob@example.com", Comment: "Bob"},
		},
		Mailboxes: []testutil.EnvelopeMailbox{
			{RowID: 10, URL: "imap://alice@imap.example.com/INBOX", TotalCount: 2, UnreadCount: 1},
			{RowID: 11, URL: "imap://alice@imap.example.com/Archive%20Old", TotalCount: 1},
		},
		Messages: []testutil.EnvelopeMessage{
			{
				RowID: 100, MessageID: "<one@example.com>", Sender: 1, Subject: "Hello",
				DateSent: 1700000000, DateReceived: 1700000060, Mailbox: 10, Size: 1234,
			},
			{
				RowID: 101, MessageID: "<two@example.com>", Sender: 2, Subject: "Re: Hello",
				DateSent: 1700000100, DateReceived: 1700000160, Mailbox: 10, Read: true, Flagged: true,
			},
			{
				RowID: 102, Sender: 2, Subject: "No id",
				DateSent: 1700000200, DateReceived: 1700000260, Mailbox: 11, Deleted: true,
			},
		},
	}
}

func TestAttachEnvelopeIndexErrors(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	err := s.AttachEnvelopeIndex(ctx, filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, store.ErrEnvelopeIndexNotFound)

	junk := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(junk, []byte("this is not a sqlite database, not even close"), 0o600))
	err = s.AttachEnvelopeIndex(ctx, junk)
	assert.ErrorIs(t, err, store.ErrEnvelopeIndexAttachFailed)
	assert.False(t, s.EnvelopeIndexAttached())

	_, err = s.CopyAddresses(ctx)
	assert.ErrorIs(t, err, store.ErrEnvelopeIndexNotAttached)

	path := testutil.NewEnvelopeIndex(t, envelopeFixture())
	require.NoError(t, s.AttachEnvelopeIndex(ctx, path))
	assert.True(t, s.EnvelopeIndexAttached())

	err = s.AttachEnvelopeIndex(ctx, path)
	assert.ErrorIs(t, err, store.ErrEnvelopeIndexAttachFailed)

	require.NoError(t, s.DetachEnvelopeIndex(ctx))
	require.NoError(t, s.DetachEnvelopeIndex(ctx))
	assert.False(t, s.EnvelopeIndexAttached())
}

func TestPerformBulkCopy(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	require.NoError(t, s.AttachEnvelopeIndex(ctx, testutil.NewEnvelopeIndex(t, envelopeFixture())))

	first, err := s.PerformBulkCopy(ctx)
	require.NoError(t, err)
	assert.Equal(t, &store.BulkCopyResult{
		AddressCount: 2,
		MailboxCount: 2,
		MessageCount: 3,
		TotalCount:   7,
	}, first)

	// Copying again yields the same counts and no duplicates.
	second, err := s.PerformBulkCopy(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	counts, err := s.GetMessageCountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.MailboxStatusInbox])

	key, ok := header.Key("<one@example.com>")
	require.True(t, ok)
	one, err := s.GetMessage(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "<one@example.com>", one.MessageID)
	assert.Equal(t, "Hello", one.Subject)
	assert.Equal(t, "alice@example.com", one.Sender.Email)
	assert.Equal(t, "Alice", one.Sender.Name)
	assert.Equal(t, "10", one.MailboxID)
	assert.Equal(t, "INBOX", one.MailboxName)
	assert.Equal(t, "imap.example.com", one.AccountID)
	assert.Equal(t, int64(1700000060), one.DateReceived.Unix())
	assert.Equal(t, int64(1234), one.Size)
	require.NotNil(t, one.AppleRowID)
	assert.Equal(t, int64(100), *one.AppleRowID)

	noID, err := s.GetMessageByAppleRowID(ctx, 102)
	require.NoError(t, err)
	assert.Equal(t, "00000000000000000000000000000102", noID.ID)
	assert.True(t, noID.IsDeleted)
	assert.Equal(t, "Archive Old", noID.MailboxName)

	mb, err := s.GetMailbox(ctx, "10")
	require.NoError(t, err)
	assert.Equal(t, 2, mb.TotalCount)

	res, err := s.Search(ctx, "hello", 10)
	require.NoError(t, err)
	assert.Len(t, res.Messages, 2)
}

func TestBulkCopyKeepsLocalState(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	require.NoError(t, s.AttachEnvelopeIndex(ctx, testutil.NewEnvelopeIndex(t, envelopeFixture())))

	_, err := s.PerformBulkCopy(ctx)
	require.NoError(t, err)

	key := store.EnvelopeMessageKey("<two@example.com>", 101)
	require.NoError(t, s.UpdateBody(ctx, key, "body", ""))
	require.NoError(t, s.StageSyncAction(ctx, key, model.MailboxStatusArchived, model.SyncActionArchive))

	_, err = s.PerformBulkCopy(ctx)
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "body", got.BodyText)
	assert.Equal(t, model.SyncActionArchive, got.PendingSyncAction)
	assert.True(t, got.IsRead)
}

func TestBulkCopyMissingTable(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	fixture := envelopeFixture()
	fixture.SkipTables = []string{"messages"}
	require.NoError(t, s.AttachEnvelopeIndex(ctx, testutil.NewEnvelopeIndex(t, fixture)))

	res, err := s.PerformBulkCopy(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrQueryFailed)

	// Earlier steps stay committed.
	assert.Equal(t, 2, res.AddressCount)
	assert.Equal(t, 2, res.MailboxCount)
	assert.Zero(t, res.MessageCount)

	addr, err := s.GetAddress(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", addr.Email)
}

func TestEnvelopeMessageKey(t *testing.T) {
	key, ok := header.Key("<x@y.com>")
	require.True(t, ok)
	assert.Equal(t, key, store.EnvelopeMessageKey("<x@y.com>", 5))
	assert.Equal(t, "00000000000000000000000000000005", store.EnvelopeMessageKey("", 5))
	assert.Len(t, store.EnvelopeMessageKey("garbage", 123), 32)
}
