package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailindex/internal/credential"
	"github.com/nhle/mailindex/internal/model"
	"github.com/nhle/mailindex/internal/reconcile"
	appsync "github.com/nhle/mailindex/internal/sync"
	"github.com/nhle/mailindex/tests/testutil"
)

func testConfig(t *testing.T) *model.AppConfig {
	t.Helper()
	cfg := model.DefaultAppConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "nested", "index.db")
	cfg.Executor.Kind = model.ExecutorNone
	cfg.Log.Level = "warn"
	return cfg
}

func TestOpenWiresComponents(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, testConfig(t))
	require.NoError(t, err)

	assert.Equal(t, 500, a.Threads.Capacity())

	msg := testutil.NewMessage("m1", 0)
	summary, err := a.Syncer.Sync(ctx, []model.Message{msg}, appsync.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Counts.MessagesAdded)

	require.NoError(t, a.Reconciler.ArchiveMessage(ctx, "m1"))
	got, err := a.Store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.MailboxStatusArchived, got.MailboxStatus)
	assert.Equal(t, model.SyncActionNone, got.PendingSyncAction)

	thread, err := a.Threading.GetThread(ctx, got.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 1, thread.MessageCount)

	a.Start()
	require.NoError(t, a.Close())
}

func TestOpenReopensExistingStore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, a.Store.UpsertMessage(ctx, testutil.NewMessage("m1", 0)))
	require.NoError(t, a.Close())

	a, err = Open(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Store.GetMessage(ctx, "m1")
	assert.NoError(t, err)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig(t)
	cfg.Log.Level = "loud"
	_, err := Open(ctx, cfg)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Executor.Kind = "carrier-pigeon"
	_, err = Open(ctx, cfg)
	assert.Error(t, err)
}

func TestOpenIMAPExecutor(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Executor.Kind = model.ExecutorIMAP
	cfg.Executor.IMAP.Host = "imap.example.com"
	cfg.Executor.IMAP.Username = "me"

	creds := credential.New(keyring.NewArrayKeyring(nil))

	_, err := Open(ctx, cfg, WithCredentials(creds))
	require.ErrorIs(t, err, credential.ErrNotFound)

	require.NoError(t, creds.Set(credential.IMAPPasswordKey("me", "imap.example.com"), "secret"))
	a, err := Open(ctx, cfg, WithCredentials(creds))
	require.NoError(t, err)
	defer a.Close()
}

func TestWithExecutorOverridesConfig(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Executor.Kind = model.ExecutorOSAScript

	a, err := Open(ctx, cfg, WithExecutor(reconcile.NopExecutor{}))
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Store.UpsertMessage(ctx, testutil.NewMessage("m1", 0)))
	require.NoError(t, a.Reconciler.DeleteMessage(ctx, "m1"))

	got, err := a.Store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Trash", got.LastKnownMailboxID)
}

func TestImportEnvelopeIndexNeedsPath(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.ImportEnvelopeIndex(ctx)
	assert.ErrorIs(t, err, ErrNoEnvelopeIndex)

	a.Config.Sync.EnvelopeIndexPath = testutil.NewEnvelopeIndex(t, testutil.EnvelopeFixture{
		Mailboxes: []testutil.EnvelopeMailbox{{RowID: 1, URL: "imap://me@imap.example.com/INBOX"}},
		Messages: []testutil.EnvelopeMessage{
			{RowID: 5, MessageID: "<x@example.com>", Subject: "Hi", DateReceived: 1700000000, Mailbox: 1},
		},
	})
	result, err := a.ImportEnvelopeIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Copy.MessageCount)
	assert.Equal(t, 1, result.Threaded)
}
