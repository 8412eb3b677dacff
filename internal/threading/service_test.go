package threading_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailindex/internal/cache"
	"github.com/nhle/mailindex/internal/model"
	"github.com/nhle/mailindex/internal/store"
	"github.com/nhle/mailindex/internal/threadid"
	"github.com/nhle/mailindex/internal/threading"
	"github.com/nhle/mailindex/tests/testutil"
)

var start = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func msg(id string, minutes int, from model.Sender, subject string, refs ...string) model.Message {
	m := model.Message{
		ID:           id,
		MessageID:    "<" + id + "@example.com>",
		Subject:      subject,
		Sender:       from,
		DateSent:     start.Add(time.Duration(minutes) * time.Minute),
		DateReceived: start.Add(time.Duration(minutes) * time.Minute),
		References:   refs,
	}
	if len(refs) > 0 {
		m.InReplyTo = refs[len(refs)-1]
	}
	return m
}

var (
	alice = model.Sender{Name: "Alice", Email: "alice@example.com"}
	bob   = model.Sender{Name: "Bob", Email: "bob@example.com"}
)

// conversation is a root, a reply and a reply to the reply.
func conversation() []model.Message {
	return []model.Message{
		msg("root", 0, alice, "Offsite"),
		msg("r1", 10, bob, "Re: Offsite", "<root@example.com>"),
		msg("r2", 20, alice, "Re: Re: Offsite", "<root@example.com>", "<r1@example.com>"),
	}
}

func newService(t *testing.T, msgs []model.Message) (*threading.Service, *store.SQLiteStore, *cache.ThreadCache) {
	t.Helper()
	s := testutil.NewTestStore(t)
	for _, m := range msgs {
		require.NoError(t, s.UpsertMessage(context.Background(), m))
	}
	c, err := cache.NewThreadCache(10)
	require.NoError(t, err)
	return threading.NewService(s, c), s, c
}

func TestRepliesJoinRootThread(t *testing.T) {
	ctx := context.Background()
	msgs := conversation()
	svc, s, _ := newService(t, msgs)

	results, err := svc.ProcessMessages(ctx, msgs)
	require.NoError(t, err)
	require.Len(t, results, 3)

	rootID := threadid.Generate(threadid.Headers{MessageID: "<root@example.com>"})
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, msgs[i].ID, r.MessageID)
		assert.Equal(t, rootID, r.ThreadID)
	}
	assert.True(t, results[0].IsNewThread)
	assert.False(t, results[1].IsNewThread)
	assert.Equal(t, threadid.SourceMessageID, results[0].RootSource)
	assert.Equal(t, threadid.SourceReferences, results[2].RootSource)

	thread, err := s.GetThread(ctx, rootID)
	require.NoError(t, err)
	assert.Equal(t, "Offsite", thread.Subject)
	assert.Equal(t, 3, thread.MessageCount)
	assert.Equal(t, 2, thread.ParticipantCount)
}

func TestProcessingOrderDoesNotMatter(t *testing.T) {
	ctx := context.Background()
	msgs := conversation()

	forward, fs, _ := newService(t, msgs)
	fwd, err := forward.ProcessMessages(ctx, msgs)
	require.NoError(t, err)

	reversed := []model.Message{msgs[2], msgs[1], msgs[0]}
	backward, bs, _ := newService(t, msgs)
	bwd, err := backward.ProcessMessages(ctx, reversed)
	require.NoError(t, err)

	assert.Equal(t, fwd[0].ThreadID, bwd[2].ThreadID)
	assert.Equal(t, fwd[2].ThreadID, bwd[0].ThreadID)

	a, err := fs.GetThread(ctx, fwd[0].ThreadID)
	require.NoError(t, err)
	b, err := bs.GetThread(ctx, fwd[0].ThreadID)
	require.NoError(t, err)
	assert.Equal(t, a.MessageCount, b.MessageCount)
	assert.Equal(t, a.ParticipantCount, b.ParticipantCount)
	assert.Equal(t, a.FirstDate, b.FirstDate)
	assert.Equal(t, a.LastDate, b.LastDate)
	// The subject comes from the earliest message, not the first processed.
	assert.Equal(t, "Offsite", a.Subject)
	assert.Equal(t, "Offsite", b.Subject)
}

func TestForwardStartsNewThread(t *testing.T) {
	ctx := context.Background()
	original := msg("orig", 0, alice, "Budget")
	forwarded := msg("fwd", 5, bob, "Fwd: Budget")
	svc, _, _ := newService(t, []model.Message{original, forwarded})

	results, err := svc.ProcessMessages(ctx, []model.Message{original, forwarded})
	require.NoError(t, err)
	assert.NotEqual(t, results[0].ThreadID, results[1].ThreadID)
	assert.True(t, results[1].IsNewThread)
}

func TestProcessMessagesRecordsFailures(t *testing.T) {
	ctx := context.Background()
	stored := msg("stored", 0, alice, "Hi")
	svc, _, _ := newService(t, []model.Message{stored})

	missing := msg("missing", 1, bob, "Other")
	results, err := svc.ProcessMessages(ctx, []model.Message{missing, stored})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "missing", results[0].MessageID)
	assert.ErrorIs(t, results[0].Err, store.ErrMessageNotFound)
	assert.NoError(t, results[1].Err)
	assert.NotEmpty(t, results[1].ThreadID)
}

func TestProcessMessagesStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msgs := conversation()
	svc, _, _ := newService(t, msgs)

	results, err := svc.ProcessMessages(ctx, msgs)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}

func TestExtractThreadMetadata(t *testing.T) {
	ctx := context.Background()
	msgs := []model.Message{
		msg("root", 0, model.Sender{Email: "Alice@Example.com"}, "Plans"),
		msg("r1", 10, bob, "Re: Plans", "<root@example.com>"),
		msg("r2", 20, model.Sender{Name: "Alice Smith", Email: "alice@example.com"}, "Re: Plans", "<root@example.com>"),
		msg("r3", 30, model.Sender{Email: "alice@example.com"}, "Re: Plans", "<root@example.com>"),
		msg("solo", 40, bob, "Unrelated"),
	}
	svc, _, _ := newService(t, msgs)

	results, err := svc.ProcessMessages(ctx, msgs)
	require.NoError(t, err)
	threadA, threadB := results[0].ThreadID, results[4].ThreadID

	meta, err := svc.ExtractThreadMetadata(ctx, threadA, threadB, "missing")
	require.NoError(t, err)
	require.Len(t, meta, 2)

	a := meta[threadA]
	assert.Equal(t, "Plans", a.Subject)
	assert.Equal(t, 4, a.MessageCount)
	assert.Equal(t, start, a.FirstDate)
	assert.Equal(t, start.Add(30*time.Minute), a.LastDate)
	assert.Equal(t, []model.Participant{
		{Name: "Alice Smith", Email: "alice@example.com"},
		{Name: "Bob", Email: "bob@example.com"},
	}, a.Participants)

	assert.Equal(t, 1, meta[threadB].MessageCount)

	empty, err := svc.ExtractThreadMetadata(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGetThreadReadsThroughCache(t *testing.T) {
	ctx := context.Background()
	msgs := conversation()
	svc, _, c := newService(t, msgs)

	first, err := svc.ProcessMessage(ctx, msgs[0])
	require.NoError(t, err)

	thread, err := svc.GetThread(ctx, first.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 1, thread.MessageCount)

	_, err = svc.GetThread(ctx, first.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Stats().Hits)

	// A new member invalidates the cached copy.
	_, err = svc.ProcessMessage(ctx, msgs[1])
	require.NoError(t, err)
	thread, err = svc.GetThread(ctx, first.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 2, thread.MessageCount)

	_, err = svc.GetThread(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrThreadNotFound)
}

func TestRefreshPositions(t *testing.T) {
	ctx := context.Background()
	msgs := conversation()
	svc, s, _ := newService(t, msgs)

	results, err := svc.ProcessMessages(ctx, []model.Message{msgs[2], msgs[0], msgs[1]})
	require.NoError(t, err)
	require.NoError(t, svc.RefreshPositions(ctx, results[0].ThreadID))

	for i, m := range msgs {
		got, err := s.GetMessage(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, i+1, got.ThreadPosition)
		assert.Equal(t, 3, got.ThreadTotal)
	}
}

func TestMovedMessageInvalidatesOldThread(t *testing.T) {
	ctx := context.Background()
	root := msg("root", 0, alice, "Offsite")
	stray := msg("stray", 10, bob, "Lunch")
	svc, s, _ := newService(t, []model.Message{root, stray})

	results, err := svc.ProcessMessages(ctx, []model.Message{root, stray})
	require.NoError(t, err)
	rootThread, strayThread := results[0].ThreadID, results[1].ThreadID

	cached, err := svc.GetThread(ctx, strayThread)
	require.NoError(t, err)
	require.Equal(t, 1, cached.MessageCount)

	// Re-parsed with threading headers; callers do not carry the old thread id.
	stray.References = []string{"<root@example.com>"}
	stray.InReplyTo = "<root@example.com>"
	require.NoError(t, s.UpsertMessage(ctx, stray))
	res, err := svc.ProcessMessage(ctx, stray)
	require.NoError(t, err)
	assert.Equal(t, rootThread, res.ThreadID)

	old, err := svc.GetThread(ctx, strayThread)
	require.NoError(t, err)
	assert.Equal(t, 0, old.MessageCount)

	joined, err := svc.GetThread(ctx, rootThread)
	require.NoError(t, err)
	assert.Equal(t, 2, joined.MessageCount)
}

// interleavedStore runs onRead once, right after a thread row is loaded,
// standing in for a write that commits while GetThread is in flight.
type interleavedStore struct {
	*store.SQLiteStore
	onRead func()
}

func (s *interleavedStore) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	t, err := s.SQLiteStore.GetThread(ctx, id)
	if hook := s.onRead; hook != nil {
		s.onRead = nil
		hook()
	}
	return t, err
}

func TestGetThreadDoesNotCacheRowReadBeforeWrite(t *testing.T) {
	ctx := context.Background()
	msgs := conversation()
	_, s, c := newService(t, msgs)
	st := &interleavedStore{SQLiteStore: s}
	svc := threading.NewService(st, c)

	first, err := svc.ProcessMessage(ctx, msgs[0])
	require.NoError(t, err)

	st.onRead = func() {
		_, err := svc.ProcessMessage(ctx, msgs[1])
		require.NoError(t, err)
	}
	stale, err := svc.GetThread(ctx, first.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 1, stale.MessageCount)
	assert.Equal(t, 0, c.Len())

	fresh, err := svc.GetThread(ctx, first.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.MessageCount)
}
