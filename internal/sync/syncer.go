// Package sync brings the local index up to date with the external mail
// store and retries owed backward-sync actions in the background.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailindex/internal/ingest"
	"github.com/nhle/mailindex/internal/model"
	"github.com/nhle/mailindex/internal/store"
	"github.com/nhle/mailindex/internal/threading"
)

// unthreadedBatch is how many imported messages are threaded per round.
const unthreadedBatch = 500

// errInterrupted marks a run that was still "running" when the next began.
var errInterrupted = errors.New("sync interrupted")

// Store is the part of the local store the syncer needs.
type Store interface {
	GetSyncStatus(ctx context.Context) (*model.SyncStatusSummary, error)
	SaveSyncStatus(ctx context.Context, summary *model.SyncStatusSummary) error
	GetMessageStatusSnapshots(ctx context.Context) ([]model.MessageStatusSnapshot, error)
	BatchUpsertMessages(ctx context.Context, msgs []model.Message) (*store.BatchResult, error)
	MarkMessageDeleted(ctx context.Context, id string) error
	GetUnthreadedMessages(ctx context.Context, limit int) ([]model.Message, error)
	AttachEnvelopeIndex(ctx context.Context, path string) error
	DetachEnvelopeIndex(ctx context.Context) error
	PerformBulkCopy(ctx context.Context) (*store.BulkCopyResult, error)
}

// Threader assigns messages to threads.
type Threader interface {
	ProcessMessages(ctx context.Context, msgs []model.Message) ([]threading.Result, error)
	RefreshPositions(ctx context.Context, threadIDs ...string) error
}

// Options controls one Sync run.
type Options struct {
	// DetectDeletions soft-deletes every live local message missing from
	// the input. Only set it when the input is a complete listing.
	DetectDeletions bool
}

// ImportResult reports an envelope index import.
type ImportResult struct {
	Copy     store.BulkCopyResult
	Threaded int
}

// Syncer runs sync passes. Runs are serialized.
type Syncer struct {
	store    Store
	threader Threader
	log      *logrus.Entry
	now      func() time.Time

	mu gosync.Mutex
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets the logger used by the syncer.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Syncer) {
		if log != nil {
			s.log = log
		}
	}
}

// NewSyncer returns a Syncer writing to st and threading through threader.
func NewSyncer(st Store, threader Threader, opts ...Option) *Syncer {
	s := &Syncer{
		store:    st,
		threader: threader,
		log:      logrus.WithField("pkg", "sync"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status returns the persisted summary of the latest run.
func (s *Syncer) Status(ctx context.Context) (*model.SyncStatusSummary, error) {
	return s.store.GetSyncStatus(ctx)
}

// Sync merges msgs into the index. Messages not seen before are added,
// known messages whose flags changed are rewritten, and the rest are left
// alone. Every written message is threaded and the positions of the
// touched threads are refreshed. The run's summary is persisted and
// returned, also when the run fails.
func (s *Syncer) Sync(ctx context.Context, msgs []model.Message, opts Options) (*model.SyncStatusSummary, error) {
	return s.run(ctx, func(ctx context.Context, counts *model.SyncCounts) error {
		snaps, err := s.store.GetMessageStatusSnapshots(ctx)
		if err != nil {
			return fmt.Errorf("loading snapshots: %w", err)
		}
		known := make(map[string]model.MessageStatusSnapshot, len(snaps))
		for _, snap := range snaps {
			known[snap.ID] = snap
		}

		seen := make(map[string]bool, len(msgs))
		var changed []model.Message
		for _, msg := range msgs {
			if msg.ID == "" || seen[msg.ID] {
				continue
			}
			seen[msg.ID] = true

			snap, ok := known[msg.ID]
			if ok && snap.IsRead == msg.IsRead && snap.IsFlagged == msg.IsFlagged {
				counts.MessagesUnchanged++
				continue
			}
			if ok && msg.MailboxStatus == "" {
				// Keep the local placement of messages the source has no
				// opinion about.
				msg.MailboxStatus = snap.MailboxStatus
			}
			changed = append(changed, msg)
		}

		if len(changed) > 0 {
			res, err := s.store.BatchUpsertMessages(ctx, changed)
			if err != nil {
				return fmt.Errorf("upserting messages: %w", err)
			}
			counts.MessagesAdded += res.Inserted
			counts.MessagesUpdated += res.Updated
			if res.Failed > 0 {
				s.log.WithFields(logrus.Fields{
					"failed": res.Failed,
					"errors": res.Errors,
				}).Warn("Some messages could not be stored")
			}

			if err := s.thread(ctx, changed); err != nil {
				return err
			}
		}

		if opts.DetectDeletions {
			for _, snap := range snaps {
				if seen[snap.ID] {
					continue
				}
				if err := s.store.MarkMessageDeleted(ctx, snap.ID); err != nil {
					return fmt.Errorf("marking %s deleted: %w", snap.ID, err)
				}
				counts.MessagesDeleted++
			}
		}

		return nil
	})
}

// SyncFiles parses the RFC 5322 files at paths into ref and syncs them.
// Files that cannot be parsed are logged and skipped.
func (s *Syncer) SyncFiles(
	ctx context.Context,
	paths []string,
	ref ingest.MailboxRef,
	opts Options,
) (*model.SyncStatusSummary, error) {
	msgs := make([]model.Message, 0, len(paths))
	for _, p := range paths {
		msg, err := ingest.ParseFile(p, ref)
		if err != nil {
			s.log.WithError(err).WithField("path", p).Warn("Skipping unreadable message")
			continue
		}
		msgs = append(msgs, *msg)
	}
	return s.Sync(ctx, msgs, opts)
}

// ImportEnvelopeIndex bulk copies the envelope index at path into the
// store, then threads every message that has no thread yet. The index is
// always detached before returning.
func (s *Syncer) ImportEnvelopeIndex(ctx context.Context, path string) (*ImportResult, error) {
	result := &ImportResult{}

	_, err := s.run(ctx, func(ctx context.Context, counts *model.SyncCounts) (err error) {
		if err := s.store.AttachEnvelopeIndex(ctx, path); err != nil {
			return err
		}
		defer func() {
			if detachErr := s.store.DetachEnvelopeIndex(context.WithoutCancel(ctx)); detachErr != nil {
				s.log.WithError(detachErr).Warn("Failed to detach envelope index")
				if err == nil {
					err = detachErr
				}
			}
		}()

		copied, err := s.store.PerformBulkCopy(ctx)
		if copied != nil {
			result.Copy = *copied
			counts.MessagesUpdated = copied.MessageCount
		}
		if err != nil {
			return fmt.Errorf("copying envelope index: %w", err)
		}

		threaded, err := s.threadUnthreaded(ctx)
		result.Threaded = threaded
		return err
	})

	return result, err
}

// threadUnthreaded threads stored messages without a thread in batches
// until none are left or a batch makes no progress.
func (s *Syncer) threadUnthreaded(ctx context.Context) (int, error) {
	total := 0
	for {
		msgs, err := s.store.GetUnthreadedMessages(ctx, unthreadedBatch)
		if err != nil {
			return total, fmt.Errorf("listing unthreaded messages: %w", err)
		}
		if len(msgs) == 0 {
			return total, nil
		}

		n, err := s.threadCount(ctx, msgs)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			s.log.WithField("remaining", len(msgs)).Warn("Messages could not be threaded")
			return total, nil
		}
	}
}

func (s *Syncer) thread(ctx context.Context, msgs []model.Message) error {
	_, err := s.threadCount(ctx, msgs)
	return err
}

// threadCount threads msgs, refreshes positions of the touched threads and
// returns how many messages were threaded.
func (s *Syncer) threadCount(ctx context.Context, msgs []model.Message) (int, error) {
	results, err := s.threader.ProcessMessages(ctx, msgs)
	if err != nil {
		return 0, fmt.Errorf("threading messages: %w", err)
	}

	threaded := 0
	touched := make(map[string]bool)
	var threadIDs []string
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		threaded++
		if !touched[r.ThreadID] {
			touched[r.ThreadID] = true
			threadIDs = append(threadIDs, r.ThreadID)
		}
	}

	if err := s.threader.RefreshPositions(ctx, threadIDs...); err != nil {
		return threaded, err
	}
	return threaded, nil
}

// run wraps fn in the persisted sync state machine.
func (s *Syncer) run(
	ctx context.Context,
	fn func(ctx context.Context, counts *model.SyncCounts) error,
) (*model.SyncStatusSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary, err := s.store.GetSyncStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading sync status: %w", err)
	}
	if summary.State == model.SyncRunning {
		// Nothing else runs while we hold mu, so the last run died.
		s.log.WithField("run_id", summary.RunID).Warn("Previous sync never finished")
		if err := summary.Fail(summary.Counts, errInterrupted, s.now()); err != nil {
			return nil, err
		}
	}

	runID := uuid.NewString()
	if err := summary.Start(runID, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.SaveSyncStatus(ctx, summary); err != nil {
		return nil, fmt.Errorf("saving sync status: %w", err)
	}

	log := s.log.WithField("run_id", runID)
	log.Info("Sync started")

	var counts model.SyncCounts
	runErr := fn(ctx, &counts)

	// Record the outcome even if ctx is what ended the run.
	saveCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		if err := summary.Fail(counts, runErr, s.now()); err != nil {
			return summary, err
		}
		if err := s.store.SaveSyncStatus(saveCtx, summary); err != nil {
			log.WithError(err).Error("Failed to save sync status")
		}
		log.WithError(runErr).Info("Sync failed")
		return summary, runErr
	}

	if err := summary.Succeed(counts, s.now()); err != nil {
		return summary, err
	}
	if err := s.store.SaveSyncStatus(saveCtx, summary); err != nil {
		return summary, fmt.Errorf("saving sync status: %w", err)
	}

	log.WithFields(logrus.Fields{
		"added":     counts.MessagesAdded,
		"updated":   counts.MessagesUpdated,
		"deleted":   counts.MessagesDeleted,
		"unchanged": counts.MessagesUnchanged,
	}).Info("Sync finished")
	return summary, nil
}
