// Package reconcile pushes local archive and delete decisions back to the
// external mail store.
//
// Every action runs in three phases. Stage writes the target mailbox status
// together with a pending action marker. Act asks the Executor to perform
// the change remotely. Settle either clears the marker or, when the remote
// call failed, restores the previous status while leaving the marker for
// ProcessPendingActions to retry.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailindex/internal/header"
	"github.com/nhle/mailindex/internal/model"
	"github.com/nhle/mailindex/internal/store"
)

// Store is the part of the local store the reconciler needs.
type Store interface {
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	StageSyncAction(ctx context.Context, id string, status model.MailboxStatus, action model.SyncAction) error
	UpdateMailboxStatus(ctx context.Context, id string, status model.MailboxStatus) error
	ClearPendingSyncAction(ctx context.Context, id, mailboxID string) error
	GetMessagesWithPendingActions(ctx context.Context) ([]model.Message, error)
}

// ProcessResult tallies one ProcessPendingActions pass.
type ProcessResult struct {
	Processed int
	Succeeded int
	Failed    int
	Errors    []error
}

// Reconciler performs optimistic mailbox actions.
type Reconciler struct {
	store    Store
	executor Executor
	log      *logrus.Entry
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger used by the reconciler.
func WithLogger(log *logrus.Entry) Option {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

// New creates a Reconciler over st that acts through executor.
func New(st Store, executor Executor, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    st,
		executor: executor,
		log:      logrus.WithField("pkg", "reconcile"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ArchiveMessage moves the message with local id to the archive, locally
// first and then in the external store.
func (r *Reconciler) ArchiveMessage(ctx context.Context, id string) error {
	return r.perform(ctx, id, model.SyncActionArchive)
}

// DeleteMessage moves the message with local id to the trash, locally first
// and then in the external store.
func (r *Reconciler) DeleteMessage(ctx context.Context, id string) error {
	return r.perform(ctx, id, model.SyncActionDelete)
}

func (r *Reconciler) perform(ctx context.Context, id string, action model.SyncAction) error {
	msg, err := r.store.GetMessage(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			return &ActionError{MessageID: id, Action: action, Kind: ErrMessageNotFound, Err: err}
		}
		return fmt.Errorf("loading message %s: %w", id, err)
	}
	return r.run(ctx, msg, action)
}

// run stages, acts and settles one action for msg.
func (r *Reconciler) run(ctx context.Context, msg *model.Message, action model.SyncAction) error {
	messageID, ok := header.NormalizeMessageID(msg.MessageID)
	if !ok {
		return &ActionError{MessageID: msg.ID, Action: action, Kind: ErrNoMessageIDAvailable}
	}
	cmd, err := BuildCommand(action, messageID)
	if err != nil {
		return &ActionError{MessageID: msg.ID, Action: action, Kind: ErrExternalActionFailed, Err: err}
	}

	previous := msg.MailboxStatus
	if !previous.Valid() {
		previous = model.MailboxStatusInbox
	}

	log := r.log.WithFields(logrus.Fields{
		"id":     msg.ID,
		"action": action,
	})

	if err := r.store.StageSyncAction(ctx, msg.ID, action.TargetStatus(), action); err != nil {
		return fmt.Errorf("staging %s for %s: %w", action, msg.ID, err)
	}

	mailbox, actErr := r.executor.ExecuteAction(ctx, cmd)
	if actErr != nil {
		// Restore on a fresh context: the caller's may be what failed the
		// action, and the staged status must not outlive it.
		if err := r.store.UpdateMailboxStatus(context.WithoutCancel(ctx), msg.ID, previous); err != nil {
			log.WithError(err).Error("Failed to roll back mailbox status")
			return &ActionError{
				MessageID: msg.ID,
				Action:    action,
				Kind:      ErrRollbackFailed,
				Err:       errors.Join(actErr, err),
			}
		}
		log.WithError(actErr).Warn("External action failed, status rolled back")
		return &ActionError{MessageID: msg.ID, Action: action, Kind: ErrExternalActionFailed, Err: actErr}
	}

	if err := r.store.ClearPendingSyncAction(ctx, msg.ID, mailbox); err != nil {
		return fmt.Errorf("settling %s for %s: %w", action, msg.ID, err)
	}

	log.WithField("mailbox", mailbox).Debug("External action completed")
	return nil
}

// ProcessPendingActions retries every message that still owes an external
// action, oldest first. A failing message is counted and reported in the
// result without stopping the pass. The returned error is set only when the
// pending list cannot be read or ctx is done.
func (r *Reconciler) ProcessPendingActions(ctx context.Context) (*ProcessResult, error) {
	msgs, err := r.store.GetMessagesWithPendingActions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pending actions: %w", err)
	}

	result := &ProcessResult{}
	for i := range msgs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		msg := &msgs[i]
		result.Processed++
		if err := r.run(ctx, msg, msg.PendingSyncAction); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Succeeded++
	}

	if result.Processed > 0 {
		r.log.WithFields(logrus.Fields{
			"processed": result.Processed,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
		}).Info("Processed pending actions")
	}

	return result, nil
}
