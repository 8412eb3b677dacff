// Package threading assigns messages to conversations and maintains the
// per-thread aggregates exporters read.
package threading

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailindex/internal/cache"
	"github.com/nhle/mailindex/internal/model"
	"github.com/nhle/mailindex/internal/store"
	"github.com/nhle/mailindex/internal/threadid"
)

// Store is the part of the local store the service needs.
type Store interface {
	AssignThread(ctx context.Context, a store.ThreadAssignment) (store.AssignResult, error)
	GetThread(ctx context.Context, id string) (*model.Thread, error)
	GetThreadsByIDs(ctx context.Context, ids []string) ([]model.Thread, error)
	GetThreadParticipantRows(ctx context.Context, threadIDs ...string) ([]store.ParticipantRow, error)
	UpdateThreadPositions(ctx context.Context, threadID string) (int, error)
}

// Result reports how one message was threaded.
type Result struct {
	MessageID   string
	ThreadID    string
	IsNewThread bool
	RootSource  threadid.RootSource
	Err         error
}

// Service threads messages into the store.
type Service struct {
	store Store
	cache *cache.ThreadCache
	log   *logrus.Entry
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used by the service.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// NewService returns a service writing to st. threads may be nil, in which
// case GetThread always reads the store.
func NewService(st Store, threads *cache.ThreadCache, opts ...Option) *Service {
	s := &Service{
		store: st,
		cache: threads,
		log:   logrus.WithField("pkg", "threading"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessMessage computes the message's thread id, then creates the thread
// or refreshes its aggregates and records the membership. The message must
// already be stored.
func (s *Service) ProcessMessage(ctx context.Context, msg model.Message) (*Result, error) {
	root := threadid.RootToken(threadid.Headers{
		Key:        msg.ID,
		MessageID:  msg.MessageID,
		InReplyTo:  msg.InReplyTo,
		References: msg.References,
		Subject:    msg.Subject,
	})
	threadID := threadid.Hash(root.Token)

	date := msg.DateSent
	if date.IsZero() {
		date = msg.DateReceived
	}

	assigned, err := s.store.AssignThread(ctx, store.ThreadAssignment{
		ThreadID:    threadID,
		MessageID:   msg.ID,
		Subject:     msg.Subject,
		SenderEmail: strings.ToLower(msg.Sender.Email),
		Date:        date,
	})
	if err != nil {
		return nil, fmt.Errorf("threading message %s: %w", msg.ID, err)
	}

	if s.cache != nil {
		s.cache.Invalidate(threadID)
		if assigned.PreviousThreadID != "" {
			s.cache.Invalidate(assigned.PreviousThreadID)
		}
	}

	s.log.WithFields(logrus.Fields{
		"message": msg.ID,
		"thread":  threadID,
		"source":  root.Source,
		"created": assigned.Created,
		"moved":   assigned.PreviousThreadID != "",
	}).Debug("Threaded message")

	return &Result{
		MessageID:   msg.ID,
		ThreadID:    threadID,
		IsNewThread: assigned.Created,
		RootSource:  root.Source,
	}, nil
}

// ProcessMessages threads msgs in order and returns one result per message,
// in the same order. A message that fails is reported in its Result and
// does not stop the others. The error is non-nil only when ctx ends early;
// the results gathered so far are returned with it.
func (s *Service) ProcessMessages(ctx context.Context, msgs []model.Message) ([]Result, error) {
	results := make([]Result, 0, len(msgs))
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res, err := s.ProcessMessage(ctx, msg)
		if err != nil {
			s.log.WithError(err).WithField("message", msg.ID).Warn("Failed to thread message")
			results = append(results, Result{MessageID: msg.ID, Err: err})
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}

// GetThread returns a thread, reading through the cache. A row read while a
// concurrent ProcessMessage invalidates the cache is returned but not cached.
func (s *Service) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	if s.cache == nil {
		return s.store.GetThread(ctx, id)
	}

	if t, ok := s.cache.Get(id); ok {
		return &t, nil
	}

	epoch := s.cache.Epoch()
	t, err := s.store.GetThread(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.PutIfFresh(*t, epoch)
	return t, nil
}

// ExtractThreadMetadata recomputes the exporter view of each thread among
// ids that exists. Participants are deduplicated by email, ignoring case,
// in order of first appearance; each keeps the most recent non-empty
// display name seen for it.
func (s *Service) ExtractThreadMetadata(ctx context.Context, ids ...string) (map[string]*model.ThreadMetadata, error) {
	out := make(map[string]*model.ThreadMetadata, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	threads, err := s.store.GetThreadsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading threads: %w", err)
	}
	for _, t := range threads {
		out[t.ID] = &model.ThreadMetadata{
			ThreadID:     t.ID,
			Subject:      t.Subject,
			Participants: []model.Participant{},
		}
	}

	rows, err := s.store.GetThreadParticipantRows(ctx, ids...)
	if err != nil {
		return nil, fmt.Errorf("loading participants: %w", err)
	}

	// Index of each participant by thread, then lowercased email.
	seen := make(map[string]map[string]int, len(out))
	for _, r := range rows {
		meta, ok := out[r.ThreadID]
		if !ok {
			continue
		}

		meta.MessageCount++
		if !r.Date.IsZero() {
			if meta.FirstDate.IsZero() || r.Date.Before(meta.FirstDate) {
				meta.FirstDate = r.Date
			}
			if r.Date.After(meta.LastDate) {
				meta.LastDate = r.Date
			}
		}

		email := strings.ToLower(strings.TrimSpace(r.Email))
		if email == "" {
			continue
		}
		byEmail, ok := seen[r.ThreadID]
		if !ok {
			byEmail = make(map[string]int)
			seen[r.ThreadID] = byEmail
		}

		name := strings.TrimSpace(r.Name)
		if i, ok := byEmail[email]; ok {
			if name != "" {
				meta.Participants[i].Name = name
			}
			continue
		}
		byEmail[email] = len(meta.Participants)
		meta.Participants = append(meta.Participants, model.Participant{Name: name, Email: email})
	}

	return out, nil
}

// RefreshPositions renumbers the members of each thread. It stops at the
// first failure.
func (s *Service) RefreshPositions(ctx context.Context, threadIDs ...string) error {
	for _, id := range threadIDs {
		if _, err := s.store.UpdateThreadPositions(ctx, id); err != nil {
			return fmt.Errorf("refreshing positions of thread %s: %w", id, err)
		}
	}
	return nil
}
