package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a sync status transition is not
// allowed from the current state.
var ErrInvalidTransition = errors.New("invalid sync state transition")

// SyncState is the state of the most recent sync run.
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncRunning SyncState = "running"
	SyncSuccess SyncState = "success"
	SyncFailed  SyncState = "failed"
)

// SyncCounts tallies what a sync run did to the local index.
type SyncCounts struct {
	MessagesAdded     int `json:"messages_added"`
	MessagesUpdated   int `json:"messages_updated"`
	MessagesDeleted   int `json:"messages_deleted"`
	MessagesUnchanged int `json:"messages_unchanged"`
}

// Total returns the number of messages the run looked at.
func (c SyncCounts) Total() int {
	return c.MessagesAdded + c.MessagesUpdated + c.MessagesDeleted + c.MessagesUnchanged
}

// SyncStatusSummary is the persisted state machine for sync runs.
//
//	idle/success/failed --start--> running --success/failure--> success/failed
type SyncStatusSummary struct {
	State      SyncState  `json:"state"`
	RunID      string     `json:"run_id,omitempty"`
	Counts     SyncCounts `json:"counts"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// NewSyncStatusSummary returns a summary in the idle state.
func NewSyncStatusSummary() *SyncStatusSummary {
	return &SyncStatusSummary{State: SyncIdle}
}

// Start moves the summary into the running state and resets counters.
func (s *SyncStatusSummary) Start(runID string, now time.Time) error {
	if s.State == SyncRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, SyncRunning)
	}
	s.State = SyncRunning
	s.RunID = runID
	s.Counts = SyncCounts{}
	s.StartedAt = &now
	s.FinishedAt = nil
	s.LastError = ""
	return nil
}

// Succeed completes a running sync.
func (s *SyncStatusSummary) Succeed(counts SyncCounts, now time.Time) error {
	if s.State != SyncRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, SyncSuccess)
	}
	s.State = SyncSuccess
	s.Counts = counts
	s.FinishedAt = &now
	return nil
}

// Fail completes a running sync with an error. Counters gathered before the
// failure are kept.
func (s *SyncStatusSummary) Fail(counts SyncCounts, cause error, now time.Time) error {
	if s.State != SyncRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, SyncFailed)
	}
	s.State = SyncFailed
	s.Counts = counts
	s.FinishedAt = &now
	if cause != nil {
		s.LastError = cause.Error()
	}
	return nil
}
