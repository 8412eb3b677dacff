package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailindex/internal/reconcile"
)

type countingProcessor struct {
	calls chan struct{}
	err   error
}

func (c *countingProcessor) ProcessPendingActions(context.Context) (*reconcile.ProcessResult, error) {
	c.calls <- struct{}{}
	if c.err != nil {
		return nil, c.err
	}
	return &reconcile.ProcessResult{Processed: 1, Succeeded: 1}, nil
}

func waitCall(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a pass")
	}
}

func TestPollerRunsImmediatelyAndOnTrigger(t *testing.T) {
	proc := &countingProcessor{calls: make(chan struct{}, 8)}
	p := NewPoller(proc, time.Hour)

	p.Start()
	p.Start()
	waitCall(t, proc.calls)

	p.Trigger()
	waitCall(t, proc.calls)

	p.Stop()
	p.Stop()

	status := p.Status()
	assert.False(t, status.Running)
	assert.Equal(t, 2, status.Passes)
	require.NotNil(t, status.LastResult)
	assert.Equal(t, 1, status.LastResult.Succeeded)
	assert.NoError(t, status.LastError)
	assert.False(t, status.LastRun.IsZero())
}

func TestPollerTicks(t *testing.T) {
	proc := &countingProcessor{calls: make(chan struct{}, 8)}
	p := NewPoller(proc, 10*time.Millisecond)

	p.Start()
	defer p.Stop()

	waitCall(t, proc.calls)
	waitCall(t, proc.calls)
	waitCall(t, proc.calls)
}

func TestPollerRecordsErrors(t *testing.T) {
	boom := errors.New("store closed")
	proc := &countingProcessor{calls: make(chan struct{}, 8), err: boom}
	p := NewPoller(proc, time.Hour)

	p.Start()
	waitCall(t, proc.calls)
	p.Stop()

	status := p.Status()
	assert.ErrorIs(t, status.LastError, boom)
	assert.Nil(t, status.LastResult)
}

func TestPollerRestart(t *testing.T) {
	proc := &countingProcessor{calls: make(chan struct{}, 8)}
	p := NewPoller(proc, time.Hour)

	p.Start()
	waitCall(t, proc.calls)
	p.Stop()

	p.Start()
	waitCall(t, proc.calls)
	p.Stop()

	assert.Equal(t, 2, p.Status().Passes)
}

func TestNewPollerDefaultsInterval(t *testing.T) {
	p := NewPoller(&countingProcessor{}, 0)
	assert.Equal(t, defaultPollInterval, p.interval)
}
