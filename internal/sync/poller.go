package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailindex/internal/reconcile"
)

// defaultPollInterval applies when the configured interval is not positive.
const defaultPollInterval = 300 * time.Second

// passTimeout is the maximum time allowed for a single pending pass.
const passTimeout = 5 * time.Minute

// PendingProcessor retries owed backward-sync actions.
type PendingProcessor interface {
	ProcessPendingActions(ctx context.Context) (*reconcile.ProcessResult, error)
}

// PollStatus describes the poller's most recent pass.
type PollStatus struct {
	Running    bool
	Passes     int
	LastRun    time.Time
	LastResult *reconcile.ProcessResult
	LastError  error
}

// Poller periodically retries pending actions in the background.
type Poller struct {
	processor PendingProcessor
	interval  time.Duration
	log       *logrus.Entry

	triggerCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}

	mu      gosync.Mutex
	running bool
	status  PollStatus
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollerLogger sets the logger used by the poller.
func WithPollerLogger(log *logrus.Entry) PollerOption {
	return func(p *Poller) {
		if log != nil {
			p.log = log
		}
	}
}

// NewPoller creates a Poller that runs processor every interval.
func NewPoller(processor PendingProcessor, interval time.Duration, opts ...PollerOption) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	p := &Poller{
		processor: processor,
		interval:  interval,
		log:       logrus.WithField("pkg", "poller"),
		triggerCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the polling goroutine. The first pass runs immediately.
// Calling Start on a running poller does nothing.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.status.Running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go p.loop(p.stopCh, p.doneCh)
}

// Stop halts the polling goroutine and waits for an in-flight pass to
// finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	done := p.doneCh
	p.running = false
	p.status.Running = false
	p.mu.Unlock()

	<-done
}

// Trigger asks for an immediate pass. It never blocks; a trigger arriving
// while one is already queued is dropped.
func (p *Poller) Trigger() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
		// Channel full; skip to avoid blocking
	}
}

// Status returns a copy of the poller's state.
func (p *Poller) Status() PollStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// loop runs passes until stopCh closes.
func (p *Poller) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Do an initial pass immediately
	p.pass(ctx)

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.pass(ctx)
		case <-p.triggerCh:
			p.pass(ctx)
		}
	}
}

// pass runs one ProcessPendingActions call and records its outcome.
func (p *Poller) pass(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, passTimeout)
	defer cancel()

	result, err := p.processor.ProcessPendingActions(ctx)
	if err != nil && ctx.Err() == nil {
		p.log.WithError(err).Warn("Pending action pass failed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Passes++
	p.status.LastRun = time.Now()
	p.status.LastResult = result
	p.status.LastError = err
}
