// Package app wires the index components together from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailindex/internal/cache"
	"github.com/nhle/mailindex/internal/credential"
	"github.com/nhle/mailindex/internal/model"
	"github.com/nhle/mailindex/internal/reconcile"
	"github.com/nhle/mailindex/internal/store"
	appsync "github.com/nhle/mailindex/internal/sync"
	"github.com/nhle/mailindex/internal/threading"
)

// ErrNoEnvelopeIndex is returned by ImportEnvelopeIndex when no path is
// configured.
var ErrNoEnvelopeIndex = errors.New("no envelope index configured")

// App holds the wired components of a running index.
type App struct {
	Config     *model.AppConfig
	Store      *store.SQLiteStore
	Threads    *cache.ThreadCache
	Threading  *threading.Service
	Reconciler *reconcile.Reconciler
	Syncer     *appsync.Syncer
	Poller     *appsync.Poller

	log *logrus.Entry
}

type options struct {
	credentials *credential.Store
	executor    reconcile.Executor
}

// Option customizes Open.
type Option func(*options)

// WithCredentials sets the credential store used to look up the IMAP
// password instead of the system keyring.
func WithCredentials(c *credential.Store) Option {
	return func(o *options) {
		o.credentials = c
	}
}

// WithExecutor replaces the executor selected by configuration.
func WithExecutor(e reconcile.Executor) Option {
	return func(o *options) {
		o.executor = e
	}
}

// Open validates cfg, applies the log level and builds every component.
// The poller is created but not started.
func Open(ctx context.Context, cfg *model.AppConfig, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = model.DefaultAppConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.Log.Level != "" {
		level, err := logrus.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("parsing log level: %w", err)
		}
		logrus.SetLevel(level)
	}
	log := logrus.WithField("pkg", "app")

	executor := o.executor
	if executor == nil {
		var err error
		executor, err = newExecutor(cfg.Executor, o.credentials)
		if err != nil {
			return nil, err
		}
	}

	dir := filepath.Dir(cfg.Store.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
	}

	st, err := store.Open(cfg.Store.Path,
		store.WithBatchSize(cfg.Store.BatchSize),
		store.WithWriteRetry(cfg.Store.WriteRetries, cfg.Store.WriteRetryDelay()),
	)
	if err != nil {
		return nil, err
	}
	if err := st.Initialize(ctx); err != nil {
		st.Close()
		return nil, err
	}

	threads, err := cache.NewThreadCache(cfg.Cache.Capacity)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating thread cache: %w", err)
	}

	svc := threading.NewService(st, threads)
	rec := reconcile.New(st, executor)

	a := &App{
		Config:     cfg,
		Store:      st,
		Threads:    threads,
		Threading:  svc,
		Reconciler: rec,
		Syncer:     appsync.NewSyncer(st, svc),
		Poller:     appsync.NewPoller(rec, time.Duration(cfg.Sync.PendingIntervalSec)*time.Second),
		log:        log,
	}

	log.WithFields(logrus.Fields{
		"store":    cfg.Store.Path,
		"executor": cfg.Executor.Kind,
	}).Info("Mail index opened")

	return a, nil
}

// newExecutor builds the executor named by cfg.Kind.
func newExecutor(cfg model.ExecutorConfig, creds *credential.Store) (reconcile.Executor, error) {
	switch cfg.Kind {
	case model.ExecutorNone:
		return reconcile.NopExecutor{Log: logrus.WithField("pkg", "reconcile")}, nil
	case model.ExecutorOSAScript, "":
		return reconcile.OSAScriptExecutor{}, nil
	case model.ExecutorIMAP:
		if creds == nil {
			var err error
			creds, err = credential.Open()
			if err != nil {
				return nil, err
			}
		}
		password, err := creds.Get(credential.IMAPPasswordKey(cfg.IMAP.Username, cfg.IMAP.Host))
		if err != nil {
			return nil, fmt.Errorf("loading IMAP password: %w", err)
		}
		return reconcile.NewIMAPExecutor(cfg.IMAP, password), nil
	}
	return nil, fmt.Errorf("unknown executor kind %q", cfg.Kind)
}

// Start begins retrying pending actions in the background.
func (a *App) Start() {
	a.Poller.Start()
}

// ImportEnvelopeIndex imports the configured envelope index.
func (a *App) ImportEnvelopeIndex(ctx context.Context) (*appsync.ImportResult, error) {
	path := a.Config.Sync.EnvelopeIndexPath
	if path == "" {
		return nil, ErrNoEnvelopeIndex
	}
	return a.Syncer.ImportEnvelopeIndex(ctx, path)
}

// Close stops the poller and closes the store.
func (a *App) Close() error {
	a.Poller.Stop()
	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	a.log.Info("Mail index closed")
	return nil
}
