// Package app builds the graph core from configuration and owns the
// lifetime of every component.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/hack-pad/hackpadfs"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kittclouds/kittgraph/internal/background"
	"github.com/kittclouds/kittgraph/internal/cache"
	"github.com/kittclouds/kittgraph/internal/config"
	"github.com/kittclouds/kittgraph/internal/metrics"
	"github.com/kittclouds/kittgraph/internal/persist"
	"github.com/kittclouds/kittgraph/internal/registry"
	"github.com/kittclouds/kittgraph/internal/settings"
	"github.com/kittclouds/kittgraph/internal/store"
)

// Version is stamped into backups.
const Version = "0.3.0"

// Options supplies the platform pieces Open cannot build from config.
type Options struct {
	// FS holds the WAL and snapshot; it should be rooted at the data dir.
	FS hackpadfs.FS
	// Settings persists the boot cache and other small state.
	Settings settings.Backend

	Logger     *slog.Logger
	Registerer prometheus.Registerer
	// NewID overrides id generation in the registry.
	NewID func() string
}

// App is an opened graph core.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Engine   *persist.Engine
	Cache    *cache.Cache
	Settings *settings.Store
	Registry *registry.Registry
	Recovery *persist.RecoveryResult

	inner   store.Storer
	queue   *background.Queue
	backend settings.Backend
	unsub   func()
	syncing atomic.Bool
	closed  atomic.Bool
}

// Open recovers the store, warms the cache and hydrates the registry.
// On failure everything opened so far is closed again, including
// opts.Settings.
func Open(cfg config.Config, opts Options) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.FS == nil || opts.Settings == nil {
		return nil, errors.New("app: filesystem and settings backend are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	a = &App{
		Config:  cfg,
		Logger:  opts.Logger,
		Metrics: metrics.New(opts.Registerer),
		backend: opts.Settings,
	}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	a.queue = background.New(cfg.Persistence.QueueSize, a.Logger)
	a.queue.OnError(func(name string, _ error) {
		a.Metrics.TaskFailures.WithLabelValues(name).Inc()
	})

	if a.inner, err = newStore(cfg.Engine); err != nil {
		return nil, err
	}

	a.Engine, err = persist.New(a.inner, persist.Options{
		FS:      opts.FS,
		Queue:   a.queue,
		Config:  persistConfig(cfg),
		Logger:  a.Logger,
		Metrics: a.Metrics,
	})
	if err != nil {
		return nil, err
	}
	if a.Recovery, err = a.Engine.Recover(); err != nil {
		return nil, err
	}

	if a.Settings, err = settings.Open(opts.Settings, a.queue, a.Logger); err != nil {
		return nil, err
	}

	a.Cache = cache.New(cache.Options{
		MaxEntities:      cfg.Cache.MaxEntities,
		MaxRelationships: cfg.Cache.MaxRelationships,
		Settings:         a.Settings,
		Logger:           a.Logger,
		Metrics:          a.Metrics,
	})
	warmed := a.Cache.WarmFromBootCache()

	a.Registry = registry.New(registry.Options{
		Store:   a.Engine,
		Cache:   a.Cache,
		Logger:  a.Logger,
		Metrics: a.Metrics,
		NewID:   opts.NewID,
	})
	hydrated, err := a.Registry.Hydrate()
	if err != nil {
		return nil, err
	}
	a.unsub = a.Registry.Subscribe(a.onChange)

	a.Logger.Info("graph opened",
		"driver", cfg.Engine.Driver,
		"bootCache", warmed,
		"entities", hydrated,
		"replayed", a.Recovery.Replayed,
		"warnings", len(a.Recovery.Warnings),
	)
	return a, nil
}

func newStore(cfg config.EngineConfig) (store.Storer, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemStore(), nil
	case config.DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		s, err := store.NewSQLiteStoreWithDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("app: failed to open sqlite: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("app: unknown engine driver %q", cfg.Driver)
	}
}

func persistConfig(cfg config.Config) persist.Config {
	pc := persist.DefaultConfig()
	pc.CompactionThreshold = cfg.Persistence.CompactionThreshold
	pc.CompactionInterval = cfg.Persistence.CompactionInterval
	pc.DebounceWindow = cfg.Persistence.DebounceWindow
	pc.AppVersion = Version
	return pc
}

// onChange keeps at most one boot cache sync queued. Relationship changes
// sync too since the record carries the relationship total.
func (a *App) onChange(topic registry.Topic) {
	if !a.syncing.CompareAndSwap(false, true) {
		return
	}
	queued := a.queue.Submit("boot-cache:sync", func() error {
		a.syncing.Store(false)
		return a.Cache.SyncToBootCache()
	})
	if !queued {
		a.syncing.Store(false)
	}
}

// ExportBackup writes a backup of the whole graph to w.
func (a *App) ExportBackup(ctx context.Context, w io.Writer) (*persist.BackupMetadata, error) {
	return a.Engine.ExportBackup(ctx, w)
}

// ImportBackup replaces the graph with the backup read from r and reloads
// the registry from it.
func (a *App) ImportBackup(ctx context.Context, r io.Reader) (*persist.BackupMetadata, error) {
	meta, err := a.Engine.ImportBackup(ctx, r)
	if err != nil {
		return nil, err
	}
	if _, err := a.Registry.Hydrate(); err != nil {
		return nil, fmt.Errorf("app: failed to reload after import: %w", err)
	}
	return meta, nil
}

// Flush waits for queued WAL and settings writes.
func (a *App) Flush(ctx context.Context) error {
	return a.queue.Flush(ctx)
}

// Close syncs the boot cache, drains pending writes and closes the
// backends. Safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	if a.unsub != nil {
		a.unsub()
	}

	var errs []error
	if err := a.Cache.SyncToBootCache(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("app: failed to drain writes: %w", err))
	}
	errs = append(errs, a.release())
	return errors.Join(errs...)
}

// release closes the queue and the backends that were opened.
func (a *App) release() error {
	var errs []error
	if a.queue != nil {
		a.queue.Close()
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("app: failed to close settings: %w", err))
		}
	}
	if a.inner != nil {
		if err := a.inner.Close(); err != nil {
			errs = append(errs, fmt.Errorf("app: failed to close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
