// Package engine wires the service components together and owns their
// lifecycle: the dispatcher worker, the scheduler jobs and the sync gates.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jon4hz/jellynouncer/internal/cache"
	"github.com/jon4hz/jellynouncer/internal/changes"
	"github.com/jon4hz/jellynouncer/internal/config"
	"github.com/jon4hz/jellynouncer/internal/database"
	"github.com/jon4hz/jellynouncer/internal/discord"
	"github.com/jon4hz/jellynouncer/internal/jellyfin"
	"github.com/jon4hz/jellynouncer/internal/metadata"
	"github.com/jon4hz/jellynouncer/internal/notify"
	"github.com/jon4hz/jellynouncer/internal/render"
	"github.com/jon4hz/jellynouncer/internal/scheduler"
	"github.com/jon4hz/jellynouncer/internal/syncer"
	"github.com/jon4hz/jellynouncer/internal/thumbnail"
)

// drainTimeout bounds how long Close waits for the dispatcher to flush its
// queue before giving up.
const drainTimeout = 30 * time.Second

// Engine is the service orchestrator. It builds every component from the
// configuration, runs the background jobs and tears everything down in order.
type Engine struct {
	cfg        *config.Config
	db         *database.Client
	caches     *cache.ServiceCache
	jellyfin   *jellyfin.Client
	dispatcher *discord.Dispatcher
	renderer   *render.Renderer
	enricher   *metadata.Enricher
	thumbnails *thumbnail.Resolver
	notifier   *notify.Notifier
	syncer     *syncer.Syncer
	scheduler  *scheduler.Scheduler
	policy     changes.Policy

	started time.Time

	// Connectivity edge state, touched only by the watch job.
	connSeen bool
	connUp   bool
}

// New creates a new Engine instance and wires all components.
func New(cfg *config.Config, db *database.Client) (*Engine, error) {
	sched, err := scheduler.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	caches := cache.NewServiceCache(cfg.Cache)
	jellyfinClient := jellyfin.New(cfg.Jellyfin, nil, caches.ServerInfo)
	dispatcher := discord.New(cfg.Discord, nil)

	renderer, err := render.New(cfg.Templates, cfg.Colors)
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	enricher := metadata.New(cfg.Metadata, db, caches.Ratings, nil)
	thumbnails := thumbnail.New(cfg.Jellyfin.URL, cfg.Thumbnails, nil)
	notifier := notify.New(enricher, thumbnails, renderer, dispatcher, cfg.Jellyfin.URL)

	policy := watchPolicy(cfg.Watch)
	syn := syncer.New(db, jellyfinClient, notifier, policy, cfg.DataDir, cfg.Sync.BatchSize)

	e := &Engine{
		cfg:        cfg,
		db:         db,
		caches:     caches,
		jellyfin:   jellyfinClient,
		dispatcher: dispatcher,
		renderer:   renderer,
		enricher:   enricher,
		thumbnails: thumbnails,
		notifier:   notifier,
		syncer:     syn,
		scheduler:  sched,
		policy:     policy,
	}

	if err := e.setupJobs(); err != nil {
		return nil, fmt.Errorf("failed to setup jobs: %w", err)
	}

	return e, nil
}

// watchPolicy converts the watch configuration into a detection policy.
func watchPolicy(cfg *config.WatchConfig) changes.Policy {
	if cfg == nil {
		return changes.DefaultPolicy()
	}
	return changes.Policy{
		changes.TypeResolution:    cfg.Resolution,
		changes.TypeCodec:         cfg.Codec,
		changes.TypeAudioCodec:    cfg.AudioCodec,
		changes.TypeAudioChannels: cfg.AudioChannels,
		changes.TypeHDRStatus:     cfg.HDRStatus,
		changes.TypeFileSize:      cfg.FileSize,
		changes.TypeProviderIDs:   cfg.ProviderIDs,
	}
}

// Run starts the engine and all its background work. It blocks until the
// context is canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.started = time.Now()
	e.dispatcher.Start()

	if err := e.db.RecordStartup(ctx, e.started); err != nil {
		log.Warn("Failed to record startup time", "error", err)
	}

	// A dead server is not fatal; the connectivity watcher keeps probing.
	if err := e.jellyfin.Connect(ctx); err != nil {
		log.Warn("Jellyfin server not reachable at startup, continuing", "error", err)
	}

	if e.syncer.NeedsInitialSync() {
		log.Info("No library snapshot found, running initial sync before serving")
		if _, err := e.syncer.Sync(ctx, syncer.ModeInitial); err != nil {
			log.Error("Initial sync failed", "error", err)
		}
	} else {
		e.syncer.MarkReady()
		go func() {
			if _, err := e.syncer.Sync(ctx, syncer.ModeStartup); err != nil && !errors.Is(err, syncer.ErrSyncInProgress) {
				log.Error("Startup sync failed", "error", err)
			}
		}()
	}

	e.scheduler.Start()

	<-ctx.Done()
	return nil
}

// Close stops the background jobs, drains the dispatcher and closes the
// store.
func (e *Engine) Close() error {
	if err := e.scheduler.Stop(); err != nil {
		log.Error("Failed to stop scheduler", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := e.dispatcher.Stop(ctx); err != nil {
		log.Warn("Dispatcher drain incomplete", "remaining", e.dispatcher.Stats().CurrentSize, "error", err)
	}

	return e.db.Close()
}

// TriggerSync launches a manual library sync in the background. It returns
// ErrSyncInProgress when a sync is already running. The sync keeps going
// after the triggering request ends.
func (e *Engine) TriggerSync() error {
	if e.syncer.Running() {
		return syncer.ErrSyncInProgress
	}
	go func() {
		if _, err := e.syncer.Sync(context.Background(), syncer.ModeManual); err != nil && !errors.Is(err, syncer.ErrSyncInProgress) {
			log.Error("Manual sync failed", "error", err)
		}
	}()
	return nil
}
