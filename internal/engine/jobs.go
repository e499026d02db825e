package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-co-op/gocron/v2"

	"github.com/jon4hz/jellynouncer/internal/discord"
	"github.com/jon4hz/jellynouncer/internal/syncer"
)

// Job ids.
const (
	jobPeriodicSync = "periodic_sync"
	jobConnectivity = "connectivity_watch"
	jobMaintenance  = "maintenance"
)

const (
	connectivityInterval = 30 * time.Second
	syncCheckInterval    = time.Minute

	statusOnlineColor  = 0x2ECC71
	statusOfflineColor = 0xE74C3C
)

// setupJobs configures all scheduled jobs.
func (e *Engine) setupJobs() error {
	if err := e.scheduler.AddSingletonJob(
		jobPeriodicSync,
		"Periodic Library Sync",
		"Reconciles the library when the last sync grew stale",
		e.cfg.Sync.Interval.String(),
		gocron.DurationJob(syncCheckInterval),
		e.runPeriodicSync,
	); err != nil {
		return fmt.Errorf("failed to add periodic sync job: %w", err)
	}

	if err := e.scheduler.AddSingletonJob(
		jobConnectivity,
		"Connectivity Watch",
		"Probes the Jellyfin server and announces offline/online edges",
		connectivityInterval.String(),
		gocron.DurationJob(connectivityInterval),
		e.watchConnectivity,
	); err != nil {
		return fmt.Errorf("failed to add connectivity watch job: %w", err)
	}

	maintenanceInterval := e.cfg.Sync.VacuumInterval
	if maintenanceInterval <= 0 {
		maintenanceInterval = 24 * time.Hour
	}
	if err := e.scheduler.AddSingletonJob(
		jobMaintenance,
		"Database Maintenance",
		"Vacuums the database and prunes expired cache entries",
		maintenanceInterval.String(),
		gocron.DurationJob(maintenanceInterval),
		e.runMaintenance,
	); err != nil {
		return fmt.Errorf("failed to add maintenance job: %w", err)
	}

	log.Info("Scheduled jobs configured successfully")
	return nil
}

// runPeriodicSync launches a background sync when the last one grew older
// than the configured interval.
func (e *Engine) runPeriodicSync(ctx context.Context) error {
	if !e.syncer.NeedsPeriodicSync(ctx, e.cfg.Sync.Interval) {
		return nil
	}

	log.Info("Last sync is stale, starting periodic sync")
	if _, err := e.syncer.Sync(ctx, syncer.ModePeriodic); err != nil {
		if errors.Is(err, syncer.ErrSyncInProgress) {
			log.Warn("Skipping periodic sync, another sync is running")
			return nil
		}
		return err
	}
	return nil
}

// watchConnectivity probes the server and reacts to reachability edges: an
// offline edge announces the outage, an online edge announces the recovery
// and launches a recovery sync to catch everything missed while offline.
func (e *Engine) watchConnectivity(ctx context.Context) error {
	err := e.jellyfin.Ping(ctx)
	online := err == nil

	// The first observation is the baseline, not an edge.
	if !e.connSeen {
		e.connSeen = true
		e.connUp = online
		return nil
	}
	if online == e.connUp {
		return nil
	}
	e.connUp = online

	server := e.jellyfin.ServerInfo(ctx)
	if online {
		log.Info("Jellyfin server is back online", "name", server.Name)
		e.announceStatus(statusOnlineColor, "Jellyfin server online",
			fmt.Sprintf("%s is reachable again. Catching up on missed changes.", server.Name))
		go func() {
			if _, err := e.syncer.Sync(context.Background(), syncer.ModeRecovery); err != nil && !errors.Is(err, syncer.ErrSyncInProgress) {
				log.Error("Recovery sync failed", "error", err)
			}
		}()
	} else {
		log.Warn("Jellyfin server went offline", "error", err)
		e.announceStatus(statusOfflineColor, "Jellyfin server offline",
			fmt.Sprintf("%s stopped answering probes.", server.Name))
	}
	return nil
}

// announceStatus sends a service status embed to the default webhook.
func (e *Engine) announceStatus(color int, title, description string) {
	msg := discord.Message{
		Embeds: []discord.Embed{{
			Title:       title,
			Description: description,
			Color:       color,
			Timestamp:   discord.NewTimestamp(time.Now()),
		}},
	}
	if err := e.dispatcher.Announce(msg); err != nil {
		log.Warn("Failed to queue status announcement", "error", err)
	}
}

// runMaintenance compacts the database and prunes expired cache entries.
func (e *Engine) runMaintenance(ctx context.Context) error {
	if err := e.db.Vacuum(ctx); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}

	purged, err := e.db.PurgeExpiredRatings(ctx)
	if err != nil {
		return fmt.Errorf("failed to purge expired ratings: %w", err)
	}

	pruned := e.thumbnails.PruneCache()
	if err := e.db.RecordMaintenance(ctx, time.Now()); err != nil {
		log.Warn("Failed to record maintenance time", "error", err)
	}
	log.Info("Maintenance completed", "ratings_purged", purged, "thumbnails_pruned", pruned)
	return nil
}
