package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mergestat/timediff"

	"github.com/jon4hz/jellynouncer/internal/cache"
	"github.com/jon4hz/jellynouncer/internal/database"
	"github.com/jon4hz/jellynouncer/internal/discord"
	"github.com/jon4hz/jellynouncer/internal/render"
	"github.com/jon4hz/jellynouncer/internal/scheduler"
	"github.com/jon4hz/jellynouncer/internal/version"
)

// HealthReport is the summary served by the health endpoint.
type HealthReport struct {
	Status   string          `json:"status"`
	Version  string          `json:"version"`
	Uptime   string          `json:"uptime"`
	Jellyfin ComponentHealth `json:"jellyfin"`
	Database ComponentHealth `json:"database"`
	Queue    QueueHealth     `json:"queue"`
	Sync     SyncHealth      `json:"sync"`
}

// ComponentHealth is the state of one dependency.
type ComponentHealth struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// QueueHealth is the outbound queue fill level.
type QueueHealth struct {
	Size        int     `json:"size"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization_percent"`
}

// SyncHealth describes the most recent library sync.
type SyncHealth struct {
	LastRun string `json:"last_run,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Status  string `json:"status,omitempty"`
	Running bool   `json:"running"`
}

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
	statusUp       = "up"
	statusDown     = "down"
)

// Health reports the state of every dependency. The service counts as
// degraded when the server or the store stops answering; it keeps serving
// either way.
func (e *Engine) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:  statusHealthy,
		Version: version.Version,
		Uptime:  time.Since(e.started).Round(time.Second).String(),
	}

	if e.jellyfin.IsConnected(ctx) {
		server := e.jellyfin.ServerInfo(ctx)
		report.Jellyfin = ComponentHealth{
			Status: statusUp,
			Detail: fmt.Sprintf("%s %s", server.Name, server.Version),
		}
	} else {
		report.Jellyfin = ComponentHealth{Status: statusDown}
		report.Status = statusDegraded
	}

	if count, err := e.db.CountItems(ctx); err != nil {
		report.Database = ComponentHealth{Status: statusDown, Detail: err.Error()}
		report.Status = statusDegraded
	} else {
		report.Database = ComponentHealth{
			Status: statusUp,
			Detail: fmt.Sprintf("%d items", count),
		}
	}

	queue := e.dispatcher.Stats()
	report.Queue = QueueHealth{
		Size:        queue.CurrentSize,
		Capacity:    queue.QueueCapacity,
		Utilization: queue.Utilization,
	}

	report.Sync = SyncHealth{Running: e.syncer.Running()}
	run, err := e.db.LastSyncRun(ctx)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		report.Sync.Status = "unknown"
	} else if run != nil {
		report.Sync.Mode = run.Mode
		report.Sync.Status = run.Status
		report.Sync.LastRun = timediff.TimeDiff(run.StartedAt)
	}

	return report
}

// ThumbnailStats is the probe cache counters.
type ThumbnailStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

// StatsReport is the full counter dump served by the stats endpoint. Webhooks
// are listed by display name only.
type StatsReport struct {
	Uptime     string              `json:"uptime"`
	Database   *database.Stats     `json:"database,omitempty"`
	Queue      discord.Stats       `json:"queue"`
	Renderer   render.Stats        `json:"renderer"`
	Caches     []*cache.Stats      `json:"caches"`
	Thumbnails ThumbnailStats      `json:"thumbnails"`
	Providers  []string            `json:"metadata_providers"`
	Webhooks   []string            `json:"webhooks"`
	Jobs       []scheduler.JobInfo `json:"jobs"`
}

// Stats collects counters from every component.
func (e *Engine) Stats(ctx context.Context) (*StatsReport, error) {
	dbStats, err := e.db.GetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect database stats: %w", err)
	}

	hits, misses, size := e.thumbnails.CacheStats()

	return &StatsReport{
		Uptime:   time.Since(e.started).Round(time.Second).String(),
		Database: dbStats,
		Queue:    e.dispatcher.Stats(),
		Renderer: e.renderer.Stats(),
		Caches:   e.caches.GetStats(),
		Thumbnails: ThumbnailStats{
			Hits:   hits,
			Misses: misses,
			Size:   size,
		},
		Providers: e.enricher.ProviderNames(),
		Webhooks:  e.dispatcher.WebhookNames(),
		Jobs:      e.scheduler.Jobs(),
	}, nil
}
