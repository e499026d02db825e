// Package syncer reconciles the canonical store with the Jellyfin library.
// The first ever reconciliation runs silently before ingress is serviced and
// leaves a marker file; later syncs repair drift in the background and
// announce what they find.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/samber/lo"
	api "github.com/sj14/jellyfin-go/api"
	"golang.org/x/sync/errgroup"

	"github.com/jon4hz/jellynouncer/internal/changes"
	"github.com/jon4hz/jellynouncer/internal/database"
	"github.com/jon4hz/jellynouncer/internal/jellyfin"
	"github.com/jon4hz/jellynouncer/internal/models"
	"github.com/jon4hz/jellynouncer/internal/notify"
)

// ErrSyncInProgress is returned when a sync is requested while one is
// already running.
var ErrSyncInProgress = errors.New("a library sync is already running")

// Mode describes why a sync was started.
type Mode string

const (
	// ModeInitial is the first-ever reconciliation. It runs before ingress
	// is serviced and does not notify, the library is not news.
	ModeInitial Mode = "initial"
	// ModeStartup runs in the background on every later service start.
	ModeStartup Mode = "startup"
	// ModePeriodic runs when the last successful sync has grown too old.
	ModePeriodic Mode = "periodic"
	// ModeManual is an admin trigger.
	ModeManual Mode = "manual"
	// ModeRecovery runs when the server came back after being offline.
	ModeRecovery Mode = "recovery"
)

const (
	markerFile        = "init_complete"
	batchParallelism  = 8
	defaultBatchDelay = 100 * time.Millisecond
)

// Result summarizes one finished sync.
type Result struct {
	Status         string        `json:"status"`
	ItemsProcessed int           `json:"items_processed"`
	Duration       time.Duration `json:"duration"`
}

// Syncer drives full library reconciliations.
type Syncer struct {
	store     *database.Client
	client    *jellyfin.Client
	notifier  *notify.Notifier
	policy    changes.Policy
	dataDir   string
	batchSize int

	running   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once

	// Lowered in tests.
	interBatchDelay time.Duration
}

// New creates a syncer. dataDir is where the init marker lives.
func New(store *database.Client, client *jellyfin.Client, notifier *notify.Notifier, policy changes.Policy, dataDir string, batchSize int) *Syncer {
	return &Syncer{
		store:           store,
		client:          client,
		notifier:        notifier,
		policy:          policy,
		dataDir:         dataDir,
		batchSize:       batchSize,
		ready:           make(chan struct{}),
		interBatchDelay: defaultBatchDelay,
	}
}

// MarkerPath returns the init marker location inside dataDir. Removing the
// marker makes the next start run a full initial sync again.
func MarkerPath(dataDir string) string {
	return filepath.Join(dataDir, markerFile)
}

// NeedsInitialSync reports whether the first full reconciliation has ever
// completed.
func (s *Syncer) NeedsInitialSync() bool {
	_, err := os.Stat(MarkerPath(s.dataDir))
	return errors.Is(err, fs.ErrNotExist)
}

// MarkReady releases everyone blocked on Ready. Called by the initial sync
// when it finishes, or directly when no initial sync is needed.
func (s *Syncer) MarkReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Ready is closed once the store is usable for ingress.
func (s *Syncer) Ready() <-chan struct{} { return s.ready }

// Running reports whether a sync is currently in flight.
func (s *Syncer) Running() bool { return s.running.Load() }

// WaitUntilReady blocks until the store is ready for ingress or the context
// expires. Reports false on timeout.
func (s *Syncer) WaitUntilReady(ctx context.Context) bool {
	select {
	case <-s.ready:
		return true
	case <-ctx.Done():
		return false
	}
}

// NeedsPeriodicSync reports whether the last successful sync is older than
// the given interval.
func (s *Syncer) NeedsPeriodicSync(ctx context.Context, interval time.Duration) bool {
	last, err := s.store.GetLastSyncTime(ctx)
	if err != nil {
		log.Warn("Failed to read last sync time", "error", err)
		return false
	}
	return last == nil || time.Since(*last) >= interval
}

// Sync runs one full reconciliation. At most one sync runs at a time;
// concurrent attempts return ErrSyncInProgress immediately.
func (s *Syncer) Sync(ctx context.Context, mode Mode) (*Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		log.Warn("Sync requested while another is running", "mode", mode)
		return nil, ErrSyncInProgress
	}
	defer s.running.Store(false)
	if mode == ModeInitial {
		// Ingress must not block forever on a failed bootstrap.
		defer s.MarkReady()
	}

	start := time.Now()
	run, err := s.store.StartSyncRun(ctx, string(mode))
	if err != nil {
		return nil, fmt.Errorf("failed to start sync run: %w", err)
	}

	log.Info("Library sync started", "mode", mode)
	processed, syncErr := s.stream(ctx, mode)

	status := database.SyncRunCompleted
	var errMsg *string
	if syncErr != nil {
		status = database.SyncRunFailed
		if processed > 0 {
			status = database.SyncRunPartial
		}
		errMsg = lo.ToPtr(syncErr.Error())
	}
	if err := s.store.CompleteSyncRun(ctx, run.ID, status, processed, errMsg); err != nil {
		log.Error("Failed to record sync outcome", "error", err)
	}

	result := &Result{Status: status, ItemsProcessed: processed, Duration: time.Since(start)}
	if syncErr != nil {
		log.Error("Library sync failed", "mode", mode, "items", processed, "error", syncErr)
		return result, syncErr
	}

	if err := s.store.UpdateLastSyncTime(ctx, time.Now()); err != nil {
		log.Error("Failed to record last sync time", "error", err)
	}
	if err := s.writeMarker(); err != nil {
		log.Error("Failed to write init marker", "error", err)
	}

	log.Info("Library sync finished", "mode", mode, "items", processed, "duration", result.Duration)
	return result, nil
}

// stream walks the library page by page. Each batch is decided in parallel,
// committed in one transaction and only then announced, so a crash never
// notifies about an item it did not persist.
func (s *Syncer) stream(ctx context.Context, mode Mode) (int, error) {
	server := s.client.ServerInfo(ctx)
	processed := 0

	for batch := range s.client.StreamItems(ctx, s.batchSize) {
		if batch.Err != nil {
			return processed, batch.Err
		}

		events, err := s.processBatch(ctx, batch.Items, server)
		if err != nil {
			return processed, err
		}
		processed += len(batch.Items)
		log.Debug("Sync progress", "processed", processed, "total", batch.Total)

		if mode != ModeInitial {
			for _, event := range events {
				if err := s.notifier.Notify(ctx, event); err != nil {
					log.Warn("Failed to queue sync notification", "item", event.Item.Name, "error", err)
				}
			}
		}

		if !s.pause(ctx) {
			return processed, ctx.Err()
		}
	}
	return processed, nil
}

// processBatch converts and classifies one page of items in parallel, then
// persists everything that is new or changed in a single batch.
func (s *Syncer) processBatch(ctx context.Context, dtos []api.BaseItemDto, server models.ServerInfo) ([]notify.Event, error) {
	var (
		mu     sync.Mutex
		items  []*models.MediaItem
		events []notify.Event
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchParallelism)
	for _, dto := range dtos {
		g.Go(func() error {
			item := models.FromBaseItem(dto, server, time.Now())
			if item.ItemID == "" {
				return nil
			}

			event, keep, err := s.classify(gctx, item)
			if err != nil {
				return err
			}
			if !keep {
				return nil
			}

			mu.Lock()
			items = append(items, item)
			if event != nil {
				events = append(events, *event)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(items) > 0 {
		if _, err := s.store.SaveItems(ctx, items); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// classify compares a fresh sighting against the stored fingerprint. keep
// reports whether the item needs persisting at all; the event is nil for
// silent outcomes like an unwatched change.
func (s *Syncer) classify(ctx context.Context, item *models.MediaItem) (*notify.Event, bool, error) {
	prevHash, err := s.store.GetFingerprint(ctx, item.ItemID)
	if errors.Is(err, database.ErrNotFound) {
		return &notify.Event{Item: item, Action: models.ActionNewItem}, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	if prevHash == item.Fingerprint() {
		return nil, false, nil
	}

	prior, err := s.store.GetItem(ctx, item.ItemID)
	if errors.Is(err, database.ErrNotFound) {
		return &notify.Event{Item: item, Action: models.ActionNewItem}, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	changeList := changes.Detect(prior, item, s.policy)
	if len(changeList) == 0 {
		// The fingerprint moved but nothing watched changed. Persist quietly.
		return nil, true, nil
	}
	return &notify.Event{Item: item, Action: models.ActionUpgradedItem, Changes: changeList}, true, nil
}

// writeMarker records that a full reconciliation has succeeded. Idempotent.
func (s *Syncer) writeMarker() error {
	path := MarkerPath(s.dataDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644)
}

// pause sleeps the inter-batch delay, bailing out on cancellation.
func (s *Syncer) pause(ctx context.Context) bool {
	if s.interBatchDelay <= 0 {
		return true
	}
	select {
	case <-time.After(s.interBatchDelay):
		return true
	case <-ctx.Done():
		return false
	}
}
