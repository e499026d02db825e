package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jon4hz/jellynouncer/internal/changes"
	"github.com/jon4hz/jellynouncer/internal/database"
	"github.com/jon4hz/jellynouncer/internal/models"
	"github.com/jon4hz/jellynouncer/internal/notify"
)

// readyTimeout bounds how long an incoming webhook waits for the initial
// library sync before giving up.
const readyTimeout = 30 * time.Second

// ErrNotReady is returned while the initial sync is still populating the
// store.
var ErrNotReady = errors.New("initial sync in progress")

// WebhookOutcome describes what an incoming webhook did to the store.
type WebhookOutcome struct {
	Action  string
	Item    *models.MediaItem
	Changes []changes.Change
}

// ProcessWebhook runs the ingest pipeline for one webhook payload: normalize,
// compare against the stored fingerprint, persist and queue a notification
// for new items and upgrades.
func (e *Engine) ProcessWebhook(ctx context.Context, payload *models.WebhookPayload) (*WebhookOutcome, error) {
	waitCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if !e.syncer.WaitUntilReady(waitCtx) {
		return nil, ErrNotReady
	}

	now := time.Now()
	item := payload.ToMediaItem(now)

	// The webhook payload is flat and lossy; prefer the server's own copy
	// of the item when the server answers.
	if e.jellyfin.IsConnected(ctx) {
		if dto, err := e.jellyfin.GetItem(ctx, item.ItemID); err == nil {
			if full := models.FromBaseItem(*dto, e.jellyfin.ServerInfo(ctx), now); full != nil {
				item = full
			}
		} else {
			log.Debug("Item lookup failed, using webhook payload", "item", item.ItemID, "error", err)
		}
	}

	outcome := &WebhookOutcome{Item: item}

	stored, err := e.db.GetFingerprint(ctx, item.ItemID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("failed to load fingerprint for %s: %w", item.ItemID, err)
	}

	switch {
	case errors.Is(err, database.ErrNotFound):
		outcome.Action = models.ActionNewItem
	case stored == item.Fingerprint():
		outcome.Action = models.ActionNoChanges
		return outcome, nil
	default:
		previous, perr := e.db.GetItem(ctx, item.ItemID)
		if perr != nil {
			if !errors.Is(perr, database.ErrNotFound) {
				return nil, fmt.Errorf("failed to load previous record for %s: %w", item.ItemID, perr)
			}
			outcome.Action = models.ActionNewItem
			break
		}
		detected := changes.Detect(previous, item, e.policy)
		if len(detected) == 0 {
			// The fingerprint moved but nothing watched changed.
			outcome.Action = models.ActionHashUpdated
		} else {
			outcome.Action = models.ActionUpgradedItem
			outcome.Changes = detected
		}
	}

	if err := e.db.SaveItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to persist %s: %w", item.ItemID, err)
	}

	if outcome.Action == models.ActionNewItem || outcome.Action == models.ActionUpgradedItem {
		event := notify.Event{Item: item, Action: outcome.Action, Changes: outcome.Changes}
		if err := e.notifier.Notify(ctx, event); err != nil {
			// The ingest succeeded; a full queue must not bounce the webhook.
			log.Warn("Failed to queue notification", "item", item.ItemID, "error", err)
		}
	}

	return outcome, nil
}
