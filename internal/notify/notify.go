// Package notify ties the delivery pipeline together: a record is enriched
// and its artwork resolved in parallel, rendered with the target webhook's
// grouping mode, and handed to the dispatch queue.
package notify

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/jon4hz/jellynouncer/internal/changes"
	"github.com/jon4hz/jellynouncer/internal/discord"
	"github.com/jon4hz/jellynouncer/internal/metadata"
	"github.com/jon4hz/jellynouncer/internal/models"
	"github.com/jon4hz/jellynouncer/internal/render"
	"github.com/jon4hz/jellynouncer/internal/thumbnail"
)

// Event is one store outcome worth telling a channel about.
type Event struct {
	Item    *models.MediaItem
	Action  string
	Changes []changes.Change
}

// Notifier runs the delivery pipeline for store events.
type Notifier struct {
	enricher   *metadata.Enricher
	thumbnails *thumbnail.Resolver
	renderer   *render.Renderer
	dispatcher *discord.Dispatcher
	serverURL  string
}

// New wires the pipeline stages together. serverURL is the fallback base URL
// for records that did not bring their own server context.
func New(enricher *metadata.Enricher, thumbnails *thumbnail.Resolver, renderer *render.Renderer, dispatcher *discord.Dispatcher, serverURL string) *Notifier {
	return &Notifier{
		enricher:   enricher,
		thumbnails: thumbnails,
		renderer:   renderer,
		dispatcher: dispatcher,
		serverURL:  serverURL,
	}
}

// Notify enriches, renders and enqueues one event. Enrichment and artwork
// resolution run concurrently and degrade to empty values, so only a full
// outbound queue can fail a delivery.
func (n *Notifier) Notify(ctx context.Context, event Event) error {
	if event.Item == nil {
		return nil
	}

	key, webhook, ok := n.dispatcher.Resolve(event.Item.ItemType)
	if !ok {
		log.Warn("No webhook configured for media kind, skipping notification",
			"type", event.Item.ItemType, "item", event.Item.Name)
		return nil
	}

	var (
		bundle *metadata.Bundle
		thumb  string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bundle = n.enricher.Enrich(gctx, event.Item)
		return nil
	})
	g.Go(func() error {
		thumb = n.thumbnails.Resolve(gctx, event.Item)
		return nil
	})
	_ = g.Wait()

	msg := n.renderer.Render(render.Context{
		Item:      event.Item,
		Action:    event.Action,
		Thumbnail: thumb,
		Changes:   event.Changes,
		Timestamp: event.Item.UTCTimestamp,
		ServerURL: lo.FromPtrOr(event.Item.ServerURL, n.serverURL),
		Metadata:  bundle,
	}, webhook.GroupingMode)

	if err := n.dispatcher.Enqueue(key, msg); err != nil {
		return fmt.Errorf("failed to enqueue notification for %s: %w", event.Item.Name, err)
	}

	log.Info("Notification queued",
		"item", event.Item.Name,
		"action", event.Action,
		"webhook", webhook.Name,
		"changes", len(event.Changes),
	)
	return nil
}
