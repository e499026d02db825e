// Package jellyfin wraps the generated Jellyfin API behind the handful of
// calls the service needs: single item lookup, streaming library pagination
// and server identity.
package jellyfin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ccoveille/go-safecast"
	"github.com/charmbracelet/log"
	"github.com/jon4hz/jellynouncer/internal/cache"
	"github.com/jon4hz/jellynouncer/internal/config"
	"github.com/jon4hz/jellynouncer/internal/models"
	"github.com/jon4hz/jellynouncer/internal/version"
	jellyfin "github.com/sj14/jellyfin-go/api"
)

var (
	// ErrNotFound is returned when the server does not know the requested item.
	ErrNotFound = errors.New("item not found on server")
	// ErrNotConnected is returned when the server cannot be reached.
	ErrNotConnected = errors.New("jellyfin server not reachable")
)

const (
	connectAttempts = 3
	// identityTTL is how long the cached server identity stays valid.
	identityTTL = time.Hour
	identityKey = "identity"
	// maxPageSkips bounds how many consecutive failing pages a library scan
	// steps over before giving up.
	maxPageSkips = 3
)

// itemFields is everything the canonical record needs beyond the fields the
// server always returns.
var itemFields = []jellyfin.ItemFields{
	jellyfin.ITEMFIELDS_OVERVIEW,
	jellyfin.ITEMFIELDS_TAGLINES,
	jellyfin.ITEMFIELDS_GENRES,
	jellyfin.ITEMFIELDS_STUDIOS,
	jellyfin.ITEMFIELDS_TAGS,
	jellyfin.ITEMFIELDS_DATE_CREATED,
	jellyfin.ITEMFIELDS_MEDIA_SOURCES,
	jellyfin.ITEMFIELDS_MEDIA_STREAMS,
	jellyfin.ITEMFIELDS_PROVIDER_IDS,
	jellyfin.ITEMFIELDS_PATH,
	jellyfin.ITEMFIELDS_PARENT_ID,
	jellyfin.ITEMFIELDS_AIR_TIME,
	jellyfin.ITEMFIELDS_WIDTH,
	jellyfin.ITEMFIELDS_HEIGHT,
}

// trackedKinds are the media kinds the service announces.
var trackedKinds = []jellyfin.BaseItemKind{
	jellyfin.BASEITEMKIND_MOVIE,
	jellyfin.BASEITEMKIND_SERIES,
	jellyfin.BASEITEMKIND_SEASON,
	jellyfin.BASEITEMKIND_EPISODE,
	jellyfin.BASEITEMKIND_AUDIO,
	jellyfin.BASEITEMKIND_MUSIC_ALBUM,
	jellyfin.BASEITEMKIND_MUSIC_ARTIST,
}

// Client provides a high-level interface for interacting with Jellyfin.
type Client struct {
	jellyfin *jellyfin.APIClient
	cfg      *config.JellyfinConfig
	identity *cache.PrefixedCache[models.ServerInfo]

	mu        sync.Mutex
	online    bool
	lastProbe time.Time

	connectBaseDelay time.Duration
	probeInterval    time.Duration
}

// ItemBatch is one page of a library scan.
type ItemBatch struct {
	Items []jellyfin.BaseItemDto
	Total int
	Err   error
}

// New creates a new Jellyfin client with the given configuration. A nil
// httpClient falls back to the generated client's default transport.
func New(cfg *config.JellyfinConfig, httpClient *http.Client, identity *cache.PrefixedCache[models.ServerInfo]) *Client {
	clientConfig := jellyfin.NewConfiguration()
	clientConfig.Servers = jellyfin.ServerConfigurations{
		{
			URL:         cfg.URL,
			Description: "Jellyfin server",
		},
	}
	clientConfig.DefaultHeader = map[string]string{"Authorization": fmt.Sprintf(`MediaBrowser Token="%s"`, cfg.APIKey)}
	clientConfig.UserAgent = fmt.Sprintf("Jellynouncer/%s", version.Version)
	if httpClient != nil {
		clientConfig.HTTPClient = httpClient
	}

	return &Client{
		jellyfin:         jellyfin.NewAPIClient(clientConfig),
		cfg:              cfg,
		identity:         identity,
		connectBaseDelay: 2 * time.Second,
		probeInterval:    5 * time.Minute,
	}
}

// Connect verifies the server is reachable, retrying with exponential backoff
// (2s, 4s, 8s). The service still starts when this fails; the connectivity
// watcher keeps probing in the background.
func (c *Client) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		info, err := c.probe(ctx)
		if err == nil {
			log.Info("Connected to Jellyfin server", "name", info.Name, "version", info.Version)
			return nil
		}
		lastErr = err
		if attempt == connectAttempts {
			break
		}

		delay := c.connectBaseDelay << (attempt - 1)
		log.Warn("Jellyfin server not reachable, retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("failed to connect to jellyfin server: %w", lastErr)
}

// IsConnected reports whether the server answered a probe within the probe
// interval, probing again once the last answer is stale.
func (c *Client) IsConnected(ctx context.Context) bool {
	c.mu.Lock()
	fresh := c.online && time.Since(c.lastProbe) < c.probeInterval
	c.mu.Unlock()
	if fresh {
		return true
	}

	_, err := c.probe(ctx)
	return err == nil
}

// Ping forces a reachability probe, bypassing the cached verdict. The
// connectivity watcher uses it to catch offline and online edges promptly.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.probe(ctx)
	return err
}

// probe asks the server for its public system info and records the outcome.
func (c *Client) probe(ctx context.Context) (models.ServerInfo, error) {
	info, _, err := c.jellyfin.SystemAPI.GetPublicSystemInfo(ctx).Execute()

	c.mu.Lock()
	c.lastProbe = time.Now()
	c.online = err == nil
	c.mu.Unlock()

	if err != nil {
		return models.ServerInfo{}, fmt.Errorf("failed to reach jellyfin server: %w", err)
	}

	server := models.ServerInfo{
		ID:      info.GetId(),
		Name:    info.GetServerName(),
		Version: info.GetVersion(),
		URL:     c.cfg.URL,
	}
	if err := c.identity.SetWithTTL(ctx, identityKey, server, identityTTL); err != nil {
		log.Debug("Failed to cache server identity", "error", err)
	}
	return server, nil
}

// ServerInfo returns the server identity, preferring the cached copy. When
// the server never answered, a placeholder identity is returned so callers
// can keep rendering.
func (c *Client) ServerInfo(ctx context.Context) models.ServerInfo {
	if info, err := c.identity.Get(ctx, identityKey); err == nil && info.ID != "" {
		return info
	}
	if info, err := c.probe(ctx); err == nil {
		return info
	}
	return models.ServerInfo{
		Name: "Unknown Server",
		URL:  c.cfg.URL,
	}
}

// GetItem fetches a single item with the full field set the converter reads.
func (c *Client) GetItem(ctx context.Context, id string) (*jellyfin.BaseItemDto, error) {
	resp, _, err := c.jellyfin.ItemsAPI.GetItems(ctx).
		Ids([]string{id}).
		Fields(itemFields).
		Recursive(true).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s: %w", id, err)
	}

	items := resp.GetItems()
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return &items[0], nil
}

// StreamItems pages through the library and sends each page on the returned
// channel as soon as it arrives. A failing page is logged and skipped so one
// bad page cannot hide the rest of the library; after maxPageSkips
// consecutive failures the scan stops and the error is delivered as the
// final batch. The channel closes when the scan is done.
func (c *Client) StreamItems(ctx context.Context, batchSize int) <-chan ItemBatch {
	out := make(chan ItemBatch)
	go func() {
		defer close(out)
		c.streamItems(ctx, batchSize, out)
	}()
	return out
}

func (c *Client) streamItems(ctx context.Context, batchSize int, out chan<- ItemBatch) {
	limit, err := safecast.Convert[int32](batchSize)
	if err != nil || limit <= 0 {
		limit = 100
	}

	var (
		startIndex int32
		skips      int
	)
	for {
		resp, _, err := c.jellyfin.ItemsAPI.GetItems(ctx).
			Recursive(true).
			StartIndex(startIndex).
			Limit(limit).
			Fields(itemFields).
			IncludeItemTypes(trackedKinds).
			Execute()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			skips++
			if skips >= maxPageSkips {
				select {
				case out <- ItemBatch{Err: fmt.Errorf("failed to page library at index %d: %w", startIndex, err)}:
				case <-ctx.Done():
				}
				return
			}
			// Skip past the failing page, the rest of the library is still
			// reachable.
			log.Warn("Failed to fetch library page, skipping", "start", startIndex, "error", err)
			startIndex += limit
			continue
		}
		skips = 0

		items := resp.GetItems()
		if len(items) == 0 {
			return
		}

		totalRecordCount := resp.GetTotalRecordCount()
		select {
		case out <- ItemBatch{Items: items, Total: int(totalRecordCount)}:
		case <-ctx.Done():
			return
		}

		itemsLen, err := safecast.Convert[int32](len(items))
		if err != nil {
			select {
			case out <- ItemBatch{Err: fmt.Errorf("failed to cast items length: %w", err)}:
			case <-ctx.Done():
			}
			return
		}
		if startIndex+itemsLen >= totalRecordCount {
			return
		}
		startIndex += itemsLen
	}
}

// GetAllItems drains the stream into a single slice. The optional onBatch
// callback reports progress after each page.
func (c *Client) GetAllItems(ctx context.Context, batchSize int, onBatch func(fetched, total int)) ([]jellyfin.BaseItemDto, error) {
	var allItems []jellyfin.BaseItemDto
	for batch := range c.StreamItems(ctx, batchSize) {
		if batch.Err != nil {
			return allItems, batch.Err
		}
		allItems = append(allItems, batch.Items...)
		if onBatch != nil {
			onBatch(len(allItems), batch.Total)
		}
	}
	if err := ctx.Err(); err != nil {
		return allItems, err
	}
	return allItems, nil
}
