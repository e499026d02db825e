// Package thumbnail picks a displayable artwork URL for a media item by
// probing the Jellyfin image endpoints. Candidates are tried in a per-kind
// order so episodes fall back to their season and series artwork, and every
// outcome is cached to keep repeated deliveries off the server.
package thumbnail

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/jon4hz/jellynouncer/internal/config"
	"github.com/jon4hz/jellynouncer/internal/models"
)

const (
	probeTimeout = 5 * time.Second

	defaultQuality   = 90
	defaultMaxWidth  = 500
	defaultMaxHeight = 400
	defaultCacheTTL  = time.Hour
	defaultCacheSize = 500
)

// Resolver verifies artwork URLs against a Jellyfin server.
type Resolver struct {
	serverURL string
	http      *http.Client
	cache     *lruCache
	quality   int
	maxWidth  int
	maxHeight int
}

// New creates a resolver for the given server. A nil httpClient falls back
// to a default client, a nil config falls back to the default dimensions.
func New(serverURL string, cfg *config.ThumbnailConfig, httpClient *http.Client) *Resolver {
	r := &Resolver{
		serverURL: strings.TrimRight(serverURL, "/"),
		http:      httpClient,
		quality:   defaultQuality,
		maxWidth:  defaultMaxWidth,
		maxHeight: defaultMaxHeight,
	}
	if r.http == nil {
		r.http = &http.Client{Timeout: probeTimeout}
	}

	ttl := defaultCacheTTL
	size := defaultCacheSize
	if cfg != nil {
		if cfg.Quality > 0 {
			r.quality = cfg.Quality
		}
		if cfg.MaxWidth > 0 {
			r.maxWidth = cfg.MaxWidth
		}
		if cfg.MaxHeight > 0 {
			r.maxHeight = cfg.MaxHeight
		}
		if cfg.CacheTTL > 0 {
			ttl = cfg.CacheTTL
		}
		if cfg.CacheSize > 0 {
			size = cfg.CacheSize
		}
	}
	r.cache = newLRUCache(size, ttl)
	return r
}

// Resolve returns the first reachable artwork URL for the item, or an empty
// string when no candidate answers. Both outcomes are cached, so a dead item
// stays quiet until its cache entry expires.
func (r *Resolver) Resolve(ctx context.Context, item *models.MediaItem) string {
	if item == nil || item.ItemID == "" {
		return ""
	}

	if cached, ok := r.cache.get(item.ItemID); ok {
		return cached.URL
	}

	for _, candidate := range r.candidates(item) {
		if r.probe(ctx, candidate) {
			r.cache.add(item.ItemID, Result{URL: candidate, Found: true})
			return candidate
		}
	}

	log.Debug("No reachable artwork for item", "item", item.Name, "id", item.ItemID)
	r.cache.add(item.ItemID, Result{})
	return ""
}

// CacheStats reports the probe cache counters.
func (r *Resolver) CacheStats() (hits, misses int64, size int) {
	return r.cache.stats()
}

// PruneCache drops expired probe outcomes and reports how many went away.
func (r *Resolver) PruneCache() int {
	return r.cache.cleanupExpired()
}

// candidates builds the ordered artwork URLs for the item. Episodes and
// seasons climb up to their series artwork, music climbs to the album.
// Candidates whose owning item id is unknown are skipped.
func (r *Resolver) candidates(item *models.MediaItem) []string {
	var urls []string
	add := func(itemID, imageType string, tag *string) {
		if itemID == "" {
			return
		}
		urls = append(urls, r.imageURL(itemID, imageType, tag))
	}

	switch item.ItemType {
	case models.KindEpisode:
		add(item.ItemID, "Primary", item.PrimaryImageTag)
		add(lo.FromPtr(item.SeasonID), "Primary", item.ParentPrimaryImageTag)
		add(lo.FromPtr(item.SeriesID), "Primary", item.SeriesPrimaryImageTag)
		add(lo.FromPtr(item.SeriesID), "Logo", item.SeriesLogoImageTag)
	case models.KindSeason:
		add(item.ItemID, "Primary", item.PrimaryImageTag)
		add(lo.FromPtr(item.SeriesID), "Primary", item.SeriesPrimaryImageTag)
		add(lo.FromPtr(item.SeriesID), "Logo", item.SeriesLogoImageTag)
	case models.KindSeries:
		add(item.ItemID, "Primary", item.PrimaryImageTag)
		add(item.ItemID, "Logo", item.LogoImageTag)
		add(item.ItemID, "Backdrop", item.BackdropImageTag)
	case models.KindMovie:
		add(item.ItemID, "Primary", item.PrimaryImageTag)
		add(item.ItemID, "Backdrop", item.BackdropImageTag)
	case models.KindAudio, models.KindMusicAlbum:
		add(item.ItemID, "Primary", item.PrimaryImageTag)
		add(lo.FromPtr(item.ParentID), "Primary", item.ParentPrimaryImageTag)
	default:
		add(item.ItemID, "Primary", item.PrimaryImageTag)
		add(item.ItemID, "Thumb", item.ThumbImageTag)
	}
	return urls
}

// imageURL builds one image endpoint URL with the standard size parameters.
func (r *Resolver) imageURL(itemID, imageType string, tag *string) string {
	params := url.Values{}
	params.Set("quality", strconv.Itoa(r.quality))
	params.Set("maxWidth", strconv.Itoa(r.maxWidth))
	params.Set("maxHeight", strconv.Itoa(r.maxHeight))
	if t := lo.FromPtr(tag); t != "" {
		params.Set("tag", t)
	}
	return fmt.Sprintf("%s/Items/%s/Images/%s?%s", r.serverURL, canonicalID(itemID), imageType, params.Encode())
}

// probe checks a candidate with a HEAD request. Only 200 and 206 responses
// that carry an image content type count as reachable.
func (r *Resolver) probe(ctx context.Context, candidate string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, candidate, nil)
	if err != nil {
		return false
	}
	resp, err := r.http.Do(req)
	if err != nil {
		log.Debug("Thumbnail probe failed", "error", err)
		return false
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return false
	}
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "image/")
}

// canonicalID reformats ids that arrive without separators into the
// hyphenated UUID form the image endpoints expect. Anything unparseable
// passes through untouched.
func canonicalID(id string) string {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return id
	}
	return parsed.String()
}
