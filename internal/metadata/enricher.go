package metadata

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/jon4hz/jellynouncer/internal/cache"
	"github.com/jon4hz/jellynouncer/internal/config"
	"github.com/jon4hz/jellynouncer/internal/database"
	"github.com/jon4hz/jellynouncer/internal/models"
)

const (
	// maxInFlight caps concurrent provider lookups per enrichment.
	maxInFlight = 3
	defaultTTL  = 168 * time.Hour
)

// Enricher fans out to the enabled providers and unifies their ratings.
// Lookups go memory tier, then database tier, then network; hits in either
// tier, including cached misses, keep the network out of the delivery path.
type Enricher struct {
	providers []Provider
	memory    *cache.PrefixedCache[models.CachedProviderResult]
	store     *database.Client
	ttl       time.Duration
}

// New builds the enricher from the provider configuration. Disabled or
// missing providers are simply absent from the fan-out.
func New(cfg *config.MetadataConfig, store *database.Client, memory *cache.PrefixedCache[models.CachedProviderResult], httpClient *http.Client) *Enricher {
	e := &Enricher{
		memory: memory,
		store:  store,
		ttl:    defaultTTL,
	}
	if cfg == nil {
		return e
	}
	if cfg.CacheTTL > 0 {
		e.ttl = cfg.CacheTTL
	}
	if p := cfg.OMDb; p != nil && p.Enabled {
		e.providers = append(e.providers, NewOMDb(p.APIKey, httpClient))
	}
	if p := cfg.TMDb; p != nil && p.Enabled {
		e.providers = append(e.providers, NewTMDb(p.APIKey, httpClient))
	}
	if p := cfg.TVDb; p != nil && p.Enabled {
		e.providers = append(e.providers, NewTVDb(p.APIKey, httpClient))
	}
	return e
}

// ProviderNames lists the enabled providers.
func (e *Enricher) ProviderNames() []string {
	return lo.Map(e.providers, func(p Provider, _ int) string { return p.Name() })
}

// Enrich gathers provider metadata for one record. It never fails: provider
// errors are logged and that provider's slot stays nil.
func (e *Enricher) Enrich(ctx context.Context, item *models.MediaItem) *Bundle {
	bundle := &Bundle{}
	if item == nil || len(e.providers) == 0 {
		return bundle
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)
	for _, p := range e.providers {
		if !p.Usable(item) {
			continue
		}
		g.Go(func() error {
			result := e.lookup(gctx, p, item)
			if result == nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			switch p.Name() {
			case "omdb":
				bundle.OMDb = result
			case "tmdb":
				bundle.TMDb = result
			case "tvdb":
				bundle.TVDb = result
			}
			return nil
		})
	}
	// Lookups swallow their own failures.
	_ = g.Wait()

	bundle.Ratings = unifyRatings(bundle.OMDb, bundle.TMDb, bundle.TVDb)
	return bundle
}

// lookup resolves one provider through the cache tiers.
func (e *Enricher) lookup(ctx context.Context, p Provider, item *models.MediaItem) *ProviderResult {
	key := p.Name() + ":" + p.Key(item)

	if entry, err := e.memory.Get(ctx, key); err == nil {
		return decodeEntry(p.Name(), entry)
	}

	if row, err := e.store.GetCachedRating(ctx, p.Name(), item.Keys()); err == nil {
		entry := models.CachedProviderResult{Found: row.Found, Payload: row.Payload}
		if err := e.memory.SetWithTTL(ctx, key, entry, e.ttl); err != nil {
			log.Debug("Failed to seed memory rating cache", "provider", p.Name(), "error", err)
		}
		return decodeEntry(p.Name(), entry)
	}

	result, err := p.Fetch(ctx, item)
	if err != nil {
		log.Warn("Metadata provider lookup failed", "provider", p.Name(), "item", item.Name, "error", err)
		return nil
	}

	e.remember(ctx, p, item, key, result)
	return result
}

// remember writes a lookup outcome, hit or miss, into both cache tiers.
func (e *Enricher) remember(ctx context.Context, p Provider, item *models.MediaItem, key string, result *ProviderResult) {
	entry := models.CachedProviderResult{Found: result != nil}
	if result != nil {
		payload, err := json.Marshal(result)
		if err != nil {
			log.Debug("Failed to encode provider result", "provider", p.Name(), "error", err)
			return
		}
		entry.Payload = payload
	}

	if err := e.memory.SetWithTTL(ctx, key, entry, e.ttl); err != nil {
		log.Debug("Failed to cache provider result", "provider", p.Name(), "error", err)
	}

	keys := item.Keys()
	if keys.Empty() {
		return
	}
	now := time.Now().UTC()
	row := &database.RatingCache{
		Provider:  p.Name(),
		IMDbID:    lo.EmptyableToPtr(keys.IMDb),
		TMDbID:    lo.EmptyableToPtr(keys.TMDb),
		TVDbID:    lo.EmptyableToPtr(keys.TVDb),
		Found:     entry.Found,
		Payload:   entry.Payload,
		CreatedAt: now,
		ExpiresAt: now.Add(e.ttl),
	}
	if err := e.store.PutCachedRating(ctx, row); err != nil {
		log.Warn("Failed to store rating cache row", "provider", p.Name(), "error", err)
	}
}

func decodeEntry(provider string, entry models.CachedProviderResult) *ProviderResult {
	if !entry.Found || len(entry.Payload) == 0 {
		return nil
	}
	var result ProviderResult
	if err := json.Unmarshal(entry.Payload, &result); err != nil {
		log.Debug("Corrupt cached provider payload", "provider", provider, "error", err)
		return nil
	}
	return &result
}

// unifyRatings merges provider ratings into one map on a 0..10 scale. The
// provider order is fixed, the first provider reporting a source wins.
func unifyRatings(results ...*ProviderResult) map[string]float64 {
	ratings := make(map[string]float64)
	for _, result := range results {
		if result == nil {
			continue
		}
		for _, raw := range result.Ratings {
			if raw.Source == "" {
				continue
			}
			if _, ok := ratings[raw.Source]; ok {
				continue
			}
			if value, ok := normalizeRating(raw.Value); ok {
				ratings[raw.Source] = value
			}
		}
	}
	if len(ratings) == 0 {
		return nil
	}
	return ratings
}

// normalizeRating converts the notations providers report into a 0..10
// scale: "8.7/10" and bare floats pass through, "88%" divides by 10, "x/y"
// scales by 10/y (which covers "/100"). Unknown notations are dropped.
func normalizeRating(value string) (float64, bool) {
	s := strings.TrimSpace(value)
	if s == "" {
		return 0, false
	}

	if cut, ok := strings.CutSuffix(s, "%"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(cut), 64)
		if err != nil {
			return 0, false
		}
		return round1(f / 10), true
	}

	if num, den, ok := strings.Cut(s, "/"); ok {
		x, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
		if err != nil {
			return 0, false
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(den), 64)
		if err != nil || y == 0 {
			return 0, false
		}
		return round1(x / y * 10), true
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return round1(f), true
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
