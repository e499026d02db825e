package cache

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/eko/gocache/lib/v4/codec"
	"github.com/jon4hz/jellynouncer/internal/config"
	"github.com/jon4hz/jellynouncer/internal/models"
)

// Cache key prefixes.
const (
	ServerInfoCachePrefix = "jellyfin-server-"
	RatingsCachePrefix    = "ratings-"
)

// ServiceCache groups the typed caches shared across the service.
type ServiceCache struct {
	// ServerInfo holds the upstream server identity.
	ServerInfo *PrefixedCache[models.ServerInfo]
	// Ratings holds provider lookup outcomes ahead of the database tier.
	Ratings *PrefixedCache[models.CachedProviderResult]
}

// NewServiceCache creates the typed caches on top of the configured backend.
func NewServiceCache(cfg *config.CacheConfig) *ServiceCache {
	return &ServiceCache{
		ServerInfo: NewPrefixedCache[models.ServerInfo](New(cfg), ServerInfoCachePrefix),
		Ratings:    NewPrefixedCache[models.CachedProviderResult](New(cfg), RatingsCachePrefix),
	}
}

// ClearAll removes every cached entry.
func (s *ServiceCache) ClearAll(ctx context.Context) {
	errs := []error{
		s.ServerInfo.Clear(ctx),
		s.Ratings.Clear(ctx),
	}
	for _, err := range errs {
		if err != nil {
			log.Errorf("failed to clear cache: %v", err)
		}
	}
}

// Stats pairs codec counters with the cache they belong to.
type Stats struct {
	*codec.Stats
	CacheName string `json:"cacheName"`
}

// GetStats reports hit/miss counters for every cache.
func (s *ServiceCache) GetStats() []*Stats {
	return []*Stats{
		{
			Stats:     s.ServerInfo.GetStats(),
			CacheName: "server-info",
		},
		{
			Stats:     s.Ratings.GetStats(),
			CacheName: "ratings",
		},
	}
}
