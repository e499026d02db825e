package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/jon4hz/jellynouncer/internal/models"
)

// RatingCache is one cached provider lookup. A row matches an item when any
// stored provider id equals the item's corresponding id, so an item that
// later gains a second provider id still hits its earlier cache entry.
// Misses are cached too (Found false) to keep dead lookups off the network.
type RatingCache struct {
	ID        uint    `gorm:"primaryKey"`
	Provider  string  `gorm:"not null;index"`
	IMDbID    *string `gorm:"column:imdb_id;index"`
	TMDbID    *string `gorm:"column:tmdb_id;index"`
	TVDbID    *string `gorm:"column:tvdb_id;index"`
	Found     bool
	Payload   []byte
	CreatedAt time.Time
	ExpiresAt time.Time `gorm:"index"`
}

// TableName implements the gorm table naming convention.
func (RatingCache) TableName() string { return "ratings_cache" }

// GetCachedRating returns the freshest unexpired cache row for the given
// provider matching any of the keys, or ErrNotFound.
func (c *Client) GetCachedRating(ctx context.Context, provider string, keys models.RatingKeys) (*RatingCache, error) {
	conds, args := ratingKeyConditions(keys)
	if conds == "" {
		return nil, ErrNotFound
	}

	var row RatingCache
	err := c.db.WithContext(ctx).
		Where("provider = ? AND expires_at > ?", provider, time.Now().UTC()).
		Where(conds, args...).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached rating: %w", err)
	}
	return &row, nil
}

// PutCachedRating stores a provider lookup result, replacing any previous
// rows for the same provider and keys.
func (c *Client) PutCachedRating(ctx context.Context, entry *RatingCache) error {
	keys := models.RatingKeys{}
	if entry.IMDbID != nil {
		keys.IMDb = *entry.IMDbID
	}
	if entry.TMDbID != nil {
		keys.TMDb = *entry.TMDbID
	}
	if entry.TVDbID != nil {
		keys.TVDb = *entry.TVDbID
	}
	conds, args := ratingKeyConditions(keys)
	if conds == "" {
		return fmt.Errorf("rating cache entry has no provider ids")
	}

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("provider = ?", entry.Provider).Where(conds, args...).Delete(&RatingCache{}).Error; err != nil {
			return err
		}
		return tx.Create(entry).Error
	})
	if err != nil {
		return fmt.Errorf("failed to store cached rating: %w", err)
	}
	return nil
}

// PurgeExpiredRatings deletes cache rows past their expiry and returns how
// many went away.
func (c *Client) PurgeExpiredRatings(ctx context.Context) (int64, error) {
	result := c.db.WithContext(ctx).Where("expires_at <= ?", time.Now().UTC()).Delete(&RatingCache{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge expired ratings: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ratingKeyConditions builds the any-of match over the provider id columns.
func ratingKeyConditions(keys models.RatingKeys) (string, []any) {
	var conds []string
	var args []any
	if keys.IMDb != "" {
		conds = append(conds, "imdb_id = ?")
		args = append(args, keys.IMDb)
	}
	if keys.TMDb != "" {
		conds = append(conds, "tmdb_id = ?")
		args = append(args, keys.TMDb)
	}
	if keys.TVDb != "" {
		conds = append(conds, "tvdb_id = ?")
		args = append(args, keys.TVDb)
	}
	return strings.Join(conds, " OR "), args
}
