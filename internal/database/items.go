package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shirou/gopsutil/v3/disk"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jon4hz/jellynouncer/internal/models"
)

// upsertBatchSize caps how many rows a single INSERT carries. sqlite limits
// the number of bound variables per statement, and a media row binds a lot of
// columns.
const upsertBatchSize = 50

// BatchResult reports the outcome of a batch write.
type BatchResult struct {
	Successful int
	Failed     int
	Total      int
}

// SaveItem upserts a single record keyed by item id.
func (c *Client) SaveItem(ctx context.Context, item *models.MediaItem) error {
	result := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "item_id"}},
		UpdateAll: true,
	}).Create(item)
	if result.Error != nil {
		log.Error("failed to save media item", "item", item.ItemID, "error", result.Error)
		return fmt.Errorf("failed to save media item: %w", result.Error)
	}
	return nil
}

// SaveItems upserts a batch of records inside one transaction. When the
// transaction fails the rows are retried one by one so a single bad record
// cannot sink the whole batch.
func (c *Client) SaveItems(ctx context.Context, items []*models.MediaItem) (BatchResult, error) {
	res := BatchResult{Total: len(items)}
	if len(items) == 0 {
		return res, nil
	}

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "item_id"}},
			UpdateAll: true,
		}).CreateInBatches(items, upsertBatchSize).Error
	})
	if err == nil {
		res.Successful = len(items)
		return res, nil
	}

	log.Warn("Batch save failed, retrying rows individually", "count", len(items), "error", err)
	for _, item := range items {
		if err := c.SaveItem(ctx, item); err != nil {
			res.Failed++
			continue
		}
		res.Successful++
	}
	return res, nil
}

// GetItem returns the stored record for the given item id.
func (c *Client) GetItem(ctx context.Context, itemID string) (*models.MediaItem, error) {
	var item models.MediaItem
	err := c.db.WithContext(ctx).Where("item_id = ?", itemID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		log.Error("failed to get media item", "item", itemID, "error", err)
		return nil, fmt.Errorf("failed to get media item: %w", err)
	}
	return &item, nil
}

// GetFingerprint returns just the stored content hash for the given item id.
// Cheaper than loading the full record when only the hash matters.
func (c *Client) GetFingerprint(ctx context.Context, itemID string) (string, error) {
	var item models.MediaItem
	err := c.db.WithContext(ctx).
		Select("item_id", "content_hash").
		Where("item_id = ?", itemID).
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get content hash: %w", err)
	}
	return item.ContentHash, nil
}

// GetItemsByType returns records of one media kind, newest first. A limit of
// zero returns everything.
func (c *Client) GetItemsByType(ctx context.Context, itemType string, limit int) ([]models.MediaItem, error) {
	tx := c.db.WithContext(ctx).
		Where("item_type = ?", itemType).
		Order("last_updated DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}

	var items []models.MediaItem
	if err := tx.Find(&items).Error; err != nil {
		log.Error("failed to get media items by type", "type", itemType, "error", err)
		return nil, fmt.Errorf("failed to get media items by type: %w", err)
	}
	return items, nil
}

// DeleteItem removes a record. Deleting an unknown id is not an error.
func (c *Client) DeleteItem(ctx context.Context, itemID string) error {
	result := c.db.WithContext(ctx).Where("item_id = ?", itemID).Delete(&models.MediaItem{})
	if result.Error != nil {
		log.Error("failed to delete media item", "item", itemID, "error", result.Error)
		return fmt.Errorf("failed to delete media item: %w", result.Error)
	}
	return nil
}

// CountItems returns the number of stored records.
func (c *Client) CountItems(ctx context.Context) (int64, error) {
	var count int64
	if err := c.db.WithContext(ctx).Model(&models.MediaItem{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count media items: %w", err)
	}
	return count, nil
}

// Stats summarizes the stored library and the database file itself.
type Stats struct {
	TotalItems      int64            `json:"total_items"`
	ItemsByType     map[string]int64 `json:"items_by_type"`
	UpdatedLastDay  int64            `json:"updated_last_day"`
	TotalFileSize   int64            `json:"total_file_size"`
	DatabaseSize    int64            `json:"database_size"`
	DiskUsePercent  float64          `json:"disk_use_percent"`
	LastSync        *time.Time       `json:"last_sync,omitempty"`
	LastVacuum      *time.Time       `json:"last_vacuum,omitempty"`
	LastMaintenance *time.Time       `json:"last_maintenance,omitempty"`
}

// GetStats collects the library statistics reported by the stats endpoint.
func (c *Client) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ItemsByType: make(map[string]int64)}

	if err := c.db.WithContext(ctx).Model(&models.MediaItem{}).Count(&stats.TotalItems).Error; err != nil {
		return nil, fmt.Errorf("failed to count media items: %w", err)
	}

	var byType []struct {
		ItemType string
		Count    int64
	}
	err := c.db.WithContext(ctx).Model(&models.MediaItem{}).
		Select("item_type, COUNT(*) AS count").
		Group("item_type").
		Scan(&byType).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count media items by type: %w", err)
	}
	for _, row := range byType {
		stats.ItemsByType[row.ItemType] = row.Count
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	err = c.db.WithContext(ctx).Model(&models.MediaItem{}).
		Where("last_updated >= ?", since).
		Count(&stats.UpdatedLastDay).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count recent media items: %w", err)
	}

	err = c.db.WithContext(ctx).Model(&models.MediaItem{}).
		Select("COALESCE(SUM(file_size), 0)").
		Scan(&stats.TotalFileSize).Error
	if err != nil {
		return nil, fmt.Errorf("failed to sum media file sizes: %w", err)
	}

	if info, err := os.Stat(c.path); err == nil {
		stats.DatabaseSize = info.Size()
	}
	if usage, err := disk.UsageWithContext(ctx, filepath.Dir(c.path)); err == nil {
		stats.DiskUsePercent = usage.UsedPercent
	} else {
		log.Debug("failed to get disk usage", "path", filepath.Dir(c.path), "error", err)
	}

	state, err := c.getServiceState(ctx)
	if err != nil {
		return nil, err
	}
	stats.LastSync = state.LastSyncTime
	stats.LastVacuum = state.LastVacuumTime
	stats.LastMaintenance = state.LastMaintenanceTime

	return stats, nil
}
