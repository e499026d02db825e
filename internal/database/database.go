// Package database persists the media library snapshot, sync bookkeeping and
// the durable rating cache in a single sqlite file.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jon4hz/jellynouncer/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// pragmas tune sqlite for a long-running service with one writer and many
// readers. busy_timeout keeps concurrent webhook writes from failing while a
// library sync holds the write lock.
const pragmas = "?_pragma=journal_mode(WAL)" +
	"&_pragma=synchronous(NORMAL)" +
	"&_pragma=busy_timeout(30000)" +
	"&_pragma=temp_store(MEMORY)" +
	"&_pragma=mmap_size(268435456)" +
	"&_pragma=foreign_keys(1)"

// Client wraps the gorm.DB instance.
type Client struct {
	db   *gorm.DB
	path string
}

// New creates a new database connection and performs migrations.
func New(path string) (*Client, error) {
	db, err := gorm.Open(sqlite.Open(path+pragmas), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.MediaItem{},
		&SyncRun{},
		&ServiceState{},
		&RatingCache{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Client{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (c *Client) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}
	return sqlDB.Close()
}

// Vacuum compacts the database file and refreshes the query planner
// statistics. Also records the run so the maintenance job can report when it
// last happened.
func (c *Client) Vacuum(ctx context.Context) error {
	start := time.Now()
	if err := c.db.WithContext(ctx).Exec("VACUUM").Error; err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	if err := c.db.WithContext(ctx).Exec("ANALYZE").Error; err != nil {
		return fmt.Errorf("failed to analyze database: %w", err)
	}
	log.Info("Database maintenance completed", "duration", time.Since(start))
	return c.RecordVacuum(ctx, time.Now())
}
