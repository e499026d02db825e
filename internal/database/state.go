package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Sync run outcomes.
const (
	SyncRunRunning   = "running"
	SyncRunCompleted = "completed"
	SyncRunPartial   = "partial"
	SyncRunFailed    = "failed"
)

// SyncRun records one library sync, including runs that are still going.
type SyncRun struct {
	ID             uint   `gorm:"primaryKey"`
	Mode           string `gorm:"index"`
	Status         string `gorm:"index"`
	ItemsProcessed int
	ErrorMessage   *string
	StartedAt      time.Time `gorm:"index"`
	CompletedAt    *time.Time
}

// ServiceState is a single row (id 1) of service-level timestamps.
type ServiceState struct {
	ID                  uint `gorm:"primaryKey"`
	LastSyncTime        *time.Time
	LastVacuumTime      *time.Time
	LastMaintenanceTime *time.Time
	LastStartupTime     *time.Time
}

// StartSyncRun opens a new sync record in the running state.
func (c *Client) StartSyncRun(ctx context.Context, mode string) (*SyncRun, error) {
	run := SyncRun{
		Mode:      mode,
		Status:    SyncRunRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := c.db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, fmt.Errorf("failed to create sync run: %w", err)
	}
	return &run, nil
}

// CompleteSyncRun closes a sync record with its final status.
func (c *Client) CompleteSyncRun(ctx context.Context, runID uint, status string, itemsProcessed int, errMsg *string) error {
	now := time.Now().UTC()
	err := c.db.WithContext(ctx).Model(&SyncRun{}).
		Where("id = ?", runID).
		Updates(map[string]any{
			"status":          status,
			"items_processed": itemsProcessed,
			"error_message":   errMsg,
			"completed_at":    &now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to complete sync run: %w", err)
	}
	return nil
}

// LastSyncRun returns the most recent sync record, or ErrNotFound when no
// sync has ever run.
func (c *Client) LastSyncRun(ctx context.Context) (*SyncRun, error) {
	var run SyncRun
	err := c.db.WithContext(ctx).Order("started_at DESC").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last sync run: %w", err)
	}
	return &run, nil
}

// UpdateLastSyncTime records when the library was last synced successfully.
func (c *Client) UpdateLastSyncTime(ctx context.Context, t time.Time) error {
	return c.updateServiceState(ctx, "last_sync_time", t.UTC())
}

// GetLastSyncTime returns when the library was last synced successfully, or
// nil when it never was.
func (c *Client) GetLastSyncTime(ctx context.Context) (*time.Time, error) {
	state, err := c.getServiceState(ctx)
	if err != nil {
		return nil, err
	}
	return state.LastSyncTime, nil
}

// RecordVacuum records when the database was last compacted.
func (c *Client) RecordVacuum(ctx context.Context, t time.Time) error {
	return c.updateServiceState(ctx, "last_vacuum_time", t.UTC())
}

// RecordMaintenance records when the full maintenance pass last finished.
func (c *Client) RecordMaintenance(ctx context.Context, t time.Time) error {
	return c.updateServiceState(ctx, "last_maintenance_time", t.UTC())
}

// RecordStartup records when the service last started.
func (c *Client) RecordStartup(ctx context.Context, t time.Time) error {
	return c.updateServiceState(ctx, "last_startup_time", t.UTC())
}

func (c *Client) getServiceState(ctx context.Context) (*ServiceState, error) {
	var state ServiceState
	err := c.db.WithContext(ctx).Where(ServiceState{ID: 1}).FirstOrCreate(&state).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load service state: %w", err)
	}
	return &state, nil
}

func (c *Client) updateServiceState(ctx context.Context, column string, value any) error {
	state, err := c.getServiceState(ctx)
	if err != nil {
		return err
	}
	if err := c.db.WithContext(ctx).Model(state).Update(column, value).Error; err != nil {
		return fmt.Errorf("failed to update service state: %w", err)
	}
	return nil
}
