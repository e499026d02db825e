package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/jon4hz/jellynouncer/internal/engine"
	"github.com/jon4hz/jellynouncer/internal/models"
	"github.com/jon4hz/jellynouncer/internal/syncer"
)

// webhookResponse is the ingest outcome returned to the webhook plugin.
type webhookResponse struct {
	Status           string  `json:"status"`
	ItemID           string  `json:"item_id"`
	ItemName         string  `json:"item_name"`
	Action           string  `json:"action"`
	ChangesCount     int     `json:"changes_count"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
}

func (s *Server) handleWebhook(c *gin.Context) {
	start := time.Now()

	var payload models.WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	if err := payload.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := s.engine.ProcessWebhook(c.Request.Context(), &payload)
	if err != nil {
		if errors.Is(err, engine.ErrNotReady) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "initial sync in progress"})
			return
		}
		log.Error("Failed to process webhook", "item", payload.ItemID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process webhook"})
		return
	}

	c.JSON(http.StatusOK, webhookResponse{
		Status:           "ok",
		ItemID:           outcome.Item.ItemID,
		ItemName:         outcome.Item.Name,
		Action:           outcome.Action,
		ChangesCount:     len(outcome.Changes),
		ProcessingTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	// Degraded still answers 200: the service itself is up even when an
	// upstream dependency is not.
	c.JSON(http.StatusOK, s.engine.Health(c.Request.Context()))
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.engine.Stats(c.Request.Context())
	if err != nil {
		log.Error("Failed to collect stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to collect stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleSync(c *gin.Context) {
	if err := s.engine.TriggerSync(); err != nil {
		if errors.Is(err, syncer.ErrSyncInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": "a sync is already running"})
			return
		}
		log.Error("Failed to trigger sync", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to trigger sync"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sync started"})
}
