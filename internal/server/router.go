package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/presswise/signet/internal/devices"
	"github.com/presswise/signet/internal/events"
	"github.com/presswise/signet/internal/queue"
	"github.com/presswise/signet/internal/syncer"
	"go.uber.org/zap"
)

var (
	errMissingQueueService = errors.New("queue service dependency required")
	errMissingSyncEngine   = errors.New("sync engine dependency required")
	errMissingEventBus     = errors.New("event bus dependency required")
)

// Dependencies wires the HTTP surface to the queue components.
type Dependencies struct {
	Queue   *queue.Service
	Engine  *syncer.Engine
	Events  *events.Bus
	Devices *devices.Service
	Logger  *zap.Logger
}

// NewHTTPHandler builds the gin router for the queue service.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Queue == nil {
		return nil, errMissingQueueService
	}
	if deps.Engine == nil {
		return nil, errMissingSyncEngine
	}
	if deps.Events == nil {
		return nil, errMissingEventBus
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		queue:   deps.Queue,
		engine:  deps.Engine,
		events:  deps.Events,
		devices: deps.Devices,
		logger:  logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/submissions", handler.handleSaveSubmission)
	router.GET("/submissions", handler.handleListSubmissions)
	router.GET("/sync/status", handler.handleSyncStatus)
	router.POST("/sync/force", handler.handleForceSync)
	router.POST("/maintenance/cleanup", handler.handleCleanup)
	router.GET("/events/stream", handler.handleEventStream)
	if deps.Devices != nil {
		router.GET("/devices", handler.handleListDevices)
	}

	return router, nil
}

type httpHandler struct {
	queue   *queue.Service
	engine  *syncer.Engine
	events  *events.Bus
	devices *devices.Service
	logger  *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type saveRequestPayload struct {
	SubjectID      string          `json:"subject_id"`
	Payload        json.RawMessage `json:"payload"`
	DevicePlatform string          `json:"device_platform"`
	Latitude       *float64        `json:"latitude"`
	Longitude      *float64        `json:"longitude"`
	AccuracyMeters *float64        `json:"accuracy_m"`
}

type saveResponsePayload struct {
	RecordID   string `json:"record_id"`
	SyncStatus string `json:"sync_status"`
}

func (h *httpHandler) handleSaveSubmission(c *gin.Context) {
	var request saveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	subjectID, err := queue.NewSubjectID(request.SubjectID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subject_id"})
		return
	}
	if len(request.Payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_payload"})
		return
	}

	recordID, err := h.queue.SaveOffline(c.Request.Context(), queue.SaveRequest{
		SubjectID:      subjectID,
		PayloadJSON:    string(request.Payload),
		DevicePlatform: request.DevicePlatform,
		Latitude:       request.Latitude,
		Longitude:      request.Longitude,
		AccuracyMeters: request.AccuracyMeters,
	})
	if err != nil {
		if errors.Is(err, queue.ErrStorageUnavailable) {
			h.logger.Error("submission save hit unavailable storage", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable"})
			return
		}
		h.logger.Warn("submission save rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	c.JSON(http.StatusCreated, saveResponsePayload{
		RecordID:   recordID.String(),
		SyncStatus: queue.SyncStatusPending.String(),
	})
}

type recordPayload struct {
	RecordID             string          `json:"record_id"`
	SubjectID            string          `json:"subject_id"`
	Payload              json.RawMessage `json:"payload"`
	DevicePlatform       string          `json:"device_platform,omitempty"`
	Latitude             *float64        `json:"latitude,omitempty"`
	Longitude            *float64        `json:"longitude,omitempty"`
	AccuracyMeters       *float64        `json:"accuracy_m,omitempty"`
	CreatedAtSeconds     int64           `json:"created_at_s"`
	SyncStatus           string          `json:"sync_status"`
	SyncAttempts         int             `json:"sync_attempts"`
	LastAttemptAtSeconds int64           `json:"last_attempt_at_s"`
}

func (h *httpHandler) handleListSubmissions(c *gin.Context) {
	records, err := h.queue.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list submissions", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable"})
		return
	}

	response := make([]recordPayload, 0, len(records))
	for _, record := range records {
		response = append(response, recordPayload{
			RecordID:             record.RecordID,
			SubjectID:            record.SubjectID,
			Payload:              json.RawMessage(record.PayloadJSON),
			DevicePlatform:       record.DevicePlatform,
			Latitude:             record.Latitude,
			Longitude:            record.Longitude,
			AccuracyMeters:       record.AccuracyMeters,
			CreatedAtSeconds:     record.CreatedAtSeconds,
			SyncStatus:           record.SyncStatus.String(),
			SyncAttempts:         record.SyncAttempts,
			LastAttemptAtSeconds: record.LastAttemptAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"records": response})
}

type statusResponsePayload struct {
	Online               bool  `json:"online"`
	SyncInProgress       bool  `json:"sync_in_progress"`
	PendingCount         int64 `json:"pending_count"`
	SyncingCount         int64 `json:"syncing_count"`
	SyncedCount          int64 `json:"synced_count"`
	FailedCount          int64 `json:"failed_count"`
	LastAttemptAtSeconds int64 `json:"last_attempt_at_s"`
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	summary, err := h.queue.StatusSummary(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to build sync status summary", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable"})
		return
	}
	c.JSON(http.StatusOK, statusResponsePayload{
		Online:               summary.Online,
		SyncInProgress:       summary.SyncInProgress,
		PendingCount:         summary.PendingCount,
		SyncingCount:         summary.SyncingCount,
		SyncedCount:          summary.SyncedCount,
		FailedCount:          summary.FailedCount,
		LastAttemptAtSeconds: summary.LastAttemptAtSeconds,
	})
}

func (h *httpHandler) handleForceSync(c *gin.Context) {
	if !h.engine.Online() {
		c.JSON(http.StatusConflict, gin.H{"error": "offline"})
		return
	}
	go func() {
		if err := h.engine.ForceSyncAll(context.Background()); err != nil {
			h.logger.Warn("forced sync did not run", zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "sync_triggered"})
}

type cleanupRequestPayload struct {
	DaysToKeep *int `json:"days_to_keep"`
}

func (h *httpHandler) handleCleanup(c *gin.Context) {
	var request cleanupRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.DaysToKeep == nil || *request.DaysToKeep < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	deleted, err := h.queue.Cleanup(c.Request.Context(), *request.DaysToKeep)
	if err != nil {
		h.logger.Error("cleanup failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

type devicePayload struct {
	Platform    string `json:"platform"`
	FirstSeenAt string `json:"first_seen_at"`
	LastSeenAt  string `json:"last_seen_at"`
	SaveCount   int64  `json:"save_count"`
}

func (h *httpHandler) handleListDevices(c *gin.Context) {
	all, err := h.devices.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list devices", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable"})
		return
	}
	response := make([]devicePayload, 0, len(all))
	for _, device := range all {
		response = append(response, devicePayload{
			Platform:    device.Platform,
			FirstSeenAt: device.FirstSeenAt.UTC().Format(time.RFC3339),
			LastSeenAt:  device.LastSeenAt.UTC().Format(time.RFC3339),
			SaveCount:   device.SaveCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": response})
}
