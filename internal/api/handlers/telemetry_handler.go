package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/coldwatch/internal/repositories"
	"example.com/coldwatch/internal/services"
	"example.com/coldwatch/internal/tracing"
)

// TelemetryHandler handles reading ingestion and query requests
type TelemetryHandler struct {
	telemetryService *services.TelemetryService
	tracer           tracing.Tracer
}

// NewTelemetryHandler creates a new telemetry handler
func NewTelemetryHandler(telemetryService *services.TelemetryService, tracer tracing.Tracer) *TelemetryHandler {
	return &TelemetryHandler{
		telemetryService: telemetryService,
		tracer:           tracer,
	}
}

// TelemetryRequest represents an incoming reading batch
type TelemetryRequest struct {
	DeviceID string    `json:"device_id" binding:"required"`
	Values   []float64 `json:"values" binding:"required"`
}

// LatestSamplesRequest asks for the newest sample of several devices
type LatestSamplesRequest struct {
	DeviceIDs []string `json:"device_ids" binding:"required"`
}

// HandleIngestTelemetry handles an incoming reading batch
func (h *TelemetryHandler) HandleIngestTelemetry(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-ingest-telemetry")
	defer h.tracer.EndTransaction(txn)

	var req TelemetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error().Err(err).Msg("Invalid telemetry request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	h.tracer.AddAttribute(txn, "device_id", req.DeviceID)

	result, err := h.telemetryService.Ingest(c, req.DeviceID, req.Values)
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondWithError(c, err)
		return
	}

	if !result.Stored {
		c.JSON(http.StatusOK, result)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// HandleLatestSample returns the newest sample of one device
func (h *TelemetryHandler) HandleLatestSample(c *gin.Context) {
	sample, err := h.telemetryService.LatestSample(c, c.Param("device_id"))
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, sample)
}

// HandleLatestSamples returns the newest sample for a set of devices
func (h *TelemetryHandler) HandleLatestSamples(c *gin.Context) {
	var req LatestSamplesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	samples, err := h.telemetryService.LatestSamples(c, req.DeviceIDs)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, samples)
}

// HandleReadingRange returns a device's readings between from and to.
// Both bounds are RFC 3339; from defaults to 24h ago and to defaults to now.
func (h *TelemetryHandler) HandleReadingRange(c *gin.Context) {
	now := time.Now()
	from := now.Add(-24 * time.Hour)
	to := now

	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
		to = parsed
	}

	batches, err := h.telemetryService.ReadingRange(c, c.Param("device_id"), from, to)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, batches)
}

// respondWithError maps service errors onto HTTP status codes
func respondWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repositories.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Msg("Internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// RegisterRoutes registers the handler's routes
func (h *TelemetryHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/telemetry", h.HandleIngestTelemetry)
	router.POST("/readings/latest", h.HandleLatestSamples)
	router.GET("/readings/:device_id/latest", h.HandleLatestSample)
	router.GET("/readings/:device_id", h.HandleReadingRange)
}
