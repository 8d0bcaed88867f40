package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"example.com/coldwatch/internal/services"
	"example.com/coldwatch/internal/tracing"
)

// NotificationHandler handles notification stream requests
type NotificationHandler struct {
	notificationService *services.NotificationService
	tracer              tracing.Tracer
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(notificationService *services.NotificationService, tracer tracing.Tracer) *NotificationHandler {
	return &NotificationHandler{
		notificationService: notificationService,
		tracer:              tracer,
	}
}

// AcknowledgeRequest marks the notifications of a set of devices as seen
type AcknowledgeRequest struct {
	DeviceIDs []string `json:"device_ids" binding:"required"`
}

// HandleListNotifications lists notifications by acknowledgement state.
// acknowledged=false (the default) returns the active stream.
func (h *NotificationHandler) HandleListNotifications(c *gin.Context) {
	acknowledged := false
	if raw := c.Query("acknowledged"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "acknowledged must be a boolean"})
			return
		}
		acknowledged = parsed
	}

	notifications, err := h.notificationService.List(c, acknowledged)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, notifications)
}

// HandleAcknowledge flips the notifications of the given devices to acknowledged
func (h *NotificationHandler) HandleAcknowledge(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-acknowledge-notifications")
	defer h.tracer.EndTransaction(txn)

	var req AcknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updated, err := h.notificationService.Acknowledge(c, req.DeviceIDs)
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

// HandleSearchNotifications queries the notification index by device code
// and kind
func (h *NotificationHandler) HandleSearchNotifications(c *gin.Context) {
	docs, err := h.notificationService.Search(c, c.Query("device_code"), c.Query("kind"))
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, docs)
}

// HandlePurgeHistory deletes every acknowledged notification
func (h *NotificationHandler) HandlePurgeHistory(c *gin.Context) {
	deleted, err := h.notificationService.PurgeHistory(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// RegisterRoutes registers the handler's routes
func (h *NotificationHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/notifications", h.HandleListNotifications)
	router.GET("/notifications/search", h.HandleSearchNotifications)
	router.PUT("/notifications/acknowledge", h.HandleAcknowledge)
	router.DELETE("/notifications/history", h.HandlePurgeHistory)
}
