package signaling

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"telecare-signaling/internal/domain"
	"telecare-signaling/internal/service/channel"
	"telecare-signaling/internal/service/eventstore"
	apperrors "telecare-signaling/pkg/errors"
	"telecare-signaling/pkg/logger"
	"telecare-signaling/pkg/response"
)

// Handler serves the signaling and channel status endpoints
type Handler struct {
	store   *eventstore.Store
	tracker *channel.Tracker
}

// NewHandler creates a new signaling handler
func NewHandler(store *eventstore.Store, tracker *channel.Tracker) *Handler {
	return &Handler{
		store:   store,
		tracker: tracker,
	}
}

// Register mounts the routes on rg
func (h *Handler) Register(rg gin.IRoutes) {
	rg.POST("/signaling", h.AddEvent)
	rg.GET("/signaling", h.GetEvents)
}

// RegisterChannel mounts the channel status routes on rg
func (h *Handler) RegisterChannel(rg gin.IRoutes) {
	rg.GET("/channel/status", h.ChannelStatus)
	rg.POST("/channel/status", h.UpdateChannel)
}

// AddEventRequest is the emit body
type AddEventRequest struct {
	UserID    string           `json:"userId"`
	EventType domain.EventType `json:"eventType"`
	Data      json.RawMessage  `json:"data"`
}

// AddEventResponse is returned for an accepted emit
type AddEventResponse struct {
	Success   bool   `json:"success"`
	EventID   string `json:"eventId"`
	Timestamp int64  `json:"timestamp"`
}

// ChannelRequest joins or leaves a channel
type ChannelRequest struct {
	Channel string               `json:"channel"`
	UID     domain.ParticipantID `json:"uid"`
	Role    string               `json:"role"`
	Action  domain.ChannelAction `json:"action"`
}

// ChannelResponse wraps a channel status
type ChannelResponse struct {
	Success bool `json:"success"`
	domain.ChannelStatus
}

// AddEvent appends an event to the sender's queue and routes copies
// POST /api/signaling
func (h *Handler) AddEvent(c *gin.Context) {
	var req AddEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "Invalid request body")
		return
	}
	if req.UserID == "" {
		response.AppError(c, apperrors.MissingFieldError("userId"))
		return
	}
	if req.EventType == "" {
		response.AppError(c, apperrors.MissingFieldError("eventType"))
		return
	}
	if !authorizedFor(c, req.UserID) {
		return
	}

	id, ts, err := h.store.AddEvent(c.Request.Context(), req.UserID, req.EventType, req.Data)
	if err != nil {
		if !apperrors.IsClientError(err) {
			logger.FromContext(c.Request.Context()).Error("Failed to add signaling event",
				zap.String("user_id", req.UserID),
				zap.String("event_type", string(req.EventType)),
				zap.Error(err))
		}
		response.AppError(c, err)
		return
	}

	c.JSON(http.StatusOK, AddEventResponse{
		Success:   true,
		EventID:   id,
		Timestamp: ts,
	})
}

// GetEvents returns the caller's events newer than since as a bare array
// GET /api/signaling?userId=&since=
func (h *Handler) GetEvents(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		response.AppError(c, apperrors.MissingFieldError("userId"))
		return
	}

	var since int64
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			response.ValidationError(c, "since must be a non-negative integer")
			return
		}
		since = v
	}
	if !authorizedFor(c, userID) {
		return
	}

	events, err := h.store.GetEvents(c.Request.Context(), userID, since)
	if err != nil {
		logger.FromContext(c.Request.Context()).Error("Failed to read signaling events",
			zap.String("user_id", userID),
			zap.Int64("since", since),
			zap.Error(err))
		response.AppError(c, err)
		return
	}
	if events == nil {
		events = []domain.SignalingEvent{}
	}

	c.JSON(http.StatusOK, events)
}

// ChannelStatus lists the participants of a channel
// GET /api/channel/status?channel=
func (h *Handler) ChannelStatus(c *gin.Context) {
	status, err := h.tracker.Status(c.Query("channel"))
	if err != nil {
		response.AppError(c, err)
		return
	}
	c.JSON(http.StatusOK, ChannelResponse{Success: true, ChannelStatus: status})
}

// UpdateChannel applies a join or leave
// POST /api/channel/status
func (h *Handler) UpdateChannel(c *gin.Context) {
	var req ChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "Invalid request body")
		return
	}

	status, err := h.tracker.Apply(req.Channel, req.UID, req.Role, req.Action)
	if err != nil {
		response.AppError(c, err)
		return
	}
	c.JSON(http.StatusOK, ChannelResponse{Success: true, ChannelStatus: status})
}

// authorizedFor rejects a verified token acting on another user's queue.
// Without verification the auth middleware sets no user_id and any userId passes.
func authorizedFor(c *gin.Context, userID string) bool {
	v, exists := c.Get("user_id")
	if !exists {
		return true
	}
	if owner, _ := v.(string); owner != userID {
		response.Forbidden(c, "Token does not belong to this user")
		return false
	}
	return true
}
