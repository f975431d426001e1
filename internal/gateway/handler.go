package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"goridesync/internal/config"
	"goridesync/internal/models"
	"goridesync/internal/protocol"
	"goridesync/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Configure properly in production
	},
}

// Handler wires the hub and the store into the gateway's HTTP surface:
// the websocket upgrade plus the request/response endpoints the sync
// core's collaborators are polled through.
type Handler struct {
	hub   *Hub
	store Store
	cfg   *config.GatewayConfig
	log   *logger.Logger
}

func NewHandler(hub *Hub, store Store, cfg *config.GatewayConfig, log *logger.Logger) *Handler {
	return &Handler{
		hub:   hub,
		store: store,
		cfg:   cfg,
		log:   log,
	}
}

func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/ws", h.HandleWebSocket)

	v1 := router.Group("/api/v1")
	v1.Use(h.authMiddleware())
	{
		v1.POST("/rides", h.CreateRide)
		v1.GET("/rides/active", h.GetActiveRide)
		v1.GET("/rides/pending", h.GetPendingRides)
		v1.PUT("/rides/:id/status", h.UpdateRideStatus)
		v1.GET("/rides/:id/messages", h.GetMessageHistory)
		v1.POST("/rides/:id/messages/read", h.MarkMessagesRead)
		v1.GET("/conversations", h.GetConversations)
		v1.GET("/messages/unread_count", h.GetUnreadCount)
		v1.GET("/notifications", h.GetNotifications)
		v1.POST("/notifications/:id/read", h.MarkNotificationRead)
		v1.POST("/notifications/read_all", h.MarkAllNotificationsRead)
	}

	return router
}

func (h *Handler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		token = strings.TrimPrefix(token, "Bearer ")
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			errorResponse(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing token")
			c.Abort()
			return
		}

		claims, err := ValidateToken(token, h.cfg.JWTSecret)
		if err != nil {
			errorResponse(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func (h *Handler) HandleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}

	claims, err := ValidateToken(token, h.cfg.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := NewClient(h.hub, conn, claims.UserID, claims.Role)
	h.hub.register <- client

	go client.writePump()
	go client.readPump()
}

type createRideRequest struct {
	PickupLocation  models.Location     `json:"pickup_location" binding:"required"`
	DropoffLocation models.Location     `json:"dropoff_location" binding:"required"`
	VehicleClass    models.VehicleClass `json:"vehicle_class"`
}

// CreateRide registers a new ride request and announces it to the drivers
// room.
func (h *Handler) CreateRide(c *gin.Context) {
	var req createRideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if !req.PickupLocation.IsValid() || !req.DropoffLocation.IsValid() {
		errorResponse(c, http.StatusBadRequest, "INVALID_COORDINATES", "coordinates out of range")
		return
	}
	if req.VehicleClass == "" {
		req.VehicleClass = models.VehicleClassCar
	}

	session := models.RideSession{
		RideID:          uuid.New().String(),
		Status:          models.RideStatusRequested,
		PassengerID:     c.GetString("user_id"),
		VehicleClass:    req.VehicleClass,
		PickupLocation:  req.PickupLocation,
		DropoffLocation: req.DropoffLocation,
		RequestedAt:     time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}

	if err := h.store.SaveRide(c.Request.Context(), session); err != nil {
		errorResponse(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}

	if env, err := protocol.NewEnvelope(protocol.EventNotification, protocol.NotificationPayload{
		Notification: models.Notification{
			ID:        uuid.New().String(),
			Type:      models.NotificationTypeRideRequest,
			Title:     "New ride request",
			Body:      session.RideID,
			CreatedAt: time.Now().UTC(),
		},
	}); err == nil {
		h.hub.EmitToRoom("drivers", env, nil)
	}

	successResponse(c, "ride requested", session)
}

func (h *Handler) GetActiveRide(c *gin.Context) {
	role := c.DefaultQuery("role", c.GetString("role"))

	session, found, err := h.store.ActiveRide(c.Request.Context(), c.GetString("user_id"), role)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	if !found {
		errorResponse(c, http.StatusNotFound, "NO_ACTIVE_RIDE", "no active ride")
		return
	}
	successResponse(c, "active ride", session)
}

func (h *Handler) GetPendingRides(c *gin.Context) {
	pending, err := h.store.PendingRides(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	successResponseWithMeta(c, "pending rides", pending, &Meta{Count: len(pending)})
}

type updateRideStatusRequest struct {
	PreviousStatus models.RideStatus `json:"previous_status" binding:"required"`
	NewStatus      models.RideStatus `json:"new_status" binding:"required"`
	CancelReason   string            `json:"cancel_reason"`
}

// UpdateRideStatus is the authoritative mutation: the transition table is
// enforced here, and a stale previous status is a conflict the caller must
// resolve by re-reading.
func (h *Handler) UpdateRideStatus(c *gin.Context) {
	var req updateRideStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.NewStatus == models.RideStatusCanceled && req.CancelReason == "" {
		errorResponse(c, http.StatusBadRequest, "MISSING_REASON", "cancellation requires a reason")
		return
	}

	rideID := c.Param("id")
	session, err := h.store.Ride(c.Request.Context(), rideID)
	if errors.Is(err, ErrRideNotFound) {
		errorResponse(c, http.StatusNotFound, "RIDE_NOT_FOUND", "ride not found")
		return
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}

	if session.Status != req.PreviousStatus {
		errorResponse(c, http.StatusConflict, "STALE_STATUS", "ride status changed concurrently")
		return
	}
	if !session.Status.CanTransitionTo(req.NewStatus) {
		errorResponse(c, http.StatusConflict, "INVALID_TRANSITION",
			"cannot move from "+string(session.Status)+" to "+string(req.NewStatus))
		return
	}

	session.Status = req.NewStatus
	session.CancelReason = req.CancelReason
	if req.NewStatus == models.RideStatusAccepted && c.GetString("role") == "driver" {
		session.DriverID = c.GetString("user_id")
	}
	session.UpdatedAt = time.Now().UTC()

	if err := h.store.SaveRide(c.Request.Context(), session); err != nil {
		errorResponse(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	successResponse(c, "status updated", session)
}

func (h *Handler) GetMessageHistory(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(h.cfg.HistoryPageSize)))

	msgs, err := h.store.MessageHistory(c.Request.Context(), c.Param("id"), page, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	successResponseWithMeta(c, "message history", msgs, &Meta{Page: page, Limit: limit, Count: len(msgs)})
}

type markReadRequest struct {
	MessageIDs []string `json:"message_ids" binding:"required"`
}

// MarkMessagesRead is the REST fallback for read receipts.
func (h *Handler) MarkMessagesRead(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	rideID := c.Param("id")
	if err := h.store.MarkMessagesRead(c.Request.Context(), rideID, req.MessageIDs); err != nil {
		errorResponse(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}

	if env, err := protocol.NewEnvelope(protocol.EventMessagesRead, protocol.ReadReceiptPayload{
		RideID:     rideID,
		MessageIDs: req.MessageIDs,
		ReaderID:   c.GetString("user_id"),
	}); err == nil {
		h.hub.EmitToRoom("chat_"+rideID, env, nil)
	}

	successResponse(c, "messages marked read", nil)
}

func (h *Handler) GetConversations(c *gin.Context) {
	rideIDs, err := h.store.Conversations(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	successResponseWithMeta(c, "conversations", rideIDs, &Meta{Count: len(rideIDs)})
}

func (h *Handler) GetUnreadCount(c *gin.Context) {
	count, err := h.store.UnreadCount(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	successResponse(c, "unread count", gin.H{"count": count})
}

func (h *Handler) GetNotifications(c *gin.Context) {
	notifications, err := h.store.Notifications(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	successResponseWithMeta(c, "notifications", notifications, &Meta{Count: len(notifications)})
}

func (h *Handler) MarkNotificationRead(c *gin.Context) {
	err := h.store.MarkNotificationRead(c.Request.Context(), c.GetString("user_id"), c.Param("id"))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	successResponse(c, "notification marked read", nil)
}

func (h *Handler) MarkAllNotificationsRead(c *gin.Context) {
	err := h.store.MarkAllNotificationsRead(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	successResponse(c, "notifications marked read", nil)
}
