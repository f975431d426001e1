package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"goridesync/internal/models"
	"goridesync/internal/protocol"
	"goridesync/pkg/logger"
)

// Hub is the server end of the transport: it keys clients by user, tracks
// room membership and fans protocol events out to rooms. One hub per
// gateway process.
type Hub struct {
	clients    map[*Client]bool
	byUser     map[string]*Client
	rooms      map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	store      Store
	log        *logger.Logger

	mutex sync.RWMutex

	// processed dedupes send_message frames by message ID, so a client
	// retry after a lost ack does not duplicate history.
	processedMu sync.Mutex
	processed   map[string]bool
}

func NewHub(store Store, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		byUser:     make(map[string]*Client),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		store:      store,
		log:        log,
		processed:  make(map[string]bool),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	// A reconnecting user replaces their stale session.
	if existing, ok := h.byUser[client.UserID]; ok && existing != client {
		h.dropClientLocked(existing)
		h.log.WithUserID(client.UserID).Info("Replacing existing connection")
	}

	h.clients[client] = true
	h.byUser[client.UserID] = client
	h.log.WithUserID(client.UserID).WithField("role", client.Role).Info("Client registered")

	h.joinRoomLocked(client, "user_"+client.UserID)
	if client.Role == "driver" {
		h.joinRoomLocked(client, "drivers")
	}
}

func (h *Hub) unregisterClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	h.dropClientLocked(client)
	h.log.WithUserID(client.UserID).Info("Client unregistered")
}

func (h *Hub) dropClientLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	if h.byUser[client.UserID] == client {
		delete(h.byUser, client.UserID)
	}
	close(client.send)

	for roomID, room := range h.rooms {
		if _, exists := room[client]; exists {
			delete(room, client)
			if len(room) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
}

func (h *Hub) joinRoomLocked(client *Client, roomID string) {
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]bool)
	}
	h.rooms[roomID][client] = true
	client.rooms[roomID] = true
}

func (h *Hub) JoinRoom(client *Client, roomID string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.joinRoomLocked(client, roomID)
}

func (h *Hub) LeaveRoom(client *Client, roomID string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if room, exists := h.rooms[roomID]; exists {
		delete(room, client)
		delete(client.rooms, roomID)
		if len(room) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// RoomSize reports current membership, used to decide delivery receipts.
func (h *Hub) RoomSize(roomID string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) sendToClient(client *Client, env protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
		h.log.WithUserID(client.UserID).Warn("Dropping frame, client buffer full")
	}
}

// EmitToRoom sends the envelope to every room member, optionally skipping
// the originator.
func (h *Hub) EmitToRoom(roomID string, env protocol.Envelope, except *Client) {
	h.mutex.RLock()
	room := h.rooms[roomID]
	members := make([]*Client, 0, len(room))
	for client := range room {
		if client != except {
			members = append(members, client)
		}
	}
	h.mutex.RUnlock()

	for _, client := range members {
		h.sendToClient(client, env)
	}
}

func (h *Hub) EmitToUser(userID string, env protocol.Envelope) {
	h.EmitToRoom("user_"+userID, env, nil)
}

// route dispatches one inbound client frame. Unknown events were already
// rejected by the envelope parser.
func (h *Hub) route(c *Client, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventUserConnected:
		var payload protocol.UserConnectedPayload
		if err := env.Decode(&payload); err == nil {
			c.ConnectionID = payload.ConnectionID
			h.log.WithUserID(c.UserID).WithConnectionID(payload.ConnectionID).Info("Identity announced")
			h.pushNotifications(c)
		}

	case protocol.EventDriverAvailable:
		h.JoinRoom(c, "drivers")

	case protocol.EventJoinRideRoom:
		h.handleRoomChange(c, env, "ride_", true)
	case protocol.EventLeaveRideRoom:
		h.handleRoomChange(c, env, "ride_", false)
	case protocol.EventJoinChatRoom:
		h.handleRoomChange(c, env, "chat_", true)
	case protocol.EventLeaveChatRoom:
		h.handleRoomChange(c, env, "chat_", false)
	case protocol.EventJoinTripRoom:
		h.handleRoomChange(c, env, "trip_", true)
	case protocol.EventLeaveTripRoom:
		h.handleRoomChange(c, env, "trip_", false)

	case protocol.EventSendMessage:
		h.handleSendMessage(c, env)

	case protocol.EventMessageRead:
		h.handleMessageRead(c, env)

	case protocol.EventTypingStarted, protocol.EventTypingStopped:
		h.relayTyping(c, env)

	case protocol.EventRideStatusUpdated:
		h.handleRideStatus(c, env)

	case protocol.EventRideAccepted:
		h.handleRideAccepted(c, env)

	case protocol.EventDriverLocationUpdate:
		h.handleLocationUpdate(c, env)

	default:
		h.log.WithUserID(c.UserID).WithField("event", env.Event.String()).Debug("Ignoring client event")
	}
}

func (h *Hub) handleRoomChange(c *Client, env protocol.Envelope, prefix string, join bool) {
	var payload protocol.RoomPayload
	if err := env.Decode(&payload); err != nil {
		return
	}
	if join {
		h.JoinRoom(c, prefix+payload.RideID)
	} else {
		h.LeaveRoom(c, prefix+payload.RideID)
	}
}

func (h *Hub) handleSendMessage(c *Client, env protocol.Envelope) {
	var payload protocol.SendMessagePayload
	if err := env.Decode(&payload); err != nil {
		h.ack(c, "", false, "malformed payload")
		return
	}
	if payload.MessageID == "" || payload.RideID == "" {
		h.ack(c, payload.MessageID, false, "missing message or ride id")
		return
	}

	h.processedMu.Lock()
	duplicate := h.processed[payload.MessageID]
	h.processed[payload.MessageID] = true
	h.processedMu.Unlock()

	// A retry of an already-stored message still deserves a positive ack,
	// but is not appended or fanned out again.
	if duplicate {
		h.ack(c, payload.MessageID, true, "")
		return
	}

	msg := models.Message{
		ID:          payload.MessageID,
		RideID:      payload.RideID,
		SenderID:    c.UserID,
		RecipientID: payload.RecipientID,
		Content:     payload.Content,
		Status:      models.MessageStatusSent,
		CreatedAt:   payload.Timestamp,
		UpdatedAt:   time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.AppendMessage(ctx, msg); err != nil {
		h.log.WithMessageID(msg.ID).WithError(err).Error("Message store failed")
		h.ack(c, payload.MessageID, false, "storage failure")
		return
	}

	h.ack(c, payload.MessageID, true, "")

	roomID := "chat_" + payload.RideID
	if out, err := protocol.NewEnvelope(protocol.EventNewMessage, msg); err == nil {
		h.EmitToRoom(roomID, out, c)
	}

	// Someone besides the sender in the room means the message reached a
	// device; tell the sender.
	if h.RoomSize(roomID) > 1 {
		if out, err := protocol.NewEnvelope(protocol.EventMessageDelivered, protocol.DeliveredPayload{
			MessageID: msg.ID,
			RideID:    msg.RideID,
		}); err == nil {
			h.sendToClient(c, out)
		}
	}

	if msg.RecipientID != "" {
		h.notify(msg.RecipientID, models.NotificationTypeMessage, "New message", msg.Content)
	}
}

func (h *Hub) handleMessageRead(c *Client, env protocol.Envelope) {
	var payload protocol.ReadReceiptPayload
	if err := env.Decode(&payload); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.MarkMessagesRead(ctx, payload.RideID, payload.MessageIDs); err != nil {
		h.log.WithRideID(payload.RideID).WithError(err).Error("Read receipt store failed")
	}

	if out, err := protocol.NewEnvelope(protocol.EventMessagesRead, payload); err == nil {
		h.EmitToRoom("chat_"+payload.RideID, out, c)
	}
}

func (h *Hub) relayTyping(c *Client, env protocol.Envelope) {
	var payload protocol.TypingPayload
	if err := env.Decode(&payload); err != nil {
		return
	}
	h.EmitToRoom("chat_"+payload.RideID, env, c)
}

func (h *Hub) handleRideStatus(c *Client, env protocol.Envelope) {
	var payload protocol.RideStatusPayload
	if err := env.Decode(&payload); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if session, err := h.store.Ride(ctx, payload.RideID); err == nil {
		if session.Status.CanTransitionTo(payload.NewStatus) {
			session.Status = payload.NewStatus
			session.CancelReason = payload.CancelReason
			session.UpdatedAt = time.Now().UTC()
			if err := h.store.SaveRide(ctx, session); err != nil {
				h.log.WithRideID(payload.RideID).WithError(err).Error("Ride save failed")
			}
		}
	}

	if out, err := protocol.NewEnvelope(protocol.EventRideStatusChanged, payload); err == nil {
		h.EmitToRoom("ride_"+payload.RideID, out, c)
	}

	if payload.NewStatus == models.RideStatusCanceled {
		other := payload.PassengerID
		if c.UserID == payload.PassengerID {
			other = payload.DriverID
		}
		if other != "" {
			h.notify(other, models.NotificationTypeRideCancelled, "Ride cancelled", payload.CancelReason)
		}
	}
}

func (h *Hub) handleRideAccepted(c *Client, env protocol.Envelope) {
	var payload protocol.RideAcceptedPayload
	if err := env.Decode(&payload); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if session, err := h.store.Ride(ctx, payload.RideID); err == nil {
		if session.Status == models.RideStatusRequested {
			session.Status = models.RideStatusAccepted
		}
		session.DriverID = payload.DriverID
		session.DriverName = payload.DriverName
		loc := payload.DriverLocation
		session.DriverLocation = &loc
		session.EstimatedArrival = payload.EstimatedArrival
		session.UpdatedAt = time.Now().UTC()
		if err := h.store.SaveRide(ctx, session); err != nil {
			h.log.WithRideID(payload.RideID).WithError(err).Error("Ride save failed")
		}
	}

	if out, err := protocol.NewEnvelope(protocol.EventDriverAccepted, payload); err == nil {
		h.EmitToRoom("ride_"+payload.RideID, out, c)
	}

	h.notify(payload.PassengerID, models.NotificationTypeRideAccepted, "Driver on the way",
		payload.DriverName+" accepted your ride")
}

func (h *Hub) handleLocationUpdate(c *Client, env protocol.Envelope) {
	var payload protocol.LocationUpdatePayload
	if err := env.Decode(&payload); err != nil {
		return
	}
	if out, err := protocol.NewEnvelope(protocol.EventDriverLocationChanged, payload); err == nil {
		h.EmitToRoom("ride_"+payload.RideID, out, c)
	}
}

func (h *Hub) ack(c *Client, messageID string, success bool, reason string) {
	out, err := protocol.NewEnvelope(protocol.EventMessageAck, protocol.AckPayload{
		MessageID: messageID,
		Success:   success,
		Reason:    reason,
	})
	if err != nil {
		return
	}
	h.sendToClient(c, out)
}

// pushNotifications sends the stored notification backlog to a client
// that just announced its identity, so a reconnecting session catches up
// on what it missed while offline.
func (h *Hub) pushNotifications(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	list, err := h.store.Notifications(ctx, c.UserID)
	if err != nil {
		h.log.WithUserID(c.UserID).WithError(err).Error("Notification backlog load failed")
		return
	}
	if len(list) == 0 {
		return
	}
	if out, err := protocol.NewEnvelope(protocol.EventNotificationsList, protocol.NotificationsListPayload{Notifications: list}); err == nil {
		h.sendToClient(c, out)
	}
}

func (h *Hub) notify(userID string, ntype models.NotificationType, title, body string) {
	n := models.Notification{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      ntype,
		Title:     title,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.SaveNotification(ctx, n); err != nil {
		h.log.WithUserID(userID).WithError(err).Error("Notification store failed")
	}

	if out, err := protocol.NewEnvelope(protocol.EventNotification, protocol.NotificationPayload{Notification: n}); err == nil {
		h.EmitToUser(userID, out)
	}
}
