package protocol

import (
	"time"

	"goridesync/internal/models"
)

type UserConnectedPayload struct {
	UserID       string    `json:"user_id"`
	Role         string    `json:"role"`
	ConnectionID string    `json:"connection_id"`
	Timestamp    time.Time `json:"timestamp"`
}

type DriverAvailablePayload struct {
	DriverID     string          `json:"driver_id"`
	Location     models.Location `json:"location"`
	ConnectionID string          `json:"connection_id"`
}

type RoomPayload struct {
	RideID string `json:"ride_id"`
}

type SendMessagePayload struct {
	MessageID   string    `json:"message_id"`
	RideID      string    `json:"ride_id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id,omitempty"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
}

type AckPayload struct {
	MessageID string `json:"message_id"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
}

type DeliveredPayload struct {
	MessageID string `json:"message_id"`
	RideID    string `json:"ride_id"`
}

type ReadReceiptPayload struct {
	RideID     string   `json:"ride_id"`
	MessageIDs []string `json:"message_ids"`
	ReaderID   string   `json:"reader_id"`
}

type RideStatusPayload struct {
	RideID         string            `json:"ride_id"`
	PreviousStatus models.RideStatus `json:"previous_status"`
	NewStatus      models.RideStatus `json:"new_status"`
	DriverID       string            `json:"driver_id,omitempty"`
	PassengerID    string            `json:"passenger_id"`
	CancelReason   string            `json:"cancel_reason,omitempty"`
	UpdatedBy      string            `json:"updated_by"`
}

type RideAcceptedPayload struct {
	RideID           string          `json:"ride_id"`
	DriverID         string          `json:"driver_id"`
	DriverName       string          `json:"driver_name"`
	PassengerID      string          `json:"passenger_id"`
	EstimatedArrival string          `json:"estimated_arrival"`
	DriverLocation   models.Location `json:"driver_location"`
}

type LocationUpdatePayload struct {
	RideID           string          `json:"ride_id"`
	DriverID         string          `json:"driver_id"`
	PassengerID      string          `json:"passenger_id"`
	Location         models.Location `json:"location"`
	EstimatedArrival string          `json:"estimated_arrival"`
}

type TypingPayload struct {
	RideID    string    `json:"ride_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type NotificationPayload struct {
	Notification models.Notification `json:"notification"`
}

type NotificationsListPayload struct {
	Notifications []models.Notification `json:"notifications"`
}

type DisconnectPayload struct {
	Reason string `json:"reason"`
}

type ConnectErrorPayload struct {
	Error string `json:"error"`
}
