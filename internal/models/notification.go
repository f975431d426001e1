package models

import (
	"time"
)

type NotificationType string

const (
	NotificationTypeRideRequest   NotificationType = "ride_request"
	NotificationTypeRideAccepted  NotificationType = "ride_accepted"
	NotificationTypeRideStarted   NotificationType = "ride_started"
	NotificationTypeRideCompleted NotificationType = "ride_completed"
	NotificationTypeRideCancelled NotificationType = "ride_cancelled"
	NotificationTypeMessage       NotificationType = "message"
	NotificationTypeGeneral       NotificationType = "general"
)

type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
	ReadAt    *time.Time       `json:"read_at,omitempty"`
}
