package models

import (
	"time"
)

type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// messageTransitions is the closed transition table for message delivery
// status. failed -> sending covers user-initiated retry.
var messageTransitions = map[MessageStatus][]MessageStatus{
	MessageStatusSending:   {MessageStatusSent, MessageStatusFailed},
	MessageStatusSent:      {MessageStatusDelivered, MessageStatusFailed},
	MessageStatusDelivered: {MessageStatusRead},
	MessageStatusRead:      {},
	MessageStatusFailed:    {MessageStatusSending},
}

// CanTransitionTo reports whether a message may move from s to next.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	for _, allowed := range messageTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Message struct {
	ID          string        `json:"id"`
	RideID      string        `json:"ride_id"`
	SenderID    string        `json:"sender_id"`
	RecipientID string        `json:"recipient_id,omitempty"`
	Content     string        `json:"content"`
	Status      MessageStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type ReadReceipt struct {
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}
