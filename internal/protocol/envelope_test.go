package protocol

import (
	"errors"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventSendMessage, SendMessagePayload{
		MessageID: "m1",
		RideID:    "r1",
		SenderID:  "u1",
		Content:   "on my way",
		Timestamp: time.Unix(1700000000, 0).UTC(),
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	parsed, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if parsed.Event != EventSendMessage {
		t.Fatalf("expected %s, got %s", EventSendMessage, parsed.Event)
	}

	var payload SendMessagePayload
	if err := parsed.Decode(&payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if payload.MessageID != "m1" || payload.Content != "on my way" {
		t.Fatalf("payload mismatch: %+v", payload)
	}
}

func TestNewEnvelopeRejectsUnknownEvent(t *testing.T) {
	_, err := NewEnvelope(EventName("bogus_event"), nil)
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestParseEnvelopeRejectsUnknownEvent(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"event":"made_up","data":{}}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestParseEnvelopeRejectsMissingEvent(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"data":{}}`))
	if !errors.Is(err, ErrEmptyEvent) {
		t.Fatalf("expected ErrEmptyEvent, got %v", err)
	}
}

func TestDecodeWithoutPayload(t *testing.T) {
	env, err := NewEnvelope(EventConnect, nil)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	var payload AckPayload
	if err := env.Decode(&payload); err == nil {
		t.Fatal("expected error decoding empty payload")
	}
}

func TestEveryDeclaredEventIsValid(t *testing.T) {
	events := []EventName{
		EventUserConnected, EventDriverAvailable,
		EventJoinRideRoom, EventLeaveRideRoom,
		EventJoinChatRoom, EventLeaveChatRoom,
		EventJoinTripRoom, EventLeaveTripRoom,
		EventSendMessage, EventRideStatusUpdated, EventRideAccepted,
		EventDriverLocationUpdate, EventTypingStarted, EventTypingStopped,
		EventMessageRead, EventNewMessage, EventMessageAck,
		EventMessageDelivered, EventMessagesRead, EventDriverAccepted,
		EventRideStatusChanged, EventDriverLocationChanged,
		EventNotification, EventNotificationsList,
		EventConnect, EventDisconnect, EventConnectError,
	}
	for _, e := range events {
		if !e.Valid() {
			t.Errorf("event %s not in the known set", e)
		}
	}
}
