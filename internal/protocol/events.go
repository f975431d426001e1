// Package protocol defines the closed set of events exchanged over the
// persistent connection and their payload shapes. Every event that crosses
// the transport is named here; unknown names are rejected at the bus
// boundary instead of being routed on ad-hoc strings.
package protocol

type EventName string

const (
	// Client -> server.
	EventUserConnected        EventName = "user_connected"
	EventDriverAvailable      EventName = "driver_available"
	EventJoinRideRoom         EventName = "join_ride_room"
	EventLeaveRideRoom        EventName = "leave_ride_room"
	EventJoinChatRoom         EventName = "join_chat_room"
	EventLeaveChatRoom        EventName = "leave_chat_room"
	EventJoinTripRoom         EventName = "join_trip_room"
	EventLeaveTripRoom        EventName = "leave_trip_room"
	EventSendMessage          EventName = "send_message"
	EventRideStatusUpdated    EventName = "ride_status_updated"
	EventRideAccepted         EventName = "ride_accepted"
	EventDriverLocationUpdate EventName = "driver_location_update"
	EventTypingStarted        EventName = "typing_started"
	EventTypingStopped        EventName = "typing_stopped"
	EventMessageRead          EventName = "message_read"

	// Server -> client.
	EventNewMessage            EventName = "new_message"
	EventMessageAck            EventName = "message_acknowledgement"
	EventMessageDelivered      EventName = "message_delivered"
	EventMessagesRead          EventName = "messages_read"
	EventDriverAccepted        EventName = "driver_accepted"
	EventRideStatusChanged     EventName = "ride_status_changed"
	EventDriverLocationChanged EventName = "driver_location_changed"
	EventNotification          EventName = "notification"
	EventNotificationsList     EventName = "notifications_list"

	// Transport-level, published locally by the connection manager and
	// never serialized onto the wire.
	EventConnect      EventName = "connect"
	EventDisconnect   EventName = "disconnect"
	EventConnectError EventName = "connect_error"
)

var knownEvents = map[EventName]bool{
	EventUserConnected:         true,
	EventDriverAvailable:       true,
	EventJoinRideRoom:          true,
	EventLeaveRideRoom:         true,
	EventJoinChatRoom:          true,
	EventLeaveChatRoom:         true,
	EventJoinTripRoom:          true,
	EventLeaveTripRoom:         true,
	EventSendMessage:           true,
	EventRideStatusUpdated:     true,
	EventRideAccepted:          true,
	EventDriverLocationUpdate:  true,
	EventTypingStarted:         true,
	EventTypingStopped:         true,
	EventMessageRead:           true,
	EventNewMessage:            true,
	EventMessageAck:            true,
	EventMessageDelivered:      true,
	EventMessagesRead:          true,
	EventDriverAccepted:        true,
	EventRideStatusChanged:     true,
	EventDriverLocationChanged: true,
	EventNotification:          true,
	EventNotificationsList:     true,
	EventConnect:               true,
	EventDisconnect:            true,
	EventConnectError:          true,
}

func (e EventName) Valid() bool {
	return knownEvents[e]
}

func (e EventName) String() string {
	return string(e)
}
