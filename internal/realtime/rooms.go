package realtime

import (
	"sort"
	"sync"

	"goridesync/internal/protocol"
	"goridesync/pkg/logger"
)

type RoomKind string

const (
	RoomKindRide RoomKind = "ride"
	RoomKindChat RoomKind = "chat"
	RoomKindTrip RoomKind = "trip"
)

// RoomID identifies a logical channel. Kinds are independent namespaces; a
// session may hold a ride room and a chat room for the same ride ID.
type RoomID struct {
	Kind RoomKind
	ID   string
}

func RideRoom(rideID string) RoomID { return RoomID{Kind: RoomKindRide, ID: rideID} }
func ChatRoom(rideID string) RoomID { return RoomID{Kind: RoomKindChat, ID: rideID} }
func TripRoom(tripID string) RoomID { return RoomID{Kind: RoomKindTrip, ID: tripID} }

func (r RoomID) String() string {
	return string(r.Kind) + "_" + r.ID
}

func (r RoomID) joinEvent() protocol.EventName {
	switch r.Kind {
	case RoomKindChat:
		return protocol.EventJoinChatRoom
	case RoomKindTrip:
		return protocol.EventJoinTripRoom
	default:
		return protocol.EventJoinRideRoom
	}
}

func (r RoomID) leaveEvent() protocol.EventName {
	switch r.Kind {
	case RoomKindChat:
		return protocol.EventLeaveChatRoom
	case RoomKindTrip:
		return protocol.EventLeaveTripRoom
	default:
		return protocol.EventLeaveRideRoom
	}
}

// Emitter is the slice of the connection manager the registry needs.
type Emitter interface {
	Emit(event protocol.EventName, payload interface{}) error
}

// Registry tracks which rooms the session has joined, so membership can be
// replayed after a reconnect. Join and Leave are idempotent.
type Registry struct {
	mu      sync.Mutex
	joined  map[RoomID]bool
	emitter Emitter
	log     *logger.Logger
}

func NewRegistry(emitter Emitter, log *logger.Logger) *Registry {
	return &Registry{
		joined:  make(map[RoomID]bool),
		emitter: emitter,
		log:     log,
	}
}

// Join records membership and issues the join event. Joining an
// already-joined room is a no-op. Membership is recorded even when the
// transport is down: the next RejoinAll picks it up.
func (r *Registry) Join(room RoomID) {
	r.mu.Lock()
	if r.joined[room] {
		r.mu.Unlock()
		return
	}
	r.joined[room] = true
	r.mu.Unlock()

	if err := r.emitter.Emit(room.joinEvent(), protocol.RoomPayload{RideID: room.ID}); err != nil {
		r.log.WithField("room", room.String()).WithError(err).Debug("Join deferred until reconnect")
	}
}

// Leave removes membership and issues the leave event. Leaving an unjoined
// room is a no-op.
func (r *Registry) Leave(room RoomID) {
	r.mu.Lock()
	if !r.joined[room] {
		r.mu.Unlock()
		return
	}
	delete(r.joined, room)
	r.mu.Unlock()

	if err := r.emitter.Emit(room.leaveEvent(), protocol.RoomPayload{RideID: room.ID}); err != nil {
		r.log.WithField("room", room.String()).WithError(err).Debug("Leave not sent, transport down")
	}
}

// RejoinAll re-issues join requests for every tracked room. Called by the
// connection manager after each successful reconnect.
func (r *Registry) RejoinAll() {
	for _, room := range r.Joined() {
		if err := r.emitter.Emit(room.joinEvent(), protocol.RoomPayload{RideID: room.ID}); err != nil {
			r.log.WithField("room", room.String()).WithError(err).Warn("Room rejoin failed")
		}
	}
}

// Joined returns a sorted snapshot of current memberships.
func (r *Registry) Joined() []RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]RoomID, 0, len(r.joined))
	for room := range r.joined {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Kind != rooms[j].Kind {
			return rooms[i].Kind < rooms[j].Kind
		}
		return rooms[i].ID < rooms[j].ID
	})
	return rooms
}

// IsJoined reports current membership of a single room.
func (r *Registry) IsJoined(room RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined[room]
}
