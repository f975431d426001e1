package ride

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goridesync/internal/models"
	"goridesync/internal/protocol"
	"goridesync/internal/realtime"
	"goridesync/pkg/logger"
)

var (
	ErrNoSession         = errors.New("no active ride session")
	ErrEmptyCancelReason = errors.New("cancellation requires a reason")
)

// TransitionError reports a ride status change the lifecycle graph does
// not allow.
type TransitionError struct {
	From models.RideStatus
	To   models.RideStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid ride transition %s -> %s", e.From, e.To)
}

// Emitter is the outbound slice of the connection manager.
type Emitter interface {
	Emit(event protocol.EventName, payload interface{}) error
}

// StatusStore is the authoritative store a mutation must succeed against
// before the corresponding events are emitted. Implemented by the REST
// client; nil for sessions that only observe.
type StatusStore interface {
	UpdateRideStatus(ctx context.Context, rideID string, prev, next models.RideStatus, updatedBy, reason string) error
}

// Coordinator drives the per-ride state machine shared between the driver
// and passenger sessions. All transitions, local or inbound, pass through
// it; out-of-order remote events are reconciled instead of surfaced.
type Coordinator struct {
	emitter  Emitter
	store    StatusStore
	log      *logger.Logger
	userID   string
	userName string
	role     string

	mu            sync.Mutex
	session       *models.RideSession
	lastBroadcast *models.Location
	onChange      func(models.RideSession)
}

func NewCoordinator(emitter Emitter, store StatusStore, userID, userName, role string, log *logger.Logger) *Coordinator {
	return &Coordinator{
		emitter:  emitter,
		store:    store,
		log:      log,
		userID:   userID,
		userName: userName,
		role:     role,
	}
}

// Bind subscribes the coordinator to the ride events arriving from the
// other participant's session.
func (c *Coordinator) Bind(bus *realtime.Bus) (func(), error) {
	var unsubs []func()
	subscribe := func(event protocol.EventName, h realtime.Handler) error {
		unsub, err := bus.Subscribe(event, h)
		if err != nil {
			return err
		}
		unsubs = append(unsubs, unsub)
		return nil
	}

	if err := subscribe(protocol.EventDriverAccepted, c.handleDriverAccepted); err != nil {
		return nil, err
	}
	if err := subscribe(protocol.EventRideStatusChanged, c.handleStatusChanged); err != nil {
		return nil, err
	}
	if err := subscribe(protocol.EventDriverLocationChanged, c.handleLocationChanged); err != nil {
		return nil, err
	}

	return func() {
		for _, u := range unsubs {
			u()
		}
	}, nil
}

func (c *Coordinator) OnChange(fn func(models.RideSession)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// StartSession installs the ride this coordinator tracks, typically from a
// fresh request or the active-ride fetch after a reload.
func (c *Coordinator) StartSession(session models.RideSession) {
	if session.Status == "" {
		session.Status = models.RideStatusRequested
	}
	session.UpdatedAt = time.Now().UTC()

	c.mu.Lock()
	c.session = &session
	c.lastBroadcast = nil
	c.reconcileLocked()
	snapshot := *c.session
	c.mu.Unlock()

	c.notify(snapshot)
}

// EndSession drops the ride from active memory. Only meaningful once the
// session reached a terminal state and the UI navigated away.
func (c *Coordinator) EndSession() {
	c.mu.Lock()
	c.session = nil
	c.lastBroadcast = nil
	c.mu.Unlock()
}

func (c *Coordinator) Session() (models.RideSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return models.RideSession{}, false
	}
	return *c.session, true
}

// Accept performs the driver-side accept: the authoritative store first,
// then both the specialized acceptance event and the generic status event,
// so a racing passenger session observes the change whichever one lands.
func (c *Coordinator) Accept(ctx context.Context, driverLocation models.Location) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	prev := c.session.Status
	if !prev.CanTransitionTo(models.RideStatusAccepted) {
		c.mu.Unlock()
		return &TransitionError{From: prev, To: models.RideStatusAccepted}
	}
	session := *c.session
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.UpdateRideStatus(ctx, session.RideID, prev, models.RideStatusAccepted, c.userID, ""); err != nil {
			return fmt.Errorf("accept ride %s: %w", session.RideID, err)
		}
	}

	driverLocation.Timestamp = time.Now().UTC()
	eta := EstimateArrival(driverLocation, session.PickupLocation, session.VehicleClass)

	c.mu.Lock()
	if c.session == nil || c.session.RideID != session.RideID {
		c.mu.Unlock()
		return ErrNoSession
	}
	c.session.Status = models.RideStatusAccepted
	c.session.DriverID = c.userID
	c.session.DriverName = c.userName
	c.session.DriverLocation = &driverLocation
	c.session.EstimatedArrival = eta
	c.session.UpdatedAt = time.Now().UTC()
	c.lastBroadcast = &driverLocation
	snapshot := *c.session
	c.mu.Unlock()

	c.emit(protocol.EventRideAccepted, protocol.RideAcceptedPayload{
		RideID:           snapshot.RideID,
		DriverID:         c.userID,
		DriverName:       c.userName,
		PassengerID:      snapshot.PassengerID,
		EstimatedArrival: eta,
		DriverLocation:   driverLocation,
	})
	c.emitStatus(snapshot, prev, "")

	c.log.LogRideEvent(snapshot.RideID, "accepted", map[string]interface{}{"driver_id": c.userID})
	c.notify(snapshot)
	return nil
}

// PickUp marks the rider on board.
func (c *Coordinator) PickUp(ctx context.Context) error {
	return c.transition(ctx, models.RideStatusPickedUp, "")
}

// Complete finishes the ride.
func (c *Coordinator) Complete(ctx context.Context) error {
	return c.transition(ctx, models.RideStatusCompleted, "")
}

// Cancel moves any non-terminal ride to canceled. A blank reason is
// rejected before anything is mutated.
func (c *Coordinator) Cancel(ctx context.Context, reason string) error {
	if reason == "" {
		return ErrEmptyCancelReason
	}
	return c.transition(ctx, models.RideStatusCanceled, reason)
}

// Reject declines a requested ride.
func (c *Coordinator) Reject(ctx context.Context) error {
	return c.transition(ctx, models.RideStatusRejected, "")
}

func (c *Coordinator) transition(ctx context.Context, next models.RideStatus, reason string) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	prev := c.session.Status
	if !prev.CanTransitionTo(next) {
		c.mu.Unlock()
		return &TransitionError{From: prev, To: next}
	}
	session := *c.session
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.UpdateRideStatus(ctx, session.RideID, prev, next, c.userID, reason); err != nil {
			return fmt.Errorf("update ride %s to %s: %w", session.RideID, next, err)
		}
	}

	c.mu.Lock()
	if c.session == nil || c.session.RideID != session.RideID {
		c.mu.Unlock()
		return ErrNoSession
	}
	c.session.Status = next
	c.session.CancelReason = reason
	c.session.UpdatedAt = time.Now().UTC()
	snapshot := *c.session
	c.mu.Unlock()

	c.emitStatus(snapshot, prev, reason)
	c.log.LogRideEvent(snapshot.RideID, string(next), map[string]interface{}{"updated_by": c.userID})
	c.notify(snapshot)
	return nil
}

// UpdateDriverLocation pushes the driver position only when it moved since
// the last broadcast, recomputing the ETA against the pickup point while
// accepted and the dropoff point while picked up.
func (c *Coordinator) UpdateDriverLocation(loc models.Location) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	if c.lastBroadcast != nil && c.lastBroadcast.Equal(loc) {
		c.mu.Unlock()
		return nil
	}

	var dest models.Location
	switch c.session.Status {
	case models.RideStatusAccepted:
		dest = c.session.PickupLocation
	case models.RideStatusPickedUp:
		dest = c.session.DropoffLocation
	default:
		c.mu.Unlock()
		return nil
	}

	loc.Timestamp = time.Now().UTC()
	eta := EstimateArrival(loc, dest, c.session.VehicleClass)
	c.session.DriverLocation = &loc
	c.session.EstimatedArrival = eta
	c.session.UpdatedAt = loc.Timestamp
	c.lastBroadcast = &loc
	snapshot := *c.session
	c.mu.Unlock()

	err := c.emitter.Emit(protocol.EventDriverLocationUpdate, protocol.LocationUpdatePayload{
		RideID:           snapshot.RideID,
		DriverID:         snapshot.DriverID,
		PassengerID:      snapshot.PassengerID,
		Location:         loc,
		EstimatedArrival: eta,
	})

	c.notify(snapshot)
	return err
}

// handleDriverAccepted applies the specialized acceptance event. The
// passenger may see this before or after the generic status event; either
// order converges on accepted.
func (c *Coordinator) handleDriverAccepted(env protocol.Envelope) {
	var payload protocol.RideAcceptedPayload
	if err := env.Decode(&payload); err != nil {
		c.log.WithError(err).Warn("Malformed driver_accepted payload")
		return
	}

	c.mu.Lock()
	if c.session == nil || c.session.RideID != payload.RideID {
		c.mu.Unlock()
		return
	}
	if c.session.Status.IsTerminal() {
		c.mu.Unlock()
		return
	}
	c.session.DriverID = payload.DriverID
	c.session.DriverName = payload.DriverName
	loc := payload.DriverLocation
	c.session.DriverLocation = &loc
	c.session.EstimatedArrival = payload.EstimatedArrival
	if c.session.Status == models.RideStatusRequested {
		c.session.Status = models.RideStatusAccepted
	}
	c.session.UpdatedAt = time.Now().UTC()
	snapshot := *c.session
	c.mu.Unlock()

	c.notify(snapshot)
}

// handleStatusChanged treats the inbound status as authoritative and
// overwrites local state, except that terminal states stay terminal.
func (c *Coordinator) handleStatusChanged(env protocol.Envelope) {
	var payload protocol.RideStatusPayload
	if err := env.Decode(&payload); err != nil {
		c.log.WithError(err).Warn("Malformed ride status payload")
		return
	}

	c.mu.Lock()
	if c.session == nil || c.session.RideID != payload.RideID {
		c.mu.Unlock()
		return
	}
	if c.session.Status.IsTerminal() && c.session.Status != payload.NewStatus {
		c.log.WithRideID(payload.RideID).WithFields(map[string]interface{}{
			"local":   string(c.session.Status),
			"inbound": string(payload.NewStatus),
		}).Warn("Ignoring status event for terminal ride")
		c.mu.Unlock()
		return
	}
	c.session.Status = payload.NewStatus
	if payload.DriverID != "" {
		c.session.DriverID = payload.DriverID
	}
	if payload.CancelReason != "" {
		c.session.CancelReason = payload.CancelReason
	}
	c.session.UpdatedAt = time.Now().UTC()
	c.reconcileLocked()
	snapshot := *c.session
	c.mu.Unlock()

	c.notify(snapshot)
}

func (c *Coordinator) handleLocationChanged(env protocol.Envelope) {
	var payload protocol.LocationUpdatePayload
	if err := env.Decode(&payload); err != nil {
		c.log.WithError(err).Warn("Malformed location payload")
		return
	}

	c.mu.Lock()
	if c.session == nil || c.session.RideID != payload.RideID {
		c.mu.Unlock()
		return
	}
	loc := payload.Location
	c.session.DriverLocation = &loc
	c.session.EstimatedArrival = payload.EstimatedArrival
	c.session.UpdatedAt = time.Now().UTC()
	c.reconcileLocked()
	snapshot := *c.session
	c.mu.Unlock()

	c.notify(snapshot)
}

// reconcileLocked defends against event loss: a known driver assignment
// combined with a stale "requested" status means the true state is already
// accepted. Caller holds mu.
func (c *Coordinator) reconcileLocked() {
	if c.session == nil {
		return
	}
	if c.session.DriverID != "" && c.session.Status == models.RideStatusRequested {
		c.session.Status = models.RideStatusAccepted
	}
}

func (c *Coordinator) emitStatus(session models.RideSession, prev models.RideStatus, reason string) {
	c.emit(protocol.EventRideStatusUpdated, protocol.RideStatusPayload{
		RideID:         session.RideID,
		PreviousStatus: prev,
		NewStatus:      session.Status,
		DriverID:       session.DriverID,
		PassengerID:    session.PassengerID,
		CancelReason:   reason,
		UpdatedBy:      c.userID,
	})
}

func (c *Coordinator) emit(event protocol.EventName, payload interface{}) {
	if err := c.emitter.Emit(event, payload); err != nil {
		c.log.WithField("event", event.String()).WithError(err).Warn("Ride event not sent")
	}
}

func (c *Coordinator) notify(session models.RideSession) {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn(session)
	}
}
