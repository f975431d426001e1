package ride

import (
	"context"
	"errors"
	"sync"
	"testing"

	"goridesync/internal/models"
	"goridesync/internal/protocol"
	"goridesync/internal/realtime"
	"goridesync/pkg/logger"
)

type emittedEvent struct {
	event   protocol.EventName
	payload interface{}
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emittedEvent
}

func (f *fakeEmitter) Emit(event protocol.EventName, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emittedEvent{event: event, payload: payload})
	return nil
}

func (f *fakeEmitter) count(event protocol.EventName) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func (f *fakeEmitter) last(event protocol.EventName) (interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].event == event {
			return f.events[i].payload, true
		}
	}
	return nil, false
}

type fakeStore struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeStore) UpdateRideStatus(ctx context.Context, rideID string, prev, next models.RideStatus, updatedBy, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, string(prev)+"->"+string(next))
	return nil
}

func newTestSession(status models.RideStatus) models.RideSession {
	return models.RideSession{
		RideID:          "ride-1",
		Status:          status,
		PassengerID:     "passenger-1",
		VehicleClass:    models.VehicleClassCar,
		PickupLocation:  models.Location{Lat: 40.7128, Lng: -74.0060},
		DropoffLocation: models.Location{Lat: 40.7484, Lng: -73.9857},
	}
}

func driverCoordinator(emitter Emitter, store StatusStore) *Coordinator {
	return NewCoordinator(emitter, store, "driver-1", "Sam", "driver", logger.NewNop())
}

func TestAcceptEmitsBothSignals(t *testing.T) {
	emitter := &fakeEmitter{}
	store := &fakeStore{}
	c := driverCoordinator(emitter, store)
	c.StartSession(newTestSession(models.RideStatusRequested))

	err := c.Accept(context.Background(), models.Location{Lat: 40.70, Lng: -74.01})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if emitter.count(protocol.EventRideAccepted) != 1 {
		t.Fatal("ride_accepted not emitted")
	}
	if emitter.count(protocol.EventRideStatusUpdated) != 1 {
		t.Fatal("ride_status_update not emitted alongside ride_accepted")
	}

	session, ok := c.Session()
	if !ok || session.Status != models.RideStatusAccepted {
		t.Fatalf("session status %s, want %s", session.Status, models.RideStatusAccepted)
	}
	if session.DriverID != "driver-1" || session.EstimatedArrival == "" {
		t.Fatalf("driver fields not populated: %+v", session)
	}

	payload, _ := emitter.last(protocol.EventRideAccepted)
	accepted := payload.(protocol.RideAcceptedPayload)
	if accepted.EstimatedArrival != session.EstimatedArrival {
		t.Fatal("payload ETA differs from session ETA")
	}
}

func TestAcceptRejectedWhenStoreFails(t *testing.T) {
	emitter := &fakeEmitter{}
	store := &fakeStore{err: errors.New("version conflict")}
	c := driverCoordinator(emitter, store)
	c.StartSession(newTestSession(models.RideStatusRequested))

	if err := c.Accept(context.Background(), models.Location{Lat: 40.70, Lng: -74.01}); err == nil {
		t.Fatal("expected store error to abort the accept")
	}
	if emitter.count(protocol.EventRideAccepted) != 0 {
		t.Fatal("ride_accepted emitted despite store failure")
	}
	if session, _ := c.Session(); session.Status != models.RideStatusRequested {
		t.Fatalf("status mutated to %s despite store failure", session.Status)
	}
}

func TestFullLifecycleHappyPath(t *testing.T) {
	emitter := &fakeEmitter{}
	store := &fakeStore{}
	c := driverCoordinator(emitter, store)
	c.StartSession(newTestSession(models.RideStatusRequested))
	ctx := context.Background()

	if err := c.Accept(ctx, models.Location{Lat: 40.70, Lng: -74.01}); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := c.PickUp(ctx); err != nil {
		t.Fatalf("PickUp: %v", err)
	}
	if err := c.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	session, _ := c.Session()
	if session.Status != models.RideStatusCompleted {
		t.Fatalf("final status %s, want %s", session.Status, models.RideStatusCompleted)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	want := []string{"requested->accepted", "accepted->picked_up", "picked_up->completed"}
	if len(store.calls) != len(want) {
		t.Fatalf("store calls %v, want %v", store.calls, want)
	}
	for i := range want {
		if store.calls[i] != want[i] {
			t.Fatalf("store calls %v, want %v", store.calls, want)
		}
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		from models.RideStatus
		op   func(*Coordinator) error
	}{
		{"pickup before accept", models.RideStatusRequested, func(c *Coordinator) error { return c.PickUp(ctx) }},
		{"complete before pickup", models.RideStatusAccepted, func(c *Coordinator) error { return c.Complete(ctx) }},
		{"reject after accept", models.RideStatusAccepted, func(c *Coordinator) error { return c.Reject(ctx) }},
		{"accept completed ride", models.RideStatusCompleted, func(c *Coordinator) error {
			return c.Accept(ctx, models.Location{Lat: 40.70, Lng: -74.01})
		}},
		{"cancel completed ride", models.RideStatusCompleted, func(c *Coordinator) error { return c.Cancel(ctx, "late") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := driverCoordinator(&fakeEmitter{}, &fakeStore{})
			c.StartSession(newTestSession(tc.from))

			err := tc.op(c)
			var terr *TransitionError
			if !errors.As(err, &terr) {
				t.Fatalf("expected TransitionError, got %v", err)
			}
			if session, _ := c.Session(); session.Status != tc.from {
				t.Fatalf("status mutated to %s on rejected transition", session.Status)
			}
		})
	}
}

func TestCancelRequiresReason(t *testing.T) {
	store := &fakeStore{}
	c := driverCoordinator(&fakeEmitter{}, store)
	c.StartSession(newTestSession(models.RideStatusAccepted))

	if err := c.Cancel(context.Background(), ""); !errors.Is(err, ErrEmptyCancelReason) {
		t.Fatalf("expected ErrEmptyCancelReason, got %v", err)
	}
	store.mu.Lock()
	calls := len(store.calls)
	store.mu.Unlock()
	if calls != 0 {
		t.Fatal("store touched for a rejected cancellation")
	}

	if err := c.Cancel(context.Background(), "passenger no-show"); err != nil {
		t.Fatalf("Cancel with reason: %v", err)
	}
	session, _ := c.Session()
	if session.Status != models.RideStatusCanceled || session.CancelReason != "passenger no-show" {
		t.Fatalf("cancel not applied: %+v", session)
	}
}

func TestOperationsWithoutSession(t *testing.T) {
	c := driverCoordinator(&fakeEmitter{}, &fakeStore{})
	if err := c.PickUp(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if err := c.UpdateDriverLocation(models.Location{Lat: 1, Lng: 1}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestDriverLocationSkipsUnchangedPosition(t *testing.T) {
	emitter := &fakeEmitter{}
	c := driverCoordinator(emitter, &fakeStore{})
	session := newTestSession(models.RideStatusAccepted)
	session.DriverID = "driver-1"
	c.StartSession(session)

	loc := models.Location{Lat: 40.71, Lng: -74.00}
	if err := c.UpdateDriverLocation(loc); err != nil {
		t.Fatalf("UpdateDriverLocation: %v", err)
	}
	if err := c.UpdateDriverLocation(loc); err != nil {
		t.Fatalf("repeat UpdateDriverLocation: %v", err)
	}

	if got := emitter.count(protocol.EventDriverLocationUpdate); got != 1 {
		t.Fatalf("location emitted %d times for an unchanged position, want 1", got)
	}
}

func TestDriverLocationEtaTargetFollowsPhase(t *testing.T) {
	emitter := &fakeEmitter{}
	c := driverCoordinator(emitter, &fakeStore{})
	session := newTestSession(models.RideStatusAccepted)
	session.DriverID = "driver-1"
	// Far pickup, dropoff at the driver's position: the ETA flips between
	// bands when the destination switches.
	session.PickupLocation = models.Location{Lat: 1.0, Lng: 0}
	session.DropoffLocation = models.Location{Lat: 0, Lng: 0}
	c.StartSession(session)

	if err := c.UpdateDriverLocation(models.Location{Lat: 0, Lng: 0}); err != nil {
		t.Fatalf("UpdateDriverLocation: %v", err)
	}
	s, _ := c.Session()
	if s.EstimatedArrival != "20+ mins" {
		t.Fatalf("ETA while accepted %q, want %q (toward pickup)", s.EstimatedArrival, "20+ mins")
	}

	if err := c.PickUp(context.Background()); err != nil {
		t.Fatalf("PickUp: %v", err)
	}
	if err := c.UpdateDriverLocation(models.Location{Lat: 0.0001, Lng: 0}); err != nil {
		t.Fatalf("UpdateDriverLocation: %v", err)
	}
	s, _ = c.Session()
	if s.EstimatedArrival != "1 min" {
		t.Fatalf("ETA while picked up %q, want %q (toward dropoff)", s.EstimatedArrival, "1 min")
	}
}

func TestDriverLocationIgnoredBeforeAccept(t *testing.T) {
	emitter := &fakeEmitter{}
	c := driverCoordinator(emitter, &fakeStore{})
	c.StartSession(newTestSession(models.RideStatusRequested))

	if err := c.UpdateDriverLocation(models.Location{Lat: 1, Lng: 1}); err != nil {
		t.Fatalf("UpdateDriverLocation: %v", err)
	}
	if got := emitter.count(protocol.EventDriverLocationUpdate); got != 0 {
		t.Fatalf("location emitted %d times before accept, want 0", got)
	}
}

func passengerWithBus(t *testing.T) (*Coordinator, *realtime.Bus) {
	t.Helper()
	bus := realtime.NewBus(logger.NewNop())
	c := NewCoordinator(&fakeEmitter{}, nil, "passenger-1", "Ada", "passenger", logger.NewNop())
	if _, err := c.Bind(bus); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return c, bus
}

func publish(t *testing.T, bus *realtime.Bus, event protocol.EventName, payload interface{}) {
	t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		t.Fatalf("NewEnvelope(%s): %v", event, err)
	}
	bus.Publish(env)
}

func TestAcceptanceSignalsConvergeInEitherOrder(t *testing.T) {
	accepted := protocol.RideAcceptedPayload{
		RideID:           "ride-1",
		DriverID:         "driver-1",
		DriverName:       "Sam",
		PassengerID:      "passenger-1",
		EstimatedArrival: "5 mins",
		DriverLocation:   models.Location{Lat: 40.70, Lng: -74.01},
	}
	status := protocol.RideStatusPayload{
		RideID:         "ride-1",
		PreviousStatus: models.RideStatusRequested,
		NewStatus:      models.RideStatusAccepted,
		DriverID:       "driver-1",
		PassengerID:    "passenger-1",
		UpdatedBy:      "driver-1",
	}

	t.Run("status first", func(t *testing.T) {
		c, bus := passengerWithBus(t)
		c.StartSession(newTestSession(models.RideStatusRequested))

		publish(t, bus, protocol.EventRideStatusChanged, status)
		publish(t, bus, protocol.EventDriverAccepted, accepted)

		s, _ := c.Session()
		if s.Status != models.RideStatusAccepted || s.DriverID != "driver-1" || s.DriverName != "Sam" {
			t.Fatalf("did not converge: %+v", s)
		}
	})

	t.Run("accepted first", func(t *testing.T) {
		c, bus := passengerWithBus(t)
		c.StartSession(newTestSession(models.RideStatusRequested))

		publish(t, bus, protocol.EventDriverAccepted, accepted)
		publish(t, bus, protocol.EventRideStatusChanged, status)

		s, _ := c.Session()
		if s.Status != models.RideStatusAccepted || s.DriverID != "driver-1" || s.DriverName != "Sam" {
			t.Fatalf("did not converge: %+v", s)
		}
	})
}

func TestTerminalStateShrugsOffLateEvents(t *testing.T) {
	c, bus := passengerWithBus(t)
	session := newTestSession(models.RideStatusCanceled)
	session.CancelReason = "passenger no-show"
	c.StartSession(session)

	publish(t, bus, protocol.EventRideStatusChanged, protocol.RideStatusPayload{
		RideID:    "ride-1",
		NewStatus: models.RideStatusAccepted,
		DriverID:  "driver-1",
	})
	publish(t, bus, protocol.EventDriverAccepted, protocol.RideAcceptedPayload{
		RideID:   "ride-1",
		DriverID: "driver-1",
	})

	s, _ := c.Session()
	if s.Status != models.RideStatusCanceled {
		t.Fatalf("terminal status overwritten to %s", s.Status)
	}
}

func TestStartSessionReconcilesStaleRequestedStatus(t *testing.T) {
	c := NewCoordinator(&fakeEmitter{}, nil, "passenger-1", "Ada", "passenger", logger.NewNop())
	session := newTestSession(models.RideStatusRequested)
	session.DriverID = "driver-1"
	c.StartSession(session)

	s, _ := c.Session()
	if s.Status != models.RideStatusAccepted {
		t.Fatalf("stale requested status with assigned driver not reconciled, got %s", s.Status)
	}
}

func TestEventsForOtherRidesIgnored(t *testing.T) {
	c, bus := passengerWithBus(t)
	c.StartSession(newTestSession(models.RideStatusRequested))

	publish(t, bus, protocol.EventRideStatusChanged, protocol.RideStatusPayload{
		RideID:    "ride-other",
		NewStatus: models.RideStatusCanceled,
	})

	s, _ := c.Session()
	if s.Status != models.RideStatusRequested {
		t.Fatalf("event for another ride applied: %s", s.Status)
	}
}

func TestInboundLocationUpdatesSession(t *testing.T) {
	c, bus := passengerWithBus(t)
	session := newTestSession(models.RideStatusAccepted)
	session.DriverID = "driver-1"
	c.StartSession(session)

	var changes int
	c.OnChange(func(models.RideSession) { changes++ })

	publish(t, bus, protocol.EventDriverLocationChanged, protocol.LocationUpdatePayload{
		RideID:           "ride-1",
		DriverID:         "driver-1",
		Location:         models.Location{Lat: 40.71, Lng: -74.00},
		EstimatedArrival: "3 mins",
	})

	s, _ := c.Session()
	if s.DriverLocation == nil || s.DriverLocation.Lat != 40.71 {
		t.Fatalf("driver location not applied: %+v", s.DriverLocation)
	}
	if s.EstimatedArrival != "3 mins" {
		t.Fatalf("ETA %q, want %q", s.EstimatedArrival, "3 mins")
	}
	if changes != 1 {
		t.Fatalf("observer notified %d times, want 1", changes)
	}
}
