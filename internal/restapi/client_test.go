package restapi

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"goridesync/internal/config"
	"goridesync/internal/gateway"
	"goridesync/internal/models"
	"goridesync/internal/ride"
	"goridesync/pkg/logger"
)

// The client doubles as the coordinator's authoritative store.
var _ ride.StatusStore = (*Client)(nil)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

// startGateway runs the real gateway against the in-memory store, so these
// tests exercise the actual wire contract rather than a canned fake.
func startGateway(t *testing.T) (*httptest.Server, *gateway.MemoryStore) {
	t.Helper()
	store := gateway.NewMemoryStore()
	log := logger.NewNop()
	hub := gateway.NewHub(store, log)
	cfg := &config.GatewayConfig{
		JWTSecret:       testSecret,
		HistoryPageSize: 50,
		RequestTimeout:  5 * time.Second,
	}

	server := httptest.NewServer(gateway.NewHandler(hub, store, cfg, log).Router())
	t.Cleanup(server.Close)
	return server, store
}

func newClient(t *testing.T, server *httptest.Server, userID, role string) *Client {
	t.Helper()
	token, err := gateway.GenerateToken(userID, role, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return NewClient(server.URL, token, 5*time.Second)
}

func TestRequestRideAndActiveRideRoundTrip(t *testing.T) {
	server, _ := startGateway(t)
	client := newClient(t, server, "passenger-1", "passenger")
	ctx := context.Background()

	session, err := client.RequestRide(ctx,
		models.Location{Lat: 40.7128, Lng: -74.0060},
		models.Location{Lat: 40.7484, Lng: -73.9857},
		models.VehicleClassCar)
	if err != nil {
		t.Fatalf("RequestRide: %v", err)
	}
	if session.RideID == "" || session.Status != models.RideStatusRequested {
		t.Fatalf("requested session %+v", session)
	}

	active, found, err := client.ActiveRide(ctx, "passenger")
	if err != nil {
		t.Fatalf("ActiveRide: %v", err)
	}
	if !found || active.RideID != session.RideID {
		t.Fatalf("active ride %+v found=%v, want %s", active, found, session.RideID)
	}
}

func TestActiveRideAbsentIsNotAnError(t *testing.T) {
	server, _ := startGateway(t)
	client := newClient(t, server, "passenger-1", "passenger")

	_, found, err := client.ActiveRide(context.Background(), "passenger")
	if err != nil {
		t.Fatalf("ActiveRide with no ride: %v", err)
	}
	if found {
		t.Fatal("found an active ride where none exists")
	}
}

func TestUpdateRideStatusSurfacesConflicts(t *testing.T) {
	server, store := startGateway(t)
	client := newClient(t, server, "driver-1", "driver")
	ctx := context.Background()

	if err := store.SaveRide(ctx, models.RideSession{
		RideID:      "ride-1",
		Status:      models.RideStatusRequested,
		PassengerID: "passenger-1",
	}); err != nil {
		t.Fatalf("SaveRide: %v", err)
	}

	err := client.UpdateRideStatus(ctx, "ride-1", models.RideStatusAccepted, models.RideStatusPickedUp, "driver-1", "")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.StatusCode != 409 || reqErr.Code != "STALE_STATUS" {
		t.Fatalf("conflict error %+v, want 409 STALE_STATUS", reqErr)
	}

	if err := client.UpdateRideStatus(ctx, "ride-1", models.RideStatusRequested, models.RideStatusAccepted, "driver-1", ""); err != nil {
		t.Fatalf("valid transition: %v", err)
	}
	session, _ := store.Ride(ctx, "ride-1")
	if session.Status != models.RideStatusAccepted || session.DriverID != "driver-1" {
		t.Fatalf("persisted session %+v", session)
	}
}

func TestPendingRidesDecoded(t *testing.T) {
	server, store := startGateway(t)
	client := newClient(t, server, "driver-1", "driver")
	ctx := context.Background()

	for _, rideID := range []string{"ride-1", "ride-2"} {
		if err := store.SaveRide(ctx, models.RideSession{
			RideID:      rideID,
			Status:      models.RideStatusRequested,
			PassengerID: "passenger-1",
			RequestedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("SaveRide: %v", err)
		}
	}

	pending, err := client.PendingRides(ctx)
	if err != nil {
		t.Fatalf("PendingRides: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("%d pending rides, want 2", len(pending))
	}
}

func TestMessageHistoryAndReadFallback(t *testing.T) {
	server, store := startGateway(t)
	client := newClient(t, server, "passenger-1", "passenger")
	ctx := context.Background()

	for i, id := range []string{"m-1", "m-2", "m-3"} {
		if err := store.AppendMessage(ctx, models.Message{
			ID:          id,
			RideID:      "ride-1",
			SenderID:    "driver-1",
			RecipientID: "passenger-1",
			Content:     "msg",
			Status:      models.MessageStatusSent,
			CreatedAt:   time.Now().UTC().Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	msgs, err := client.MessageHistory(ctx, "ride-1", 1, 2)
	if err != nil {
		t.Fatalf("MessageHistory: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m-2" || msgs[1].ID != "m-3" {
		t.Fatalf("history page %+v, want the two most recent in order", msgs)
	}

	if err := client.MarkMessagesRead(ctx, "ride-1", []string{"m-1", "m-2", "m-3"}); err != nil {
		t.Fatalf("MarkMessagesRead: %v", err)
	}
	count, err := client.UnreadCount(ctx)
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("unread count %d after read fallback, want 0", count)
	}

	convs, err := client.Conversations(ctx)
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if len(convs) != 1 || convs[0] != "ride-1" {
		t.Fatalf("conversations %v, want [ride-1]", convs)
	}
}

func TestNotificationsRoundTrip(t *testing.T) {
	server, store := startGateway(t)
	client := newClient(t, server, "passenger-1", "passenger")
	ctx := context.Background()

	for _, id := range []string{"n-1", "n-2"} {
		if err := store.SaveNotification(ctx, models.Notification{
			ID:     id,
			UserID: "passenger-1",
			Type:   models.NotificationTypeMessage,
			Title:  "New message",
		}); err != nil {
			t.Fatalf("SaveNotification: %v", err)
		}
	}

	notifications, err := client.Notifications(ctx)
	if err != nil {
		t.Fatalf("Notifications: %v", err)
	}
	if len(notifications) != 2 {
		t.Fatalf("%d notifications, want 2", len(notifications))
	}

	if err := client.MarkNotificationRead(ctx, "n-1"); err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}
	if err := client.MarkAllNotificationsRead(ctx); err != nil {
		t.Fatalf("MarkAllNotificationsRead: %v", err)
	}

	notifications, _ = client.Notifications(ctx)
	for _, n := range notifications {
		if !n.Read {
			t.Fatalf("notification %s still unread after read-all", n.ID)
		}
	}
}

func TestUnauthorizedTokenRejected(t *testing.T) {
	server, _ := startGateway(t)
	client := NewClient(server.URL, "not-a-token", 5*time.Second)

	_, err := client.Conversations(context.Background())
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != 401 {
		t.Fatalf("expected 401 RequestError, got %v", err)
	}
}
