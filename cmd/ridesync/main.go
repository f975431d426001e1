// ridesync runs one synchronized session (driver or passenger) against a
// gateway. It is the composition root: the connection manager is built
// here once and handed to every component that needs the transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goridesync/internal/chat"
	"goridesync/internal/config"
	"goridesync/internal/gateway"
	"goridesync/internal/models"
	"goridesync/internal/protocol"
	"goridesync/internal/realtime"
	"goridesync/internal/restapi"
	"goridesync/internal/ride"
	"goridesync/pkg/logger"
)

func main() {
	var (
		userID   = flag.String("user", "", "user ID for this session")
		userName = flag.String("name", "", "display name")
		role     = flag.String("role", realtime.RolePassenger, "driver or passenger")
		lat      = flag.Float64("lat", 12.9716, "initial latitude")
		lng      = flag.Float64("lng", 77.5946, "initial longitude")
	)
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: ridesync -user <id> [-role driver|passenger]")
		os.Exit(1)
	}
	if *userName == "" {
		*userName = *userID
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&logger.Config{
		Level:   logger.LogLevel(cfg.App.LogLevel),
		Format:  cfg.App.LogFormat,
		AppName: cfg.App.Name,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	token, err := gateway.GenerateToken(*userID, *role, cfg.Gateway.JWTSecret, 24*time.Hour)
	if err != nil {
		log.WithError(err).Fatal("Token generation failed")
	}

	bus := realtime.NewBus(log)
	manager := realtime.NewManager(cfg.WebSocket, cfg.Sync, bus, log)
	rooms := realtime.NewRegistry(manager, log)
	manager.SetRoomRegistry(rooms)
	manager.SetIdentity(*userID, *role)

	cfg.WebSocket.URL = cfg.WebSocket.URL + "?token=" + token

	api := restapi.NewClient(
		fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		token,
		cfg.Gateway.RequestTimeout,
	)

	tracker := chat.NewTracker(manager, *userID, cfg.Sync.AckTimeout, log)
	if _, err := tracker.Bind(bus); err != nil {
		log.WithError(err).Fatal("Tracker bind failed")
	}
	tracker.OnChange(func(msg models.Message) {
		log.WithMessageID(msg.ID).WithField("status", string(msg.Status)).Info("Message updated")
	})

	presence := chat.NewPresence(manager, tracker, *userID, *userName, cfg.Sync.TypingDebounce, log)
	if _, err := presence.Bind(bus); err != nil {
		log.WithError(err).Fatal("Presence bind failed")
	}
	defer presence.Close()

	coordinator := ride.NewCoordinator(manager, api, *userID, *userName, *role, log)
	if _, err := coordinator.Bind(bus); err != nil {
		log.WithError(err).Fatal("Coordinator bind failed")
	}
	coordinator.OnChange(func(session models.RideSession) {
		log.WithRideID(session.RideID).WithFields(map[string]interface{}{
			"status": string(session.Status),
			"eta":    session.EstimatedArrival,
		}).Info("Ride updated")
	})

	bus.Subscribe(protocol.EventNotification, func(env protocol.Envelope) {
		var payload protocol.NotificationPayload
		if err := env.Decode(&payload); err == nil {
			log.WithField("title", payload.Notification.Title).Info("Notification")
		}
	})

	ctx := context.Background()
	if err := manager.Connect(ctx); err != nil {
		log.WithError(err).Warn("Initial connect failed, reconnecting in background")
	}

	if *role == realtime.RoleDriver {
		manager.SetDriverAvailability(models.Location{Lat: *lat, Lng: *lng})
	}

	// Restore any ride that was in flight before this process started.
	if session, found, err := api.ActiveRide(ctx, *role); err == nil && found {
		coordinator.StartSession(session)
		rooms.Join(realtime.RideRoom(session.RideID))
		rooms.Join(realtime.ChatRoom(session.RideID))

		if history, err := api.MessageHistory(ctx, session.RideID, 1, cfg.Gateway.HistoryPageSize); err == nil {
			tracker.LoadHistory(session.RideID, history)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Session ending")
	manager.Close()
}
