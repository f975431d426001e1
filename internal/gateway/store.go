package gateway

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"goridesync/internal/models"
)

var ErrRideNotFound = errors.New("ride not found")

// Store is the gateway's view of persisted chat and ride state: history
// pages, notifications, unread counters and the active-ride lookup backing
// the REST contract. The redis implementation serves deployments; tests
// use the in-memory one.
type Store interface {
	AppendMessage(ctx context.Context, msg models.Message) error
	MessageHistory(ctx context.Context, rideID string, page, limit int) ([]models.Message, error)
	MarkMessagesRead(ctx context.Context, rideID string, messageIDs []string) error
	Conversations(ctx context.Context, userID string) ([]string, error)

	SaveRide(ctx context.Context, session models.RideSession) error
	Ride(ctx context.Context, rideID string) (models.RideSession, error)
	ActiveRide(ctx context.Context, userID, role string) (models.RideSession, bool, error)
	PendingRides(ctx context.Context) ([]models.RideSession, error)

	SaveNotification(ctx context.Context, n models.Notification) error
	Notifications(ctx context.Context, userID string) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) error
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// MemoryStore keeps everything in process. Used by tests and by the demo
// gateway when no redis address is configured.
type MemoryStore struct {
	mu            sync.Mutex
	messages      map[string][]models.Message // ride ID -> messages, append order
	rides         map[string]models.RideSession
	notifications map[string][]models.Notification // user ID -> notifications
	unread        map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:      make(map[string][]models.Message),
		rides:         make(map[string]models.RideSession),
		notifications: make(map[string][]models.Notification),
		unread:        make(map[string]int),
	}
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.RideID] = append(s.messages[msg.RideID], msg)
	if msg.RecipientID != "" {
		s.unread[msg.RecipientID]++
	}
	return nil
}

// MessageHistory returns pages newest-first, page 1 being the most recent.
func (s *MemoryStore) MessageHistory(_ context.Context, rideID string, page, limit int) ([]models.Message, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[rideID]
	end := len(msgs) - (page-1)*limit
	if end <= 0 {
		return nil, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]models.Message, end-start)
	copy(out, msgs[start:end])
	return out, nil
}

func (s *MemoryStore) MarkMessagesRead(_ context.Context, rideID string, messageIDs []string) error {
	wanted := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[rideID]
	for i := range msgs {
		if wanted[msgs[i].ID] && msgs[i].Status.CanTransitionTo(models.MessageStatusRead) {
			msgs[i].Status = models.MessageStatusRead
			msgs[i].UpdatedAt = time.Now().UTC()
			if s.unread[msgs[i].RecipientID] > 0 {
				s.unread[msgs[i].RecipientID]--
			}
		}
	}
	return nil
}

func (s *MemoryStore) Conversations(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rideIDs []string
	for rideID, msgs := range s.messages {
		for _, msg := range msgs {
			if msg.SenderID == userID || msg.RecipientID == userID {
				rideIDs = append(rideIDs, rideID)
				break
			}
		}
	}
	sort.Strings(rideIDs)
	return rideIDs, nil
}

func (s *MemoryStore) SaveRide(_ context.Context, session models.RideSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rides[session.RideID] = session
	return nil
}

func (s *MemoryStore) Ride(_ context.Context, rideID string) (models.RideSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.rides[rideID]
	if !ok {
		return models.RideSession{}, ErrRideNotFound
	}
	return session, nil
}

func (s *MemoryStore) ActiveRide(_ context.Context, userID, role string) (models.RideSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range s.rides {
		if session.Status.IsTerminal() {
			continue
		}
		if (role == "driver" && session.DriverID == userID) ||
			(role == "passenger" && session.PassengerID == userID) {
			return session, true, nil
		}
	}
	return models.RideSession{}, false, nil
}

func (s *MemoryStore) PendingRides(_ context.Context) ([]models.RideSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []models.RideSession
	for _, session := range s.rides {
		if session.Status == models.RideStatusRequested {
			pending = append(pending, session)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].RequestedAt.Before(pending[j].RequestedAt)
	})
	return pending, nil
}

func (s *MemoryStore) SaveNotification(_ context.Context, n models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.UserID] = append(s.notifications[n.UserID], n)
	return nil
}

func (s *MemoryStore) Notifications(_ context.Context, userID string) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Notification, len(s.notifications[userID]))
	copy(out, s.notifications[userID])
	return out, nil
}

func (s *MemoryStore) MarkNotificationRead(_ context.Context, userID, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for i := range s.notifications[userID] {
		if s.notifications[userID][i].ID == notificationID {
			s.notifications[userID][i].Read = true
			s.notifications[userID][i].ReadAt = &now
		}
	}
	return nil
}

func (s *MemoryStore) MarkAllNotificationsRead(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for i := range s.notifications[userID] {
		s.notifications[userID][i].Read = true
		s.notifications[userID][i].ReadAt = &now
	}
	return nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[userID], nil
}
