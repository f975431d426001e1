package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goridesync/internal/config"
	"goridesync/internal/models"
)

const (
	keyChatHistory   = "chat:history:%s"    // ride ID -> list of messages
	keyChatUnread    = "chat:unread:%s"     // user ID -> counter
	keyRide          = "ride:%s"            // ride ID -> session
	keyActiveRide    = "rides:active:%s:%s" // role, user ID -> ride ID
	keyPendingRides  = "rides:pending"      // set of ride IDs
	keyNotifications = "notifications:%s"   // user ID -> list
	keyConversations = "conversations:%s"   // user ID -> set of ride IDs
)

// RedisStore persists gateway state in redis, values JSON-encoded the same
// way the rest of the platform caches things.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(cfg *config.RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{client: rdb}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) AppendMessage(ctx context.Context, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, fmt.Sprintf(keyChatHistory, msg.RideID), data)
	pipe.SAdd(ctx, fmt.Sprintf(keyConversations, msg.SenderID), msg.RideID)
	if msg.RecipientID != "" {
		pipe.SAdd(ctx, fmt.Sprintf(keyConversations, msg.RecipientID), msg.RideID)
		pipe.Incr(ctx, fmt.Sprintf(keyChatUnread, msg.RecipientID))
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) MessageHistory(ctx context.Context, rideID string, page, limit int) ([]models.Message, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	key := fmt.Sprintf(keyChatHistory, rideID)
	total, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	end := total - int64(page-1)*int64(limit) - 1
	if end < 0 {
		return nil, nil
	}
	start := end - int64(limit) + 1
	if start < 0 {
		start = 0
	}

	raw, err := r.client.LRange(ctx, key, start, end).Result()
	if err != nil {
		return nil, err
	}

	msgs := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (r *RedisStore) MarkMessagesRead(ctx context.Context, rideID string, messageIDs []string) error {
	wanted := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}

	key := fmt.Sprintf(keyChatHistory, rideID)
	raw, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}

	for i, item := range raw {
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		if !wanted[msg.ID] || !msg.Status.CanTransitionTo(models.MessageStatusRead) {
			continue
		}
		msg.Status = models.MessageStatusRead
		msg.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := r.client.LSet(ctx, key, int64(i), data).Err(); err != nil {
			return err
		}
		if msg.RecipientID != "" {
			r.decrementUnread(ctx, msg.RecipientID)
		}
	}
	return nil
}

func (r *RedisStore) decrementUnread(ctx context.Context, userID string) {
	key := fmt.Sprintf(keyChatUnread, userID)
	if n, err := r.client.Decr(ctx, key).Result(); err == nil && n < 0 {
		r.client.Set(ctx, key, 0, 0)
	}
}

func (r *RedisStore) Conversations(ctx context.Context, userID string) ([]string, error) {
	rideIDs, err := r.client.SMembers(ctx, fmt.Sprintf(keyConversations, userID)).Result()
	if err != nil {
		return nil, err
	}
	return rideIDs, nil
}

func (r *RedisStore) SaveRide(ctx context.Context, session models.RideSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(keyRide, session.RideID), data, 0)
	if session.Status == models.RideStatusRequested {
		pipe.SAdd(ctx, keyPendingRides, session.RideID)
	} else {
		pipe.SRem(ctx, keyPendingRides, session.RideID)
	}

	if session.Status.IsTerminal() {
		pipe.Del(ctx, fmt.Sprintf(keyActiveRide, "passenger", session.PassengerID))
		if session.DriverID != "" {
			pipe.Del(ctx, fmt.Sprintf(keyActiveRide, "driver", session.DriverID))
		}
	} else {
		pipe.Set(ctx, fmt.Sprintf(keyActiveRide, "passenger", session.PassengerID), session.RideID, 0)
		if session.DriverID != "" {
			pipe.Set(ctx, fmt.Sprintf(keyActiveRide, "driver", session.DriverID), session.RideID, 0)
		}
	}

	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Ride(ctx context.Context, rideID string) (models.RideSession, error) {
	data, err := r.client.Get(ctx, fmt.Sprintf(keyRide, rideID)).Result()
	if err == redis.Nil {
		return models.RideSession{}, ErrRideNotFound
	}
	if err != nil {
		return models.RideSession{}, err
	}

	var session models.RideSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return models.RideSession{}, err
	}
	return session, nil
}

func (r *RedisStore) ActiveRide(ctx context.Context, userID, role string) (models.RideSession, bool, error) {
	rideID, err := r.client.Get(ctx, fmt.Sprintf(keyActiveRide, role, userID)).Result()
	if err == redis.Nil {
		return models.RideSession{}, false, nil
	}
	if err != nil {
		return models.RideSession{}, false, err
	}

	session, err := r.Ride(ctx, rideID)
	if errors.Is(err, ErrRideNotFound) {
		return models.RideSession{}, false, nil
	}
	if err != nil {
		return models.RideSession{}, false, err
	}
	return session, true, nil
}

func (r *RedisStore) PendingRides(ctx context.Context) ([]models.RideSession, error) {
	rideIDs, err := r.client.SMembers(ctx, keyPendingRides).Result()
	if err != nil {
		return nil, err
	}

	var pending []models.RideSession
	for _, rideID := range rideIDs {
		session, err := r.Ride(ctx, rideID)
		if errors.Is(err, ErrRideNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if session.Status == models.RideStatusRequested {
			pending = append(pending, session)
		}
	}
	return pending, nil
}

func (r *RedisStore) SaveNotification(ctx context.Context, n models.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, fmt.Sprintf(keyNotifications, n.UserID), data).Err()
}

func (r *RedisStore) Notifications(ctx context.Context, userID string) ([]models.Notification, error) {
	raw, err := r.client.LRange(ctx, fmt.Sprintf(keyNotifications, userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]models.Notification, 0, len(raw))
	for _, item := range raw {
		var n models.Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (r *RedisStore) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	return r.updateNotifications(ctx, userID, func(n *models.Notification) bool {
		return n.ID == notificationID
	})
}

func (r *RedisStore) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	return r.updateNotifications(ctx, userID, func(*models.Notification) bool {
		return true
	})
}

func (r *RedisStore) updateNotifications(ctx context.Context, userID string, match func(*models.Notification) bool) error {
	key := fmt.Sprintf(keyNotifications, userID)
	raw, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i, item := range raw {
		var n models.Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			continue
		}
		if !match(&n) || n.Read {
			continue
		}
		n.Read = true
		n.ReadAt = &now
		data, err := json.Marshal(n)
		if err != nil {
			continue
		}
		if err := r.client.LSet(ctx, key, int64(i), data).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	n, err := r.client.Get(ctx, fmt.Sprintf(keyChatUnread, userID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}
