package chat

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goridesync/internal/models"
	"goridesync/internal/protocol"
	"goridesync/internal/realtime"
	"goridesync/pkg/logger"
)

var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrMessageNotFailed = errors.New("message is not in failed state")
)

// Transport is the slice of the connection manager the tracker emits
// through.
type Transport interface {
	Emit(event protocol.EventName, payload interface{}) error
	EmitWithAck(event protocol.EventName, payload interface{}, key string, timeout time.Duration) (<-chan realtime.AckResult, error)
}

// Tracker owns the per-message delivery state machine: optimistic local
// insert, send with acknowledgment, timeout-based failure and manual
// retry. All status mutations go through it so the transition table and
// the dedupe set are enforced in one place.
type Tracker struct {
	transport  Transport
	log        *logger.Logger
	senderID   string
	ackTimeout time.Duration

	mu        sync.Mutex
	messages  map[string]*models.Message
	order     map[string][]string // ride ID -> message IDs, arrival order
	processed map[string]bool
	failed    map[string]bool
	onChange  func(models.Message)
}

func NewTracker(transport Transport, senderID string, ackTimeout time.Duration, log *logger.Logger) *Tracker {
	if ackTimeout <= 0 {
		ackTimeout = 8 * time.Second
	}
	return &Tracker{
		transport:  transport,
		log:        log,
		senderID:   senderID,
		ackTimeout: ackTimeout,
		messages:   make(map[string]*models.Message),
		order:      make(map[string][]string),
		processed:  make(map[string]bool),
		failed:     make(map[string]bool),
	}
}

// Bind subscribes the tracker to the inbound events it consumes. Returns
// the combined unsubscribe function.
func (t *Tracker) Bind(bus *realtime.Bus) (func(), error) {
	var unsubs []func()
	subscribe := func(event protocol.EventName, h realtime.Handler) error {
		unsub, err := bus.Subscribe(event, h)
		if err != nil {
			return err
		}
		unsubs = append(unsubs, unsub)
		return nil
	}

	if err := subscribe(protocol.EventNewMessage, t.handleNewMessage); err != nil {
		return nil, err
	}
	if err := subscribe(protocol.EventMessageDelivered, t.handleDelivered); err != nil {
		return nil, err
	}
	if err := subscribe(protocol.EventMessagesRead, t.handleRead); err != nil {
		return nil, err
	}

	return func() {
		for _, u := range unsubs {
			u()
		}
	}, nil
}

// OnChange registers the observer notified after every status change or
// insert. Invoked without the tracker lock held.
func (t *Tracker) OnChange(fn func(models.Message)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Send creates the message, inserts it optimistically at "sending" and
// emits it with an acknowledgment window. The returned message is the
// snapshot at insert time; later transitions arrive via OnChange.
func (t *Tracker) Send(rideID, recipientID, content string) (models.Message, error) {
	now := time.Now().UTC()
	msg := &models.Message{
		ID:          uuid.New().String(),
		RideID:      rideID,
		SenderID:    t.senderID,
		RecipientID: recipientID,
		Content:     content,
		Status:      models.MessageStatusSending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	t.mu.Lock()
	t.messages[msg.ID] = msg
	t.order[rideID] = append(t.order[rideID], msg.ID)
	t.processed[msg.ID] = true
	snapshot := *msg
	t.mu.Unlock()

	t.notify(snapshot)

	if err := t.dispatch(snapshot); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// Retry re-sends a failed message: same ID, fresh timestamp, back to
// "sending" with a new acknowledgment window.
func (t *Tracker) Retry(messageID string) error {
	t.mu.Lock()
	msg, ok := t.messages[messageID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if msg.Status != models.MessageStatusFailed {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrMessageNotFailed, messageID, msg.Status)
	}
	msg.Status = models.MessageStatusSending
	msg.CreatedAt = time.Now().UTC()
	msg.UpdatedAt = msg.CreatedAt
	delete(t.failed, messageID)
	snapshot := *msg
	t.mu.Unlock()

	t.notify(snapshot)
	return t.dispatch(snapshot)
}

// dispatch emits the send event and waits for its single completion (ack
// or timeout) on a separate goroutine.
func (t *Tracker) dispatch(msg models.Message) error {
	ch, err := t.transport.EmitWithAck(protocol.EventSendMessage, protocol.SendMessagePayload{
		MessageID:   msg.ID,
		RideID:      msg.RideID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Content:     msg.Content,
		Timestamp:   msg.CreatedAt,
	}, msg.ID, t.ackTimeout)
	if err != nil {
		t.markFailed(msg.ID, err.Error())
		return err
	}

	go func() {
		res := <-ch
		switch {
		case res.Success:
			t.applyStatus(msg.ID, models.MessageStatusSent)
		case res.TimedOut:
			t.markFailed(msg.ID, "acknowledgment timeout")
		case res.Err != nil:
			t.markFailed(msg.ID, res.Err.Error())
		default:
			t.markFailed(msg.ID, res.Reason)
		}
	}()
	return nil
}

// handleNewMessage applies an inbound message. Duplicate IDs are dropped
// via the processed set, which is what makes replayed frames after a
// reconnect safe.
func (t *Tracker) handleNewMessage(env protocol.Envelope) {
	var msg models.Message
	if err := env.Decode(&msg); err != nil {
		t.log.WithError(err).Warn("Malformed new_message payload")
		return
	}
	if msg.ID == "" {
		return
	}

	t.mu.Lock()
	if t.processed[msg.ID] {
		t.mu.Unlock()
		return
	}
	t.processed[msg.ID] = true
	msg.Status = models.MessageStatusDelivered
	msg.UpdatedAt = time.Now().UTC()
	stored := msg
	t.messages[msg.ID] = &stored
	t.order[msg.RideID] = append(t.order[msg.RideID], msg.ID)
	t.mu.Unlock()

	t.notify(msg)
}

func (t *Tracker) handleDelivered(env protocol.Envelope) {
	var payload protocol.DeliveredPayload
	if err := env.Decode(&payload); err != nil {
		t.log.WithError(err).Warn("Malformed message_delivered payload")
		return
	}
	t.applyStatus(payload.MessageID, models.MessageStatusDelivered)
}

func (t *Tracker) handleRead(env protocol.Envelope) {
	var payload protocol.ReadReceiptPayload
	if err := env.Decode(&payload); err != nil {
		t.log.WithError(err).Warn("Malformed messages_read payload")
		return
	}
	t.MarkRead(payload.MessageIDs)
}

// MarkRead applies a read-receipt batch to matching local messages.
// Unknown IDs and already-read messages are skipped, so re-applying the
// same batch is harmless.
func (t *Tracker) MarkRead(messageIDs []string) {
	for _, id := range messageIDs {
		t.applyStatus(id, models.MessageStatusRead)
	}
}

// applyStatus moves a message along the transition table. Transitions the
// table does not allow are dropped: out-of-order and duplicate events are
// absorbed here, not surfaced.
func (t *Tracker) applyStatus(messageID string, next models.MessageStatus) {
	t.mu.Lock()
	msg, ok := t.messages[messageID]
	if !ok || !msg.Status.CanTransitionTo(next) {
		t.mu.Unlock()
		return
	}
	msg.Status = next
	msg.UpdatedAt = time.Now().UTC()
	if next != models.MessageStatusFailed {
		delete(t.failed, messageID)
	}
	snapshot := *msg
	t.mu.Unlock()

	t.notify(snapshot)
}

// markFailed transitions to failed at most once per send attempt and
// records the ID for the retry affordance.
func (t *Tracker) markFailed(messageID, reason string) {
	t.mu.Lock()
	msg, ok := t.messages[messageID]
	if !ok || !msg.Status.CanTransitionTo(models.MessageStatusFailed) {
		t.mu.Unlock()
		return
	}
	msg.Status = models.MessageStatusFailed
	msg.UpdatedAt = time.Now().UTC()
	t.failed[messageID] = true
	snapshot := *msg
	t.mu.Unlock()

	t.log.WithMessageID(messageID).WithField("reason", reason).Warn("Message delivery failed")
	t.notify(snapshot)
}

// LoadHistory merges a fetched history page through the same dedupe set
// used for live events. Older pages are prepended ahead of live messages.
func (t *Tracker) LoadHistory(rideID string, page []models.Message) {
	t.mu.Lock()
	var added []string
	for i := range page {
		msg := page[i]
		if msg.ID == "" || t.processed[msg.ID] {
			continue
		}
		t.processed[msg.ID] = true
		stored := msg
		t.messages[msg.ID] = &stored
		added = append(added, msg.ID)
	}
	if len(added) > 0 {
		t.order[rideID] = append(added, t.order[rideID]...)
	}
	t.mu.Unlock()
}

// Messages returns the ride's messages in arrival order.
func (t *Tracker) Messages(rideID string) []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.order[rideID]
	out := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := t.messages[id]; ok {
			out = append(out, *msg)
		}
	}
	return out
}

func (t *Tracker) Get(messageID string) (models.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg, ok := t.messages[messageID]
	if !ok {
		return models.Message{}, false
	}
	return *msg, true
}

// Failed returns the IDs currently in failed state.
func (t *Tracker) Failed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.failed))
	for id := range t.failed {
		ids = append(ids, id)
	}
	return ids
}

func (t *Tracker) notify(msg models.Message) {
	t.mu.Lock()
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}
