package chat

import (
	"sort"
	"sync"
	"time"

	"goridesync/internal/protocol"
	"goridesync/internal/realtime"
	"goridesync/pkg/logger"
)

type typingKey struct {
	RideID string
	UserID string
}

// Presence tracks ephemeral typing state and drives read receipts. Local
// typing is emitted on the leading edge only; the debounce timer emits the
// stop after a quiet period. Remote entries expire when stale so a lost
// typing_stopped cannot leave a phantom indicator.
type Presence struct {
	transport Transport
	tracker   *Tracker
	log       *logger.Logger
	userID    string
	userName  string
	debounce  time.Duration

	mu     sync.Mutex
	local  map[string]*time.Timer // ride ID -> pending stop
	remote map[typingKey]time.Time
}

func NewPresence(transport Transport, tracker *Tracker, userID, userName string, debounce time.Duration, log *logger.Logger) *Presence {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Presence{
		transport: transport,
		tracker:   tracker,
		log:       log,
		userID:    userID,
		userName:  userName,
		debounce:  debounce,
		local:     make(map[string]*time.Timer),
		remote:    make(map[typingKey]time.Time),
	}
}

func (p *Presence) Bind(bus *realtime.Bus) (func(), error) {
	unsubStart, err := bus.Subscribe(protocol.EventTypingStarted, p.handleRemoteTyping(true))
	if err != nil {
		return nil, err
	}
	unsubStop, err := bus.Subscribe(protocol.EventTypingStopped, p.handleRemoteTyping(false))
	if err != nil {
		unsubStart()
		return nil, err
	}
	return func() {
		unsubStart()
		unsubStop()
	}, nil
}

// TypingStarted is called on every local keystroke. The start event is
// emitted only when not already marked typing; further keystrokes just
// push the stop timer out.
func (p *Presence) TypingStarted(rideID string) {
	p.mu.Lock()
	if timer, ok := p.local[rideID]; ok {
		timer.Reset(p.debounce)
		p.mu.Unlock()
		return
	}
	p.local[rideID] = time.AfterFunc(p.debounce, func() {
		p.TypingStopped(rideID)
	})
	p.mu.Unlock()

	p.emitTyping(protocol.EventTypingStarted, rideID)
}

// TypingStopped clears local typing state, either from the debounce timer
// or an explicit end of input. Idempotent.
func (p *Presence) TypingStopped(rideID string) {
	p.mu.Lock()
	timer, ok := p.local[rideID]
	if !ok {
		p.mu.Unlock()
		return
	}
	timer.Stop()
	delete(p.local, rideID)
	p.mu.Unlock()

	p.emitTyping(protocol.EventTypingStopped, rideID)
}

func (p *Presence) emitTyping(event protocol.EventName, rideID string) {
	err := p.transport.Emit(event, protocol.TypingPayload{
		RideID:    rideID,
		UserID:    p.userID,
		UserName:  p.userName,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		p.log.WithRideID(rideID).WithError(err).Debug("Typing signal not sent")
	}
}

func (p *Presence) handleRemoteTyping(started bool) realtime.Handler {
	return func(env protocol.Envelope) {
		var payload protocol.TypingPayload
		if err := env.Decode(&payload); err != nil {
			p.log.WithError(err).Warn("Malformed typing payload")
			return
		}
		if payload.UserID == p.userID {
			return
		}

		key := typingKey{RideID: payload.RideID, UserID: payload.UserID}
		p.mu.Lock()
		if started {
			p.remote[key] = time.Now()
		} else {
			delete(p.remote, key)
		}
		p.mu.Unlock()
	}
}

// IsTyping reports whether the given user is actively typing in the room.
// Entries older than the staleness bound count as stopped even without an
// explicit signal.
func (p *Presence) IsTyping(rideID, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ts, ok := p.remote[typingKey{RideID: rideID, UserID: userID}]
	if !ok {
		return false
	}
	if time.Since(ts) > p.staleAfter() {
		delete(p.remote, typingKey{RideID: rideID, UserID: userID})
		return false
	}
	return true
}

// Typists returns the users currently typing in the room, sweeping stale
// entries as a side effect.
func (p *Presence) Typists(rideID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var users []string
	for key, ts := range p.remote {
		if key.RideID != rideID {
			continue
		}
		if time.Since(ts) > p.staleAfter() {
			delete(p.remote, key)
			continue
		}
		users = append(users, key.UserID)
	}
	sort.Strings(users)
	return users
}

// MarkMessagesRead emits the read-receipt batch and applies it to local
// state, so the reader's own view updates without waiting for the echo.
func (p *Presence) MarkMessagesRead(rideID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	err := p.transport.Emit(protocol.EventMessageRead, protocol.ReadReceiptPayload{
		RideID:     rideID,
		MessageIDs: messageIDs,
		ReaderID:   p.userID,
	})
	if p.tracker != nil {
		p.tracker.MarkRead(messageIDs)
	}
	return err
}

// Close cancels all pending debounce timers.
func (p *Presence) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for rideID, timer := range p.local {
		timer.Stop()
		delete(p.local, rideID)
	}
}

func (p *Presence) staleAfter() time.Duration {
	return 3 * p.debounce
}
