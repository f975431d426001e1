package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"goridesync/internal/config"
	"goridesync/internal/models"
	"goridesync/internal/protocol"
	"goridesync/pkg/logger"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

const (
	RoleDriver    = "driver"
	RolePassenger = "passenger"
)

var (
	ErrNotConnected   = errors.New("transport not connected")
	ErrSendBufferFull = errors.New("send buffer full")
	ErrManagerClosed  = errors.New("connection manager closed")
)

type Identity struct {
	UserID string
	Role   string
}

// AckResult is the single completion of a send-with-ack operation: either
// the server's acknowledgment or the local timeout, whichever wins.
type AckResult struct {
	Success  bool
	Reason   string
	TimedOut bool
	Err      error
}

type pendingAck struct {
	ch    chan AckResult
	timer *time.Timer
}

// RoomRejoiner is what the manager needs from the room registry after a
// successful reconnect.
type RoomRejoiner interface {
	RejoinAll()
}

// Manager owns the process's single transport connection: dialing,
// identity announcement, disconnect classification and backoff
// reconnection. It is constructed once at the composition root and handed
// to every component that emits; nothing else touches the socket.
type Manager struct {
	wsCfg   *config.WebSocketConfig
	syncCfg *config.SyncConfig
	log     *logger.Logger
	bus     *Bus
	dialer  *websocket.Dialer

	// connectionID is generated once and survives reconnects, so the
	// server can correlate a session across drops.
	connectionID string

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	send           chan protocol.Envelope
	stop           chan struct{}
	identity       *Identity
	driverLocation *models.Location
	attempt        int
	manualRecovery bool
	manualClose    bool
	closed         bool
	reconnectTimer *time.Timer
	pending        map[string]*pendingAck
	rooms          RoomRejoiner
}

func NewManager(wsCfg *config.WebSocketConfig, syncCfg *config.SyncConfig, bus *Bus, log *logger.Logger) *Manager {
	return &Manager{
		wsCfg:   wsCfg,
		syncCfg: syncCfg,
		log:     log,
		bus:     bus,
		dialer: &websocket.Dialer{
			HandshakeTimeout:  wsCfg.HandshakeTimeout,
			ReadBufferSize:    wsCfg.ReadBufferSize,
			WriteBufferSize:   wsCfg.WriteBufferSize,
			EnableCompression: wsCfg.EnableCompression,
		},
		connectionID: uuid.New().String(),
		state:        StateDisconnected,
		pending:      make(map[string]*pendingAck),
	}
}

// SetRoomRegistry wires the registry whose memberships are replayed after
// each reconnect. Separate from the constructor because the registry needs
// the manager as its emitter.
func (m *Manager) SetRoomRegistry(rooms RoomRejoiner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = rooms
}

// SetIdentity stores the session identity and, when the transport is live,
// announces it immediately. The stored identity is re-announced on every
// successful reconnect.
func (m *Manager) SetIdentity(userID, role string) {
	m.mu.Lock()
	m.identity = &Identity{UserID: userID, Role: role}
	connected := m.state == StateConnected
	m.mu.Unlock()

	if connected {
		m.announceIdentity()
	}
}

// SetDriverAvailability stores the driver's advertised position. Only
// meaningful for driver sessions; replayed after reconnects like identity.
func (m *Manager) SetDriverAvailability(loc models.Location) {
	m.mu.Lock()
	m.driverLocation = &loc
	connected := m.state == StateConnected && m.identity != nil && m.identity.Role == RoleDriver
	m.mu.Unlock()

	if connected {
		m.announceAvailability()
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) ConnectionID() string {
	return m.connectionID
}

// Connect establishes the transport. Idempotent: returns nil when already
// connected or while a connect is in flight. A dial failure starts the
// capped manual recovery loop and is also returned to the caller.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	switch m.state {
	case StateConnected, StateConnecting:
		m.mu.Unlock()
		return nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.manualClose = false
	m.state = StateConnecting
	url := m.wsCfg.URL
	m.mu.Unlock()

	conn, _, err := m.dialer.DialContext(ctx, url, nil)
	if err != nil {
		m.log.WithConnectionID(m.connectionID).WithError(err).Warn("Transport dial failed")
		m.publishLocal(protocol.EventConnectError, protocol.ConnectErrorPayload{Error: err.Error()})

		m.mu.Lock()
		m.state = StateReconnecting
		m.manualRecovery = true
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return err
	}

	m.establish(conn)
	return nil
}

// Disconnect tears the transport down deterministically: pending reconnect
// timers are canceled and no automatic recovery follows. The connection is
// detached and the state dropped synchronously, so a Connect issued right
// after Disconnect returns always dials fresh instead of hitting the
// idempotence branch on a socket that is already closing.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manualClose = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.conn = nil
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.send = nil
	wasLive := m.state == StateConnected
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(m.wsCfg.WriteTimeout))
		conn.Close()
	}

	// The stale read pump finds its conn already detached and stays
	// silent, so the disconnect event is published from here.
	if wasLive {
		m.log.WithConnectionID(m.connectionID).WithField("reason", "client disconnect").Info("Transport disconnected")
		m.publishLocal(protocol.EventDisconnect, protocol.DisconnectPayload{Reason: "client disconnect"})
	}
}

// Close shuts the manager down for good, failing every pending ack.
func (m *Manager) Close() {
	m.Disconnect()

	m.mu.Lock()
	m.closed = true
	pending := m.pending
	m.pending = make(map[string]*pendingAck)
	m.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.ch <- AckResult{Err: ErrManagerClosed}
	}
}

// Emit serializes the payload into an envelope and queues it on the write
// pump. Fire-and-forget: a nil error means queued, not delivered.
func (m *Manager) Emit(event protocol.EventName, payload interface{}) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.send == nil {
		return ErrNotConnected
	}
	select {
	case m.send <- env:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// EmitWithAck sends the payload and returns a channel that completes
// exactly once: with the server acknowledgment matching key, or with a
// timeout. The two outcomes race as completions of the same operation;
// an ack arriving first cancels the timer.
func (m *Manager) EmitWithAck(event protocol.EventName, payload interface{}, key string, timeout time.Duration) (<-chan AckResult, error) {
	ch := make(chan AckResult, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, dup := m.pending[key]; dup {
		m.mu.Unlock()
		return nil, errors.New("ack already pending for " + key)
	}
	p := &pendingAck{ch: ch}
	p.timer = time.AfterFunc(timeout, func() {
		m.resolveAck(key, AckResult{TimedOut: true})
	})
	m.pending[key] = p
	m.mu.Unlock()

	if err := m.Emit(event, payload); err != nil {
		// Leave the pending entry armed: an unacknowledged send fails by
		// timeout, not by an immediate error, so a reconnect inside the
		// window can still deliver it.
		m.log.WithMessageID(key).WithError(err).Debug("Send queued against dead transport, awaiting timeout")
	}
	return ch, nil
}

// CancelAck drops a pending ack without completing it. Used on teardown of
// the component that was waiting.
func (m *Manager) CancelAck(key string) {
	m.mu.Lock()
	p, ok := m.pending[key]
	if ok {
		delete(m.pending, key)
	}
	m.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}

func (m *Manager) resolveAck(key string, res AckResult) {
	m.mu.Lock()
	p, ok := m.pending[key]
	if ok {
		delete(m.pending, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()
	p.ch <- res
}

func (m *Manager) establish(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.send = make(chan protocol.Envelope, 64)
	m.stop = make(chan struct{})
	m.state = StateConnected
	m.attempt = 0
	m.manualRecovery = false
	send, stop := m.send, m.stop
	m.mu.Unlock()

	conn.SetReadLimit(m.wsCfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(m.wsCfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(m.wsCfg.PongTimeout))
		return nil
	})

	go m.writePump(conn, send, stop)
	go m.readPump(conn)

	m.log.WithConnectionID(m.connectionID).Info("Transport connected")

	// Replay order matters: identity, then availability, then rooms.
	m.announceIdentity()
	m.announceAvailability()

	m.mu.Lock()
	rooms := m.rooms
	m.mu.Unlock()
	if rooms != nil {
		rooms.RejoinAll()
	}

	m.publishLocal(protocol.EventConnect, nil)
}

func (m *Manager) announceIdentity() {
	m.mu.Lock()
	identity := m.identity
	m.mu.Unlock()
	if identity == nil {
		return
	}

	err := m.Emit(protocol.EventUserConnected, protocol.UserConnectedPayload{
		UserID:       identity.UserID,
		Role:         identity.Role,
		ConnectionID: m.connectionID,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		m.log.WithUserID(identity.UserID).WithError(err).Warn("Identity announcement failed")
	}
}

func (m *Manager) announceAvailability() {
	m.mu.Lock()
	identity := m.identity
	loc := m.driverLocation
	m.mu.Unlock()
	if identity == nil || identity.Role != RoleDriver || loc == nil {
		return
	}

	err := m.Emit(protocol.EventDriverAvailable, protocol.DriverAvailablePayload{
		DriverID:     identity.UserID,
		Location:     *loc,
		ConnectionID: m.connectionID,
	})
	if err != nil {
		m.log.WithUserID(identity.UserID).WithError(err).Warn("Availability announcement failed")
	}
}

func (m *Manager) readPump(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.handleConnectionLoss(conn, err)
			return
		}

		env, perr := protocol.ParseEnvelope(raw)
		if perr != nil {
			m.log.WithError(perr).Warn("Dropping malformed frame")
			continue
		}

		if env.Event == protocol.EventMessageAck {
			var ack protocol.AckPayload
			if err := env.Decode(&ack); err == nil {
				m.resolveAck(ack.MessageID, AckResult{Success: ack.Success, Reason: ack.Reason})
			}
		}

		m.bus.Publish(env)
	}
}

func (m *Manager) writePump(conn *websocket.Conn, send <-chan protocol.Envelope, stop <-chan struct{}) {
	ticker := time.NewTicker(m.wsCfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-send:
			conn.SetWriteDeadline(time.Now().Add(m.wsCfg.WriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				// Force the read pump to notice and drive recovery.
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(m.wsCfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

// handleConnectionLoss classifies the disconnect and, for recoverable
// drops, starts the backoff loop. Called from the read pump exactly once
// per connection.
func (m *Manager) handleConnectionLoss(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		// Stale pump from a connection already replaced.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.send = nil
	manual := m.manualClose

	if manual {
		m.state = StateDisconnected
	} else {
		m.state = StateReconnecting
		m.manualRecovery = false
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	conn.Close()

	reason := "peer disconnect"
	if manual {
		reason = "client disconnect"
	} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		reason = "transport error"
	}

	m.log.WithConnectionID(m.connectionID).WithField("reason", reason).Info("Transport disconnected")
	m.publishLocal(protocol.EventDisconnect, protocol.DisconnectPayload{Reason: reason})
}

// scheduleReconnectLocked arms the next backoff attempt. Caller holds mu.
// The attempt cap applies only to recovery loops started from an explicit
// Connect failure; drop-initiated loops retry indefinitely under the same
// delay ceiling.
func (m *Manager) scheduleReconnectLocked() {
	if m.closed || m.manualClose {
		return
	}
	if m.manualRecovery && m.syncCfg.MaxReconnectAttempts > 0 && m.attempt >= m.syncCfg.MaxReconnectAttempts {
		m.log.WithConnectionID(m.connectionID).
			WithField("attempts", m.attempt).
			Error("Giving up on reconnection")
		m.state = StateDisconnected
		return
	}

	delay := backoffDelay(m.syncCfg.ReconnectBaseDelay, m.syncCfg.ReconnectMaxDelay, m.attempt)
	m.attempt++

	m.log.WithConnectionID(m.connectionID).WithFields(map[string]interface{}{
		"attempt": m.attempt,
		"delay":   delay.String(),
	}).Info("Scheduling reconnect")

	m.reconnectTimer = time.AfterFunc(delay, m.retryConnect)
}

func (m *Manager) retryConnect() {
	m.mu.Lock()
	if m.closed || m.manualClose || m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return
	}
	url := m.wsCfg.URL
	m.state = StateConnecting
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.wsCfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := m.dialer.DialContext(ctx, url, nil)
	if err != nil {
		m.publishLocal(protocol.EventConnectError, protocol.ConnectErrorPayload{Error: err.Error()})
		m.mu.Lock()
		m.state = StateReconnecting
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return
	}

	m.establish(conn)
}

func (m *Manager) publishLocal(event protocol.EventName, payload interface{}) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return
	}
	m.bus.Publish(env)
}

// backoffDelay computes min(maxDelay, base * 2^attempt).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempt > 30 {
		return max
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}
