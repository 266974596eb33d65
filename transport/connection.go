package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisperlink/limits"
)

var (
	// ErrConnectionFailed indicates a transient network failure. The Manager
	// handles these itself through backoff; callers see it only from Send and
	// explicit Connect calls.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrNotConnected indicates a send was attempted without a live socket.
	ErrNotConnected = errors.New("not connected")

	// ErrManagerClosed indicates the Manager has been cleaned up. A closed
	// Manager is dead; the session must construct a new one.
	ErrManagerClosed = errors.New("connection manager closed")

	// ErrSessionInvalid indicates the server revoked the session. The Manager
	// will not reconnect.
	ErrSessionInvalid = errors.New("session invalid")
)

// Config configures a Manager.
type Config struct {
	// ServerURL is the websocket endpoint, e.g. wss://relay.example.com/ws.
	ServerURL string
	// Token is the session bearer token presented at dial time.
	Token string

	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxAttempts int

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	return c
}

// Manager owns the single live connection of a session.
//
// All state transitions happen under one mutex, so the reconnect scheduler
// observes a transition to CONNECTED before it can schedule again: scheduling
// while connected, or while another retry is already scheduled, is skipped by
// explicit guard rather than by timing.
type Manager struct {
	cfg    Config
	dialer *websocket.Dialer

	mu             sync.Mutex
	state          ConnectionState
	conn           *websocket.Conn
	connDone       chan struct{}
	attempt        int
	reconnectTimer *time.Timer
	closed         bool
	sessionDead    bool

	writeMu sync.Mutex

	handlersMu     sync.RWMutex
	handlers       map[string]EnvelopeHandler
	defaultHandler EnvelopeHandler

	callbackMu       sync.RWMutex
	stateCallbacks   []StateCallback
	sessionInvalidCb SessionInvalidCallback
}

// NewManager creates a Manager for one session. The Manager starts
// DISCONNECTED; nothing dials until Connect is called.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	cfg = cfg.withDefaults()

	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
		"server":   cfg.ServerURL,
	}).Info("Creating connection manager")

	return &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		},
		state:    StateDisconnected,
		handlers: make(map[string]EnvelopeHandler),
	}, nil
}

// RegisterHandler routes inbound envelopes of the given type to handler.
func (m *Manager) RegisterHandler(envType string, handler EnvelopeHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[envType] = handler
}

// SetDefaultHandler receives envelopes with no registered type handler.
func (m *Manager) SetDefaultHandler(handler EnvelopeHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.defaultHandler = handler
}

// OnStateChange subscribes to connection state transitions.
func (m *Manager) OnStateChange(cb StateCallback) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.stateCallbacks = append(m.stateCallbacks, cb)
}

// OnSessionInvalid subscribes to the server's session revocation signal.
func (m *Manager) OnSessionInvalid(cb SessionInvalidCallback) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.sessionInvalidCb = cb
}

// State reports the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the live connection. It resets the retry budget, so it
// is also the way out of the parked state after automatic retries were
// exhausted. Connecting while already connected or dialing is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.sessionDead {
		m.mu.Unlock()
		return ErrSessionInvalid
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.cancelReconnectLocked()
	m.attempt = 0
	m.mu.Unlock()

	return m.dial(ctx)
}

// Send writes one envelope to the live socket.
func (m *Manager) Send(ctx context.Context, env *Envelope) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := marshalEnvelope(env)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(m.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// NotifyNetworkChange collapses a pending backoff wait and retries
// immediately. The platform layer calls this when the OS reports connectivity
// restored.
func (m *Manager) NotifyNetworkChange() {
	m.mu.Lock()
	if m.closed || m.sessionDead || m.reconnectTimer == nil {
		m.mu.Unlock()
		return
	}
	if m.reconnectTimer.Stop() {
		m.reconnectTimer = nil
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "NotifyNetworkChange",
		}).Info("Network change reported, retrying immediately")
		go m.redial()
		return
	}
	m.mu.Unlock()
}

// Cleanup releases the socket and stops all reconnection activity. The
// Manager is unusable afterwards. Teardown order matters: the reconnect timer
// is cancelled before the socket is closed so no retry fires against a
// released resource.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancelReconnectLocked()
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.emitState(StateDisconnected)

	logrus.WithFields(logrus.Fields{
		"function": "Cleanup",
	}).Info("Connection manager cleaned up")
}

// dial performs one connection attempt and installs the socket on success.
// The CONNECTING claim and the guard checks share one critical section, so
// concurrent callers collapse to a single attempt: whoever loses the claim
// returns nil without dialing.
func (m *Manager) dial(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.sessionDead {
		m.mu.Unlock()
		return ErrSessionInvalid
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.mu.Unlock()
	m.emitState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.cfg.Token)

	conn, resp, err := m.dialer.DialContext(dialCtx, m.cfg.ServerURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			m.handleSessionInvalid("token rejected at dial")
			return ErrSessionInvalid
		}
		logrus.WithFields(logrus.Fields{
			"function": "dial",
			"server":   m.cfg.ServerURL,
			"error":    err,
		}).Warn("Connection attempt failed")
		m.setState(StateError)
		m.scheduleReconnect()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	m.mu.Lock()
	if m.closed || m.sessionDead {
		m.mu.Unlock()
		conn.Close()
		return ErrManagerClosed
	}
	if m.conn != nil {
		// A socket is already installed. Losing the claim should make this
		// unreachable; the new socket is dropped rather than leaking the
		// live one.
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	// Reaching CONNECTED cancels any scheduled reconnect and resets the
	// attempt counter in the same critical section.
	m.cancelReconnectLocked()
	m.conn = conn
	m.attempt = 0
	m.state = StateConnected
	done := make(chan struct{})
	m.connDone = done
	m.mu.Unlock()

	m.emitState(StateConnected)
	logrus.WithFields(logrus.Fields{
		"function": "dial",
		"server":   m.cfg.ServerURL,
	}).Info("Connected")

	go m.readLoop(conn, done)
	go m.pingLoop(conn, done)
	return nil
}

// redial is a retry attempt initiated by the scheduler rather than a caller.
func (m *Manager) redial() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	defer cancel()
	// Errors are already logged and rescheduled inside dial.
	_ = m.dial(ctx)
}

// scheduleReconnect arms the backoff timer for the next retry, unless the
// Manager is connected, closed, dead, already scheduled, or out of attempts.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed || m.sessionDead {
		m.mu.Unlock()
		return
	}
	if m.state == StateConnected {
		// Already connected: skip scheduling. This guard is what prevents
		// duplicate concurrent connection attempts.
		m.mu.Unlock()
		return
	}
	if m.reconnectTimer != nil {
		m.mu.Unlock()
		return
	}
	if m.attempt >= m.cfg.MaxAttempts {
		m.state = StateDisconnected
		m.mu.Unlock()
		m.emitState(StateDisconnected)
		logrus.WithFields(logrus.Fields{
			"function": "scheduleReconnect",
			"attempts": m.cfg.MaxAttempts,
		}).Error("Retry budget exhausted, waiting for explicit Connect")
		return
	}

	delay := ReconnectDelay(m.attempt, m.cfg.BackoffBase, m.cfg.BackoffMax)
	attempt := m.attempt
	m.attempt++
	m.state = StateReconnecting
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		if m.closed || m.sessionDead || m.state == StateConnected {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.redial()
	})
	m.mu.Unlock()

	m.emitState(StateReconnecting)
	logrus.WithFields(logrus.Fields{
		"function": "scheduleReconnect",
		"attempt":  attempt,
		"delay":    delay,
	}).Info("Reconnect scheduled")
}

// readLoop pumps inbound frames until the socket dies.
func (m *Manager) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(limits.MaxEnvelopePayload)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleReadFailure(conn, err)
			return
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err,
			}).Warn("Dropping undecodable frame")
			continue
		}

		if env.Type == EnvelopeTypeSessionInvalid {
			m.handleSessionInvalid(env.Payload)
			return
		}
		m.dispatch(env)
	}
}

// pingLoop keeps intermediaries from idling out the socket.
func (m *Manager) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteTimeout))
			m.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleReadFailure transitions to DISCONNECTED and arms the backoff, unless
// the failure is the expected result of Cleanup.
func (m *Manager) handleReadFailure(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.closed || m.sessionDead || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	conn.Close()
	m.emitState(StateDisconnected)
	logrus.WithFields(logrus.Fields{
		"function": "handleReadFailure",
		"error":    err,
	}).Warn("Live connection lost")
	m.scheduleReconnect()
}

// handleSessionInvalid implements the session guard: stop reconnecting
// immediately, release the socket, and surface the reason. Credentials and
// navigation belong to the subscriber.
func (m *Manager) handleSessionInvalid(reason string) {
	m.mu.Lock()
	if m.sessionDead {
		m.mu.Unlock()
		return
	}
	m.sessionDead = true
	m.cancelReconnectLocked()
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.emitState(StateDisconnected)

	logrus.WithFields(logrus.Fields{
		"function": "handleSessionInvalid",
		"reason":   reason,
	}).Error("Session invalidated by server")

	m.callbackMu.RLock()
	cb := m.sessionInvalidCb
	m.callbackMu.RUnlock()
	if cb != nil {
		cb(reason)
	}
}

// dispatch routes one envelope to its registered handler.
func (m *Manager) dispatch(env *Envelope) {
	m.handlersMu.RLock()
	handler, ok := m.handlers[env.Type]
	if !ok {
		handler = m.defaultHandler
	}
	m.handlersMu.RUnlock()

	if handler == nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"type":     env.Type,
		}).Debug("No handler for envelope type")
		return
	}
	handler(env)
}

// cancelReconnectLocked stops a pending retry. Callers hold m.mu.
func (m *Manager) cancelReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) setState(s ConnectionState) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.emitState(s)
}

func (m *Manager) emitState(s ConnectionState) {
	m.callbackMu.RLock()
	cbs := make([]StateCallback, len(m.stateCallbacks))
	copy(cbs, m.stateCallbacks)
	m.callbackMu.RUnlock()
	for _, cb := range cbs {
		cb(s)
	}
}

func marshalEnvelope(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("nil envelope")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}
