// Package conn is the client-side connection manager (spec.md §4.3): a
// state machine around a single websocket, auto-reconnecting with
// exponential backoff, that the top-level client drives by subscribing
// to its typed event stream.
package conn

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/liveframe/liveframe/pkg/telemetry"
)

// State is the connection manager's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventType discriminates the events a Manager emits.
type EventType string

const (
	EventOpen             EventType = "open"
	EventClose            EventType = "close"
	EventError            EventType = "error"
	EventMessage          EventType = "message"
	EventConnectionChange EventType = "connectionChange"
)

// Event is the single shape every listener receives; only the fields
// relevant to Type are populated.
type Event struct {
	Type    EventType
	Message []byte
	Err     error
	Open    bool // EventConnectionChange only
}

// CredentialProvider produces the query-string credentials to dial with.
// It may be lazy (block on a login flow, a token refresh, etc.) — Connect
// awaits it before ever dialling, per spec.md §4.3.
type CredentialProvider func(ctx context.Context) (url.Values, error)

// Manager owns a single logical connection to the server and reconnects
// it transparently. Safe for concurrent use.
type Manager struct {
	url         string
	credentials CredentialProvider

	dialer         *websocket.Dialer
	reconnectLimit int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu        sync.Mutex
	state     State
	ws        *websocket.Conn
	cancel    context.CancelFunc
	reconnect bool // false once disconnect() has been called — sticky

	listenersMu sync.RWMutex
	listeners   map[int]func(Event)
	nextID      int
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithReconnectLimit bounds the number of consecutive reconnect attempts
// after an unexpected close. Zero means unlimited.
func WithReconnectLimit(limit int) Option {
	return func(m *Manager) { m.reconnectLimit = limit }
}

// WithBackoff overrides the exponential backoff bounds (defaults: 250ms
// initial, 30s max).
func WithBackoff(initial, max time.Duration) Option {
	return func(m *Manager) { m.initialBackoff, m.maxBackoff = initial, max }
}

// New builds a Manager for the given websocket URL (scheme ws/wss). The
// credential provider is consulted fresh on every dial attempt, so a
// token refresh between reconnects is picked up automatically.
func New(rawURL string, credentials CredentialProvider, opts ...Option) *Manager {
	m := &Manager{
		url:            rawURL,
		credentials:    credentials,
		dialer:         websocket.DefaultDialer,
		state:          StateIdle,
		listeners:      make(map[int]func(Event)),
		initialBackoff: 250 * time.Millisecond,
		maxBackoff:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// On registers a listener for every event the Manager emits and returns
// an unsubscribe function, mirroring pkg/graph.Subscribe's callback
// shape. Listeners are invoked synchronously from the manager's read/
// dial goroutine — they must not block.
func (m *Manager) On(handler func(Event)) (unsubscribe func()) {
	m.listenersMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = handler
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

func (m *Manager) emit(ev Event) {
	m.listenersMu.RLock()
	handlers := make([]func(Event), 0, len(m.listeners))
	for _, h := range m.listeners {
		handlers = append(handlers, h)
	}
	m.listenersMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// State returns the Manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.emit(Event{Type: EventConnectionChange, Open: s == StateOpen})
}

// Connect dials the server and starts the reconnect-managed read loop.
// It returns once the first dial attempt completes (success or failure);
// subsequent reconnects run in the background and are reported only
// through emitted events.
func (m *Manager) Connect(parentCtx context.Context) error {
	m.mu.Lock()
	if m.state == StateOpen || m.state == StateConnecting {
		m.mu.Unlock()
		return fmt.Errorf("conn: already connecting or connected")
	}
	ctx, cancel := context.WithCancel(parentCtx)
	m.cancel = cancel
	m.reconnect = true
	m.mu.Unlock()

	m.setState(StateConnecting)
	err := m.dial(ctx)
	if err != nil {
		m.setState(StateClosed)
		m.emit(Event{Type: EventError, Err: err})
		return err
	}

	go m.runReadLoop(ctx)
	return nil
}

// dial awaits credentials, appends them as a query string, and opens the
// websocket.
func (m *Manager) dial(ctx context.Context) error {
	creds, err := m.credentials(ctx)
	if err != nil {
		return fmt.Errorf("conn: credential provider: %w", err)
	}

	dialURL, err := url.Parse(m.url)
	if err != nil {
		return fmt.Errorf("conn: invalid url: %w", err)
	}
	if creds != nil {
		dialURL.RawQuery = creds.Encode()
	}

	ws, _, err := m.dialer.DialContext(ctx, dialURL.String(), nil)
	if err != nil {
		return fmt.Errorf("conn: dial: %w", err)
	}

	m.mu.Lock()
	m.ws = ws
	m.mu.Unlock()

	m.setState(StateOpen)
	m.emit(Event{Type: EventOpen})
	return nil
}

// runReadLoop reads messages until the socket errors or ctx is
// cancelled, then schedules a reconnect unless disconnect() has made
// reconnection sticky-off.
func (m *Manager) runReadLoop(ctx context.Context) {
	for {
		m.mu.Lock()
		ws := m.ws
		m.mu.Unlock()
		if ws == nil {
			return
		}

		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.setState(StateClosed)
			m.emit(Event{Type: EventClose, Err: err})
			if !m.scheduleReconnect(ctx) {
				return
			}
			continue
		}
		m.emit(Event{Type: EventMessage, Message: data})
	}
}

// scheduleReconnect runs the bounded exponential backoff retry loop. It
// returns false if reconnection should not be attempted (disconnect()
// was called, or the context was cancelled).
func (m *Manager) scheduleReconnect(ctx context.Context) bool {
	m.mu.Lock()
	reconnect := m.reconnect
	m.mu.Unlock()
	if !reconnect || ctx.Err() != nil {
		return false
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.initialBackoff
	bo.MaxInterval = m.maxBackoff
	bo.MaxElapsedTime = 0 // bounded by attempt count instead, below

	attempts := 0
	operation := func() error {
		m.mu.Lock()
		stillWanted := m.reconnect
		m.mu.Unlock()
		if !stillWanted {
			return backoff.Permanent(fmt.Errorf("conn: disconnect requested"))
		}
		if m.reconnectLimit > 0 && attempts >= m.reconnectLimit {
			return backoff.Permanent(fmt.Errorf("conn: reconnect limit (%d) reached", m.reconnectLimit))
		}
		attempts++
		telemetry.Metrics.ReconnectAttempts.Add(ctx, 1)

		m.setState(StateConnecting)
		if err := m.dial(ctx); err != nil {
			m.emit(Event{Type: EventError, Err: err})
			return err
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	return err == nil
}

// Send writes a message frame to the open socket.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	ws := m.ws
	m.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("conn: not connected")
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

// Disconnect closes the connection and makes the close sticky: no
// reconnect is ever scheduled afterwards, per spec.md §4.3.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.reconnect = false
	cancel := m.cancel
	ws := m.ws
	m.ws = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.setState(StateClosed)
	if ws != nil {
		return ws.Close()
	}
	return nil
}
