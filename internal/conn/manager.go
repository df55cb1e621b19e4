// Package conn owns the single transport connection to the realtime backend.
//
// The Manager keeps at most one live transport, reconnects with bounded
// exponential backoff after unexpected drops, and republishes every inbound
// frame through an events.Dispatcher tagged with the id of the connection it
// arrived on. Payloads are never interpreted here.
package conn

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/petervdpas/rtcomm/internal/auth"
	"github.com/petervdpas/rtcomm/internal/events"
	"github.com/petervdpas/rtcomm/internal/proto"
	"github.com/petervdpas/rtcomm/internal/transport"
	"github.com/petervdpas/rtcomm/internal/util"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

// Status is the payload of the connect and disconnect lifecycle events.
type Status struct {
	ConnectionID string `json:"connectionId"`
	Endpoint     string `json:"endpoint,omitempty"`
	Attempt      int    `json:"attempt"`
	Reason       string `json:"reason,omitempty"`
}

// Disconnect reasons carried in Status.Reason.
const (
	ReasonExplicit = "explicit"
	ReasonDropped  = "dropped"
)

// Options tune the reconnect policy.
type Options struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// Tokens, when set, is asked for a credential before every attempt;
	// otherwise the token passed to Connect is reused.
	Tokens auth.TokenSource

	Clock clock.Clock
}

// DefaultOptions returns the stock reconnect policy.
func DefaultOptions() Options {
	return Options{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

func (o *Options) normalize() {
	d := DefaultOptions()
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = max(d.MaxDelay, o.BaseDelay)
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// Backoff returns the delay before retry number attempt (1-based):
// base doubled per attempt, capped at maxDelay.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

// Manager is the connection manager. Construct with New.
type Manager struct {
	dialer transport.Dialer
	disp   *events.Dispatcher
	opts   Options

	mu         sync.Mutex
	state      State
	conn       transport.Conn
	connID     string
	attempt    int
	token      string
	explicit   bool
	retry      *clock.Timer
	cancelDial context.CancelFunc
}

// New creates a Manager that dials through dialer and publishes on disp.
func New(dialer transport.Dialer, disp *events.Dispatcher, opts Options) *Manager {
	opts.normalize()
	return &Manager{
		dialer: dialer,
		disp:   disp,
		opts:   opts,
	}
}

// Dispatcher returns the dispatcher inbound events are published on.
func (m *Manager) Dispatcher() *events.Dispatcher { return m.disp }

// Connect starts connecting with token. It is a no-op while connected or
// while an attempt (or a scheduled retry) is in flight, apart from
// remembering the newer token. Failures never surface here; they go into
// the retry policy.
func (m *Manager) Connect(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token != "" {
		m.token = token
	}
	if m.state != StateDisconnected || m.retry != nil {
		return
	}
	m.explicit = false
	m.attempt = 0
	m.startLocked()
}

// startLocked assigns a fresh connection id and dials in the background.
func (m *Manager) startLocked() {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	m.connID = id
	m.state = StateConnecting
	m.cancelDial = cancel
	go m.dial(ctx, id, m.token)
}

func (m *Manager) dial(ctx context.Context, id, token string) {
	c, err := m.open(ctx, token)

	m.mu.Lock()
	if m.connID != id || m.explicit {
		// Superseded or shut down while dialing.
		m.mu.Unlock()
		if c != nil {
			_ = c.Close()
		}
		return
	}
	m.cancelDial = nil
	if err != nil {
		log.Printf("CONN: connect %s failed: %v", util.ShortID(id), err)
		m.state = StateDisconnected
		terminal := m.scheduleRetryLocked(id, err)
		m.mu.Unlock()
		if terminal != nil {
			m.disp.Emit(proto.EventConnectionError, terminal)
		}
		return
	}
	m.conn = c
	m.state = StateConnected
	m.attempt = 0
	m.mu.Unlock()

	log.Printf("CONN: connected %s via %s", util.ShortID(id), c.Endpoint())
	m.disp.Emit(proto.EventConnect, Status{ConnectionID: id, Endpoint: c.Endpoint()})
	go m.readLoop(id, c)
}

// open resolves the credential and dials. Expired JWTs are rejected
// locally so the backend is not hammered with a token it will refuse.
func (m *Manager) open(ctx context.Context, token string) (transport.Conn, error) {
	if m.opts.Tokens != nil {
		t, err := m.opts.Tokens.Token(ctx)
		if err != nil {
			return nil, &ConnectionError{Kind: AuthRejected, Err: err}
		}
		token = t
	}
	if err := auth.CheckExpiry(token, m.opts.Clock.Now()); err != nil {
		return nil, &ConnectionError{Kind: AuthRejected, Err: err}
	}
	c, err := m.dialer.Dial(ctx, token)
	if err != nil {
		kind := Unreachable
		if errors.Is(err, transport.ErrUnauthorized) {
			kind = AuthRejected
		}
		return nil, &ConnectionError{Kind: kind, Err: err}
	}
	return c, nil
}

// scheduleRetryLocked arms the backoff timer for the next attempt, or
// returns the terminal error once MaxAttempts retries have been spent.
func (m *Manager) scheduleRetryLocked(failedID string, cause error) *ConnectionError {
	if m.attempt >= m.opts.MaxAttempts {
		log.Printf("CONN: giving up after %d retries", m.attempt)
		return &ConnectionError{Kind: RetriesExhausted, Attempt: m.attempt, Err: cause}
	}
	m.attempt++
	delay := Backoff(m.attempt, m.opts.BaseDelay, m.opts.MaxDelay)
	log.Printf("CONN: retry %d/%d in %s", m.attempt, m.opts.MaxAttempts, delay)

	var t *clock.Timer
	t = m.opts.Clock.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.retry != t || m.explicit || m.connID != failedID {
			return
		}
		m.retry = nil
		m.startLocked()
	})
	m.retry = t
	return nil
}

func (m *Manager) readLoop(id string, c transport.Conn) {
	unmarshal := c.Codec().Unmarshal
	for {
		event, data, err := c.ReadFrame()
		if err != nil {
			m.dropped(id, c, err)
			return
		}
		if proto.IsLocal(event) {
			log.Printf("CONN: ignoring reserved event %q from backend", event)
			continue
		}

		m.mu.Lock()
		stale := m.connID != id
		m.mu.Unlock()
		if stale {
			return
		}

		m.disp.Publish(events.Event{
			Name:         event,
			ConnectionID: id,
			Payload:      events.Raw{Data: data, Unmarshal: unmarshal},
		})
	}
}

// dropped handles the read side of connection id failing.
func (m *Manager) dropped(id string, c transport.Conn, cause error) {
	_ = c.Close()

	m.mu.Lock()
	if m.connID != id || m.explicit || m.conn != c {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	terminal := m.scheduleRetryLocked(id, &ConnectionError{Kind: Unreachable, Err: cause})
	attempt := m.attempt
	m.mu.Unlock()

	log.Printf("CONN: connection %s dropped: %v", util.ShortID(id), cause)
	m.disp.Emit(proto.EventDisconnect, Status{ConnectionID: id, Attempt: attempt, Reason: ReasonDropped})
	if terminal != nil {
		m.disp.Emit(proto.EventConnectionError, terminal)
	}
}

// Disconnect closes the transport, cancels any pending retry and clears
// every listener on the dispatcher. Safe to call in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.explicit = true
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	c, id := m.conn, m.connID
	wasLive := m.state != StateDisconnected
	m.conn = nil
	m.connID = ""
	m.state = StateDisconnected
	m.attempt = 0
	m.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
	if wasLive {
		log.Printf("CONN: disconnected %s", util.ShortID(id))
		m.disp.Emit(proto.EventDisconnect, Status{ConnectionID: id, Reason: ReasonExplicit})
	}
	m.disp.Reset()
}

// IsConnected reports whether a transport is live.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the number of retries scheduled since the last success.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// ConnectionID returns the id of the current (or in-flight) connection.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connID
}

// Emit sends one outbound event on the live transport.
func (m *Manager) Emit(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		return &ConnectionError{Kind: NotConnected}
	}
	if err := c.WriteFrame(ctx, event, payload); err != nil {
		return &ConnectionError{Kind: Unreachable, Err: err}
	}
	return nil
}
