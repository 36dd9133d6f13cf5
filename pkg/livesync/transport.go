package livesync

import (
	"context"
	"log/slog"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection state as surfaced to the view. Disconnected is debounced by a
// grace period so fast reconnects never flicker the indicator; reconnection
// is surfaced immediately.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Semantic close codes on the push channel. Everything else is a generic
// failure handled by backoff-reconnect.
const (
	CloseAuthExpired = 4401 // session refresh may fix it
	CloseForbidden   = 4403 // scope no longer permitted, do not retry
)

// Default reconnect tuning.
const (
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffCap  = 30 * time.Second
	DefaultGracePeriod = 5 * time.Second
)

// SessionRefresher renews an expired authentication session. Invoked by the
// transport when the channel closes with CloseAuthExpired.
type SessionRefresher interface {
	Refresh(ctx context.Context) error
}

// ScopeParams identify the subscription on the push channel.
type ScopeParams struct {
	// CalendarID subscribes to one lens; nil subscribes to all lenses the
	// member can see.
	CalendarID *string
	// ProjectFeed additionally subscribes to project metadata changes.
	ProjectFeed bool
}

// TransportConfig wires a Transport. URL is the ws(s) endpoint without query
// parameters. All callbacks may be nil.
type TransportConfig struct {
	URL       string
	Scope     ScopeParams
	Dialer    *websocket.Dialer
	Refresher SessionRefresher

	OnState   func(State)
	OnMessage func(raw []byte)
	// OnResync fires on every successful open after the first: the channel
	// cannot guarantee no messages were missed while it was down.
	OnResync func()

	BackoffBase time.Duration
	BackoffCap  time.Duration
	GracePeriod time.Duration
	Logger      *slog.Logger
}

// Transport owns at most one live push-channel connection. Start supersedes
// any prior connection of the same instance; a monotonically increasing
// generation counter makes late events from a superseded connection inert.
type Transport struct {
	cfg TransportConfig

	mu             sync.Mutex
	gen            uint64
	conn           *websocket.Conn
	state          State
	started        bool
	everConnected  bool
	attempts       int
	reconnectTimer *time.Timer
	graceTimer     *time.Timer
}

// NewTransport creates a stopped transport.
func NewTransport(cfg TransportConfig) *Transport {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{cfg: cfg, state: StateDisconnected}
}

// Start opens the channel. Calling Start on a running transport supersedes
// the existing connection and dials fresh with the current scope.
func (t *Transport) Start() {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.started = true
	t.attempts = 0
	t.stopTimersLocked()
	t.closeConnLocked()
	notify := t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	notify()
	go t.dial(gen)
}

// Stop closes the channel without triggering reconnect logic. It
// synchronously invalidates all pending timers and marks any in-flight
// connection stale.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	t.gen++
	t.stopTimersLocked()
	t.closeConnLocked()
	notify := t.setStateLocked(StateDisconnected)
	t.mu.Unlock()

	notify()
}

// State returns the current observable connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Started reports whether the transport is running (between Start and Stop).
func (t *Transport) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// SetScope replaces the subscription parameters used by the next dial. An
// existing connection is untouched; call Start to re-dial on the new scope.
func (t *Transport) SetScope(scope ScopeParams) {
	t.mu.Lock()
	t.cfg.Scope = scope
	t.mu.Unlock()
}

func (t *Transport) dial(gen uint64) {
	conn, resp, err := t.cfg.Dialer.Dial(t.endpoint(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.mu.Lock()
	if gen != t.gen || !t.started {
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		t.cfg.Logger.Warn("live channel dial failed", "err", err)
		t.scheduleReconnectLocked(gen)
		t.startGraceLocked(gen)
		t.mu.Unlock()
		return
	}

	t.conn = conn
	t.attempts = 0
	t.stopGraceLocked()
	wasConnected := t.everConnected
	t.everConnected = true
	notify := t.setStateLocked(StateConnected)
	t.mu.Unlock()

	notify()
	if wasConnected && t.cfg.OnResync != nil {
		// The channel was down at some point; assume messages were missed.
		t.cfg.OnResync()
	}
	go t.readLoop(gen, conn)
}

func (t *Transport) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(gen, err)
			return
		}
		t.mu.Lock()
		stale := gen != t.gen || !t.started
		t.mu.Unlock()
		if stale {
			conn.Close()
			return
		}
		if t.cfg.OnMessage != nil {
			t.cfg.OnMessage(raw)
		}
	}
}

func (t *Transport) handleClose(gen uint64, err error) {
	t.mu.Lock()
	if gen != t.gen || !t.started {
		t.mu.Unlock()
		return
	}
	t.closeConnLocked()

	switch {
	case websocket.IsCloseError(err, CloseForbidden):
		// The scope is no longer permitted; retrying cannot help. The caller
		// must re-initiate with new scope parameters. Leave connecting rather
		// than connected so the grace timer can downgrade to disconnected.
		t.cfg.Logger.Warn("live channel forbidden for scope, not retrying")
		notify := t.setStateLocked(StateConnecting)
		t.startGraceLocked(gen)
		t.mu.Unlock()
		notify()
		return

	case websocket.IsCloseError(err, CloseAuthExpired):
		notify := t.setStateLocked(StateConnecting)
		t.mu.Unlock()
		notify()
		go t.refreshAndRedial(gen)
		return

	default:
		t.cfg.Logger.Info("live channel closed, reconnecting", "err", err)
		notify := t.setStateLocked(StateConnecting)
		t.scheduleReconnectLocked(gen)
		t.startGraceLocked(gen)
		t.mu.Unlock()
		notify()
	}
}

func (t *Transport) refreshAndRedial(gen uint64) {
	var err error
	if t.cfg.Refresher != nil {
		err = t.cfg.Refresher.Refresh(context.Background())
	}

	t.mu.Lock()
	if gen != t.gen || !t.started {
		t.mu.Unlock()
		return
	}
	if err == nil {
		// Fresh session: reconnect immediately with the attempt counter reset.
		t.attempts = 0
		t.mu.Unlock()
		go t.dial(gen)
		return
	}
	t.cfg.Logger.Warn("session refresh failed", "err", err)
	t.scheduleReconnectLocked(gen)
	t.startGraceLocked(gen)
	t.mu.Unlock()
}

func (t *Transport) scheduleReconnectLocked(gen uint64) {
	delay := t.backoffDelay(t.attempts)
	t.attempts++
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
	}
	t.reconnectTimer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		ok := gen == t.gen && t.started
		t.mu.Unlock()
		if ok {
			t.dial(gen)
		}
	})
}

func (t *Transport) backoffDelay(attempt int) time.Duration {
	delay := t.cfg.BackoffBase
	for i := 0; i < attempt && delay < t.cfg.BackoffCap; i++ {
		delay *= 2
	}
	if delay > t.cfg.BackoffCap {
		delay = t.cfg.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(t.cfg.BackoffBase)))
	return delay + jitter
}

// startGraceLocked arms (or re-arms) the timer that downgrades the
// observable state to disconnected if the connection is not back in time.
func (t *Transport) startGraceLocked(gen uint64) {
	if t.graceTimer != nil {
		t.graceTimer.Stop()
	}
	t.graceTimer = time.AfterFunc(t.cfg.GracePeriod, func() {
		t.mu.Lock()
		if gen != t.gen || !t.started || t.state == StateConnected {
			t.mu.Unlock()
			return
		}
		notify := t.setStateLocked(StateDisconnected)
		t.mu.Unlock()
		notify()
	})
}

func (t *Transport) stopGraceLocked() {
	if t.graceTimer != nil {
		t.graceTimer.Stop()
		t.graceTimer = nil
	}
}

func (t *Transport) stopTimersLocked() {
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	t.stopGraceLocked()
}

func (t *Transport) closeConnLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// setStateLocked records a transition and returns the callback to invoke
// once the lock is released.
func (t *Transport) setStateLocked(s State) func() {
	if t.state == s {
		return func() {}
	}
	t.state = s
	cb := t.cfg.OnState
	if cb == nil {
		return func() {}
	}
	return func() { cb(s) }
}

func (t *Transport) endpoint() string {
	t.mu.Lock()
	scope := t.cfg.Scope
	t.mu.Unlock()

	q := url.Values{}
	if scope.CalendarID != nil {
		q.Set("calendar_id", *scope.CalendarID)
	}
	q.Set("project_feed", strconv.FormatBool(scope.ProjectFeed))
	return t.cfg.URL + "?" + q.Encode()
}
