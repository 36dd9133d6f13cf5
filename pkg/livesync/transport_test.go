package livesync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsTestServer accepts websocket connections and hands them to the test so
// it can script server-side behavior (send frames, close with codes).
type wsTestServer struct {
	srv     *httptest.Server
	conns   chan *websocket.Conn
	queries chan url.Values
	dials   atomic.Int32
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	s := &wsTestServer{
		conns:   make(chan *websocket.Conn, 8),
		queries: make(chan url.Values, 8),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.dials.Add(1)
		s.queries <- r.URL.Query()
		s.conns <- conn
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsTestServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

func closeWithCode(conn *websocket.Conn, code int) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
	time.Sleep(20 * time.Millisecond)
	conn.Close()
}

// stateRecorder captures the observable state transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

func (r *stateRecorder) saw(want State) bool {
	for _, s := range r.all() {
		if s == want {
			return true
		}
	}
	return false
}

func (r *stateRecorder) waitFor(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		states := r.all()
		return len(states) > 0 && states[len(states)-1] == want
	}, 2*time.Second, 5*time.Millisecond, "expected state %s, got %v", want, r.all())
}

type fakeRefresher struct {
	calls atomic.Int32
	err   error
}

func (f *fakeRefresher) Refresh(context.Context) error {
	f.calls.Add(1)
	return f.err
}

func newTestTransport(s *wsTestServer, rec *stateRecorder, refresher SessionRefresher, onResync func()) *Transport {
	return NewTransport(TransportConfig{
		URL:         s.url(),
		Refresher:   refresher,
		OnState:     rec.record,
		OnResync:    onResync,
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  50 * time.Millisecond,
		GracePeriod: time.Second,
	})
}

func TestTransportConnects(t *testing.T) {
	s := newWSTestServer(t)
	rec := &stateRecorder{}
	tr := newTestTransport(s, rec, nil, nil)

	tr.Start()
	defer tr.Stop()
	s.accept(t)
	rec.waitFor(t, StateConnected)
	assert.Equal(t, []State{StateConnecting, StateConnected}, rec.all())
}

func TestTransportDeliversMessages(t *testing.T) {
	s := newWSTestServer(t)
	rec := &stateRecorder{}
	var got atomic.Value
	tr := NewTransport(TransportConfig{
		URL:       s.url(),
		OnState:   rec.record,
		OnMessage: func(raw []byte) { got.Store(string(raw)) },
	})

	tr.Start()
	defer tr.Stop()
	conn := s.accept(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":true}`)))

	require.Eventually(t, func() bool {
		v, _ := got.Load().(string)
		return v == `{"hello":true}`
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTransportReconnectWithinGraceNeverDisconnected(t *testing.T) {
	s := newWSTestServer(t)
	rec := &stateRecorder{}
	var resyncs atomic.Int32
	tr := newTestTransport(s, rec, nil, func() { resyncs.Add(1) })

	tr.Start()
	defer tr.Stop()
	conn := s.accept(t)
	rec.waitFor(t, StateConnected)

	// Generic failure: the server drops the connection.
	conn.Close()

	// Backoff is a few milliseconds, grace a full second: the transport
	// must be back before the grace timer fires.
	s.accept(t)
	rec.waitFor(t, StateConnected)

	assert.False(t, rec.saw(StateDisconnected), "fast reconnects must not flicker to disconnected: %v", rec.all())
	assert.GreaterOrEqual(t, s.dials.Load(), int32(2))
	assert.Eventually(t, func() bool { return resyncs.Load() == 1 }, time.Second, 5*time.Millisecond,
		"exactly one resync per successful reconnect")
}

func TestTransportAuthExpiredRefreshesAndRedials(t *testing.T) {
	s := newWSTestServer(t)
	rec := &stateRecorder{}
	refresher := &fakeRefresher{}
	var resyncs atomic.Int32
	tr := newTestTransport(s, rec, refresher, func() { resyncs.Add(1) })

	tr.Start()
	defer tr.Stop()
	conn := s.accept(t)
	rec.waitFor(t, StateConnected)

	closeWithCode(conn, CloseAuthExpired)

	s.accept(t)
	rec.waitFor(t, StateConnected)

	assert.Equal(t, int32(1), refresher.calls.Load(), "session refresh must be attempted once")
	assert.Equal(t, []State{StateConnecting, StateConnected, StateConnecting, StateConnected}, rec.all())
	assert.Eventually(t, func() bool { return resyncs.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTransportAuthRefreshFailureFallsBackToBackoff(t *testing.T) {
	s := newWSTestServer(t)
	rec := &stateRecorder{}
	refresher := &fakeRefresher{err: errors.New("refresh rejected")}
	tr := newTestTransport(s, rec, refresher, nil)

	tr.Start()
	defer tr.Stop()
	conn := s.accept(t)
	rec.waitFor(t, StateConnected)

	closeWithCode(conn, CloseAuthExpired)

	// Refresh fails, but the generic reconnect path still redials.
	s.accept(t)
	rec.waitFor(t, StateConnected)
	assert.Equal(t, int32(1), refresher.calls.Load())
}

func TestTransportForbiddenDoesNotRetry(t *testing.T) {
	s := newWSTestServer(t)
	rec := &stateRecorder{}
	tr := NewTransport(TransportConfig{
		URL:         s.url(),
		OnState:     rec.record,
		BackoffBase: 5 * time.Millisecond,
		GracePeriod: 50 * time.Millisecond,
	})

	tr.Start()
	defer tr.Stop()
	conn := s.accept(t)
	rec.waitFor(t, StateConnected)

	closeWithCode(conn, CloseForbidden)

	rec.waitFor(t, StateDisconnected)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), s.dials.Load(), "a forbidden scope must not be redialed")
	// The socket is dead the moment the close arrives; connected must not
	// linger until the grace timer fires.
	assert.Equal(t, []State{StateConnecting, StateConnected, StateConnecting, StateDisconnected}, rec.all())
}

func TestTransportSetScopeAppliesOnRedial(t *testing.T) {
	s := newWSTestServer(t)
	rec := &stateRecorder{}
	tr := newTestTransport(s, rec, nil, nil)

	tr.Start()
	defer tr.Stop()
	s.accept(t)
	assert.Empty(t, (<-s.queries).Get("calendar_id"))
	rec.waitFor(t, StateConnected)

	lensID := "lens-1"
	tr.SetScope(ScopeParams{CalendarID: &lensID})
	tr.Start()
	s.accept(t)
	rec.waitFor(t, StateConnected)

	assert.Equal(t, lensID, (<-s.queries).Get("calendar_id"))
	assert.Equal(t, int32(2), s.dials.Load())
}

func TestTransportStopCancelsReconnects(t *testing.T) {
	s := newWSTestServer(t)
	rec := &stateRecorder{}
	tr := newTestTransport(s, rec, nil, nil)

	tr.Start()
	conn := s.accept(t)
	rec.waitFor(t, StateConnected)

	tr.Stop()
	conn.Close()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), s.dials.Load(), "stop must suppress all reconnect logic")
	assert.Equal(t, StateDisconnected, tr.State())
}

func TestTransportStartSupersedesPreviousConnection(t *testing.T) {
	s := newWSTestServer(t)
	rec := &stateRecorder{}
	var messages atomic.Int32
	tr := NewTransport(TransportConfig{
		URL:       s.url(),
		OnState:   rec.record,
		OnMessage: func([]byte) { messages.Add(1) },
	})

	tr.Start()
	first := s.accept(t)
	rec.waitFor(t, StateConnected)

	tr.Start()
	s.accept(t)
	rec.waitFor(t, StateConnected)

	// A frame from the superseded connection must be ignored.
	_ = first.WriteMessage(websocket.TextMessage, []byte(`{"stale":true}`))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, messages.Load())

	tr.Stop()
}
