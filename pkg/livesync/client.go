// Package livesync keeps a locally materialized, filtered view of calendar
// events consistent with server state over an unreliable push channel. It
// tolerates disconnects, out-of-order delivery, duplicate delivery, and
// authentication expiry mid-connection, falling back to a debounced full
// resync whenever an incremental merge would be unsafe.
package livesync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"famcal-api/types"
)

// Config assembles a Client. BaseURL is the http(s) root of the API; the
// websocket endpoint and collaborator URLs are derived from it. One Client
// belongs to one view: create it on mount, Stop it on unmount.
type Config struct {
	BaseURL     string
	Scope       Scope
	ProjectFeed bool

	// Jar shares session cookies between the websocket dial, the resync
	// fetch, and the session refresh.
	Jar http.CookieJar

	OnChange    func([]types.EventOut)
	OnState     func(State)
	OnScopeGone func()

	DebounceWindow time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	GracePeriod    time.Duration
	Logger         *slog.Logger
}

// Client ties the transport, reconciler, and resync scheduler together and
// owns their lifecycle. No state outlives the Client; superseded connections
// are invalidated through the transport's generation counter.
type Client struct {
	transport   *Transport
	reconciler  *Reconciler
	scheduler   *ResyncScheduler
	fetcher     Fetcher
	projectFeed bool
	logger      *slog.Logger
}

// NewClient builds a stopped client for the given scope.
func NewClient(cfg Config) (*Client, error) {
	wsURL, err := wsEndpoint(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{Jar: cfg.Jar}
	c := &Client{
		fetcher:     &HTTPFetcher{BaseURL: cfg.BaseURL, Client: httpClient},
		projectFeed: cfg.ProjectFeed,
		logger:      logger,
	}

	c.scheduler = NewResyncScheduler(cfg.DebounceWindow, c.resync)
	c.reconciler = NewReconciler(ReconcilerConfig{
		Scope:          cfg.Scope,
		ScheduleResync: c.scheduler.Schedule,
		OnChange:       cfg.OnChange,
		OnScopeGone:    cfg.OnScopeGone,
		Logger:         logger,
	})
	c.transport = NewTransport(TransportConfig{
		URL:         wsURL,
		Scope:       ScopeParams{CalendarID: cfg.Scope.LensID, ProjectFeed: cfg.ProjectFeed},
		Dialer:      &websocket.Dialer{Jar: cfg.Jar, HandshakeTimeout: 10 * time.Second},
		Refresher:   &HTTPSessionRefresher{BaseURL: cfg.BaseURL, Client: httpClient},
		OnState:     cfg.OnState,
		OnMessage:   c.handleMessage,
		OnResync:    c.scheduler.Schedule,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		GracePeriod: cfg.GracePeriod,
		Logger:      logger,
	})
	return c, nil
}

// Start opens the push channel and schedules the initial fetch. Start after
// Stop re-arms the whole pipeline; the transport supersedes any connection a
// previous Start left behind.
func (c *Client) Start() {
	c.scheduler.Restart()
	c.transport.Start()
	c.scheduler.Schedule()
}

// Stop tears the client down: the socket is closed, pending timers are
// cancelled, and late events from the old connection are ignored.
func (c *Client) Stop() {
	c.transport.Stop()
	c.scheduler.Stop()
}

// Events returns the current local collection in display order.
func (c *Client) Events() []types.EventOut {
	return c.reconciler.Events()
}

// State returns the observable connection state.
func (c *Client) State() State {
	return c.transport.State()
}

// SetScope narrows or moves the view (for example a different date range).
// The collection is re-filtered immediately and a resync fills in whatever
// the new scope needs. Switching to a different lens also re-dials the push
// channel, whose server-side subscription is keyed by the lens.
func (c *Client) SetScope(scope Scope) {
	prev := c.reconciler.Scope()
	c.reconciler.SetScope(scope)
	if !equalLens(prev.LensID, scope.LensID) {
		c.transport.SetScope(ScopeParams{CalendarID: scope.LensID, ProjectFeed: c.projectFeed})
		if c.transport.Started() {
			c.transport.Start()
		}
	}
	c.scheduler.Schedule()
}

func equalLens(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (c *Client) handleMessage(raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		// A frame we cannot even parse means we may have lost information.
		c.logger.Warn("dropping malformed live message", "err", err)
		c.scheduler.Schedule()
		return
	}
	c.reconciler.Apply(*msg)
}

func (c *Client) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	events, err := c.fetcher.FetchEvents(ctx, c.reconciler.Scope())
	if err != nil {
		// Deliberately no retry loop; the next trigger retries.
		c.logger.Warn("resync fetch failed", "err", err)
		return
	}
	c.reconciler.ReplaceAll(events)
}

func wsEndpoint(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("livesync: invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("livesync: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/live/ws"
	u.RawQuery = ""
	return u.String(), nil
}
