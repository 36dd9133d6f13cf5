package live

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"famcal-api/models"
	"famcal-api/types"
)

// Close codes with semantic meaning on the push channel. They mirror the
// client transport's constants: 4401 asks the client to refresh its session
// and retry, 4403 tells it the scope is gone for good.
const (
	CloseAuthExpired = 4401
	CloseForbidden   = 4403
)

const (
	pingInterval  = 25 * time.Second
	writeDeadline = 10 * time.Second
	readLimit     = 4096
)

// MemberSource resolves the project membership of an authenticated user.
type MemberSource interface {
	MemberByUserID(userID string) (*models.Member, error)
}

// LensSource resolves calendar lenses for access checks and channel fan-in.
type LensSource interface {
	LensByID(id string) (*models.CalendarLens, error)
	LensesByProject(projectID string) ([]models.CalendarLens, error)
}

// ServeConfig wires the live websocket endpoint.
type ServeConfig struct {
	Broker       *Broker
	Members      MemberSource
	Lenses       LensSource
	JWTSecret    string
	AccessCookie string
	QueueSize    int
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the connection and streams live messages for the
// requested scope. Authentication and authorization failures are reported
// through close codes after the upgrade so that clients can distinguish
// "refresh and retry" from "give up".
func ServeWS(cfg ServeConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		lensID, projectFeed, scopeOK := resolveScope(c)

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "err", err)
			return
		}
		conn.SetReadLimit(readLimit)

		if !scopeOK {
			closeWith(conn, CloseForbidden, "invalid scope")
			return
		}

		userID, expiresAt, err := authenticate(c.Request, cfg.JWTSecret, cfg.AccessCookie)
		if err != nil {
			closeWith(conn, CloseAuthExpired, "invalid or expired token")
			return
		}
		member, err := cfg.Members.MemberByUserID(userID)
		if err != nil || member == nil {
			closeWith(conn, CloseForbidden, "no membership")
			return
		}

		channels, err := resolveChannels(cfg.Lenses, member, lensID, projectFeed)
		if err != nil {
			closeWith(conn, CloseForbidden, "no access to calendar")
			return
		}

		stream(cfg, conn, member, lensID, channels, expiresAt)
	}
}

func resolveScope(c *gin.Context) (lensID *string, projectFeed, ok bool) {
	projectFeed = parseBool(c.Query("project_feed"), true)
	raw := c.Query("calendar_id")
	if raw == "" {
		return nil, projectFeed, true
	}
	if _, err := uuid.Parse(raw); err != nil {
		return nil, projectFeed, false
	}
	return &raw, projectFeed, true
}

func parseBool(raw string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// authenticate extracts the user id and token expiry from the access cookie,
// falling back to a Bearer header for non-browser clients.
func authenticate(r *http.Request, secret, cookieName string) (userID string, expiresAt time.Time, err error) {
	var raw string
	if cookie, cerr := r.Cookie(cookieName); cerr == nil {
		raw = cookie.Value
	} else if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		raw = strings.TrimPrefix(header, "Bearer ")
	}
	if raw == "" {
		return "", time.Time{}, jwt.ErrTokenMalformed
	}

	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", time.Time{}, jwt.ErrTokenInvalidClaims
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", time.Time{}, jwt.ErrTokenInvalidClaims
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", time.Time{}, jwt.ErrTokenInvalidClaims
	}
	if exp, eerr := claims.GetExpirationTime(); eerr == nil && exp != nil {
		expiresAt = exp.Time
	}
	return sub, expiresAt, nil
}

func resolveChannels(lenses LensSource, member *models.Member, lensID *string, projectFeed bool) ([]string, error) {
	var channels []string
	if lensID != nil {
		lens, err := lenses.LensByID(*lensID)
		if err != nil || lens == nil || lens.ProjectID != member.ProjectID || !lens.VisibleTo(member.ID, member.UserID) {
			return nil, errForbidden
		}
		channels = append(channels, CalendarChannel(lens.ID))
	} else {
		channels = append(channels, ProjectEventsChannel(member.ProjectID))
		all, err := lenses.LensesByProject(member.ProjectID)
		if err != nil {
			return nil, err
		}
		for i := range all {
			if all[i].VisibleTo(member.ID, member.UserID) {
				channels = append(channels, CalendarChannel(all[i].ID))
			}
		}
	}
	if projectFeed {
		channels = append(channels, ProjectMetaChannel(member.ProjectID))
	}
	return dedupe(channels), nil
}

var errForbidden = errors.New("live: lens not accessible")

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// stream runs the connection until the client goes away or the session
// expires. One goroutine drains the socket to observe the close; the main
// loop fans in subscriptions, keepalives, and the expiry deadline.
func stream(cfg ServeConfig, conn *websocket.Conn, member *models.Member, lensID *string, channels []string, expiresAt time.Time) {
	defer conn.Close()

	subs := make([]*Subscription, 0, len(channels))
	for _, channel := range channels {
		subs = append(subs, cfg.Broker.Subscribe(channel, cfg.QueueSize))
	}
	defer func() {
		for _, sub := range subs {
			cfg.Broker.Unsubscribe(sub)
		}
	}()

	connected, err := types.NewLiveMessage(
		member.ProjectID, lensID, types.LiveSystemConnected, member.ProjectID,
		map[string][]string{"channels": channels}, time.Now().UTC(),
	)
	if err == nil {
		if werr := writeMessage(conn, connected); werr != nil {
			return
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, rerr := conn.ReadMessage(); rerr != nil {
				return
			}
		}
	}()

	out := make(chan types.LiveMessage, 64)
	done := make(chan struct{})
	defer close(done)
	for _, sub := range subs {
		go func(sub *Subscription) {
			for {
				select {
				case msg := <-sub.C:
					select {
					case out <- msg:
					case <-done:
						return
					}
				case <-done:
					return
				}
			}
		}(sub)
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	var expiry <-chan time.Time
	if !expiresAt.IsZero() {
		t := time.NewTimer(time.Until(expiresAt))
		defer t.Stop()
		expiry = t.C
	}

	for {
		select {
		case <-closed:
			return
		case <-expiry:
			closeWith(conn, CloseAuthExpired, "session expired")
			return
		case msg := <-out:
			if werr := writeMessage(conn, msg); werr != nil {
				return
			}
		case <-ticker.C:
			ping, perr := types.NewLiveMessage(
				member.ProjectID, lensID, types.LiveSystemPing, member.ProjectID,
				nil, time.Now().UTC(),
			)
			if perr != nil {
				continue
			}
			if werr := writeMessage(conn, ping); werr != nil {
				return
			}
		}
	}
}

func writeMessage(conn *websocket.Conn, msg types.LiveMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteJSON(msg)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	// Give the close frame a moment to flush before tearing down the TCP
	// connection, otherwise the client may see a bare reset.
	time.Sleep(50 * time.Millisecond)
	conn.Close()
}
