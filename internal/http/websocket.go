package http

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"fintrack/internal/log"
	"fintrack/internal/period"
	"fintrack/internal/session"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 512
)

// wsCommand is what a client may send over the feed.
type wsCommand struct {
	Window string `json:"window"`
}

// handleWebSocket streams the session's view. A frame is sent on connect and
// after every change to the session's transactions, identity or cursor.
// Clients switch the window by sending {"window":"day"} or {"window":"month"}.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	kind, err := windowKind(r)
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		return
	}
	defer conn.Close()

	ctx := r.Context()
	logger := log.FromContext(ctx).WithComponent(log.ComponentWebSocket)
	atomic.AddInt64(&s.appMetrics.wsConnections, 1)
	defer atomic.AddInt64(&s.appMetrics.wsConnections, -1)
	logger.DebugContext(ctx, "Websocket connected", log.FieldWindow, kind.String())

	changes, cancel := sess.Changes()
	defer cancel()

	windows := make(chan period.Kind, 1)
	done := make(chan struct{})
	go s.readCommands(conn, windows, done, logger)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	send := func() error {
		sess.Touch()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(toViewJSON(sess.Frame(kind)))
	}

	if err := send(); err != nil {
		return
	}
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := send(); err != nil {
				logger.DebugContext(ctx, "Websocket write failed", log.FieldError, err)
				return
			}
		case k := <-windows:
			kind = k
			if err := send(); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			logger.DebugContext(ctx, "Websocket closed by client")
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case <-ctx.Done():
			return
		}
	}
}

// readCommands consumes client messages until the connection fails. Only the
// latest window switch is kept.
func (s *Server) readCommands(conn *websocket.Conn, windows chan period.Kind, done chan<- struct{}, logger *log.Logger) {
	defer close(done)
	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("Websocket read failed", log.FieldError, err)
			}
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(msg, &cmd); err != nil {
			logger.Debug("Ignoring malformed websocket command", log.FieldError, err)
			continue
		}
		kind, err := period.ParseKind(cmd.Window)
		if err != nil {
			logger.Debug("Ignoring websocket command", log.FieldError, err)
			continue
		}
		select {
		case <-windows:
		default:
		}
		windows <- kind
	}
}
