// Package ws provides the WebSocket endpoint clients use to join the comment room.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/comments/internal/config"
	"github.com/xiaot623/gogo/comments/internal/domain"
	"github.com/xiaot623/gogo/comments/internal/session"
)

// Path is the WebSocket route.
const Path = "/ws/comments"

// Authenticator resolves the principal of an upgrade request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (domain.Principal, error)
}

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	auth     Authenticator
	deps     session.Deps
	upgrader websocket.Upgrader

	// ctx outlives individual requests; cancelling it ends every session.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, auth Authenticator, deps session.Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	if deps.Room == "" {
		deps.Room = cfg.WS.Room
	}
	return &Server{
		cfg:  cfg,
		auth: auth,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register mounts the WebSocket route on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET(Path, s.HandleWebSocket)
	e.GET(Path+"/", s.HandleWebSocket)
}

// HandleWebSocket authenticates, upgrades and starts the connection's goroutines.
// Requests without a valid principal are refused before the upgrade.
func (s *Server) HandleWebSocket(c echo.Context) error {
	req := c.Request()
	principal, err := s.auth.Authenticate(req.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthenticated) {
			slog.Debug("websocket refused", "remote", c.RealIP(), "err", err)
			return echo.NewHTTPError(http.StatusForbidden, "authentication required")
		}
		slog.Error("websocket auth failed", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}

	ws, err := s.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		slog.Warn("failed to upgrade websocket", "err", err)
		return nil
	}
	ws.SetReadLimit(s.cfg.WS.MaxMessageSize)

	conn := newConnection(ws, s.cfg.WS.SendBuffer)
	sess := session.New(principal, conn, s.deps)
	ctx, cancel := context.WithCancel(s.ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writePump(conn)
	}()

	if err := sess.OnConnect(ctx); err != nil {
		slog.Warn("session refused", "err", err)
		cancel()
		conn.Close()
		return nil
	}

	inbound := make(chan []byte, 16)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.readPump(ctx, conn, inbound)
	}()
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer conn.Close()
		if err := sess.Run(ctx, inbound); err != nil {
			slog.Info("session ended", "session_id", sess.ID, "err", err)
		}
	}()

	return nil
}

// Close ends every session and waits for their goroutines.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(ctx context.Context, conn *Connection, inbound chan<- []byte) {
	defer func() {
		close(inbound)
		conn.Close()
	}()

	_ = conn.ws.SetReadDeadline(time.Now().Add(s.cfg.WS.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(s.cfg.WS.ReadTimeout))
	})

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read error", "err", err)
			}
			return
		}

		select {
		case inbound <- message:
		case <-ctx.Done():
			return
		}
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(s.cfg.WS.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.ws.Close()
	}()

	for {
		select {
		case message := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WS.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Warn("failed to write message", "err", err)
				conn.Close()
				return
			}

		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WS.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}

		case <-conn.done:
			s.drain(conn)
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WS.WriteTimeout))
			_ = conn.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes frames queued before the connection was closed.
func (s *Server) drain(conn *Connection) {
	for {
		select {
		case message := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WS.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
