package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/kingrea/lattice-compliance/internal/channel"
	"github.com/kingrea/lattice-compliance/internal/orchestrator"
)

const (
	streamPingInterval = 15 * time.Second
	streamWriteTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents (GET /runs/:id/events) upgrades to a websocket and writes
// every run event as JSON: first the events already broadcast, then live
// ones until the run finishes and its bus closes.
func (s *Server) handleEvents(c echo.Context) error {
	id := c.Param("id")
	bus, err := s.orch.Bus(id)
	if err != nil {
		return s.lookupError(id, err)
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Printf("server: websocket upgrade for %s: %v", id, err)
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	// Reading is required to process control frames; any read error means
	// the client went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	watcher := "watcher-" + uuid.NewString()
	joinErr := bus.Join(watcher)
	if joinErr == nil {
		defer bus.Leave(watcher)
	}
	seen := map[string]struct{}{}
	for _, msg := range bus.History(0) {
		if err := s.forward(conn, msg, seen); err != nil {
			return nil
		}
	}
	if joinErr != nil {
		closeStream(conn, "run finished")
		return nil
	}
	for {
		msg, err := bus.Receive(ctx, watcher, streamPingInterval)
		switch {
		case errors.Is(err, channel.ErrReceiveTimeout):
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
			continue
		case errors.Is(err, channel.ErrClosed):
			closeStream(conn, "run finished")
			return nil
		case err != nil:
			return nil
		}
		if err := s.forward(conn, msg, seen); err != nil {
			return nil
		}
	}
}

func (s *Server) forward(conn *websocket.Conn, msg channel.Message, seen map[string]struct{}) error {
	if msg.Topic != orchestrator.TopicRunEvent {
		return nil
	}
	if _, dup := seen[msg.ID]; dup {
		return nil
	}
	seen[msg.ID] = struct{}{}
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(msg.Payload)
}

func closeStream(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(streamWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
}
