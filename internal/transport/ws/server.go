// Package ws serves the update channel: it upgrades HTTP requests to
// WebSocket connections and registers them with the broadcast hub.
package ws

import (
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"voxelmap.ai/internal/broadcast"
)

const (
	readDeadline = 60 * time.Second
	readLimit    = 4096
)

type Server struct {
	hub *broadcast.Hub
	log *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(hub *broadcast.Hub, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		hub: hub,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // map clients are anonymous
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}

		sub, err := s.hub.Subscribe(conn)
		if err != nil {
			if errors.Is(err, broadcast.ErrHubStopped) {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
			}
			_ = conn.Close()
			return
		}
		defer s.hub.Unsubscribe(sub)

		conn.SetReadLimit(readLimit)
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readDeadline))
		})

		// Client messages carry nothing; reading keeps control frames flowing
		// and detects disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
					s.log.Printf("update channel %s closed: %v", sub.ID(), err)
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		}
	}
}
