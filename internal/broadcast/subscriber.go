package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voxelmap.ai/internal/metrics"
)

// Subscriber is a connection registered with the hub. Only the hub writes to
// its queue.
type Subscriber struct {
	id    string
	conn  Conn
	queue chan []byte
	done  chan struct{}
	alive atomic.Bool

	// drops counts consecutive full-queue drops; guarded by Hub.mu.
	drops int

	closeOnce sync.Once
}

func newSubscriber(conn Conn, queueSize int) *Subscriber {
	s := &Subscriber{
		id:    uuid.NewString(),
		conn:  conn,
		queue: make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
	s.alive.Store(true)
	return s
}

func (s *Subscriber) ID() string  { return s.id }
func (s *Subscriber) Alive() bool { return s.alive.Load() }

func (s *Subscriber) shutdown() {
	s.closeOnce.Do(func() {
		s.alive.Store(false)
		close(s.done)
		_ = s.conn.Close()
	})
}

func (h *Hub) writeLoop(s *Subscriber) {
	defer h.writers.Done()
	ping := h.clock.NewTicker(h.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case b, ok := <-s.queue:
			if !ok {
				h.closeGracefully(s)
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.writeFailed(s)
				return
			}
		case <-ping.Chan():
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
				h.writeFailed(s)
				return
			}
		case <-s.done:
			return
		}
	}
}

func (h *Hub) writeFailed(s *Subscriber) {
	metrics.HubWriteFailures.Inc()
	h.Unsubscribe(s)
	// Stop has already detached s from the hub; close it here.
	s.shutdown()
}

func (h *Hub) closeGracefully(s *Subscriber) {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
	s.shutdown()
}
