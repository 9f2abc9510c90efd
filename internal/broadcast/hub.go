// Package broadcast fans map updates out to every subscribed update-channel
// connection. Each subscriber has its own bounded queue and writer goroutine,
// so a slow client never stalls the broadcaster.
package broadcast

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"voxelmap.ai/internal/mapproto"
	"voxelmap.ai/internal/maptile"
	"voxelmap.ai/internal/metrics"
)

var (
	ErrConnClosed = errors.New("broadcast: connection closed")
	ErrHubStopped = errors.New("broadcast: hub stopped")
)

const (
	DefaultQueueSize       = 16
	DefaultInboundSize     = 4096
	DefaultEvictAfterDrops = 3
	DefaultWriteTimeout    = 5 * time.Second
	DefaultPingInterval    = 30 * time.Second

	stopTimeout = 10 * time.Second
)

// Conn is the subset of *websocket.Conn the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Options struct {
	QueueSize       int
	InboundSize     int
	EvictAfterDrops int
	WriteTimeout    time.Duration
	PingInterval    time.Duration

	Clock  clockwork.Clock
	Logger *log.Logger
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.InboundSize <= 0 {
		o.InboundSize = DefaultInboundSize
	}
	if o.EvictAfterDrops <= 0 {
		o.EvictAfterDrops = DefaultEvictAfterDrops
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
	return o
}

type Hub struct {
	opts  Options
	clock clockwork.Clock
	log   *log.Logger

	mu       sync.Mutex
	subs     map[*Subscriber]struct{}
	retained map[string][]byte // level id -> encoded levelMeta
	stopped  bool

	in           chan mapproto.Message
	done         chan struct{}
	dispatchDone chan struct{}
	startOnce    sync.Once
	stopOnce     sync.Once

	writers sync.WaitGroup
}

func NewHub(opts Options) *Hub {
	opts = opts.withDefaults()
	return &Hub{
		opts:         opts,
		clock:        opts.Clock,
		log:          opts.Logger,
		subs:         map[*Subscriber]struct{}{},
		retained:     map[string][]byte{},
		in:           make(chan mapproto.Message, opts.InboundSize),
		done:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
}

// Subscribe registers conn and starts its writer. The connection is probed
// with a ping first; a dead connection yields ErrConnClosed. The latest
// levelMeta of every known level is queued before any later broadcast.
func (h *Hub) Subscribe(conn Conn) (*Subscriber, error) {
	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	s := newSubscriber(conn, h.opts.QueueSize)

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil, ErrHubStopped
	}
	levels := make([]string, 0, len(h.retained))
	for id := range h.retained {
		levels = append(levels, id)
	}
	sort.Strings(levels)
	for _, id := range levels {
		select {
		case s.queue <- h.retained[id]:
		default:
		}
	}
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.writers.Add(1)
	h.mu.Unlock()

	metrics.HubSubscribers.Set(float64(n))
	go h.writeLoop(s)
	return s, nil
}

// Unsubscribe removes s and closes its connection. Safe to call repeatedly.
func (h *Hub) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}
	h.mu.Lock()
	if _, ok := h.subs[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()

	metrics.HubSubscribers.Set(float64(n))
	s.shutdown()
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast encodes m once and queues it for every subscriber without
// blocking. It returns the number of subscribers the message was queued for.
func (h *Hub) Broadcast(m mapproto.Message) int {
	b, err := mapproto.Encode(m)
	if err != nil {
		h.log.Printf("broadcast: %v", err)
		return 0
	}
	metrics.HubBroadcastsTotal.WithLabelValues(m.MessageType()).Inc()

	var (
		queued int
		slow   []*Subscriber
	)
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return 0
	}
	if lm, ok := m.(mapproto.LevelMetaMsg); ok {
		h.retained[lm.LevelID] = b
	}
	for s := range h.subs {
		select {
		case s.queue <- b:
			s.drops = 0
			queued++
		default:
			s.drops++
			metrics.HubDroppedMessages.Inc()
			if s.drops >= h.opts.EvictAfterDrops {
				slow = append(slow, s)
			}
		}
	}
	for _, s := range slow {
		delete(h.subs, s)
		h.writers.Add(1)
	}
	n := len(h.subs)
	h.mu.Unlock()

	if len(slow) > 0 {
		metrics.HubSubscribers.Set(float64(n))
		for _, s := range slow {
			go h.evict(s)
		}
	}
	return queued
}

// Publish queues a tile change for the dispatcher.
func (h *Hub) Publish(ev maptile.ChangeEvent) {
	h.enqueue(mapproto.NewTileUpdate(ev))
}

// PublishLevelMeta queues the one-time metadata announcement of a level.
func (h *Hub) PublishLevelMeta(levelID string, meta maptile.MapMeta) {
	h.enqueue(mapproto.NewLevelMeta(levelID, meta))
}

func (h *Hub) enqueue(m mapproto.Message) {
	select {
	case h.in <- m:
	case <-h.done:
	}
}

// Start launches the dispatcher that drains published events.
func (h *Hub) Start() {
	h.startOnce.Do(func() {
		go h.dispatch()
	})
}

func (h *Hub) dispatch() {
	defer close(h.dispatchDone)
	for {
		select {
		case m := <-h.in:
			h.Broadcast(m)
		case <-h.done:
			return
		}
	}
}

// Stop halts the dispatcher, lets every writer flush its queue, sends a close
// frame and closes every connection. Messages still in the inbound channel
// are dropped.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.startOnce.Do(func() { close(h.dispatchDone) })
		<-h.dispatchDone

		h.mu.Lock()
		h.stopped = true
		subs := h.subs
		h.subs = map[*Subscriber]struct{}{}
		for s := range subs {
			close(s.queue)
		}
		h.mu.Unlock()
		metrics.HubSubscribers.Set(0)

		waited := make(chan struct{})
		go func() {
			h.writers.Wait()
			close(waited)
		}()
		timer := h.clock.NewTimer(stopTimeout)
		defer timer.Stop()
		select {
		case <-waited:
		case <-timer.Chan():
			h.log.Printf("hub stop: writers still busy after %s, closing %d connections", stopTimeout, len(subs))
			for s := range subs {
				s.shutdown()
			}
		}
	})
}

// evict closes a subscriber Broadcast has already detached. It runs on its
// own goroutine: the close frame waits for the connection's write lock, which
// the stalled writer holds until its write deadline.
func (h *Hub) evict(s *Subscriber) {
	defer h.writers.Done()
	metrics.HubEvictions.Inc()
	h.log.Printf("evicting slow subscriber %s", s.id)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
		time.Now().Add(time.Second))
	s.shutdown()
}
