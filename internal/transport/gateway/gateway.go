// Package gateway is the single public front door. Each accepted connection
// is peeked (not consumed), classified from its request head, and then either
// spliced byte-for-byte to the internal HTTP backend or handed to the update
// channel's upgrade path.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"voxelmap.ai/internal/metrics"
)

const (
	DefaultClassifyTimeout = 3 * time.Second
	DefaultDialTimeout     = 2 * time.Second
	DefaultMaxHeaderBytes  = 8 * 1024
)

var ErrClosed = errors.New("gateway: closed")

// UpgradeHandler takes ownership of a connection classified as a WebSocket
// upgrade. The connection still holds the unread request head.
type UpgradeHandler interface {
	ServeUpgrade(conn net.Conn)
}

type Config struct {
	// Addr is the public listen address.
	Addr string
	// HTTPBackend is the internal HTTP server address plain requests are spliced to.
	HTTPBackend string

	ClassifyTimeout time.Duration
	DialTimeout     time.Duration
	MaxHeaderBytes  int
}

func (c Config) withDefaults() Config {
	if c.ClassifyTimeout <= 0 {
		c.ClassifyTimeout = DefaultClassifyTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	return c
}

type Gateway struct {
	cfg     Config
	upgrade UpgradeHandler
	log     *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	handlers sync.WaitGroup
	closed   atomic.Bool
}

func New(cfg Config, upgrade UpgradeHandler, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		cfg:     cfg.withDefaults(),
		upgrade: upgrade,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
		conns:   map[net.Conn]struct{}{},
	}
}

// Start binds the public address and begins accepting.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.cfg.Addr)
	if err != nil {
		return err
	}
	return g.Serve(ln)
}

// Serve accepts on ln in the background. ln is closed by Stop.
func (g *Gateway) Serve(ln net.Listener) error {
	g.mu.Lock()
	if g.closed.Load() {
		g.mu.Unlock()
		_ = ln.Close()
		return ErrClosed
	}
	g.ln = ln
	g.handlers.Add(1)
	g.mu.Unlock()

	go g.acceptLoop(ln)
	return nil
}

// Addr returns the bound public address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ln == nil {
		return nil
	}
	return g.ln.Addr()
}

// Stop closes the listener and every connection the gateway still holds,
// then waits for connection handlers to return.
func (g *Gateway) Stop() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	g.cancel()

	g.mu.Lock()
	var err error
	if g.ln != nil {
		err = g.ln.Close()
	}
	for c := range g.conns {
		_ = c.Close()
	}
	g.mu.Unlock()

	g.handlers.Wait()
	return err
}

func (g *Gateway) acceptLoop(ln net.Listener) {
	defer g.handlers.Done()
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if g.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				g.log.Printf("accept: %v; retrying in %v", err, backoff)
				time.Sleep(backoff)
				continue
			}
			g.log.Printf("accept: %v", err)
			return
		}
		backoff = 0

		if !g.track(conn) {
			_ = conn.Close()
			return
		}
		go g.handle(conn)
	}
}

func (g *Gateway) track(c net.Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed.Load() {
		return false
	}
	g.conns[c] = struct{}{}
	g.handlers.Add(1)
	metrics.GatewayActiveConnections.Inc()
	return true
}

func (g *Gateway) untrack(c net.Conn) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
	metrics.GatewayActiveConnections.Dec()
	g.handlers.Done()
}

func (g *Gateway) handle(conn net.Conn) {
	defer g.untrack(conn)

	br := bufio.NewReaderSize(conn, g.cfg.MaxHeaderBytes)
	_ = conn.SetReadDeadline(time.Now().Add(g.cfg.ClassifyTimeout))
	kind := KindInvalid
	if head, err := peekHead(br, g.cfg.MaxHeaderBytes); err == nil {
		kind = Classify(head)
	}
	_ = conn.SetReadDeadline(time.Time{})
	metrics.GatewayConnectionsTotal.WithLabelValues(kind.String()).Inc()

	pc := &peekedConn{Conn: conn, r: br}
	switch kind {
	case KindHTTP:
		backend, err := dialBackend(g.ctx, g.cfg.HTTPBackend, g.cfg.DialTimeout, "http")
		if err != nil {
			g.log.Printf("http backend %s unreachable: %v", g.cfg.HTTPBackend, err)
			_ = conn.Close()
			return
		}
		splice(pc, backend)
	case KindUpgrade:
		if g.upgrade == nil {
			_ = conn.Close()
			return
		}
		g.upgrade.ServeUpgrade(pc)
	default:
		_ = conn.Close()
	}
}

func dialBackend(ctx context.Context, addr string, timeout time.Duration, name string) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		metrics.GatewayBackendDialFailures.WithLabelValues(name).Inc()
		return nil, err
	}
	return c, nil
}
