package gateway

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

// ProxyUpgrade splices upgrade connections to the internal update-channel
// listener, keeping the handshake out of the gateway.
type ProxyUpgrade struct {
	Addr        string
	DialTimeout time.Duration
	Logger      *log.Logger
}

func (p *ProxyUpgrade) ServeUpgrade(conn net.Conn) {
	timeout := p.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	backend, err := dialBackend(context.Background(), p.Addr, timeout, "updates")
	if err != nil {
		if p.Logger != nil {
			p.Logger.Printf("update backend %s unreachable: %v", p.Addr, err)
		}
		_ = conn.Close()
		return
	}
	splice(conn, backend)
}

// InProcessUpgrade serves the handshake in this process: the connection is
// handed to an http.Server through a one-connection listener, and the handler
// (normally the update-channel handler) hijacks it.
type InProcessUpgrade struct {
	Handler http.Handler
	Logger  *log.Logger
}

func (u *InProcessUpgrade) ServeUpgrade(conn net.Conn) {
	ln := newOneConnListener(conn)
	errLog := u.Logger
	if errLog == nil {
		errLog = log.New(io.Discard, "", 0)
	}
	srv := &http.Server{
		Handler:           u.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          errLog,
		ConnState: func(_ net.Conn, st http.ConnState) {
			if st == http.StateHijacked || st == http.StateClosed {
				_ = ln.Close()
			}
		},
	}
	srv.SetKeepAlivesEnabled(false)
	_ = srv.Serve(ln)
}

// oneConnListener yields a single connection, then blocks until closed.
type oneConnListener struct {
	mu   sync.Mutex
	conn net.Conn
	addr net.Addr

	done chan struct{}
	once sync.Once
}

func newOneConnListener(c net.Conn) *oneConnListener {
	return &oneConnListener{conn: c, addr: c.LocalAddr(), done: make(chan struct{})}
}

func (l *oneConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	c := l.conn
	l.conn = nil
	l.mu.Unlock()
	if c != nil {
		return c, nil
	}
	<-l.done
	return nil, net.ErrClosed
}

func (l *oneConnListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *oneConnListener) Addr() net.Addr { return l.addr }
