package gateway

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startGateway(t *testing.T, cfg Config, up UpgradeHandler) *Gateway {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	g := New(cfg, up, nil)
	require.NoError(t, g.Start())
	t.Cleanup(func() { _ = g.Stop() })
	return g
}

func dialGateway(t *testing.T, g *Gateway) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", g.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// expectClosed reads until EOF and returns what the gateway wrote first.
func expectClosed(t *testing.T, c net.Conn) []byte {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	b, err := io.ReadAll(c)
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatalf("connection left open")
	}
	return b
}

func TestGateway_ProxiesPlainHTTP(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Path", r.URL.Path)
		_, _ = w.Write([]byte("echo:" + string(body)))
	}))
	defer backend.Close()

	g := startGateway(t, Config{HTTPBackend: backend.Listener.Addr().String()}, nil)

	resp, err := http.Get("http://" + g.Addr().String() + "/tiles/overworld_0/0/0/0.json")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/tiles/overworld_0/0/0/0.json", resp.Header.Get("X-Path"))
	assert.Equal(t, "echo:", string(body))

	resp, err = http.Post("http://"+g.Addr().String()+"/admin", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "echo:payload", string(body))
}

func TestGateway_ReplaysPeekedBytesVerbatim(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	got := make(chan string, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		br := bufio.NewReader(c)
		var sb strings.Builder
		for {
			line, err := br.ReadString('\n')
			sb.WriteString(line)
			if err != nil || line == "\r\n" {
				break
			}
		}
		got <- sb.String()
		_, _ = c.Write([]byte("HTTP/1.1 204 No Content\r\n\r\n"))
	}()

	g := startGateway(t, Config{HTTPBackend: ln.Addr().String()}, nil)
	c := dialGateway(t, g)
	req := "GET /x HTTP/1.1\r\nHost: a\r\nX-Odd:   spaced  \r\n\r\n"
	_, err = c.Write([]byte(req))
	require.NoError(t, err)

	select {
	case s := <-got:
		assert.Equal(t, req, s)
	case <-time.After(3 * time.Second):
		t.Fatal("backend never received the request")
	}
	assert.Equal(t, "HTTP/1.1 204 No Content\r\n\r\n", string(expectClosed(t, c)))
}

func TestGateway_InvalidPreambleClosed(t *testing.T) {
	g := startGateway(t, Config{HTTPBackend: "127.0.0.1:1"}, nil)
	c := dialGateway(t, g)
	_, err := c.Write([]byte("HELLO THERE\r\n\r\n"))
	require.NoError(t, err)
	assert.Empty(t, expectClosed(t, c))
}

func TestGateway_ClassifyTimeoutClosed(t *testing.T) {
	g := startGateway(t, Config{HTTPBackend: "127.0.0.1:1", ClassifyTimeout: 50 * time.Millisecond}, nil)
	c := dialGateway(t, g)
	_, err := c.Write([]byte("GET / HTTP/1.1\r\n"))
	require.NoError(t, err)
	start := time.Now()
	assert.Empty(t, expectClosed(t, c))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGateway_OversizedHeadClosed(t *testing.T) {
	g := startGateway(t, Config{HTTPBackend: "127.0.0.1:1", MaxHeaderBytes: 128}, nil)
	c := dialGateway(t, g)
	_, _ = c.Write([]byte("GET / HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", 512) + "\r\n\r\n"))
	assert.Empty(t, expectClosed(t, c))
}

func TestGateway_BackendUnreachableClosesWithoutWriting(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	require.NoError(t, ln.Close())

	g := startGateway(t, Config{HTTPBackend: dead, DialTimeout: 200 * time.Millisecond}, nil)
	c := dialGateway(t, g)
	_, err = c.Write([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"))
	require.NoError(t, err)
	assert.Empty(t, expectClosed(t, c))
}

type recordingUpgrade struct {
	heads chan string
}

func (u recordingUpgrade) ServeUpgrade(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	line, _ := br.ReadString('\n')
	u.heads <- line
}

func TestGateway_UpgradeHandedOffWithHeadIntact(t *testing.T) {
	up := recordingUpgrade{heads: make(chan string, 1)}
	g := startGateway(t, Config{HTTPBackend: "127.0.0.1:1"}, up)
	c := dialGateway(t, g)
	_, err := c.Write([]byte("GET /v1/updates HTTP/1.1\r\nHost: a\r\nUpgrade: websocket\r\n\r\n"))
	require.NoError(t, err)

	select {
	case line := <-up.heads:
		assert.Equal(t, "GET /v1/updates HTTP/1.1\r\n", line)
	case <-time.After(3 * time.Second):
		t.Fatal("upgrade handler not called")
	}
}

func TestGateway_StopClosesListenerAndConnections(t *testing.T) {
	backendLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer backendLn.Close()
	backendConns := make(chan net.Conn, 1)
	go func() {
		c, err := backendLn.Accept()
		if err == nil {
			backendConns <- c
		}
	}()

	g := New(Config{Addr: "127.0.0.1:0", HTTPBackend: backendLn.Addr().String(), ClassifyTimeout: time.Minute}, nil, nil)
	require.NoError(t, g.Start())
	addr := g.Addr().String()

	pending := dialGateway(t, g)
	_, _ = pending.Write([]byte("GET / HTTP/1.1\r\n"))

	spliced := dialGateway(t, g)
	_, err = spliced.Write([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"))
	require.NoError(t, err)
	var backendSide net.Conn
	select {
	case backendSide = <-backendConns:
		defer backendSide.Close()
	case <-time.After(3 * time.Second):
		t.Fatal("backend not dialed")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- g.Stop() }()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}

	expectClosed(t, pending)
	expectClosed(t, spliced)
	_ = backendSide.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadAll(backendSide)
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("backend leg left open")
	}

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
	assert.NoError(t, g.Stop())
	assert.ErrorIs(t, g.Serve(backendLn), ErrClosed)
}
