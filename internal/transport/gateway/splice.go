package gateway

import (
	"bufio"
	"io"
	"net"
	"sync"

	"voxelmap.ai/internal/metrics"
)

// peekedConn replays the bytes buffered during classification before reading
// from the underlying connection.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// splice copies bytes both ways until either leg finishes or fails, then
// closes both legs and waits for the other copier.
func splice(public, backend net.Conn) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = public.Close()
			_ = backend.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, _ := io.Copy(backend, public)
		metrics.GatewaySplicedBytes.WithLabelValues("upstream").Add(float64(n))
		closeBoth()
	}()
	go func() {
		defer wg.Done()
		n, _ := io.Copy(public, backend)
		metrics.GatewaySplicedBytes.WithLabelValues("downstream").Add(float64(n))
		closeBoth()
	}()
	wg.Wait()
}
