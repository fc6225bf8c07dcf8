package agent

import (
	"io"
	"net"
	"sync"

	"github.com/jroosing/portway/internal/pool"
)

// copyBuffers pools the stream copy buffers shared by every TCP forward.
var copyBuffers = pool.NewBuffers(32 * 1024)

// serveTCP holds a session ready until the gateway forwards the first
// bytes of a paired end-user connection, then bridges the session to the
// local service.
//
// The local dial is deliberately lazy: an idle session costs nothing on
// the service side, and a dial failure at activation time closes the
// session so the end user sees a reset instead of a dead stream.
//
// Goroutine lifecycle: one per TCP session; exits when either side closes.
func (r *mappingRunner) serveTCP(s *AgentSession) {
	defer s.Close()

	bufPtr := copyBuffers.Get()
	buf := *bufPtr

	n, err := s.conn.Read(buf)
	if err != nil {
		copyBuffers.Put(bufPtr)
		return
	}
	s.gotBytes.Store(true)
	r.runTCPStream(s, buf[:n])
	copyBuffers.Put(bufPtr)
}

// runTCPStream bridges an activated session to the local service, starting
// with the already-read head bytes.
func (r *mappingRunner) runTCPStream(s *AgentSession, head []byte) {
	r.noteActivated(s)

	local, err := net.DialTimeout("tcp", r.localAddr(), dialTimeout)
	if err != nil {
		r.noteLocalDialFailure(err)
		return
	}
	defer local.Close()
	if tc, ok := local.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	if _, err := local.Write(head); err != nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pumpStream(local, s.conn)
	}()
	go func() {
		defer wg.Done()
		pumpStream(s.conn, local)
	}()
	wg.Wait()
}

// pumpStream copies src to dst until EOF or error, then half-closes dst so
// the peer drains cleanly.
func pumpStream(dst, src net.Conn) {
	bufPtr := copyBuffers.Get()
	_, _ = io.CopyBuffer(dst, src, *bufPtr)
	copyBuffers.Put(bufPtr)

	if tc, ok := dst.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}
