package gateway

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// SessionState tracks a session through its lifecycle:
// handshaking → idle → (active | multiplex) → draining → closed.
type SessionState int32

const (
	StateHandshaking SessionState = iota
	StateIdle
	StateActive
	StateMultiplex
	StateDraining
	StateClosed
)

// String returns the state name for logs and the control plane.
func (s SessionState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateMultiplex:
		return "multiplex"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session timing and backpressure defaults.
const (
	// sessionDrainTimeout bounds how long a draining session may hold
	// buffered bytes before the socket is torn down.
	sessionDrainTimeout = 5 * time.Second

	// sessionWriteWatermark is the queued-byte ceiling for envelope
	// writes. Envelopes arriving above it are dropped, never queued.
	sessionWriteWatermark = 64 * 1024

	// sessionWriteQueueSlots bounds the envelope write queue length.
	sessionWriteQueueSlots = 256

	// sessionKeepAlivePeriod is the TCP keepalive interval on data-plane
	// sockets; the fabric has no application-level heartbeats.
	sessionKeepAlivePeriod = 30 * time.Second
)

var sessionIDCounter atomic.Uint64

// Session is one agent-initiated data-plane connection, bound to a single
// public port for its entire life. Close is idempotent: cleanup fires
// exactly once no matter how many paths race to it.
type Session struct {
	id         uint64
	publicPort int
	conn       net.Conn
	logger     *slog.Logger
	stats      *FabricStats

	state atomic.Int32

	// Envelope write queue, drained by a single writer goroutine so that
	// envelope boundaries stay atomic on the stream. Started lazily when
	// the session is promoted to multiplex.
	writeQ      chan []byte
	queuedBytes atomic.Int64
	writerOnce  sync.Once
	readerOnce  sync.Once

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func(*Session)
}

// newSession wraps an accepted data-plane connection. The caller has
// already consumed the port-selection header.
func newSession(conn net.Conn, publicPort int, logger *slog.Logger, stats *FabricStats) *Session {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(sessionKeepAlivePeriod)
		_ = tc.SetNoDelay(true)
	}
	s := &Session{
		id:         sessionIDCounter.Add(1),
		publicPort: publicPort,
		conn:       conn,
		logger:     logger,
		stats:      stats,
		writeQ:     make(chan []byte, sessionWriteQueueSlots),
		closed:     make(chan struct{}),
	}
	s.state.Store(int32(StateHandshaking))
	return s
}

// ID returns the session's monotone identifier.
func (s *Session) ID() uint64 { return s.id }

// PublicPort returns the public port the session is bound to.
func (s *Session) PublicPort() int { return s.publicPort }

// Conn exposes the underlying connection to the pump tasks.
func (s *Session) Conn() net.Conn { return s.conn }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// markIdle moves handshaking → idle.
func (s *Session) markIdle() {
	s.state.CompareAndSwap(int32(StateHandshaking), int32(StateIdle))
}

// claimForPairing moves idle → active. Returns false if another path won
// the session first or it is no longer idle.
func (s *Session) claimForPairing() bool {
	return s.state.CompareAndSwap(int32(StateIdle), int32(StateActive))
}

// promoteMultiplex moves idle → multiplex and starts the envelope writer.
// Idempotent: a session already multiplexing stays so.
func (s *Session) promoteMultiplex() bool {
	if s.state.CompareAndSwap(int32(StateIdle), int32(StateMultiplex)) {
		s.writerOnce.Do(func() { go s.writeLoop() })
		return true
	}
	return s.State() == StateMultiplex
}

// IsClosed reports whether Close has run.
func (s *Session) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// probeDeadline is the short read window the liveness probes use. It must
// be in the future: a read under an already-expired deadline fails without
// ever looking at the socket.
const probeDeadline = 5 * time.Millisecond

// probeAlive checks an idle session's socket without consuming data. The
// short-deadline read distinguishes a dead socket (EOF or reset) from a
// merely silent one (timeout). A session that has bytes waiting while idle
// violates the protocol, since idle sessions carry no application bytes,
// and is reported dead so the pool discards it.
func (s *Session) probeAlive() bool {
	if s.IsClosed() {
		return false
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(probeDeadline))
	var one [1]byte
	n, err := s.conn.Read(one[:])
	_ = s.conn.SetReadDeadline(time.Time{})
	if n > 0 {
		return false
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}

// TryWriteEnvelope queues one pre-encoded envelope frame for the single
// writer. Frames above the queued-byte watermark are dropped and counted;
// the session is never closed for backpressure.
func (s *Session) TryWriteEnvelope(frame []byte) bool {
	if s.IsClosed() || s.State() != StateMultiplex {
		return false
	}
	if s.queuedBytes.Load()+int64(len(frame)) > sessionWriteWatermark {
		s.stats.RecordEnvelopeDropped()
		return false
	}
	select {
	case s.writeQ <- frame:
		s.queuedBytes.Add(int64(len(frame)))
		return true
	default:
		s.stats.RecordEnvelopeDropped()
		return false
	}
}

// writeLoop is the session's single writer: it drains queued envelope
// frames, each in one uninterrupted Write so frames never interleave.
//
// Goroutine lifecycle: started on promotion to multiplex, exits when the
// session closes.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case frame := <-s.writeQ:
			s.queuedBytes.Add(-int64(len(frame)))
			if _, err := s.conn.Write(frame); err != nil {
				s.Close()
				return
			}
		}
	}
}

// setOnClose registers the pool's cleanup hook. Must be called before the
// session is exposed to concurrent paths.
func (s *Session) setOnClose(fn func(*Session)) { s.onClose = fn }

// Close tears the session down. Idempotent; cleanup fires exactly once.
// Buffered kernel-side bytes get the drain window before the socket is
// discarded.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		prev := SessionState(s.state.Swap(int32(StateClosed)))
		if prev == StateActive || prev == StateMultiplex {
			// Give in-flight bytes the drain window rather than
			// resetting the connection under the peer.
			if tc, ok := s.conn.(*net.TCPConn); ok {
				_ = tc.SetLinger(int(sessionDrainTimeout / time.Second))
			}
		}
		close(s.closed)
		_ = s.conn.Close()
		if s.stats != nil {
			s.stats.RecordSessionClosed()
		}
		if s.onClose != nil {
			s.onClose(s)
		}
		if s.logger != nil {
			s.logger.Debug("session closed", "session_id", s.id, "public_port", s.publicPort, "prev_state", prev.String())
		}
	})
}
