package agent

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jroosing/portway/internal/framing"
)

// Session timing constants.
const (
	dialTimeout     = 5 * time.Second
	keepAlivePeriod = 30 * time.Second
)

var sessionIDCounter atomic.Uint64

// AgentSession is one outbound data-plane connection: dialed to the
// gateway, tagged with its public port by the 4-byte header, then held
// ready until the gateway pairs or multiplexes onto it.
type AgentSession struct {
	id         uint64
	publicPort int
	conn       net.Conn
	logger     *slog.Logger

	established time.Time
	gotBytes    atomic.Bool

	// writeMu serializes envelope writes so frames never interleave on
	// the stream (UDP forwarding only).
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func(*AgentSession)
}

// establishSession dials the gateway's data-plane port and writes the
// port-selection header. No response is expected; the gateway either files
// the session as idle or closes it immediately when the port has no
// binding.
func establishSession(ctx context.Context, gatewayAddr string, publicPort int, logger *slog.Logger) (*AgentSession, error) {
	d := net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlivePeriod}
	conn, err := d.DialContext(ctx, "tcp", gatewayAddr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	if _, err := conn.Write(framing.EncodeHeader(uint16(publicPort))); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := &AgentSession{
		id:          sessionIDCounter.Add(1),
		publicPort:  publicPort,
		conn:        conn,
		logger:      logger,
		established: time.Now(),
		closed:      make(chan struct{}),
	}
	logger.Debug("session established", "session_id", s.id, "public_port", publicPort)
	return s, nil
}

// ID returns the session's monotone identifier.
func (s *AgentSession) ID() uint64 { return s.id }

// Conn exposes the underlying connection to the forwarders.
func (s *AgentSession) Conn() net.Conn { return s.conn }

// WriteEnvelope writes one pre-encoded envelope frame as a single
// uninterrupted write under the session's writer mutex.
func (s *AgentSession) WriteEnvelope(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(frame)
	return err
}

// IsClosed reports whether Close has run.
func (s *AgentSession) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// looksRefused reports whether the session died the way a gateway refusal
// does: closed almost immediately without the gateway ever sending a byte.
// Repeated refusals tell the manager its sticky public port is gone.
func (s *AgentSession) looksRefused() bool {
	return !s.gotBytes.Load() && time.Since(s.established) < 2*time.Second
}

// Close tears the session down. Idempotent; the manager's cleanup hook
// fires exactly once.
func (s *AgentSession) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
		s.logger.Debug("session closed", "session_id", s.id, "public_port", s.publicPort)
	})
}
