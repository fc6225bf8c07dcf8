package agent

import (
	"net"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jroosing/portway/internal/framing"
)

// UDP forwarding defaults.
const (
	// defaultFlowIdle expires a per-client local socket after this much
	// inactivity. Mappings for game servers typically raise it via
	// udp_flow_idle_ms.
	defaultFlowIdle = 30 * time.Second

	// maxClientSockets bounds the per-session socket cache.
	maxClientSockets = 2048
)

// clientSocket is one cached local UDP socket, bound per end-user client so
// replies can be attributed back to that client's flow.
type clientSocket struct {
	conn   *net.UDPConn
	client framing.Envelope // header template echoing the client address
}

// udpForwarder bridges one multiplex session: envelopes in from the
// gateway fan out to per-client local sockets; replies from those sockets
// are wrapped, echoing the original client address, and written back on
// the same session.
type udpForwarder struct {
	runner  *mappingRunner
	session *AgentSession
	sockets *expirable.LRU[string, *clientSocket]
}

// serveUDP runs the envelope read loop for one session.
//
// Goroutine lifecycle: one reader per UDP session plus one reply loop per
// cached client socket. Cache expiry closes the socket only, never the
// session; closing the session evicts the whole cache.
func (r *mappingRunner) serveUDP(s *AgentSession) {
	r.runUDP(s, nil)
}

// runUDP is the envelope read loop, optionally primed with head bytes an
// earlier classification read consumed.
func (r *mappingRunner) runUDP(s *AgentSession, head []byte) {
	idle := defaultFlowIdle
	if r.mapping.UDPFlowIdleMs > 0 {
		idle = time.Duration(r.mapping.UDPFlowIdleMs) * time.Millisecond
	}

	f := &udpForwarder{runner: r, session: s}
	f.sockets = expirable.NewLRU[string, *clientSocket](maxClientSockets,
		func(_ string, cs *clientSocket) { _ = cs.conn.Close() }, idle)

	defer func() {
		s.Close()
		f.sockets.Purge()
	}()

	dec := framing.NewDecoder(framing.MaxPayloadSize)
	if len(head) > 0 {
		dec.Feed(head)
		if !f.dispatch(dec) {
			return
		}
	}
	buf := make([]byte, 64*1024)

	for {
		// A multiplex session stays pooled as idle capacity: envelopes do
		// not consume it, so gotBytes is deliberately left unset here.
		n, err := s.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if !f.dispatch(dec) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// dispatch drains complete envelopes from the decoder toward the local
// service. Returns false on a protocol violation; the session closes and
// the manager reconnects.
func (f *udpForwarder) dispatch(dec *framing.Decoder) bool {
	for {
		env, err := dec.Next()
		if err != nil {
			f.runner.logger.Warn("framing violation from gateway",
				"session_id", f.session.ID(), "err", err)
			return false
		}
		if env == nil {
			return true
		}
		if env.Administrative() {
			continue
		}

		cs, err := f.socketFor(env)
		if err != nil {
			f.runner.noteLocalDialFailure(err)
			continue
		}
		if _, err := cs.conn.Write(env.Payload); err != nil {
			f.runner.logger.Debug("local udp write failed",
				"client", env.ClientAddr(), "err", err)
			f.sockets.Remove(env.ClientAddr().String())
			continue
		}
	}
}

// socketFor returns the cached local socket for the envelope's client,
// dialing and starting its reply loop on first use. The LRU's Add refresh
// keeps active flows alive and expires silent ones.
func (f *udpForwarder) socketFor(env *framing.Envelope) (*clientSocket, error) {
	key := env.ClientAddr().String()
	if cs, ok := f.sockets.Get(key); ok {
		f.sockets.Add(key, cs)
		return cs, nil
	}

	raddr, err := net.ResolveUDPAddr("udp", f.runner.localAddr())
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}

	cs := &clientSocket{
		conn:   conn,
		client: framing.Envelope{ClientIP: env.ClientIP, ClientPort: env.ClientPort},
	}
	f.sockets.Add(key, cs)
	f.runner.logger.Debug("udp flow opened", "client", key, "local", conn.LocalAddr())

	go f.replyLoop(cs, key)
	return cs, nil
}

// replyLoop relays local-service replies for one client flow back through
// the session, echoing the client address in every envelope so the gateway
// routes unambiguously.
//
// Goroutine lifecycle: exits when the socket closes (cache expiry, write
// failure eviction, or session teardown).
func (f *udpForwarder) replyLoop(cs *clientSocket, key string) {
	buf := make([]byte, framing.MaxPayloadSize)
	for {
		n, err := cs.conn.Read(buf)
		if err != nil {
			return
		}

		env := framing.Envelope{
			ClientIP:   cs.client.ClientIP,
			ClientPort: cs.client.ClientPort,
			Payload:    buf[:n],
		}
		frame, err := env.Encode()
		if err != nil {
			continue
		}
		if err := f.session.WriteEnvelope(frame); err != nil {
			f.runner.logger.Debug("session envelope write failed", "client", key, "err", err)
			f.session.Close()
			return
		}
	}
}
