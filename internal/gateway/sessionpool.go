package gateway

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPairTimeout is how long an accepted end-user connection may wait
// for an idle session before it is closed.
const DefaultPairTimeout = 60 * time.Second

var pendingIDCounter atomic.Uint64

// pendingConn is an accepted but not yet paired end-user TCP connection.
type pendingConn struct {
	id       uint64
	conn     net.Conn
	enqueued time.Time
	expire   *time.Timer
	// head holds bytes the liveness probe consumed ahead of pairing;
	// they are replayed to the session before the pumps start.
	head []byte
}

// probe checks the client socket without losing data: a byte that arrives
// before pairing is early application data and is stashed for replay.
// Returns false when the client already hung up.
func (p *pendingConn) probe() bool {
	_ = p.conn.SetReadDeadline(time.Now().Add(probeDeadline))
	var one [1]byte
	n, err := p.conn.Read(one[:])
	_ = p.conn.SetReadDeadline(time.Time{})
	if n > 0 {
		p.head = append(p.head, one[0])
		return true
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}

// SessionPool holds, for one public port, the FIFO of pending end-user
// connections and the stack of idle agent sessions, and pairs them.
//
// Idle sessions are consumed LIFO to favour warm sockets; pending
// connections strictly FIFO. Sessions promoted to UDP multiplexing move to
// a separate list and are shared round-robin across flows.
//
// The mutex guards the queues only; pairing hands the matched pair to the
// startPair callback on a fresh goroutine, so no network I/O ever runs
// under the pool lock.
type SessionPool struct {
	publicPort  int
	pairTimeout time.Duration
	logger      *slog.Logger
	stats       *FabricStats

	// startPair launches the bidirectional pumps for a committed pair.
	startPair func(*pendingConn, *Session)

	mu        sync.Mutex
	pending   []*pendingConn
	idle      []*Session
	multiplex []*Session
	rr        int
	draining  bool
}

// newSessionPool creates the pool for one public port.
func newSessionPool(publicPort int, pairTimeout time.Duration, logger *slog.Logger, stats *FabricStats) *SessionPool {
	if pairTimeout <= 0 {
		pairTimeout = DefaultPairTimeout
	}
	return &SessionPool{
		publicPort:  publicPort,
		pairTimeout: pairTimeout,
		logger:      logger,
		stats:       stats,
	}
}

// EnqueuePending files an accepted end-user connection and triggers
// pairing. The connection is closed gracefully if it waits longer than the
// pairing timeout.
func (p *SessionPool) EnqueuePending(conn net.Conn) {
	pc := &pendingConn{
		id:       pendingIDCounter.Add(1),
		conn:     conn,
		enqueued: time.Now(),
	}

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	pc.expire = time.AfterFunc(p.pairTimeout, func() { p.expirePending(pc) })
	p.pending = append(p.pending, pc)
	p.mu.Unlock()

	p.tryPair()
}

// EnqueueIdle files a handshaken session as ready to serve and triggers
// pairing. The session's close hook keeps the pool's queues consistent.
func (p *SessionPool) EnqueueIdle(s *Session) {
	s.markIdle()
	s.setOnClose(p.removeSession)

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		s.Close()
		return
	}
	p.idle = append(p.idle, s)
	p.mu.Unlock()

	p.tryPair()
}

// expirePending removes a timed-out pending connection and closes it.
func (p *SessionPool) expirePending(pc *pendingConn) {
	p.mu.Lock()
	removed := p.removePendingLocked(pc)
	p.mu.Unlock()
	if !removed {
		return
	}
	_ = pc.conn.Close()
	p.stats.RecordPendingExpired()
	p.logger.Debug("pending connection expired unpaired",
		"public_port", p.publicPort, "pending_id", pc.id, "waited", time.Since(pc.enqueued))
}

// removePendingLocked unlinks pc from the FIFO. Caller holds p.mu.
func (p *SessionPool) removePendingLocked(pc *pendingConn) bool {
	for i, cur := range p.pending {
		if cur == pc {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return true
		}
	}
	return false
}

// removeSession is the session close hook: it unlinks the session from
// whichever queue still holds it.
func (p *SessionPool) removeSession(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.idle {
		if cur == s {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
	for i, cur := range p.multiplex {
		if cur == s {
			p.multiplex = append(p.multiplex[:i], p.multiplex[i+1:]...)
			return
		}
	}
}

// tryPair matches pending connections with idle sessions until either queue
// empties. Closed endpoints on either side are discarded silently and
// matching continues; once both endpoints commit, the session is out of the
// idle queue before a single byte is forwarded.
func (p *SessionPool) tryPair() {
	for {
		p.mu.Lock()
		if p.draining || len(p.pending) == 0 || len(p.idle) == 0 {
			p.mu.Unlock()
			return
		}
		pc := p.pending[0]
		p.pending = p.pending[1:]
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()

		if !pc.expire.Stop() {
			// The expiry callback is already closing this conn.
			p.requeueSession(s)
			continue
		}

		if !pc.probe() {
			_ = pc.conn.Close()
			p.requeueSession(s)
			continue
		}

		if !s.probeAlive() || !s.claimForPairing() {
			s.Close()
			p.requeuePending(pc)
			continue
		}

		p.stats.RecordPair()
		p.logger.Debug("paired",
			"public_port", p.publicPort, "pending_id", pc.id, "session_id", s.ID(),
			"client", pc.conn.RemoteAddr())
		go p.startPair(pc, s)
	}
}

// requeueSession puts an unconsumed idle session back on top of the stack.
func (p *SessionPool) requeueSession(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.draining && !s.IsClosed() {
		p.idle = append(p.idle, s)
	}
}

// requeuePending puts a still-live pending connection back at the head of
// the FIFO with a fresh expiry for its remaining wait.
func (p *SessionPool) requeuePending(pc *pendingConn) {
	remaining := p.pairTimeout - time.Since(pc.enqueued)
	if remaining <= 0 {
		p.expirePendingNow(pc)
		return
	}

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		_ = pc.conn.Close()
		return
	}
	pc.expire = time.AfterFunc(remaining, func() { p.expirePending(pc) })
	p.pending = append([]*pendingConn{pc}, p.pending...)
	p.mu.Unlock()
}

// expirePendingNow closes a pending conn that ran out its wait off-queue.
func (p *SessionPool) expirePendingNow(pc *pendingConn) {
	_ = pc.conn.Close()
	p.stats.RecordPendingExpired()
}

// PickMultiplex returns a session to carry UDP envelopes, promoting an idle
// session when no multiplexer exists yet. Multiplex sessions are shared
// round-robin across flows and stay in the pool. Returns nil when the port
// has no usable session; the caller drops the datagram.
func (p *SessionPool) PickMultiplex() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		return nil
	}

	for len(p.multiplex) > 0 {
		p.rr = (p.rr + 1) % len(p.multiplex)
		s := p.multiplex[p.rr]
		if !s.IsClosed() {
			return s
		}
		p.multiplex = append(p.multiplex[:p.rr], p.multiplex[p.rr+1:]...)
	}

	for len(p.idle) > 0 {
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if s.promoteMultiplex() {
			p.multiplex = append(p.multiplex, s)
			p.rr = 0
			return s
		}
		s.Close()
	}
	return nil
}

// Counts returns the pool's queue depths for the control plane.
func (p *SessionPool) Counts() (pending, idle, multiplex int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending), len(p.idle), len(p.multiplex)
}

// Drain destroys the pool's contents: every pending connection and session
// is closed. New enqueues after Drain are refused.
func (p *SessionPool) Drain() {
	p.mu.Lock()
	p.draining = true
	pending := p.pending
	idle := p.idle
	multiplex := p.multiplex
	p.pending = nil
	p.idle = nil
	p.multiplex = nil
	p.mu.Unlock()

	for _, pc := range pending {
		pc.expire.Stop()
		_ = pc.conn.Close()
	}
	for _, s := range idle {
		s.Close()
	}
	for _, s := range multiplex {
		s.Close()
	}
}
