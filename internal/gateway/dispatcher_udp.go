package gateway

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jroosing/portway/internal/framing"
	"github.com/jroosing/portway/internal/pool"
)

// defaultFlowIdle is how long an end-user UDP flow stays tracked without
// traffic. Tracking is bookkeeping for the control plane; the agent side
// keeps the authoritative per-client socket cache.
const defaultFlowIdle = 30 * time.Second

// maxTrackedFlows bounds the per-binding flow table.
const maxTrackedFlows = 4096

// datagramBuffers pools receive buffers sized for the largest UDP payload.
var datagramBuffers = pool.NewBuffers(framing.MaxPayloadSize)

// flowInfo records one live end-user UDP flow.
type flowInfo struct {
	SessionID uint64
	LastSeen  time.Time
}

// flowTable tracks live UDP flows per binding with idle expiry.
type flowTable struct {
	lru *expirable.LRU[string, *flowInfo]
}

func newFlowTable(idle time.Duration) *flowTable {
	return &flowTable{
		lru: expirable.NewLRU[string, *flowInfo](maxTrackedFlows, nil, idle),
	}
}

func (f *flowTable) touch(client string, sessionID uint64) {
	f.lru.Add(client, &flowInfo{SessionID: sessionID, LastSeen: time.Now()})
}

func (f *flowTable) len() int {
	return f.lru.Len()
}

// FlowCount returns the number of live UDP flows on the binding.
func (b *Binding) FlowCount() int {
	if b.flows == nil {
		return 0
	}
	return b.flows.len()
}

// recvLoop reads end-user datagrams from the binding's public UDP socket
// and multiplexes each one, wrapped in an envelope, onto a session.
// Datagrams with no usable session are dropped and logged at warning
// level; nothing is ever queued on the public side.
//
// Goroutine lifecycle: started when the binding opens, exits when the
// socket closes.
func (b *Binding) recvLoop() {
	for {
		bufPtr := datagramBuffers.Get()
		buf := *bufPtr

		n, peer, err := b.udpConn.ReadFromUDP(buf)
		if err != nil {
			datagramBuffers.Put(bufPtr)
			if b.ctx.Err() != nil {
				return
			}
			return
		}

		b.stats.RecordDatagramIn()
		b.metrics.DatagramsIn.Inc()

		env, err := framing.NewEnvelope(peer, buf[:n])
		if err != nil {
			// Non-IPv4 peers cannot be represented in the envelope.
			datagramBuffers.Put(bufPtr)
			b.logger.Warn("datagram dropped: unencodable peer",
				"public_port", b.PublicPort, "peer", peer, "err", err)
			b.dropDatagram()
			continue
		}

		s := b.pool.PickMultiplex()
		if s == nil {
			datagramBuffers.Put(bufPtr)
			b.logger.Warn("datagram dropped: no idle session",
				"public_port", b.PublicPort, "peer", peer)
			b.dropDatagram()
			continue
		}
		b.ensureEnvelopeReader(s)

		// The frame is owned by the session's write queue, so encode into
		// a fresh buffer; the receive buffer goes straight back.
		frame, err := env.Encode()
		datagramBuffers.Put(bufPtr)
		if err != nil {
			b.dropDatagram()
			continue
		}

		if !s.TryWriteEnvelope(frame) {
			b.logger.Warn("datagram dropped: session write watermark",
				"public_port", b.PublicPort, "session_id", s.ID(), "peer", peer)
			b.dropDatagram()
			continue
		}
		b.flows.touch(peer.String(), s.ID())
	}
}

func (b *Binding) dropDatagram() {
	b.stats.RecordDatagramDropped()
	b.metrics.DatagramsDropped.Inc()
}

// ensureEnvelopeReader starts the session's single envelope reader the
// first time the session carries UDP traffic.
func (b *Binding) ensureEnvelopeReader(s *Session) {
	s.readerOnce.Do(func() {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.envelopeReadLoop(s)
		}()
	})
}

// envelopeReadLoop decodes return-path envelopes from a multiplex session
// and emits each payload to the client address the agent echoed. An
// envelope with the reserved all-zero address is administrative and never
// reaches a client. Any framing violation closes the session; the agent
// treats that as transient and reconnects.
//
// Goroutine lifecycle: one per multiplex session; exits when the session
// closes or violates the protocol.
func (b *Binding) envelopeReadLoop(s *Session) {
	defer s.Close()

	dec := framing.NewDecoder(framing.MaxPayloadSize)
	buf := make([]byte, 64*1024)

	for {
		n, err := s.Conn().Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if !b.emitEnvelopes(dec, s) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// emitEnvelopes drains every complete envelope from the decoder. Returns
// false when the session must close.
func (b *Binding) emitEnvelopes(dec *framing.Decoder, s *Session) bool {
	for {
		env, err := dec.Next()
		if err != nil {
			b.stats.RecordFramingError()
			b.metrics.FramingViolations.Inc()
			b.logger.Warn("framing violation on session",
				"public_port", b.PublicPort, "session_id", s.ID(), "err", err)
			return false
		}
		if env == nil {
			return true
		}
		if env.Administrative() {
			b.logger.Debug("administrative envelope ignored",
				"public_port", b.PublicPort, "session_id", s.ID(), "len", len(env.Payload))
			continue
		}

		addr := env.ClientAddr()
		if _, err := b.udpConn.WriteToUDP(env.Payload, addr); err != nil {
			b.logger.Warn("datagram emit failed",
				"public_port", b.PublicPort, "client", addr, "err", err)
			continue
		}
		b.stats.RecordDatagramOut()
		b.metrics.DatagramsOut.Inc()
		b.flows.touch(addr.String(), s.ID())
	}
}
