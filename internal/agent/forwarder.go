package agent

import (
	"encoding/binary"

	"github.com/jroosing/portway/internal/framing"
)

// serveAuto handles sessions of dual-protocol mappings. The gateway
// dedicates each session on first use: a paired TCP relay starts with raw
// client bytes, a UDP multiplexer starts with an envelope. The first read
// classifies the session accordingly.
//
// The classification is shape-based: a first chunk that is exactly one
// well-formed envelope is treated as UDP. TCP protocols whose opening bytes
// mimic an envelope should declare separate tcp and udp mappings instead of
// "both".
func (r *mappingRunner) serveAuto(s *AgentSession) {
	defer s.Close()

	buf := make([]byte, 64*1024)
	n, err := s.conn.Read(buf)
	if err != nil {
		return
	}
	s.gotBytes.Store(true)

	head := buf[:n]
	if looksLikeEnvelope(head) {
		r.runUDP(s, head)
		return
	}
	r.runTCPStream(s, head)
}

// looksLikeEnvelope reports whether head is exactly one well-formed UDP
// envelope: plausible address invariant, declared length within bounds, and
// the chunk ending on the frame boundary.
func looksLikeEnvelope(head []byte) bool {
	if len(head) < framing.EnvelopeHeaderSize {
		return false
	}
	zeroIP := head[0] == 0 && head[1] == 0 && head[2] == 0 && head[3] == 0
	port := binary.BigEndian.Uint16(head[4:6])
	if zeroIP != (port == 0) {
		return false
	}
	n := int(binary.BigEndian.Uint16(head[6:8]))
	if n > framing.MaxPayloadSize {
		return false
	}
	return len(head) == framing.EnvelopeHeaderSize+n
}
