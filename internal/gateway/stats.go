package gateway

import (
	"sync/atomic"
)

// FabricStats collects relay fabric statistics.
// All methods are safe for concurrent use.
type FabricStats struct {
	sessionsAccepted atomic.Uint64
	sessionsRejected atomic.Uint64
	sessionsPaired   atomic.Uint64
	sessionsClosed   atomic.Uint64
	pendingExpired   atomic.Uint64
	datagramsIn      atomic.Uint64
	datagramsOut     atomic.Uint64
	datagramsDropped atomic.Uint64
	envelopesDropped atomic.Uint64
	framingErrors    atomic.Uint64
	bytesRelayed     atomic.Uint64
	activePairs      atomic.Int64
}

// NewFabricStats creates a new fabric statistics collector.
func NewFabricStats() *FabricStats {
	return &FabricStats{}
}

// RecordSessionAccepted records a data-plane session that passed its header.
func (s *FabricStats) RecordSessionAccepted() { s.sessionsAccepted.Add(1) }

// RecordSessionRejected records a session closed for a bad or unbound header.
func (s *FabricStats) RecordSessionRejected() { s.sessionsRejected.Add(1) }

// RecordSessionClosed records a fully closed session.
func (s *FabricStats) RecordSessionClosed() { s.sessionsClosed.Add(1) }

// RecordPair records a pairing; the active pair gauge rises until RecordUnpair.
func (s *FabricStats) RecordPair() {
	s.sessionsPaired.Add(1)
	s.activePairs.Add(1)
}

// RecordUnpair records the end of a paired TCP relay.
func (s *FabricStats) RecordUnpair() { s.activePairs.Add(-1) }

// RecordPendingExpired records a pending connection that hit its pairing timeout.
func (s *FabricStats) RecordPendingExpired() { s.pendingExpired.Add(1) }

// RecordDatagramIn records a datagram received on a public UDP socket.
func (s *FabricStats) RecordDatagramIn() { s.datagramsIn.Add(1) }

// RecordDatagramOut records a datagram emitted to an end user.
func (s *FabricStats) RecordDatagramOut() { s.datagramsOut.Add(1) }

// RecordDatagramDropped records a datagram dropped before reaching a session:
// no usable session, an unencodable peer, an encode error, or the session
// write watermark.
func (s *FabricStats) RecordDatagramDropped() { s.datagramsDropped.Add(1) }

// RecordEnvelopeDropped records an envelope dropped at the write watermark.
func (s *FabricStats) RecordEnvelopeDropped() { s.envelopesDropped.Add(1) }

// RecordFramingError records a session closed for a protocol violation.
func (s *FabricStats) RecordFramingError() { s.framingErrors.Add(1) }

// RecordBytes records application bytes copied through a paired session.
func (s *FabricStats) RecordBytes(n int64) {
	if n > 0 {
		s.bytesRelayed.Add(uint64(n))
	}
}

// FabricStatsSnapshot is a point-in-time snapshot of fabric statistics.
type FabricStatsSnapshot struct {
	SessionsAccepted uint64
	SessionsRejected uint64
	SessionsPaired   uint64
	SessionsClosed   uint64
	ActivePairs      int64
	PendingExpired   uint64
	DatagramsIn      uint64
	DatagramsOut     uint64
	DatagramsDropped uint64
	EnvelopesDropped uint64
	FramingErrors    uint64
	BytesRelayed     uint64
}

// Snapshot returns the current statistics.
func (s *FabricStats) Snapshot() FabricStatsSnapshot {
	return FabricStatsSnapshot{
		SessionsAccepted: s.sessionsAccepted.Load(),
		SessionsRejected: s.sessionsRejected.Load(),
		SessionsPaired:   s.sessionsPaired.Load(),
		SessionsClosed:   s.sessionsClosed.Load(),
		ActivePairs:      s.activePairs.Load(),
		PendingExpired:   s.pendingExpired.Load(),
		DatagramsIn:      s.datagramsIn.Load(),
		DatagramsOut:     s.datagramsOut.Load(),
		DatagramsDropped: s.datagramsDropped.Load(),
		EnvelopesDropped: s.envelopesDropped.Load(),
		FramingErrors:    s.framingErrors.Load(),
		BytesRelayed:     s.bytesRelayed.Load(),
	}
}
