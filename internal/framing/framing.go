// Package framing implements the two wire forms that flow over a data-plane
// session: the port-selection header an agent writes after dialing, and the
// envelope that multiplexes UDP datagrams over a stream.
//
// Both forms are big-endian. The package is pure byte-level encoding with no
// I/O; readers and writers live with the components that own the sockets.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// Wire format sizes.
const (
	// HeaderSize is the length of the port-selection header: a 4-byte
	// unsigned public port, written by the agent as the first bytes of
	// every data-plane session.
	HeaderSize = 4

	// EnvelopeHeaderSize is the fixed prefix of a UDP envelope:
	//
	//	+--------+--------+--------+
	//	| IPv4   | port   | length |  4 + 2 + 2 bytes, big-endian
	//	+--------+--------+--------+
	//	| payload                  |  length bytes
	//	+--------------------------+
	EnvelopeHeaderSize = 8

	// MaxPayloadSize is the largest UDP payload an envelope may carry,
	// matching the maximum UDP datagram size over IPv4.
	MaxPayloadSize = 65507
)

var (
	// ErrPayloadTooLarge is returned when an envelope declares a payload
	// larger than the receiver's configured maximum.
	ErrPayloadTooLarge = errors.New("framing: envelope payload exceeds maximum")

	// ErrInvalidAddr is returned when an envelope mixes a zero IP with a
	// nonzero port or vice versa.
	ErrInvalidAddr = errors.New("framing: envelope address must be fully zero or fully set")

	// ErrNotIPv4 is returned when a client address cannot be represented
	// as an IPv4 address.
	ErrNotIPv4 = errors.New("framing: client address is not IPv4")
)

// EncodeHeader encodes the port-selection header for the given public port.
func EncodeHeader(publicPort uint16) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf, uint32(publicPort))
	return buf
}

// ReadHeader reads exactly HeaderSize bytes from r and returns the declared
// public port. Ports outside 1..65535 are rejected; the caller closes the
// session on error.
func ReadHeader(r io.Reader) (uint16, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("framing: read port header: %w", err)
	}
	port := binary.BigEndian.Uint32(buf[:])
	if port == 0 || port > 65535 {
		return 0, fmt.Errorf("framing: port %d out of range", port)
	}
	return uint16(port), nil
}

// Envelope is one decoded UDP envelope. A zero ClientIP/ClientPort pair marks
// an administrative frame; user data always carries the client address.
type Envelope struct {
	ClientIP   [4]byte
	ClientPort uint16
	Payload    []byte
}

// Administrative reports whether the envelope carries the reserved all-zero
// address used for agent-to-gateway signalling rather than user data.
func (e *Envelope) Administrative() bool {
	return e.ClientIP == [4]byte{} && e.ClientPort == 0
}

// ClientAddr returns the envelope's client address as a net.UDPAddr.
// Only meaningful for non-administrative envelopes.
func (e *Envelope) ClientAddr() *net.UDPAddr {
	return &net.UDPAddr{
		IP:   net.IPv4(e.ClientIP[0], e.ClientIP[1], e.ClientIP[2], e.ClientIP[3]),
		Port: int(e.ClientPort),
	}
}

// EncodedSize returns the full wire size of the envelope.
func (e *Envelope) EncodedSize() int {
	return EnvelopeHeaderSize + len(e.Payload)
}

// validate checks envelope invariants before encoding.
func (e *Envelope) validate() error {
	if len(e.Payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	zeroIP := e.ClientIP == [4]byte{}
	if zeroIP != (e.ClientPort == 0) {
		return ErrInvalidAddr
	}
	return nil
}

// AppendEncode appends the envelope's wire form to dst and returns the
// extended slice. The result is a single contiguous buffer so that the
// caller can hand it to the socket in one write, keeping envelope
// boundaries atomic on the stream.
func (e *Envelope) AppendEncode(dst []byte) ([]byte, error) {
	if err := e.validate(); err != nil {
		return dst, err
	}
	dst = append(dst, e.ClientIP[:]...)
	dst = binary.BigEndian.AppendUint16(dst, e.ClientPort)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(e.Payload)))
	dst = append(dst, e.Payload...)
	return dst, nil
}

// Encode returns the envelope's wire form in a freshly allocated buffer.
func (e *Envelope) Encode() ([]byte, error) {
	return e.AppendEncode(make([]byte, 0, e.EncodedSize()))
}

// NewEnvelope builds a user-data envelope for the given client address.
// The address must be IPv4 (or IPv4-mapped IPv6) and nonzero.
func NewEnvelope(addr *net.UDPAddr, payload []byte) (*Envelope, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return nil, ErrNotIPv4
	}
	e := &Envelope{ClientPort: uint16(addr.Port), Payload: payload}
	copy(e.ClientIP[:], ip4)
	if err := e.validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Decoder incrementally decodes envelopes from a byte stream. Frames may
// arrive concatenated or split across reads; Feed buffers partial frames
// and Next yields as many complete envelopes as are available.
//
// Decoder is not safe for concurrent use; every session has exactly one
// envelope reader.
type Decoder struct {
	buf []byte
	max int
}

// NewDecoder creates a Decoder that rejects payloads larger than maxPayload.
// A non-positive maxPayload means MaxPayloadSize.
func NewDecoder(maxPayload int) *Decoder {
	if maxPayload <= 0 || maxPayload > MaxPayloadSize {
		maxPayload = MaxPayloadSize
	}
	return &Decoder{max: maxPayload}
}

// Feed appends raw bytes read from the stream to the decode buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete envelope, or (nil, nil) when more bytes are
// needed. A declared length above the decoder's maximum is a protocol error;
// the caller must close the session.
//
// The returned payload is an owned copy: it stays valid after further Feed
// calls.
func (d *Decoder) Next() (*Envelope, error) {
	if len(d.buf) < EnvelopeHeaderSize {
		return nil, nil
	}
	n := int(binary.BigEndian.Uint16(d.buf[6:8]))
	if n > d.max {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, d.max)
	}
	total := EnvelopeHeaderSize + n
	if len(d.buf) < total {
		return nil, nil
	}

	e := &Envelope{ClientPort: binary.BigEndian.Uint16(d.buf[4:6])}
	copy(e.ClientIP[:], d.buf[0:4])
	if (e.ClientIP == [4]byte{}) != (e.ClientPort == 0) {
		return nil, ErrInvalidAddr
	}
	e.Payload = make([]byte, n)
	copy(e.Payload, d.buf[EnvelopeHeaderSize:total])

	// Shift the remainder to the front instead of reslicing so the buffer
	// does not grow without bound on long-lived sessions.
	rest := copy(d.buf, d.buf[total:])
	d.buf = d.buf[:rest]
	return e, nil
}

// Buffered returns the number of bytes waiting in the decode buffer.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
