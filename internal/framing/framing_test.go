package framing

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeHeader_ReadHeader_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		port uint16
	}{
		{name: "low port", port: 22},
		{name: "game port", port: 25565},
		{name: "max port", port: 65535},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := EncodeHeader(tt.port)
			require.Len(t, buf, HeaderSize)

			got, err := ReadHeader(bytes.NewReader(buf))
			require.NoError(t, err)
			assert.Equal(t, tt.port, got)
		})
	}
}

func TestReadHeader_RejectsZeroPort(t *testing.T) {
	_, err := ReadHeader(bytes.NewReader([]byte{0, 0, 0, 0}))
	assert.Error(t, err)
}

func TestReadHeader_RejectsOutOfRange(t *testing.T) {
	// 99999 does not fit in a valid port number.
	_, err := ReadHeader(bytes.NewReader([]byte{0x00, 0x01, 0x86, 0x9f}))
	assert.Error(t, err)
}

func TestReadHeader_ShortRead(t *testing.T) {
	_, err := ReadHeader(bytes.NewReader([]byte{0x00, 0x00}))
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadHeader_ReadsExactlyFourBytes(t *testing.T) {
	// Trailing bytes must be left untouched for the session's data phase.
	r := bytes.NewReader(append(EncodeHeader(27015), []byte("payload")...))

	port, err := ReadHeader(r)
	require.NoError(t, err)
	assert.Equal(t, uint16(27015), port)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), rest)
}

func TestEnvelope_EncodeDecode_RoundTrip(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}
	env, err := NewEnvelope(addr, []byte("hello"))
	require.NoError(t, err)

	wire, err := env.Encode()
	require.NoError(t, err)
	require.Len(t, wire, EnvelopeHeaderSize+5)

	d := NewDecoder(0)
	d.Feed(wire)
	got, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, env.ClientIP, got.ClientIP)
	assert.Equal(t, env.ClientPort, got.ClientPort)
	assert.Equal(t, env.Payload, got.Payload)
	assert.False(t, got.Administrative())
	assert.Equal(t, "10.0.0.1:5000", got.ClientAddr().String())
}

func TestEnvelope_EmptyPayload(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 7), Port: 443}
	env, err := NewEnvelope(addr, nil)
	require.NoError(t, err)

	wire, err := env.Encode()
	require.NoError(t, err)
	assert.Len(t, wire, EnvelopeHeaderSize)

	d := NewDecoder(0)
	d.Feed(wire)
	got, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.Payload)
}

func TestEnvelope_AdministrativeShape(t *testing.T) {
	env := &Envelope{Payload: []byte{1, 2, 3}}
	wire, err := env.Encode()
	require.NoError(t, err)

	d := NewDecoder(0)
	d.Feed(wire)
	got, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Administrative())
}

func TestEnvelope_RejectsMixedZeroAddress(t *testing.T) {
	// Zero IP with nonzero port is malformed.
	env := &Envelope{ClientPort: 9, Payload: []byte("x")}
	_, err := env.Encode()
	assert.ErrorIs(t, err, ErrInvalidAddr)

	// And the decoder rejects it on the wire too.
	d := NewDecoder(0)
	d.Feed([]byte{0, 0, 0, 0, 0, 9, 0, 1, 'x'})
	_, err = d.Next()
	assert.ErrorIs(t, err, ErrInvalidAddr)
}

func TestEnvelope_RejectsOversizedPayload(t *testing.T) {
	env := &Envelope{
		ClientIP:   [4]byte{1, 2, 3, 4},
		ClientPort: 1,
		Payload:    make([]byte, MaxPayloadSize+1),
	}
	_, err := env.Encode()
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestNewEnvelope_RejectsIPv6(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 5000}
	_, err := NewEnvelope(addr, []byte("x"))
	assert.ErrorIs(t, err, ErrNotIPv4)
}

func TestDecoder_ConcatenatedFrames(t *testing.T) {
	a, err := NewEnvelope(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}, []byte("first"))
	require.NoError(t, err)
	b, err := NewEnvelope(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5001}, []byte("second"))
	require.NoError(t, err)

	wireA, err := a.Encode()
	require.NoError(t, err)
	wireB, err := b.Encode()
	require.NoError(t, err)

	d := NewDecoder(0)
	d.Feed(append(wireA, wireB...))

	got1, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, got1)
	assert.Equal(t, []byte("first"), got1.Payload)

	got2, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, got2)
	assert.Equal(t, []byte("second"), got2.Payload)
	assert.Equal(t, uint16(5001), got2.ClientPort)

	got3, err := d.Next()
	require.NoError(t, err)
	assert.Nil(t, got3)
	assert.Zero(t, d.Buffered())
}

func TestDecoder_PartialFrames(t *testing.T) {
	env, err := NewEnvelope(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}, []byte("split me"))
	require.NoError(t, err)
	wire, err := env.Encode()
	require.NoError(t, err)

	d := NewDecoder(0)

	// Feed one byte at a time; the frame completes only on the last byte.
	for i := 0; i < len(wire)-1; i++ {
		d.Feed(wire[i : i+1])
		got, nextErr := d.Next()
		require.NoError(t, nextErr)
		assert.Nil(t, got, "frame must not complete at byte %d", i)
	}

	d.Feed(wire[len(wire)-1:])
	got, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("split me"), got.Payload)
}

func TestDecoder_OversizedDeclaredLength(t *testing.T) {
	d := NewDecoder(16)

	env, err := NewEnvelope(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}, make([]byte, 17))
	require.NoError(t, err)
	wire, err := env.Encode()
	require.NoError(t, err)

	d.Feed(wire)
	_, err = d.Next()
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestDecoder_PayloadOwnedAfterFeed(t *testing.T) {
	env, err := NewEnvelope(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}, []byte("stable"))
	require.NoError(t, err)
	wire, err := env.Encode()
	require.NoError(t, err)

	d := NewDecoder(0)
	d.Feed(wire)
	got, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, got)

	// Later feeds reuse the internal buffer; the decoded payload must not move.
	d.Feed(bytes.Repeat([]byte{0xff}, 64))
	assert.Equal(t, []byte("stable"), got.Payload)
}
