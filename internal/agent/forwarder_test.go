package agent

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/portway/internal/framing"
)

func TestLooksLikeEnvelope(t *testing.T) {
	env, err := framing.NewEnvelope(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}, []byte("payload"))
	require.NoError(t, err)
	wire, err := env.Encode()
	require.NoError(t, err)

	tests := []struct {
		name string
		head []byte
		want bool
	}{
		{name: "whole envelope", head: wire, want: true},
		{name: "empty-payload envelope", head: []byte{10, 0, 0, 1, 0x13, 0x88, 0, 0}, want: true},
		{name: "administrative envelope", head: []byte{0, 0, 0, 0, 0, 0, 0, 1, 0xAA}, want: true},
		{name: "too short", head: wire[:4], want: false},
		{name: "truncated frame", head: wire[:len(wire)-1], want: false},
		{name: "trailing stream bytes", head: append(append([]byte{}, wire...), 'x'), want: false},
		{name: "mixed zero address", head: []byte{0, 0, 0, 0, 0x13, 0x88, 0, 0}, want: false},
		{name: "http request line", head: []byte("GET / HTTP/1.1\r\n"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, looksLikeEnvelope(tt.head))
		})
	}
}
