package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func requirePacketEqual(t *testing.T, want, got ForwardPacket) {
	t.Helper()
	require.Equal(t, want.SourceNodeID, got.SourceNodeID)
	require.Equal(t, want.DestinationNodeID, got.DestinationNodeID)
	require.Equal(t, want.TTL, got.TTL)
	require.Equal(t, want.Payload, got.Payload)
}

func TestPacket_RoundTrip(t *testing.T) {
	t.Parallel()

	cases := []ForwardPacket{
		{SourceNodeID: "a", DestinationNodeID: "b", TTL: 8, Payload: []byte("hello")},
		{SourceNodeID: "a", DestinationNodeID: "b", TTL: 0, Payload: []byte{}},
		{SourceNodeID: "", DestinationNodeID: "", TTL: -1, Payload: []byte{0, 1, 2}},
	}
	for _, in := range cases {
		data, err := EncodePacket(in)
		require.NoError(t, err)
		out, err := DecodePacket(data)
		require.NoError(t, err)
		requirePacketEqual(t, in, out)
	}
}

func TestEncodePacket_Layout(t *testing.T) {
	t.Parallel()

	data, err := EncodePacket(ForwardPacket{SourceNodeID: "s", DestinationNodeID: "dd", TTL: 3, Payload: []byte{9}})
	require.NoError(t, err)
	require.Equal(t, []byte{
		0, 0, 0, 1, 's',
		0, 0, 0, 2, 'd', 'd',
		0, 0, 0, 3,
		0, 0, 0, 1, 9,
	}, data)
}

func TestDecodePacket_Truncated(t *testing.T) {
	t.Parallel()

	full, err := EncodePacket(ForwardPacket{SourceNodeID: "src", DestinationNodeID: "dst", TTL: 4, Payload: []byte("payload")})
	require.NoError(t, err)

	for n := 0; n < len(full); n++ {
		_, err := DecodePacket(full[:n])
		require.ErrorIs(t, err, ErrMalformed, "prefix length %d", n)
	}
}

func TestDecodePacket_NegativeLength(t *testing.T) {
	t.Parallel()

	_, err := DecodePacket([]byte{0xff, 0xff, 0xff, 0xff})
	require.ErrorIs(t, err, ErrMalformed)
}
