package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProbe_RoundTrip(t *testing.T) {
	t.Parallel()

	cases := []ProbeMessage{
		{Type: ProbeRequest, SenderID: "phone-a", Sequence: 0, Timestamp: 1700000000000},
		{Type: ProbeResponse, SenderID: "phone-b", Sequence: 42, Timestamp: 1, Capabilities: Capabilities{HasInternet: true}},
		{Type: ProbeRequest, SenderID: "", Sequence: ^uint64(0), Timestamp: -5},
	}
	for _, in := range cases {
		data, err := EncodeProbe(in)
		require.NoError(t, err)
		out, err := DecodeProbe(data)
		require.NoError(t, err)
		require.Equal(t, in, out)
	}
}

func TestEncodeProbe_Format(t *testing.T) {
	t.Parallel()

	data, err := EncodeProbe(ProbeMessage{Type: ProbeResponse, SenderID: "n1", Sequence: 7, Timestamp: 1234, Capabilities: Capabilities{HasInternet: true}})
	require.NoError(t, err)
	require.Equal(t, "RESPONSE|n1|7|1234|1", string(data))
}

func TestEncodeProbe_RejectsSeparatorInSender(t *testing.T) {
	t.Parallel()

	_, err := EncodeProbe(ProbeMessage{Type: ProbeRequest, SenderID: "a|b"})
	require.ErrorIs(t, err, ErrInvalidField)

	_, err = EncodeProbe(ProbeMessage{Type: "PING", SenderID: "a"})
	require.ErrorIs(t, err, ErrInvalidField)
}

func TestDecodeProbe_Malformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"",
		"REQUEST|n1|1|2",
		"PROBE_REQ|n1|1|2|0",
		"REQUEST|n1|x|2|0",
		"REQUEST|n1|1|y|0",
	} {
		_, err := DecodeProbe([]byte(raw))
		require.Error(t, err, raw)
		require.ErrorIs(t, err, ErrMalformed, raw)

		var de *DecodeError
		require.True(t, errors.As(err, &de), raw)
		require.Equal(t, "probe", de.Codec)
	}
}

func TestDecodeProbe_IgnoresTrailingFields(t *testing.T) {
	t.Parallel()

	m, err := DecodeProbe([]byte("REQUEST|n1|3|99|1|extra"))
	require.NoError(t, err)
	require.Equal(t, uint64(3), m.Sequence)
	require.True(t, m.Capabilities.HasInternet)
}
