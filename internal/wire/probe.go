package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// ProbeType distinguishes probe requests from responses.
type ProbeType string

const (
	ProbeRequest  ProbeType = "REQUEST"
	ProbeResponse ProbeType = "RESPONSE"
)

const (
	probeCodec     = "probe"
	probeSeparator = "|"
	probeFields    = 5
)

// Capabilities advertised by the sender of a probe.
type Capabilities struct {
	HasInternet bool
}

// ProbeMessage is a single probe datagram.
//
// Wire format: TYPE|SENDER|SEQUENCE|TIMESTAMP|INTERNET_FLAG, with the
// timestamp in unix milliseconds and the flag "0" or "1". A RESPONSE echoes
// the sequence and timestamp of the REQUEST it answers.
type ProbeMessage struct {
	Type         ProbeType
	SenderID     string
	Sequence     uint64
	Timestamp    int64
	Capabilities Capabilities
}

func (t ProbeType) valid() bool {
	return t == ProbeRequest || t == ProbeResponse
}

// EncodeProbe renders a probe message.
func EncodeProbe(m ProbeMessage) ([]byte, error) {
	if !m.Type.valid() {
		return nil, fmt.Errorf("probe type %q: %w", m.Type, ErrInvalidField)
	}
	if strings.Contains(m.SenderID, probeSeparator) {
		return nil, fmt.Errorf("sender id %q contains %q: %w", m.SenderID, probeSeparator, ErrInvalidField)
	}

	flag := "0"
	if m.Capabilities.HasInternet {
		flag = "1"
	}

	var b strings.Builder
	b.WriteString(string(m.Type))
	b.WriteString(probeSeparator)
	b.WriteString(m.SenderID)
	b.WriteString(probeSeparator)
	b.WriteString(strconv.FormatUint(m.Sequence, 10))
	b.WriteString(probeSeparator)
	b.WriteString(strconv.FormatInt(m.Timestamp, 10))
	b.WriteString(probeSeparator)
	b.WriteString(flag)
	return []byte(b.String()), nil
}

// DecodeProbe parses a probe datagram. Extra trailing fields are ignored.
func DecodeProbe(data []byte) (ProbeMessage, error) {
	parts := strings.Split(string(data), probeSeparator)
	if len(parts) < probeFields {
		return ProbeMessage{}, decodeErr(probeCodec, fmt.Sprintf("expected %d fields, got %d", probeFields, len(parts)), nil)
	}

	typ := ProbeType(parts[0])
	if !typ.valid() {
		return ProbeMessage{}, decodeErr(probeCodec, fmt.Sprintf("unknown type %q", parts[0]), nil)
	}
	seq, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return ProbeMessage{}, decodeErr(probeCodec, "sequence", err)
	}
	ts, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return ProbeMessage{}, decodeErr(probeCodec, "timestamp", err)
	}

	return ProbeMessage{
		Type:      typ,
		SenderID:  parts[1],
		Sequence:  seq,
		Timestamp: ts,
		Capabilities: Capabilities{
			HasInternet: parts[4] == "1",
		},
	}, nil
}
