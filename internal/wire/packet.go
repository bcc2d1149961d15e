package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

const packetCodec = "forward"

// ForwardPacket is an application datagram relayed hop by hop.
type ForwardPacket struct {
	SourceNodeID      string
	DestinationNodeID string
	TTL               int32
	Payload           []byte
}

// EncodePacket renders a forward packet as
// len(src) | src | len(dst) | dst | ttl | len(payload) | payload,
// every integer a 4-byte big-endian value.
func EncodePacket(p ForwardPacket) ([]byte, error) {
	for name, n := range map[string]int{
		"source id":      len(p.SourceNodeID),
		"destination id": len(p.DestinationNodeID),
		"payload":        len(p.Payload),
	} {
		if n > math.MaxInt32 {
			return nil, fmt.Errorf("%s length %d: %w", name, n, ErrInvalidField)
		}
	}

	buf := make([]byte, 0, 16+len(p.SourceNodeID)+len(p.DestinationNodeID)+len(p.Payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.SourceNodeID)))
	buf = append(buf, p.SourceNodeID...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.DestinationNodeID)))
	buf = append(buf, p.DestinationNodeID...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.TTL))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Payload)))
	buf = append(buf, p.Payload...)
	return buf, nil
}

// DecodePacket parses a forward packet, reading exactly the advertised lengths.
func DecodePacket(data []byte) (ForwardPacket, error) {
	r := packetReader{data: data}

	src, err := r.field("source id")
	if err != nil {
		return ForwardPacket{}, err
	}
	dst, err := r.field("destination id")
	if err != nil {
		return ForwardPacket{}, err
	}
	ttl, err := r.uint32("ttl")
	if err != nil {
		return ForwardPacket{}, err
	}
	payload, err := r.field("payload")
	if err != nil {
		return ForwardPacket{}, err
	}

	return ForwardPacket{
		SourceNodeID:      string(src),
		DestinationNodeID: string(dst),
		TTL:               int32(ttl),
		Payload:           payload,
	}, nil
}

type packetReader struct {
	data []byte
	off  int
}

func (r *packetReader) uint32(name string) (uint32, error) {
	if len(r.data)-r.off < 4 {
		return 0, decodeErr(packetCodec, fmt.Sprintf("truncated %s at offset %d", name, r.off), nil)
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *packetReader) field(name string) ([]byte, error) {
	n, err := r.uint32(name + " length")
	if err != nil {
		return nil, err
	}
	if int32(n) < 0 {
		return nil, decodeErr(packetCodec, fmt.Sprintf("negative %s length", name), nil)
	}
	if uint64(len(r.data)-r.off) < uint64(n) {
		return nil, decodeErr(packetCodec, fmt.Sprintf("truncated %s: want %d bytes, have %d", name, n, len(r.data)-r.off), nil)
	}
	out := make([]byte, n)
	copy(out, r.data[r.off:r.off+int(n)])
	r.off += int(n)
	return out, nil
}
