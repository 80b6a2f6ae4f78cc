package packet

import (
	"encoding/binary"
	"fmt"
)

const aggregateAckHeaderSize = 4

// AggregateAck is the MULTI_ACK payload. Every pending id up to and
// including Base is acknowledged, plus each id in Extra.
type AggregateAck struct {
	SubstreamID uint8
	Base        uint16
	Extra       []uint16
}

// DecodeAggregateAck parses a MULTI_ACK payload.
func DecodeAggregateAck(payload []byte) (AggregateAck, error) {
	var ack AggregateAck
	if len(payload) < aggregateAckHeaderSize {
		return ack, framingError(0, "truncated aggregate ack")
	}
	ack.SubstreamID = payload[0]
	count := int(payload[1])
	ack.Base = binary.LittleEndian.Uint16(payload[2:4])
	if len(payload) != aggregateAckHeaderSize+2*count {
		return ack, framingError(1, fmt.Sprintf("aggregate ack declares %d ids in %d bytes", count, len(payload)))
	}
	ack.Extra = make([]uint16, count)
	for i := range ack.Extra {
		off := aggregateAckHeaderSize + 2*i
		ack.Extra[i] = binary.LittleEndian.Uint16(payload[off : off+2])
	}
	return ack, nil
}

// Encode serializes the aggregate ack.
func (a AggregateAck) Encode() ([]byte, error) {
	if len(a.Extra) > 0xFF {
		return nil, fmt.Errorf("aggregate ack carries %d ids, max 255", len(a.Extra))
	}
	out := make([]byte, aggregateAckHeaderSize, aggregateAckHeaderSize+2*len(a.Extra))
	out[0] = a.SubstreamID
	out[1] = byte(len(a.Extra))
	binary.LittleEndian.PutUint16(out[2:4], a.Base)
	for _, seq := range a.Extra {
		out = binary.LittleEndian.AppendUint16(out, seq)
	}
	return out, nil
}

// Covers reports whether seq is acknowledged. oldest is the earliest
// outstanding id; Base covers the wrapping range [oldest, Base] unless it
// lies behind oldest.
func (a AggregateAck) Covers(seq, oldest uint16) bool {
	if span := a.Base - oldest; span < 0x8000 && seq-oldest <= span {
		return true
	}
	for _, extra := range a.Extra {
		if extra == seq {
			return true
		}
	}
	return false
}
