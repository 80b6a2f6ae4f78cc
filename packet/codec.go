package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFraming is wrapped by every decode failure.
var ErrFraming = errors.New("prudp: malformed packet")

// FramingError reports where in a datagram decoding failed.
type FramingError struct {
	Offset int
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("prudp: malformed packet at offset %d: %s", e.Offset, e.Reason)
}

func (e *FramingError) Unwrap() error {
	return ErrFraming
}

func framingError(offset int, reason string) error {
	return &FramingError{Offset: offset, Reason: reason}
}

// Decode parses one packet from the front of buf and returns it with the
// number of bytes it occupied.
func Decode(buf []byte) (*Packet, int, error) {
	if len(buf) < MinPacketSize {
		return nil, 0, framingError(0, fmt.Sprintf("truncated header: %d bytes", len(buf)))
	}
	if buf[0] != magic0 || buf[1] != magic1 {
		return nil, 0, framingError(0, fmt.Sprintf("bad magic %02x%02x", buf[0], buf[1]))
	}
	if buf[2] != Version {
		return nil, 0, framingError(2, fmt.Sprintf("unsupported version %d", buf[2]))
	}
	optSize := int(buf[3])
	payloadSize := int(binary.LittleEndian.Uint16(buf[4:6]))
	total := MinPacketSize + optSize + payloadSize
	if len(buf) < total {
		return nil, 0, framingError(4, fmt.Sprintf("declared size %d exceeds remaining %d bytes", total, len(buf)))
	}

	typeFlags := binary.LittleEndian.Uint16(buf[8:10])
	p := &Packet{
		Source:      VirtualPort(buf[6]),
		Destination: VirtualPort(buf[7]),
		Type:        Type(typeFlags & 0x0F),
		Flags:       Flags(typeFlags >> 4),
		SessionID:   buf[10],
		SubstreamID: buf[11],
		SequenceID:  binary.LittleEndian.Uint16(buf[12:14]),
	}
	copy(p.Signature[:], buf[HeaderSize:MinPacketSize])

	opts, err := parseOptions(buf[MinPacketSize:MinPacketSize+optSize], MinPacketSize)
	if err != nil {
		return nil, 0, err
	}
	p.Options = opts
	p.Payload = make([]byte, payloadSize)
	copy(p.Payload, buf[MinPacketSize+optSize:total])
	return p, total, nil
}

// DecodeAll parses back-to-back packets until buf is exhausted. On failure it
// returns the packets decoded before the bad span together with the error.
func DecodeAll(buf []byte) ([]*Packet, error) {
	var out []*Packet
	for off := 0; off < len(buf); {
		p, n, err := Decode(buf[off:])
		if err != nil {
			var fe *FramingError
			if errors.As(err, &fe) {
				fe.Offset += off
			}
			return out, err
		}
		out = append(out, p)
		off += n
	}
	return out, nil
}

// Encode serializes the packet.
func (p *Packet) Encode() ([]byte, error) {
	return p.AppendEncode(make([]byte, 0, MinPacketSize+encodedOptionsSize(p.Options)+len(p.Payload)))
}

// AppendEncode appends the serialized packet to dst.
func (p *Packet) AppendEncode(dst []byte) ([]byte, error) {
	header, err := p.header()
	if err != nil {
		return nil, err
	}
	dst = append(dst, magic0, magic1)
	dst = append(dst, header[:]...)
	dst = append(dst, p.Signature[:]...)
	dst, err = appendOptions(dst, p.Options)
	if err != nil {
		return nil, err
	}
	return append(dst, p.Payload...), nil
}

// header returns the 12 header bytes that follow the magic.
func (p *Packet) header() ([HeaderSize - 2]byte, error) {
	var h [HeaderSize - 2]byte
	optSize := encodedOptionsSize(p.Options)
	if optSize > maxOptionsSize {
		return h, fmt.Errorf("options too large: %d bytes", optSize)
	}
	if len(p.Payload) > maxPayloadSize {
		return h, fmt.Errorf("payload too large: %d bytes", len(p.Payload))
	}
	if p.Type > 0x0F {
		return h, fmt.Errorf("invalid packet type %d", p.Type)
	}
	if p.Flags > 0x0FFF {
		return h, fmt.Errorf("invalid flags 0x%x", uint16(p.Flags))
	}
	h[0] = Version
	h[1] = byte(optSize)
	binary.LittleEndian.PutUint16(h[2:4], uint16(len(p.Payload)))
	h[4] = byte(p.Source)
	h[5] = byte(p.Destination)
	binary.LittleEndian.PutUint16(h[6:8], uint16(p.Type)|uint16(p.Flags)<<4)
	h[8] = p.SessionID
	h[9] = p.SubstreamID
	binary.LittleEndian.PutUint16(h[10:12], p.SequenceID)
	return h, nil
}
