// Package packet implements the PRUDP v1 wire format: header layout, typed
// options, packet signatures and the response skeletons used by the server
// state machine.
package packet

import (
	"fmt"
	"strings"
)

const (
	// Magic prefixes every PRUDP v1 packet.
	Magic uint16 = 0xD0EA
	// Version is the only protocol version this codec speaks.
	Version uint8 = 1

	magic0 = 0xEA
	magic1 = 0xD0

	// HeaderSize covers magic, version, sizes, ports, type/flags, session,
	// substream and sequence id.
	HeaderSize    = 14
	SignatureSize = 16
	// MinPacketSize is a packet with no options and no payload.
	MinPacketSize = HeaderSize + SignatureSize

	maxOptionsSize = 0xFF
	maxPayloadSize = 0xFFFF
)

// Type is the 4-bit packet type.
type Type uint8

const (
	TypeSyn Type = iota
	TypeConnect
	TypeData
	TypeDisconnect
	TypePing
	TypeUser
	TypeRoute
	TypeRaw
)

func (t Type) String() string {
	switch t {
	case TypeSyn:
		return "SYN"
	case TypeConnect:
		return "CONNECT"
	case TypeData:
		return "DATA"
	case TypeDisconnect:
		return "DISCONNECT"
	case TypePing:
		return "PING"
	case TypeUser:
		return "USER"
	case TypeRoute:
		return "ROUTE"
	case TypeRaw:
		return "RAW"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Flags is the 12-bit flag field.
type Flags uint16

const (
	FlagAck      Flags = 0x001
	FlagReliable Flags = 0x002
	FlagNeedAck  Flags = 0x004
	FlagHasSize  Flags = 0x008
	FlagMultiAck Flags = 0x200
)

// Has reports whether every bit of f2 is set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

func (f Flags) String() string {
	names := []string{}
	for _, entry := range []struct {
		flag Flags
		name string
	}{
		{FlagAck, "ACK"},
		{FlagReliable, "RELIABLE"},
		{FlagNeedAck, "NEED_ACK"},
		{FlagHasSize, "HAS_SIZE"},
		{FlagMultiAck, "MULTI_ACK"},
	} {
		if f.Has(entry.flag) {
			names = append(names, entry.name)
		}
	}
	if rest := f &^ (FlagAck | FlagReliable | FlagNeedAck | FlagHasSize | FlagMultiAck); rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint16(rest)))
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}

// StreamType is the high nibble of a virtual port.
type StreamType uint8

const (
	StreamDO               StreamType = 1
	StreamRV               StreamType = 2
	StreamOldRVSec         StreamType = 3
	StreamSBMgmt           StreamType = 4
	StreamNAT              StreamType = 5
	StreamSessionDiscovery StreamType = 6
	StreamNATEcho          StreamType = 7
	StreamRouting          StreamType = 8
	StreamGame             StreamType = 9
	StreamRVSecure         StreamType = 10
	StreamRelay            StreamType = 11
)

var streamTypeNames = map[string]StreamType{
	"do":               StreamDO,
	"rv":               StreamRV,
	"oldrvsec":         StreamOldRVSec,
	"sbmgmt":           StreamSBMgmt,
	"nat":              StreamNAT,
	"sessiondiscovery": StreamSessionDiscovery,
	"natecho":          StreamNATEcho,
	"routing":          StreamRouting,
	"game":             StreamGame,
	"rvsecure":         StreamRVSecure,
	"relay":            StreamRelay,
}

// ParseStreamType accepts a stream type name such as "rvsecure".
func ParseStreamType(name string) (StreamType, error) {
	st, ok := streamTypeNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown stream type %q", name)
	}
	return st, nil
}

// VirtualPort multiplexes logical services over one UDP socket. The high
// nibble carries the stream type and the low nibble the port number.
type VirtualPort uint8

// NewVirtualPort packs a port number and stream type.
func NewVirtualPort(port uint8, stream StreamType) VirtualPort {
	return VirtualPort(uint8(stream)<<4 | port&0x0F)
}

// Number returns the port number.
func (v VirtualPort) Number() uint8 {
	return uint8(v) & 0x0F
}

// StreamType returns the stream type.
func (v VirtualPort) StreamType() StreamType {
	return StreamType(uint8(v) >> 4)
}

func (v VirtualPort) String() string {
	return fmt.Sprintf("%d/%d", v.StreamType(), v.Number())
}

// Signature is a 16-byte packet or connection signature.
type Signature [SignatureSize]byte

// IsZero reports whether the signature was never set.
func (s Signature) IsZero() bool {
	return s == Signature{}
}

// Packet is one decoded PRUDP v1 packet. Option order is preserved.
type Packet struct {
	Source      VirtualPort
	Destination VirtualPort
	Type        Type
	Flags       Flags
	SessionID   uint8
	SubstreamID uint8
	SequenceID  uint16
	Signature   Signature
	Options     []Option
	Payload     []byte
}

// Option returns the first option with the given id.
func (p *Packet) Option(id OptionID) (Option, bool) {
	for _, opt := range p.Options {
		if opt.ID == id {
			return opt, true
		}
	}
	return Option{}, false
}

// AddOption appends an option.
func (p *Packet) AddOption(opt Option) {
	p.Options = append(p.Options, opt)
}

// FragmentID returns the fragment id option, 0 when absent.
func (p *Packet) FragmentID() uint8 {
	opt, ok := p.Option(OptionFragmentID)
	if !ok {
		return 0
	}
	return opt.Uint8()
}

// ConnectionSignature returns the connection signature option, if present.
func (p *Packet) ConnectionSignature() (Signature, bool) {
	opt, ok := p.Option(OptionConnectionSignature)
	if !ok {
		return Signature{}, false
	}
	return opt.Signature(), true
}

// Clone returns a deep copy.
func (p *Packet) Clone() *Packet {
	out := *p
	out.Options = make([]Option, len(p.Options))
	for i, opt := range p.Options {
		out.Options[i] = Option{ID: opt.ID, Data: append([]byte(nil), opt.Data...)}
	}
	out.Payload = append([]byte(nil), p.Payload...)
	return &out
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s[%s] %s->%s session=%d seq=%d opts=%d payload=%d",
		p.Type, p.Flags, p.Source, p.Destination, p.SessionID, p.SequenceID, len(p.Options), len(p.Payload))
}
