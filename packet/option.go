package packet

import (
	"encoding/binary"
	"fmt"
)

// OptionID identifies a type-length-value option.
type OptionID uint8

const (
	OptionSupportedFunctions  OptionID = 0
	OptionConnectionSignature OptionID = 1
	OptionFragmentID          OptionID = 2
	OptionInitialSequenceID   OptionID = 3
	OptionMaxSubstreamID      OptionID = 4
)

// optionSizes holds the fixed value size of each known option.
var optionSizes = map[OptionID]int{
	OptionSupportedFunctions:  4,
	OptionConnectionSignature: SignatureSize,
	OptionFragmentID:          1,
	OptionInitialSequenceID:   2,
	OptionMaxSubstreamID:      1,
}

func (id OptionID) String() string {
	switch id {
	case OptionSupportedFunctions:
		return "SupportedFunctions"
	case OptionConnectionSignature:
		return "ConnectionSignature"
	case OptionFragmentID:
		return "FragmentID"
	case OptionInitialSequenceID:
		return "InitialSequenceID"
	case OptionMaxSubstreamID:
		return "MaxSubstreamID"
	default:
		return fmt.Sprintf("Option(%d)", uint8(id))
	}
}

// Option is one encoded option. Unknown ids keep their raw bytes so a
// decoded packet re-encodes byte for byte.
type Option struct {
	ID   OptionID
	Data []byte
}

func SupportedFunctions(funcs uint32) Option {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, funcs)
	return Option{ID: OptionSupportedFunctions, Data: data}
}

func ConnectionSignature(sig Signature) Option {
	data := make([]byte, SignatureSize)
	copy(data, sig[:])
	return Option{ID: OptionConnectionSignature, Data: data}
}

func FragmentID(id uint8) Option {
	return Option{ID: OptionFragmentID, Data: []byte{id}}
}

func InitialSequenceID(id uint16) Option {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, id)
	return Option{ID: OptionInitialSequenceID, Data: data}
}

func MaxSubstreamID(id uint8) Option {
	return Option{ID: OptionMaxSubstreamID, Data: []byte{id}}
}

// Uint8 reads a one byte value.
func (o Option) Uint8() uint8 {
	if len(o.Data) < 1 {
		return 0
	}
	return o.Data[0]
}

// Uint16 reads a little-endian two byte value.
func (o Option) Uint16() uint16 {
	if len(o.Data) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(o.Data)
}

// Uint32 reads a little-endian four byte value.
func (o Option) Uint32() uint32 {
	if len(o.Data) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(o.Data)
}

// Signature reads a 16 byte signature value.
func (o Option) Signature() Signature {
	var sig Signature
	copy(sig[:], o.Data)
	return sig
}

func (o Option) validate() error {
	if len(o.Data) > 0xFF {
		return fmt.Errorf("option %s too long: %d", o.ID, len(o.Data))
	}
	if want, ok := optionSizes[o.ID]; ok && len(o.Data) != want {
		return fmt.Errorf("option %s has size %d, want %d", o.ID, len(o.Data), want)
	}
	return nil
}

func encodedOptionsSize(opts []Option) int {
	n := 0
	for _, opt := range opts {
		n += 2 + len(opt.Data)
	}
	return n
}

func appendOptions(dst []byte, opts []Option) ([]byte, error) {
	for _, opt := range opts {
		if err := opt.validate(); err != nil {
			return nil, err
		}
		dst = append(dst, byte(opt.ID), byte(len(opt.Data)))
		dst = append(dst, opt.Data...)
	}
	return dst, nil
}

func parseOptions(buf []byte, base int) ([]Option, error) {
	var opts []Option
	for off := 0; off < len(buf); {
		if len(buf)-off < 2 {
			return nil, framingError(base+off, "truncated option header")
		}
		id := OptionID(buf[off])
		size := int(buf[off+1])
		off += 2
		if len(buf)-off < size {
			return nil, framingError(base+off, fmt.Sprintf("option %s truncated", id))
		}
		if want, ok := optionSizes[id]; ok && size != want {
			return nil, framingError(base+off-1, fmt.Sprintf("option %s has size %d, want %d", id, size, want))
		}
		data := make([]byte, size)
		copy(data, buf[off:off+size])
		opts = append(opts, Option{ID: id, Data: data})
		off += size
	}
	return opts, nil
}
