// Package replay tracks which sequence ids a connection has already seen on
// its unreliable channel.
package replay

type block uint64

const (
	blockBitLog = 6
	blockBits   = 1 << blockBitLog
	ringBlocks  = 1 << 7
	blockMask   = ringBlocks - 1
	bitMask     = blockBits - 1

	// WindowSize is how far behind the newest id an id may arrive and still
	// be accepted.
	WindowSize = (ringBlocks - 1) * blockBits
)

// Filter rejects duplicate 16-bit sequence ids inside a sliding window.
// Sequence ids wrap; each one is widened to a 64-bit counter relative to the
// newest id seen. The zero value is ready for use. Not safe for concurrent use.
type Filter struct {
	started bool
	last    uint64
	ring    [ringBlocks]block
}

// Reset clears the filter state.
func (f *Filter) Reset() {
	f.started = false
	f.last = 0
	f.ring = [ringBlocks]block{}
}

// Accept reports whether seq is new. Duplicates and ids that fell out of the
// window return false.
func (f *Filter) Accept(seq uint16) bool {
	return f.accept(f.widen(seq))
}

// widen maps seq onto the 64-bit counter closest to the newest id. The
// counter space starts at 1<<16 so ids slightly behind the first one stay
// representable.
func (f *Filter) widen(seq uint16) uint64 {
	if !f.started {
		return 1<<16 | uint64(seq)
	}
	delta := int16(seq - uint16(f.last))
	return uint64(int64(f.last) + int64(delta))
}

func (f *Filter) accept(counter uint64) bool {
	indexBlock := counter >> blockBitLog
	switch {
	case !f.started:
		f.started = true
		f.last = counter
	case counter > f.last:
		current := f.last >> blockBitLog
		diff := indexBlock - current
		if diff > ringBlocks {
			diff = ringBlocks
		}
		for i := current + 1; i <= current+diff; i++ {
			f.ring[i&blockMask] = 0
		}
		f.last = counter
	case f.last-counter > WindowSize:
		return false
	}
	indexBlock &= blockMask
	indexBit := counter & bitMask
	old := f.ring[indexBlock]
	updated := old | 1<<indexBit
	f.ring[indexBlock] = updated
	return old != updated
}
