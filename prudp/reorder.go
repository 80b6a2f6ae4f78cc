package prudp

import (
	"sort"

	"github.com/bridgefall/prudp/packet"
)

// reorderBuffer holds reliable packets that arrived ahead of the expected
// sequence id. Entries stay sorted by their distance from the expected id,
// so the front is always the next packet to deliver.
type reorderBuffer struct {
	entries []*packet.Packet
}

func (b *reorderBuffer) search(seq, expected uint16) int {
	dist := seq - expected
	return sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].SequenceID-expected >= dist
	})
}

// insert adds p and reports false when its id is already buffered.
func (b *reorderBuffer) insert(p *packet.Packet, expected uint16) bool {
	i := b.search(p.SequenceID, expected)
	if i < len(b.entries) && b.entries[i].SequenceID == p.SequenceID {
		return false
	}
	b.entries = append(b.entries, nil)
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = p
	return true
}

func (b *reorderBuffer) contains(seq, expected uint16) bool {
	i := b.search(seq, expected)
	return i < len(b.entries) && b.entries[i].SequenceID == seq
}

// pop removes and returns the front packet when it carries expected.
func (b *reorderBuffer) pop(expected uint16) *packet.Packet {
	if len(b.entries) == 0 || b.entries[0].SequenceID != expected {
		return nil
	}
	p := b.entries[0]
	b.entries[0] = nil
	b.entries = b.entries[1:]
	return p
}

func (b *reorderBuffer) len() int {
	return len(b.entries)
}

func (b *reorderBuffer) reset() {
	b.entries = nil
}
