package prudp

import (
	"time"

	"github.com/bridgefall/prudp/packet"
)

// pendingSend is an encoded reliable packet waiting for its ack.
type pendingSend struct {
	seq      uint16
	raw      []byte
	sentAt   time.Time
	attempts int
}

// pendingTable keeps unacknowledged sends in the order they were sent.
type pendingTable struct {
	entries []*pendingSend
}

func (t *pendingTable) add(seq uint16, raw []byte, now time.Time) {
	t.entries = append(t.entries, &pendingSend{seq: seq, raw: raw, sentAt: now, attempts: 1})
}

// ack clears seq and reports whether it was outstanding.
func (t *pendingTable) ack(seq uint16) bool {
	for i, e := range t.entries {
		if e.seq == seq {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

// ackAggregate clears every entry the aggregate ack covers and returns how
// many were removed.
func (t *pendingTable) ackAggregate(a packet.AggregateAck) int {
	if len(t.entries) == 0 {
		return 0
	}
	oldest := t.entries[0].seq
	kept := t.entries[:0]
	for _, e := range t.entries {
		if !a.Covers(e.seq, oldest) {
			kept = append(kept, e)
		}
	}
	removed := len(t.entries) - len(kept)
	for i := len(kept); i < len(t.entries); i++ {
		t.entries[i] = nil
	}
	t.entries = kept
	return removed
}

// due returns the sends whose ack is overdue at now.
func (t *pendingTable) due(now time.Time, timeout time.Duration) []*pendingSend {
	var out []*pendingSend
	for _, e := range t.entries {
		if now.Sub(e.sentAt) >= timeout {
			out = append(out, e)
		}
	}
	return out
}

func (t *pendingTable) len() int {
	return len(t.entries)
}

func (t *pendingTable) reset() {
	t.entries = nil
}
