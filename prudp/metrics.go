package prudp

import "github.com/bridgefall/prudp/commons/metrics"

// DropReason captures why a packet was rejected.
type DropReason string

const (
	DropDecodeFailure     DropReason = "decode_failure"
	DropNonIPv4           DropReason = "non_ipv4"
	DropUnknownPort       DropReason = "unknown_port"
	DropRateLimit         DropReason = "rate_limit"
	DropSignatureMismatch DropReason = "signature_mismatch"
	DropMissingSignature  DropReason = "missing_signature"
	DropStale             DropReason = "stale"
	DropDuplicate         DropReason = "duplicate"
	DropOutsideWindow     DropReason = "outside_window"
	DropBadState          DropReason = "bad_state"
	DropUnsupported       DropReason = "unsupported"
	DropMalformedAck      DropReason = "malformed_ack"
	DropMessageTooLarge   DropReason = "message_too_large"
	DropSynHoldOff        DropReason = "syn_hold_off"
)

// Metrics tracks router and socket counters. One instance is usually shared
// by a router and all of its sockets.
type Metrics struct {
	DatagramsIn  metrics.Counter
	DatagramsOut metrics.Counter
	BytesIn      metrics.Counter
	BytesOut     metrics.Counter
	PacketsIn    metrics.Counter

	DropDecodeFailure     metrics.Counter
	DropNonIPv4           metrics.Counter
	DropUnknownPort       metrics.Counter
	DropRateLimit         metrics.Counter
	DropSignatureMismatch metrics.Counter
	DropMissingSignature  metrics.Counter
	DropStale             metrics.Counter
	DropDuplicate         metrics.Counter
	DropOutsideWindow     metrics.Counter
	DropBadState          metrics.Counter
	DropUnsupported       metrics.Counter
	DropMalformedAck      metrics.Counter
	DropMessageTooLarge   metrics.Counter
	DropSynHoldOff        metrics.Counter

	ConnectionsOpened   metrics.Counter
	ConnectionsEvicted  metrics.Counter
	ActiveConnections   metrics.Gauge
	Established         metrics.Counter
	AcceptTimeouts      metrics.Counter
	NegotiationFailures metrics.Counter
	Retransmits         metrics.Counter
	AcksReceived        metrics.Counter
	MessagesIn          metrics.Counter
	MessagesOut         metrics.Counter

	NegotiationLatency *metrics.Window
}

// NewMetrics returns zeroed metrics with a 128 sample latency window.
func NewMetrics() *Metrics {
	return &Metrics{NegotiationLatency: metrics.NewWindow(128)}
}

func (m *Metrics) drop(reason DropReason) {
	switch reason {
	case DropDecodeFailure:
		m.DropDecodeFailure.Inc()
	case DropNonIPv4:
		m.DropNonIPv4.Inc()
	case DropUnknownPort:
		m.DropUnknownPort.Inc()
	case DropRateLimit:
		m.DropRateLimit.Inc()
	case DropSignatureMismatch:
		m.DropSignatureMismatch.Inc()
	case DropMissingSignature:
		m.DropMissingSignature.Inc()
	case DropStale:
		m.DropStale.Inc()
	case DropDuplicate:
		m.DropDuplicate.Inc()
	case DropOutsideWindow:
		m.DropOutsideWindow.Inc()
	case DropBadState:
		m.DropBadState.Inc()
	case DropUnsupported:
		m.DropUnsupported.Inc()
	case DropMalformedAck:
		m.DropMalformedAck.Inc()
	case DropMessageTooLarge:
		m.DropMessageTooLarge.Inc()
	case DropSynHoldOff:
		m.DropSynHoldOff.Inc()
	}
}
