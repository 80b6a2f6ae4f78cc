package prudp

import (
	"log/slog"
	"time"

	"github.com/bridgefall/prudp/keystream"
	"github.com/bridgefall/prudp/packet"
)

const (
	defaultSupportedFunctions = 0x04
	defaultMaxPayload         = 1300
	defaultMaxMessageSize     = 1 << 20
	defaultAcceptQueue        = 20
	defaultAcceptTimeout      = time.Second
	defaultNegotiationTimeout = 5 * time.Second
	defaultIdleTimeout        = 2 * time.Minute
	defaultSynHoldOff         = 250 * time.Millisecond
	defaultRetransmitTimeout  = time.Second
	defaultMaxRetransmits     = 5
	defaultReorderWindow      = 256
	defaultLogInterval        = 10 * time.Second

	defaultWorkers         = 1
	defaultMaxDatagramSize = 64 * 1024
	defaultBatchSize       = 8
	defaultSynRateBurst    = 5

	maxFragments = 0xFF
)

// SocketConfig controls one virtual-port endpoint.
type SocketConfig struct {
	Port      packet.VirtualPort
	AccessKey string
	// Negotiator is called once per CONNECT. Nil means plaintext.
	Negotiator keystream.Negotiator
	// Handler receives every complete inbound message. Nil discards them.
	Handler Handler

	// SupportedFunctions masks the functions echoed in SYN replies.
	SupportedFunctions uint32
	MaxPayload         int
	MaxMessageSize     int
	// AcceptQueue bounds established connections not yet returned by Accept.
	// A connection that finds it full waits AcceptTimeout in the background,
	// then is evicted.
	AcceptQueue        int
	AcceptTimeout      time.Duration
	NegotiationTimeout time.Duration
	IdleTimeout        time.Duration
	SynHoldOff         time.Duration
	RetransmitTimeout  time.Duration
	MaxRetransmits     int
	ReorderWindow      int
	StrictSignatures   bool

	Metrics     *Metrics
	Logger      *slog.Logger
	LogInterval time.Duration
	Now         func() time.Time
}

func (c SocketConfig) withDefaults() SocketConfig {
	if c.Negotiator == nil {
		c.Negotiator = keystream.Plaintext()
	}
	if c.SupportedFunctions == 0 {
		c.SupportedFunctions = defaultSupportedFunctions
	}
	if c.MaxPayload <= 0 || c.MaxPayload > 0xFFFF {
		c.MaxPayload = defaultMaxPayload
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.AcceptQueue <= 0 {
		c.AcceptQueue = defaultAcceptQueue
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = defaultAcceptTimeout
	}
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = defaultNegotiationTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.SynHoldOff <= 0 {
		c.SynHoldOff = defaultSynHoldOff
	}
	if c.RetransmitTimeout <= 0 {
		c.RetransmitTimeout = defaultRetransmitTimeout
	}
	if c.MaxRetransmits <= 0 {
		c.MaxRetransmits = defaultMaxRetransmits
	}
	if c.ReorderWindow <= 0 || c.ReorderWindow > 0x7FFF {
		c.ReorderWindow = defaultReorderWindow
	}
	if c.LogInterval <= 0 {
		c.LogInterval = defaultLogInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	return c
}

// RouterConfig controls the shared UDP receive path.
type RouterConfig struct {
	Workers         int
	MaxDatagramSize int
	// BatchSize is the number of datagrams read per syscall on a *net.UDPConn.
	BatchSize int
	// SynRateLimitPPS enables per source IP throttling of SYN packets.
	SynRateLimitPPS   int
	SynRateLimitBurst int

	Metrics     *Metrics
	Logger      *slog.Logger
	LogInterval time.Duration
	Now         func() time.Time
}

func (c RouterConfig) withDefaults() RouterConfig {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.MaxDatagramSize <= 0 {
		c.MaxDatagramSize = defaultMaxDatagramSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.SynRateLimitPPS > 0 && c.SynRateLimitBurst <= 0 {
		c.SynRateLimitBurst = defaultSynRateBurst
	}
	if c.LogInterval <= 0 {
		c.LogInterval = defaultLogInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	return c
}
