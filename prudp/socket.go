package prudp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/bridgefall/prudp/keystream"
	"github.com/bridgefall/prudp/packet"
)

// Socket is the endpoint for one virtual port. It owns the connections of
// every peer talking to that port.
type Socket struct {
	router     *Router
	cfg        SocketConfig
	port       packet.VirtualPort
	signer     *packet.Signer
	negotiator keystream.Negotiator
	metrics    *Metrics
	logger     *slog.Logger
	drops      dropLogger
	now        func() time.Time

	mu    sync.RWMutex
	conns map[PeerAddr]*Connection

	accept    chan *Connection
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSocket creates the endpoint for cfg.Port and registers it on router.
func NewSocket(router *Router, cfg SocketConfig) (*Socket, error) {
	if cfg.AccessKey == "" {
		return nil, ErrMissingAccessKey
	}
	signer, err := packet.NewSigner(cfg.AccessKey)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	logger := resolveLogger(cfg.Logger).With("port", cfg.Port.String())
	s := &Socket{
		router:     router,
		cfg:        cfg,
		port:       cfg.Port,
		signer:     signer,
		negotiator: keystream.WithTimeout(cfg.Negotiator, cfg.NegotiationTimeout),
		metrics:    cfg.Metrics,
		logger:     logger,
		now:        cfg.Now,
		conns:      make(map[PeerAddr]*Connection),
		accept:     make(chan *Connection, cfg.AcceptQueue),
		closed:     make(chan struct{}),
	}
	s.drops = dropLogger{
		logger:  logger,
		limiter: newLogLimiter(cfg.LogInterval),
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if err := router.AddSocket(s); err != nil {
		return nil, err
	}
	s.wg.Add(1)
	go s.maintain()
	return s, nil
}

// Port returns the virtual port the socket serves.
func (s *Socket) Port() packet.VirtualPort {
	return s.port
}

// Accept returns the next established connection. Each connection is
// returned at most once; connections evicted while queued are skipped.
func (s *Socket) Accept(ctx context.Context) (*Connection, error) {
	for {
		select {
		case c := <-s.accept:
			if c.State() == StateClosed {
				continue
			}
			return c, nil
		case <-s.closed:
			return nil, ErrSocketClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Connection looks up the connection of a peer.
func (s *Socket) Connection(peer PeerAddr) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[peer]
	return c, ok
}

// Len returns the number of live connections.
func (s *Socket) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// ProcessPacket runs one decoded packet from addr through the state machine
// of its connection, creating the connection on first contact.
func (s *Socket) ProcessPacket(ctx context.Context, addr netip.AddrPort, p *packet.Packet) {
	peer := PeerAddr{
		Addr: netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()),
		Port: p.Source,
	}
	// A connection evicted between lookup and lock is unlinked here, so the
	// retry starts a fresh one even if the evicting side has not removed it.
	for attempt := 0; attempt < 2; attempt++ {
		if s.isClosed() {
			return
		}
		c := s.lookupOrCreate(peer)
		if c == nil {
			return
		}
		if !c.process(ctx, p) {
			return
		}
		s.remove(c)
	}
	s.drops.drop(DropBadState, "connection evicted while processing", "peer", peer, "type", p.Type)
}

func (s *Socket) lookupOrCreate(peer PeerAddr) *Connection {
	s.mu.RLock()
	c, ok := s.conns[peer]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return nil
	}
	// Another worker may have inserted it in between.
	if c, ok := s.conns[peer]; ok {
		return c
	}
	c = newConnection(s, peer, randomID(), s.now())
	s.conns[peer] = c
	s.metrics.ConnectionsOpened.Inc()
	s.metrics.ActiveConnections.Inc()
	s.logger.Debug("connection created", "peer", peer, "id", c.id)
	return c
}

func (s *Socket) remove(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.conns[c.peer]; ok && cur == c {
		delete(s.conns, c.peer)
	}
}

func (s *Socket) deliver(ctx context.Context, c *Connection, msg Message) {
	s.metrics.MessagesIn.Inc()
	if s.cfg.Handler == nil {
		s.logger.Debug("message discarded", "peer", c.peer, "size", len(msg.Payload))
		return
	}
	s.cfg.Handler.HandleMessage(ctx, c, msg)
}

// enqueueAccept hands c to Accept. When the queue is full the wait moves to
// its own goroutine so the router worker keeps reading; if the queue stays
// full for AcceptTimeout the connection is evicted instead.
func (s *Socket) enqueueAccept(c *Connection) {
	select {
	case s.accept <- c:
		return
	default:
	}
	go func() {
		timer := time.NewTimer(s.cfg.AcceptTimeout)
		defer timer.Stop()
		select {
		case s.accept <- c:
		case <-timer.C:
			s.metrics.AcceptTimeouts.Inc()
			s.logger.Warn("accept queue full, dropping connection", "peer", c.peer, "queue", cap(s.accept))
			c.mu.Lock()
			c.closeLocked("accept timeout")
			c.mu.Unlock()
			s.remove(c)
		case <-s.closed:
		case <-c.done:
		}
	}()
}

func (s *Socket) maintain() {
	defer s.wg.Done()
	interval := s.cfg.RetransmitTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep retransmits overdue sends and evicts idle or dead connections.
func (s *Socket) sweep() {
	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	now := s.now()
	for _, c := range conns {
		if c.tick(now) {
			s.remove(c)
		}
	}
}

func (s *Socket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Close stops maintenance, evicts every connection and deregisters the
// socket from its router.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wg.Wait()

		s.mu.Lock()
		conns := s.conns
		s.conns = nil
		s.mu.Unlock()
		for _, c := range conns {
			c.mu.Lock()
			c.closeLocked("socket closed")
			c.mu.Unlock()
		}
		s.router.RemoveSocket(s.port)
		s.logger.Info("socket closed", "evicted", len(conns))
	})
	return nil
}

func randomID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint32(b[:])
}
