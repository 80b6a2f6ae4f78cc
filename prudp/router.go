package prudp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bridgefall/prudp/packet"
	"github.com/bridgefall/prudp/ratelimiter"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
)

// Router owns the UDP socket and dispatches decoded packets to the Socket
// registered for each destination virtual port.
type Router struct {
	conn    net.PacketConn
	cfg     RouterConfig
	metrics *Metrics
	logger  *slog.Logger
	drops   dropLogger
	syn     *ratelimiter.Ratelimiter

	mu      sync.RWMutex
	sockets map[packet.VirtualPort]*Socket

	closed    atomic.Bool
	closeOnce sync.Once
}

// Listen binds an IPv4 UDP socket on addr.
func Listen(addr string, cfg RouterConfig) (*Router, error) {
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return NewRouter(conn, cfg), nil
}

// NewRouter wraps an existing packet conn. The router takes ownership of it.
func NewRouter(conn net.PacketConn, cfg RouterConfig) *Router {
	cfg = cfg.withDefaults()
	logger := resolveLogger(cfg.Logger)
	r := &Router{
		conn:    conn,
		cfg:     cfg,
		metrics: cfg.Metrics,
		logger:  logger,
		drops: dropLogger{
			logger:  logger,
			limiter: newLogLimiter(cfg.LogInterval),
			metrics: cfg.Metrics,
			now:     cfg.Now,
		},
		sockets: make(map[packet.VirtualPort]*Socket),
	}
	if cfg.SynRateLimitPPS > 0 {
		r.syn = ratelimiter.New(cfg.SynRateLimitPPS, cfg.SynRateLimitBurst)
	}
	return r
}

// Addr returns the bound UDP address.
func (r *Router) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Metrics returns the counters the router records into.
func (r *Router) Metrics() *Metrics {
	return r.metrics
}

// AddSocket registers s for its virtual port.
func (r *Router) AddSocket(s *Socket) error {
	if r.closed.Load() {
		return ErrRouterClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sockets[s.port]; ok {
		return fmt.Errorf("%w: %s", ErrPortInUse, s.port)
	}
	r.sockets[s.port] = s
	r.logger.Info("socket registered", "port", s.port.String())
	return nil
}

// RemoveSocket deregisters the socket on port. It is a no-op when none is
// registered.
func (r *Router) RemoveSocket(port packet.VirtualPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sockets, port)
}

// Socket returns the socket registered for port.
func (r *Router) Socket(port packet.VirtualPort) (*Socket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sockets[port]
	return s, ok
}

// Serve runs the receive workers until ctx is cancelled or a receive error
// that is neither a timeout nor a close occurs; that error is returned.
func (r *Router) Serve(ctx context.Context) error {
	if r.closed.Load() {
		return ErrRouterClosed
	}
	if err := r.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("prudp: reset read deadline: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	go func() {
		<-gctx.Done()
		// Unblock workers parked in a read.
		_ = r.conn.SetReadDeadline(time.Now())
	}()
	for i := 0; i < r.cfg.Workers; i++ {
		g.Go(func() error {
			return r.worker(gctx)
		})
	}
	err := g.Wait()
	if err != nil && r.closed.Load() {
		return nil
	}
	return err
}

func (r *Router) worker(ctx context.Context) error {
	read := r.newReader()
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := read.read()
		for i := 0; i < n; i++ {
			data, addr := read.datagram(i)
			r.handleDatagram(ctx, data, addr)
		}
		if err == nil {
			continue
		}
		switch {
		case ctx.Err() != nil, r.closed.Load():
			return nil
		case errors.Is(err, os.ErrDeadlineExceeded):
			continue
		case errors.Is(err, net.ErrClosed):
			return nil
		default:
			r.logger.Error("receive failed", "err", err)
			return fmt.Errorf("prudp: receive: %w", err)
		}
	}
}

func (r *Router) handleDatagram(ctx context.Context, data []byte, from net.Addr) {
	r.metrics.DatagramsIn.Inc()
	r.metrics.BytesIn.Add(int64(len(data)))

	addr, ok := addrPort(from)
	if !ok || !addr.Addr().Unmap().Is4() {
		r.drops.drop(DropNonIPv4, "non ipv4 source", "addr", fmt.Sprint(from))
		return
	}
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())

	packets, err := packet.DecodeAll(data)
	if err != nil {
		r.drops.drop(DropDecodeFailure, err.Error(), "addr", addr.String(), "decoded", len(packets))
	}
	for _, p := range packets {
		r.metrics.PacketsIn.Inc()
		if p.Type == packet.TypeSyn && r.syn != nil && !r.syn.Allow(addr.Addr()) {
			r.drops.drop(DropRateLimit, "syn rate limit", "addr", addr.String())
			continue
		}
		s, ok := r.Socket(p.Destination)
		if !ok {
			r.drops.drop(DropUnknownPort, "no socket for virtual port", "addr", addr.String(), "port", p.Destination.String())
			continue
		}
		s.ProcessPacket(ctx, addr, p)
	}
}

func (r *Router) writeTo(b []byte, addr netip.AddrPort) error {
	if _, err := r.conn.WriteTo(b, net.UDPAddrFromAddrPort(addr)); err != nil {
		return err
	}
	r.metrics.DatagramsOut.Inc()
	r.metrics.BytesOut.Add(int64(len(b)))
	return nil
}

// Close closes every registered socket and then the UDP socket.
func (r *Router) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.mu.RLock()
		sockets := make([]*Socket, 0, len(r.sockets))
		for _, s := range r.sockets {
			sockets = append(sockets, s)
		}
		r.mu.RUnlock()
		for _, s := range sockets {
			_ = s.Close()
		}
		if r.syn != nil {
			r.syn.Close()
		}
		err = r.conn.Close()
	})
	return err
}

func addrPort(addr net.Addr) (netip.AddrPort, bool) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.AddrPort(), true
	case nil:
		return netip.AddrPort{}, false
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		return ap, err == nil
	}
}

// datagramReader reads one or more datagrams per call.
type datagramReader interface {
	read() (int, error)
	datagram(i int) ([]byte, net.Addr)
}

func (r *Router) newReader() datagramReader {
	if udp, ok := r.conn.(*net.UDPConn); ok && r.cfg.BatchSize > 1 {
		msgs := make([]ipv4.Message, r.cfg.BatchSize)
		for i := range msgs {
			msgs[i].Buffers = [][]byte{make([]byte, r.cfg.MaxDatagramSize)}
		}
		return &batchReader{conn: ipv4.NewPacketConn(udp), msgs: msgs}
	}
	return &singleReader{conn: r.conn, buf: make([]byte, r.cfg.MaxDatagramSize)}
}

type batchReader struct {
	conn *ipv4.PacketConn
	msgs []ipv4.Message
}

func (b *batchReader) read() (int, error) {
	return b.conn.ReadBatch(b.msgs, 0)
}

func (b *batchReader) datagram(i int) ([]byte, net.Addr) {
	m := b.msgs[i]
	return m.Buffers[0][:m.N], m.Addr
}

type singleReader struct {
	conn net.PacketConn
	buf  []byte
	n    int
	addr net.Addr
}

func (s *singleReader) read() (int, error) {
	n, addr, err := s.conn.ReadFrom(s.buf)
	if err != nil {
		return 0, err
	}
	s.n = n
	s.addr = addr
	return 1, nil
}

func (s *singleReader) datagram(int) ([]byte, net.Addr) {
	return s.buf[:s.n], s.addr
}
