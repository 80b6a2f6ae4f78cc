// Package nexserver runs PRUDP services described by profiles on one UDP
// socket.
package nexserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bridgefall/prudp/commons/logger"
	"github.com/bridgefall/prudp/packet"
	"github.com/bridgefall/prudp/profile"
	"github.com/bridgefall/prudp/prudp"
)

const (
	defaultWorkers         = 1
	defaultMetricsInterval = 10 * time.Second
)

const invalidConfigPrefix = "invalid config"

// Config defines the server configuration.
type Config struct {
	ListenAddr        string
	Workers           int
	BatchSize         int
	MaxDatagramSize   int
	SynRateLimitPPS   int
	SynRateLimitBurst int
	RetransmitTimeout time.Duration
	MaxRetransmits    int
	// MetricsInterval below zero disables the metrics log.
	MetricsInterval time.Duration
	LogLevel        string
	LogFile         string
	Services        []profile.Service

	// Handler receives the messages of every service. Nil logs them.
	Handler prudp.Handler
	// Logger overrides LogLevel and LogFile.
	Logger *slog.Logger
}

// Server binds the router, opens one socket per service and accepts their
// connections.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	closer  io.Closer
	metrics *prudp.Metrics
	readyCh chan struct{}
	wg      sync.WaitGroup

	mu      sync.RWMutex
	router  *prudp.Router
	sockets map[packet.VirtualPort]*prudp.Socket
}

// NewServer validates configuration and returns a new Server instance.
func NewServer(cfg Config) (*Server, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	log := normalized.Logger
	var closer io.Closer
	if log == nil {
		if normalized.LogFile != "" {
			log, closer, err = logger.Open(normalized.LogLevel, normalized.LogFile)
			if err != nil {
				return nil, err
			}
		} else {
			log = logger.Setup(normalized.LogLevel, os.Stderr)
		}
	}

	return &Server{
		cfg:     normalized,
		logger:  log,
		closer:  closer,
		metrics: prudp.NewMetrics(),
		readyCh: make(chan struct{}),
		sockets: make(map[packet.VirtualPort]*prudp.Socket),
	}, nil
}

// Ready returns a channel that is closed when the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

// Addr returns the listener address once the server is running.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.router == nil {
		return nil
	}
	return s.router.Addr()
}

// Metrics returns the counters shared by the router and every socket.
func (s *Server) Metrics() *prudp.Metrics {
	return s.metrics
}

// Socket returns the running socket for a virtual port.
func (s *Server) Socket(port packet.VirtualPort) (*prudp.Socket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sock, ok := s.sockets[port]
	return sock, ok
}

// Serve runs the server until the context is canceled or the receive path
// fails.
func (s *Server) Serve(ctx context.Context) error {
	if s.closer != nil {
		defer s.closer.Close()
	}
	router, err := prudp.Listen(s.cfg.ListenAddr, prudp.RouterConfig{
		Workers:           s.cfg.Workers,
		MaxDatagramSize:   s.cfg.MaxDatagramSize,
		BatchSize:         s.cfg.BatchSize,
		SynRateLimitPPS:   s.cfg.SynRateLimitPPS,
		SynRateLimitBurst: s.cfg.SynRateLimitBurst,
		Metrics:           s.metrics,
		Logger:            s.logger,
	})
	if err != nil {
		return err
	}
	defer router.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.router = router
	s.mu.Unlock()
	for _, svc := range s.cfg.Services {
		sock, err := s.openSocket(router, svc)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.sockets[sock.Port()] = sock
		s.mu.Unlock()
		s.wg.Add(1)
		go s.acceptLoop(ctx, svc.Name, sock)
	}
	close(s.readyCh)
	s.logger.Info("prudp server listening", "addr", router.Addr().String(), "services", len(s.cfg.Services))

	s.startMetricsLogger(ctx)
	err = router.Serve(ctx)
	cancel()
	_ = router.Close()
	s.wg.Wait()
	if err != nil {
		s.logger.Error("server stopped", "err", err)
	}
	return err
}

func (s *Server) openSocket(router *prudp.Router, svc profile.Service) (*prudp.Socket, error) {
	port, err := svc.VirtualPort()
	if err != nil {
		return nil, err
	}
	negotiator, err := svc.Negotiator()
	if err != nil {
		return nil, err
	}
	handler := s.cfg.Handler
	if handler == nil {
		handler = logHandler{logger: s.logger.With("service", svc.Name)}
	}
	sock, err := prudp.NewSocket(router, prudp.SocketConfig{
		Port:               port,
		AccessKey:          svc.AccessKey,
		Negotiator:         negotiator,
		Handler:            handler,
		SupportedFunctions: svc.SupportedFunctions,
		MaxPayload:         svc.MaxPayload,
		AcceptQueue:        svc.AcceptQueue,
		NegotiationTimeout: svc.NegotiationTimeout.Duration,
		IdleTimeout:        svc.IdleTimeout.Duration,
		RetransmitTimeout:  s.cfg.RetransmitTimeout,
		MaxRetransmits:     s.cfg.MaxRetransmits,
		StrictSignatures:   svc.StrictSignatures,
		Metrics:            s.metrics,
		Logger:             s.logger.With("service", svc.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("service %q: %w", svc.Name, err)
	}
	return sock, nil
}

func (s *Server) acceptLoop(ctx context.Context, name string, sock *prudp.Socket) {
	defer s.wg.Done()
	for {
		conn, err := sock.Accept(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, prudp.ErrSocketClosed) {
				s.logger.Warn("accept failed", "service", name, "err", err)
			}
			return
		}
		s.logger.Info("connection established", "service", name, "peer", conn.Peer().String(), "id", conn.ID())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			select {
			case <-conn.Done():
				s.logger.Debug("connection closed", "service", name, "peer", conn.Peer().String())
			case <-ctx.Done():
			}
		}()
	}
}

// logHandler is the handler used when none is configured.
type logHandler struct {
	logger *slog.Logger
}

func (h logHandler) HandleMessage(_ context.Context, c *prudp.Connection, msg prudp.Message) {
	h.logger.Debug("message received",
		"peer", c.Peer().String(),
		"seq", msg.SequenceID,
		"reliable", msg.Reliable,
		"size", len(msg.Payload),
	)
}

func (s *Server) startMetricsLogger(ctx context.Context) {
	if s.cfg.MetricsInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.MetricsInterval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.logMetrics()
			}
		}
	}()
}

func (s *Server) logMetrics() {
	m := s.metrics
	p := m.NegotiationLatency.Percentiles(0.95, 0.99)
	s.logger.Info("prudp metrics",
		"active", m.ActiveConnections.Load(),
		"opened", m.ConnectionsOpened.Load(),
		"evicted", m.ConnectionsEvicted.Load(),
		"established", m.Established.Load(),
		"accept_timeouts", m.AcceptTimeouts.Load(),
		"neg_fail", m.NegotiationFailures.Load(),
		"datagrams_in", m.DatagramsIn.Load(),
		"datagrams_out", m.DatagramsOut.Load(),
		"bytes_in", m.BytesIn.Load(),
		"bytes_out", m.BytesOut.Load(),
		"msgs_in", m.MessagesIn.Load(),
		"msgs_out", m.MessagesOut.Load(),
		"retransmits", m.Retransmits.Load(),
		"acks", m.AcksReceived.Load(),
		"decode_fail", m.DropDecodeFailure.Load(),
		"unknown_port", m.DropUnknownPort.Load(),
		"rate_limit", m.DropRateLimit.Load(),
		"sig_mismatch", m.DropSignatureMismatch.Load(),
		"duplicate", m.DropDuplicate.Load(),
		"stale", m.DropStale.Load(),
		"window", m.DropOutsideWindow.Load(),
		"neg_p95", p[0],
		"neg_p99", p[1],
	)
}
