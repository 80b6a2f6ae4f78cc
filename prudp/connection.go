package prudp

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/bridgefall/prudp/keystream"
	"github.com/bridgefall/prudp/packet"
	"github.com/bridgefall/prudp/replay"
)

// State is the server-side lifecycle of a connection.
type State int32

const (
	StateNew State = iota
	StateSynReceived
	StateConnectReceived
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateSynReceived:
		return "syn_received"
	case StateConnectReceived:
		return "connect_received"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// PeerAddr identifies a connection: the UDP address of the client plus the
// virtual port it sends from.
type PeerAddr struct {
	Addr netip.AddrPort
	Port packet.VirtualPort
}

func (a PeerAddr) String() string {
	return fmt.Sprintf("%s/%s", a.Addr, a.Port)
}

// Message is one complete inbound payload, decrypted and reassembled.
type Message struct {
	Payload     []byte
	Reliable    bool
	SequenceID  uint16
	SubstreamID uint8
}

// Handler consumes inbound messages. Reliable messages of one connection
// arrive one at a time in sequence order. The handler may call Send.
type Handler interface {
	HandleMessage(ctx context.Context, c *Connection, msg Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c *Connection, msg Message)

func (f HandlerFunc) HandleMessage(ctx context.Context, c *Connection, msg Message) {
	f(ctx, c, msg)
}

// Connection is one client of a Socket.
type Connection struct {
	socket *Socket
	peer   PeerAddr
	id     uint32
	done   chan struct{}

	// Lock order is deliverMu then mu. Inbound packets hold deliverMu for the
	// whole state machine step and its deliveries; handlers run with mu
	// released, so they may call Send or Close.
	mu        sync.Mutex
	deliverMu sync.Mutex

	state        State
	serverSig    packet.Signature
	clientSig    packet.Signature
	hasClientSig bool
	sessionID    uint8
	sessionKey   []byte
	pair         keystream.Pair

	inExpected     uint16
	outNext        uint16
	unreliableNext uint16

	reorder      reorderBuffer
	fragments    [][]byte
	fragmentSize int
	skipMessage  bool
	pending      pendingTable
	unreliable   replay.Filter

	lastSeen time.Time
	synAt    time.Time
}

// outcome collects what must happen after the state lock is released.
type outcome struct {
	deliveries  []Message
	established bool
	remove      bool
	restart     bool
}

func newConnection(s *Socket, peer PeerAddr, id uint32, now time.Time) *Connection {
	return &Connection{
		socket:   s,
		peer:     peer,
		id:       id,
		done:     make(chan struct{}),
		lastSeen: now,
	}
}

// Peer returns the connection's address key.
func (c *Connection) Peer() PeerAddr {
	return c.peer
}

// ID returns the random id assigned when the connection was created.
func (c *Connection) ID() uint32 {
	return c.id
}

// Done is closed once the connection is evicted.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) SessionID() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ServerSignature returns the signature handed out in the SYN reply.
func (c *Connection) ServerSignature() packet.Signature {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverSig
}

// ClientSignature returns the signature the client sent with CONNECT.
func (c *Connection) ClientSignature() (packet.Signature, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientSig, c.hasClientSig
}

func (c *Connection) String() string {
	return fmt.Sprintf("conn(%08x %s)", c.id, c.peer)
}

// process runs one inbound packet through the state machine and reports
// whether the caller should retry on a fresh connection.
func (c *Connection) process(ctx context.Context, p *packet.Packet) bool {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return true
	}
	now := c.socket.now()
	c.lastSeen = now

	var out outcome
	c.handle(ctx, p, now, &out)
	c.mu.Unlock()

	for _, msg := range out.deliveries {
		c.socket.deliver(ctx, c, msg)
	}
	if out.remove {
		c.socket.remove(c)
	}
	if out.established {
		c.socket.enqueueAccept(c)
	}
	return out.restart
}

func (c *Connection) handle(ctx context.Context, p *packet.Packet, now time.Time, out *outcome) {
	s := c.socket
	if s.cfg.StrictSignatures && !c.verifyLocked(p) {
		s.drops.drop(DropSignatureMismatch, "inbound signature mismatch", "peer", c.peer, "type", p.Type)
		return
	}
	if p.Flags.Has(packet.FlagMultiAck) {
		c.handleAggregateAck(p)
		return
	}
	if p.Flags.Has(packet.FlagAck) {
		if c.pending.ack(p.SequenceID) {
			s.metrics.AcksReceived.Inc()
		}
		return
	}

	switch p.Type {
	case packet.TypeSyn:
		c.handleSyn(p, now, out)
	case packet.TypeConnect:
		c.handleConnect(ctx, p, out)
	case packet.TypeData:
		c.handleData(p, out)
	case packet.TypeDisconnect:
		c.ackIfNeeded(p)
		c.closeLocked("peer disconnect")
		out.remove = true
	case packet.TypePing:
		c.ackIfNeeded(p)
	default:
		s.drops.drop(DropUnsupported, "unsupported packet type", "peer", c.peer, "type", p.Type)
	}
}

func (c *Connection) verifyLocked(p *packet.Packet) bool {
	signer := c.socket.signer
	switch p.Type {
	case packet.TypeSyn, packet.TypeConnect:
		return signer.Verify(p, nil, nil)
	default:
		return signer.Verify(p, c.sessionKey, c.serverSig[:])
	}
}

func (c *Connection) handleAggregateAck(p *packet.Packet) {
	s := c.socket
	ack, err := packet.DecodeAggregateAck(p.Payload)
	if err != nil {
		s.drops.drop(DropMalformedAck, err.Error(), "peer", c.peer)
		return
	}
	if n := c.pending.ackAggregate(ack); n > 0 {
		s.metrics.AcksReceived.Add(int64(n))
	}
}

func (c *Connection) handleSyn(p *packet.Packet, now time.Time, out *outcome) {
	s := c.socket
	if !c.synAt.IsZero() && now.Sub(c.synAt) < s.cfg.SynHoldOff {
		s.drops.drop(DropSynHoldOff, "duplicate syn", "peer", c.peer)
		return
	}
	if c.state >= StateConnectReceived {
		s.logger.Info("peer restarted handshake", "peer", c.peer, "state", c.state)
		c.closeLocked("peer restarted handshake")
		out.remove = true
		out.restart = true
		return
	}

	sig, err := s.signer.ConnectionSignature(c.peer.Addr, c.peer.Port)
	if err != nil {
		s.logger.Error("derive connection signature", "peer", c.peer, "err", err)
		return
	}
	c.serverSig = sig
	c.state = StateSynReceived
	c.synAt = now

	reply := packet.BaseResponse(p)
	reply.Flags = packet.FlagAck | packet.FlagHasSize
	reply.AddOption(packet.ConnectionSignature(sig))
	for _, opt := range p.Options {
		switch opt.ID {
		case packet.OptionSupportedFunctions:
			reply.AddOption(packet.SupportedFunctions(opt.Uint32() & s.cfg.SupportedFunctions))
		case packet.OptionMaxSubstreamID:
			reply.AddOption(packet.MaxSubstreamID(opt.Uint8()))
		}
	}
	c.sendLocked(reply, nil, nil)
}

func (c *Connection) handleConnect(ctx context.Context, p *packet.Packet, out *outcome) {
	s := c.socket
	switch c.state {
	case StateEstablished:
		// Our reply was lost; answer again without renegotiating.
		c.sendConnectAck(p)
		return
	case StateSynReceived:
	default:
		s.drops.drop(DropBadState, "connect before syn", "peer", c.peer, "state", c.state)
		return
	}

	clientSig, ok := p.ConnectionSignature()
	if !ok || clientSig.IsZero() {
		if s.cfg.StrictSignatures {
			s.drops.drop(DropMissingSignature, ErrMissingSignature.Error(), "peer", c.peer)
			return
		}
		s.logger.Warn("connect without client connection signature", "peer", c.peer)
	}
	c.clientSig = clientSig
	c.hasClientSig = ok && !clientSig.IsZero()
	c.sessionID = p.SessionID
	c.inExpected = p.SequenceID + 1
	c.outNext = 1
	c.unreliableNext = 1
	c.reorder.reset()
	c.pending.reset()
	c.unreliable.Reset()
	c.fragments = nil
	c.fragmentSize = 0
	c.skipMessage = false
	c.state = StateConnectReceived

	start := time.Now()
	pair, err := s.negotiator.Negotiate(ctx, keystream.Handshake{
		Peer:         c.peer.Addr,
		Port:         uint8(c.peer.Port),
		ConnectionID: c.id,
		SessionID:    p.SessionID,
		Payload:      p.Payload,
	})
	s.metrics.NegotiationLatency.Observe(time.Since(start))
	if err == nil && (pair.Outbound == nil || pair.Inbound == nil) {
		err = fmt.Errorf("negotiator returned an incomplete cipher pair")
	}
	if err != nil {
		s.metrics.NegotiationFailures.Inc()
		s.logger.Warn("crypto negotiation failed", "peer", c.peer, "err", err)
		c.closeLocked("negotiation failed")
		out.remove = true
		return
	}
	c.pair = pair
	c.sessionKey = pair.SessionKey
	c.state = StateEstablished
	s.metrics.Established.Inc()
	c.sendConnectAck(p)
	out.established = true
}

func (c *Connection) sendConnectAck(p *packet.Packet) {
	reply := packet.BaseResponse(p)
	reply.Flags = packet.FlagAck | packet.FlagHasSize
	reply.AddOption(packet.ConnectionSignature(packet.Signature{}))
	for _, opt := range p.Options {
		switch opt.ID {
		case packet.OptionSupportedFunctions, packet.OptionMaxSubstreamID:
			reply.AddOption(opt)
		}
	}
	c.sendLocked(reply, nil, c.clientSig[:])
}

func (c *Connection) handleData(p *packet.Packet, out *outcome) {
	s := c.socket
	if c.state != StateEstablished {
		s.drops.drop(DropBadState, "data before connect", "peer", c.peer, "state", c.state)
		return
	}
	if !p.Flags.Has(packet.FlagReliable) {
		c.handleUnreliable(p, out)
		return
	}

	dist := p.SequenceID - c.inExpected
	switch {
	case dist >= 0x8000:
		// Already delivered; the peer missed our ack.
		s.drops.drop(DropStale, "stale reliable packet", "peer", c.peer, "seq", p.SequenceID, "expected", c.inExpected)
		c.ackIfNeeded(p)
		return
	case int(dist) >= s.cfg.ReorderWindow:
		s.drops.drop(DropOutsideWindow, "reliable packet beyond reorder window", "peer", c.peer, "seq", p.SequenceID, "expected", c.inExpected)
		return
	}
	if !c.reorder.insert(p, c.inExpected) {
		s.drops.drop(DropDuplicate, "received reliable packet twice", "peer", c.peer, "seq", p.SequenceID)
		c.ackIfNeeded(p)
		return
	}
	c.ackIfNeeded(p)

	for q := c.reorder.pop(c.inExpected); q != nil; q = c.reorder.pop(c.inExpected) {
		c.inExpected++
		payload := make([]byte, len(q.Payload))
		c.pair.Inbound.XORKeyStream(payload, q.Payload)
		c.appendFragment(q, payload, out)
	}
}

func (c *Connection) appendFragment(p *packet.Packet, payload []byte, out *outcome) {
	final := p.FragmentID() == 0
	if c.skipMessage {
		if final {
			c.skipMessage = false
		}
		return
	}
	if c.fragmentSize+len(payload) > c.socket.cfg.MaxMessageSize {
		c.socket.drops.drop(DropMessageTooLarge, "reassembled message too large", "peer", c.peer, "size", c.fragmentSize+len(payload))
		c.fragments = nil
		c.fragmentSize = 0
		c.skipMessage = !final
		return
	}
	if !final {
		c.fragments = append(c.fragments, payload)
		c.fragmentSize += len(payload)
		return
	}
	msg := payload
	if len(c.fragments) > 0 {
		msg = bytes.Join(append(c.fragments, payload), nil)
	}
	c.fragments = nil
	c.fragmentSize = 0
	out.deliveries = append(out.deliveries, Message{
		Payload:     msg,
		Reliable:    true,
		SequenceID:  p.SequenceID,
		SubstreamID: p.SubstreamID,
	})
}

func (c *Connection) handleUnreliable(p *packet.Packet, out *outcome) {
	s := c.socket
	if !c.unreliable.Accept(p.SequenceID) {
		s.drops.drop(DropDuplicate, "received unreliable packet twice", "peer", c.peer, "seq", p.SequenceID)
		return
	}
	payload := append([]byte(nil), p.Payload...)
	if c.pair.Unreliable != nil {
		stream, err := c.pair.Unreliable(p.SequenceID)
		if err != nil {
			s.logger.Warn("unreliable keystream", "peer", c.peer, "seq", p.SequenceID, "err", err)
			return
		}
		stream.XORKeyStream(payload, payload)
	}
	c.ackIfNeeded(p)
	out.deliveries = append(out.deliveries, Message{
		Payload:     payload,
		SequenceID:  p.SequenceID,
		SubstreamID: p.SubstreamID,
	})
}

func (c *Connection) ackIfNeeded(p *packet.Packet) {
	if !p.Flags.Has(packet.FlagNeedAck) {
		return
	}
	c.sendLocked(packet.BaseAcknowledgement(p), c.sessionKey, c.clientSig[:])
}

// sendLocked signs, encodes and writes p, returning the encoded bytes.
func (c *Connection) sendLocked(p *packet.Packet, sessionKey, connSig []byte) ([]byte, error) {
	s := c.socket
	if err := s.signer.SignInPlace(p, sessionKey, connSig); err != nil {
		return nil, err
	}
	raw, err := p.Encode()
	if err != nil {
		return nil, err
	}
	if err := s.router.writeTo(raw, c.peer.Addr); err != nil {
		s.logger.Warn("write failed", "peer", c.peer, "type", p.Type, "err", err)
		return raw, err
	}
	return raw, nil
}

// Send delivers payload reliably. Payloads larger than the socket's
// MaxPayload are split into fragments.
func (c *Connection) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendableLocked(); err != nil {
		return err
	}
	s := c.socket
	limit := s.cfg.MaxPayload
	count := (len(payload) + limit - 1) / limit
	if count == 0 {
		count = 1
	}
	if count > maxFragments {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}

	now := s.now()
	for i := 0; i < count; i++ {
		chunk := payload[i*limit : min((i+1)*limit, len(payload))]
		fragment := uint8(i + 1)
		if i == count-1 {
			fragment = 0
		}
		enc := make([]byte, len(chunk))
		c.pair.Outbound.XORKeyStream(enc, chunk)
		p := &packet.Packet{
			Source:      s.port,
			Destination: c.peer.Port,
			Type:        packet.TypeData,
			Flags:       packet.FlagReliable | packet.FlagNeedAck,
			SessionID:   c.sessionID,
			SequenceID:  c.outNext,
			Options:     []packet.Option{packet.FragmentID(fragment)},
			Payload:     enc,
		}
		c.outNext++
		raw, err := c.sendLocked(p, c.sessionKey, c.clientSig[:])
		if raw != nil {
			c.pending.add(p.SequenceID, raw, now)
		}
		if err != nil {
			return err
		}
	}
	s.metrics.MessagesOut.Inc()
	return nil
}

// SendUnreliable sends one unacknowledged DATA packet. It is not fragmented.
func (c *Connection) SendUnreliable(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendableLocked(); err != nil {
		return err
	}
	s := c.socket
	if len(payload) > s.cfg.MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}
	seq := c.unreliableNext
	c.unreliableNext++
	enc := append([]byte(nil), payload...)
	if c.pair.Unreliable != nil {
		stream, err := c.pair.Unreliable(seq)
		if err != nil {
			return err
		}
		stream.XORKeyStream(enc, enc)
	}
	p := &packet.Packet{
		Source:      s.port,
		Destination: c.peer.Port,
		Type:        packet.TypeData,
		SessionID:   c.sessionID,
		SequenceID:  seq,
		Options:     []packet.Option{packet.FragmentID(0)},
		Payload:     enc,
	}
	if _, err := c.sendLocked(p, c.sessionKey, c.clientSig[:]); err != nil {
		return err
	}
	s.metrics.MessagesOut.Inc()
	return nil
}

func (c *Connection) sendableLocked() error {
	switch c.state {
	case StateEstablished:
		return nil
	case StateClosed:
		return ErrConnectionClosed
	default:
		return ErrNotEstablished
	}
}

// Close sends DISCONNECT to an established peer and evicts the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateEstablished {
		p := &packet.Packet{
			Source:      c.socket.port,
			Destination: c.peer.Port,
			Type:        packet.TypeDisconnect,
			Flags:       packet.FlagReliable | packet.FlagNeedAck,
			SessionID:   c.sessionID,
			SequenceID:  c.outNext,
		}
		c.outNext++
		_, _ = c.sendLocked(p, c.sessionKey, c.clientSig[:])
	}
	c.closeLocked("closed locally")
	c.mu.Unlock()
	c.socket.remove(c)
	return nil
}

// tick retransmits overdue sends and reports whether the connection was
// evicted for idleness or exhausted retransmissions. A connection busy with a
// negotiation or a send is skipped until the next tick.
func (c *Connection) tick(now time.Time) bool {
	if !c.mu.TryLock() {
		return false
	}
	defer c.mu.Unlock()
	s := c.socket
	if c.state == StateClosed {
		return true
	}
	if now.Sub(c.lastSeen) > s.cfg.IdleTimeout {
		c.closeLocked("idle timeout")
		return true
	}
	for _, e := range c.pending.due(now, s.cfg.RetransmitTimeout) {
		if e.attempts > s.cfg.MaxRetransmits {
			s.logger.Warn("retransmit limit reached", "peer", c.peer, "seq", e.seq, "attempts", e.attempts)
			c.closeLocked("retransmit limit")
			return true
		}
		if err := s.router.writeTo(e.raw, c.peer.Addr); err != nil {
			s.logger.Warn("retransmit failed", "peer", c.peer, "seq", e.seq, "err", err)
		}
		e.attempts++
		e.sentAt = now
		s.metrics.Retransmits.Inc()
	}
	return false
}

func (c *Connection) closeLocked(reason string) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.reorder.reset()
	c.pending.reset()
	c.fragments = nil
	c.fragmentSize = 0
	close(c.done)
	c.socket.metrics.ConnectionsEvicted.Inc()
	c.socket.metrics.ActiveConnections.Dec()
	c.socket.logger.Debug("connection closed", "peer", c.peer, "id", c.id, "reason", reason)
}
