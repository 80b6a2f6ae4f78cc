package prudp

import (
	"context"
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bridgefall/prudp/packet"
)

const testAccessKey = "6f599f81"

var (
	serverPort = packet.NewVirtualPort(1, packet.StreamRVSecure)
	clientPort = packet.NewVirtualPort(15, packet.StreamRVSecure)
)

type datagram struct {
	data []byte
	addr net.Addr
}

// fakeConn is an in-memory net.PacketConn. Reads come from in, writes land
// in sent.
type fakeConn struct {
	in     chan datagram
	sent   chan datagram
	closed chan struct{}
	local  net.Addr

	mu       sync.Mutex
	deadline time.Time
	wake     chan struct{}
	readErr  error
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan datagram, 64),
		sent:   make(chan datagram, 4096),
		closed: make(chan struct{}),
		local:  &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 60000},
		wake:   make(chan struct{}),
	}
}

func (f *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		f.mu.Lock()
		deadline := f.deadline
		wake := f.wake
		readErr := f.readErr
		f.mu.Unlock()
		if readErr != nil {
			return 0, nil, readErr
		}

		var timeout <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, nil, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(d)
			timeout = timer.C
		}
		stop := func() {
			if timer != nil {
				timer.Stop()
			}
		}
		select {
		case d := <-f.in:
			stop()
			return copy(b, d.data), d.addr, nil
		case <-f.closed:
			stop()
			return 0, nil, net.ErrClosed
		case <-timeout:
			return 0, nil, os.ErrDeadlineExceeded
		case <-wake:
			stop()
		}
	}
}

func (f *fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-f.closed:
		return 0, net.ErrClosed
	default:
	}
	f.sent <- datagram{data: append([]byte(nil), b...), addr: addr}
	return len(b), nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) LocalAddr() net.Addr { return f.local }

func (f *fakeConn) SetDeadline(t time.Time) error { return f.SetReadDeadline(t) }

func (f *fakeConn) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	f.deadline = t
	close(f.wake)
	f.wake = make(chan struct{})
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

// failReads makes every subsequent read return err.
func (f *fakeConn) failReads(err error) {
	f.mu.Lock()
	f.readErr = err
	close(f.wake)
	f.wake = make(chan struct{})
	f.mu.Unlock()
}

func (f *fakeConn) inject(data []byte, from netip.AddrPort) {
	f.in <- datagram{data: data, addr: net.UDPAddrFromAddrPort(from)}
}

// next returns the next packet written by the server.
func (f *fakeConn) next(t *testing.T) *packet.Packet {
	t.Helper()
	select {
	case d := <-f.sent:
		p, _, err := packet.Decode(d.data)
		if err != nil {
			t.Fatalf("server wrote undecodable packet: %v", err)
		}
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a server packet")
		return nil
	}
}

func (f *fakeConn) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case d := <-f.sent:
		p, _, _ := packet.Decode(d.data)
		t.Fatalf("unexpected server packet %v", p)
	case <-time.After(30 * time.Millisecond):
	}
}

func (f *fakeConn) drain() int {
	n := 0
	for {
		select {
		case <-f.sent:
			n++
		default:
			return n
		}
	}
}

func newTestSocket(t *testing.T, cfg SocketConfig) (*Socket, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	r := NewRouter(conn, RouterConfig{})
	if cfg.AccessKey == "" {
		cfg.AccessKey = testAccessKey
	}
	if cfg.Port == 0 {
		cfg.Port = serverPort
	}
	s, err := NewSocket(r, cfg)
	if err != nil {
		t.Fatalf("new socket: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return s, conn
}

// testPeer plays the client side of a connection against a socket.
type testPeer struct {
	t         *testing.T
	sock      *Socket
	conn      *fakeConn
	signer    *packet.Signer
	addr      netip.AddrPort
	port      packet.VirtualPort
	session   uint8
	serverSig packet.Signature
	clientSig packet.Signature
	seq       uint16
}

func newTestPeer(t *testing.T, sock *Socket, conn *fakeConn, addr string) *testPeer {
	t.Helper()
	signer, err := packet.NewSigner(testAccessKey)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return &testPeer{
		t:         t,
		sock:      sock,
		conn:      conn,
		signer:    signer,
		addr:      netip.MustParseAddrPort(addr),
		port:      clientPort,
		session:   165,
		clientSig: packet.Signature{0xd3, 0xf0, 0x71, 0xbc, 0xe3, 0x72, 0x72, 0x1e, 0x9d, 0xb3, 0xf6, 0x37, 0xe9, 0xf0, 0x2c, 0xc5},
	}
}

func (p *testPeer) peer() PeerAddr {
	return PeerAddr{Addr: p.addr, Port: p.port}
}

func (p *testPeer) build(typ packet.Type, flags packet.Flags, seq uint16, opts []packet.Option, payload []byte) *packet.Packet {
	return &packet.Packet{
		Source:      p.port,
		Destination: p.sock.port,
		Type:        typ,
		Flags:       flags,
		SessionID:   p.session,
		SequenceID:  seq,
		Options:     opts,
		Payload:     payload,
	}
}

func (p *testPeer) send(pkt *packet.Packet) {
	p.t.Helper()
	var err error
	switch pkt.Type {
	case packet.TypeSyn, packet.TypeConnect:
		err = p.signer.SignInPlace(pkt, nil, nil)
	default:
		err = p.signer.SignInPlace(pkt, nil, p.serverSig[:])
	}
	if err != nil {
		p.t.Fatalf("sign: %v", err)
	}
	p.sock.ProcessPacket(context.Background(), p.addr, pkt)
}

func (p *testPeer) synPacket() *packet.Packet {
	return p.build(packet.TypeSyn, packet.FlagNeedAck|packet.FlagHasSize, 0, []packet.Option{
		packet.SupportedFunctions(0x104),
		packet.ConnectionSignature(packet.Signature{}),
		packet.MaxSubstreamID(0),
	}, nil)
}

func (p *testPeer) connectPacket() *packet.Packet {
	return p.build(packet.TypeConnect, packet.FlagReliable|packet.FlagNeedAck|packet.FlagHasSize, 1, []packet.Option{
		packet.SupportedFunctions(0),
		packet.ConnectionSignature(p.clientSig),
		packet.InitialSequenceID(0xf4f7),
		packet.MaxSubstreamID(0),
	}, nil)
}

// handshake runs SYN and CONNECT and returns the established connection.
func (p *testPeer) handshake() *Connection {
	p.t.Helper()
	p.send(p.synPacket())
	reply := p.conn.next(p.t)
	if reply.Type != packet.TypeSyn || !reply.Flags.Has(packet.FlagAck) {
		p.t.Fatalf("expected SYN ack, got %v", reply)
	}
	sig, ok := reply.ConnectionSignature()
	if !ok {
		p.t.Fatalf("SYN ack without connection signature")
	}
	p.serverSig = sig

	p.send(p.connectPacket())
	reply = p.conn.next(p.t)
	if reply.Type != packet.TypeConnect || !reply.Flags.Has(packet.FlagAck) {
		p.t.Fatalf("expected CONNECT ack, got %v", reply)
	}
	p.seq = 2

	c, ok := p.sock.Connection(p.peer())
	if !ok || c.State() != StateEstablished {
		p.t.Fatalf("connection not established")
	}
	return c
}

func (p *testPeer) data(seq uint16, fragment uint8, payload string) *packet.Packet {
	return p.build(packet.TypeData, packet.FlagReliable|packet.FlagNeedAck|packet.FlagHasSize, seq,
		[]packet.Option{packet.FragmentID(fragment)}, []byte(payload))
}

// collector records delivered messages.
type collector struct {
	mu   sync.Mutex
	msgs []Message
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 1024)}
}

func (c *collector) HandleMessage(_ context.Context, _ *Connection, msg Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = string(m.Payload)
	}
	return out
}

func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i+1)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
