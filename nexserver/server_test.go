package nexserver

import (
	"bytes"
	"context"
	"crypto/rc4"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/bridgefall/prudp/keystream"
	"github.com/bridgefall/prudp/packet"
	"github.com/bridgefall/prudp/profile"
	"github.com/bridgefall/prudp/prudp"
)

func TestServerHandshake(t *testing.T) {
	var logs bytes.Buffer
	received := make(chan string, 1)
	srv, err := NewServer(Config{
		ListenAddr: "127.0.0.1:0",
		Services:   []profile.Service{authService()},
		Logger:     slog.New(slog.NewTextHandler(&logs, nil)),
		Handler: prudp.HandlerFunc(func(_ context.Context, _ *prudp.Connection, msg prudp.Message) {
			received <- string(msg.Payload)
		}),
		MetricsInterval: -1,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Skipf("server did not start")
	}
	port := packet.NewVirtualPort(1, packet.StreamRVSecure)
	if _, ok := srv.Socket(port); !ok {
		t.Fatalf("socket for %s missing", port)
	}

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("client listen: %v", err)
	}
	defer client.Close()
	server := srv.Addr().(*net.UDPAddr)
	signer, err := packet.NewSigner("6f599f81")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	clientPort := packet.NewVirtualPort(15, packet.StreamRVSecure)

	roundTrip := func(p *packet.Packet, connSig []byte) *packet.Packet {
		t.Helper()
		if err := signer.SignInPlace(p, nil, connSig); err != nil {
			t.Fatalf("sign: %v", err)
		}
		raw, err := p.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if _, err := client.WriteToUDP(raw, server); err != nil {
			t.Fatalf("write: %v", err)
		}
		buf := make([]byte, 1500)
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := client.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		reply, _, err := packet.Decode(buf[:n])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return reply
	}

	syn := roundTrip(&packet.Packet{
		Source:      clientPort,
		Destination: port,
		Type:        packet.TypeSyn,
		Flags:       packet.FlagNeedAck | packet.FlagHasSize,
		Options: []packet.Option{
			packet.SupportedFunctions(0x104),
			packet.ConnectionSignature(packet.Signature{}),
			packet.MaxSubstreamID(0),
		},
	}, nil)
	serverSig, ok := syn.ConnectionSignature()
	if !ok {
		t.Fatalf("SYN reply without signature: %v", syn)
	}
	roundTrip(&packet.Packet{
		Source:      clientPort,
		Destination: port,
		Type:        packet.TypeConnect,
		Flags:       packet.FlagReliable | packet.FlagNeedAck | packet.FlagHasSize,
		SequenceID:  1,
		Options: []packet.Option{
			packet.SupportedFunctions(0),
			packet.ConnectionSignature(packet.Signature{1, 2, 3}),
			packet.MaxSubstreamID(0),
		},
	}, nil)

	// The default cipher is RC4 keyed with CD&ML.
	payload := []byte{0x1a, 0x00, 0x00, 0x00}
	ack := roundTrip(&packet.Packet{
		Source:      clientPort,
		Destination: port,
		Type:        packet.TypeData,
		Flags:       packet.FlagReliable | packet.FlagNeedAck | packet.FlagHasSize,
		SequenceID:  2,
		Options:     []packet.Option{packet.FragmentID(0)},
		Payload:     rc4Seal(t, payload),
	}, serverSig[:])
	if !ack.Flags.Has(packet.FlagAck) {
		t.Fatalf("expected ack, got %v", ack)
	}
	select {
	case got := <-received:
		if got != string(payload) {
			t.Fatalf("handler got %x", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not return")
	}
	if srv.Metrics().Established.Load() != 1 {
		t.Fatalf("established = %d", srv.Metrics().Established.Load())
	}
	if !bytes.Contains(logs.Bytes(), []byte("connection established")) {
		t.Fatalf("accept loop did not log the connection:\n%s", logs.String())
	}
}

func TestServerBindFailure(t *testing.T) {
	srv, err := NewServer(Config{
		ListenAddr: "not-an-address",
		Services:   []profile.Service{authService()},
		Logger:     slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Serve(context.Background()); err == nil {
		t.Fatalf("expected listen error")
	}
	if srv.Addr() != nil {
		t.Fatalf("addr should be nil before listening")
	}
}

func TestLogMetrics(t *testing.T) {
	var logs bytes.Buffer
	srv, err := NewServer(Config{
		ListenAddr: "127.0.0.1:0",
		Services:   []profile.Service{authService()},
		Logger:     slog.New(slog.NewTextHandler(&logs, nil)),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv.Metrics().DatagramsIn.Add(3)
	srv.logMetrics()
	if !bytes.Contains(logs.Bytes(), []byte("datagrams_in=3")) {
		t.Fatalf("metrics line missing counters:\n%s", logs.String())
	}
}

func rc4Seal(t *testing.T, plain []byte) []byte {
	t.Helper()
	c, err := rc4.NewCipher([]byte(keystream.DefaultRC4Key))
	if err != nil {
		t.Fatalf("rc4: %v", err)
	}
	out := make([]byte, len(plain))
	c.XORKeyStream(out, plain)
	return out
}
