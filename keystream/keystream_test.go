package keystream

import (
	"bytes"
	"context"
	"crypto/rc4"
	"errors"
	"testing"
	"time"
)

func TestRC4DirectionsAreIndependent(t *testing.T) {
	n, err := RC4(nil)
	if err != nil {
		t.Fatalf("rc4: %v", err)
	}
	pair, err := n.Negotiate(context.Background(), Handshake{})
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	ref, _ := rc4.NewCipher([]byte(DefaultRC4Key))

	msg := []byte("AuthenticationInfo")
	want := make([]byte, len(msg))
	ref.XORKeyStream(want, msg)

	// Advancing inbound must not move outbound.
	scratch := make([]byte, 64)
	pair.Inbound.XORKeyStream(scratch, scratch)

	got := make([]byte, len(msg))
	pair.Outbound.XORKeyStream(got, msg)
	if !bytes.Equal(got, want) {
		t.Fatalf("outbound keystream disturbed by inbound use")
	}
}

func TestRC4IsStatefulAcrossPayloads(t *testing.T) {
	n, _ := RC4([]byte("key"))
	pair, _ := n.Negotiate(context.Background(), Handshake{})
	ref, _ := rc4.NewCipher([]byte("key"))

	first := []byte("hello")
	second := []byte("world")
	whole := append(append([]byte{}, first...), second...)
	ref.XORKeyStream(whole, whole)

	pair.Outbound.XORKeyStream(first, first)
	pair.Outbound.XORKeyStream(second, second)
	if !bytes.Equal(append(first, second...), whole) {
		t.Fatalf("outbound keystream restarted between payloads")
	}

	u1, err := pair.Unreliable(1)
	if err != nil {
		t.Fatalf("unreliable: %v", err)
	}
	u2, _ := pair.Unreliable(2)
	a := []byte("ping")
	b := []byte("ping")
	u1.XORKeyStream(a, a)
	u2.XORKeyStream(b, b)
	if !bytes.Equal(a, b) {
		t.Fatalf("unreliable rc4 streams should restart per packet")
	}
}

func TestChaCha20PeersInteroperate(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	n, err := ChaCha20(key)
	if err != nil {
		t.Fatalf("chacha20: %v", err)
	}
	hs := Handshake{ConnectionID: 0xCAFE}
	server, _ := n.Negotiate(context.Background(), hs)
	peer, _ := n.Negotiate(context.Background(), hs)

	msg := []byte("reliable payload")
	ct := make([]byte, len(msg))
	server.Outbound.XORKeyStream(ct, msg)
	if bytes.Equal(ct, msg) {
		t.Fatalf("payload not encrypted")
	}
	// The peer decrypts server traffic with its copy of the server's outbound stream.
	pt := make([]byte, len(ct))
	peer.Outbound.XORKeyStream(pt, ct)
	if !bytes.Equal(pt, msg) {
		t.Fatalf("decrypt mismatch")
	}

	in := make([]byte, len(msg))
	fresh, _ := n.Negotiate(context.Background(), hs)
	fresh.Inbound.XORKeyStream(in, msg)
	if bytes.Equal(in, ct) {
		t.Fatalf("directions share a keystream")
	}

	u1, _ := server.Unreliable(1)
	u2, _ := server.Unreliable(2)
	a, b := []byte("unreliable"), []byte("unreliable")
	u1.XORKeyStream(a, a)
	u2.XORKeyStream(b, b)
	if bytes.Equal(a, b) {
		t.Fatalf("unreliable streams not keyed by sequence")
	}

	if _, err := ChaCha20([]byte("short")); err == nil {
		t.Fatalf("expected key size error")
	}
}

func TestPlaintext(t *testing.T) {
	pair, err := Plaintext().Negotiate(context.Background(), Handshake{})
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	msg := []byte("clear")
	out := make([]byte, len(msg))
	pair.Outbound.XORKeyStream(out, msg)
	if !bytes.Equal(out, msg) {
		t.Fatalf("plaintext stream changed payload")
	}
	if pair.Unreliable != nil {
		t.Fatalf("plaintext should not set an unreliable stream")
	}
}

func TestWithTimeout(t *testing.T) {
	slow := NegotiatorFunc(func(ctx context.Context, hs Handshake) (Pair, error) {
		<-ctx.Done()
		return Pair{}, ctx.Err()
	})
	_, err := WithTimeout(slow, 20*time.Millisecond).Negotiate(context.Background(), Handshake{})
	if !errors.Is(err, ErrNegotiationTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	fast := Plaintext()
	if _, err := WithTimeout(fast, time.Second).Negotiate(context.Background(), Handshake{}); err != nil {
		t.Fatalf("fast negotiator failed: %v", err)
	}

	failing := NegotiatorFunc(func(context.Context, Handshake) (Pair, error) {
		return Pair{}, errors.New("bad ticket")
	})
	if _, err := WithTimeout(failing, time.Second).Negotiate(context.Background(), Handshake{}); err == nil || errors.Is(err, ErrNegotiationTimeout) {
		t.Fatalf("expected negotiator error, got %v", err)
	}
}
