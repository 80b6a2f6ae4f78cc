// Package keystream negotiates the per-connection payload ciphers used by a
// PRUDP connection once its CONNECT handshake arrives.
package keystream

import (
	"context"
	"crypto/cipher"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// ErrNegotiationTimeout is returned by WithTimeout when negotiation outlives
// its budget.
var ErrNegotiationTimeout = errors.New("keystream: negotiation timed out")

// Pair holds the ciphers for one connection. Outbound and Inbound are stateful
// and must be fed reliable payloads strictly in sequence order.
type Pair struct {
	Outbound   cipher.Stream
	Inbound    cipher.Stream
	SessionKey []byte
	// Unreliable returns a fresh stream for an unreliable DATA packet. Nil
	// means unreliable payloads travel verbatim.
	Unreliable func(seq uint16) (cipher.Stream, error)
}

// Handshake describes the CONNECT that triggered negotiation.
type Handshake struct {
	Peer         netip.AddrPort
	Port         uint8
	ConnectionID uint32
	SessionID    uint8
	// Payload is the CONNECT payload, a ticket for secure services.
	Payload []byte
}

// Negotiator produces the cipher pair for a new connection. It may block.
type Negotiator interface {
	Negotiate(ctx context.Context, hs Handshake) (Pair, error)
}

// NegotiatorFunc adapts a function to Negotiator.
type NegotiatorFunc func(ctx context.Context, hs Handshake) (Pair, error)

func (f NegotiatorFunc) Negotiate(ctx context.Context, hs Handshake) (Pair, error) {
	return f(ctx, hs)
}

// WithTimeout bounds each negotiation by d. A zero d returns n unchanged.
func WithTimeout(n Negotiator, d time.Duration) Negotiator {
	if d <= 0 {
		return n
	}
	return NegotiatorFunc(func(ctx context.Context, hs Handshake) (Pair, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		type result struct {
			pair Pair
			err  error
		}
		done := make(chan result, 1)
		go func() {
			pair, err := n.Negotiate(ctx, hs)
			done <- result{pair: pair, err: err}
		}()
		var res result
		select {
		case res = <-done:
			if res.err == nil {
				return res.pair, nil
			}
		case <-ctx.Done():
			res.err = ctx.Err()
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Pair{}, fmt.Errorf("%w after %s", ErrNegotiationTimeout, d)
		}
		return Pair{}, res.err
	})
}

type identity struct{}

func (identity) XORKeyStream(dst, src []byte) {
	copy(dst, src)
}

// Plaintext leaves payloads untouched in both directions.
func Plaintext() Negotiator {
	return NegotiatorFunc(func(context.Context, Handshake) (Pair, error) {
		return Pair{Outbound: identity{}, Inbound: identity{}}, nil
	})
}
