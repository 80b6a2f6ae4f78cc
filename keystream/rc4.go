package keystream

import (
	"context"
	"crypto/cipher"
	"crypto/rc4"
	"fmt"
)

// DefaultRC4Key is the key shared by unauthenticated Wii U services.
const DefaultRC4Key = "CD&ML"

// RC4 returns the legacy negotiator: each direction runs its own RC4 state
// seeded with key. Unreliable packets restart the keystream per packet.
func RC4(key []byte) (Negotiator, error) {
	if len(key) == 0 {
		key = []byte(DefaultRC4Key)
	}
	if _, err := rc4.NewCipher(key); err != nil {
		return nil, fmt.Errorf("keystream: rc4 key: %w", err)
	}
	key = append([]byte(nil), key...)
	return NegotiatorFunc(func(context.Context, Handshake) (Pair, error) {
		out, _ := rc4.NewCipher(key)
		in, _ := rc4.NewCipher(key)
		return Pair{
			Outbound: out,
			Inbound:  in,
			Unreliable: func(uint16) (cipher.Stream, error) {
				return rc4.NewCipher(key)
			},
		}, nil
	}), nil
}
