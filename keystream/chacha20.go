package keystream

import (
	"context"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20"
)

const (
	dirOutbound byte = 0x01
	dirInbound  byte = 0x02
	dirUnrel    byte = 0x03
)

// ChaCha20 returns a negotiator for peers that agree on a 32 byte key. Nonces
// bind the connection id and direction; unreliable packets add the sequence id.
// Outbound and inbound are named from the server's point of view.
func ChaCha20(key []byte) (Negotiator, error) {
	if len(key) != chacha20.KeySize {
		return nil, fmt.Errorf("keystream: chacha20 key must be %d bytes, got %d", chacha20.KeySize, len(key))
	}
	key = append([]byte(nil), key...)
	return NegotiatorFunc(func(_ context.Context, hs Handshake) (Pair, error) {
		out, err := chacha20.NewUnauthenticatedCipher(key, chachaNonce(hs.ConnectionID, dirOutbound, 0))
		if err != nil {
			return Pair{}, err
		}
		in, err := chacha20.NewUnauthenticatedCipher(key, chachaNonce(hs.ConnectionID, dirInbound, 0))
		if err != nil {
			return Pair{}, err
		}
		connID := hs.ConnectionID
		return Pair{
			Outbound: out,
			Inbound:  in,
			Unreliable: func(seq uint16) (cipher.Stream, error) {
				return chacha20.NewUnauthenticatedCipher(key, chachaNonce(connID, dirUnrel, seq))
			},
		}, nil
	}), nil
}

func chachaNonce(connID uint32, dir byte, seq uint16) []byte {
	nonce := make([]byte, chacha20.NonceSize)
	binary.LittleEndian.PutUint32(nonce[0:4], connID)
	nonce[4] = dir
	binary.LittleEndian.PutUint16(nonce[5:7], seq)
	return nonce
}
