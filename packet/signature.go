package packet

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"net/netip"

	"golang.org/x/crypto/blake2s"
)

const connSigLabel = "prudpcsig"

// ErrEmptyAccessKey is returned when a signer is built without a key.
var ErrEmptyAccessKey = errors.New("prudp: empty access key")

// Signer computes PRUDP v1 packet signatures for one access key.
type Signer struct {
	hmacKey  [md5.Size]byte
	checksum uint32
	sigKey   [32]byte
}

// NewSigner derives the signing keys from the game access key.
func NewSigner(accessKey string) (*Signer, error) {
	if accessKey == "" {
		return nil, ErrEmptyAccessKey
	}
	s := &Signer{hmacKey: md5.Sum([]byte(accessKey))}
	for i := 0; i < len(accessKey); i++ {
		s.checksum += uint32(accessKey[i])
	}
	data := make([]byte, 0, len(connSigLabel)+len(accessKey))
	data = append(data, connSigLabel...)
	data = append(data, accessKey...)
	s.sigKey = blake2s.Sum256(data)
	return s, nil
}

// Sign computes the signature of p. connSig is appended only when non-nil;
// SYN and CONNECT requests are signed without one.
func (s *Signer) Sign(p *Packet, sessionKey, connSig []byte) (Signature, error) {
	var sig Signature
	header, err := p.header()
	if err != nil {
		return sig, err
	}
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], s.checksum)

	mac := hmac.New(md5.New, s.hmacKey[:])
	mac.Write(header[4:])
	mac.Write(sessionKey)
	mac.Write(sum[:])
	mac.Write(connSig)
	for _, opt := range p.Options {
		mac.Write([]byte{byte(opt.ID), byte(len(opt.Data))})
		mac.Write(opt.Data)
	}
	mac.Write(p.Payload)
	copy(sig[:], mac.Sum(nil))
	return sig, nil
}

// SignInPlace computes the signature and stores it in p.Signature.
func (s *Signer) SignInPlace(p *Packet, sessionKey, connSig []byte) error {
	sig, err := s.Sign(p, sessionKey, connSig)
	if err != nil {
		return err
	}
	p.Signature = sig
	return nil
}

// Verify reports whether p carries the expected signature.
func (s *Signer) Verify(p *Packet, sessionKey, connSig []byte) bool {
	want, err := s.Sign(p, sessionKey, connSig)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want[:], p.Signature[:]) == 1
}

// ConnectionSignature derives the server connection signature for a peer.
// It is stable for a given access key, address and virtual port.
func (s *Signer) ConnectionSignature(addr netip.AddrPort, port VirtualPort) (Signature, error) {
	var out Signature
	h, err := blake2s.New128(s.sigKey[:])
	if err != nil {
		return out, err
	}
	ip := addr.Addr().Unmap().AsSlice()
	var tail [3]byte
	binary.BigEndian.PutUint16(tail[:2], addr.Port())
	tail[2] = byte(port)
	h.Write(ip)
	h.Write(tail[:])
	copy(out[:], h.Sum(nil))
	return out, nil
}
