// Package profile describes the PRUDP services a server exposes. A profile is
// portable: it can be written as JSON, YAML or compact CBOR.
package profile

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/bridgefall/prudp/commons/config"
	"github.com/bridgefall/prudp/keystream"
	"github.com/bridgefall/prudp/packet"
)

// Cipher names accepted in Service.Cipher.
const (
	CipherRC4      = "rc4"
	CipherChaCha20 = "chacha20"
	CipherNone     = "none"
)

// Service defines one virtual-port endpoint.
type Service struct {
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Port       uint8  `json:"port" yaml:"port"`
	StreamType string `json:"stream_type" yaml:"stream_type"`
	AccessKey  string `json:"access_key" yaml:"access_key"`
	// Cipher defaults to rc4.
	Cipher string `json:"cipher,omitempty" yaml:"cipher,omitempty"`
	// CipherKey is the raw RC4 key, or the base64 ChaCha20 key.
	CipherKey string `json:"cipher_key,omitempty" yaml:"cipher_key,omitempty"`

	SupportedFunctions uint32          `json:"supported_functions,omitempty" yaml:"supported_functions,omitempty"`
	MaxPayload         int             `json:"max_payload,omitempty" yaml:"max_payload,omitempty"`
	AcceptQueue        int             `json:"accept_queue,omitempty" yaml:"accept_queue,omitempty"`
	NegotiationTimeout config.Duration `json:"negotiation_timeout,omitempty" yaml:"negotiation_timeout,omitempty"`
	IdleTimeout        config.Duration `json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`
	StrictSignatures   bool            `json:"strict_signatures,omitempty" yaml:"strict_signatures,omitempty"`
}

// Validate checks the fields a socket cannot be built without.
func (s Service) Validate() error {
	if s.Port == 0 || s.Port > 0x0F {
		return fmt.Errorf("service %q: port must be 1..15", s.Name)
	}
	if _, err := packet.ParseStreamType(s.StreamType); err != nil {
		return fmt.Errorf("service %q: %w", s.Name, err)
	}
	if s.AccessKey == "" {
		return fmt.Errorf("service %q: access_key required", s.Name)
	}
	if s.MaxPayload < 0 || s.MaxPayload > 0xFFFF {
		return fmt.Errorf("service %q: max_payload must be 0..65535", s.Name)
	}
	if _, err := s.Negotiator(); err != nil {
		return fmt.Errorf("service %q: %w", s.Name, err)
	}
	return nil
}

// VirtualPort packs the stream type and port number.
func (s Service) VirtualPort() (packet.VirtualPort, error) {
	st, err := packet.ParseStreamType(s.StreamType)
	if err != nil {
		return 0, err
	}
	return packet.NewVirtualPort(s.Port, st), nil
}

// Negotiator builds the keystream negotiator named by Cipher.
func (s Service) Negotiator() (keystream.Negotiator, error) {
	switch strings.ToLower(s.Cipher) {
	case "", CipherRC4:
		return keystream.RC4([]byte(s.CipherKey))
	case CipherChaCha20:
		key, err := base64.StdEncoding.DecodeString(s.CipherKey)
		if err != nil {
			return nil, fmt.Errorf("cipher_key must be base64: %w", err)
		}
		return keystream.ChaCha20(key)
	case CipherNone:
		return keystream.Plaintext(), nil
	default:
		return nil, fmt.Errorf("unknown cipher %q", s.Cipher)
	}
}
