package cborprofile

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bridgefall/prudp/commons/config"
	"github.com/bridgefall/prudp/profile"
	"github.com/fxamacker/cbor/v2"
)

const (
	Version = 1
)

const (
	keyVersion            uint64 = 0
	keyName               uint64 = 1
	keyPort               uint64 = 2
	keyStreamType         uint64 = 3
	keyAccessKey          uint64 = 4
	keyCipher             uint64 = 5
	keyCipherKey          uint64 = 6
	keySupportedFunctions uint64 = 7
	keyMaxPayload         uint64 = 8
	keyAcceptQueue        uint64 = 9
	keyNegotiationTimeout uint64 = 10
	keyIdleTimeout        uint64 = 11
	keyStrictSignatures   uint64 = 12
)

const (
	defaultCipher             = profile.CipherRC4
	defaultSupportedFunctions = 0x04
	defaultMaxPayload         = 1300
	defaultAcceptQueue        = 20
	defaultNegotiationTimeout = 5 * time.Second
	defaultIdleTimeout        = 2 * time.Minute
)

// EncodeService converts a service into deterministic CBOR bytes. Fields
// holding their default value are left out.
func EncodeService(s profile.Service) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	payload := map[uint64]any{
		keyVersion:    uint64(Version),
		keyPort:       uint64(s.Port),
		keyStreamType: strings.ToLower(s.StreamType),
		keyAccessKey:  s.AccessKey,
	}
	if s.Name != "" {
		payload[keyName] = s.Name
	}
	if cipher := strings.ToLower(s.Cipher); cipher != "" && cipher != defaultCipher {
		payload[keyCipher] = cipher
	}
	if s.CipherKey != "" {
		payload[keyCipherKey] = s.CipherKey
	}
	if shouldIncludeInt(int(s.SupportedFunctions), defaultSupportedFunctions) {
		payload[keySupportedFunctions] = uint64(s.SupportedFunctions)
	}
	if shouldIncludeInt(s.MaxPayload, defaultMaxPayload) {
		payload[keyMaxPayload] = uint64(s.MaxPayload)
	}
	if shouldIncludeInt(s.AcceptQueue, defaultAcceptQueue) {
		payload[keyAcceptQueue] = uint64(s.AcceptQueue)
	}
	if shouldIncludeDuration(s.NegotiationTimeout.Duration, defaultNegotiationTimeout) {
		payload[keyNegotiationTimeout] = uint64(s.NegotiationTimeout.Duration / time.Millisecond)
	}
	if shouldIncludeDuration(s.IdleTimeout.Duration, defaultIdleTimeout) {
		payload[keyIdleTimeout] = uint64(s.IdleTimeout.Duration / time.Millisecond)
	}
	if s.StrictSignatures {
		payload[keyStrictSignatures] = true
	}

	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return mode.Marshal(payload)
}

// DecodeService parses CBOR bytes into a service.
func DecodeService(data []byte) (profile.Service, error) {
	mode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return profile.Service{}, err
	}
	var raw map[uint64]any
	if err := mode.Unmarshal(data, &raw); err != nil {
		return profile.Service{}, err
	}
	version, ok := raw[keyVersion]
	if !ok {
		return profile.Service{}, fmt.Errorf("cbor service missing version")
	}
	versionInt, err := asUint(version)
	if err != nil {
		return profile.Service{}, fmt.Errorf("cbor service version invalid: %w", err)
	}
	if versionInt != Version {
		return profile.Service{}, fmt.Errorf("unsupported cbor service version %d", versionInt)
	}

	var out profile.Service
	textFields := []struct {
		key  uint64
		name string
		dst  *string
	}{
		{keyName, "name", &out.Name},
		{keyStreamType, "stream_type", &out.StreamType},
		{keyAccessKey, "access_key", &out.AccessKey},
		{keyCipher, "cipher", &out.Cipher},
		{keyCipherKey, "cipher_key", &out.CipherKey},
	}
	for _, f := range textFields {
		v, ok := raw[f.key]
		if !ok {
			continue
		}
		if *f.dst, err = asString(v); err != nil {
			return profile.Service{}, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	if v, ok := raw[keyPort]; ok {
		port, err := asUint(v)
		if err != nil || port > 0xFF {
			return profile.Service{}, fmt.Errorf("port: invalid value %v", v)
		}
		out.Port = uint8(port)
	}
	if v, ok := raw[keySupportedFunctions]; ok {
		funcs, err := asUint(v)
		if err != nil || funcs > 0xFFFFFFFF {
			return profile.Service{}, fmt.Errorf("supported_functions: invalid value %v", v)
		}
		out.SupportedFunctions = uint32(funcs)
	}
	if v, ok := raw[keyMaxPayload]; ok {
		if out.MaxPayload, err = asInt(v); err != nil {
			return profile.Service{}, fmt.Errorf("max_payload: %w", err)
		}
	}
	if v, ok := raw[keyAcceptQueue]; ok {
		if out.AcceptQueue, err = asInt(v); err != nil {
			return profile.Service{}, fmt.Errorf("accept_queue: %w", err)
		}
	}
	if v, ok := raw[keyNegotiationTimeout]; ok {
		ms, err := asUint(v)
		if err != nil {
			return profile.Service{}, fmt.Errorf("negotiation_timeout: %w", err)
		}
		out.NegotiationTimeout = config.Duration{Duration: time.Duration(ms) * time.Millisecond}
	}
	if v, ok := raw[keyIdleTimeout]; ok {
		ms, err := asUint(v)
		if err != nil {
			return profile.Service{}, fmt.Errorf("idle_timeout: %w", err)
		}
		out.IdleTimeout = config.Duration{Duration: time.Duration(ms) * time.Millisecond}
	}
	if v, ok := raw[keyStrictSignatures]; ok {
		if out.StrictSignatures, err = asBool(v); err != nil {
			return profile.Service{}, fmt.Errorf("strict_signatures: %w", err)
		}
	}
	if err := out.Validate(); err != nil {
		return profile.Service{}, err
	}
	return out, nil
}

// EncodeJSONService converts a JSON service into CBOR bytes.
func EncodeJSONService(jsonData []byte) ([]byte, error) {
	var s profile.Service
	if err := config.DecodeJSON(jsonData, &s); err != nil {
		return nil, err
	}
	return EncodeService(s)
}

// EncodeYAMLService converts a YAML service into CBOR bytes.
func EncodeYAMLService(yamlData []byte) ([]byte, error) {
	var s profile.Service
	if err := config.DecodeYAML(yamlData, &s); err != nil {
		return nil, err
	}
	return EncodeService(s)
}

// DecodeCBORToJSON converts CBOR bytes into a JSON service.
func DecodeCBORToJSON(data []byte) ([]byte, error) {
	s, err := DecodeService(data)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(serviceToJSON(s), "", "  ")
}

// jsonService mirrors profile.Service with unset durations left out.
type jsonService struct {
	Name               string `json:"name,omitempty"`
	Port               uint8  `json:"port"`
	StreamType         string `json:"stream_type"`
	AccessKey          string `json:"access_key"`
	Cipher             string `json:"cipher,omitempty"`
	CipherKey          string `json:"cipher_key,omitempty"`
	SupportedFunctions uint32 `json:"supported_functions,omitempty"`
	MaxPayload         int    `json:"max_payload,omitempty"`
	AcceptQueue        int    `json:"accept_queue,omitempty"`
	NegotiationTimeout string `json:"negotiation_timeout,omitempty"`
	IdleTimeout        string `json:"idle_timeout,omitempty"`
	StrictSignatures   bool   `json:"strict_signatures,omitempty"`
}

func serviceToJSON(s profile.Service) jsonService {
	out := jsonService{
		Name:               s.Name,
		Port:               s.Port,
		StreamType:         s.StreamType,
		AccessKey:          s.AccessKey,
		Cipher:             s.Cipher,
		CipherKey:          s.CipherKey,
		SupportedFunctions: s.SupportedFunctions,
		MaxPayload:         s.MaxPayload,
		AcceptQueue:        s.AcceptQueue,
		StrictSignatures:   s.StrictSignatures,
	}
	if s.NegotiationTimeout.Duration > 0 {
		out.NegotiationTimeout = s.NegotiationTimeout.Duration.String()
	}
	if s.IdleTimeout.Duration > 0 {
		out.IdleTimeout = s.IdleTimeout.Duration.String()
	}
	return out
}

func shouldIncludeDuration(value time.Duration, def time.Duration) bool {
	return value > 0 && value != def
}

func shouldIncludeInt(value int, def int) bool {
	return value > 0 && value != def
}

func asUint(value any) (uint64, error) {
	switch v := value.(type) {
	case uint64:
		return v, nil
	case uint32:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case uint:
		return uint64(v), nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("negative value")
		}
		return uint64(v), nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("negative value")
		}
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", value)
	}
}

func asInt(value any) (int, error) {
	switch v := value.(type) {
	case uint64:
		if v > uint64(^uint(0)>>1) {
			return 0, fmt.Errorf("overflow")
		}
		return int(v), nil
	case int64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", value)
	}
}

func asString(value any) (string, error) {
	if value == nil {
		return "", nil
	}
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected string got %T", value)
	}
	return str, nil
}

func asBool(value any) (bool, error) {
	val, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool got %T", value)
	}
	return val, nil
}
