package cryptoutil

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the length of artifact and config keys in bytes.
const KeySize = 32

var ErrEmptyKey = errors.New("encryption key is empty")

// ParseKey decodes a 32-byte key. Accepted forms are "base64:<v>", "hex:<v>",
// or a bare value tried as base64 first and hex second.
func ParseKey(key string) ([]byte, error) {
	v := strings.TrimSpace(key)
	if v == "" {
		return nil, ErrEmptyKey
	}

	var decoders []func(string) ([]byte, error)
	switch {
	case strings.HasPrefix(v, "base64:"):
		v = strings.TrimPrefix(v, "base64:")
		decoders = append(decoders, base64.StdEncoding.DecodeString)
	case strings.HasPrefix(v, "hex:"):
		v = strings.TrimPrefix(v, "hex:")
		decoders = append(decoders, hex.DecodeString)
	default:
		decoders = append(decoders, base64.StdEncoding.DecodeString, hex.DecodeString)
	}

	var lastErr error
	for _, decode := range decoders {
		data, err := decode(v)
		if err != nil {
			lastErr = err
			continue
		}
		if len(data) != KeySize {
			lastErr = fmt.Errorf("invalid key length: %d (expected %d bytes)", len(data), KeySize)
			continue
		}
		return data, nil
	}
	return nil, fmt.Errorf("decode key: %w", lastErr)
}
