package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrNoMasterKey is returned by ParseMasterKey for an empty input. Callers
// treat it as "run without at-rest encryption" rather than a fatal error.
var ErrNoMasterKey = errors.New("crypto: master key is empty")

// ParseMasterKey decodes a 64-character hex string into a 32-byte key.
//
// Generate one with:
//
//	openssl rand -hex 32
func ParseMasterKey(rawHex string) ([]byte, error) {
	raw := strings.TrimSpace(rawHex)
	if raw == "" {
		return nil, ErrNoMasterKey
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid hex in master key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: master key must be %d bytes (%d hex chars), got %d bytes",
			KeySize, KeySize*2, len(key))
	}
	return key, nil
}
