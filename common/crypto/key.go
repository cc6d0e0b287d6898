package crypto

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// ParseMasterKey decodes a 64-character hex string (32 bytes) into a raw key.
//
// Generate a suitable key with:
//
//	openssl rand -hex 32
func ParseMasterKey(rawHex string) ([]byte, error) {
	raw := strings.TrimSpace(rawHex)
	if raw == "" {
		return nil, fmt.Errorf("master key is empty")
	}

	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid hex in master key: %w", err)
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes (%d hex chars), got %d bytes",
			KeySize, KeySize*2, len(key))
	}

	return key, nil
}

// MasterKeyFromEnv reads and parses the key held in the named environment
// variable. An unset or empty variable returns (nil, nil): encryption is
// optional and the caller decides whether its absence is an error.
func MasterKeyFromEnv(name string) ([]byte, error) {
	if name == "" {
		return nil, nil
	}
	v := os.Getenv(name)
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	key, err := ParseMasterKey(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return key, nil
}
