package config

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// convertToBytes mirrors the original provisioning data loader's coercion
// rule: a leading "0x"/"0X" means hex, otherwise the string is taken as
// its raw UTF-8 bytes.
func convertToBytes(s string) ([]byte, error) {
	if strings.HasPrefix(strings.ToUpper(s), "0X") {
		hexPart := s[2:]
		b, err := hex.DecodeString(hexPart)
		if err != nil {
			return nil, fmt.Errorf("invalid hex string %q: %w", s, err)
		}
		return b, nil
	}
	return []byte(s), nil
}
