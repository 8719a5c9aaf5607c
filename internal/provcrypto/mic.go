package provcrypto

import (
	"crypto/aes"
	"fmt"

	"github.com/aead/cmac"

	"wmprov/internal/wire"
)

const micLen = 5

// computeMIC returns the 5-byte truncated CMAC-AES-128 over the DATA frame
// built from hdr/keyIndex/counter/payload with no trailing MIC, matching
// the to-be-authenticated octet string in the crypto unit's step 2.
func computeMIC(authKey [16]byte, hdr wire.Header, keyIndex uint8, counter uint16, payload []byte) ([]byte, error) {
	block, err := aes.NewCipher(authKey[:])
	if err != nil {
		return nil, fmt.Errorf("provcrypto: mic cipher: %w", err)
	}

	toAuth := wire.Encode(&wire.DataFrame{
		Hdr:      hdr,
		KeyIndex: keyIndex,
		Counter:  counter,
		Data:     payload,
	})

	mac, err := cmac.Sum(toAuth, block, 16)
	if err != nil {
		return nil, fmt.Errorf("provcrypto: cmac: %w", err)
	}
	return mac[:micLen], nil
}
