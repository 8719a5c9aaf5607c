package provcrypto

import (
	"crypto/aes"
	"fmt"

	"wmprov/internal/wire"
)

// DataHeader carries the fields of a DATA frame that feed the MIC
// computation but are not part of the plaintext itself.
type DataHeader struct {
	Hdr      wire.Header
	KeyIndex uint8
}

// Encrypt implements the crypto unit: increment the session counter,
// authenticate the plaintext with CMAC-AES-128 over the unsecured DATA
// frame layout, then encrypt plaintext‖mic with AES-128-CTR under a
// little-endian initial counter block derived from the (incremented)
// counter and the START frame's IV.
//
// factoryKey is split auth_key = factoryKey[:16], enc_key = factoryKey[16:].
func Encrypt(factoryKey [32]byte, counter uint16, iv [16]byte, plaintext []byte, header DataHeader) (ciphertext []byte, newCounter uint16, err error) {
	newCounter = counter + 1

	var authKey, encKey [16]byte
	copy(authKey[:], factoryKey[:16])
	copy(encKey[:], factoryKey[16:])

	mic, err := computeMIC(authKey, header.Hdr, header.KeyIndex, newCounter, plaintext)
	if err != nil {
		return nil, 0, err
	}

	var counterBytes [16]byte
	counterBytes[0] = byte(newCounter)
	counterBytes[1] = byte(newCounter >> 8)
	icb := addLE128(counterBytes, iv)

	block, err := aes.NewCipher(encKey[:])
	if err != nil {
		return nil, 0, fmt.Errorf("provcrypto: encryption cipher: %w", err)
	}

	toEncrypt := make([]byte, 0, len(plaintext)+micLen)
	toEncrypt = append(toEncrypt, plaintext...)
	toEncrypt = append(toEncrypt, mic...)

	out := make([]byte, len(toEncrypt))
	newLECTR(block, icb).XORKeyStream(out, toEncrypt)

	return out, newCounter, nil
}

// Decrypt reverses Encrypt: it decrypts ciphertext‖mic under the same ICB
// derivation and returns the plaintext and carried MIC separately, without
// itself verifying the MIC (callers recompute and compare, since the
// verifying party is the node, not this service — this half is provided
// for crypto-unit round-trip tests).
func Decrypt(factoryKey [32]byte, counter uint16, iv [16]byte, ciphertext []byte) (plaintext, mic []byte, err error) {
	if len(ciphertext) < micLen {
		return nil, nil, fmt.Errorf("provcrypto: ciphertext too short for mic")
	}

	var encKey [16]byte
	copy(encKey[:], factoryKey[16:])

	var counterBytes [16]byte
	counterBytes[0] = byte(counter)
	counterBytes[1] = byte(counter >> 8)
	icb := addLE128(counterBytes, iv)

	block, err := aes.NewCipher(encKey[:])
	if err != nil {
		return nil, nil, fmt.Errorf("provcrypto: decryption cipher: %w", err)
	}

	out := make([]byte, len(ciphertext))
	newLECTR(block, icb).XORKeyStream(out, ciphertext)

	return out[:len(out)-micLen], out[len(out)-micLen:], nil
}
