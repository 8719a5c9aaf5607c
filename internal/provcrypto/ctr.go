// Package provcrypto implements the CMAC-authenticated, AES-CTR-encrypted
// provisioning bundle transform described by the wire format: a 5-byte
// truncated CMAC-AES-128 MIC followed by little-endian AES-128-CTR
// encryption with a counter derived from the session counter and the
// START frame's IV.
package provcrypto

import "crypto/cipher"

// leCTR is a cipher.Stream implementing AES-CTR with a little-endian
// 128-bit counter. The standard library's crypto/cipher.NewCTR treats its
// counter block as big-endian, which does not match this wire format, so
// the increment has to be done by hand.
type leCTR struct {
	block   cipher.Block
	counter [16]byte
	buf     [16]byte
	pos     int // bytes of buf already consumed, 16 means exhausted
}

func newLECTR(block cipher.Block, icb [16]byte) *leCTR {
	return &leCTR{block: block, counter: icb, pos: 16}
}

func (s *leCTR) XORKeyStream(dst, src []byte) {
	if len(dst) < len(src) {
		panic("provcrypto: dst smaller than src")
	}
	for i := 0; i < len(src); i++ {
		if s.pos == 16 {
			s.block.Encrypt(s.buf[:], s.counter[:])
			incrementLE(&s.counter)
			s.pos = 0
		}
		dst[i] = src[i] ^ s.buf[s.pos]
		s.pos++
	}
}

// incrementLE adds 1 to the 128-bit little-endian integer stored in b,
// wrapping around on overflow as the protocol permits.
func incrementLE(b *[16]byte) {
	for i := 0; i < 16; i++ {
		b[i]++
		if b[i] != 0 {
			return
		}
	}
}

// addLE128 computes (a + b) mod 2^128 for two little-endian 128-bit
// integers, used to derive the initial counter block from the session
// counter and the START frame's IV.
func addLE128(a, b [16]byte) [16]byte {
	var out [16]byte
	var carry uint16
	for i := 0; i < 16; i++ {
		sum := uint16(a[i]) + uint16(b[i]) + carry
		out[i] = byte(sum)
		carry = sum >> 8
	}
	return out
}
