package vmess

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"hash/fnv"

	"github.com/WhileEndless/go-tunnelproxy/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// newAEAD builds the per-security-type AEAD cipher over key. ChaCha20Poly1305
// expands a 16-byte VMESS key to the 32 bytes the cipher needs via
// MD5(k) || MD5(MD5(k)), per spec.md §4.9.
func newAEAD(security SecurityType, key []byte) (cipher.AEAD, error) {
	switch security {
	case SecurityAES128GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, errors.NewCryptoError("vmess-aead-aes", err)
		}
		return cipher.NewGCM(block)
	case SecurityChaCha20Poly1305:
		return chacha20poly1305.New(expandChaChaKey(key))
	default:
		return nil, errors.NewCryptoError("vmess-aead-select", nil)
	}
}

// expandChaChaKey expands a 16-byte VMESS key to the 32 bytes
// ChaCha20-Poly1305 needs.
func expandChaChaKey(key []byte) []byte {
	first := md5.Sum(key)
	second := md5.Sum(first[:])
	return append(append([]byte(nil), first[:]...), second[:]...)
}

// frameNonce builds the 12-byte per-frame AEAD nonce: be_u16(counter) ||
// effectiveNonce[2:12].
func frameNonce(counter uint16, effectiveNonce []byte) []byte {
	n := make([]byte, 12)
	n[0] = byte(counter >> 8)
	n[1] = byte(counter)
	copy(n[2:], effectiveNonce[2:12])
	return n
}

// fnv1a returns the 4-byte big-endian FNV-1a checksum of b.
func fnv1a(b []byte) []byte {
	sum := fnv.New32a()
	sum.Write(b)
	return sum.Sum(nil)
}

// fnv1aEqual reports whether checksum equals the FNV-1a sum of body.
func fnv1aEqual(body, checksum []byte) bool {
	sum := fnv.New32a()
	sum.Write(body)
	return string(sum.Sum(nil)) == string(checksum)
}
