package vmess

import (
	"crypto/hmac"
	"crypto/sha256"
	"hash"
)

// kdfSaltConstVMessAEADKDF is the root HMAC key every derivation cascades
// from, per spec.md §4.7.
const kdfSaltConstVMessAEADKDF = "VMess AEAD KDF"

// KDF info strings, byte-exact, per spec.md §4.7-4.9.
const (
	kdfInfoAuthIDEncryption   = "AES Auth ID Encryption"
	kdfInfoLengthKey          = "VMess Header AEAD Key_Length"
	kdfInfoLengthNonce        = "VMess Header AEAD Nonce_Length"
	kdfInfoPayloadKey         = "VMess Header AEAD Key"
	kdfInfoPayloadNonce       = "VMess Header AEAD Nonce"
	kdfInfoRespLengthKey      = "AEAD Resp Header Len Key"
	kdfInfoRespLengthNonce    = "AEAD Resp Header Len IV"
	kdfInfoRespPayloadKey     = "AEAD Resp Header Key"
	kdfInfoRespPayloadNonce   = "AEAD Resp Header IV"
	kdfInfoAuthLength         = "auth_len"
)

// kdf is the cascaded-HMAC-SHA256 key derivation from spec.md §4.7: start
// from a constructor for HMAC(SHA256, key="VMess AEAD KDF"), then for each
// path element wrap the previous level's constructor as the hash function
// of a new HMAC keyed by path_i, and finally instantiate the outermost
// HMAC over the input key material. Each level is a fully faithful HMAC
// construction (0x36/0x5c inner/outer padding, via crypto/hmac) — the
// wrapping must pass a *constructor* (not a shared stateful instance) at
// every level, since hmac.New calls its hash.Hash argument independently
// for the inner and outer pads.
func kdf(key []byte, path ...string) []byte {
	ctor := func() hash.Hash { return hmac.New(sha256.New, []byte(kdfSaltConstVMessAEADKDF)) }
	for _, p := range path {
		prevCtor := ctor
		info := []byte(p)
		ctor = func() hash.Hash { return hmac.New(prevCtor, info) }
	}
	h := ctor()
	h.Write(key)
	return h.Sum(nil)
}

// KDF16 derives a 16-byte key/nonce-material value.
func KDF16(key []byte, path ...string) []byte {
	return kdf(key, path...)[:16]
}

// KDF12 derives a 12-byte nonce value.
func KDF12(key []byte, path ...string) []byte {
	return kdf(key, path...)[:12]
}
