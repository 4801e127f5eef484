// Package vmess implements the VMESS AEAD header sealer/opener (C9, C10)
// and frame codec (C11): the session-key bookkeeping, the cascaded-HMAC key
// derivation, auth_id generation, and the length-prefixed AEAD frame stream
// that rides on top of a sealed header.
package vmess

import (
	"crypto/rand"
	"crypto/sha256"

	"github.com/google/uuid"

	"github.com/WhileEndless/go-tunnelproxy/pkg/constants"
	"github.com/WhileEndless/go-tunnelproxy/pkg/errors"
)

// ParseUserID parses the canonical string form of a VMESS user_id (a UUID,
// as configured in every VMESS client/server config this protocol core has
// seen) into the [16]byte form RequestHeader.UserID and GenerateCmdKey
// expect.
func ParseUserID(s string) ([16]byte, error) {
	var id [16]byte
	parsed, err := uuid.Parse(s)
	if err != nil {
		return id, errors.NewValidationError("vmess: invalid user_id: " + err.Error())
	}
	copy(id[:], parsed[:])
	return id, nil
}

// FormatUserID renders id back into canonical UUID string form.
func FormatUserID(id [16]byte) string {
	return uuid.UUID(id).String()
}

// SecurityType selects the per-frame AEAD cipher, or a framing-only mode.
type SecurityType uint8

const (
	SecurityAES128GCM SecurityType = iota
	SecurityChaCha20Poly1305
	// SecurityNone uses no AEAD; CHUNK_STREAM framing still applies, so
	// frames carry a plain length prefix and unencrypted bodies.
	SecurityNone
	// SecurityZero disables framing entirely: bytes pass through as-is.
	SecurityZero
)

// CommandType selects the request's address-block shape.
type CommandType uint8

const (
	CommandTCP CommandType = iota
	CommandUDP
	// CommandMux carries no address block.
	CommandMux
)

// Options is the VMESS request option bitmask (RequestOption upstream).
type Options uint8

const (
	OptionChunkStream         Options = constants.VMessOptionChunkStream
	OptionChunkMasking        Options = constants.VMessOptionChunkMasking
	OptionGlobalPadding       Options = constants.VMessOptionGlobalPadding
	OptionAuthenticatedLength Options = constants.VMessOptionAuthenticatedLength
)

// Has reports whether flag is set.
func (o Options) Has(flag Options) bool { return o&flag != 0 }

// Normalize resolves the canonical option/security combination per spec.md
// §9's "later" implementation note: SecurityZero and SecurityNone without
// CHUNK_STREAM disable masking and padding outright, since there is no
// length field for a mask word to protect.
func Normalize(security SecurityType, options Options) Options {
	if security == SecurityZero {
		return 0
	}
	if security == SecurityNone && !options.Has(OptionChunkStream) {
		return options &^ (OptionChunkMasking | OptionGlobalPadding)
	}
	return options
}

// SessionKeys holds the per-connection key material exchanged via the
// sealed request/response headers: request body key/IV chosen by the
// client, and response body key/IV derived from them by SHA-256, exactly as
// the upstream VMESS handshake does (this derivation is intentionally
// one-way: the server never needs to invent its own randomness for the
// response body keys).
type SessionKeys struct {
	RequestBodyKey  [16]byte
	RequestBodyIV   [16]byte
	ResponseBodyKey [16]byte
	ResponseBodyIV  [16]byte
	ResponseHeader  byte
}

// NewSessionKeys generates fresh client-side session key material.
func NewSessionKeys() (SessionKeys, error) {
	var raw [33]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return SessionKeys{}, errors.NewCryptoError("vmess-session-keys", err)
	}
	var k SessionKeys
	copy(k.RequestBodyKey[:], raw[0:16])
	copy(k.RequestBodyIV[:], raw[16:32])
	k.ResponseHeader = raw[32]
	k.deriveResponseKeys()
	return k, nil
}

func (k *SessionKeys) deriveResponseKeys() {
	bodyKey := sha256.Sum256(k.RequestBodyKey[:])
	copy(k.ResponseBodyKey[:], bodyKey[:16])
	bodyIV := sha256.Sum256(k.RequestBodyIV[:])
	copy(k.ResponseBodyIV[:], bodyIV[:16])
}
