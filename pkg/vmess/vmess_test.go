package vmess

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
)

// TestKDFDeterminism covers spec.md §8 property 7: the cascaded KDF is a
// pure function of its inputs.
func TestKDFDeterminism(t *testing.T) {
	key := []byte("0123456789abcdef")
	a := KDF16(key, "path-a", "path-b")
	b := KDF16(key, "path-a", "path-b")
	if !bytes.Equal(a, b) {
		t.Fatalf("KDF16 not deterministic: %x != %x", a, b)
	}
	c := KDF16(key, "path-a", "path-c")
	if bytes.Equal(a, c) {
		t.Fatalf("KDF16 ignored path element: %x == %x", a, c)
	}
	if len(a) != 16 {
		t.Fatalf("KDF16 returned %d bytes, want 16", len(a))
	}
	if n := KDF12(key, "x"); len(n) != 12 {
		t.Fatalf("KDF12 returned %d bytes, want 12", len(n))
	}
}

// TestAuthIDRoundTrip covers GenerateAuthID/VerifyAuthID agreement.
func TestAuthIDRoundTrip(t *testing.T) {
	var userID [16]byte
	id := uuid.New()
	copy(userID[:], id[:])
	cmdKey := GenerateCmdKey(userID)

	authID, err := GenerateAuthID(cmdKey, time.Now())
	if err != nil {
		t.Fatalf("GenerateAuthID: %v", err)
	}
	if _, err := VerifyAuthID(cmdKey, authID, 0); err != nil {
		t.Fatalf("VerifyAuthID: %v", err)
	}

	otherUser := [16]byte{1, 2, 3}
	otherKey := GenerateCmdKey(otherUser)
	if _, err := VerifyAuthID(otherKey, authID, 0); err == nil {
		t.Fatalf("expected VerifyAuthID to fail under a different user's cmd_key")
	}
}

// TestRequestHeaderRoundTrip covers S5/S6 and property 7: a sealed request
// header opens to the same fields under the originating user's candidate
// key, and session keys recovered server-side match the client's.
func TestRequestHeaderRoundTrip(t *testing.T) {
	var userID [16]byte
	id := uuid.New()
	copy(userID[:], id[:])

	keys, err := NewSessionKeys()
	if err != nil {
		t.Fatalf("NewSessionKeys: %v", err)
	}

	req := RequestHeader{
		UserID:   userID,
		Security: SecurityAES128GCM,
		Command:  CommandTCP,
		Options:  OptionChunkStream | OptionChunkMasking,
		Address:  proxyio.NewDomainAddress("example.com", 443),
	}

	wire, err := SealRequestHeader(req, keys)
	if err != nil {
		t.Fatalf("SealRequestHeader: %v", err)
	}

	opened, openedKeys, consumed, err := OpenRequestHeader(wire, [][16]byte{userID})
	if err != nil {
		t.Fatalf("OpenRequestHeader: %v", err)
	}
	if consumed != len(wire) {
		t.Fatalf("consumed %d, want %d (whole wire, no trailing bytes)", consumed, len(wire))
	}
	if opened.UserID != userID {
		t.Fatalf("user ID mismatch")
	}
	if opened.Security != SecurityAES128GCM || opened.Command != CommandTCP {
		t.Fatalf("unexpected security/command: %v %v", opened.Security, opened.Command)
	}
	if opened.Address.String() != "example.com:443" {
		t.Fatalf("unexpected address: %v", opened.Address)
	}
	if openedKeys.RequestBodyKey != keys.RequestBodyKey || openedKeys.RequestBodyIV != keys.RequestBodyIV {
		t.Fatalf("recovered session keys don't match client's")
	}
	if openedKeys.ResponseBodyKey != keys.ResponseBodyKey {
		t.Fatalf("response body key derivation mismatch")
	}
}

// TestOpenRequestHeaderWrongUser verifies that a candidate list missing the
// originating user is rejected rather than silently misattributed.
func TestOpenRequestHeaderWrongUser(t *testing.T) {
	var userID, otherID [16]byte
	id := uuid.New()
	copy(userID[:], id[:])
	id2 := uuid.New()
	copy(otherID[:], id2[:])

	keys, _ := NewSessionKeys()
	req := RequestHeader{UserID: userID, Security: SecurityAES128GCM, Command: CommandTCP, Address: proxyio.NewDomainAddress("h", 1)}
	wire, err := SealRequestHeader(req, keys)
	if err != nil {
		t.Fatalf("SealRequestHeader: %v", err)
	}
	if _, _, _, err := OpenRequestHeader(wire, [][16]byte{otherID}); err == nil {
		t.Fatalf("expected failure when the sealing user isn't among candidates")
	}
}

// TestResponseHeaderRoundTrip covers the server->client sealed response.
func TestResponseHeaderRoundTrip(t *testing.T) {
	keys, _ := NewSessionKeys()
	resp := ResponseHeader{Options: OptionChunkStream}
	wire, err := SealResponseHeader(resp, keys)
	if err != nil {
		t.Fatalf("SealResponseHeader: %v", err)
	}
	opened, consumed, err := OpenResponseHeader(wire, keys)
	if err != nil {
		t.Fatalf("OpenResponseHeader: %v", err)
	}
	if consumed != len(wire) {
		t.Fatalf("consumed %d, want %d", consumed, len(wire))
	}
	if opened.Options != OptionChunkStream {
		t.Fatalf("options mismatch: %v", opened.Options)
	}
	if opened.SwitchAccount != nil {
		t.Fatalf("unexpected switch-account command")
	}
}

// TestResponseHeaderWrongKeyFails verifies the auth_code check rejects a
// response opened under a different session's keys.
func TestResponseHeaderWrongKeyFails(t *testing.T) {
	keys, _ := NewSessionKeys()
	other, _ := NewSessionKeys()
	wire, err := SealResponseHeader(ResponseHeader{}, keys)
	if err != nil {
		t.Fatalf("SealResponseHeader: %v", err)
	}
	if _, _, err := OpenResponseHeader(wire, other); err == nil {
		t.Fatalf("expected failure opening under unrelated session keys")
	}
}

// TestFrameRoundTrip covers spec.md §8 property 3: a sequence of
// EncodeStream/EncodeEOF calls decodes, through FrameDecoder.Feed fed one
// byte at a time, back to the original plaintext chunks in order.
func TestFrameRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 16)
	nonce := bytes.Repeat([]byte{0x22}, 16)

	for _, opts := range []Options{
		OptionChunkStream,
		OptionChunkStream | OptionChunkMasking,
		OptionChunkStream | OptionChunkMasking | OptionGlobalPadding,
		OptionChunkStream | OptionChunkMasking | OptionGlobalPadding | OptionAuthenticatedLength,
	} {
		enc, err := NewFrameEncoder(SecurityAES128GCM, opts, key, nonce)
		if err != nil {
			t.Fatalf("NewFrameEncoder(%v): %v", opts, err)
		}
		dec, err := NewFrameDecoder(SecurityAES128GCM, opts, key, nonce)
		if err != nil {
			t.Fatalf("NewFrameDecoder(%v): %v", opts, err)
		}

		chunks := [][]byte{[]byte("hello"), []byte("world, this is a longer chunk of plaintext"), []byte("x")}
		var wire []byte
		for _, c := range chunks {
			frame, err := enc.EncodeStream(c)
			if err != nil {
				t.Fatalf("EncodeStream: %v", err)
			}
			wire = append(wire, frame...)
		}
		eofFrame, err := enc.EncodeEOF()
		if err != nil {
			t.Fatalf("EncodeEOF: %v", err)
		}
		wire = append(wire, eofFrame...)

		var got [][]byte
		sawEOF := false
		for i := 0; i < len(wire); i++ {
			frames, eof, err := dec.Feed(wire[i : i+1])
			if err != nil {
				t.Fatalf("opts=%v Feed byte %d: %v", opts, i, err)
			}
			got = append(got, frames...)
			if eof {
				sawEOF = true
			}
		}
		if !sawEOF {
			t.Fatalf("opts=%v: expected EOF sentinel to be observed", opts)
		}
		if len(got) != len(chunks) {
			t.Fatalf("opts=%v: got %d frames, want %d", opts, len(got), len(chunks))
		}
		for i, c := range chunks {
			if !bytes.Equal(got[i], c) {
				t.Fatalf("opts=%v frame %d: got %q, want %q", opts, i, got[i], c)
			}
		}
	}
}

// TestFrameSecurityNone verifies the framing-only (no AEAD) mode still
// length-prefixes frames without encrypting them.
func TestFrameSecurityNone(t *testing.T) {
	key := bytes.Repeat([]byte{0x33}, 16)
	nonce := bytes.Repeat([]byte{0x44}, 16)
	enc, err := NewFrameEncoder(SecurityNone, OptionChunkStream, key, nonce)
	if err != nil {
		t.Fatalf("NewFrameEncoder: %v", err)
	}
	dec, err := NewFrameDecoder(SecurityNone, OptionChunkStream, key, nonce)
	if err != nil {
		t.Fatalf("NewFrameDecoder: %v", err)
	}

	plain := []byte("plaintext, no AEAD")
	frame, err := enc.EncodeStream(plain)
	if err != nil {
		t.Fatalf("EncodeStream: %v", err)
	}
	frames, _, err := dec.Feed(frame)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(frames) != 1 || !bytes.Equal(frames[0], plain) {
		t.Fatalf("got %v, want [%q]", frames, plain)
	}
}

// TestNormalize covers the SecurityZero/SecurityNone option-collapsing rule
// from spec.md §9.
func TestNormalize(t *testing.T) {
	if got := Normalize(SecurityZero, OptionChunkStream|OptionChunkMasking); got != 0 {
		t.Fatalf("SecurityZero should clear all options, got %v", got)
	}
	all := OptionChunkStream | OptionChunkMasking | OptionGlobalPadding
	if got := Normalize(SecurityNone, all&^OptionChunkStream); got.Has(OptionChunkMasking) || got.Has(OptionGlobalPadding) {
		t.Fatalf("SecurityNone without ChunkStream should drop masking/padding, got %v", got)
	}
	if got := Normalize(SecurityAES128GCM, all); got != all {
		t.Fatalf("AES128GCM should pass options through unchanged, got %v", got)
	}
}

func TestParseFormatUserID(t *testing.T) {
	const s = "b831381d-6324-4d53-ad4f-8cda48b30811"
	id, err := ParseUserID(s)
	if err != nil {
		t.Fatalf("ParseUserID: %v", err)
	}
	if FormatUserID(id) != s {
		t.Fatalf("FormatUserID(ParseUserID(%q)) = %q", s, FormatUserID(id))
	}
	if _, err := ParseUserID("not-a-uuid"); err == nil {
		t.Fatalf("expected error for invalid user_id")
	}
}
