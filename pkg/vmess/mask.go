package vmess

import (
	"encoding/binary"

	"github.com/WhileEndless/go-tunnelproxy/pkg/constants"
	"golang.org/x/crypto/sha3"
)

// maskHasher is the per-connection SHAKE128 stream consumed in lock-step by
// an encoder and its matching decoder: for each frame, a padding word is
// squeezed before a length-mask word, per spec.md §4.9's "padding squeeze
// before mask squeeze" ordering rule. It is never shared across connections.
type maskHasher struct {
	shake sha3.ShakeHash
	buf   [2]byte
}

// newMaskHasher seeds a fresh SHAKE128 state from nonce, matching the
// upstream ShakeSizeParser construction.
func newMaskHasher(nonce []byte) *maskHasher {
	m := &maskHasher{shake: sha3.NewShake128()}
	m.shake.Write(nonce)
	return m
}

func (m *maskHasher) next() uint16 {
	m.shake.Read(m.buf[:])
	return binary.BigEndian.Uint16(m.buf[:])
}

// nextPadding returns the padding length for the next frame, drawn from the
// stream and reduced modulo VMessMaxPaddingPerFrame. It does not check the
// options itself: the caller only calls it when both CHUNK_MASKING and
// GLOBAL_PADDING are set, and uses 0 otherwise.
func (m *maskHasher) nextPadding() uint16 {
	return m.next() % constants.VMessMaxPaddingPerFrame
}

// nextMask returns the next length-mask word.
func (m *maskHasher) nextMask() uint16 {
	return m.next()
}
