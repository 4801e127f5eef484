package vmess

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"

	"github.com/WhileEndless/go-tunnelproxy/pkg/buffer"
	"github.com/WhileEndless/go-tunnelproxy/pkg/constants"
	"github.com/WhileEndless/go-tunnelproxy/pkg/errors"
)

// frameCodec holds the per-direction state shared by FrameEncoder and
// FrameDecoder: the effective key/nonce, the frame counter, and (when
// CHUNK_MASKING is set) the SHAKE128 mask stream. One instance is created
// per direction of a VMESS session and is never shared across connections.
type frameCodec struct {
	security SecurityType
	options  Options
	key      []byte
	nonce    []byte
	counter  uint16
	mask     *maskHasher
	aead     cipher.AEAD
	authLen  cipher.AEAD
}

func newFrameCodec(security SecurityType, options Options, key, nonce []byte) (*frameCodec, error) {
	options = Normalize(security, options)
	c := &frameCodec{security: security, options: options, key: key, nonce: nonce}
	if security == SecurityZero {
		return c, nil
	}
	if security != SecurityNone {
		aead, err := newAEAD(security, key)
		if err != nil {
			return nil, err
		}
		c.aead = aead
		if options.Has(OptionAuthenticatedLength) {
			authKey := KDF16(key, kdfInfoAuthLength)
			authAEAD, err := newAEAD(security, authKey)
			if err != nil {
				return nil, err
			}
			c.authLen = authAEAD
		}
	}
	if options.Has(OptionChunkMasking) {
		c.mask = newMaskHasher(nonce)
	}
	return c, nil
}

func (c *frameCodec) nextNonce() []byte {
	n := frameNonce(c.counter, c.nonce)
	c.counter++
	return n
}

// squeezePadding draws the frame's padding length from the mask stream,
// when padding is in use. It must be called before any call that squeezes
// the length mask word for the same frame, on both encode and decode sides,
// per spec.md §4.9's "padding squeeze before mask squeeze" ordering rule.
func (c *frameCodec) squeezePadding() uint16 {
	if c.mask != nil && c.options.Has(OptionGlobalPadding) {
		return c.mask.nextPadding()
	}
	return 0
}

// perCallPlaintext is the largest plaintext slice EncodeFrame will accept in
// one call under the current options.
func (c *frameCodec) perCallPlaintext() int {
	return constants.VMessPerCallPlaintextCap
}

// FrameEncoder produces length-prefixed AEAD frames from plaintext input,
// per spec.md §4.9.
type FrameEncoder struct {
	codec *frameCodec
}

// NewFrameEncoder creates an encoder for one direction of a VMESS session.
func NewFrameEncoder(security SecurityType, options Options, key, nonce []byte) (*FrameEncoder, error) {
	c, err := newFrameCodec(security, options, key, nonce)
	if err != nil {
		return nil, err
	}
	return &FrameEncoder{codec: c}, nil
}

// EncodeStream chunks plaintext into as many frames as necessary (each
// capped at per_call_plaintext bytes) and returns them concatenated, so a
// single upper-layer write always produces one atomic wire write.
func (e *FrameEncoder) EncodeStream(plaintext []byte) ([]byte, error) {
	if e.codec.security == SecurityZero {
		return plaintext, nil
	}
	limit := e.codec.perCallPlaintext()
	var out []byte
	for len(plaintext) > 0 {
		n := len(plaintext)
		if n > limit {
			n = limit
		}
		frame, err := e.encodeOneFrame(plaintext[:n], false)
		if err != nil {
			return nil, err
		}
		out = append(out, frame...)
		plaintext = plaintext[n:]
	}
	if len(plaintext) == 0 && out == nil {
		// Preserve zero-length-write semantics: an explicit empty call still
		// emits one empty frame when CHUNK_STREAM framing is active.
		frame, err := e.encodeOneFrame(nil, false)
		if err != nil {
			return nil, err
		}
		out = frame
	}
	return out, nil
}

// EncodeEOF emits the end-of-stream sentinel frame: a frame whose ciphertext
// length equals tag_size exactly. The padding word is still drawn from the
// mask stream so both sides stay in lock-step, but no padding bytes are
// appended to this frame — otherwise the decoder's length==tag_size check
// would never fire when GLOBAL_PADDING draws a non-zero value here.
func (e *FrameEncoder) EncodeEOF() ([]byte, error) {
	if e.codec.security == SecurityZero {
		return nil, nil
	}
	return e.encodeOneFrame(nil, true)
}

func (e *FrameEncoder) encodeOneFrame(plaintext []byte, isEOF bool) ([]byte, error) {
	c := e.codec
	if len(plaintext) > constants.VMessMaxFrameCiphertext {
		return nil, errors.NewCryptoError("vmess-encode-frame", nil)
	}

	padding := c.squeezePadding()
	if isEOF {
		padding = 0
	}

	var sealed []byte
	if c.security == SecurityNone {
		sealed = append([]byte(nil), plaintext...)
	} else {
		nonce := c.nextNonce()
		sealed = c.aead.Seal(nil, nonce, plaintext, nil)
	}

	paddingBytes := make([]byte, padding)
	if padding > 0 {
		if err := fillRandom(paddingBytes); err != nil {
			return nil, err
		}
	}

	lengthField, err := c.encodeLength(uint16(len(sealed)) + padding)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(lengthField)+len(sealed)+len(paddingBytes))
	out = append(out, lengthField...)
	out = append(out, sealed...)
	out = append(out, paddingBytes...)
	return out, nil
}

func (c *frameCodec) encodeLength(length uint16) ([]byte, error) {
	if c.options.Has(OptionAuthenticatedLength) && c.authLen != nil {
		nonce := frameNonce(c.counter-1, c.nonce)
		var plain [2]byte
		binary.BigEndian.PutUint16(plain[:], length)
		return c.authLen.Seal(nil, nonce, plain[:], nil), nil
	}
	var field [2]byte
	v := length
	if c.mask != nil {
		v ^= c.mask.nextMask()
	}
	binary.BigEndian.PutUint16(field[:], v)
	return field[:], nil
}

// FrameDecoder is the mirror of FrameEncoder: it accumulates bytes in a
// Window and decodes complete frames as they become available, following
// the HeadBegin -> FrameLengthBegin -> FrameDataBegin -> FrameLengthBegin
// ... state walk from spec.md §4.9.
type FrameDecoder struct {
	codec *frameCodec
	in    *buffer.Window
}

// NewFrameDecoder creates a decoder for one direction of a VMESS session.
func NewFrameDecoder(security SecurityType, options Options, key, nonce []byte) (*FrameDecoder, error) {
	c, err := newFrameCodec(security, options, key, nonce)
	if err != nil {
		return nil, err
	}
	return &FrameDecoder{codec: c, in: buffer.NewWindow()}, nil
}

// Feed appends newly arrived bytes and decodes as many complete frames as
// are present. It returns the decoded plaintext frames (empty slice for the
// EOF sentinel) and whether an EOF sentinel was observed.
func (d *FrameDecoder) Feed(data []byte) ([][]byte, bool, error) {
	if d.codec.security == SecurityZero {
		if len(data) == 0 {
			return nil, false, nil
		}
		return [][]byte{data}, false, nil
	}
	if _, err := d.in.Write(data); err != nil {
		return nil, false, err
	}

	var frames [][]byte
	for {
		frame, eof, err := d.decodeOneFrame()
		if err == buffer.ErrNeedMoreData {
			return frames, false, nil
		}
		if err != nil {
			return frames, false, err
		}
		if eof {
			return frames, true, nil
		}
		frames = append(frames, frame)
	}
}

// frameResult carries a decoded frame's outcome through ParseUnwinding,
// which can only unwind on error — EOF is a successful parse, not a failure,
// so it must travel as data rather than as an error value.
type frameResult struct {
	data []byte
	eof  bool
}

func (d *FrameDecoder) decodeOneFrame() ([]byte, bool, error) {
	c := d.codec
	// The parse squeezes the mask stream; keep a copy so a parse that runs
	// out of data leaves the stream where it was, like the read cursor.
	var savedMask *maskHasher
	if c.mask != nil {
		savedMask = &maskHasher{shake: c.mask.shake.Clone()}
	}
	res, err := buffer.ParseUnwinding(d.in, func(w *buffer.Window) (frameResult, error) {
		padding := c.squeezePadding()
		length, isEOF, err := c.readLength(w)
		if err != nil {
			return frameResult{}, err
		}
		if isEOF {
			c.resetForEOF()
			return frameResult{eof: true}, nil
		}
		if int(length) > constants.VMessMaxFrameCiphertext {
			return frameResult{}, errors.NewCryptoError("vmess-decode-frame-too-large", nil)
		}
		ciphertext, err := w.ReadBytes(int(length))
		if err != nil {
			return frameResult{}, err
		}
		plain, err := c.openFrame(ciphertext, padding)
		if err != nil {
			return frameResult{}, err
		}
		return frameResult{data: plain}, nil
	})
	if err == buffer.ErrNeedMoreData && savedMask != nil {
		c.mask = savedMask
	}
	if err != nil {
		return nil, false, err
	}
	return res.data, res.eof, nil
}

func (c *frameCodec) readLength(w *buffer.Window) (uint16, bool, error) {
	if c.options.Has(OptionAuthenticatedLength) && c.authLen != nil {
		sealed, err := w.ReadBytes(2 + constants.VMessAEADTagSize)
		if err != nil {
			return 0, false, err
		}
		nonce := frameNonce(c.counter, c.nonce)
		plain, err := c.authLen.Open(nil, nonce, sealed, nil)
		if err != nil {
			return 0, false, errors.NewCryptoError("vmess-decode-length", err)
		}
		l := binary.BigEndian.Uint16(plain)
		if l == uint16(constants.VMessAEADTagSize) {
			return 0, true, nil
		}
		return l, false, nil
	}
	raw, err := w.ReadBytes(2)
	if err != nil {
		return 0, false, err
	}
	v := binary.BigEndian.Uint16(raw)
	if c.mask != nil {
		v ^= c.mask.nextMask()
	}
	if v == uint16(constants.VMessAEADTagSize) {
		return 0, true, nil
	}
	return v, false, nil
}

func (c *frameCodec) openFrame(ciphertext []byte, padding uint16) ([]byte, error) {
	if int(padding) > len(ciphertext) {
		return nil, errors.NewCryptoError("vmess-decode-frame-padding", nil)
	}
	sealed := ciphertext[:len(ciphertext)-int(padding)]

	if c.security == SecurityNone {
		return append([]byte(nil), sealed...), nil
	}
	nonce := c.nextNonce()
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.NewCryptoError("vmess-decode-frame-open", err)
	}
	return plain, nil
}

// resetForEOF rebuilds per-message state after observing the end-of-stream
// sentinel: frame_counter resets to 0 and, if masking is on, the SHAKE128
// state is rebuilt from the effective nonce.
func (c *frameCodec) resetForEOF() {
	c.counter = 0
	if c.options.Has(OptionChunkMasking) {
		c.mask = newMaskHasher(c.nonce)
	}
}

func fillRandom(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if _, err := rand.Read(b); err != nil {
		return errors.NewCryptoError("vmess-frame-padding-random", err)
	}
	return nil
}
