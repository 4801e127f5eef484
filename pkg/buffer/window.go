package buffer

import (
	"encoding/binary"
	"fmt"
)

// Window is a growable, two-cursor byte window: writes append at the write
// cursor, reads advance the read cursor, and already-read-and-consumed bytes
// at the front are periodically compacted away. It is the sole mechanism the
// protocol state machines in this module use to tolerate split-packet
// arrivals: every read method may be wrapped in ParseUnwinding so that a
// "not enough data yet" outcome restores the read cursor to where it stood
// on entry, leaving the unread bytes for the next Write.
//
// Window is not safe for concurrent use; each handshake state machine owns
// exactly one Window per direction.
type Window struct {
	buf  []byte
	read int
}

// NewWindow creates an empty Window.
func NewWindow() *Window {
	return &Window{}
}

// Write appends p to the end of the window.
func (w *Window) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// Len returns the number of unread bytes remaining in the window.
func (w *Window) Len() int {
	return len(w.buf) - w.read
}

// Bytes returns the unread portion of the window without consuming it.
func (w *Window) Bytes() []byte {
	return w.buf[w.read:]
}

// Compact discards already-read bytes at the front of the backing slice.
// Callers need not invoke this explicitly; ParseUnwinding calls it after a
// successful parse so long-lived connections don't grow the backing array
// without bound.
func (w *Window) Compact() {
	if w.read == 0 {
		return
	}
	n := copy(w.buf, w.buf[w.read:])
	w.buf = w.buf[:n]
	w.read = 0
}

// ErrNeedMoreData is returned by read helpers when the window does not yet
// hold enough bytes to satisfy the request.
var ErrNeedMoreData = fmt.Errorf("buffer: need more data")

func (w *Window) require(n int) error {
	if w.Len() < n {
		return ErrNeedMoreData
	}
	return nil
}

// ReadBytes consumes and returns the next n bytes.
func (w *Window) ReadBytes(n int) ([]byte, error) {
	if err := w.require(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, w.buf[w.read:w.read+n])
	w.read += n
	return out, nil
}

// PeekBytes returns the next n bytes without consuming them.
func (w *Window) PeekBytes(n int) ([]byte, error) {
	if err := w.require(n); err != nil {
		return nil, err
	}
	return w.buf[w.read : w.read+n], nil
}

// ReadByte consumes and returns the next single byte.
func (w *Window) ReadByte() (byte, error) {
	if err := w.require(1); err != nil {
		return 0, err
	}
	b := w.buf[w.read]
	w.read++
	return b, nil
}

// ReadUint16BE consumes a big-endian uint16.
func (w *Window) ReadUint16BE() (uint16, error) {
	if err := w.require(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(w.buf[w.read : w.read+2])
	w.read += 2
	return v, nil
}

// ReadUint32BE consumes a big-endian uint32.
func (w *Window) ReadUint32BE() (uint32, error) {
	if err := w.require(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(w.buf[w.read : w.read+4])
	w.read += 4
	return v, nil
}

// ReadUint64BE consumes a big-endian uint64.
func (w *Window) ReadUint64BE() (uint64, error) {
	if err := w.require(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(w.buf[w.read : w.read+8])
	w.read += 8
	return v, nil
}

// ReadString consumes n bytes and returns them as a string, validated as
// UTF-8 only by virtue of being the raw bytes (protocol fields that must be
// ASCII, like SOCKS5 domains, are validated by their own callers).
func (w *Window) ReadString(n int) (string, error) {
	b, err := w.ReadBytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseUnwinding runs f against the window. If f returns any error
// (ErrNeedMoreData included), the read cursor is restored to its position at
// entry so the same bytes can be re-parsed once more data arrives, and the
// error is passed through; on success the consumed bytes are compacted away.
func ParseUnwinding[T any](w *Window, f func(*Window) (T, error)) (T, error) {
	mark := w.read
	v, err := f(w)
	if err == ErrNeedMoreData {
		w.read = mark
		var zero T
		return zero, err
	}
	if err != nil {
		w.read = mark
		var zero T
		return zero, err
	}
	w.Compact()
	return v, nil
}
