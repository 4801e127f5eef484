// Package httpcodec implements the HTTP/1 request/response head collaborator
// (C2) shared by the CONNECT client/server, the plain HTTP proxy server, and
// the MITM splice's inner codec. It is deliberately a head-only parser:
// bodies are handled by the component that owns the message (the plain proxy
// buffers body parts itself; CONNECT tunnels never re-parse past the head).
package httpcodec

import (
	"net/textproto"
	"strconv"
	"strings"

	"github.com/WhileEndless/go-tunnelproxy/pkg/buffer"
	"github.com/WhileEndless/go-tunnelproxy/pkg/constants"
	"github.com/WhileEndless/go-tunnelproxy/pkg/errors"
	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
)

// Decoder reads request or response heads out of a Window, tolerating
// arbitrarily split writes. It implements proxyio.HTTPRequestDecoder against
// request heads; response heads are read with DecodeResponseHead instead,
// since a decoder only ever sees one direction of a given stage.
type Decoder struct {
	in *buffer.Window
}

// NewDecoder creates a head decoder over the given Window.
func NewDecoder(in *buffer.Window) *Decoder {
	return &Decoder{in: in}
}

// DecodeHead reads a full request head (request line + headers, ending at
// the blank line) from the window. Returns buffer.ErrNeedMoreData if the
// terminating CRLFCRLF hasn't arrived yet.
func (d *Decoder) DecodeHead() (proxyio.MessageHead, error) {
	return buffer.ParseUnwinding(d.in, func(w *buffer.Window) (proxyio.MessageHead, error) {
		lines, err := readHeadLines(w)
		if err != nil {
			return proxyio.MessageHead{}, err
		}
		return parseRequestLine(lines)
	})
}

// DecodeResponseHead reads a full status line + headers from the window.
func (d *Decoder) DecodeResponseHead() (proxyio.MessageHead, error) {
	return buffer.ParseUnwinding(d.in, func(w *buffer.Window) (proxyio.MessageHead, error) {
		lines, err := readHeadLines(w)
		if err != nil {
			return proxyio.MessageHead{}, err
		}
		return parseStatusLine(lines)
	})
}

// DecodeBody is unused by the CONNECT/plain-proxy flows in this module,
// which hand bodies off as opaque byte chunks rather than re-parsing them
// through the decoder; it exists to satisfy proxyio.HTTPRequestDecoder.
func (d *Decoder) DecodeBody() ([]byte, error) {
	return nil, errors.NewProtocolError("httpcodec: DecodeBody not supported on head-only decoder", nil)
}

// readHeadLines consumes bytes up to and including the blank line that
// terminates an HTTP/1 head, without committing the read cursor until the
// whole head is present (ParseUnwinding's caller handles the unwind).
func readHeadLines(w *buffer.Window) ([]string, error) {
	raw := w.Bytes()
	idx := indexHeadEnd(raw)
	if idx < 0 {
		if len(raw) > constants.MaxHTTPConnectHeadBytes {
			return nil, errors.NewProtocolError("http head exceeds maximum size", nil)
		}
		return nil, buffer.ErrNeedMoreData
	}
	head, err := w.ReadBytes(idx + 4)
	if err != nil {
		return nil, err
	}
	text := string(head[:len(head)-4])
	var lines []string
	for _, l := range strings.Split(text, "\r\n") {
		lines = append(lines, l)
	}
	return lines, nil
}

func indexHeadEnd(b []byte) int {
	for i := 0; i+3 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' && b[i+2] == '\r' && b[i+3] == '\n' {
			return i
		}
	}
	return -1
}

func parseHeaderLines(lines []string) map[string][]string {
	headers := make(map[string][]string)
	var lastKey string
	for _, line := range lines {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if lastKey == "" {
				continue
			}
			idx := len(headers[lastKey]) - 1
			headers[lastKey][idx] = headers[lastKey][idx] + strings.TrimSpace(line)
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])
		headers[key] = append(headers[key], value)
		lastKey = key
	}
	return headers
}

func parseRequestLine(lines []string) (proxyio.MessageHead, error) {
	if len(lines) == 0 {
		return proxyio.MessageHead{}, errors.NewProtocolError("empty request head", nil)
	}
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) != 3 {
		return proxyio.MessageHead{}, errors.NewProtocolError("invalid request line", nil)
	}
	return proxyio.MessageHead{
		Method:  parts[0],
		URI:     parts[1],
		Version: parts[2],
		Headers: parseHeaderLines(lines[1:]),
	}, nil
}

func parseStatusLine(lines []string) (proxyio.MessageHead, error) {
	if len(lines) == 0 {
		return proxyio.MessageHead{}, errors.NewProtocolError("empty response head", nil)
	}
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) < 2 {
		return proxyio.MessageHead{}, errors.NewProtocolError("invalid status line", nil)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return proxyio.MessageHead{}, errors.NewProtocolError("invalid status code", err)
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	return proxyio.MessageHead{
		StatusCode: code,
		Reason:     reason,
		Version:    parts[0],
		Headers:    parseHeaderLines(lines[1:]),
	}, nil
}

// Encoder serializes request/response heads onto an outbound byte sink.
type Encoder struct {
	out []byte
}

// NewEncoder creates an Encoder whose accumulated bytes are retrieved with
// Flush.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Flush returns and clears the bytes queued so far.
func (e *Encoder) Flush() []byte {
	out := e.out
	e.out = nil
	return out
}

// EncodeHead writes a request or response head depending on which fields of
// head are populated (Method non-empty selects a request line, otherwise a
// status line is written).
func (e *Encoder) EncodeHead(head proxyio.MessageHead) error {
	var b strings.Builder
	if head.Method != "" {
		b.WriteString(head.Method)
		b.WriteByte(' ')
		b.WriteString(head.URI)
		b.WriteByte(' ')
		b.WriteString(versionOr(head.Version))
		b.WriteString("\r\n")
	} else {
		b.WriteString(versionOr(head.Version))
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(head.StatusCode))
		b.WriteByte(' ')
		b.WriteString(head.Reason)
		b.WriteString("\r\n")
	}
	for key, values := range head.Headers {
		for _, v := range values {
			b.WriteString(key)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	b.WriteString("\r\n")
	e.out = append(e.out, b.String()...)
	return nil
}

// EncodeBody appends a raw body chunk.
func (e *Encoder) EncodeBody(chunk []byte) error {
	e.out = append(e.out, chunk...)
	return nil
}

func versionOr(v string) string {
	if v == "" {
		return "HTTP/1.1"
	}
	return v
}

// HeaderValue returns the first value of key in headers, or "" if absent.
func HeaderValue(headers map[string][]string, key string) string {
	if values, ok := headers[textproto.CanonicalMIMEHeaderKey(key)]; ok && len(values) > 0 {
		return values[0]
	}
	return ""
}
