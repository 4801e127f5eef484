// Package mitm implements the MITM splice (C13): on a CONNECT tunnel whose
// target hostname matches a configured pattern, a TLS server is terminated
// on the client-facing side and a TLS client re-encrypts toward the real
// peer, with an HTTP/1 observer tapped onto each inner stream instead of a
// transparent Glue splice.
package mitm

import (
	"net"
	"strings"

	"github.com/WhileEndless/go-tunnelproxy/pkg/buffer"
	"github.com/WhileEndless/go-tunnelproxy/pkg/errors"
	"github.com/WhileEndless/go-tunnelproxy/pkg/glue"
	"github.com/WhileEndless/go-tunnelproxy/pkg/httpcodec"
	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
)

// Config bundles the collaborators a Splicer needs, matching spec.md §6's
// external-interface list: a certificate pool, TLS handlers, and an
// optional traffic observer.
type Config struct {
	Pool       proxyio.CertificatePool
	TLSServer  proxyio.TLSServerHandler
	TLSClient  proxyio.TLSClientHandler
	Capture    proxyio.TrafficCapture // optional
	VerifySkip bool
	Patterns   []string
}

// Splicer decides, per CONNECT target, whether to MITM or pass through, and
// performs the splice.
type Splicer struct {
	cfg Config
}

// New builds a Splicer from cfg.
func New(cfg Config) *Splicer {
	return &Splicer{cfg: cfg}
}

// Matches reports whether host is covered by any configured MITM pattern.
// An exact hostname pattern matches only itself; "*.suffix" matches
// "x.suffix" but never "suffix" itself.
func (s *Splicer) Matches(host string) bool {
	for _, pat := range s.cfg.Patterns {
		if matchHost(pat, host) {
			return true
		}
	}
	return false
}

func matchHost(pattern, host string) bool {
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:]
		return strings.HasSuffix(host, suffix) && len(host) > len(suffix)
	}
	return pattern == host
}

// Splice terminates TLS on client (presenting a leaf certificate for host)
// and on peer (as a TLS client toward host), then cross-connects the two
// resulting plaintext streams. It runs until either side closes.
func (s *Splicer) Splice(client, peer net.Conn, host string) error {
	cert, err := s.cfg.Pool.Value(host)
	if err != nil {
		return errors.NewCryptoError("mitm-cert", err)
	}

	tlsClientSide, err := s.cfg.TLSServer(client, cert)
	if err != nil {
		return errors.NewTLSError(host, 0, err)
	}
	tlsPeerSide, err := s.cfg.TLSClient(peer, host, s.cfg.VerifySkip)
	if err != nil {
		tlsClientSide.Close()
		return errors.NewTLSError(host, 0, err)
	}

	if s.cfg.Capture != nil {
		tlsClientSide = tapConn(tlsClientSide, proxyio.DirectionInbound, s.cfg.Capture)
		tlsPeerSide = tapConn(tlsPeerSide, proxyio.DirectionOutbound, s.cfg.Capture)
	}

	return glue.Splice(tlsClientSide, tlsPeerSide)
}

// tappedConn tees every Read through an HTTP/1 head observer without
// altering the bytes seen by its caller, so the relay stays byte-for-byte
// transparent while still surfacing parsed heads to Capture. The inner
// decoder is head-only (per httpcodec's contract), so body bytes are
// forwarded to Capture as raw chunks. With a Content-Length, chunks are
// counted against it and head parsing resumes with the Read after the count
// is used up; a chunk that runs past the body's end is reported whole as
// body, as is the chunk after a Content-Length: 0 head. Without a
// Content-Length, every later byte is reported as body and no further head
// is parsed.
type tappedConn struct {
	net.Conn
	w         *buffer.Window
	dec       *httpcodec.Decoder
	dir       proxyio.Direction
	capture   proxyio.TrafficCapture
	awaitHead bool
	bodyLeft  int // remaining bytes of the current body, -1 = unbounded
}

func tapConn(c net.Conn, dir proxyio.Direction, capture proxyio.TrafficCapture) net.Conn {
	w := buffer.NewWindow()
	return &tappedConn{
		Conn:      c,
		w:         w,
		dec:       httpcodec.NewDecoder(w),
		dir:       dir,
		capture:   capture,
		awaitHead: true,
	}
}

func (t *tappedConn) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	if n > 0 {
		t.observe(p[:n])
	}
	return n, err
}

func (t *tappedConn) observe(chunk []byte) {
	if !t.awaitHead {
		t.consumeBody(chunk)
		return
	}
	t.w.Write(chunk)
	// The client side carries requests; the peer side carries responses.
	decode := t.dec.DecodeHead
	if t.dir == proxyio.DirectionOutbound {
		decode = t.dec.DecodeResponseHead
	}
	head, err := decode()
	if err == buffer.ErrNeedMoreData || err != nil {
		return
	}
	t.capture.ObserveHead(t.dir, head)
	t.awaitHead = false
	t.bodyLeft = contentLength(head)
	if rest := t.w.Bytes(); len(rest) > 0 {
		t.consumeBody(append([]byte(nil), rest...))
	}
}

func (t *tappedConn) consumeBody(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	t.capture.ObserveBody(t.dir, chunk)
	if t.bodyLeft < 0 {
		return
	}
	t.bodyLeft -= len(chunk)
	if t.bodyLeft <= 0 {
		t.awaitHead = true
		t.bodyLeft = 0
		t.w = buffer.NewWindow()
		t.dec = httpcodec.NewDecoder(t.w)
	}
}

func contentLength(head proxyio.MessageHead) int {
	v := httpcodec.HeaderValue(head.Headers, "Content-Length")
	if v == "" {
		return -1
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}
