// Package httpproxy implements the plain (non-CONNECT) HTTP proxy server
// (C6): absolute-URI GET/POST/... requests are stripped of hop-by-hop
// headers, their destination is derived from the request URI or Host
// header, and — once a peer connection is dialled — the request is
// replayed to the peer and the two sides are spliced together.
package httpproxy

import (
	"encoding/base64"
	"io"
	"net/url"
	"strings"

	"github.com/WhileEndless/go-tunnelproxy/pkg/buffer"
	"github.com/WhileEndless/go-tunnelproxy/pkg/errors"
	"github.com/WhileEndless/go-tunnelproxy/pkg/httpcodec"
	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
)

// hopByHopHeaders are stripped from every proxied request, per spec.md §4.4.
var hopByHopHeaders = []string{
	"Proxy-Connection", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailers", "Transfer-Encoding", "Upgrade", "Connection",
}

// State enumerates the plain-proxy server's handshake states.
type State int

const (
	StateWaitingForHead State = iota
	StateWaitingForDial
	StateActive
	StateError
)

// Event is emitted by Server.Feed / Server.Resolve.
type Event int

const (
	EventNone Event = iota
	// EventAuthRequired fires when credentials are configured and the
	// request omitted Proxy-Authorization; the caller should write the
	// 407 response Flush() now holds and close the connection.
	EventAuthRequired
	// EventInvalidURL fires when the request URI/Host couldn't be turned
	// into a destination; the caller should write the 400 response
	// Flush() now holds and close the connection.
	EventInvalidURL
	// EventDialRequested fires once a valid destination has been
	// derived; the caller must dial it asynchronously and call Resolve.
	EventDialRequested
	// EventEstablished fires once the peer connection is up and the
	// buffered request (head + any body/end parts received meanwhile)
	// is ready to be replayed to peer via Flush.
	EventEstablished
)

// Config configures a Server.
type Config struct {
	// Credential, if non-nil, requires the client to present a matching
	// Proxy-Authorization: Basic header.
	Credential *proxyio.Credential
}

// Server drives the plain HTTP proxy server state machine for exactly one
// request.
type Server struct {
	cfg Config

	state   State
	in      *buffer.Window
	decoder *httpcodec.Decoder
	pending []byte

	// body holds request body/end bytes that arrive while the outbound dial
	// is in flight. It spills to disk past buffer.DefaultMemoryLimit so a
	// slow dial paired with a large upload doesn't grow an unbounded
	// in-memory slice.
	body *buffer.Buffer

	destination proxyio.NetAddress
	headOut     []byte // re-serialized, hop-by-hop-stripped request head
}

// NewServer creates a plain HTTP proxy server state machine.
func NewServer(cfg Config) *Server {
	w := buffer.NewWindow()
	return &Server{
		cfg:     cfg,
		state:   StateWaitingForHead,
		in:      w,
		decoder: httpcodec.NewDecoder(w),
		body:    buffer.New(buffer.DefaultMemoryLimit),
	}
}

// State returns the current state.
func (s *Server) State() State { return s.state }

// Destination returns the derived proxy target. Only meaningful once
// EventDialRequested has fired.
func (s *Server) Destination() proxyio.NetAddress { return s.destination }

// Flush returns and clears bytes queued for whichever side currently owns
// the connection (client during auth/URL failure responses, peer once
// Resolve succeeds).
func (s *Server) Flush() []byte {
	out := s.pending
	s.pending = nil
	return out
}

func (s *Server) queue(b []byte) { s.pending = append(s.pending, b...) }

func (s *Server) fail(op, msg string) error {
	s.state = StateError
	return errors.NewStateError(op, msg)
}

// Feed supplies newly arrived client bytes. While StateWaitingForDial,
// further body/end bytes are buffered in arrival order and replayed to the
// peer once Resolve succeeds, per spec.md §4.4.
func (s *Server) Feed(data []byte) (Event, error) {
	switch s.state {
	case StateWaitingForHead:
		if _, err := s.in.Write(data); err != nil {
			return EventNone, err
		}
		head, err := s.decoder.DecodeHead()
		if err == buffer.ErrNeedMoreData {
			return EventNone, nil
		}
		if err != nil {
			return EventNone, s.fail("httpproxy-head", err.Error())
		}
		return s.onHead(head)
	case StateWaitingForDial:
		// Body/end parts arriving while the dial is in flight are
		// buffered verbatim (spilling to disk past body's memory limit)
		// and replayed after splice.
		if _, err := s.body.Write(data); err != nil {
			return EventNone, s.fail("httpproxy-body-buffer", err.Error())
		}
		return EventNone, nil
	case StateActive:
		return EventNone, nil
	default:
		return EventNone, s.fail("httpproxy-feed", "feed called after Error")
	}
}

func (s *Server) onHead(head proxyio.MessageHead) (Event, error) {
	if s.cfg.Credential != nil {
		auth := httpcodec.HeaderValue(head.Headers, "Proxy-Authorization")
		if auth == "" || !validAuth(auth, s.cfg.Credential) {
			s.state = StateError
			s.queue(renderStatus(407, "Proxy Authentication Required"))
			return EventAuthRequired, errors.NewAuthError("httpproxy-auth", "ProxyAuthenticationRequired")
		}
	}

	dest, err := DeriveDestination(head)
	if err != nil {
		s.state = StateError
		s.queue(renderStatus(400, "Bad Request"))
		return EventInvalidURL, err
	}
	s.destination = dest
	stripHopByHop(head.Headers)
	s.headOut = reserializeHead(head)
	s.state = StateWaitingForDial
	return EventDialRequested, nil
}

// Resolve completes the asynchronous dial started after EventDialRequested.
// On success it queues the (hop-by-hop-stripped) request head followed by
// any buffered body/end bytes, in arrival order, and transitions to Active.
func (s *Server) Resolve(dialErr error) (Event, error) {
	if s.state != StateWaitingForDial {
		return EventNone, s.fail("httpproxy-resolve", "resolve called outside WaitingForDial")
	}
	if dialErr != nil {
		s.state = StateError
		return EventNone, dialErr
	}
	r, err := s.body.Reader()
	if err != nil {
		s.state = StateError
		return EventNone, err
	}
	defer r.Close()
	buffered, err := io.ReadAll(r)
	if err != nil {
		s.state = StateError
		return EventNone, errors.NewIOError("httpproxy: reading buffered body", err)
	}
	if err := s.body.Close(); err != nil {
		s.state = StateError
		return EventNone, err
	}
	out := append(append([]byte(nil), s.headOut...), buffered...)
	s.pending = out
	s.state = StateActive
	return EventEstablished, nil
}

// DeriveDestination derives the proxy destination from an absolute-URI
// request head, falling back to the Host header when the URI has no host,
// per spec.md §4.4. Port defaults to 443 for an https-scheme URI, 80
// otherwise.
func DeriveDestination(head proxyio.MessageHead) (proxyio.NetAddress, error) {
	u, err := url.Parse(head.URI)
	if err != nil {
		return proxyio.NetAddress{}, errors.NewValidationError("httpproxy: invalid request URI: " + err.Error())
	}

	host := u.Hostname()
	portStr := u.Port()
	scheme := u.Scheme
	if host == "" {
		host, portStr = splitHostHeader(httpcodec.HeaderValue(head.Headers, "Host"))
	}
	if host == "" {
		return proxyio.NetAddress{}, errors.NewValidationError("httpproxy: request has no host")
	}

	port := uint16(80)
	if scheme == "https" {
		port = 443
	}
	if portStr != "" {
		parsed := 0
		for _, c := range portStr {
			if c < '0' || c > '9' {
				return proxyio.NetAddress{}, errors.NewValidationError("httpproxy: invalid port")
			}
			parsed = parsed*10 + int(c-'0')
		}
		port = uint16(parsed)
	}
	return proxyio.NewDomainAddress(host, port), nil
}

func splitHostHeader(h string) (host, port string) {
	if h == "" {
		return "", ""
	}
	if idx := strings.LastIndex(h, ":"); idx >= 0 && !strings.Contains(h[idx+1:], "]") {
		return h[:idx], h[idx+1:]
	}
	return h, ""
}

func stripHopByHop(headers map[string][]string) {
	for _, h := range hopByHopHeaders {
		delete(headers, h)
	}
}

func reserializeHead(head proxyio.MessageHead) []byte {
	enc := httpcodec.NewEncoder()
	enc.EncodeHead(head)
	return enc.Flush()
}

func renderStatus(code int, reason string) []byte {
	enc := httpcodec.NewEncoder()
	enc.EncodeHead(proxyio.MessageHead{
		StatusCode: code,
		Reason:     reason,
		Version:    "HTTP/1.1",
		Headers: map[string][]string{
			"Proxy-Connection": {"close"},
			"Connection":       {"close"},
			"Content-Length":   {"0"},
		},
	})
	return enc.Flush()
}

func validAuth(header string, cred *proxyio.Credential) bool {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	want := cred.Identity + ":" + cred.Token
	return string(decoded) == want
}
