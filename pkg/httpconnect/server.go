package httpconnect

import (
	"github.com/WhileEndless/go-tunnelproxy/pkg/buffer"
	"github.com/WhileEndless/go-tunnelproxy/pkg/errors"
	"github.com/WhileEndless/go-tunnelproxy/pkg/httpcodec"
	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
)

// ServerState enumerates the CONNECT server handshake states, per spec.md §3.
type ServerState int

const (
	SrvInactive ServerState = iota
	SrvWaitingForClientGreeting
	SrvWaitingForClientGreetingEnd
	SrvWaitingToSendGreeting
	SrvActive
	SrvError
)

// ServerEvent is emitted by Server.Feed / Server.Resolve.
type ServerEvent int

const (
	SrvEventNone ServerEvent = iota
	// SrvEventDialRequested fires once a CONNECT request head has been
	// accepted; the caller must dial Destination asynchronously and call
	// Resolve once it settles, buffering any bytes that arrive on Feed in
	// the meantime.
	SrvEventDialRequested
	SrvEventProxyEstablished
)

// Server drives the HTTP CONNECT server side of a handshake. It accepts
// exactly one request.
type Server struct {
	state   ServerState
	decoder *httpcodec.Decoder
	encoder *httpcodec.Encoder

	in          *buffer.Window
	pending     []byte
	destination proxyio.NetAddress
}

// NewServer creates a CONNECT server state machine.
func NewServer() *Server {
	w := buffer.NewWindow()
	return &Server{
		state:   SrvWaitingForClientGreeting,
		decoder: httpcodec.NewDecoder(w),
		encoder: httpcodec.NewEncoder(),
		in:      w,
	}
}

// State returns the current handshake state.
func (s *Server) State() ServerState { return s.state }

// Destination returns the requested CONNECT target. Only meaningful once
// SrvEventDialRequested has been emitted.
func (s *Server) Destination() proxyio.NetAddress { return s.destination }

// Flush returns and clears bytes queued for the connection.
func (s *Server) Flush() []byte {
	out := s.pending
	s.pending = nil
	return out
}

func (s *Server) queue(b []byte) { s.pending = append(s.pending, b...) }

func (s *Server) fail(op, msg string) error {
	s.state = SrvError
	return errors.NewStateError(op, msg)
}

// Feed supplies newly arrived bytes.
func (s *Server) Feed(data []byte) (ServerEvent, error) {
	if s.state == SrvActive {
		return SrvEventNone, nil
	}
	if s.state == SrvError {
		return SrvEventNone, errors.NewStateError("connect-server-feed", "feed called after Error")
	}
	if _, err := s.in.Write(data); err != nil {
		return SrvEventNone, err
	}

	switch s.state {
	case SrvWaitingForClientGreeting:
		head, err := s.decoder.DecodeHead()
		if err == buffer.ErrNeedMoreData {
			return SrvEventNone, nil
		}
		if err != nil {
			return SrvEventNone, s.fail("connect-server-head", err.Error())
		}
		return s.onHead(head)
	default:
		return SrvEventNone, s.fail("connect-server-feed", "UnexpectedRead")
	}
}

func (s *Server) onHead(head proxyio.MessageHead) (ServerEvent, error) {
	s.state = SrvWaitingForClientGreetingEnd
	if head.Method != "CONNECT" {
		s.state = SrvError
		return SrvEventNone, errors.NewProtocolError("UnsupportedHTTPProxyMethod: "+head.Method, nil)
	}
	addr, err := proxyio.ParseNetAddress(head.URI)
	if err != nil {
		s.state = SrvError
		return SrvEventNone, errors.NewProtocolError("invalid CONNECT authority", err)
	}
	s.destination = addr

	// CONNECT requests have no body; the end-of-head transition happens
	// immediately, per the collapsed on_end handling used in the client too.
	s.state = SrvWaitingToSendGreeting
	return SrvEventDialRequested, nil
}

// Resolve is called once the asynchronous dial collaborator settles. On
// success it queues "HTTP/1.1 200 Connection Established" and transitions to
// Active; on failure it transitions to Error (fatal for the connection).
func (s *Server) Resolve(dialErr error) (ServerEvent, error) {
	if s.state != SrvWaitingToSendGreeting {
		return SrvEventNone, s.fail("connect-server-resolve", "resolve called outside WaitingToSendGreeting")
	}
	if dialErr != nil {
		s.state = SrvError
		return SrvEventNone, dialErr
	}
	if err := s.encoder.EncodeHead(proxyio.MessageHead{
		StatusCode: 200,
		Reason:     "Connection Established",
		Version:    "HTTP/1.1",
		Headers:    map[string][]string{"Content-Length": {"0"}},
	}); err != nil {
		s.state = SrvError
		return SrvEventNone, err
	}
	s.queue(s.encoder.Flush())
	s.state = SrvActive
	return SrvEventProxyEstablished, nil
}
