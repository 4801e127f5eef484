package socks5

import (
	"github.com/WhileEndless/go-tunnelproxy/pkg/buffer"
	"github.com/WhileEndless/go-tunnelproxy/pkg/errors"
	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
)

// ServerState mirrors ClientState; see spec.md §3.
type ServerState int

const (
	SrvInactive ServerState = iota
	SrvWaitingForClientGreeting
	SrvWaitingForAuthenticationMethod
	SrvWaitingForClientAuthentication
	SrvWaitingForServerAuthenticationResponse
	SrvWaitingForClientRequest
	SrvWaitingForServerResponse
	SrvActive
	SrvError
)

// ServerConfig is the per-server configuration referenced by spec.md §6:
// the set of methods the server is willing to select, and the credential
// required when UsernamePassword is among them.
type ServerConfig struct {
	SupportedMethods []byte
	Credential       *proxyio.Credential
}

func (c ServerConfig) supports(method byte) bool {
	for _, m := range c.SupportedMethods {
		if m == method {
			return true
		}
	}
	return false
}

// ServerEvent is emitted by Server.Feed.
type ServerEvent int

const (
	SrvEventNone ServerEvent = iota
	// SrvEventDialRequested means the CONNECT request parsed successfully;
	// the caller must dial Destination asynchronously and call Resolve
	// once the dial settles. Any bytes arriving on Feed between this event
	// and Resolve are buffered in order and replayed by nothing — the
	// caller owns buffering inbound application bytes once Active, as the
	// Server itself only buffers handshake-relevant bytes.
	SrvEventDialRequested
	// SrvEventProxyEstablished means the server wrote its success reply;
	// splice Glue (C12) using Flush()'s output as the final handshake
	// bytes.
	SrvEventProxyEstablished
)

// Server drives the SOCKS5 server side of a handshake.
type Server struct {
	state  ServerState
	config ServerConfig

	in      *buffer.Window
	pending []byte

	selectedMethod byte
	destination    proxyio.NetAddress
}

// NewServer creates a SOCKS5 server state machine. The server starts
// already waiting for the client's greeting — there is no explicit Begin,
// since the server never speaks first.
func NewServer(config ServerConfig) *Server {
	return &Server{
		state:  SrvWaitingForClientGreeting,
		config: config,
		in:     buffer.NewWindow(),
	}
}

// State returns the current handshake state.
func (s *Server) State() ServerState { return s.state }

// Destination returns the address requested by the client's CONNECT
// request. Only meaningful once SrvEventDialRequested has been emitted.
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

// Feed supplies newly arrived bytes. It returns SrvEventDialRequested once
// it has parsed a full CONNECT request; the caller must then dial and call
// Resolve. Feed may be called again afterward (e.g. if more handshake bytes
// trickle in) but will simply re-enter the same state until Resolve unblocks
// it.
func (s *Server) Feed(data []byte) (ServerEvent, error) {
	if s.state == SrvActive {
		return SrvEventNone, nil
	}
	if s.state == SrvError {
		return SrvEventNone, errors.NewStateError("socks5-server-feed", "feed called after Error")
	}
	if _, err := s.in.Write(data); err != nil {
		return SrvEventNone, err
	}

	for {
		switch s.state {
		case SrvWaitingForClientGreeting:
			ok, err := s.readGreeting()
			if err == buffer.ErrNeedMoreData {
				return SrvEventNone, nil
			}
			if err != nil {
				return SrvEventNone, err
			}
			if !ok {
				return SrvEventNone, nil
			}
			// readGreeting already advanced state.

		case SrvWaitingForClientAuthentication:
			ok, err := s.readAuth()
			if err == buffer.ErrNeedMoreData {
				return SrvEventNone, nil
			}
			if err != nil {
				return SrvEventNone, err
			}
			if !ok {
				return SrvEventNone, nil
			}

		case SrvWaitingForClientRequest:
			ev, err := s.readRequest()
			if err == buffer.ErrNeedMoreData {
				return SrvEventNone, nil
			}
			if err != nil {
				return SrvEventNone, err
			}
			return ev, nil

		case SrvWaitingForAuthenticationMethod, SrvWaitingForServerAuthenticationResponse, SrvWaitingForServerResponse:
			// These are momentary states the server passes through
			// synchronously within the branches above; reaching them here
			// means Resolve/internal bookkeeping hasn't advanced us yet.
			return SrvEventNone, nil

		default:
			return SrvEventNone, s.fail("socks5-server-feed", "UnexpectedRead")
		}
	}
}

func (s *Server) readGreeting() (bool, error) {
	return buffer.ParseUnwinding(s.in, func(w *buffer.Window) (bool, error) {
		hdr, err := w.ReadBytes(2)
		if err != nil {
			return false, err
		}
		if hdr[0] != version5 {
			return false, s.fail("socks5-server-greeting", "unexpected SOCKS version in greeting")
		}
		n := int(hdr[1])
		methods, err := w.ReadBytes(n)
		if err != nil {
			return false, err
		}

		s.state = SrvWaitingForAuthenticationMethod
		var chosen byte = methodNoAcceptable
		for _, m := range methods {
			if s.config.supports(m) {
				chosen = m
				break
			}
		}
		if chosen == methodNoAcceptable {
			s.queue([]byte{version5, methodNoAcceptable})
			return false, s.fail("socks5-server-greeting", "no overlapping authentication method")
		}
		s.selectedMethod = chosen
		s.queue([]byte{version5, chosen})

		if chosen == methodUsernamePassword {
			s.state = SrvWaitingForClientAuthentication
		} else {
			s.state = SrvWaitingForClientRequest
		}
		return true, nil
	})
}

func (s *Server) readAuth() (bool, error) {
	return buffer.ParseUnwinding(s.in, func(w *buffer.Window) (bool, error) {
		hdr, err := w.ReadBytes(2)
		if err != nil {
			return false, err
		}
		if hdr[0] != authVersion1 {
			return false, s.fail("socks5-server-auth", "unexpected auth sub-negotiation version")
		}
		uname, err := w.ReadBytes(int(hdr[1]))
		if err != nil {
			return false, err
		}
		plenB, err := w.ReadByte()
		if err != nil {
			return false, err
		}
		passwd, err := w.ReadBytes(int(plenB))
		if err != nil {
			return false, err
		}

		s.state = SrvWaitingForServerAuthenticationResponse
		cred := s.config.Credential
		ok := cred != nil && cred.Identity == string(uname) && cred.Token == string(passwd)
		if !ok {
			s.queue([]byte{authVersion1, 0xFF})
			return false, errors.NewAuthError("socks5-server-auth", "IncorrectUsernameOrPassword")
		}
		s.queue([]byte{authVersion1, 0x00})
		s.state = SrvWaitingForClientRequest
		return true, nil
	})
}

func (s *Server) readRequest() (ServerEvent, error) {
	return buffer.ParseUnwinding(s.in, func(w *buffer.Window) (ServerEvent, error) {
		hdr, err := w.ReadBytes(3)
		if err != nil {
			return SrvEventNone, err
		}
		if hdr[0] != version5 {
			return SrvEventNone, s.fail("socks5-server-request", "unexpected SOCKS version in request")
		}
		if hdr[1] != cmdConnect {
			return SrvEventNone, s.fail("socks5-server-request", "only CONNECT is supported")
		}
		addr, err := readAddress(w)
		if err != nil {
			return SrvEventNone, err
		}
		s.destination = addr
		s.state = SrvWaitingForServerResponse
		return SrvEventDialRequested, nil
	})
}

// Resolve is called once the asynchronous dial collaborator settles. On
// success it queues the SOCKS5 success reply with boundAddr as BND.ADDR/
// BND.PORT and returns SrvEventProxyEstablished; on failure it queues a
// reply code consistent with the failure category (see ReplyForError) and
// transitions to SrvError.
func (s *Server) Resolve(dialErr error, boundAddr proxyio.NetAddress) (ServerEvent, error) {
	if s.state != SrvWaitingForServerResponse {
		return SrvEventNone, s.fail("socks5-server-resolve", "resolve called outside WaitingForServerResponse")
	}
	if dialErr != nil {
		rep := ReplyForError(dialErr)
		reply := []byte{version5, rep, 0x00}
		reply, _ = writeAddress(reply, proxyio.NewIPAddress(zeroIPv4, 0))
		s.queue(reply)
		s.state = SrvError
		return SrvEventNone, dialErr
	}
	reply := []byte{version5, replySucceeded, 0x00}
	reply, err := writeAddress(reply, boundAddr)
	if err != nil {
		s.state = SrvError
		return SrvEventNone, err
	}
	s.queue(reply)
	s.state = SrvActive
	return SrvEventProxyEstablished, nil
}

var zeroIPv4 = []byte{0, 0, 0, 0}
