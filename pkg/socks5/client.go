package socks5

import (
	"github.com/WhileEndless/go-tunnelproxy/pkg/buffer"
	"github.com/WhileEndless/go-tunnelproxy/pkg/errors"
	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
)

// ClientState enumerates the SOCKS5 client handshake states from spec.md §3.
type ClientState int

const (
	StateInactive ClientState = iota
	StateWaitingForClientGreeting
	StateWaitingForAuthenticationMethod
	StateWaitingForClientAuthentication
	StateWaitingForServerAuthenticationResponse
	StateWaitingForClientRequest
	StateWaitingForServerResponse
	StateActive
	StateError
)

func (s ClientState) String() string {
	switch s {
	case StateInactive:
		return "Inactive"
	case StateWaitingForClientGreeting:
		return "WaitingForClientGreeting"
	case StateWaitingForAuthenticationMethod:
		return "WaitingForAuthenticationMethod"
	case StateWaitingForClientAuthentication:
		return "WaitingForClientAuthentication"
	case StateWaitingForServerAuthenticationResponse:
		return "WaitingForServerAuthenticationResponse"
	case StateWaitingForClientRequest:
		return "WaitingForClientRequest"
	case StateWaitingForServerResponse:
		return "WaitingForServerResponse"
	case StateActive:
		return "Active"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ClientEvent is emitted by Client.Feed as the handshake progresses.
type ClientEvent int

const (
	// EventNone means the call consumed bytes but produced nothing
	// observable yet.
	EventNone ClientEvent = iota
	// EventProxyEstablished means the tunnel is up; the caller should
	// remove the Client from its pipeline and splice Glue (C12) using any
	// bytes still queued by Flush.
	EventProxyEstablished
)

// Client drives a SOCKS5 CONNECT handshake against a proxy server. It owns
// an inbound Window for partial-read tolerance and a byte queue of pending
// outbound writes; call Flush after each Feed to retrieve bytes that must
// be written to the connection.
type Client struct {
	state       ClientState
	destination proxyio.NetAddress
	credential  *proxyio.Credential

	in      *buffer.Window
	pending []byte
}

// NewClient creates a SOCKS5 client state machine targeting destination.
// Unix-domain destinations are rejected by proxyio.NetAddress construction
// itself (it has no such variant), satisfying the "refused at construction"
// invariant from spec.md §4.5.
func NewClient(destination proxyio.NetAddress, credential *proxyio.Credential) *Client {
	return &Client{
		state:       StateInactive,
		destination: destination,
		credential:  credential,
		in:          buffer.NewWindow(),
	}
}

// State returns the current handshake state.
func (c *Client) State() ClientState { return c.state }

// Begin starts the handshake: it queues the greeting for Flush and advances
// to WaitingForAuthenticationMethod. Precondition: State() == Inactive.
func (c *Client) Begin() error {
	if c.state != StateInactive {
		return errors.NewStateError("socks5-client-begin", "begin called outside Inactive state")
	}
	c.state = StateWaitingForClientGreeting

	methods := []byte{methodNoneRequired}
	if c.credential != nil {
		methods = []byte{methodUsernamePassword}
	}
	greeting := append([]byte{version5, byte(len(methods))}, methods...)
	c.queue(greeting)

	c.state = StateWaitingForAuthenticationMethod
	return nil
}

// Flush returns and clears all bytes queued for the connection so far.
func (c *Client) Flush() []byte {
	out := c.pending
	c.pending = nil
	return out
}

func (c *Client) queue(b []byte) {
	c.pending = append(c.pending, b...)
}

func (c *Client) fail(op, msg string) error {
	c.state = StateError
	return errors.NewStateError(op, msg)
}

// Feed supplies newly arrived bytes and drives the state machine forward as
// far as the available data allows. It returns EventProxyEstablished exactly
// once, on the transition to Active.
func (c *Client) Feed(data []byte) (ClientEvent, error) {
	if c.state == StateActive {
		return EventNone, nil
	}
	if c.state == StateError {
		return EventNone, errors.NewStateError("socks5-client-feed", "feed called after Error")
	}
	if _, err := c.in.Write(data); err != nil {
		return EventNone, err
	}

	for {
		switch c.state {
		case StateWaitingForAuthenticationMethod:
			method, err := readMethodSelection(c.in)
			if err == buffer.ErrNeedMoreData {
				return EventNone, nil
			}
			if err != nil {
				return EventNone, c.fail("socks5-client-method", err.Error())
			}
			if method.ver != version5 {
				return EventNone, c.fail("socks5-client-method", "unexpected SOCKS version in method selection")
			}
			switch method.b {
			case methodNoneRequired:
				if c.credential != nil {
					return EventNone, c.fail("socks5-client-method", "server selected NoneRequired but credential was configured")
				}
				c.state = StateWaitingForClientRequest
				c.sendRequest()
			case methodUsernamePassword:
				if c.credential == nil {
					return EventNone, c.fail("socks5-client-method", "server selected UsernamePassword without credential")
				}
				c.state = StateWaitingForClientAuthentication
				c.sendAuth()
				c.state = StateWaitingForServerAuthenticationResponse
			default:
				return EventNone, c.fail("socks5-client-method", "InvalidAuthenticationSelection")
			}

		case StateWaitingForServerAuthenticationResponse:
			b, err := c.in.ReadBytes(2)
			if err == buffer.ErrNeedMoreData {
				return EventNone, nil
			}
			if err != nil {
				return EventNone, c.fail("socks5-client-auth", err.Error())
			}
			if b[0] != authVersion1 {
				return EventNone, c.fail("socks5-client-auth", "unexpected auth sub-negotiation version")
			}
			if b[1] != 0x00 {
				return EventNone, errors.NewAuthError("socks5-client-auth", "AuthenticationFailed: IncorrectUsernameOrPassword")
			}
			c.state = StateWaitingForClientRequest
			c.sendRequest()

		case StateWaitingForServerResponse:
			ev, err := c.readReply()
			if err == buffer.ErrNeedMoreData {
				return EventNone, nil
			}
			if err != nil {
				return EventNone, err
			}
			return ev, nil

		default:
			return EventNone, c.fail("socks5-client-feed", "UnexpectedRead")
		}
	}
}

func (c *Client) sendRequest() {
	req := []byte{version5, cmdConnect, 0x00}
	req, _ = writeAddress(req, c.destination)
	c.queue(req)
	c.state = StateWaitingForServerResponse
}

func (c *Client) sendAuth() {
	cred := c.credential
	req := []byte{authVersion1, byte(len(cred.Identity))}
	req = append(req, cred.Identity...)
	req = append(req, byte(len(cred.Token)))
	req = append(req, cred.Token...)
	c.queue(req)
}

func (c *Client) readReply() (ClientEvent, error) {
	return buffer.ParseUnwinding(c.in, func(w *buffer.Window) (ClientEvent, error) {
		hdr, err := w.ReadBytes(3)
		if err != nil {
			return EventNone, err
		}
		if hdr[0] != version5 {
			return EventNone, c.fail("socks5-client-reply", "unexpected SOCKS version in reply")
		}
		rep := hdr[1]
		if _, err := readAddress(w); err != nil {
			return EventNone, err
		}
		if rep != replySucceeded {
			c.state = StateError
			return EventNone, errors.NewReplyError("socks5-client-reply", int(rep))
		}
		c.state = StateActive
		return EventProxyEstablished, nil
	})
}

// methodSelection is the two-byte server method-selection response
// (VER, METHOD), read as a unit so a split read never leaves VER consumed
// without METHOD.
type methodSelection struct {
	ver byte
	b   byte
}

func readMethodSelection(w *buffer.Window) (methodSelection, error) {
	return buffer.ParseUnwinding(w, func(w *buffer.Window) (methodSelection, error) {
		b, err := w.ReadBytes(2)
		if err != nil {
			return methodSelection{}, err
		}
		return methodSelection{ver: b[0], b: b[1]}, nil
	})
}
