// Package httpconnect implements the HTTP CONNECT client and server
// handshake state machines (C4, C5): a single-request, single-response
// exchange that upgrades a TCP connection into an opaque byte tunnel.
package httpconnect

import (
	"encoding/base64"
	"fmt"

	"github.com/WhileEndless/go-tunnelproxy/pkg/buffer"
	"github.com/WhileEndless/go-tunnelproxy/pkg/errors"
	"github.com/WhileEndless/go-tunnelproxy/pkg/httpcodec"
	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
)

// ClientState enumerates the CONNECT client handshake states, per spec.md §3.
type ClientState int

const (
	StateInactive ClientState = iota
	StateWaitingForClientGreeting
	StateWaitingForHTTPHead
	StateWaitingForHTTPEnd
	StateActive
	StateError
)

func (s ClientState) String() string {
	switch s {
	case StateInactive:
		return "Inactive"
	case StateWaitingForClientGreeting:
		return "WaitingForClientGreeting"
	case StateWaitingForHTTPHead:
		return "WaitingForHTTPHead"
	case StateWaitingForHTTPEnd:
		return "WaitingForHTTPEnd"
	case StateActive:
		return "Active"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ClientEvent is emitted by Client.Feed.
type ClientEvent int

const (
	EventNone ClientEvent = iota
	// EventDeliverOneHead fires once the response head has been parsed and
	// accepted (2xx); the caller doesn't usually need to act on it, but it
	// mirrors the on_head/DeliverOneHead split from spec.md §4.2.
	EventDeliverOneHead
	EventProxyEstablished
)

// Client drives an HTTP CONNECT handshake against a proxy server.
type Client struct {
	state       ClientState
	destination proxyio.NetAddress
	credential  *proxyio.Credential

	in      *buffer.Window
	decoder *httpcodec.Decoder
	pending []byte
}

// NewClient creates a CONNECT client state machine targeting destination.
func NewClient(destination proxyio.NetAddress, credential *proxyio.Credential) *Client {
	w := buffer.NewWindow()
	return &Client{
		state:       StateInactive,
		destination: destination,
		credential:  credential,
		in:          w,
		decoder:     httpcodec.NewDecoder(w),
	}
}

// State returns the current handshake state.
func (c *Client) State() ClientState { return c.state }

// Begin emits the CONNECT request line and any Proxy-Authorization header.
// Precondition: State() == Inactive.
func (c *Client) Begin() error {
	if c.state != StateInactive {
		return errors.NewStateError("connect-client-begin", "begin called outside Inactive state")
	}
	c.state = StateWaitingForClientGreeting

	target := c.destination.String()
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\n", target)
	if c.credential != nil {
		token := base64.StdEncoding.EncodeToString([]byte(c.credential.Identity + ":" + c.credential.Token))
		req += "Proxy-Authorization: Basic " + token + "\r\n"
	}
	req += "\r\n"
	c.queue([]byte(req))

	c.state = StateWaitingForHTTPHead
	return nil
}

// Flush returns and clears bytes queued for the connection.
func (c *Client) Flush() []byte {
	out := c.pending
	c.pending = nil
	return out
}

func (c *Client) queue(b []byte) { c.pending = append(c.pending, b...) }

func (c *Client) fail(op, msg string) error {
	c.state = StateError
	return errors.NewStateError(op, msg)
}

// Feed supplies newly arrived bytes. A CONNECT response has no body, so one
// successful head parse is immediately followed by the Active transition;
// on((end)) exists only as a named step in spec.md's state graph.
func (c *Client) Feed(data []byte) (ClientEvent, error) {
	if c.state == StateActive {
		return EventNone, nil
	}
	if c.state == StateError {
		return EventNone, errors.NewStateError("connect-client-feed", "feed called after Error")
	}
	if _, err := c.in.Write(data); err != nil {
		return EventNone, err
	}

	switch c.state {
	case StateWaitingForHTTPHead:
		head, err := c.decoder.DecodeResponseHead()
		if err == buffer.ErrNeedMoreData {
			return EventNone, nil
		}
		if err != nil {
			return EventNone, c.fail("connect-client-head", err.Error())
		}
		return c.onHead(head)
	default:
		return EventNone, c.fail("connect-client-feed", "UnexpectedRead")
	}
}

func (c *Client) onHead(head proxyio.MessageHead) (ClientEvent, error) {
	switch {
	case head.StatusCode >= 200 && head.StatusCode < 300:
		c.state = StateWaitingForHTTPEnd
		return c.onEnd()
	case head.StatusCode == 407:
		c.state = StateError
		return EventNone, errors.NewAuthError("connect-client-head", "ProxyAuthenticationRequired")
	default:
		c.state = StateError
		return EventNone, errors.NewReplyError("connect-client-head", head.StatusCode)
	}
}

// onEnd corresponds to spec.md's on_end(trailers): a CONNECT response has no
// body/trailers to wait for, so the transition to Active happens in the
// same Feed call that accepted the head.
func (c *Client) onEnd() (ClientEvent, error) {
	if c.state != StateWaitingForHTTPEnd {
		return EventNone, c.fail("connect-client-end", "end called outside WaitingForHTTPEnd")
	}
	c.state = StateActive
	return EventProxyEstablished, nil
}
