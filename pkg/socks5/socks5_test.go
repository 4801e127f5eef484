package socks5

import (
	"net"
	"testing"

	"github.com/WhileEndless/go-tunnelproxy/pkg/errors"
	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
)

// TestHandshakeNoAuth drives a full client/server exchange with no
// credential configured, covering scenario S3 and property 2 (client and
// server agree on the same wire bytes).
func TestHandshakeNoAuth(t *testing.T) {
	dest := proxyio.NewDomainAddress("example.com", 443)
	client := NewClient(dest, nil)
	server := NewServer(ServerConfig{SupportedMethods: []byte{methodNoneRequired}})

	if err := client.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// Greeting: client -> server.
	ev, err := server.Feed(client.Flush())
	if err != nil {
		t.Fatalf("server greeting: %v", err)
	}
	if ev != SrvEventNone {
		t.Fatalf("unexpected server event after greeting: %v", ev)
	}

	// Method selection: server -> client.
	cev, err := client.Feed(server.Flush())
	if err != nil {
		t.Fatalf("client method selection: %v", err)
	}
	if cev != EventNone {
		t.Fatalf("unexpected client event: %v", cev)
	}

	// CONNECT request: client -> server.
	ev, err = server.Feed(client.Flush())
	if err != nil {
		t.Fatalf("server request: %v", err)
	}
	if ev != SrvEventDialRequested {
		t.Fatalf("expected SrvEventDialRequested, got %v", ev)
	}
	if server.Destination().String() != "example.com:443" {
		t.Fatalf("unexpected destination: %v", server.Destination())
	}

	// Resolve with a bound address.
	bound := proxyio.NewIPAddress(net.ParseIP("10.0.0.1"), 1080)
	ev, err = server.Resolve(nil, bound)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ev != SrvEventProxyEstablished {
		t.Fatalf("expected SrvEventProxyEstablished, got %v", ev)
	}

	// Reply: server -> client.
	cev, err = client.Feed(server.Flush())
	if err != nil {
		t.Fatalf("client reply: %v", err)
	}
	if cev != EventProxyEstablished {
		t.Fatalf("expected EventProxyEstablished, got %v", cev)
	}
	if client.State() != StateActive || server.State() != SrvActive {
		t.Fatalf("expected both sides Active, got client=%v server=%v", client.State(), server.State())
	}
}

// TestHandshakeWithAuth covers S4: username/password sub-negotiation.
func TestHandshakeWithAuth(t *testing.T) {
	cred := &proxyio.Credential{Identity: "alice", Token: "s3cret"}
	dest := proxyio.NewDomainAddress("internal.example", 80)
	client := NewClient(dest, cred)
	server := NewServer(ServerConfig{SupportedMethods: []byte{methodUsernamePassword}, Credential: cred})

	client.Begin()
	server.Feed(client.Flush())
	client.Feed(server.Flush())
	server.Feed(client.Flush()) // auth sub-negotiation
	cev, err := client.Feed(server.Flush())
	if err != nil {
		t.Fatalf("client auth response: %v", err)
	}
	if cev != EventNone {
		t.Fatalf("unexpected event after auth: %v", cev)
	}

	ev, err := server.Feed(client.Flush())
	if err != nil {
		t.Fatalf("server request: %v", err)
	}
	if ev != SrvEventDialRequested {
		t.Fatalf("expected SrvEventDialRequested, got %v", ev)
	}

	ev, err = server.Resolve(nil, proxyio.NewIPAddress(net.ParseIP("0.0.0.0"), 0))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ev != SrvEventProxyEstablished {
		t.Fatalf("expected SrvEventProxyEstablished, got %v", ev)
	}
	cev, err = client.Feed(server.Flush())
	if err != nil {
		t.Fatalf("client reply: %v", err)
	}
	if cev != EventProxyEstablished {
		t.Fatalf("expected EventProxyEstablished, got %v", cev)
	}
}

// TestHandshakeWrongCredential covers the IncorrectUsernameOrPassword path.
func TestHandshakeWrongCredential(t *testing.T) {
	serverCred := &proxyio.Credential{Identity: "alice", Token: "s3cret"}
	clientCred := &proxyio.Credential{Identity: "alice", Token: "wrong"}
	dest := proxyio.NewDomainAddress("internal.example", 80)
	client := NewClient(dest, clientCred)
	server := NewServer(ServerConfig{SupportedMethods: []byte{methodUsernamePassword}, Credential: serverCred})

	client.Begin()
	server.Feed(client.Flush())
	client.Feed(server.Flush())
	_, err := server.Feed(client.Flush())
	if err == nil {
		t.Fatalf("expected auth failure")
	}
	if errors.GetErrorType(err) != errors.ErrorTypeAuth {
		t.Fatalf("expected auth error type, got %v", errors.GetErrorType(err))
	}

	_, err = client.Feed(server.Flush())
	if err == nil {
		t.Fatalf("expected client to observe auth failure")
	}
}

// TestPartialReadTolerance verifies property 4: splitting every wire message
// into single bytes doesn't change the outcome.
func TestPartialReadTolerance(t *testing.T) {
	dest := proxyio.NewDomainAddress("example.com", 443)
	client := NewClient(dest, nil)
	server := NewServer(ServerConfig{SupportedMethods: []byte{methodNoneRequired}})

	client.Begin()
	feedByByte(t, server.Feed, client.Flush())
	feedByByte(t, client.Feed, server.Flush())
	var destEvent ServerEvent
	for _, b := range client.Flush() {
		ev, err := server.Feed([]byte{b})
		if err != nil {
			t.Fatalf("server byte feed: %v", err)
		}
		if ev != SrvEventNone {
			destEvent = ev
		}
	}
	if destEvent != SrvEventDialRequested {
		t.Fatalf("expected SrvEventDialRequested, got %v", destEvent)
	}

	ev, err := server.Resolve(nil, proxyio.NewIPAddress(net.ParseIP("127.0.0.1"), 9))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ev != SrvEventProxyEstablished {
		t.Fatalf("expected SrvEventProxyEstablished, got %v", ev)
	}

	var lastClientEvent ClientEvent
	for _, b := range server.Flush() {
		ev, err := client.Feed([]byte{b})
		if err != nil {
			t.Fatalf("client byte feed: %v", err)
		}
		if ev != EventNone {
			lastClientEvent = ev
		}
	}
	if lastClientEvent != EventProxyEstablished {
		t.Fatalf("expected EventProxyEstablished, got %v", lastClientEvent)
	}
}

func feedByByte[E any](t *testing.T, feed func([]byte) (E, error), data []byte) {
	t.Helper()
	for _, b := range data {
		if _, err := feed([]byte{b}); err != nil {
			t.Fatalf("byte feed: %v", err)
		}
	}
}

func TestReplyForError(t *testing.T) {
	cases := []struct {
		err  error
		want byte
	}{
		{nil, replySucceeded},
		{errors.NewConnectionError("example.com", 443, nil), replyConnectionRefused},
		{errors.NewDNSError("example.com", nil), replyHostUnreachable},
		{errors.NewValidationError("bad address"), replyAddressTypeUnsupport},
	}
	for _, c := range cases {
		if got := ReplyForError(c.err); got != c.want {
			t.Errorf("ReplyForError(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
