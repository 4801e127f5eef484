package httpconnect

import (
	"strings"
	"testing"

	"github.com/WhileEndless/go-tunnelproxy/pkg/errors"
	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
)

// TestClientSuccessLiveness covers spec.md §8 property 1 and scenario S1:
// a 2xx response drives the client through
// Inactive->WaitingForClientGreeting->WaitingForHTTPHead->WaitingForHTTPEnd->Active
// and emits ProxyEstablished exactly once.
func TestClientSuccessLiveness(t *testing.T) {
	dest := proxyio.NewDomainAddress("127.0.0.1", 6152)
	c := NewClient(dest, nil)

	if c.State() != StateInactive {
		t.Fatalf("expected Inactive before Begin, got %v", c.State())
	}
	if err := c.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if c.State() != StateWaitingForHTTPHead {
		t.Fatalf("expected WaitingForHTTPHead after Begin, got %v", c.State())
	}

	req := string(c.Flush())
	if !strings.HasPrefix(req, "CONNECT 127.0.0.1:6152 HTTP/1.1\r\n") {
		t.Fatalf("unexpected request line: %q", req)
	}

	established := 0
	ev, err := c.Feed([]byte("HTTP/1.1 200 Connection Established\r\nContent-Length: 0\r\n\r\n"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if ev == EventProxyEstablished {
		established++
	}
	if established != 1 {
		t.Fatalf("expected ProxyEstablished exactly once, got %d", established)
	}
	if c.State() != StateActive {
		t.Fatalf("expected Active, got %v", c.State())
	}
}

// TestClientPartialRead verifies spec.md §8 property 4: splitting the
// response across arbitrary byte boundaries doesn't change the outcome.
func TestClientPartialRead(t *testing.T) {
	dest := proxyio.NewDomainAddress("127.0.0.1", 6152)
	c := NewClient(dest, nil)
	if err := c.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	c.Flush()

	resp := []byte("HTTP/1.1 200 Connection Established\r\nContent-Length: 0\r\n\r\n")
	for i := 1; i < len(resp); i++ {
		c := NewClient(dest, nil)
		c.Begin()
		c.Flush()
		var lastEvent ClientEvent
		for _, chunk := range [][]byte{resp[:i], resp[i:]} {
			ev, err := c.Feed(chunk)
			if err != nil {
				t.Fatalf("split at %d: Feed: %v", i, err)
			}
			if ev != EventNone {
				lastEvent = ev
			}
		}
		if lastEvent != EventProxyEstablished {
			t.Fatalf("split at %d: expected ProxyEstablished, got %v", i, lastEvent)
		}
		if c.State() != StateActive {
			t.Fatalf("split at %d: expected Active, got %v", i, c.State())
		}
	}
}

// TestClientAuthRequired covers S2.
func TestClientAuthRequired(t *testing.T) {
	dest := proxyio.NewDomainAddress("127.0.0.1", 6152)
	c := NewClient(dest, nil)
	c.Begin()
	c.Flush()

	_, err := c.Feed([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
	if err == nil {
		t.Fatalf("expected ProxyAuthenticationRequired error")
	}
	if errors.GetErrorType(err) != errors.ErrorTypeAuth {
		t.Fatalf("expected auth error type, got %v", errors.GetErrorType(err))
	}
	if c.State() != StateError {
		t.Fatalf("expected Error state, got %v", c.State())
	}
}

func TestClientCredentialHeader(t *testing.T) {
	dest := proxyio.NewDomainAddress("example.com", 443)
	cred := &proxyio.Credential{Identity: "user", Token: "pass"}
	c := NewClient(dest, cred)
	c.Begin()
	req := string(c.Flush())
	if !strings.Contains(req, "Proxy-Authorization: Basic dXNlcjpwYXNz\r\n") {
		t.Fatalf("expected basic auth header, got %q", req)
	}
}

// TestServerAcceptsConnect walks the server side of S1.
func TestServerAcceptsConnect(t *testing.T) {
	s := NewServer()
	ev, err := s.Feed([]byte("CONNECT 127.0.0.1:6152 HTTP/1.1\r\n\r\n"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if ev != SrvEventDialRequested {
		t.Fatalf("expected SrvEventDialRequested, got %v", ev)
	}
	if s.Destination().String() != "127.0.0.1:6152" {
		t.Fatalf("unexpected destination: %v", s.Destination())
	}

	ev, err = s.Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ev != SrvEventProxyEstablished {
		t.Fatalf("expected SrvEventProxyEstablished, got %v", ev)
	}
	out := string(s.Flush())
	if !strings.HasPrefix(out, "HTTP/1.1 200 Connection Established\r\n") {
		t.Fatalf("unexpected server response: %q", out)
	}
	if s.State() != SrvActive {
		t.Fatalf("expected Active, got %v", s.State())
	}
}

func TestServerRejectsNonConnect(t *testing.T) {
	s := NewServer()
	_, err := s.Feed([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	if err == nil {
		t.Fatalf("expected error for non-CONNECT method")
	}
	if s.State() != SrvError {
		t.Fatalf("expected Error state, got %v", s.State())
	}
}
