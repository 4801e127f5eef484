package httpproxy

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
)

func TestDeriveDestinationAbsoluteURI(t *testing.T) {
	head := proxyio.MessageHead{Method: "GET", URI: "http://example.com/index.html", Headers: map[string][]string{}}
	dest, err := DeriveDestination(head)
	if err != nil {
		t.Fatalf("DeriveDestination: %v", err)
	}
	if dest.String() != "example.com:80" {
		t.Fatalf("got %v, want example.com:80", dest)
	}
}

func TestDeriveDestinationHTTPSPort(t *testing.T) {
	head := proxyio.MessageHead{Method: "GET", URI: "https://example.com:8443/", Headers: map[string][]string{}}
	dest, err := DeriveDestination(head)
	if err != nil {
		t.Fatalf("DeriveDestination: %v", err)
	}
	if dest.String() != "example.com:8443" {
		t.Fatalf("got %v, want example.com:8443", dest)
	}
}

func TestDeriveDestinationFallsBackToHostHeader(t *testing.T) {
	head := proxyio.MessageHead{
		Method:  "GET",
		URI:     "/index.html",
		Headers: map[string][]string{"Host": {"example.org:8080"}},
	}
	dest, err := DeriveDestination(head)
	if err != nil {
		t.Fatalf("DeriveDestination: %v", err)
	}
	if dest.String() != "example.org:8080" {
		t.Fatalf("got %v, want example.org:8080", dest)
	}
}

func TestFeedFullRequestRequiresDial(t *testing.T) {
	s := NewServer(Config{})
	ev, err := s.Feed([]byte("GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if ev != EventDialRequested {
		t.Fatalf("expected EventDialRequested, got %v", ev)
	}
	if s.Destination().String() != "example.com:80" {
		t.Fatalf("unexpected destination: %v", s.Destination())
	}

	ev, err = s.Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ev != EventEstablished {
		t.Fatalf("expected EventEstablished, got %v", ev)
	}
	out := string(s.Flush())
	if !strings.HasPrefix(out, "GET http://example.com/ HTTP/1.1\r\n") {
		t.Fatalf("expected re-serialized request head, got %q", out)
	}
	if strings.Contains(out, "Proxy-Connection") {
		t.Fatalf("hop-by-hop header leaked through: %q", out)
	}
}

func TestFeedRequiresAuth(t *testing.T) {
	cred := &proxyio.Credential{Identity: "u", Token: "p"}
	s := NewServer(Config{Credential: cred})
	ev, err := s.Feed([]byte("GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	if err == nil {
		t.Fatalf("expected auth error")
	}
	if ev != EventAuthRequired {
		t.Fatalf("expected EventAuthRequired, got %v", ev)
	}
	out := string(s.Flush())
	if !strings.HasPrefix(out, "HTTP/1.1 407") {
		t.Fatalf("expected 407 response, got %q", out)
	}
}

func TestFeedAcceptsValidAuth(t *testing.T) {
	cred := &proxyio.Credential{Identity: "u", Token: "p"}
	s := NewServer(Config{Credential: cred})
	req := "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\nProxy-Authorization: Basic dTpw\r\n\r\n"
	ev, err := s.Feed([]byte(req))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if ev != EventDialRequested {
		t.Fatalf("expected EventDialRequested, got %v", ev)
	}
}

func TestFeedBuffersBodyDuringDial(t *testing.T) {
	s := NewServer(Config{})
	ev, err := s.Feed([]byte("POST http://example.com/submit HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\n\r\n"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if ev != EventDialRequested {
		t.Fatalf("expected EventDialRequested, got %v", ev)
	}
	if ev, err := s.Feed([]byte("hello")); err != nil || ev != EventNone {
		t.Fatalf("expected buffered body to produce no event, got %v/%v", ev, err)
	}
	ev, err = s.Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ev != EventEstablished {
		t.Fatalf("expected EventEstablished, got %v", ev)
	}
	out := string(s.Flush())
	if !strings.HasSuffix(out, "hello") {
		t.Fatalf("expected buffered body replayed after the head, got %q", out)
	}
}

// TestFeedBuffersLargeBodyPastMemoryLimit covers the body buffer's
// disk-spill path (buffer.Buffer, not a raw growing slice): a body well
// past buffer.DefaultMemoryLimit must still come back intact after Resolve.
func TestFeedBuffersLargeBodyPastMemoryLimit(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 5*1024*1024) // 5MB, past the 4MB default limit

	s := NewServer(Config{})
	req := fmt.Sprintf("POST http://example.com/submit HTTP/1.1\r\nHost: example.com\r\nContent-Length: %d\r\n\r\n", len(body))
	ev, err := s.Feed([]byte(req))
	if err != nil {
		t.Fatalf("Feed head: %v", err)
	}
	if ev != EventDialRequested {
		t.Fatalf("expected EventDialRequested, got %v", ev)
	}

	const chunkSize = 64 * 1024
	for i := 0; i < len(body); i += chunkSize {
		end := i + chunkSize
		if end > len(body) {
			end = len(body)
		}
		if ev, err := s.Feed(body[i:end]); err != nil || ev != EventNone {
			t.Fatalf("Feed body chunk: ev=%v err=%v", ev, err)
		}
	}
	if !s.body.IsSpilled() {
		t.Fatalf("expected body buffer to have spilled to disk past the memory limit")
	}

	ev, err = s.Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ev != EventEstablished {
		t.Fatalf("expected EventEstablished, got %v", ev)
	}
	out := s.Flush()
	if !bytes.HasPrefix(out, []byte("POST http://example.com/submit HTTP/1.1\r\n")) {
		t.Fatalf("expected re-serialized request line, got prefix %q", out[:60])
	}
	if !bytes.Contains(out, []byte("Content-Length: "+strconv.Itoa(len(body))+"\r\n")) {
		t.Fatalf("expected Content-Length header for %d bytes", len(body))
	}
	if !bytes.HasSuffix(out, body) {
		t.Fatalf("expected buffered body intact at the end (got %d trailing bytes)", len(out))
	}
}
