package httpcodec

import (
	"testing"

	"github.com/WhileEndless/go-tunnelproxy/pkg/buffer"
	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
)

func TestDecodeHeadNeedsMoreData(t *testing.T) {
	w := buffer.NewWindow()
	w.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n"))
	d := NewDecoder(w)
	if _, err := d.DecodeHead(); err != buffer.ErrNeedMoreData {
		t.Fatalf("expected ErrNeedMoreData, got %v", err)
	}
}

func TestDecodeHeadFull(t *testing.T) {
	w := buffer.NewWindow()
	w.Write([]byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\nX-Multi: a\r\nX-Multi: b\r\n\r\n"))
	d := NewDecoder(w)
	head, err := d.DecodeHead()
	if err != nil {
		t.Fatalf("DecodeHead: %v", err)
	}
	if head.Method != "GET" || head.URI != "/index.html" || head.Version != "HTTP/1.1" {
		t.Fatalf("got %+v", head)
	}
	if HeaderValue(head.Headers, "host") != "example.com" {
		t.Fatalf("expected case-insensitive header lookup to find Host")
	}
	if len(head.Headers["X-Multi"]) != 2 {
		t.Fatalf("expected two X-Multi values, got %v", head.Headers["X-Multi"])
	}
}

func TestDecodeResponseHead(t *testing.T) {
	w := buffer.NewWindow()
	w.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: 0\r\n\r\n"))
	d := NewDecoder(w)
	head, err := d.DecodeResponseHead()
	if err != nil {
		t.Fatalf("DecodeResponseHead: %v", err)
	}
	if head.StatusCode != 407 || head.Reason != "Proxy Authentication Required" {
		t.Fatalf("got %+v", head)
	}
}

func TestDecodeHeadFoldedHeader(t *testing.T) {
	w := buffer.NewWindow()
	w.Write([]byte("GET / HTTP/1.1\r\nX-Folded: first\r\n continuation\r\n\r\n"))
	d := NewDecoder(w)
	head, err := d.DecodeHead()
	if err != nil {
		t.Fatalf("DecodeHead: %v", err)
	}
	if got := HeaderValue(head.Headers, "X-Folded"); got != "firstcontinuation" {
		t.Fatalf("got %q", got)
	}
}

func TestEncodeHeadRequestAndResponse(t *testing.T) {
	e := NewEncoder()
	if err := e.EncodeHead(proxyio.MessageHead{
		Method:  "GET",
		URI:     "/",
		Version: "HTTP/1.1",
		Headers: map[string][]string{"Host": {"example.com"}},
	}); err != nil {
		t.Fatalf("EncodeHead: %v", err)
	}
	out := string(e.Flush())
	if out != "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n" {
		t.Fatalf("got %q", out)
	}

	e2 := NewEncoder()
	if err := e2.EncodeHead(proxyio.MessageHead{StatusCode: 200, Reason: "OK"}); err != nil {
		t.Fatalf("EncodeHead: %v", err)
	}
	out2 := string(e2.Flush())
	if out2 != "HTTP/1.1 200 OK\r\n\r\n" {
		t.Fatalf("got %q", out2)
	}
}

func TestDecodeBodyUnsupported(t *testing.T) {
	d := NewDecoder(buffer.NewWindow())
	if _, err := d.DecodeBody(); err == nil {
		t.Fatalf("expected DecodeBody to report unsupported")
	}
}
