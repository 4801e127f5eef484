package glue

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

// TestSpliceBidirectional verifies bytes flow transparently in both
// directions until one side closes, per spec.md §4.10 ("Glue performs no
// transformation").
func TestSpliceBidirectional(t *testing.T) {
	local, localPeer := net.Pipe()
	peer, peerPeer := net.Pipe()

	done := make(chan error, 1)
	go func() { done <- Splice(local, peer) }()

	go func() {
		localPeer.Write([]byte("client->upstream"))
	}()
	buf := make([]byte, len("client->upstream"))
	if _, err := io.ReadFull(peerPeer, buf); err != nil {
		t.Fatalf("read on upstream side: %v", err)
	}
	if !bytes.Equal(buf, []byte("client->upstream")) {
		t.Fatalf("got %q", buf)
	}

	go func() {
		peerPeer.Write([]byte("upstream->client"))
	}()
	buf2 := make([]byte, len("upstream->client"))
	if _, err := io.ReadFull(localPeer, buf2); err != nil {
		t.Fatalf("read on client side: %v", err)
	}
	if !bytes.Equal(buf2, []byte("upstream->client")) {
		t.Fatalf("got %q", buf2)
	}

	localPeer.Close()
	peerPeer.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Splice did not return after both ends closed")
	}
}
