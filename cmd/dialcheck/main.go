// Command dialcheck drives each handshake state machine end to end and
// reports which scenarios from spec.md §8 pass. The CONNECT and SOCKS5
// handshakes run over an in-memory net.Pipe(); the outbound-transport and
// reference-dialer checks use loopback sockets on 127.0.0.1. It exists to
// smoke-test the protocol
// core the way a developer would sanity-check a build before wiring it
// into a real acceptor loop.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"github.com/WhileEndless/go-tunnelproxy/pkg/httpconnect"
	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
	"github.com/WhileEndless/go-tunnelproxy/pkg/socks5"
	"github.com/WhileEndless/go-tunnelproxy/pkg/transport"
	"github.com/WhileEndless/go-tunnelproxy/pkg/vmess"
)

type scenario struct {
	name string
	run  func() error
}

func main() {
	scenarios := []scenario{
		{"S1 HTTP CONNECT success", checkHTTPConnect},
		{"S3 SOCKS5 no-auth", checkSOCKS5NoAuth},
		{"S5 VMESS request header round trip", checkVMessRequestHeader},
		{"outbound transport dials the CONNECT target for real", checkOutboundTransportDial},
		{"reference dialer parity (golang.org/x/net/proxy)", checkReferenceDialerParity},
	}

	failed := false
	for _, s := range scenarios {
		if err := s.run(); err != nil {
			fmt.Printf("FAIL %s: %v\n", s.name, err)
			failed = true
			continue
		}
		fmt.Printf("PASS %s\n", s.name)
	}
	if failed {
		os.Exit(1)
	}
}

// checkHTTPConnect drives httpconnect.Client/Server across a net.Pipe,
// mirroring pkg/httpconnect/connect_test.go's TestServerAcceptsConnect but
// over a real (in-memory) connection instead of direct Feed calls.
func checkHTTPConnect() error {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	dest := proxyio.NewDomainAddress("127.0.0.1", 6152)
	client := httpconnect.NewClient(dest, nil)
	server := httpconnect.NewServer()

	done := make(chan error, 1)
	go func() { done <- runConnectServer(server, serverConn) }()

	if err := client.Begin(); err != nil {
		return fmt.Errorf("client Begin: %w", err)
	}
	if _, err := clientConn.Write(client.Flush()); err != nil {
		return fmt.Errorf("write CONNECT request: %w", err)
	}

	buf := make([]byte, 4096)
	n, err := clientConn.Read(buf)
	if err != nil {
		return fmt.Errorf("read CONNECT response: %w", err)
	}
	ev, err := client.Feed(buf[:n])
	if err != nil {
		return fmt.Errorf("client Feed: %w", err)
	}
	if ev != httpconnect.EventProxyEstablished {
		return fmt.Errorf("expected EventProxyEstablished, got %v", ev)
	}

	return <-done
}

func runConnectServer(server *httpconnect.Server, conn net.Conn) error {
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("read CONNECT request: %w", err)
	}
	ev, err := server.Feed(buf[:n])
	if err != nil {
		return fmt.Errorf("server Feed: %w", err)
	}
	if ev != httpconnect.SrvEventDialRequested {
		return fmt.Errorf("expected SrvEventDialRequested, got %v", ev)
	}
	if _, err := server.Resolve(nil); err != nil {
		return fmt.Errorf("server Resolve: %w", err)
	}
	if _, err := conn.Write(server.Flush()); err != nil {
		return fmt.Errorf("write CONNECT response: %w", err)
	}
	return nil
}

// checkOutboundTransportDial wires pkg/transport's Dialer in as the real
// proxyio.Dial collaborator a CONNECT server uses to reach the destination
// its client requested, instead of the nil stub the other scenarios pass to
// Server.Resolve. An echo listener stands in for the real target; once the
// tunnel is established, a probe round trip over the dialed connection
// confirms the outbound leg is a genuine socket, not a fake.
func checkOutboundTransportDial() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return fmt.Errorf("split listener addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("parse listener port: %w", err)
	}
	dest := proxyio.NewDomainAddress(host, uint16(port))

	tr := transport.New()
	defer tr.Close()
	dialer := transport.NewDialer(tr, transport.DialerOptions{Scheme: "http", ConnTimeout: 2 * time.Second})

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := httpconnect.NewClient(dest, nil)
	server := httpconnect.NewServer()

	outbound := make(chan net.Conn, 1)
	done := make(chan error, 1)
	go func() { done <- runConnectServerWithDial(server, serverConn, dialer.AsProxyioDial(), outbound) }()

	if err := client.Begin(); err != nil {
		return fmt.Errorf("client Begin: %w", err)
	}
	if _, err := clientConn.Write(client.Flush()); err != nil {
		return fmt.Errorf("write CONNECT request: %w", err)
	}
	buf := make([]byte, 4096)
	n, err := clientConn.Read(buf)
	if err != nil {
		return fmt.Errorf("read CONNECT response: %w", err)
	}
	if ev, err := client.Feed(buf[:n]); err != nil || ev != httpconnect.EventProxyEstablished {
		return fmt.Errorf("client Feed: ev=%v err=%v", ev, err)
	}
	if err := <-done; err != nil {
		return err
	}

	outConn := <-outbound
	defer outConn.Close()

	probe := []byte("dialcheck-probe")
	if _, err := outConn.Write(probe); err != nil {
		return fmt.Errorf("write probe to dialed connection: %w", err)
	}
	echoed := make([]byte, len(probe))
	if _, err := io.ReadFull(outConn, echoed); err != nil {
		return fmt.Errorf("read echo from dialed connection: %w", err)
	}
	if !bytes.Equal(echoed, probe) {
		return fmt.Errorf("echo mismatch: got %q, want %q", echoed, probe)
	}
	return nil
}

// runConnectServerWithDial mirrors runConnectServer but, on
// SrvEventDialRequested, actually calls dial against server.Destination()
// instead of resolving with a nil stub — it sends the dialed connection back
// on outbound for the caller to exercise.
func runConnectServerWithDial(server *httpconnect.Server, conn net.Conn, dial proxyio.Dial, outbound chan<- net.Conn) error {
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("read CONNECT request: %w", err)
	}
	ev, err := server.Feed(buf[:n])
	if err != nil {
		return fmt.Errorf("server Feed: %w", err)
	}
	if ev != httpconnect.SrvEventDialRequested {
		return fmt.Errorf("expected SrvEventDialRequested, got %v", ev)
	}

	outConn, dialErr := dial(context.Background(), server.Destination())
	if dialErr == nil {
		outbound <- outConn
	} else {
		close(outbound)
	}
	if _, err := server.Resolve(dialErr); err != nil {
		return fmt.Errorf("server Resolve: %w", err)
	}
	if _, err := conn.Write(server.Flush()); err != nil {
		return fmt.Errorf("write CONNECT response: %w", err)
	}
	return nil
}

// checkSOCKS5NoAuth drives socks5.Client/Server across a net.Pipe through
// the full greeting/method-selection/request/reply exchange (S3).
func checkSOCKS5NoAuth() error {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	dest := proxyio.NewDomainAddress("example.com", 443)
	client := socks5.NewClient(dest, nil)
	server := socks5.NewServer(socks5.ServerConfig{SupportedMethods: []byte{0x00}})

	done := make(chan error, 1)
	go func() { done <- runSOCKS5Server(server, serverConn) }()

	if err := client.Begin(); err != nil {
		return fmt.Errorf("client Begin: %w", err)
	}
	if _, err := clientConn.Write(client.Flush()); err != nil {
		return err
	}

	// Method selection reply.
	buf := make([]byte, 4096)
	n, err := clientConn.Read(buf)
	if err != nil {
		return fmt.Errorf("read method selection: %w", err)
	}
	if _, err := client.Feed(buf[:n]); err != nil {
		return fmt.Errorf("client Feed (method selection): %w", err)
	}
	if _, err := clientConn.Write(client.Flush()); err != nil {
		return err
	}

	// CONNECT reply.
	n, err = clientConn.Read(buf)
	if err != nil {
		return fmt.Errorf("read CONNECT reply: %w", err)
	}
	ev, err := client.Feed(buf[:n])
	if err != nil {
		return fmt.Errorf("client Feed (reply): %w", err)
	}
	if ev != socks5.EventProxyEstablished {
		return fmt.Errorf("expected EventProxyEstablished, got %v", ev)
	}

	return <-done
}

func runSOCKS5Server(server *socks5.Server, conn net.Conn) error {
	buf := make([]byte, 4096)

	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if _, err := server.Feed(buf[:n]); err != nil {
		return fmt.Errorf("server Feed (greeting): %w", err)
	}
	if _, err := conn.Write(server.Flush()); err != nil {
		return err
	}

	n, err = conn.Read(buf)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	ev, err := server.Feed(buf[:n])
	if err != nil {
		return fmt.Errorf("server Feed (request): %w", err)
	}
	if ev != socks5.SrvEventDialRequested {
		return fmt.Errorf("expected SrvEventDialRequested, got %v", ev)
	}

	bound := proxyio.NewIPAddress(net.ParseIP("10.0.0.1"), 1080)
	if _, err := server.Resolve(nil, bound); err != nil {
		return fmt.Errorf("server Resolve: %w", err)
	}
	_, err = conn.Write(server.Flush())
	return err
}

// checkVMessRequestHeader exercises the VMESS header sealer/opener pair
// in-process (no transport needed: the header is the whole unit under test).
func checkVMessRequestHeader() error {
	var userID [16]byte
	copy(userID[:], []byte("0123456789abcdef"))

	keys, err := vmess.NewSessionKeys()
	if err != nil {
		return fmt.Errorf("NewSessionKeys: %w", err)
	}

	req := vmess.RequestHeader{
		UserID:   userID,
		Security: vmess.SecurityAES128GCM,
		Command:  vmess.CommandTCP,
		Options:  vmess.OptionChunkStream | vmess.OptionChunkMasking,
		Address:  proxyio.NewDomainAddress("example.com", 443),
	}

	wire, err := vmess.SealRequestHeader(req, keys)
	if err != nil {
		return fmt.Errorf("SealRequestHeader: %w", err)
	}

	opened, openedKeys, _, err := vmess.OpenRequestHeader(wire, [][16]byte{userID})
	if err != nil {
		return fmt.Errorf("OpenRequestHeader: %w", err)
	}
	if opened.UserID != userID || openedKeys.RequestBodyKey != keys.RequestBodyKey {
		return fmt.Errorf("recovered header/keys don't match what was sealed")
	}
	return nil
}

// checkReferenceDialerParity constructs golang.org/x/net/proxy's direct
// dialer as a sanity baseline: it must report the same connect-refused
// failure shape as a raw net.Dial against a closed local port, confirming
// the reference dialer the hand-rolled SOCKS5 client state machine (C7)
// supersedes is still usable standalone for anyone who wants it.
func checkReferenceDialerParity() error {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	addr := l.Addr().String()
	l.Close() // closed immediately so both dialers see connection-refused

	d := proxy.Direct
	deadline := time.Now().Add(500 * time.Millisecond)
	_, err1 := net.DialTimeout("tcp", addr, time.Until(deadline))
	conn, err2 := d.Dial("tcp", addr)
	if conn != nil {
		conn.Close()
	}
	if (err1 == nil) != (err2 == nil) {
		return fmt.Errorf("reference dialer disagreed with net.Dial: %v vs %v", err1, err2)
	}
	return nil
}
