// Package proxyio defines the data model and collaborator interfaces shared
// by every protocol state machine in this module. State machines in
// pkg/socks5, pkg/httpconnect, pkg/httpproxy, pkg/vmess and pkg/mitm depend
// only on these types, never on each other, so each protocol engine can be
// tested and reused in isolation.
package proxyio

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// AddressKind tags the variant held by a NetAddress.
type AddressKind uint8

const (
	// AddressDomain holds a hostname and port that must be resolved by
	// whichever collaborator eventually dials it.
	AddressDomain AddressKind = iota
	// AddressIPv4 holds a 4-byte IPv4 address and port.
	AddressIPv4
	// AddressIPv6 holds a 16-byte IPv6 address and port.
	AddressIPv6
)

// NetAddress is the tagged destination-address variant used throughout the
// proxy handshakes (SOCKS5 CONNECT requests/replies, VMESS address blocks,
// HTTP CONNECT targets). Construction through NewDomainAddress/NewIPAddress
// is preferred over building the struct directly so the "no unix sockets"
// invariant holds everywhere a NetAddress can appear.
type NetAddress struct {
	Kind   AddressKind
	Domain string
	IP     net.IP
	Port   uint16
}

// NewDomainAddress builds a domain-form destination address.
func NewDomainAddress(host string, port uint16) NetAddress {
	return NetAddress{Kind: AddressDomain, Domain: host, Port: port}
}

// NewIPAddress builds an IPv4 or IPv6 destination address depending on the
// shape of ip. It does not validate ip: a nil or malformed ip yields an
// AddressIPv6 whose IP is nil, so callers that accept attacker-controlled
// input should validate before calling this.
func NewIPAddress(ip net.IP, port uint16) NetAddress {
	if ip4 := ip.To4(); ip4 != nil {
		return NetAddress{Kind: AddressIPv4, IP: ip4, Port: port}
	}
	return NetAddress{Kind: AddressIPv6, IP: ip.To16(), Port: port}
}

// ParseNetAddress splits a "host:port" string into a NetAddress, preferring
// the IP variant when host parses as a literal address. Unix-domain socket
// paths (no colon-separated port, or a path-like host) are rejected, per the
// construction-time invariant that proxy paths never carry unix sockets.
func ParseNetAddress(hostport string) (NetAddress, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return NetAddress{}, fmt.Errorf("proxyio: invalid address %q: %w", hostport, err)
	}
	if strings.Contains(host, "/") {
		return NetAddress{}, fmt.Errorf("proxyio: invalid host %q: looks like a socket path", host)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return NetAddress{}, fmt.Errorf("proxyio: invalid port %q: %w", portStr, err)
	}
	if ip := net.ParseIP(host); ip != nil {
		return NewIPAddress(ip, port), nil
	}
	return NewDomainAddress(host, port), nil
}

// String renders the address in host:port form.
func (a NetAddress) String() string {
	switch a.Kind {
	case AddressIPv4, AddressIPv6:
		return net.JoinHostPort(a.IP.String(), fmt.Sprintf("%d", a.Port))
	default:
		return net.JoinHostPort(a.Domain, fmt.Sprintf("%d", a.Port))
	}
}

// Host returns the textual host component regardless of variant.
func (a NetAddress) Host() string {
	switch a.Kind {
	case AddressIPv4, AddressIPv6:
		return a.IP.String()
	default:
		return a.Domain
	}
}

// Credential is a username/token pair used for HTTP Proxy-Authorization
// (Basic) and SOCKS5 username/password sub-negotiation.
type Credential struct {
	Identity string
	Token    string
}

// Dial opens a TCP connection to addr. Implementations are expected to
// respect ctx cancellation. The server state machines (C5, C6, C8) never
// call a Dial themselves: they report the requested destination as an
// event, and their caller dials it and then resolves the handshake.
type Dial func(ctx context.Context, addr NetAddress) (net.Conn, error)

// TLSServerHandler wraps a raw connection with a TLS server-side handshake
// using the given certificate. Used by the MITM splice (C13) to terminate
// TLS on the client-facing side of an intercepted tunnel.
type TLSServerHandler func(conn net.Conn, cert *TLSCertificate) (net.Conn, error)

// TLSClientHandler wraps a raw connection with a TLS client-side handshake
// toward serverName. verifySkip disables certificate verification, mirroring
// Config.InsecureTLS in pkg/transport's outbound client.
type TLSClientHandler func(conn net.Conn, serverName string, verifySkip bool) (net.Conn, error)

// TLSCertificate is the minimal shape the MITM splice needs from the
// certificate pool (C14): a leaf certificate chain plus its private key, in
// a form that both the real TLS engine and tests can construct.
type TLSCertificate struct {
	CertDER [][]byte
	KeyDER  []byte
}

// MessageHead is the minimal parsed shape of an HTTP/1 request or response
// head, produced by the HTTPRequestDecoder/HTTPResponseEncoder collaborators
// (C2, external to the core but implemented in pkg/httpcodec).
type MessageHead struct {
	// RequestLine fields (zero for a response head).
	Method string
	URI    string
	// StatusLine fields (zero for a request head).
	StatusCode int
	Reason     string

	Version string
	Headers map[string][]string
}

// HTTPRequestDecoder parses a request head followed by an optional body from
// a byte stream, emitting the parsed parts as they become available.
type HTTPRequestDecoder interface {
	DecodeHead() (MessageHead, error)
	DecodeBody() ([]byte, error)
}

// HTTPResponseEncoder serializes a response head (and body, if any) onto a
// byte stream.
type HTTPResponseEncoder interface {
	EncodeHead(head MessageHead) error
	EncodeBody(chunk []byte) error
}

// Direction tags which side of a splice a captured message part travelled.
type Direction uint8

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

// TrafficCapture is an optional observer invoked by the MITM splice as
// message parts flow through it. The plain HTTP proxy server does not call
// it.
type TrafficCapture interface {
	ObserveHead(dir Direction, head MessageHead)
	ObserveBody(dir Direction, chunk []byte)
}

// CertificatePool issues and caches per-host leaf certificates signed by a
// locally held root (C14).
type CertificatePool interface {
	RegisterKeys(patterns []string)
	Value(host string) (*TLSCertificate, error)
	RemoveValue(host string)
	RemoveAllValues()
}
