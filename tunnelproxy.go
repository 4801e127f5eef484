// Package tunnelproxy is the root of the proxy protocol core: it
// re-exports the handshake state machines, VMESS session/framing types,
// and collaborator interfaces that live under pkg/ so callers outside this
// module can build a runtime (CLI, TUI, config loader, connection
// acceptor) on top of a single import.
//
// Everything outside this core — configuration file parsing, routing
// between policies, the outer connection acceptor, and the TLS engine's
// own handshake machinery — is an external collaborator referenced only
// through the interfaces in pkg/proxyio.
package tunnelproxy

import (
	"github.com/WhileEndless/go-tunnelproxy/pkg/certpool"
	"github.com/WhileEndless/go-tunnelproxy/pkg/errors"
	"github.com/WhileEndless/go-tunnelproxy/pkg/glue"
	"github.com/WhileEndless/go-tunnelproxy/pkg/httpconnect"
	"github.com/WhileEndless/go-tunnelproxy/pkg/httpproxy"
	"github.com/WhileEndless/go-tunnelproxy/pkg/mitm"
	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
	"github.com/WhileEndless/go-tunnelproxy/pkg/socks5"
	"github.com/WhileEndless/go-tunnelproxy/pkg/tlsconfig"
	"github.com/WhileEndless/go-tunnelproxy/pkg/transport"
	"github.com/WhileEndless/go-tunnelproxy/pkg/vmess"
)

// Version identifies this module's protocol-core release.
const Version = "1.0.0"

// GetVersion returns the current module version.
func GetVersion() string {
	return Version
}

// Re-exported data-model and collaborator-interface types (spec.md §3, §6).
type (
	// NetAddress is the tagged destination-address variant shared by every
	// handshake (SOCKS5, HTTP CONNECT, VMESS address blocks).
	NetAddress = proxyio.NetAddress

	// Credential is a username/token pair for HTTP Basic and SOCKS5
	// username/password sub-negotiation.
	Credential = proxyio.Credential

	// Dial opens a connection to a NetAddress; the caller of the CONNECT
	// server, the plain proxy server or the SOCKS5 server uses one when
	// that server reports a requested destination.
	Dial = proxyio.Dial

	// TLSServerHandler and TLSClientHandler terminate/originate TLS for
	// the MITM splice.
	TLSServerHandler = proxyio.TLSServerHandler
	TLSClientHandler = proxyio.TLSClientHandler
	TLSCertificate   = proxyio.TLSCertificate

	// CertificatePool issues and caches per-host MITM leaf certificates.
	CertificatePool = proxyio.CertificatePool

	// TrafficCapture observes message parts flowing through the MITM
	// splice; the plain proxy server does not report to it.
	TrafficCapture = proxyio.TrafficCapture
	Direction      = proxyio.Direction
)

// Re-exported error classification (spec.md §7).
const (
	ErrorTypeState  = errors.ErrorTypeState
	ErrorTypeAuth   = errors.ErrorTypeAuth
	ErrorTypeReply  = errors.ErrorTypeReply
	ErrorTypeCrypto = errors.ErrorTypeCrypto
)

// HTTP CONNECT client/server state machines (C4, C5).
type (
	ConnectClient = httpconnect.Client
	ConnectServer = httpconnect.Server
)

// NewConnectClient creates an HTTP CONNECT client state machine targeting
// destination, optionally authenticating with credential.
func NewConnectClient(destination NetAddress, credential *Credential) *ConnectClient {
	return httpconnect.NewClient(destination, credential)
}

// NewConnectServer creates an HTTP CONNECT server state machine that
// accepts exactly one request.
func NewConnectServer() *ConnectServer {
	return httpconnect.NewServer()
}

// Plain (non-CONNECT) HTTP proxy server (C6).
type HTTPProxyServer = httpproxy.Server

// NewHTTPProxyServer creates a plain HTTP proxy server state machine.
func NewHTTPProxyServer(cfg httpproxy.Config) *HTTPProxyServer {
	return httpproxy.NewServer(cfg)
}

// SOCKS5 client/server state machines (C7, C8).
type (
	SOCKS5Client       = socks5.Client
	SOCKS5Server       = socks5.Server
	SOCKS5ServerConfig = socks5.ServerConfig
)

// NewSOCKS5Client creates a SOCKS5 client state machine targeting
// destination, optionally authenticating with credential.
func NewSOCKS5Client(destination NetAddress, credential *Credential) *SOCKS5Client {
	return socks5.NewClient(destination, credential)
}

// NewSOCKS5Server creates a SOCKS5 server state machine per config.
func NewSOCKS5Server(config SOCKS5ServerConfig) *SOCKS5Server {
	return socks5.NewServer(config)
}

// VMESS session keys, header sealer/opener, and frame codec (C9, C10, C11).
type (
	VMessSessionKeys = vmess.SessionKeys
	VMessRequestHeader  = vmess.RequestHeader
	VMessResponseHeader = vmess.ResponseHeader
	VMessFrameEncoder    = vmess.FrameEncoder
	VMessFrameDecoder    = vmess.FrameDecoder
)

// NewVMessSessionKeys generates fresh random request-direction key material
// for a new VMESS session, per spec.md §3.
func NewVMessSessionKeys() (VMessSessionKeys, error) {
	return vmess.NewSessionKeys()
}

// Glue (C12): the bidirectional byte-for-byte relay installed once a
// handshake reaches Active.
var Splice = glue.Splice

// MITM splice (C13) and certificate pool (C14).
type (
	MITMConfig  = mitm.Config
	MITMSplicer = mitm.Splicer
	CertPool    = certpool.Pool
)

// NewMITMSplicer builds a MITM splice decision/execution point from cfg.
func NewMITMSplicer(cfg MITMConfig) *MITMSplicer {
	return mitm.New(cfg)
}

// NewCertPool loads a certificate pool's root certificate/key from a
// PKCS#12 bundle.
func NewCertPool(pfxData []byte, passphrase string) (*CertPool, error) {
	return certpool.New(pfxData, passphrase)
}

// TLS version/cipher-suite profiles for the MITM splice's two handshakes
// (re-exported from pkg/tlsconfig).
type TLSVersionProfile = tlsconfig.VersionProfile

var (
	TLSProfileModern     = tlsconfig.ProfileModern
	TLSProfileSecure     = tlsconfig.ProfileSecure
	TLSProfileCompatible = tlsconfig.ProfileCompatible
)

// NewMITMTLSServerHandler and NewMITMTLSClientHandler build the production
// TLSServerHandler/TLSClientHandler pair for MITMConfig.TLSServer/TLSClient,
// applying profile's version range and cipher suite selection to both the
// client-facing termination and the upstream re-origination.
func NewMITMTLSServerHandler(profile TLSVersionProfile) TLSServerHandler {
	return tlsconfig.NewServerHandler(profile)
}

func NewMITMTLSClientHandler(profile TLSVersionProfile) TLSClientHandler {
	return tlsconfig.NewClientHandler(profile)
}

// Outbound transport (dial pooling, TLS upgrade, and upstream-proxy
// chaining through the CONNECT/SOCKS5 clients above). This is the concrete
// Dial a runtime built on this core uses to reach the destinations that the
// servers from NewConnectServer, NewHTTPProxyServer, and NewSOCKS5Server
// report, before resolving their handshakes.
type (
	OutboundTransport  = transport.Transport
	OutboundConfig     = transport.Config
	OutboundProxy      = transport.ProxyConfig
	OutboundPoolConfig = transport.PoolConfig
	Dialer             = transport.Dialer
	DialerOptions      = transport.DialerOptions
)

// NewOutboundTransport builds the pooled outbound transport with default
// pool settings.
func NewOutboundTransport() *OutboundTransport {
	return transport.New()
}

// NewOutboundTransportWithConfig builds the pooled outbound transport with
// custom pool settings (max idle conns, keepalive, wait timeout).
func NewOutboundTransportWithConfig(config OutboundPoolConfig) *OutboundTransport {
	return transport.NewWithConfig(config)
}

// ParseOutboundProxyURL parses an upstream proxy URL ("http://", "https://",
// or "socks5://", optionally carrying "user:pass@") into an OutboundProxy
// suitable for DialerOptions.Proxy.
func ParseOutboundProxyURL(proxyURL string) (*OutboundProxy, error) {
	return transport.ParseProxyURL(proxyURL)
}

// NewDialer adapts transport into a proxyio.Dial for the destinations the
// handshake servers report, per opts (direct or chained through an upstream
// proxy, plain or TLS).
func NewDialer(t *OutboundTransport, opts DialerOptions) *Dialer {
	return transport.NewDialer(t, opts)
}
