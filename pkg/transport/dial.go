package transport

import (
	"context"
	"net"
	"time"

	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
	"github.com/WhileEndless/go-tunnelproxy/pkg/timing"
)

// DialerOptions configures the proxyio.Dial adapter built by NewDialer.
type DialerOptions struct {
	// Scheme selects whether the dial upgrades to TLS once the TCP (or
	// upstream-proxy) connection is up. Must be "http" (plain, the default
	// when left empty) or "https" (TLS), per Config.Scheme's validation.
	Scheme string

	// Proxy, if non-nil, routes the dial through an upstream HTTP CONNECT or
	// SOCKS5 proxy (ProxyConfig.Type) instead of connecting directly.
	Proxy *ProxyConfig

	// ConnTimeout bounds the dial; zero uses Config's own default.
	ConnTimeout time.Duration

	// InsecureTLS skips certificate verification on the Scheme == "https" leg.
	InsecureTLS bool
}

// Dialer adapts a *Transport into a proxyio.Dial. The CONNECT/SOCKS5/plain
// HTTP proxy servers (C5, C6, C8) do not dial: when a handshake asks to
// reach the client's requested destination, their caller dials it (for
// example with this Dialer) and resolves the handshake, so the outer runtime
// decides whether that outbound leg is direct, pooled, or itself routed
// through an upstream proxy.
type Dialer struct {
	transport *Transport
	opts      DialerOptions
}

// NewDialer builds a Dialer backed by transport, per opts.
func NewDialer(transport *Transport, opts DialerOptions) *Dialer {
	return &Dialer{transport: transport, opts: opts}
}

// Dial implements proxyio.Dial: it resolves addr to a Config and drives it
// through Transport.Connect, discarding the connection-pool metadata that a
// caller resolving a proxy handshake has no use for.
func (d *Dialer) Dial(ctx context.Context, addr proxyio.NetAddress) (net.Conn, error) {
	cfg := Config{
		Scheme:      d.opts.Scheme,
		Host:        addr.Host(),
		Port:        int(addr.Port),
		Proxy:       d.opts.Proxy,
		ConnTimeout: d.opts.ConnTimeout,
		InsecureTLS: d.opts.InsecureTLS,
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	conn, _, err := d.transport.Connect(ctx, cfg, timing.NewTimer())
	return conn, err
}

// AsProxyioDial returns d.Dial as a proxyio.Dial value, for callers that want
// the bare function type (e.g. to dial the destination a CONNECT or SOCKS5
// server requests).
func (d *Dialer) AsProxyioDial() proxyio.Dial {
	return d.Dial
}
