// Package constants defines magic numbers and default values used throughout go-tunnelproxy
package constants

import "time"

// Connection timeouts and limits
const (
	DefaultIdleTimeout     = 90 * time.Second
	DefaultConnTimeout     = 10 * time.Second
	DefaultReadTimeout     = 30 * time.Second
	DefaultPingInterval    = 15 * time.Second
	MaxConnectionIdleTime  = 5 * time.Minute
	HealthCheckInterval    = 30 * time.Second
	CleanupInterval        = 30 * time.Second
)

// HTTP/2 limits
const (
	MaxTotalStreams       = 10000
	SettingsAckTimeout    = 10 * time.Second
	DefaultHpackTableSize = 4096
)

// HTTP limits
const (
	MaxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB
)

// Buffer limits
const (
	DefaultBodyMemLimit = 4 * 1024 * 1024 // 4MB
	MaxRawBufferSize    = 100 * 1024 * 1024 // 100MB cap for raw buffer
)

// Proxy handshake limits
const (
	// MaxSOCKS5DomainLen is the largest domain name SOCKS5's length-prefixed
	// address form can carry (a single byte length field).
	MaxSOCKS5DomainLen = 255
	// MaxHTTPConnectHeadBytes caps the size of a single CONNECT/plain-proxy
	// request or response head read by the handshake state machines.
	MaxHTTPConnectHeadBytes = 64 * 1024
)

// VMESS framing limits and fixed sizes, per the AEAD header/frame design.
const (
	VMessAEADTagSize          = 16
	VMessMaxFrameCiphertext   = 2048
	VMessMaxPlaintext         = 16 * 1024 * 1024
	VMessAuthIDSize           = 16
	VMessRandomPathSize       = 8
	VMessCmdKeySuffix         = "c48619fe-8f02-49e0-b9e9-edf763e17e21"
	VMessMaxPaddingPerFrame   = 64
	VMessPerCallPlaintextCap  = VMessMaxFrameCiphertext - VMessAEADTagSize - 2 - VMessMaxPaddingPerFrame
)

// VMESS stream option bitflags (RequestOption in the upstream protocol).
const (
	VMessOptionChunkStream         = 1 << 0
	VMessOptionChunkMasking        = 1 << 2
	VMessOptionGlobalPadding       = 1 << 3
	VMessOptionAuthenticatedLength = 1 << 4
)
