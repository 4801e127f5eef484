// Package socks5 implements the SOCKS5 client and server handshake state
// machines (RFC 1928, RFC 1929): greeting, optional username/password
// sub-negotiation, CONNECT request/reply. Both sides are tolerant of
// arbitrarily split reads — every Feed call may be called with as little as
// one byte at a time.
package socks5

import (
	"github.com/WhileEndless/go-tunnelproxy/pkg/buffer"
	"github.com/WhileEndless/go-tunnelproxy/pkg/errors"
	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
)

// Protocol constants, per RFC 1928 / RFC 1929.
const (
	version5 = 0x05

	methodNoneRequired     = 0x00
	methodUsernamePassword = 0x02
	methodNoAcceptable     = 0xFF

	authVersion1 = 0x01

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replySucceeded             = 0x00
	replyGeneralFailure        = 0x01
	replyConnectionNotAllowed  = 0x02
	replyNetworkUnreachable    = 0x03
	replyHostUnreachable       = 0x04
	replyConnectionRefused     = 0x05
	replyTTLExpired            = 0x06
	replyCommandNotSupported   = 0x07
	replyAddressTypeUnsupport  = 0x08
)

func writeAddress(dst []byte, addr proxyio.NetAddress) ([]byte, error) {
	switch addr.Kind {
	case proxyio.AddressIPv4:
		dst = append(dst, atypIPv4)
		dst = append(dst, addr.IP.To4()...)
	case proxyio.AddressIPv6:
		dst = append(dst, atypIPv6)
		dst = append(dst, addr.IP.To16()...)
	default:
		if len(addr.Domain) > 255 {
			return nil, errors.NewValidationError("socks5: domain name too long")
		}
		dst = append(dst, atypDomain, byte(len(addr.Domain)))
		dst = append(dst, addr.Domain...)
	}
	dst = append(dst, byte(addr.Port>>8), byte(addr.Port))
	return dst, nil
}

// readAddress consumes an ATYP + address + port triple from w, unwinding if
// not enough data has arrived yet.
func readAddress(w *buffer.Window) (proxyio.NetAddress, error) {
	atyp, err := w.ReadByte()
	if err != nil {
		return proxyio.NetAddress{}, err
	}
	var addr proxyio.NetAddress
	switch atyp {
	case atypIPv4:
		b, err := w.ReadBytes(4)
		if err != nil {
			return proxyio.NetAddress{}, err
		}
		ip := append([]byte(nil), b...)
		addr = proxyio.NetAddress{Kind: proxyio.AddressIPv4, IP: ip}
	case atypIPv6:
		b, err := w.ReadBytes(16)
		if err != nil {
			return proxyio.NetAddress{}, err
		}
		ip := append([]byte(nil), b...)
		addr = proxyio.NetAddress{Kind: proxyio.AddressIPv6, IP: ip}
	case atypDomain:
		n, err := w.ReadByte()
		if err != nil {
			return proxyio.NetAddress{}, err
		}
		host, err := w.ReadString(int(n))
		if err != nil {
			return proxyio.NetAddress{}, err
		}
		addr = proxyio.NetAddress{Kind: proxyio.AddressDomain, Domain: host}
	default:
		return proxyio.NetAddress{}, errors.NewProtocolError("socks5: unsupported address type", nil)
	}
	port, err := w.ReadUint16BE()
	if err != nil {
		return proxyio.NetAddress{}, err
	}
	addr.Port = port
	return addr, nil
}

// ReplyForError maps a dial/authentication failure onto a SOCKS5 REP byte
// consistent with the failure category, per spec.md §4.6.
func ReplyForError(err error) byte {
	if err == nil {
		return replySucceeded
	}
	if errors.IsTimeoutError(err) {
		return replyTTLExpired
	}
	switch errors.GetErrorType(err) {
	case errors.ErrorTypeConnection:
		return replyConnectionRefused
	case errors.ErrorTypeDNS:
		return replyHostUnreachable
	case errors.ErrorTypeValidation:
		return replyAddressTypeUnsupport
	default:
		return replyGeneralFailure
	}
}
