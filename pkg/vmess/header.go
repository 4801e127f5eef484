package vmess

import (
	"crypto/rand"
	"encoding/binary"
	"hash/fnv"
	"math/big"
	"time"

	"github.com/WhileEndless/go-tunnelproxy/pkg/constants"
	"github.com/WhileEndless/go-tunnelproxy/pkg/errors"
	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
)

const headerVersion = 1

// RequestHeader is the plaintext VMESS request header content, before AEAD
// sealing, per spec.md §4.7.
type RequestHeader struct {
	UserID   [16]byte
	Security SecurityType
	Command  CommandType
	Options  Options
	Address  proxyio.NetAddress
}

// SealRequestHeader produces the framed sealed header:
// auth_id(16) || sealed_length(2+16) || random_path(8) || sealed_payload(N+16).
func SealRequestHeader(header RequestHeader, keys SessionKeys) ([]byte, error) {
	cmdKey := GenerateCmdKey(header.UserID)
	authID, err := GenerateAuthID(cmdKey, time.Now())
	if err != nil {
		return nil, err
	}
	randomPath := make([]byte, constants.VMessRandomPathSize)
	if _, err := rand.Read(randomPath); err != nil {
		return nil, errors.NewCryptoError("vmess-seal-random-path", err)
	}

	payload, err := buildRequestPayload(header, keys)
	if err != nil {
		return nil, err
	}

	lengthKey := KDF16(cmdKey, kdfInfoLengthKey, string(authID[:]), string(randomPath))
	lengthNonce := KDF12(cmdKey, kdfInfoLengthNonce, string(authID[:]), string(randomPath))
	lengthAEAD, err := newAEAD(SecurityAES128GCM, lengthKey)
	if err != nil {
		return nil, err
	}
	var lengthPlain [2]byte
	binary.BigEndian.PutUint16(lengthPlain[:], uint16(len(payload)))
	sealedLength := lengthAEAD.Seal(nil, lengthNonce, lengthPlain[:], authID[:])

	payloadKey := KDF16(cmdKey, kdfInfoPayloadKey, string(authID[:]), string(randomPath))
	payloadNonce := KDF12(cmdKey, kdfInfoPayloadNonce, string(authID[:]), string(randomPath))
	payloadAEAD, err := newAEAD(SecurityAES128GCM, payloadKey)
	if err != nil {
		return nil, err
	}
	sealedPayload := payloadAEAD.Seal(nil, payloadNonce, payload, authID[:])

	out := make([]byte, 0, 16+len(sealedLength)+len(randomPath)+len(sealedPayload))
	out = append(out, authID[:]...)
	out = append(out, sealedLength...)
	out = append(out, randomPath...)
	out = append(out, sealedPayload...)
	return out, nil
}

func buildRequestPayload(header RequestHeader, keys SessionKeys) ([]byte, error) {
	paddingLen, err := randomNibble()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 64)
	buf = append(buf, headerVersion)
	buf = append(buf, keys.RequestBodyIV[:]...)
	buf = append(buf, keys.RequestBodyKey[:]...)
	buf = append(buf, keys.ResponseHeader)
	buf = append(buf, byte(header.Options))
	buf = append(buf, byte(paddingLen<<4)|securityNibble(header.Security))
	buf = append(buf, 0x00)
	buf = append(buf, byte(header.Command))

	if header.Command != CommandMux {
		addrBytes, err := encodeAddressPort(header.Address)
		if err != nil {
			return nil, err
		}
		buf = append(buf, addrBytes...)
	}

	if paddingLen > 0 {
		padding := make([]byte, paddingLen)
		if _, err := rand.Read(padding); err != nil {
			return nil, errors.NewCryptoError("vmess-seal-padding", err)
		}
		buf = append(buf, padding...)
	}

	sum := fnv.New32a()
	sum.Write(buf)
	buf = sum.Sum(buf)
	return buf, nil
}

func randomNibble() (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(16))
	if err != nil {
		return 0, errors.NewCryptoError("vmess-seal-padding-nibble", err)
	}
	return byte(n.Int64()), nil
}

func securityNibble(s SecurityType) byte {
	switch s {
	case SecurityAES128GCM:
		return 0x03
	case SecurityChaCha20Poly1305:
		return 0x04
	case SecurityNone:
		return 0x05
	case SecurityZero:
		return 0x06
	default:
		return 0x00
	}
}

const (
	addrTypeIPv4   = 0x01
	addrTypeDomain = 0x02
	addrTypeIPv6   = 0x03
)

func encodeAddressPort(addr proxyio.NetAddress) ([]byte, error) {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, addr.Port)
	switch addr.Kind {
	case proxyio.AddressIPv4:
		out = append(out, addrTypeIPv4)
		out = append(out, addr.IP.To4()...)
	case proxyio.AddressIPv6:
		out = append(out, addrTypeIPv6)
		out = append(out, addr.IP.To16()...)
	default:
		if len(addr.Domain) > 255 {
			return nil, errors.NewValidationError("vmess: domain name too long")
		}
		out = append(out, addrTypeDomain, byte(len(addr.Domain)))
		out = append(out, addr.Domain...)
	}
	return out, nil
}

// ResponseHeader is the decoded VMESS response header.
type ResponseHeader struct {
	Options     Options
	SwitchAccount *SwitchAccountCommand
}

// SwitchAccountCommand is the one known ResponseCommand variant, per
// spec.md §9 ("dynamic dispatch over ResponseCommand becomes a tagged
// variant with currently one variant").
type SwitchAccountCommand struct {
	Address          proxyio.NetAddress
	Port             uint16
	UserID           [16]byte
	Level            uint32
	NumberOfAlterIDs uint16
	ValidMinutes     byte
}

// OpenResponseHeader decrypts the two-stage AEAD response header: first the
// sealed length, then the sealed payload, verifying the embedded auth_code
// against keys.ResponseHeader.
func OpenResponseHeader(wire []byte, keys SessionKeys) (ResponseHeader, int, error) {
	if len(wire) < 18 {
		return ResponseHeader{}, 0, errors.NewProtocolError("vmess response header truncated", nil)
	}
	lengthKey := KDF16(keys.ResponseBodyKey[:], kdfInfoRespLengthKey)
	lengthNonce := KDF12(keys.ResponseBodyIV[:], kdfInfoRespLengthNonce)
	lengthAEAD, err := newAEAD(SecurityAES128GCM, lengthKey)
	if err != nil {
		return ResponseHeader{}, 0, err
	}
	lengthPlain, err := lengthAEAD.Open(nil, lengthNonce, wire[:18], nil)
	if err != nil {
		return ResponseHeader{}, 0, errors.NewCryptoError("vmess-open-length", err)
	}
	payloadLen := int(binary.BigEndian.Uint16(lengthPlain))

	if len(wire) < 18+payloadLen+16 {
		return ResponseHeader{}, 0, errors.NewProtocolError("vmess response header truncated", nil)
	}
	payloadKey := KDF16(keys.ResponseBodyKey[:], kdfInfoRespPayloadKey)
	payloadNonce := KDF12(keys.ResponseBodyIV[:], kdfInfoRespPayloadNonce)
	payloadAEAD, err := newAEAD(SecurityAES128GCM, payloadKey)
	if err != nil {
		return ResponseHeader{}, 0, err
	}
	sealedPayload := wire[18 : 18+payloadLen+16]
	plain, err := payloadAEAD.Open(nil, payloadNonce, sealedPayload, nil)
	if err != nil {
		return ResponseHeader{}, 0, errors.NewCryptoError("vmess-open-payload", err)
	}
	if len(plain) < 4 {
		return ResponseHeader{}, 0, errors.NewProtocolError("vmess response payload too short", nil)
	}
	if plain[0] != keys.ResponseHeader {
		return ResponseHeader{}, 0, errors.NewAuthError("vmess-open-payload", "AuthenticationFailure: response auth_code mismatch")
	}

	resp := ResponseHeader{Options: Options(plain[1])}
	consumed := 18 + payloadLen + 16
	commandCode := plain[2]
	if commandCode == 0 {
		return resp, consumed, nil
	}
	bodyLen := int(plain[3])
	if 4+bodyLen > len(plain) {
		return ResponseHeader{}, 0, errors.NewProtocolError("vmess response command body truncated", nil)
	}
	body := plain[4 : 4+bodyLen]
	switch commandCode {
	case 1:
		cmd, err := parseSwitchAccount(body)
		if err != nil {
			return ResponseHeader{}, 0, err
		}
		resp.SwitchAccount = cmd
	default:
		return ResponseHeader{}, 0, errors.NewProtocolError("OperationUnsupported: unknown response command code", nil)
	}
	return resp, consumed, nil
}

// parseSwitchAccount parses a DynamicPortInstruction body, verifying its
// inner FNV-1a checksum (the trailing 4 bytes).
func parseSwitchAccount(body []byte) (*SwitchAccountCommand, error) {
	if len(body) < 4 {
		return nil, errors.NewProtocolError("switch-account body too short", nil)
	}
	data, checksum := body[:len(body)-4], body[len(body)-4:]
	sum := fnv.New32a()
	sum.Write(data)
	if string(sum.Sum(nil)) != string(checksum) {
		return nil, errors.NewAuthError("vmess-switch-account", "inner FNV-1a checksum mismatch")
	}

	r := data
	if len(r) < 1 {
		return nil, errors.NewProtocolError("switch-account body truncated", nil)
	}
	hostLen := int(r[0])
	r = r[1:]
	var addr proxyio.NetAddress
	if hostLen > 0 {
		if len(r) < hostLen {
			return nil, errors.NewProtocolError("switch-account host truncated", nil)
		}
		addr = proxyio.NewDomainAddress(string(r[:hostLen]), 0)
		r = r[hostLen:]
	}
	if len(r) < 2+16+4+2+1 {
		return nil, errors.NewProtocolError("switch-account tail truncated", nil)
	}
	port := binary.BigEndian.Uint16(r[0:2])
	addr.Port = port
	var uid [16]byte
	copy(uid[:], r[2:18])
	level := binary.BigEndian.Uint32(r[18:22])
	numAlterIDs := binary.BigEndian.Uint16(r[22:24])
	validMinutes := r[24]

	return &SwitchAccountCommand{
		Address:          addr,
		Port:             port,
		UserID:           uid,
		Level:            level,
		NumberOfAlterIDs: numAlterIDs,
		ValidMinutes:     validMinutes,
	}, nil
}
