package vmess

import (
	"encoding/binary"

	"github.com/WhileEndless/go-tunnelproxy/pkg/constants"
	"github.com/WhileEndless/go-tunnelproxy/pkg/errors"
	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
)

// UserLookup resolves an auth_id to the user's VMESS UUID. Implementations
// typically maintain a small cache keyed by auth_id decrypted under every
// configured user's cmd_key, since auth_id itself doesn't name the user.
type UserLookup func(authID [16]byte) (userID [16]byte, ok bool)

// OpenRequestHeader decrypts a sealed request header. It tries cmdKey
// candidates (one per configured user) against the fixed-size auth_id
// prefix until one verifies, then decrypts the length and payload AEAD
// stages under that user's derived keys. It returns the parsed header (whose
// UserID is the originating user), the session keys recovered from the
// payload, and the number of wire bytes consumed.
func OpenRequestHeader(wire []byte, candidates [][16]byte) (RequestHeader, SessionKeys, int, error) {
	if len(wire) < 16+18+constants.VMessRandomPathSize {
		return RequestHeader{}, SessionKeys{}, 0, errors.NewProtocolError("vmess request header truncated", nil)
	}
	var authID [16]byte
	copy(authID[:], wire[:16])

	var cmdKey []byte
	var userID [16]byte
	found := false
	for _, candidate := range candidates {
		k := GenerateCmdKey(candidate)
		if _, err := VerifyAuthID(k, authID, 0); err == nil {
			cmdKey, userID, found = k, candidate, true
			break
		}
	}
	if !found {
		return RequestHeader{}, SessionKeys{}, 0, errors.NewAuthError("vmess-open-request", "no configured user matches auth_id")
	}

	sealedLength := wire[16:34]
	randomPath := wire[34 : 34+constants.VMessRandomPathSize]
	rest := wire[34+constants.VMessRandomPathSize:]

	lengthKey := KDF16(cmdKey, kdfInfoLengthKey, string(authID[:]), string(randomPath))
	lengthNonce := KDF12(cmdKey, kdfInfoLengthNonce, string(authID[:]), string(randomPath))
	lengthAEAD, err := newAEAD(SecurityAES128GCM, lengthKey)
	if err != nil {
		return RequestHeader{}, SessionKeys{}, 0, err
	}
	lengthPlain, err := lengthAEAD.Open(nil, lengthNonce, sealedLength, authID[:])
	if err != nil {
		return RequestHeader{}, SessionKeys{}, 0, errors.NewCryptoError("vmess-open-request-length", err)
	}
	payloadLen := int(binary.BigEndian.Uint16(lengthPlain))
	if len(rest) < payloadLen+16 {
		return RequestHeader{}, SessionKeys{}, 0, errors.NewProtocolError("vmess request header truncated", nil)
	}

	payloadKey := KDF16(cmdKey, kdfInfoPayloadKey, string(authID[:]), string(randomPath))
	payloadNonce := KDF12(cmdKey, kdfInfoPayloadNonce, string(authID[:]), string(randomPath))
	payloadAEAD, err := newAEAD(SecurityAES128GCM, payloadKey)
	if err != nil {
		return RequestHeader{}, SessionKeys{}, 0, err
	}
	sealed := rest[:payloadLen+16]
	plain, err := payloadAEAD.Open(nil, payloadNonce, sealed, authID[:])
	if err != nil {
		return RequestHeader{}, SessionKeys{}, 0, errors.NewCryptoError("vmess-open-request-payload", err)
	}

	header, keys, err := parseRequestPayload(plain, userID)
	if err != nil {
		return RequestHeader{}, SessionKeys{}, 0, err
	}
	consumed := 16 + 18 + constants.VMessRandomPathSize + payloadLen + 16
	return header, keys, consumed, nil
}

func parseRequestPayload(plain []byte, userID [16]byte) (RequestHeader, SessionKeys, error) {
	if len(plain) < 1+16+16+1+1+1+1+1+4 {
		return RequestHeader{}, SessionKeys{}, errors.NewProtocolError("vmess request payload too short", nil)
	}
	body, checksum := plain[:len(plain)-4], plain[len(plain)-4:]
	if !fnv1aEqual(body, checksum) {
		return RequestHeader{}, SessionKeys{}, errors.NewAuthError("vmess-open-request-payload", "inner FNV-1a checksum mismatch")
	}

	r := body
	if r[0] != headerVersion {
		return RequestHeader{}, SessionKeys{}, errors.NewProtocolError("unsupported vmess header version", nil)
	}
	r = r[1:]

	var keys SessionKeys
	copy(keys.RequestBodyIV[:], r[0:16])
	copy(keys.RequestBodyKey[:], r[16:32])
	keys.ResponseHeader = r[32]
	r = r[33:]

	options := Options(r[0])
	securityByte := r[1]
	security := securityFromNibble(securityByte & 0x0f)
	r = r[2:]
	// reserved byte
	r = r[1:]
	command := CommandType(r[0])
	r = r[1:]

	var addr proxyio.NetAddress
	var err error
	if command != CommandMux {
		addr, r, err = decodeAddressPort(r)
		if err != nil {
			return RequestHeader{}, SessionKeys{}, err
		}
	}
	// remaining r is random padding, already covered by the checksum.

	keys.deriveResponseKeys()

	return RequestHeader{
		UserID:   userID,
		Security: security,
		Command:  command,
		Options:  options,
		Address:  addr,
	}, keys, nil
}

func securityFromNibble(n byte) SecurityType {
	switch n {
	case 0x03:
		return SecurityAES128GCM
	case 0x04:
		return SecurityChaCha20Poly1305
	case 0x05:
		return SecurityNone
	case 0x06:
		return SecurityZero
	default:
		return SecurityAES128GCM
	}
}

func decodeAddressPort(r []byte) (proxyio.NetAddress, []byte, error) {
	if len(r) < 3 {
		return proxyio.NetAddress{}, nil, errors.NewProtocolError("vmess address block truncated", nil)
	}
	port := binary.BigEndian.Uint16(r[0:2])
	atyp := r[2]
	r = r[3:]
	switch atyp {
	case addrTypeIPv4:
		if len(r) < 4 {
			return proxyio.NetAddress{}, nil, errors.NewProtocolError("vmess ipv4 address truncated", nil)
		}
		ip := append([]byte(nil), r[:4]...)
		return proxyio.NewIPAddress(ip, port), r[4:], nil
	case addrTypeIPv6:
		if len(r) < 16 {
			return proxyio.NetAddress{}, nil, errors.NewProtocolError("vmess ipv6 address truncated", nil)
		}
		ip := append([]byte(nil), r[:16]...)
		return proxyio.NewIPAddress(ip, port), r[16:], nil
	case addrTypeDomain:
		if len(r) < 1 {
			return proxyio.NetAddress{}, nil, errors.NewProtocolError("vmess domain address truncated", nil)
		}
		n := int(r[0])
		r = r[1:]
		if len(r) < n {
			return proxyio.NetAddress{}, nil, errors.NewProtocolError("vmess domain address truncated", nil)
		}
		return proxyio.NewDomainAddress(string(r[:n]), port), r[n:], nil
	default:
		return proxyio.NetAddress{}, nil, errors.NewProtocolError("vmess: unsupported address type", nil)
	}
}

// SealResponseHeader produces the sealed response header for resp, using
// the session keys established from the request.
func SealResponseHeader(resp ResponseHeader, keys SessionKeys) ([]byte, error) {
	plain := []byte{keys.ResponseHeader, byte(resp.Options), 0x00, 0x00}
	if resp.SwitchAccount != nil {
		plain[2] = 1
		body := encodeSwitchAccount(resp.SwitchAccount)
		plain[3] = byte(len(body))
		plain = append(plain, body...)
	}

	lengthKey := KDF16(keys.ResponseBodyKey[:], kdfInfoRespLengthKey)
	lengthNonce := KDF12(keys.ResponseBodyIV[:], kdfInfoRespLengthNonce)
	lengthAEAD, err := newAEAD(SecurityAES128GCM, lengthKey)
	if err != nil {
		return nil, err
	}
	var lenBytes [2]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(len(plain)))
	sealedLength := lengthAEAD.Seal(nil, lengthNonce, lenBytes[:], nil)

	payloadKey := KDF16(keys.ResponseBodyKey[:], kdfInfoRespPayloadKey)
	payloadNonce := KDF12(keys.ResponseBodyIV[:], kdfInfoRespPayloadNonce)
	payloadAEAD, err := newAEAD(SecurityAES128GCM, payloadKey)
	if err != nil {
		return nil, err
	}
	sealedPayload := payloadAEAD.Seal(nil, payloadNonce, plain, nil)

	out := make([]byte, 0, len(sealedLength)+len(sealedPayload))
	out = append(out, sealedLength...)
	out = append(out, sealedPayload...)
	return out, nil
}

func encodeSwitchAccount(cmd *SwitchAccountCommand) []byte {
	var out []byte
	if cmd.Address.Kind == proxyio.AddressDomain && cmd.Address.Domain != "" {
		out = append(out, byte(len(cmd.Address.Domain)))
		out = append(out, cmd.Address.Domain...)
	} else {
		out = append(out, 0)
	}
	var tail [2 + 16 + 4 + 2 + 1]byte
	binary.BigEndian.PutUint16(tail[0:2], cmd.Port)
	copy(tail[2:18], cmd.UserID[:])
	binary.BigEndian.PutUint32(tail[18:22], cmd.Level)
	binary.BigEndian.PutUint16(tail[22:24], cmd.NumberOfAlterIDs)
	tail[24] = cmd.ValidMinutes
	out = append(out, tail[:]...)

	sum := fnv1a(out)
	out = append(out, sum...)
	return out
}
