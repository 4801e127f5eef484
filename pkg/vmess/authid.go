package vmess

import (
	"crypto/aes"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/WhileEndless/go-tunnelproxy/pkg/constants"
	"github.com/WhileEndless/go-tunnelproxy/pkg/errors"
)

// cmdKeySuffix is appended to the raw user UUID before hashing to produce
// the per-user AES key, per spec.md §4.7.
const cmdKeySuffix = constants.VMessCmdKeySuffix

// GenerateCmdKey derives the per-user AES key used for auth_id sealing:
// MD5(uuid || cmdKeySuffix).
func GenerateCmdKey(userID [16]byte) []byte {
	sum := md5.Sum(append(append([]byte(nil), userID[:]...), cmdKeySuffix...))
	return sum[:]
}

// GenerateAuthID builds and AES-128-ECB-encrypts the 16-byte auth_id block:
// be_u64(timestamp) || rand(4) || be_u32(crc32(first 12 bytes)), sealed
// under KDF16("AES Auth ID Encryption", cmdKey).
func GenerateAuthID(cmdKey []byte, timestamp time.Time) ([constants.VMessAuthIDSize]byte, error) {
	var plain [16]byte
	binary.BigEndian.PutUint64(plain[0:8], uint64(timestamp.Unix()))
	if _, err := rand.Read(plain[8:12]); err != nil {
		return [16]byte{}, errors.NewCryptoError("vmess-authid-rand", err)
	}
	checksum := crc32.ChecksumIEEE(plain[0:12])
	binary.BigEndian.PutUint32(plain[12:16], checksum)

	key := KDF16(cmdKey, kdfInfoAuthIDEncryption)
	block, err := aes.NewCipher(key)
	if err != nil {
		return [16]byte{}, errors.NewCryptoError("vmess-authid-cipher", err)
	}
	var out [16]byte
	block.Encrypt(out[:], plain[:])
	return out, nil
}

// VerifyAuthID decrypts authID under cmdKey and checks the embedded CRC32
// and a caller-supplied timestamp tolerance; it returns the embedded
// timestamp on success.
func VerifyAuthID(cmdKey []byte, authID [16]byte, tolerance time.Duration) (time.Time, error) {
	key := KDF16(cmdKey, kdfInfoAuthIDEncryption)
	block, err := aes.NewCipher(key)
	if err != nil {
		return time.Time{}, errors.NewCryptoError("vmess-authid-cipher", err)
	}
	var plain [16]byte
	block.Decrypt(plain[:], authID[:])

	checksum := crc32.ChecksumIEEE(plain[0:12])
	if binary.BigEndian.Uint32(plain[12:16]) != checksum {
		return time.Time{}, errors.NewAuthError("vmess-authid-verify", "auth_id checksum mismatch")
	}
	ts := time.Unix(int64(binary.BigEndian.Uint64(plain[0:8])), 0)
	if tolerance > 0 {
		delta := time.Since(ts)
		if delta < 0 {
			delta = -delta
		}
		if delta > tolerance {
			return time.Time{}, errors.NewAuthError("vmess-authid-verify", "auth_id timestamp outside tolerance")
		}
	}
	return ts, nil
}
