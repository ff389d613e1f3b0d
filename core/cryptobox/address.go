package cryptobox

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// Tezos base58-check prefixes.
var (
	prefixTz1  = []byte{6, 161, 159}
	prefixTz2  = []byte{6, 161, 161}
	prefixTz3  = []byte{6, 161, 164}
	prefixEdpk = []byte{13, 15, 37, 217}
	prefixSppk = []byte{3, 254, 226, 86}
	prefixP2pk = []byte{3, 178, 139, 127}
)

const (
	ed25519KeyLen  = 32
	ecKeyLen       = 33
	senderIDLen    = 5
	addressHashLen = 20
)

// AddressFromPublicKey derives the wallet address for a Tezos public key.
// Accepted inputs: a raw 32-byte hex-encoded Ed25519 key, or a base58-check
// encoded key with an edpk, sppk or p2pk prefix. The address is the 20-byte
// BLAKE2b digest of the key bytes under the matching tz1/tz2/tz3 prefix.
func AddressFromPublicKey(publicKey string) (string, error) {
	keyBytes, addrPrefix, err := decodePublicKey(publicKey)
	if err != nil {
		return "", err
	}
	digest, err := blake2b.New(addressHashLen, nil)
	if err != nil {
		return "", fmt.Errorf("blake2b: %w", err)
	}
	digest.Write(keyBytes)
	return base58CheckEncode(addrPrefix, digest.Sum(nil)), nil
}

// SenderID derives the short peer identifier for a hex public key: the
// 5-byte BLAKE2b digest of the key bytes, base58-check encoded.
func SenderID(publicKeyHex string) (string, error) {
	raw, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(raw) == 0 {
		return "", fmt.Errorf("%w: not hex encoded", ErrInvalidPublicKey)
	}
	digest, err := blake2b.New(senderIDLen, nil)
	if err != nil {
		return "", fmt.Errorf("blake2b: %w", err)
	}
	digest.Write(raw)
	return base58CheckEncode(nil, digest.Sum(nil)), nil
}

func decodePublicKey(publicKey string) (keyBytes, addrPrefix []byte, err error) {
	switch {
	case len(publicKey) == 2*ed25519KeyLen && isHex(publicKey):
		raw, _ := hex.DecodeString(publicKey)
		return raw, prefixTz1, nil
	case len(publicKey) == 54 && publicKey[:4] == "edpk":
		raw, err := base58CheckDecode(prefixEdpk, publicKey)
		if err != nil || len(raw) != ed25519KeyLen {
			return nil, nil, fmt.Errorf("%w: bad edpk encoding", ErrInvalidPublicKey)
		}
		return raw, prefixTz1, nil
	case len(publicKey) == 55 && publicKey[:4] == "sppk":
		raw, err := base58CheckDecode(prefixSppk, publicKey)
		if err != nil || len(raw) != ecKeyLen {
			return nil, nil, fmt.Errorf("%w: bad sppk encoding", ErrInvalidPublicKey)
		}
		return raw, prefixTz2, nil
	case len(publicKey) == 55 && publicKey[:4] == "p2pk":
		raw, err := base58CheckDecode(prefixP2pk, publicKey)
		if err != nil || len(raw) != ecKeyLen {
			return nil, nil, fmt.Errorf("%w: bad p2pk encoding", ErrInvalidPublicKey)
		}
		return raw, prefixTz3, nil
	default:
		return nil, nil, ErrInvalidPublicKey
	}
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}

func base58CheckEncode(prefix, payload []byte) string {
	data := make([]byte, 0, len(prefix)+len(payload)+4)
	data = append(data, prefix...)
	data = append(data, payload...)
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return base58.Encode(append(data, second[:4]...))
}

func base58CheckDecode(prefix []byte, encoded string) ([]byte, error) {
	data, err := base58.Decode(encoded)
	if err != nil {
		return nil, err
	}
	if len(data) < len(prefix)+4 {
		return nil, fmt.Errorf("base58check: too short")
	}
	payload, checksum := data[:len(data)-4], data[len(data)-4:]
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	if !bytes.Equal(second[:4], checksum) {
		return nil, fmt.Errorf("base58check: checksum mismatch")
	}
	if !bytes.HasPrefix(payload, prefix) {
		return nil, fmt.Errorf("base58check: prefix mismatch")
	}
	return payload[len(prefix):], nil
}
