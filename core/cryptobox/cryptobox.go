// Package cryptobox implements the end-to-end encryption primitives of the
// Tezos Beacon channel: session key derivation from Ed25519 identities,
// nonce-prefixed secret-box payload encryption, the sealed-box handshake,
// and Tezos address / sender-id derivation.
package cryptobox

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	ed "github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
	"github.com/oasisprotocol/curve25519-voi/primitives/x25519"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	// ErrInvalidPublicKey reports a malformed or unsupported public key input.
	ErrInvalidPublicKey = errors.New("invalid public key")
	// ErrDecryptionFailed reports a failed authentication or malformed ciphertext.
	ErrDecryptionFailed = errors.New("decryption failed")
)

const nonceSize = 24

// KeyPair is an Ed25519 identity used for one Beacon session.
type KeyPair struct {
	Public  ed.PublicKey
	Private ed.PrivateKey
}

// GenerateKeyPair creates a fresh ephemeral Ed25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key pair: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// KeyPairFromSeed rebuilds a key pair from a 32-byte seed, for session
// resumption.
func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed.SeedSize {
		return KeyPair{}, fmt.Errorf("%w: seed must be %d bytes", ErrInvalidPublicKey, ed.SeedSize)
	}
	priv := ed.NewKeyFromSeed(seed)
	return KeyPair{Public: priv.Public().(ed.PublicKey), Private: priv}, nil
}

// Seed returns the private seed of the key pair, for serialization.
func (kp KeyPair) Seed() []byte { return kp.Private.Seed() }

// Role selects which side of the key exchange this party plays. The dApp is
// the client when it initiates the session; the wallet is the server. The
// client's send key equals the server's receive key and vice versa.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// SessionKeys holds the directional symmetric keys of one session.
type SessionKeys struct {
	Send    [32]byte
	Receive [32]byte
}

// DeriveSessionKeys converts both Ed25519 keys to X25519 and derives the
// directional session keys: BLAKE2b-512(q ‖ clientPub ‖ serverPub) split in
// halves, where q is the X25519 shared point.
func DeriveSessionKeys(self KeyPair, otherPublicHex string, role Role) (SessionKeys, error) {
	otherEd, err := publicKeyFromHex(otherPublicHex)
	if err != nil {
		return SessionKeys{}, err
	}
	selfXPub, ok := x25519.EdPublicKeyToX25519(self.Public)
	if !ok {
		return SessionKeys{}, fmt.Errorf("%w: own key not convertible", ErrInvalidPublicKey)
	}
	otherXPub, ok := x25519.EdPublicKeyToX25519(otherEd)
	if !ok {
		return SessionKeys{}, fmt.Errorf("%w: peer key not convertible", ErrInvalidPublicKey)
	}
	selfXPriv := x25519.EdPrivateKeyToX25519(self.Private)

	q, err := x25519.X25519(selfXPriv, otherXPub)
	if err != nil {
		return SessionKeys{}, fmt.Errorf("key exchange: %w", err)
	}

	var clientPub, serverPub []byte
	if role == RoleClient {
		clientPub, serverPub = selfXPub, otherXPub
	} else {
		clientPub, serverPub = otherXPub, selfXPub
	}
	digest, err := hashBlake2b(64, q, clientPub, serverPub)
	if err != nil {
		return SessionKeys{}, err
	}

	var keys SessionKeys
	if role == RoleClient {
		copy(keys.Receive[:], digest[:32])
		copy(keys.Send[:], digest[32:])
	} else {
		copy(keys.Send[:], digest[:32])
		copy(keys.Receive[:], digest[32:])
	}
	return keys, nil
}

// EncryptPayload seals plaintext with a fresh random 24-byte nonce prefix.
func EncryptPayload(key [32]byte, plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &key), nil
}

// DecryptPayload splits the nonce prefix and opens the remainder. Any
// authentication failure yields ErrDecryptionFailed with no partial output.
func DecryptPayload(key [32]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plain, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &key)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

// SealBox encrypts plaintext so only the holder of recipient's private key
// can open it: an ephemeral X25519 key pair prefixes the box, and the nonce
// is BLAKE2b-24(ephemeralPub ‖ recipientXPub).
func SealBox(recipient ed.PublicKey, plaintext []byte) ([]byte, error) {
	recipXPub, ok := x25519.EdPublicKeyToX25519(recipient)
	if !ok {
		return nil, fmt.Errorf("%w: recipient key not convertible", ErrInvalidPublicKey)
	}
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	nonce, err := boxNonce(ephPub[:], recipXPub)
	if err != nil {
		return nil, err
	}
	var peer [32]byte
	copy(peer[:], recipXPub)
	out := make([]byte, 0, 32+len(plaintext)+box.Overhead)
	out = append(out, ephPub[:]...)
	return box.Seal(out, plaintext, &nonce, &peer, ephPriv), nil
}

// OpenSealedBox opens a sealed handshake payload: the first 32 bytes are the
// sender's ephemeral X25519 public key, the nonce is
// BLAKE2b-24(ephemeralPub ‖ selfXPub), and the remainder is the box.
func OpenSealedBox(self KeyPair, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 32+box.Overhead {
		return nil, fmt.Errorf("%w: sealed box too short", ErrDecryptionFailed)
	}
	selfXPub, ok := x25519.EdPublicKeyToX25519(self.Public)
	if !ok {
		return nil, fmt.Errorf("%w: own key not convertible", ErrInvalidPublicKey)
	}
	nonce, err := boxNonce(ciphertext[:32], selfXPub)
	if err != nil {
		return nil, err
	}
	var ephPub, selfXPriv [32]byte
	copy(ephPub[:], ciphertext[:32])
	copy(selfXPriv[:], x25519.EdPrivateKeyToX25519(self.Private))
	plain, ok := box.Open(nil, ciphertext[32:], &nonce, &ephPub, &selfXPriv)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

func boxNonce(ephemeralPub, selfXPub []byte) ([nonceSize]byte, error) {
	var nonce [nonceSize]byte
	digest, err := hashBlake2b(nonceSize, ephemeralPub, selfXPub)
	if err != nil {
		return nonce, err
	}
	copy(nonce[:], digest)
	return nonce, nil
}

func hashBlake2b(size int, chunks ...[]byte) ([]byte, error) {
	h, err := blake2b.New(size, nil)
	if err != nil {
		return nil, fmt.Errorf("blake2b: %w", err)
	}
	for _, c := range chunks {
		h.Write(c)
	}
	return h.Sum(nil), nil
}

func publicKeyFromHex(pubHex string) (ed.PublicKey, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil || len(raw) != ed.PublicKeySize {
		return nil, fmt.Errorf("%w: want %d hex-encoded bytes", ErrInvalidPublicKey, ed.PublicKeySize)
	}
	return ed.PublicKey(raw), nil
}
