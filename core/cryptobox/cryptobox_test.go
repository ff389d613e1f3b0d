package cryptobox

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	for _, plain := range []string{"", "x", "hello wallet", `{"type":"operation_request"}`, "héllo ✓ 漢字"} {
		ct, err := EncryptPayload(key, []byte(plain))
		require.NoError(t, err)
		got, err := DecryptPayload(key, ct)
		require.NoError(t, err)
		assert.Equal(t, plain, string(got))
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	var key, wrong [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	copy(wrong[:], []byte("fedcba9876543210fedcba9876543210"))

	ct, err := EncryptPayload(key, []byte("secret"))
	require.NoError(t, err)

	_, err = DecryptPayload(wrong, ct)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptTruncatedCiphertext(t *testing.T) {
	var key [32]byte
	_, err := DecryptPayload(key, []byte("short"))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSessionKeysAreComplementary(t *testing.T) {
	client, err := GenerateKeyPair()
	require.NoError(t, err)
	server, err := GenerateKeyPair()
	require.NoError(t, err)

	clientKeys, err := DeriveSessionKeys(client, hex.EncodeToString(server.Public), RoleClient)
	require.NoError(t, err)
	serverKeys, err := DeriveSessionKeys(server, hex.EncodeToString(client.Public), RoleServer)
	require.NoError(t, err)

	assert.Equal(t, clientKeys.Send, serverKeys.Receive, "client send key must equal server receive key")
	assert.Equal(t, clientKeys.Receive, serverKeys.Send, "client receive key must equal server send key")
	assert.NotEqual(t, clientKeys.Send, clientKeys.Receive, "directional keys must differ")
}

func TestSessionKeysEncryptAcrossSides(t *testing.T) {
	client, err := GenerateKeyPair()
	require.NoError(t, err)
	server, err := GenerateKeyPair()
	require.NoError(t, err)

	clientKeys, err := DeriveSessionKeys(client, hex.EncodeToString(server.Public), RoleClient)
	require.NoError(t, err)
	serverKeys, err := DeriveSessionKeys(server, hex.EncodeToString(client.Public), RoleServer)
	require.NoError(t, err)

	ct, err := EncryptPayload(clientKeys.Send, []byte("from dapp"))
	require.NoError(t, err)
	plain, err := DecryptPayload(serverKeys.Receive, ct)
	require.NoError(t, err)
	assert.Equal(t, "from dapp", string(plain))
}

func TestDeriveSessionKeysBadPeerKey(t *testing.T) {
	self, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = DeriveSessionKeys(self, "zzzz", RoleClient)
	assert.ErrorIs(t, err, ErrInvalidPublicKey)

	_, err = DeriveSessionKeys(self, "abcd", RoleClient)
	assert.ErrorIs(t, err, ErrInvalidPublicKey, "truncated key must be rejected")
}

func TestSealedBoxRoundTrip(t *testing.T) {
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)

	ct, err := SealBox(recipient.Public, []byte("pairing-digest"))
	require.NoError(t, err)

	plain, err := OpenSealedBox(recipient, ct)
	require.NoError(t, err)
	assert.Equal(t, "pairing-digest", string(plain))
}

func TestSealedBoxWrongRecipient(t *testing.T) {
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)
	other, err := GenerateKeyPair()
	require.NoError(t, err)

	ct, err := SealBox(recipient.Public, []byte("pairing-digest"))
	require.NoError(t, err)

	_, err = OpenSealedBox(other, ct)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestKeyPairFromSeedRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	restored, err := KeyPairFromSeed(kp.Seed())
	require.NoError(t, err)
	assert.Equal(t, kp.Public, restored.Public)

	_, err = KeyPairFromSeed([]byte{1, 2, 3})
	assert.Error(t, err)
}
