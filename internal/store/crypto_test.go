package store

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMasterKey() []byte {
	return bytes.Repeat([]byte{0x42}, MasterKeyLen)
}

func TestNewSealerRejectsBadKeyLength(t *testing.T) {
	_, err := NewSealer([]byte("too short"))
	assert.Error(t, err)

	_, err = NewSealer(bytes.Repeat([]byte{1}, 64))
	assert.Error(t, err)
}

func TestSealOpenRoundTrip(t *testing.T) {
	sealer, err := NewSealer(testMasterKey())
	require.NoError(t, err)

	plaintext := []byte(`{"cookies":"PORTAL_SESSION=abc"}`)
	blob, err := sealer.Seal("parent@example.com", plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "PORTAL_SESSION")

	got, err := sealer.Open("parent@example.com", blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpenFailsForDifferentIdentity(t *testing.T) {
	sealer, err := NewSealer(testMasterKey())
	require.NoError(t, err)

	blob, err := sealer.Seal("a@example.com", []byte("secret"))
	require.NoError(t, err)

	_, err = sealer.Open("b@example.com", blob)
	assert.Error(t, err, "per-user key diversification must reject another identity's key")
}

func TestOpenIsCaseInsensitiveOnIdentity(t *testing.T) {
	sealer, err := NewSealer(testMasterKey())
	require.NoError(t, err)

	blob, err := sealer.Seal("Parent@Example.com", []byte("secret"))
	require.NoError(t, err)

	got, err := sealer.Open("parent@example.com", blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)
}

func TestOpenDetectsTampering(t *testing.T) {
	sealer, err := NewSealer(testMasterKey())
	require.NoError(t, err)

	blob, err := sealer.Seal("parent@example.com", []byte("secret"))
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0xff
	_, err = sealer.Open("parent@example.com", blob)
	assert.Error(t, err)
}

func TestOpenRejectsTruncatedBlob(t *testing.T) {
	sealer, err := NewSealer(testMasterKey())
	require.NoError(t, err)

	_, err = sealer.Open("parent@example.com", []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestSealNeverReusesNonce(t *testing.T) {
	sealer, err := NewSealer(testMasterKey())
	require.NoError(t, err)

	a, err := sealer.Seal("parent@example.com", []byte("same plaintext"))
	require.NoError(t, err)
	b, err := sealer.Seal("parent@example.com", []byte("same plaintext"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "two saves of the same plaintext must produce distinct ciphertexts")
}
