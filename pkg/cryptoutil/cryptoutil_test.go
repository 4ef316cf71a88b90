package cryptoutil

import (
	"bytes"
	"testing"

	"github.com/shadowbox/shadowbox/pkg/shadowerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := NewDEK()
	require.NoError(t, err)
	nonce, err := NewNonce()
	require.NoError(t, err)
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	ct, tag, err := Seal(key, nonce, plaintext)
	require.NoError(t, err)

	got, err := Open(key, nonce, ct, tag)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpenDetectsTamper(t *testing.T) {
	key, _ := NewDEK()
	nonce, _ := NewNonce()
	ct, tag, err := Seal(key, nonce, []byte("secret payload"))
	require.NoError(t, err)

	tampered := append([]byte(nil), ct...)
	tampered[0] ^= 0xFF

	_, err = Open(key, nonce, tampered, tag)
	require.Error(t, err)
	assert.True(t, shadowerr.Is(err, shadowerr.IntegrityFailure))
}

func TestDeriveMasterKeyIsDeterministic(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	k1, err := DeriveMasterKey("hunter2", salt)
	require.NoError(t, err)
	k2, err := DeriveMasterKey("hunter2", salt)
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "same password+salt should derive the same key")

	k3, err := DeriveMasterKey("different", salt)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3, "different passwords should derive different keys")
}

func TestSubKeysDivergeByInfo(t *testing.T) {
	master := bytes.Repeat([]byte{0x42}, KeySize)

	wrapKey, err := SubKey(master, InfoDEKWrap)
	require.NoError(t, err)
	wireKey, err := SubKey(master, InfoWireV1)
	require.NoError(t, err)
	assert.NotEqual(t, wrapKey, wireKey, "distinct info strings should derive distinct sub-keys")
}

func TestWrapUnwrapDEK(t *testing.T) {
	wrapKey, _ := NewDEK()
	dek, _ := NewDEK()

	wrapped, err := WrapDEK(wrapKey, dek)
	require.NoError(t, err)

	got, err := UnwrapDEK(wrapKey, wrapped)
	require.NoError(t, err)
	assert.Equal(t, dek, got)

	wrongKey, _ := NewDEK()
	_, err = UnwrapDEK(wrongKey, wrapped)
	assert.Error(t, err, "wrong wrap key should fail to unwrap")
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Zero(b)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
}
