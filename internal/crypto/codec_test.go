package crypto

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentCodec_RoundTrip(t *testing.T) {
	codec, err := NewContentCodec("unit-test-master-secret")
	require.NoError(t, err)

	cases := []string{
		"hello",
		"",
		"patient vitals look stable, will check again at 14:00",
		"unicode: München 東京 🚑",
	}
	for _, plaintext := range cases {
		ciphertext, hash, err := codec.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, ciphertext)

		got, err := codec.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
		assert.True(t, Verify(plaintext, hash))
	}
}

func TestContentCodec_NonceUniqueness(t *testing.T) {
	codec, err := NewContentCodec("unit-test-master-secret")
	require.NoError(t, err)

	a, _, err := codec.Encrypt("same plaintext")
	require.NoError(t, err)
	b, _, err := codec.Encrypt("same plaintext")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestContentCodec_TamperedCiphertextFailsClosed(t *testing.T) {
	codec, err := NewContentCodec("unit-test-master-secret")
	require.NoError(t, err)

	ciphertext, _, err := codec.Encrypt("do not tamper")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = codec.Decrypt(tampered)
	assert.True(t, errors.Is(err, ErrDecryptionFailure))
}

func TestContentCodec_DecryptVerified(t *testing.T) {
	codec, err := NewContentCodec("unit-test-master-secret")
	require.NoError(t, err)

	ciphertext, hash, err := codec.Encrypt("verified content")
	require.NoError(t, err)

	got, err := codec.DecryptVerified(ciphertext, hash)
	require.NoError(t, err)
	assert.Equal(t, "verified content", got)

	// A stored hash for different content must be treated as tampering.
	_, err = codec.DecryptVerified(ciphertext, Hash("some other content"))
	assert.True(t, errors.Is(err, ErrIntegrityMismatch))
}

func TestContentCodec_BadInput(t *testing.T) {
	codec, err := NewContentCodec("unit-test-master-secret")
	require.NoError(t, err)

	_, err = codec.Decrypt("not-base64!!!")
	assert.True(t, errors.Is(err, ErrDecryptionFailure))

	_, err = codec.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.True(t, errors.Is(err, ErrDecryptionFailure))

	_, err = NewContentCodec("")
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	assert.True(t, Verify("abc", Hash("abc")))
	assert.False(t, Verify("abc", Hash("abd")))
}
