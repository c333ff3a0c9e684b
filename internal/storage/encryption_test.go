package storage

import (
	"database/sql"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestEncryptDecrypt(t *testing.T) {
	plaintext := []byte("ya29.a0AfH6SMB-access-token")

	ciphertext, nonce, err := EncryptToken(testKey, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)
	assert.Len(t, nonce, NonceSize)

	decrypted, err := DecryptToken(testKey, ciphertext, nonce)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptInvalidKey(t *testing.T) {
	_, _, err := EncryptToken([]byte("short"), []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKeySize)

	_, err = NewCipher([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestDecryptInvalidNonce(t *testing.T) {
	ciphertext, _, err := EncryptToken(testKey, []byte("x"))
	require.NoError(t, err)

	_, err = DecryptToken(testKey, ciphertext, []byte("short"))
	assert.ErrorIs(t, err, ErrDecryption)
	assert.ErrorIs(t, err, ErrInvalidNonce)
}

func TestDecryptWithDifferentKey(t *testing.T) {
	ciphertext, nonce, err := EncryptToken(testKey, []byte("secret"))
	require.NoError(t, err)

	other := []byte("abcdef0123456789abcdef0123456789")
	_, err = DecryptToken(other, ciphertext, nonce)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	for _, s := range []string{"", "1//0g-refresh", "unicode: ✓ ü ß", string(make([]byte, 4096))} {
		sealed, err := c.Encrypt(s)
		require.NoError(t, err)

		_, err = base64.StdEncoding.DecodeString(sealed.Ciphertext)
		require.NoError(t, err)
		iv, err := base64.StdEncoding.DecodeString(sealed.IV)
		require.NoError(t, err)
		assert.Len(t, iv, NonceSize)

		opened, err := c.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, s, opened)
	}
}

func TestCipherFreshIVPerCall(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestCipherTamperDetection(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	sealed, err := c.Encrypt("access-token")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	require.NoError(t, err)

	for i := 0; i < len(raw); i++ {
		flipped := append([]byte(nil), raw...)
		flipped[i] ^= 0x01
		_, err := c.Decrypt(EncryptedSecret{
			Ciphertext: base64.StdEncoding.EncodeToString(flipped),
			IV:         sealed.IV,
		})
		require.ErrorIs(t, err, ErrDecryption, "byte %d", i)
	}

	ivRaw, err := base64.StdEncoding.DecodeString(sealed.IV)
	require.NoError(t, err)
	ivRaw[0] ^= 0x80
	_, err = c.Decrypt(EncryptedSecret{Ciphertext: sealed.Ciphertext, IV: base64.StdEncoding.EncodeToString(ivRaw)})
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestCipherMalformedInput(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)
	sealed, err := c.Encrypt("x")
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret EncryptedSecret
	}{
		{"iv not base64", EncryptedSecret{Ciphertext: sealed.Ciphertext, IV: "%%%"}},
		{"ciphertext not base64", EncryptedSecret{Ciphertext: "%%%", IV: sealed.IV}},
		{"short iv", EncryptedSecret{Ciphertext: sealed.Ciphertext, IV: base64.StdEncoding.EncodeToString([]byte("abc"))}},
		{"truncated ciphertext", EncryptedSecret{Ciphertext: base64.StdEncoding.EncodeToString([]byte("abc")), IV: sealed.IV}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := c.Decrypt(tt.secret)
			assert.ErrorIs(t, err, ErrDecryption)
			assert.Empty(t, out)
		})
	}
}

func TestCipherOpenLegacyAndCorrupt(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	pt, legacy, err := c.Open("plain-legacy-token", sql.NullString{})
	require.NoError(t, err)
	assert.True(t, legacy)
	assert.Equal(t, "plain-legacy-token", pt)

	_, _, err = c.Open("", sql.NullString{String: "abc", Valid: true})
	assert.ErrorIs(t, err, ErrCorruptSecret)

	value, iv, err := c.Seal("tok")
	require.NoError(t, err)
	pt, legacy, err = c.Open(value, iv)
	require.NoError(t, err)
	assert.False(t, legacy)
	assert.Equal(t, "tok", pt)
}
