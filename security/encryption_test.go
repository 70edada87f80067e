package security

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyring(t *testing.T) map[string]string {
	t.Helper()
	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	return map[string]string{
		"k1": base64.StdEncoding.EncodeToString(raw),
		// Passphrase material exercises the SHA-256 stretch path.
		"k2": "driveline-rotation-passphrase",
	}
}

func TestEncryptorRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKeyring(t), "k1")
	require.NoError(t, err)

	sealed, err := enc.EncryptString("p65 crankshaft notes")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "v1:k1:"), "envelope %q", sealed)

	plain, err := enc.DecryptString(sealed)
	require.NoError(t, err)
	assert.Equal(t, "p65 crankshaft notes", plain)
}

func TestEncryptorMapRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKeyring(t), "k2")
	require.NoError(t, err)

	sealed, err := enc.EncryptMap(map[string]interface{}{
		"sku":   "DL-1001",
		"count": float64(7),
	})
	require.NoError(t, err)

	out, err := enc.DecryptMap(sealed)
	require.NoError(t, err)
	assert.Equal(t, "DL-1001", out["sku"])
	assert.Equal(t, float64(7), out["count"])
}

func TestEncryptorNonceVariesPerCall(t *testing.T) {
	enc, err := NewEncryptor(testKeyring(t), "k1")
	require.NoError(t, err)

	a, err := enc.EncryptString("same plaintext")
	require.NoError(t, err)
	b, err := enc.EncryptString("same plaintext")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestKeyRotationDecryptsOldCiphertext(t *testing.T) {
	ring := testKeyring(t)

	older, err := NewEncryptor(ring, "k1")
	require.NoError(t, err)
	sealed, err := older.EncryptString("sealed before rotation")
	require.NoError(t, err)

	rotated, err := NewEncryptor(ring, "k2")
	require.NoError(t, err)
	assert.Equal(t, "k2", rotated.ActiveKeyID())

	plain, err := rotated.DecryptString(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sealed before rotation", plain)

	fresh, err := rotated.EncryptString("sealed after rotation")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fresh, "v1:k2:"))
}

func TestDecryptFailuresAreSentinel(t *testing.T) {
	enc, err := NewEncryptor(testKeyring(t), "k1")
	require.NoError(t, err)

	sealed, err := enc.EncryptString("intact")
	require.NoError(t, err)

	// Flip a character inside the base64 payload.
	tampered := []byte(sealed)
	last := len(tampered) - 1
	if tampered[last] == 'A' {
		tampered[last] = 'B'
	} else {
		tampered[last] = 'A'
	}

	tests := []struct {
		name     string
		envelope string
	}{
		{"tampered ciphertext", string(tampered)},
		{"unknown key id", strings.Replace(sealed, ":k1:", ":gone:", 1)},
		{"wrong version", strings.Replace(sealed, "v1:", "v9:", 1)},
		{"not an envelope", "just some text"},
		{"bad base64", "v1:k1:%%%%"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := enc.Decrypt(tt.envelope)
			assert.ErrorIs(t, err, ErrDecryptFailed)
		})
	}
}

func TestDecryptOrUnavailable(t *testing.T) {
	enc, err := NewEncryptor(testKeyring(t), "k1")
	require.NoError(t, err)

	sealed, err := enc.EncryptString("visible")
	require.NoError(t, err)

	assert.Equal(t, "visible", enc.DecryptOrUnavailable(sealed))
	assert.Equal(t, UnavailableContent, enc.DecryptOrUnavailable("v1:k1:corrupt"))
}

func TestNewEncryptorValidation(t *testing.T) {
	_, err := NewEncryptor(nil, "k1")
	assert.Error(t, err)

	_, err = NewEncryptor(map[string]string{"k1": "secret"}, "missing")
	assert.ErrorIs(t, err, ErrUnknownKey)
}
