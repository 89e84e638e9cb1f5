package security

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	key := DefaultTrustAnchor().EnvelopeKey()

	payloads := []string{
		`{}`,
		`{"token_id":"abc","state_payload":"{\"action\":\"x\"}"}`,
		`{"blob":"` + strings.Repeat("z", 64*1024) + `"}`,
	}

	for _, p := range payloads {
		sealed, err := SealEnvelope(key, []byte(p))
		require.NoError(t, err)
		assert.True(t, IsEncryptedForm(sealed))

		opened, err := OpenEnvelope(key, sealed)
		require.NoError(t, err)
		assert.Equal(t, p, string(opened))
	}
}

func TestEnvelope_FailsClosed(t *testing.T) {
	key := DefaultTrustAnchor().EnvelopeKey()
	sealed, err := SealEnvelope(key, []byte(`{"a":1}`))
	require.NoError(t, err)
	ctPart, noncePart, _ := strings.Cut(sealed, "|")

	t.Run("wrong key", func(t *testing.T) {
		wrong := Hash([]byte("another root"))
		plain, err := OpenEnvelope(wrong, sealed)
		assert.ErrorIs(t, err, ErrEnvelopeAuth)
		assert.Nil(t, plain)
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		raw, err := base64.RawURLEncoding.DecodeString(ctPart)
		require.NoError(t, err)
		raw[0] ^= 0xff
		tampered := base64.RawURLEncoding.EncodeToString(raw) + "|" + noncePart
		plain, err := OpenEnvelope(key, tampered)
		assert.ErrorIs(t, err, ErrEnvelopeAuth)
		assert.Nil(t, plain)
	})

	t.Run("short nonce", func(t *testing.T) {
		bad := ctPart + "|" + base64.RawURLEncoding.EncodeToString([]byte("short"))
		_, err := OpenEnvelope(key, bad)
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("truncated ciphertext", func(t *testing.T) {
		bad := base64.RawURLEncoding.EncodeToString([]byte("tiny")) + "|" + noncePart
		_, err := OpenEnvelope(key, bad)
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("bad base64", func(t *testing.T) {
		_, err := OpenEnvelope(key, "!!!|"+noncePart)
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("padded encoding accepted", func(t *testing.T) {
		raw, err := base64.RawURLEncoding.DecodeString(ctPart)
		require.NoError(t, err)
		nonce, err := base64.RawURLEncoding.DecodeString(noncePart)
		require.NoError(t, err)
		padded := base64.URLEncoding.EncodeToString(raw) + "|" + base64.URLEncoding.EncodeToString(nonce)
		plain, err := OpenEnvelope(key, padded)
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(plain))
	})
}

func TestIsEncryptedForm(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{in: "abc|def", want: true},
		{in: " abc|def\n", want: true},
		{in: "abc", want: false},
		{in: "|def", want: false},
		{in: "abc|", want: false},
		{in: "a|b|c", want: false},
		{in: "", want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsEncryptedForm(tt.in), tt.in)
	}
}
