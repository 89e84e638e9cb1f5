package security

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flipSignatureByte(t *testing.T, sig string, idx int) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	raw[idx%len(raw)] ^= 0x01
	return base64.StdEncoding.EncodeToString(raw)
}

func TestSignVerify_RoundTrip(t *testing.T) {
	msg := []byte("token-1|app|device-1|ABC|1700000000")

	for _, alg := range Algorithms() {
		t.Run(string(alg), func(t *testing.T) {
			kp, err := GenerateKeyPair(alg)
			require.NoError(t, err)
			assert.Contains(t, kp.PrivateKeyPEM, "BEGIN PRIVATE KEY")
			assert.Contains(t, kp.PublicKeyPEM, "BEGIN PUBLIC KEY")

			sig, err := Sign(alg, kp.PrivateKeyPEM, msg)
			require.NoError(t, err)
			assert.True(t, Verify(alg, kp.PublicKeyPEM, msg, sig))

			t.Run("flipped signature byte fails", func(t *testing.T) {
				for _, idx := range []int{0, 7, 31} {
					assert.False(t, Verify(alg, kp.PublicKeyPEM, msg, flipSignatureByte(t, sig, idx)))
				}
			})

			t.Run("flipped message byte fails", func(t *testing.T) {
				for i := range msg {
					tampered := append([]byte(nil), msg...)
					tampered[i] ^= 0x01
					assert.False(t, Verify(alg, kp.PublicKeyPEM, tampered, sig), "byte %d", i)
				}
			})

			t.Run("other key fails", func(t *testing.T) {
				other, err := GenerateKeyPair(alg)
				require.NoError(t, err)
				assert.False(t, Verify(alg, other.PublicKeyPEM, msg, sig))
			})

			assert.True(t, PublicKeyMatches(alg, kp.PrivateKeyPEM, kp.PublicKeyPEM))
		})
	}
}

func TestVerifySignature_FailsClosed(t *testing.T) {
	kp, err := GenerateKeyPair(AlgorithmEd25519)
	require.NoError(t, err)
	msg := []byte("payload")
	sig, err := Sign(AlgorithmEd25519, kp.PrivateKeyPEM, msg)
	require.NoError(t, err)

	tests := []struct {
		name    string
		alg     Algorithm
		pub     string
		sig     string
		wantErr error
	}{
		{name: "empty signature", alg: AlgorithmEd25519, pub: kp.PublicKeyPEM, sig: "", wantErr: ErrEmptySignature},
		{name: "unknown algorithm", alg: Algorithm("DSA"), pub: kp.PublicKeyPEM, sig: sig, wantErr: ErrUnsupportedAlgorithm},
		{name: "garbage key", alg: AlgorithmEd25519, pub: "not a key", sig: sig, wantErr: ErrInvalidKey},
		{name: "wrong algorithm for key", alg: AlgorithmRSA, pub: kp.PublicKeyPEM, sig: sig, wantErr: ErrInvalidKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(tt.alg, tt.pub, msg, tt.sig)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("bad base64", func(t *testing.T) {
		assert.Error(t, VerifySignature(AlgorithmEd25519, kp.PublicKeyPEM, msg, "%%%"))
	})
}

func TestSign_UnknownAlgorithm(t *testing.T) {
	_, err := Sign(Algorithm("HMAC"), "", []byte("x"))
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	_, err = GenerateKeyPair(Algorithm("HMAC"))
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{in: "RSA", want: AlgorithmRSA},
		{in: "rsa", want: AlgorithmRSA},
		{in: "Ed25519", want: AlgorithmEd25519},
		{in: " ED25519 ", want: AlgorithmEd25519},
		{in: "sm2", want: AlgorithmSM2},
		{in: "", wantErr: true},
		{in: "ECDSA", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAlgorithm(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Valid())
		})
	}
}
