package issuer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linlurui/decentri-license/internal/security"
	"github.com/linlurui/decentri-license/internal/statechain"
)

func newIssuer(t *testing.T, rootAlg, licenseAlg security.Algorithm) *Issuer {
	t.Helper()
	root, err := security.GenerateKeyPair(rootAlg)
	require.NoError(t, err)
	license, err := security.GenerateKeyPair(licenseAlg)
	require.NoError(t, err)

	fixed := time.Unix(1700000000, 0)
	iss, err := New(root, license, "app-1", WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	return iss
}

func TestIssueGenesis_VerifiesAgainstAnchor(t *testing.T) {
	combos := []struct{ root, license security.Algorithm }{
		{security.AlgorithmEd25519, security.AlgorithmEd25519},
		{security.AlgorithmEd25519, security.AlgorithmSM2},
		{security.AlgorithmRSA, security.AlgorithmEd25519},
	}
	for _, c := range combos {
		t.Run(string(c.root)+"/"+string(c.license), func(t *testing.T) {
			iss := newIssuer(t, c.root, c.license)
			tok, err := iss.IssueGenesis(GenesisRequest{LicenseCode: "L1", ValidFor: time.Hour})
			require.NoError(t, err)

			assert.NotEmpty(t, tok.TokenID)
			assert.Equal(t, uint64(0), tok.StateIndex)
			assert.Empty(t, tok.HolderDeviceID)
			assert.Equal(t, int64(1700000000), tok.IssueTime)
			assert.Equal(t, int64(1700003600), tok.ExpireTime)
			assert.Equal(t, GenesisPayload, tok.StatePayload)

			v, err := statechain.NewVerifier(iss.Anchor())
			require.NoError(t, err)
			ok, reason := v.VerifyTrustChain(tok)
			assert.True(t, ok, reason)

			ok, reason = statechain.VerifyStateChain(tok, nil)
			assert.True(t, ok, reason)
		})
	}
}

func TestIssueGenesis_EmbeddedPrivateKey(t *testing.T) {
	iss := newIssuer(t, security.AlgorithmEd25519, security.AlgorithmEd25519)
	tok, err := iss.IssueGenesis(GenesisRequest{LicenseCode: "L2", EmbedPrivateKey: true})
	require.NoError(t, err)
	assert.Zero(t, tok.ExpireTime)
	require.NotEmpty(t, tok.EncryptedLicensePrivateKey)

	plain, err := security.OpenEnvelope(iss.Anchor().EnvelopeKey(), tok.EncryptedLicensePrivateKey)
	require.NoError(t, err)
	assert.Equal(t, iss.LicenseKeys().PrivateKeyPEM, string(plain))
}

func TestIssueGenesis_Rejects(t *testing.T) {
	iss := newIssuer(t, security.AlgorithmEd25519, security.AlgorithmEd25519)

	_, err := iss.IssueGenesis(GenesisRequest{})
	assert.Error(t, err)

	_, err = iss.IssueGenesis(GenesisRequest{LicenseCode: "A|B"})
	assert.Error(t, err)
}

func TestNew_Rejects(t *testing.T) {
	root, err := security.GenerateKeyPair(security.AlgorithmEd25519)
	require.NoError(t, err)
	other, err := security.GenerateKeyPair(security.AlgorithmEd25519)
	require.NoError(t, err)

	_, err = New(root, nil, "app")
	assert.Error(t, err)

	_, err = New(root, other, "")
	assert.Error(t, err)

	mismatched := &security.KeyPair{Algorithm: other.Algorithm, PrivateKeyPEM: other.PrivateKeyPEM, PublicKeyPEM: root.PublicKeyPEM}
	_, err = New(root, mismatched, "app")
	assert.Error(t, err)
}

func TestProductKey_RoundTrip(t *testing.T) {
	iss := newIssuer(t, security.AlgorithmEd25519, security.AlgorithmEd25519)
	pk, err := security.ParseProductKeyFile(iss.ProductKey().Format())
	require.NoError(t, err)
	assert.NoError(t, iss.Anchor().VerifyCertification(pk.PublicKeyPEM, pk.RootSignature))
}
