package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linlurui/decentri-license/internal/issuer"
	"github.com/linlurui/decentri-license/internal/security"
	"github.com/linlurui/decentri-license/internal/token"
)

// FixedIssueTime is the issue time of every fixture token.
var FixedIssueTime = time.Unix(1700000000, 0)

// TestPKI bundles a throwaway root, a certified license key and an issuer.
type TestPKI struct {
	Root    *security.KeyPair
	License *security.KeyPair
	Issuer  *issuer.Issuer
}

// NewTestPKI builds an Ed25519 root and a license key of alg.
func NewTestPKI(t testing.TB, alg security.Algorithm) *TestPKI {
	t.Helper()

	root, err := security.GenerateKeyPair(security.AlgorithmEd25519)
	require.NoError(t, err)
	license, err := security.GenerateKeyPair(alg)
	require.NoError(t, err)

	iss, err := issuer.New(root, license, "test-app", issuer.WithClock(func() time.Time { return FixedIssueTime }))
	require.NoError(t, err)

	return &TestPKI{Root: root, License: license, Issuer: iss}
}

// Anchor is the trust anchor matching the fixture root.
func (p *TestPKI) Anchor() security.TrustAnchor {
	return p.Issuer.Anchor()
}

// Genesis mints a genesis token for code. The license private key is
// embedded so that holders can migrate it.
func (p *TestPKI) Genesis(t testing.TB, code string) token.Token {
	t.Helper()
	tok, err := p.Issuer.IssueGenesis(issuer.GenesisRequest{
		LicenseCode:     code,
		ValidFor:        365 * 24 * time.Hour,
		EmbedPrivateKey: true,
	})
	require.NoError(t, err)
	return tok
}

// GenesisJSON is Genesis in wire form.
func (p *TestPKI) GenesisJSON(t testing.TB, code string) string {
	t.Helper()
	data, err := p.Genesis(t, code).Encode()
	require.NoError(t, err)
	return string(data)
}

// FastSealing returns at-rest encryption parameters cheap enough for tests.
func FastSealing() *security.EncryptionConfig {
	cfg := security.DefaultEncryptionConfig()
	cfg.SCryptN = 1024
	return cfg
}
