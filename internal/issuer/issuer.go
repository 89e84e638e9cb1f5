// Package issuer certifies license keys with the root key and mints genesis
// tokens for them.
package issuer

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/linlurui/decentri-license/internal/security"
	"github.com/linlurui/decentri-license/internal/token"
)

// GenesisPayload is the state payload of freshly minted tokens.
const GenesisPayload = `{"action":"issue"}`

// Issuer holds the root key pair and one certified license key pair.
type Issuer struct {
	root          *security.KeyPair
	license       *security.KeyPair
	rootSignature string
	appID         string
	now           func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// GenesisRequest describes a token to mint.
type GenesisRequest struct {
	LicenseCode     string
	ValidFor        time.Duration
	EnvironmentHash string
	// EmbedPrivateKey seals the license private key into the token so a
	// holder can sign state transitions offline.
	EmbedPrivateKey bool
	Payload         string
}

// CertifyLicenseKey signs a license public key with the root private key.
func CertifyLicenseKey(rootAlg security.Algorithm, rootPrivateKeyPEM, licensePublicKeyPEM string) (string, error) {
	sig, err := security.Sign(rootAlg, rootPrivateKeyPEM, security.CertificationBytes(licensePublicKeyPEM))
	if err != nil {
		return "", fmt.Errorf("certify license key: %w", err)
	}
	return sig, nil
}

// New certifies license with root and returns an issuer for appID.
func New(root, license *security.KeyPair, appID string, opts ...Option) (*Issuer, error) {
	if root == nil || license == nil {
		return nil, errors.New("root and license key pairs are required")
	}
	if appID == "" {
		return nil, errors.New("app id is required")
	}
	if !security.PublicKeyMatches(root.Algorithm, root.PrivateKeyPEM, root.PublicKeyPEM) {
		return nil, errors.New("root key pair does not match")
	}
	if !security.PublicKeyMatches(license.Algorithm, license.PrivateKeyPEM, license.PublicKeyPEM) {
		return nil, errors.New("license key pair does not match")
	}

	rootSig, err := CertifyLicenseKey(root.Algorithm, root.PrivateKeyPEM, license.PublicKeyPEM)
	if err != nil {
		return nil, err
	}

	iss := &Issuer{
		root:          root,
		license:       license,
		rootSignature: rootSig,
		appID:         appID,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(iss)
	}
	return iss, nil
}

// Anchor is the trust anchor clients need to verify this issuer's tokens.
func (i *Issuer) Anchor() security.TrustAnchor {
	return security.TrustAnchor{PublicKeyPEM: i.root.PublicKeyPEM, Algorithm: i.root.Algorithm}
}

// ProductKey is the certified license public key in product-key file form.
func (i *Issuer) ProductKey() security.ProductKey {
	return security.ProductKey{PublicKeyPEM: i.license.PublicKeyPEM, RootSignature: i.rootSignature}
}

// LicenseKeys returns the license key pair.
func (i *Issuer) LicenseKeys() *security.KeyPair {
	return i.license
}

// IssueGenesis mints a signed state_index 0 token with no holder.
func (i *Issuer) IssueGenesis(req GenesisRequest) (token.Token, error) {
	if req.LicenseCode == "" {
		return token.Token{}, errors.New("license code is required")
	}

	now := i.now()
	t := token.Token{
		TokenID:          uuid.New().String(),
		LicenseCode:      req.LicenseCode,
		IssueTime:        now.Unix(),
		Algorithm:        i.license.Algorithm,
		AppID:            i.appID,
		EnvironmentHash:  req.EnvironmentHash,
		LicensePublicKey: i.license.PublicKeyPEM,
		RootSignature:    i.rootSignature,
		StatePayload:     req.Payload,
	}
	if t.StatePayload == "" {
		t.StatePayload = GenesisPayload
	}
	if req.ValidFor > 0 {
		t.ExpireTime = now.Add(req.ValidFor).Unix()
	}
	if err := token.ValidateIdentity(t); err != nil {
		return token.Token{}, err
	}

	if req.EmbedPrivateKey {
		sealed, err := security.SealEnvelope(i.Anchor().EnvelopeKey(), []byte(i.license.PrivateKeyPEM))
		if err != nil {
			return token.Token{}, fmt.Errorf("seal license private key: %w", err)
		}
		t.EncryptedLicensePrivateKey = sealed
	}

	var err error
	if t.StateSignature, err = security.Sign(t.Algorithm, i.license.PrivateKeyPEM, token.StateSigningBytes(t)); err != nil {
		return token.Token{}, err
	}
	if t.Signature, err = security.Sign(t.Algorithm, i.license.PrivateKeyPEM, token.IdentitySigningBytes(t)); err != nil {
		return token.Token{}, err
	}
	return t, nil
}
