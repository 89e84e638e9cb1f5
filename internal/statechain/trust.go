// Package statechain verifies the trust chain of license tokens and mints
// and checks the hash-linked state transitions that follow it.
package statechain

import (
	"fmt"

	"github.com/linlurui/decentri-license/internal/security"
	"github.com/linlurui/decentri-license/internal/token"
)

// Verifier checks tokens against a fixed trust anchor.
type Verifier struct {
	anchor security.TrustAnchor
}

// NewVerifier validates the anchor once so that later failures are always
// about the token, never about the root key.
func NewVerifier(anchor security.TrustAnchor) (*Verifier, error) {
	if err := anchor.Validate(); err != nil {
		return nil, fmt.Errorf("invalid trust anchor: %w", err)
	}
	return &Verifier{anchor: anchor}, nil
}

// Anchor returns the root key this verifier trusts.
func (v *Verifier) Anchor() security.TrustAnchor {
	return v.anchor
}

// VerifyTrustChain checks that the token's license key is certified by the
// root and that the identity fields are signed by that license key. It fails
// closed and always explains a rejection.
func (v *Verifier) VerifyTrustChain(t token.Token) (bool, string) {
	if !t.Algorithm.Valid() {
		return false, fmt.Sprintf("unsupported signature algorithm %q", t.Algorithm)
	}
	if t.LicensePublicKey == "" {
		return false, "license public key is missing"
	}
	if t.RootSignature == "" {
		return false, "root signature is missing"
	}
	if err := v.anchor.VerifyCertification(t.LicensePublicKey, t.RootSignature); err != nil {
		return false, fmt.Sprintf("license public key is not certified by the root key: %v", err)
	}
	if t.Signature == "" {
		return false, "identity signature is missing"
	}
	if err := security.VerifySignature(t.Algorithm, t.LicensePublicKey, token.IdentitySigningBytes(t), t.Signature); err != nil {
		return false, fmt.Sprintf("identity signature is invalid: %v", err)
	}
	return true, ""
}
