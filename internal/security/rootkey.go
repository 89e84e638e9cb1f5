package security

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
)

// RootPublicKeyPEM is the compiled-in root of trust. License public keys are
// certified by signatures made with the matching private key.
const RootPublicKeyPEM = `-----BEGIN PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEAz5dmj2sw3ZFknK7MqU/S
H+W3lPJSdoNgiz7T30Vb6fxq2fsHiR74It9eldTzivQto62uCE5R4i8APd7CyRK/
iewKjFy1HjVY4OqiBqTjITMs6k9JMCTrNnL9Hxm9r2a9a0tmr5q4rRVzgcSFiXeo
HOCSus8RgGEiFynkWud20m7DWbmRqgOrXQz2zcakIOgn3i8O1f3FEU6WB+Cq3b+8
+ellUP7+YmTHRVI8Golq8GlkfMVhi8131HPZkS9Li2dESiKN+ZzUqQutOiK7cD1E
K7RgZowchkKKPss/fZ40leNUTOgWtUYoJAlFVKsrR9ddMlKUZYl6/hPxEYs7944W
9QIDAQAB
-----END PUBLIC KEY-----
`

var ErrMissingCertification = errors.New("license public key or root signature is empty")

// TrustAnchor is the root key together with the algorithm used for the
// certification step. It is fixed for the lifetime of a verifier.
type TrustAnchor struct {
	PublicKeyPEM string
	Algorithm    Algorithm
}

// DefaultTrustAnchor returns the compiled-in RSA root.
func DefaultTrustAnchor() TrustAnchor {
	return TrustAnchor{PublicKeyPEM: RootPublicKeyPEM, Algorithm: AlgorithmRSA}
}

// Validate checks that the anchor key parses for its algorithm.
func (a TrustAnchor) Validate() error {
	if !a.Algorithm.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, a.Algorithm)
	}
	if strings.TrimSpace(a.PublicKeyPEM) == "" {
		return fmt.Errorf("%w: empty root public key", ErrInvalidKey)
	}

	var err error
	switch a.Algorithm {
	case AlgorithmRSA:
		_, err = ParseRSAPublicKey(a.PublicKeyPEM)
	case AlgorithmEd25519:
		_, err = ParseEd25519PublicKey(a.PublicKeyPEM)
	case AlgorithmSM2:
		_, err = ParseSM2PublicKey(a.PublicKeyPEM)
	}
	return err
}

// CertificationBytes is the message a root signature covers: the license
// public key PEM without surrounding whitespace.
func CertificationBytes(licensePublicKeyPEM string) []byte {
	return []byte(strings.TrimSpace(licensePublicKeyPEM))
}

// VerifyCertification checks rootSignature over licensePublicKeyPEM.
func (a TrustAnchor) VerifyCertification(licensePublicKeyPEM, rootSignature string) error {
	if strings.TrimSpace(licensePublicKeyPEM) == "" || strings.TrimSpace(rootSignature) == "" {
		return ErrMissingCertification
	}
	return VerifySignature(a.Algorithm, a.PublicKeyPEM, CertificationBytes(licensePublicKeyPEM), rootSignature)
}

// EnvelopeKey derives the symmetric transport key from the root key material.
func (a TrustAnchor) EnvelopeKey() []byte {
	sum := sha256.Sum256([]byte(a.PublicKeyPEM))
	return sum[:]
}

// Fingerprint is a short stable identifier of the anchor key.
func (a TrustAnchor) Fingerprint() string {
	return HashHex([]byte(string(a.Algorithm) + "|" + a.PublicKeyPEM))[:16]
}
