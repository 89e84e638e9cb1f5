package security

import (
	"errors"
	"strings"
)

// RootSignatureMarker introduces the optional certification line in a
// product-key file.
const RootSignatureMarker = "ROOT_SIGNATURE:"

var ErrEmptyProductKey = errors.New("product key file contains no public key")

// ProductKey is the parsed content of a product-key file.
type ProductKey struct {
	PublicKeyPEM  string
	RootSignature string
}

// ParseProductKeyFile splits a product-key file into the PEM public key and
// the optional root signature that follows the marker.
func ParseProductKeyFile(content string) (ProductKey, error) {
	pemPart, sigPart, _ := strings.Cut(content, RootSignatureMarker)

	pk := ProductKey{
		PublicKeyPEM:  strings.TrimSpace(pemPart),
		RootSignature: strings.TrimSpace(sigPart),
	}
	if pk.PublicKeyPEM == "" {
		return ProductKey{}, ErrEmptyProductKey
	}
	if _, err := decodePEM(pk.PublicKeyPEM); err != nil {
		return ProductKey{}, err
	}
	return pk, nil
}

// Format renders the product key back into file form.
func (pk ProductKey) Format() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(pk.PublicKeyPEM))
	b.WriteString("\n")
	if pk.RootSignature != "" {
		b.WriteString(RootSignatureMarker)
		b.WriteString(pk.RootSignature)
		b.WriteString("\n")
	}
	return b.String()
}
