package security

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	envelopeKeySize   = 32
	envelopeNonceSize = 12
	envelopeTagSize   = 16
	envelopeSeparator = "|"
)

var (
	ErrMalformedEnvelope = errors.New("malformed encrypted payload")
	ErrEnvelopeAuth      = errors.New("encrypted payload failed authentication")
)

// IsEncryptedForm reports whether s looks like "<ciphertext>|<nonce>":
// exactly one separator with content on both sides.
func IsEncryptedForm(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Count(s, envelopeSeparator) != 1 {
		return false
	}
	ct, nonce, _ := strings.Cut(s, envelopeSeparator)
	return ct != "" && nonce != ""
}

// SealEnvelope encrypts plaintext with AES-256-GCM and encodes it as
// base64url(ciphertext||tag) + "|" + base64url(nonce).
func SealEnvelope(key, plaintext []byte) (string, error) {
	gcm, err := newEnvelopeAEAD(key)
	if err != nil {
		return "", err
	}

	nonce, err := RandomBytes(envelopeNonceSize)
	if err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed) + envelopeSeparator +
		base64.RawURLEncoding.EncodeToString(nonce), nil
}

// OpenEnvelope reverses SealEnvelope. Tampered input or a wrong key yields
// ErrEnvelopeAuth and no plaintext.
func OpenEnvelope(key []byte, encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if !IsEncryptedForm(encoded) {
		return nil, fmt.Errorf("%w: expected ciphertext%snonce", ErrMalformedEnvelope, envelopeSeparator)
	}
	ctPart, noncePart, _ := strings.Cut(encoded, envelopeSeparator)

	sealed, err := decodeBase64URL(ctPart)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrMalformedEnvelope, err)
	}
	nonce, err := decodeBase64URL(noncePart)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrMalformedEnvelope, err)
	}
	if len(nonce) != envelopeNonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes, got %d", ErrMalformedEnvelope, envelopeNonceSize, len(nonce))
	}
	if len(sealed) < envelopeTagSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", ErrMalformedEnvelope)
	}

	gcm, err := newEnvelopeAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrEnvelopeAuth
	}
	return plaintext, nil
}

func newEnvelopeAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != envelopeKeySize {
		return nil, fmt.Errorf("envelope key must be %d bytes, got %d", envelopeKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, envelopeNonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// decodeBase64URL accepts both padded and unpadded input.
func decodeBase64URL(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}
