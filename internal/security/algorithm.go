package security

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/emmansun/gmsm/sm2"
)

// Algorithm identifies the signature scheme carried in a token's "alg" field.
// The set is closed; anything else is rejected.
type Algorithm string

const (
	AlgorithmRSA     Algorithm = "RSA"
	AlgorithmEd25519 Algorithm = "Ed25519"
	AlgorithmSM2     Algorithm = "SM2"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
	ErrInvalidSignature     = errors.New("signature verification failed")
	ErrEmptySignature       = errors.New("signature is empty")
)

// Algorithms lists every supported algorithm in a stable order.
func Algorithms() []Algorithm {
	return []Algorithm{AlgorithmRSA, AlgorithmEd25519, AlgorithmSM2}
}

// ParseAlgorithm maps a tag to an Algorithm, ignoring case.
func ParseAlgorithm(tag string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "rsa":
		return AlgorithmRSA, nil
	case "ed25519":
		return AlgorithmEd25519, nil
	case "sm2":
		return AlgorithmSM2, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, tag)
	}
}

// Valid reports whether a is one of the supported algorithms.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmRSA, AlgorithmEd25519, AlgorithmSM2:
		return true
	default:
		return false
	}
}

func (a Algorithm) String() string {
	return string(a)
}

// Sign signs msg with the PEM encoded private key and returns the signature
// in standard base64.
func Sign(alg Algorithm, privateKeyPEM string, msg []byte) (string, error) {
	var (
		sig []byte
		err error
	)

	switch alg {
	case AlgorithmRSA:
		sig, err = signRSA(privateKeyPEM, msg)
	case AlgorithmEd25519:
		sig, err = signEd25519(privateKeyPEM, msg)
	case AlgorithmSM2:
		sig, err = signSM2(privateKeyPEM, msg)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	if err != nil {
		return "", fmt.Errorf("%s sign: %w", alg, err)
	}

	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifySignature checks a base64 signature over msg against the PEM encoded
// public key. A nil error means the signature is valid.
func VerifySignature(alg Algorithm, publicKeyPEM string, msg []byte, signatureB64 string) error {
	if strings.TrimSpace(signatureB64) == "" {
		return ErrEmptySignature
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signatureB64))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	switch alg {
	case AlgorithmRSA:
		return verifyRSA(publicKeyPEM, msg, sig)
	case AlgorithmEd25519:
		return verifyEd25519(publicKeyPEM, msg, sig)
	case AlgorithmSM2:
		return verifySM2(publicKeyPEM, msg, sig)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

// Verify is the boolean form of VerifySignature.
func Verify(alg Algorithm, publicKeyPEM string, msg []byte, signatureB64 string) bool {
	return VerifySignature(alg, publicKeyPEM, msg, signatureB64) == nil
}

func signRSA(privateKeyPEM string, msg []byte) ([]byte, error) {
	key, err := ParseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(msg)
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
}

func verifyRSA(publicKeyPEM string, msg, sig []byte) error {
	key, err := ParseRSAPublicKey(publicKeyPEM)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(msg)
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

func signEd25519(privateKeyPEM string, msg []byte) ([]byte, error) {
	key, err := ParseEd25519PrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(key, msg), nil
}

func verifyEd25519(publicKeyPEM string, msg, sig []byte) error {
	key, err := ParseEd25519PublicKey(publicKeyPEM)
	if err != nil {
		return err
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(key, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// SM2 signatures use SM3 with the default user id, ASN.1 encoded.
func signSM2(privateKeyPEM string, msg []byte) ([]byte, error) {
	key, err := ParseSM2PrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return sm2.SignASN1(rand.Reader, key, msg, sm2.DefaultSM2SignerOpts)
}

func verifySM2(publicKeyPEM string, msg, sig []byte) error {
	key, err := ParseSM2PublicKey(publicKeyPEM)
	if err != nil {
		return err
	}
	if !sm2.VerifyASN1WithSM2(key, nil, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}
