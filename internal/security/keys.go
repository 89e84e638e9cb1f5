package security

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/emmansun/gmsm/sm2"
	"github.com/emmansun/gmsm/smx509"
)

const rsaKeyBits = 2048

var ErrInvalidKey = errors.New("invalid key material")

// KeyPair holds a PEM encoded key pair for one algorithm.
type KeyPair struct {
	Algorithm     Algorithm
	PrivateKeyPEM string
	PublicKeyPEM  string
}

// GenerateKeyPair creates a fresh key pair. Private keys are PKCS#8,
// public keys are PKIX.
func GenerateKeyPair(alg Algorithm) (*KeyPair, error) {
	var (
		privDER, pubDER []byte
		err             error
	)

	switch alg {
	case AlgorithmRSA:
		key, genErr := rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if genErr != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", genErr)
		}
		if privDER, err = x509.MarshalPKCS8PrivateKey(key); err == nil {
			pubDER, err = x509.MarshalPKIXPublicKey(&key.PublicKey)
		}
	case AlgorithmEd25519:
		pub, priv, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return nil, fmt.Errorf("failed to generate Ed25519 key: %w", genErr)
		}
		if privDER, err = x509.MarshalPKCS8PrivateKey(priv); err == nil {
			pubDER, err = x509.MarshalPKIXPublicKey(pub)
		}
	case AlgorithmSM2:
		key, genErr := sm2.GenerateKey(rand.Reader)
		if genErr != nil {
			return nil, fmt.Errorf("failed to generate SM2 key: %w", genErr)
		}
		if privDER, err = smx509.MarshalPKCS8PrivateKey(key); err == nil {
			pubDER, err = smx509.MarshalPKIXPublicKey(&key.PublicKey)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s key: %w", alg, err)
	}

	return &KeyPair{
		Algorithm:     alg,
		PrivateKeyPEM: encodePEM("PRIVATE KEY", privDER),
		PublicKeyPEM:  encodePEM("PUBLIC KEY", pubDER),
	}, nil
}

func encodePEM(blockType string, der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}))
}

func decodePEM(data string) (*pem.Block, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(data)))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}
	return block, nil
}

// ParseRSAPrivateKey accepts PKCS#1 and PKCS#8 encodings.
func ParseRSAPrivateKey(data string) (*rsa.PrivateKey, error) {
	block, err := decodePEM(data)
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA private key", ErrInvalidKey)
	}
	return key, nil
}

// ParseRSAPublicKey accepts PKIX and PKCS#1 encodings.
func ParseRSAPublicKey(data string) (*rsa.PublicKey, error) {
	block, err := decodePEM(data)
	if err != nil {
		return nil, err
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA public key", ErrInvalidKey)
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

func ParseEd25519PrivateKey(data string) (ed25519.PrivateKey, error) {
	block, err := decodePEM(data)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an Ed25519 private key", ErrInvalidKey)
	}
	return key, nil
}

func ParseEd25519PublicKey(data string) (ed25519.PublicKey, error) {
	block, err := decodePEM(data)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an Ed25519 public key", ErrInvalidKey)
	}
	return key, nil
}

func ParseSM2PrivateKey(data string) (*sm2.PrivateKey, error) {
	block, err := decodePEM(data)
	if err != nil {
		return nil, err
	}
	parsed, err := smx509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, ok := parsed.(*sm2.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an SM2 private key", ErrInvalidKey)
	}
	return key, nil
}

func ParseSM2PublicKey(data string) (*ecdsa.PublicKey, error) {
	block, err := decodePEM(data)
	if err != nil {
		return nil, err
	}
	parsed, err := smx509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an SM2 public key", ErrInvalidKey)
	}
	return key, nil
}

// PublicKeyMatches reports whether publicKeyPEM belongs to privateKeyPEM by
// signing and verifying a probe message.
func PublicKeyMatches(alg Algorithm, privateKeyPEM, publicKeyPEM string) bool {
	probe := []byte("decentri-license key probe")
	sig, err := Sign(alg, privateKeyPEM, probe)
	if err != nil {
		return false
	}
	return Verify(alg, publicKeyPEM, probe, sig)
}
