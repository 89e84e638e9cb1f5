package security

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// EncryptionConfig holds the scrypt and AES-GCM parameters used to seal
// secrets at rest, such as device private keys.
type EncryptionConfig struct {
	SCryptN      int
	SCryptR      int
	SCryptP      int
	SCryptKeyLen int
	SaltSize     int
	NonceSize    int
}

// SealedSecret is the on-disk form of a secret sealed with SealSecret.
type SealedSecret struct {
	Version    uint8  `json:"version"`
	N          int    `json:"n"`
	R          int    `json:"r"`
	P          int    `json:"p"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

const sealedSecretVersion = 1

var ErrSecretAuth = errors.New("sealed secret failed authentication")

// DefaultEncryptionConfig returns scrypt parameters at the OWASP minimum.
func DefaultEncryptionConfig() *EncryptionConfig {
	return &EncryptionConfig{
		SCryptN:      32768,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
		SaltSize:     32,
		NonceSize:    12,
	}
}

// ValidateEncryptionConfig rejects parameters AES-256-GCM or scrypt cannot use.
func ValidateEncryptionConfig(config *EncryptionConfig) error {
	if config == nil {
		return errors.New("encryption config cannot be nil")
	}
	if config.SCryptN < 2 || config.SCryptN&(config.SCryptN-1) != 0 {
		return errors.New("SCryptN must be a power of two greater than 1")
	}
	if config.SCryptR < 1 || config.SCryptP < 1 {
		return errors.New("SCryptR and SCryptP must be positive")
	}
	if config.SCryptKeyLen != 32 {
		return errors.New("SCryptKeyLen must be 32 for AES-256")
	}
	if config.SaltSize < 16 {
		return errors.New("SaltSize must be at least 16")
	}
	if config.NonceSize != 12 {
		return errors.New("NonceSize must be 12 for AES-GCM")
	}
	return nil
}

// SealSecret encrypts plaintext under a key derived from secret with scrypt.
// The result is JSON and safe to write to disk.
func SealSecret(plaintext, secret []byte, config *EncryptionConfig) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext cannot be empty")
	}
	if config == nil {
		config = DefaultEncryptionConfig()
	}
	if err := ValidateEncryptionConfig(config); err != nil {
		return nil, err
	}

	salt, err := RandomBytes(config.SaltSize)
	if err != nil {
		return nil, err
	}
	nonce, err := RandomBytes(config.NonceSize)
	if err != nil {
		return nil, err
	}

	gcm, err := deriveAEAD(secret, salt, config.SCryptN, config.SCryptR, config.SCryptP, config.SCryptKeyLen)
	if err != nil {
		return nil, err
	}

	sealed := SealedSecret{
		Version:    sealedSecretVersion,
		N:          config.SCryptN,
		R:          config.SCryptR,
		P:          config.SCryptP,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, salt),
	}
	return json.Marshal(sealed)
}

// OpenSecret decrypts data produced by SealSecret. The scrypt parameters are
// read from the payload so older files stay readable after a config change.
func OpenSecret(data, secret []byte) ([]byte, error) {
	var sealed SealedSecret
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, fmt.Errorf("failed to parse sealed secret: %w", err)
	}
	if sealed.Version != sealedSecretVersion {
		return nil, fmt.Errorf("unsupported sealed secret version: %d", sealed.Version)
	}
	if len(sealed.Nonce) != 12 {
		return nil, fmt.Errorf("invalid nonce length: %d", len(sealed.Nonce))
	}

	gcm, err := deriveAEAD(secret, sealed.Salt, sealed.N, sealed.R, sealed.P, 32)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, sealed.Nonce, sealed.Ciphertext, sealed.Salt)
	if err != nil {
		return nil, ErrSecretAuth
	}
	return plaintext, nil
}

func deriveAEAD(secret, salt []byte, n, r, p, keyLen int) (cipher.AEAD, error) {
	key, err := scrypt.Key(secret, salt, n, r, p, keyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
