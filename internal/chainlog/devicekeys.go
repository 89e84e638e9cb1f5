package chainlog

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/linlurui/decentri-license/internal/security"
	"github.com/linlurui/decentri-license/internal/statechain"
)

const (
	devicePrivateKeyFile = "device_private_key.pem"
	devicePublicKeyFile  = "device_public_key.pem"
	deviceIDFile         = "device_id.txt"
)

var ErrNoDeviceKeys = errors.New("no device keys stored for license")

// DeviceIdentity is the per-license device id and its signing key pair.
type DeviceIdentity struct {
	DeviceID string
	Keys     *security.KeyPair
}

// SaveDeviceKeys stores id under licenseID. The private key is sealed with
// secret; the public key and device id are stored in the clear.
func (s *Store) SaveDeviceKeys(licenseID string, id DeviceIdentity, secret []byte, sealing *security.EncryptionConfig) error {
	if id.DeviceID == "" || id.Keys == nil {
		return errors.New("device id and keys are required")
	}
	dir, err := s.dir(licenseID)
	if err != nil {
		return err
	}
	unlock, err := s.lock(licenseID, dir)
	if err != nil {
		return err
	}
	defer unlock()
	return s.writeDeviceKeys(dir, id, secret, sealing)
}

func (s *Store) writeDeviceKeys(dir string, id DeviceIdentity, secret []byte, sealing *security.EncryptionConfig) error {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create chain directory: %w", err)
	}

	sealed, err := security.SealSecret([]byte(id.Keys.PrivateKeyPEM), secret, sealing)
	if err != nil {
		return fmt.Errorf("seal device private key: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, devicePrivateKeyFile), sealed); err != nil {
		return fmt.Errorf("write device private key: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, devicePublicKeyFile), []byte(id.Keys.PublicKeyPEM)); err != nil {
		return fmt.Errorf("write device public key: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, deviceIDFile), []byte(id.DeviceID+"\n")); err != nil {
		return fmt.Errorf("write device id: %w", err)
	}
	return nil
}

// LoadDeviceKeys reads and unseals the device identity of licenseID.
func (s *Store) LoadDeviceKeys(licenseID string, secret []byte) (DeviceIdentity, error) {
	dir, err := s.dir(licenseID)
	if err != nil {
		return DeviceIdentity{}, err
	}
	return readDeviceKeys(dir, secret)
}

func readDeviceKeys(dir string, secret []byte) (DeviceIdentity, error) {
	read := func(name string) ([]byte, error) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoDeviceKeys, filepath.Base(dir))
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return data, nil
	}

	sealed, err := read(devicePrivateKeyFile)
	if err != nil {
		return DeviceIdentity{}, err
	}
	pub, err := read(devicePublicKeyFile)
	if err != nil {
		return DeviceIdentity{}, err
	}
	rawID, err := read(deviceIDFile)
	if err != nil {
		return DeviceIdentity{}, err
	}

	priv, err := security.OpenSecret(sealed, secret)
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("unseal device private key: %w", err)
	}
	keys := &security.KeyPair{
		Algorithm:     statechain.DeviceKeyAlgorithm,
		PrivateKeyPEM: string(priv),
		PublicKeyPEM:  string(pub),
	}
	if !security.PublicKeyMatches(keys.Algorithm, keys.PrivateKeyPEM, keys.PublicKeyPEM) {
		return DeviceIdentity{}, errors.New("stored device key pair does not match")
	}

	deviceID := strings.TrimSpace(string(rawID))
	if deviceID == "" {
		return DeviceIdentity{}, fmt.Errorf("%w: empty device id", ErrNoDeviceKeys)
	}
	return DeviceIdentity{DeviceID: deviceID, Keys: keys}, nil
}

// LoadOrCreateDeviceKeys returns the stored identity of licenseID, creating
// and storing a fresh one on first use. Repeated calls return the same
// identity.
func (s *Store) LoadOrCreateDeviceKeys(licenseID string, secret []byte, sealing *security.EncryptionConfig) (DeviceIdentity, bool, error) {
	dir, err := s.dir(licenseID)
	if err != nil {
		return DeviceIdentity{}, false, err
	}
	unlock, err := s.lock(licenseID, dir)
	if err != nil {
		return DeviceIdentity{}, false, err
	}
	defer unlock()

	id, err := readDeviceKeys(dir, secret)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, ErrNoDeviceKeys) {
		return DeviceIdentity{}, false, err
	}

	keys, err := security.GenerateKeyPair(statechain.DeviceKeyAlgorithm)
	if err != nil {
		return DeviceIdentity{}, false, err
	}
	id = DeviceIdentity{DeviceID: uuid.New().String(), Keys: keys}
	if err := s.writeDeviceKeys(dir, id, secret, sealing); err != nil {
		return DeviceIdentity{}, false, err
	}

	s.logger.Info("device identity created",
		slog.String("license_id", licenseID),
		slog.String("device_id", id.DeviceID))
	return id, true, nil
}
