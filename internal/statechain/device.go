package statechain

import (
	"errors"
	"fmt"

	"github.com/linlurui/decentri-license/internal/security"
	"github.com/linlurui/decentri-license/internal/token"
)

// DeviceKeyAlgorithm is the algorithm of per-device key pairs.
const DeviceKeyAlgorithm = security.AlgorithmEd25519

var ErrNoDeviceIdentity = errors.New("token carries no device identity")

// SignDeviceIdentity proves possession of the device key by signing the
// device id together with the device public key.
func SignDeviceIdentity(deviceID, fingerprint string, keys *security.KeyPair) (token.DeviceInfo, error) {
	if deviceID == "" {
		return token.DeviceInfo{}, errors.New("device id is empty")
	}
	sig, err := security.Sign(DeviceKeyAlgorithm, keys.PrivateKeyPEM, token.DeviceSigningBytes(deviceID, keys.PublicKeyPEM))
	if err != nil {
		return token.DeviceInfo{}, fmt.Errorf("sign device identity: %w", err)
	}
	return token.DeviceInfo{
		Fingerprint: fingerprint,
		PublicKey:   keys.PublicKeyPEM,
		Signature:   sig,
	}, nil
}

// VerifyDeviceIdentity checks the device_info signature against the holder.
func VerifyDeviceIdentity(t token.Token) error {
	if t.DeviceInfo.IsZero() {
		return ErrNoDeviceIdentity
	}
	return security.VerifySignature(DeviceKeyAlgorithm, t.DeviceInfo.PublicKey,
		token.DeviceSigningBytes(t.HolderDeviceID, t.DeviceInfo.PublicKey), t.DeviceInfo.Signature)
}
