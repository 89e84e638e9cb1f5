package chainlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linlurui/decentri-license/internal/security"
	"github.com/linlurui/decentri-license/internal/shared/testutil"
)

func TestLoadOrCreateDeviceKeys_Idempotent(t *testing.T) {
	s := newTestStore(t)
	secret := []byte("env-hash|license-1")
	sealing := testutil.FastSealing()

	first, created, err := s.LoadOrCreateDeviceKeys("license-1", secret, sealing)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, first.DeviceID)
	assert.Equal(t, security.AlgorithmEd25519, first.Keys.Algorithm)

	second, created, err := s.LoadOrCreateDeviceKeys("license-1", secret, sealing)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.DeviceID, second.DeviceID)
	assert.Equal(t, first.Keys.PublicKeyPEM, second.Keys.PublicKeyPEM)
	assert.Equal(t, first.Keys.PrivateKeyPEM, second.Keys.PrivateKeyPEM)

	other, _, err := s.LoadOrCreateDeviceKeys("license-2", secret, sealing)
	require.NoError(t, err)
	assert.NotEqual(t, first.DeviceID, other.DeviceID)
}

func TestDeviceKeys_SealedAtRest(t *testing.T) {
	s := newTestStore(t)
	keys, err := security.GenerateKeyPair(security.AlgorithmEd25519)
	require.NoError(t, err)
	id := DeviceIdentity{DeviceID: "device-1", Keys: keys}

	require.NoError(t, s.SaveDeviceKeys("license-1", id, []byte("secret"), testutil.FastSealing()))

	raw, err := os.ReadFile(filepath.Join(s.Root(), "license-1", devicePrivateKeyFile))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "PRIVATE KEY")

	loaded, err := s.LoadDeviceKeys("license-1", []byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, "device-1", loaded.DeviceID)
	assert.Equal(t, keys.PrivateKeyPEM, loaded.Keys.PrivateKeyPEM)

	_, err = s.LoadDeviceKeys("license-1", []byte("wrong"))
	assert.ErrorIs(t, err, security.ErrSecretAuth)

	_, err = s.LoadDeviceKeys("license-9", []byte("secret"))
	assert.ErrorIs(t, err, ErrNoDeviceKeys)

	_, _, err = s.LoadOrCreateDeviceKeys("license-1", []byte("wrong"), testutil.FastSealing())
	assert.Error(t, err, "a wrong secret must not silently replace the identity")
}

func TestSaveDeviceKeys_Validation(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.SaveDeviceKeys("license-1", DeviceIdentity{}, []byte("s"), nil))
}
