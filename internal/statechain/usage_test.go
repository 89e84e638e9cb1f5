package statechain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linlurui/decentri-license/internal/security"
	"github.com/linlurui/decentri-license/internal/shared/testutil"
	"github.com/linlurui/decentri-license/internal/token"
)

func boundWithDevice(t *testing.T) (token.Token, *security.KeyPair) {
	t.Helper()
	pki := testutil.NewTestPKI(t, security.AlgorithmEd25519)
	device, err := security.GenerateKeyPair(DeviceKeyAlgorithm)
	require.NoError(t, err)

	genesis := pki.Genesis(t, "L1")
	bound, err := MigrateWithHolder(genesis, "device-1", "bind", pki.License.PrivateKeyPEM)
	require.NoError(t, err)
	bound.DeviceInfo, err = SignDeviceIdentity("device-1", "fp", device)
	require.NoError(t, err)
	return bound, device
}

func TestDeviceIdentity(t *testing.T) {
	bound, _ := boundWithDevice(t)
	assert.NoError(t, VerifyDeviceIdentity(bound))

	moved := bound.Clone()
	moved.HolderDeviceID = "device-2"
	assert.Error(t, VerifyDeviceIdentity(moved))

	assert.ErrorIs(t, VerifyDeviceIdentity(token.Token{}), ErrNoDeviceIdentity)

	_, err := SignDeviceIdentity("", "fp", &security.KeyPair{})
	assert.Error(t, err)
}

func TestUsageChain(t *testing.T) {
	tok, device := boundWithDevice(t)
	at := time.Unix(1700000100, 0)

	for i, action := range []string{"open", "export", "close"} {
		rec, err := NewUsageRecord(tok, action, `{"i":1}`, at.Add(time.Duration(i)*time.Second), device.PrivateKeyPEM)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), rec.Seq)
		tok.UsageChain = append(tok.UsageChain, rec)
	}
	assert.Empty(t, tok.UsageChain[0].HashPrev)
	assert.Equal(t, token.UsageRecordHash(tok.UsageChain[0]), tok.UsageChain[1].HashPrev)
	require.NoError(t, VerifyUsageChain(tok))

	t.Run("tampered params", func(t *testing.T) {
		c := tok.Clone()
		c.UsageChain[1].Params = `{"i":2}`
		assert.Error(t, VerifyUsageChain(c))
	})

	t.Run("reordered", func(t *testing.T) {
		c := tok.Clone()
		c.UsageChain[0], c.UsageChain[1] = c.UsageChain[1], c.UsageChain[0]
		assert.Error(t, VerifyUsageChain(c))
	})

	t.Run("dropped record", func(t *testing.T) {
		c := tok.Clone()
		c.UsageChain = append([]token.UsageRecord{c.UsageChain[0]}, c.UsageChain[2])
		assert.Error(t, VerifyUsageChain(c))
	})

	t.Run("no device key", func(t *testing.T) {
		c := tok.Clone()
		c.DeviceInfo = token.DeviceInfo{}
		assert.ErrorIs(t, VerifyUsageChain(c), ErrNoDeviceIdentity)
	})
}

func TestCurrentSignature(t *testing.T) {
	tok, device := boundWithDevice(t)
	assert.NoError(t, VerifyCurrentSignature(tok), "absent signature is accepted")

	signed, err := SignCurrent(tok, device.PrivateKeyPEM)
	require.NoError(t, err)
	require.NotEmpty(t, signed.CurrentSignature)
	assert.NoError(t, VerifyCurrentSignature(signed))

	signed.StatePayload = "changed"
	assert.Error(t, VerifyCurrentSignature(signed))
}
