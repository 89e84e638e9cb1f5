package license

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/linlurui/decentri-license/internal/archive"
	"github.com/linlurui/decentri-license/internal/chainlog"
	apperrors "github.com/linlurui/decentri-license/internal/errors"
	"github.com/linlurui/decentri-license/internal/issuer"
	"github.com/linlurui/decentri-license/internal/security"
	"github.com/linlurui/decentri-license/internal/shared/testutil"
	"github.com/linlurui/decentri-license/internal/statechain"
	"github.com/linlurui/decentri-license/internal/token"
)

var testNow = testutil.FixedIssueTime.Add(time.Hour)

type testEnv struct {
	pki     *testutil.TestPKI
	store   *chainlog.Store
	archive archive.Archive
	logs    *testutil.BufferedSlogHandler
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := chainlog.NewStore(t.TempDir())
	require.NoError(t, err)
	return &testEnv{
		pki:     testutil.NewTestPKI(t, security.AlgorithmEd25519),
		store:   store,
		archive: archive.NewMemoryArchive(),
		now:     testNow,
	}
}

func (e *testEnv) manager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	logger, logs := testutil.NewTestLogger(t)
	e.logs = logs

	base := []Option{
		WithTrustAnchor(e.pki.Anchor()),
		WithArchive(e.archive),
		WithSealing(testutil.FastSealing()),
		WithLogger(logger),
		WithAppID("test-app"),
		WithClock(func() time.Time { return e.now }),
	}
	m, err := NewManager(e.store, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func activate(t *testing.T, m *Manager, input string) {
	t.Helper()
	res, err := m.ActivateWithToken(context.Background(), input)
	require.NoError(t, err)
	require.True(t, res.Valid, res.ErrorMessage)
}

func currentToken(t *testing.T, m *Manager) token.Token {
	t.Helper()
	raw, err := m.CurrentTokenJSON()
	require.NoError(t, err)
	tok, err := token.Parse([]byte(raw))
	require.NoError(t, err)
	return tok
}

func TestNewManager(t *testing.T) {
	store, err := chainlog.NewStore(t.TempDir())
	require.NoError(t, err)

	t.Run("requires a store", func(t *testing.T) {
		_, err := NewManager(nil)
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))
	})

	t.Run("rejects an invalid anchor", func(t *testing.T) {
		_, err := NewManager(store, WithTrustAnchor(security.TrustAnchor{PublicKeyPEM: "junk", Algorithm: security.AlgorithmRSA}))
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))
	})

	t.Run("rejects weak sealing", func(t *testing.T) {
		cfg := security.DefaultEncryptionConfig()
		cfg.SCryptN = 1000
		_, err := NewManager(store, WithSealing(cfg))
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))
	})

	t.Run("defaults to the compiled-in root", func(t *testing.T) {
		m, err := NewManager(store)
		require.NoError(t, err)
		defer m.Close()
		assert.Equal(t, security.DefaultTrustAnchor().Fingerprint(), m.Anchor().Fingerprint())
	})
}

func TestActivateWithToken_BindsToDevice(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t)
	ctx := context.Background()

	assert.False(t, m.IsActivated())
	activate(t, m, env.pki.GenesisJSON(t, "L1"))

	assert.True(t, m.IsActivated())
	status := m.GetStatus(ctx)
	assert.Equal(t, StatusActive, status.Status)
	assert.Equal(t, uint64(1), status.StateIndex)
	assert.Equal(t, "L1", status.LicenseCode)

	deviceID, err := m.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, deviceID, status.HolderDeviceID)

	bound := currentToken(t, m)
	assert.False(t, bound.DeviceInfo.IsZero())
	assert.NoError(t, statechain.VerifyDeviceIdentity(bound))
	assert.NoError(t, statechain.VerifyCurrentSignature(bound))

	genesis, err := env.store.GetGenesis("L1")
	require.NoError(t, err)
	ok, reason := statechain.VerifyStateChain(bound, []token.Token{genesis})
	assert.True(t, ok, reason)

	used, err := env.archive.IsArchived(ctx, "L1")
	require.NoError(t, err)
	assert.True(t, used)

	res, err := m.VerifyStoredChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.ErrorMessage)

	assert.True(t, env.logs.ContainsAttr("action", "bind"))
	assert.False(t, env.logs.ContainsAttr("license_code", "L1"), "license codes are only logged masked")
}

// Binding twice with persisted device keys must not generate new key
// material, within one manager or after the held state is dropped.
func TestBindToDevice_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t)
	ctx := context.Background()

	require.NoError(t, m.ImportToken(ctx, env.pki.GenesisJSON(t, "L1")))
	res, err := m.BindToDevice(ctx)
	require.NoError(t, err)
	require.True(t, res.Valid, res.ErrorMessage)

	first := currentToken(t, m)
	keyFile := filepath.Join(env.store.Root(), "L1", "device_private_key.pem")
	sealedBefore, err := os.ReadFile(keyFile)
	require.NoError(t, err)

	res, err = m.BindToDevice(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, first.StateIndex, currentToken(t, m).StateIndex, "second bind does not migrate")

	raw, err := m.CurrentTokenJSON()
	require.NoError(t, err)
	m.Reset(ctx)
	_, err = m.DeviceID()
	require.Error(t, err)

	require.NoError(t, m.ImportToken(ctx, raw))
	res, err = m.BindToDevice(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.ErrorMessage)

	second := currentToken(t, m)
	assert.Equal(t, first.HolderDeviceID, second.HolderDeviceID)
	assert.Equal(t, first.DeviceInfo.PublicKey, second.DeviceInfo.PublicKey)

	sealedAfter, err := os.ReadFile(keyFile)
	require.NoError(t, err)
	assert.Equal(t, sealedBefore, sealedAfter)
}

func TestActivateWithToken_SingleUse(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t)
	ctx := context.Background()

	activate(t, m, env.pki.GenesisJSON(t, "ABC"))

	t.Run("second token with the same code is refused", func(t *testing.T) {
		_, err := m.ActivateWithToken(ctx, env.pki.GenesisJSON(t, "ABC"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrLicenseCodeUsed)
		assert.Contains(t, err.Error(), "License code has already been used and archived")
		assert.Equal(t, apperrors.InvalidArgument, apperrors.CodeOf(err))
	})

	t.Run("importing it loses against the bound state", func(t *testing.T) {
		err := m.ImportToken(ctx, env.pki.GenesisJSON(t, "ABC"))
		assert.ErrorIs(t, err, ErrConflictLost)
		assert.Equal(t, uint64(1), m.GetStatus(ctx).StateIndex)
	})

	t.Run("re-activating the bound token is accepted", func(t *testing.T) {
		raw, err := m.CurrentTokenJSON()
		require.NoError(t, err)
		res, err := m.ActivateWithToken(ctx, raw)
		require.NoError(t, err)
		assert.True(t, res.Valid, res.ErrorMessage)
	})

	t.Run("a fresh manager sharing the archive refuses it too", func(t *testing.T) {
		other := newTestEnv(t)
		other.pki = env.pki
		other.archive = env.archive
		_, err := other.manager(t).ActivateWithToken(ctx, env.pki.GenesisJSON(t, "ABC"))
		assert.ErrorIs(t, err, ErrLicenseCodeUsed)
	})
}

func TestActivateWithToken_LicenseCode(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		code       string
		wantErr    error
	}{
		{"exact match", "L1", "L1", nil},
		{"mismatch", "L1", "L2", ErrCodeMismatch},
		{"auto wildcard", "AUTO", "anything", nil},
		{"temp wildcard lower case", "temp", "anything", nil},
		{"unset", "", "L9", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			m := env.manager(t, WithLicenseCode(tt.configured))

			res, err := m.ActivateWithToken(context.Background(), env.pki.GenesisJSON(t, tt.code))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, m.IsActivated())
				return
			}
			require.NoError(t, err)
			assert.True(t, res.Valid, res.ErrorMessage)
		})
	}
}

func TestActivateWithToken_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t, WithActivationLimit(rate.Every(time.Hour), 1))
	ctx := context.Background()

	_, err := m.ActivateWithToken(ctx, "not a token")
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeFormat))

	_, err = m.ActivateWithToken(ctx, env.pki.GenesisJSON(t, "L1"))
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeRateLimit))
}

func TestImportToken_Forms(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	genesis := env.pki.GenesisJSON(t, "L1")

	sealed, err := security.SealEnvelope(env.pki.Anchor().EnvelopeKey(), []byte(genesis))
	require.NoError(t, err)
	otherKey := make([]byte, 32)
	foreign, err := security.SealEnvelope(otherKey, []byte(genesis))
	require.NoError(t, err)

	tests := []struct {
		name     string
		input    string
		wantType apperrors.ErrorType
	}{
		{"plaintext", genesis, ""},
		{"plaintext with whitespace", "\n  " + genesis + "\n", ""},
		{"encrypted", sealed, ""},
		{"empty", "   ", apperrors.ErrTypeFormat},
		{"not json", "hello", apperrors.ErrTypeFormat},
		{"truncated json", genesis[:len(genesis)/2], apperrors.ErrTypeFormat},
		{"wrong envelope key", foreign, apperrors.ErrTypeCrypto},
		{"bad base64 in envelope", "!!!|???", apperrors.ErrTypeFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := env.manager(t)
			err := m.ImportToken(ctx, tt.input)
			if tt.wantType == "" {
				require.NoError(t, err)
				assert.Equal(t, StatusActive, m.GetStatus(ctx).Status)
				return
			}
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, tt.wantType), "got %v", err)
			assert.Equal(t, StatusNone, m.GetStatus(ctx).Status, "failed import leaves no token")
		})
	}
}

func TestVerifyTrustChain(t *testing.T) {
	ctx := context.Background()

	t.Run("no token", func(t *testing.T) {
		m := newTestEnv(t).manager(t)
		_, err := m.VerifyTrustChain(ctx)
		assert.ErrorIs(t, err, ErrNoToken)
		assert.Equal(t, apperrors.NotInitialized, apperrors.CodeOf(err))
	})

	t.Run("valid token, second call served from cache", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.manager(t)
		require.NoError(t, m.ImportToken(ctx, env.pki.GenesisJSON(t, "L1")))

		for i := 0; i < 2; i++ {
			res, err := m.OfflineVerifyCurrentToken(ctx)
			require.NoError(t, err)
			assert.True(t, res.Valid, res.ErrorMessage)
		}
		assert.Equal(t, int64(1), m.CacheStats()["hit_count"])
	})

	t.Run("root does not certify the license key", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.manager(t, WithTrustAnchor(security.DefaultTrustAnchor()))
		require.NoError(t, m.ImportToken(ctx, env.pki.GenesisJSON(t, "L1")))

		res, err := m.VerifyTrustChain(ctx)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Contains(t, res.ErrorMessage, "not certified")
	})

	t.Run("expired", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.manager(t)
		require.NoError(t, m.ImportToken(ctx, env.pki.GenesisJSON(t, "L1")))

		env.now = testutil.FixedIssueTime.Add(2 * 365 * 24 * time.Hour)
		res, err := m.VerifyTrustChain(ctx)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Contains(t, res.ErrorMessage, "expired")
		assert.Equal(t, StatusExpired, m.GetStatus(ctx).Status)
	})

	t.Run("other application", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.manager(t, WithAppID("other-app"))
		require.NoError(t, m.ImportToken(ctx, env.pki.GenesisJSON(t, "L1")))

		res, err := m.VerifyTrustChain(ctx)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Contains(t, res.ErrorMessage, "other-app")
	})

	t.Run("other environment", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.manager(t)
		tok, err := env.pki.Issuer.IssueGenesis(issuer.GenesisRequest{
			LicenseCode:     "L1",
			ValidFor:        time.Hour * 24,
			EnvironmentHash: strings.Repeat("ab", 32),
			EmbedPrivateKey: true,
		})
		require.NoError(t, err)
		raw, err := tok.Encode()
		require.NoError(t, err)
		require.NoError(t, m.ImportToken(ctx, string(raw)))

		res, err := m.VerifyTrustChain(ctx)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Contains(t, res.ErrorMessage, "environment")
	})

	t.Run("matching environment", func(t *testing.T) {
		env := newTestEnv(t)
		fingerprints := security.NewFingerprintManager()
		m := env.manager(t, WithFingerprintManager(fingerprints))
		tok, err := env.pki.Issuer.IssueGenesis(issuer.GenesisRequest{
			LicenseCode:     "L1",
			ValidFor:        time.Hour * 24,
			EnvironmentHash: fingerprints.EnvironmentHash(),
			EmbedPrivateKey: true,
		})
		require.NoError(t, err)
		raw, err := tok.Encode()
		require.NoError(t, err)

		activate(t, m, string(raw))
	})

	t.Run("tampered identity field", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.manager(t)
		tok := env.pki.Genesis(t, "L1")
		tok.IssueTime++
		raw, err := tok.Encode()
		require.NoError(t, err)
		require.NoError(t, m.ImportToken(ctx, string(raw)))

		res, err := m.VerifyTrustChain(ctx)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.NotEmpty(t, res.ErrorMessage)
	})
}

func TestActivateWithToken_UntrustedTokenLeavesStateAlone(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t)
	ctx := context.Background()

	rogue := testutil.NewTestPKI(t, security.AlgorithmEd25519)
	res, err := m.ActivateWithToken(ctx, rogue.GenesisJSON(t, "L1"))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.ErrorMessage)
	assert.Equal(t, StatusNone, m.GetStatus(ctx).Status)
	assert.False(t, env.store.Exists("L1"))
}

func TestRecordUsage(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a bound token", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.manager(t)

		_, err := m.RecordUsage(ctx, `{"action":"x"}`)
		assert.ErrorIs(t, err, ErrNoToken)

		require.NoError(t, m.ImportToken(ctx, env.pki.GenesisJSON(t, "L1")))
		_, err = m.RecordUsage(ctx, `{"action":"x"}`)
		assert.ErrorIs(t, err, ErrNotActivated)
		assert.Equal(t, apperrors.NotInitialized, apperrors.CodeOf(err))
	})

	t.Run("rejects a non-JSON payload", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.manager(t)
		activate(t, m, env.pki.GenesisJSON(t, "L1"))

		_, err := m.RecordUsage(ctx, "{not json")
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeFormat))
		assert.Equal(t, uint64(1), m.GetStatus(ctx).StateIndex)
	})

	t.Run("extends the chain and the usage log", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.manager(t)
		activate(t, m, env.pki.GenesisJSON(t, "L1"))
		bound := currentToken(t, m)

		next, err := m.RecordUsage(ctx, `{"action":"print","pages":3}`)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), next.StateIndex)
		assert.Equal(t, bound.HolderDeviceID, next.HolderDeviceID)

		boundHash, err := token.SnapshotHash(bound)
		require.NoError(t, err)
		assert.Equal(t, boundHash, next.PrevStateHash)

		require.Len(t, next.UsageChain, 1)
		assert.Equal(t, "print", next.UsageChain[0].Action)
		assert.NoError(t, statechain.VerifyUsageChain(next))
		assert.NoError(t, statechain.VerifyCurrentSignature(next))

		next, err = m.RecordUsage(ctx, `"plain string payload"`)
		require.NoError(t, err)
		require.Len(t, next.UsageChain, 2)
		assert.Equal(t, "usage", next.UsageChain[1].Action)

		chain, err := env.store.LoadChain("L1")
		require.NoError(t, err)
		assert.Len(t, chain, 4)

		res, err := m.VerifyStoredChain(ctx)
		require.NoError(t, err)
		assert.True(t, res.Valid, res.ErrorMessage)
	})

	t.Run("uses the configured key when none is embedded", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.manager(t, WithLicensePrivateKey(env.pki.License.PrivateKeyPEM))

		tok, err := env.pki.Issuer.IssueGenesis(issuer.GenesisRequest{LicenseCode: "L1", ValidFor: 48 * time.Hour})
		require.NoError(t, err)
		raw, err := tok.Encode()
		require.NoError(t, err)

		activate(t, m, string(raw))
		_, err = m.RecordUsage(ctx, `{"action":"x"}`)
		assert.NoError(t, err)
	})

	t.Run("fails without any license key", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.manager(t)

		tok, err := env.pki.Issuer.IssueGenesis(issuer.GenesisRequest{LicenseCode: "L1", ValidFor: 48 * time.Hour})
		require.NoError(t, err)
		raw, err := tok.Encode()
		require.NoError(t, err)

		_, err = m.ActivateWithToken(ctx, string(raw))
		assert.ErrorIs(t, err, ErrNoLicenseKey)
		assert.Equal(t, apperrors.CryptoError, apperrors.CodeOf(err))
	})
}

func TestExportEncrypted(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t)
	ctx := context.Background()
	key := env.pki.Anchor().EnvelopeKey()

	_, err := m.ExportEncrypted(ctx, ExportCurrent)
	assert.ErrorIs(t, err, ErrNoToken)

	require.NoError(t, m.ImportToken(ctx, env.pki.GenesisJSON(t, "L1")))
	_, err = m.ExportEncrypted(ctx, ExportActivated)
	assert.ErrorIs(t, err, ErrNoToken, "nothing activated yet")

	res, err := m.BindToDevice(ctx)
	require.NoError(t, err)
	require.True(t, res.Valid, res.ErrorMessage)
	_, err = m.RecordUsage(ctx, `{"action":"x"}`)
	require.NoError(t, err)

	tests := []struct {
		kind      ExportKind
		wantIndex uint64
	}{
		{ExportCurrent, 2},
		{ExportActivated, 1},
		{ExportStateChanged, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			out, err := m.ExportEncrypted(ctx, tt.kind)
			require.NoError(t, err)
			assert.True(t, security.IsEncryptedForm(out))

			plain, err := security.OpenEnvelope(key, out)
			require.NoError(t, err)
			tok, err := token.Parse(plain)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIndex, tok.StateIndex)
		})
	}

	t.Run("unknown kind", func(t *testing.T) {
		_, err := m.ExportEncrypted(ctx, ExportKind("latest"))
		assert.ErrorIs(t, err, ErrUnknownExport)
	})

	t.Run("exported token imports on a fresh manager", func(t *testing.T) {
		out, err := m.ExportEncrypted(ctx, ExportCurrent)
		require.NoError(t, err)
		other := newTestEnv(t)
		other.pki = env.pki
		require.NoError(t, other.manager(t).ImportToken(ctx, out))
	})
}

func TestGetStatus_Transferred(t *testing.T) {
	ctx := context.Background()
	envA := newTestEnv(t)
	a := envA.manager(t)
	activate(t, a, envA.pki.GenesisJSON(t, "L1"))
	raw, err := a.CurrentTokenJSON()
	require.NoError(t, err)

	envB := newTestEnv(t)
	envB.pki = envA.pki
	b := envB.manager(t)
	require.NoError(t, b.ImportToken(ctx, raw))

	res, err := b.VerifyTrustChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.ErrorMessage)

	status := b.GetStatus(ctx)
	assert.Equal(t, StatusTransferred, status.Status)
	assert.False(t, status.IsActivated)

	_, err = b.BindToDevice(ctx)
	assert.ErrorIs(t, err, ErrTransferred)
	_, err = b.RecordUsage(ctx, `{"action":"x"}`)
	assert.Error(t, err)
}

func TestImportToken_ConflictTieBreak(t *testing.T) {
	ctx := context.Background()

	for _, coin := range []bool{true, false} {
		name := "coin keeps held token"
		if coin {
			name = "coin takes incoming token"
		}
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			m := env.manager(t, WithResolver(statechain.NewResolver(func() bool { return coin })))

			first := env.pki.Genesis(t, "L1")
			second := env.pki.Genesis(t, "L1")
			require.Equal(t, first.IssueTime, second.IssueTime)

			for _, tok := range []token.Token{first, second} {
				raw, err := tok.Encode()
				require.NoError(t, err)
				err = m.ImportToken(ctx, string(raw))
				if tok.TokenID == second.TokenID && !coin {
					assert.ErrorIs(t, err, ErrConflictLost)
					continue
				}
				require.NoError(t, err)
			}

			want := first.TokenID
			if coin {
				want = second.TokenID
			}
			assert.Equal(t, want, m.GetStatus(ctx).TokenID)
		})
	}
}

func TestSetTrustAnchorKey(t *testing.T) {
	ctx := context.Background()

	t.Run("certified product key", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.manager(t)
		require.NoError(t, m.SetTrustAnchorKey(ctx, env.pki.Issuer.ProductKey().Format()))
	})

	t.Run("product key certified by another root", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.manager(t)
		rogue := testutil.NewTestPKI(t, security.AlgorithmEd25519)
		err := m.SetTrustAnchorKey(ctx, rogue.Issuer.ProductKey().Format())
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeTrust))
	})

	t.Run("empty file", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.manager(t).SetTrustAnchorKey(ctx, "ROOT_SIGNATURE:abc")
		assert.ErrorIs(t, err, security.ErrEmptyProductKey)
	})

	t.Run("tokens without key material inherit the product key", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.manager(t)
		require.NoError(t, m.SetTrustAnchorKey(ctx, env.pki.Issuer.ProductKey().Format()))

		tok := env.pki.Genesis(t, "L1")
		tok.LicensePublicKey = ""
		tok.RootSignature = ""
		raw, err := tok.Encode()
		require.NoError(t, err)
		require.NoError(t, m.ImportToken(ctx, string(raw)))

		res, err := m.VerifyTrustChain(ctx)
		require.NoError(t, err)
		assert.True(t, res.Valid, res.ErrorMessage)
	})

	t.Run("tokens of another license key are refused", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.manager(t)

		license, err := security.GenerateKeyPair(security.AlgorithmEd25519)
		require.NoError(t, err)
		sibling, err := issuer.New(env.pki.Root, license, "test-app")
		require.NoError(t, err)
		require.NoError(t, m.SetTrustAnchorKey(ctx, sibling.ProductKey().Format()))

		require.NoError(t, m.ImportToken(ctx, env.pki.GenesisJSON(t, "L1")))
		res, err := m.VerifyTrustChain(ctx)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Contains(t, res.ErrorMessage, "product key")
	})
}

func TestLoadStored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.manager(t)
	activate(t, first, env.pki.GenesisJSON(t, "L1"))
	_, err := first.RecordUsage(ctx, `{"action":"x"}`)
	require.NoError(t, err)

	second := env.manager(t)
	require.NoError(t, second.LoadStored(ctx, "L1"))

	status := second.GetStatus(ctx)
	assert.Equal(t, StatusActive, status.Status)
	assert.True(t, status.IsActivated)
	assert.Equal(t, uint64(2), status.StateIndex)

	_, err = second.ExportEncrypted(ctx, ExportActivated)
	assert.NoError(t, err)

	next, err := second.RecordUsage(ctx, `{"action":"y"}`)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next.StateIndex)

	err = second.LoadStored(ctx, "missing")
	assert.Error(t, err)
}

func TestLoadStoredRecoversDamagedLog(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.manager(t)
	activate(t, first, env.pki.GenesisJSON(t, "L1"))
	_, err := first.RecordUsage(ctx, `{"action":"x"}`)
	require.NoError(t, err)

	logPath := filepath.Join(env.store.Root(), "L1", "chain_log.bin")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(logPath, data[:len(data)-5], 0o600))
	ok, _ := env.store.VerifyStoredChain("L1")
	require.False(t, ok)

	second := env.manager(t)
	require.NoError(t, second.LoadStored(ctx, "L1"))
	assert.Equal(t, uint64(2), second.GetStatus(ctx).StateIndex)
	assert.True(t, env.logs.ContainsMessage("load_stored recovering"))

	ok, reason := env.store.VerifyStoredChain("L1")
	assert.True(t, ok, reason)
}

func TestSubscribe(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t)
	ctx := context.Background()

	var events []Event
	unsubscribe := m.Subscribe(func(ev Event) { events = append(events, ev) })

	activate(t, m, env.pki.GenesisJSON(t, "L1"))
	_, err := m.RecordUsage(ctx, `{"action":"x"}`)
	require.NoError(t, err)
	m.Reset(ctx)

	require.Len(t, events, 3)
	assert.Equal(t, EventActivated, events[0].Type)
	assert.Equal(t, uint64(1), events[0].StateIndex)
	assert.Equal(t, hashLicenseCode("L1"), events[0].LicenseHash)
	assert.Equal(t, EventUsageRecorded, events[1].Type)
	assert.Equal(t, uint64(2), events[1].StateIndex)
	assert.Equal(t, EventReset, events[2].Type)

	unsubscribe()
	require.NoError(t, m.ImportToken(ctx, env.pki.GenesisJSON(t, "L2")))
	assert.Len(t, events, 3)
}

func TestParseExportKind(t *testing.T) {
	tests := []struct {
		in      string
		want    ExportKind
		wantErr bool
	}{
		{"", ExportCurrent, false},
		{"current", ExportCurrent, false},
		{"Activated", ExportActivated, false},
		{" state-changed ", ExportStateChanged, false},
		{"latest", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseExportKind(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownExport)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStorageID(t *testing.T) {
	assert.Equal(t, "L1", storageID("L1"))

	hashed := storageID("code with spaces/and slashes")
	assert.True(t, strings.HasPrefix(hashed, "lic-"))
	assert.True(t, chainlog.ValidLicenseID(hashed))
	assert.Equal(t, hashed, storageID("code with spaces/and slashes"))
}
