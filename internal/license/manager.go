package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/time/rate"

	"github.com/linlurui/decentri-license/internal/archive"
	"github.com/linlurui/decentri-license/internal/chainlog"
	apperrors "github.com/linlurui/decentri-license/internal/errors"
	"github.com/linlurui/decentri-license/internal/security"
	"github.com/linlurui/decentri-license/internal/statechain"
	"github.com/linlurui/decentri-license/internal/token"
)

// Wildcard license codes accept any token.
const (
	CodeAuto = "AUTO"
	CodeTemp = "TEMP"
)

const (
	defaultCacheMinTTL = time.Minute
	defaultCacheMaxTTL = time.Hour
)

var ErrInvalidPayload = errors.New("state payload must be valid JSON")

// Manager owns the token held by one client. All state lives in the struct
// and every operation takes its mutex.
type Manager struct {
	mu sync.Mutex

	verifier     *statechain.Verifier
	store        *chainlog.Store
	archive      archive.Archive
	resolver     *statechain.Resolver
	fingerprints *security.FingerprintManager
	cache        *VerificationCache
	metrics      *Metrics
	limiter      *rate.Limiter
	logger       *slog.Logger
	now          func() time.Time

	appID             string
	licenseCode       string
	licensePrivateKey string
	sealing           *security.EncryptionConfig
	cacheMinTTL       time.Duration
	cacheMaxTTL       time.Duration

	productKey    *security.ProductKey
	current       *token.Token
	activated     *token.Token
	stateChanged  *token.Token
	device        *chainlog.DeviceIdentity
	deviceLicense string

	optErr error

	subMu       sync.RWMutex
	subscribers map[int]func(Event)
	nextSubID   int
}

// Option configures a Manager.
type Option func(*Manager)

// WithTrustAnchor replaces the compiled-in root key.
func WithTrustAnchor(anchor security.TrustAnchor) Option {
	return func(m *Manager) {
		m.verifier, m.optErr = statechain.NewVerifier(anchor)
	}
}

func WithArchive(a archive.Archive) Option {
	return func(m *Manager) { m.archive = a }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithResolver sets the conflict resolver, and with it the tie-break coin.
func WithResolver(r *statechain.Resolver) Option {
	return func(m *Manager) { m.resolver = r }
}

func WithFingerprintManager(fm *security.FingerprintManager) Option {
	return func(m *Manager) { m.fingerprints = fm }
}

// WithAppID restricts accepted tokens to one application.
func WithAppID(appID string) Option {
	return func(m *Manager) { m.appID = appID }
}

// WithLicenseCode restricts activation to one code. AUTO and TEMP accept
// any code.
func WithLicenseCode(code string) Option {
	return func(m *Manager) { m.licenseCode = strings.TrimSpace(code) }
}

// WithLicensePrivateKey supplies the license key for tokens that do not
// embed one.
func WithLicensePrivateKey(pem string) Option {
	return func(m *Manager) { m.licensePrivateKey = pem }
}

// WithSealing sets the scrypt parameters for device keys at rest.
func WithSealing(cfg *security.EncryptionConfig) Option {
	return func(m *Manager) { m.sealing = cfg }
}

// WithActivationLimit bounds activation attempts.
func WithActivationLimit(r rate.Limit, burst int) Option {
	return func(m *Manager) { m.limiter = rate.NewLimiter(r, burst) }
}

// WithCacheTTL bounds verification cache lifetimes.
func WithCacheTTL(minTTL, maxTTL time.Duration) Option {
	return func(m *Manager) {
		m.cacheMinTTL = minTTL
		m.cacheMaxTTL = maxTTL
	}
}

// NewManager returns a manager persisting chains in store. Without options
// it trusts the compiled-in root and keeps the archive in memory.
func NewManager(store *chainlog.Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, apperrors.NewConfigError("chain store is required", nil)
	}

	verifier, err := statechain.NewVerifier(security.DefaultTrustAnchor())
	if err != nil {
		return nil, apperrors.NewConfigError("invalid default trust anchor", err)
	}

	metrics, err := InitializeMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		return nil, apperrors.NewConfigError("failed to create metrics", err)
	}

	m := &Manager{
		verifier:     verifier,
		store:        store,
		archive:      archive.NewMemoryArchive(),
		resolver:     statechain.NewResolver(nil),
		fingerprints: security.NewFingerprintManager(),
		metrics:      metrics,
		limiter:      rate.NewLimiter(rate.Inf, 1),
		logger:       slog.Default(),
		now:          time.Now,
		sealing:      security.DefaultEncryptionConfig(),
		cacheMinTTL:  defaultCacheMinTTL,
		cacheMaxTTL:  defaultCacheMaxTTL,
		subscribers:  make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.optErr != nil {
		return nil, apperrors.NewConfigError("invalid trust anchor", m.optErr)
	}
	if err := security.ValidateEncryptionConfig(m.sealing); err != nil {
		return nil, apperrors.NewConfigError("invalid sealing parameters", err)
	}

	m.cache = NewVerificationCache(m.cacheMinTTL, m.cacheMaxTTL, m.now)
	return m, nil
}

// Close stops background work. The store and archive stay open.
func (m *Manager) Close() {
	m.cache.Stop()
}

// Anchor returns the root key this manager trusts.
func (m *Manager) Anchor() security.TrustAnchor {
	return m.verifier.Anchor()
}

// CacheStats exposes verification cache statistics.
func (m *Manager) CacheStats() map[string]interface{} {
	return m.cache.GetStats()
}

// SetTrustAnchorKey installs the product key. Tokens must then carry this
// license public key; tokens without one inherit it on import. A root
// signature in the file is checked against the root key right away.
func (m *Manager) SetTrustAnchorKey(ctx context.Context, productKeyFile string) error {
	return m.traceOperation(ctx, "set_product_key", func(ctx context.Context) error {
		pk, err := security.ParseProductKeyFile(productKeyFile)
		if err != nil {
			m.logAction(ctx, slog.LevelWarn, "set_product_key", "rejected", slog.String("error", err.Error()))
			return toAppError("failed to parse product key", err)
		}
		if pk.RootSignature != "" {
			if err := m.verifier.Anchor().VerifyCertification(pk.PublicKeyPEM, pk.RootSignature); err != nil {
				m.logAction(ctx, slog.LevelWarn, "set_product_key", "untrusted", slog.String("error", err.Error()))
				return apperrors.NewTrustError(fmt.Sprintf("product key is not certified by the root key: %v", err))
			}
		}

		m.mu.Lock()
		m.productKey = &pk
		m.mu.Unlock()
		m.cache.Clear()

		m.logAction(ctx, slog.LevelInfo, "set_product_key", "success",
			slog.Bool("certified", pk.RootSignature != ""))
		return nil
	})
}

// ImportToken loads a token in plaintext JSON or encrypted form. It
// replaces the held token unless the held or stored state of the same
// license takes precedence.
func (m *Manager) ImportToken(ctx context.Context, input string) error {
	var ev *Event
	err := m.traceOperation(ctx, "import", func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return toAppError("import canceled", err)
		}
		t, err := m.decodeInput(input)
		if err != nil {
			m.recordCounter(ctx, m.metrics.Imports, false)
			m.logAction(ctx, slog.LevelWarn, "import", "rejected", slog.String("error", err.Error()))
			return toAppError("failed to import token", err)
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		if err := m.adoptLocked(ctx, t, m.referenceLocked(t)); err != nil {
			m.recordCounter(ctx, m.metrics.Imports, false)
			return toAppError("failed to import token", err)
		}
		m.setCurrentLocked(t)
		m.recordCounter(ctx, m.metrics.Imports, true)

		m.logAction(ctx, slog.LevelInfo, "import", "success", append(licenseAttrs(t.LicenseCode),
			slog.String("token_id", t.TokenID),
			slog.Uint64("state_index", t.StateIndex))...)
		ev = m.eventLocked(EventImported)
		return nil
	})
	m.publish(ev)
	return err
}

// LoadStored resumes the chain stored for licenseCode, making its head
// the held token.
func (m *Manager) LoadStored(ctx context.Context, licenseCode string) error {
	var ev *Event
	err := m.traceOperation(ctx, "load_stored", func(ctx context.Context) error {
		id := storageID(licenseCode)
		if m.store.Exists(id) {
			if ok, reason := m.store.VerifyStoredChain(id); !ok {
				m.logAction(ctx, slog.LevelWarn, "load_stored", "recovering", slog.String("reason", reason))
				if _, err := m.store.RecoverChain(id); err != nil {
					return toAppError("failed to recover stored chain", err)
				}
			}
		}
		chain, err := m.store.LoadChain(id)
		if err == nil && len(chain) == 0 {
			err = chainlog.ErrEmptyChain
		}
		if err != nil {
			return toAppError("failed to load stored chain", err)
		}
		head := chain[len(chain)-1]

		m.mu.Lock()
		defer m.mu.Unlock()

		if res := m.verifyLocked(ctx, head); !res.Valid {
			return apperrors.NewTrustError("stored token failed verification: " + res.ErrorMessage)
		}
		m.setCurrentLocked(head)
		for i := range chain {
			if chain[i].StateIndex == 1 {
				bound := chain[i].Clone()
				m.activated = &bound
			}
		}
		if len(head.UsageChain) > 0 {
			changed := head.Clone()
			m.stateChanged = &changed
		}

		m.logAction(ctx, slog.LevelInfo, "load_stored", "success", append(licenseAttrs(licenseCode),
			slog.Int("states", len(chain)),
			slog.Uint64("state_index", head.StateIndex))...)
		ev = m.eventLocked(EventImported)
		return nil
	})
	m.publish(ev)
	return err
}

// VerifyTrustChain verifies the held token: root certification, identity
// and state signatures, device identity, usage chain, expiry, application
// and environment. A failed check is a result, not an error.
func (m *Manager) VerifyTrustChain(ctx context.Context) (VerificationResult, error) {
	var res VerificationResult
	err := m.traceOperation(ctx, "verify", func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.current == nil {
			return toAppError("cannot verify", ErrNoToken)
		}
		res = m.verifyLocked(ctx, *m.current)
		level := slog.LevelInfo
		if !res.Valid {
			level = slog.LevelWarn
		}
		m.logAction(ctx, level, "verify", resultWord(res.Valid),
			slog.String("token_id", m.current.TokenID),
			slog.String("reason", res.ErrorMessage))
		return nil
	})
	return res, err
}

// OfflineVerifyCurrentToken is VerifyTrustChain under its offline name.
func (m *Manager) OfflineVerifyCurrentToken(ctx context.Context) (VerificationResult, error) {
	return m.VerifyTrustChain(ctx)
}

// BindToDevice binds the held genesis token to this device: it creates or
// loads the device key pair, signs the device identity and migrates to
// state 1. Binding a token already bound here is a no-op.
func (m *Manager) BindToDevice(ctx context.Context) (VerificationResult, error) {
	var (
		res VerificationResult
		ev  *Event
	)
	err := m.traceOperation(ctx, "bind", func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		var err error
		res, ev, err = m.bindLocked(ctx)
		return err
	})
	m.publish(ev)
	return res, err
}

// ActivateWithToken imports, verifies and binds input in one step. The
// configured license code must match unless it is a wildcard, a code
// archived by an earlier activation is refused and conflicts with the
// held state are resolved by precedence.
func (m *Manager) ActivateWithToken(ctx context.Context, input string) (VerificationResult, error) {
	var (
		res VerificationResult
		ev  *Event
	)
	err := m.traceOperation(ctx, "activate", func(ctx context.Context) error {
		if !m.limiter.Allow() {
			m.logAction(ctx, slog.LevelWarn, "activate", "rate_limited")
			return toAppError("activation refused", ErrRateLimited)
		}

		t, err := m.decodeInput(input)
		if err != nil {
			m.logAction(ctx, slog.LevelWarn, "activate", "rejected", slog.String("error", err.Error()))
			return toAppError("failed to activate", err)
		}
		if !m.codeMatches(t.LicenseCode) {
			m.logAction(ctx, slog.LevelWarn, "activate", "code_mismatch", licenseAttrs(t.LicenseCode)...)
			return toAppError("failed to activate", ErrCodeMismatch)
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		ref := m.referenceLocked(t)
		used, err := m.archive.IsArchived(ctx, t.LicenseCode)
		if err != nil {
			return toAppError("failed to check the license archive", err)
		}
		if used && (ref == nil || ref.TokenID != t.TokenID) {
			m.logAction(ctx, slog.LevelWarn, "activate", "code_reused", licenseAttrs(t.LicenseCode)...)
			return toAppError("failed to activate", ErrLicenseCodeUsed)
		}

		if res = m.verifyLocked(ctx, t); !res.Valid {
			m.logAction(ctx, slog.LevelWarn, "activate", "untrusted", slog.String("reason", res.ErrorMessage))
			return nil
		}
		if err := m.adoptLocked(ctx, t, ref); err != nil {
			return toAppError("failed to activate", err)
		}
		m.setCurrentLocked(t)

		res, ev, err = m.bindLocked(ctx)
		return err
	})
	m.publish(ev)
	return res, err
}

// RecordUsage appends a usage event: it adds a device-signed usage record,
// migrates to the next state with payload and persists it.
func (m *Manager) RecordUsage(ctx context.Context, payload string) (token.Token, error) {
	var (
		next token.Token
		ev   *Event
	)
	err := m.traceOperation(ctx, "record_usage", func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		var err error
		next, err = m.usageLocked(ctx, payload)
		m.recordCounter(ctx, m.metrics.UsageRecords, err == nil)
		if err != nil {
			m.logAction(ctx, slog.LevelWarn, "record_usage", "failure", slog.String("error", err.Error()))
			return toAppError("failed to record usage", err)
		}
		m.logAction(ctx, slog.LevelInfo, "record_usage", "success",
			slog.String("token_id", next.TokenID),
			slog.Uint64("state_index", next.StateIndex),
			slog.Int("usage_records", len(next.UsageChain)))
		ev = m.eventLocked(EventUsageRecorded)
		return nil
	})
	m.publish(ev)
	return next, err
}

// ExportEncrypted returns the chosen snapshot in the transport envelope.
func (m *Manager) ExportEncrypted(ctx context.Context, kind ExportKind) (string, error) {
	var out string
	err := m.traceOperation(ctx, "export", func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		var t *token.Token
		switch kind {
		case ExportCurrent, "":
			t = m.current
		case ExportActivated:
			t = m.activated
		case ExportStateChanged:
			t = m.stateChanged
		default:
			return toAppError("cannot export", fmt.Errorf("%w: %q", ErrUnknownExport, kind))
		}
		if t == nil {
			return toAppError("cannot export", fmt.Errorf("%w: no %s token", ErrNoToken, kind))
		}

		data, err := t.Encode()
		if err != nil {
			return toAppError("failed to encode token", err)
		}
		out, err = security.SealEnvelope(m.verifier.Anchor().EnvelopeKey(), data)
		if err != nil {
			return apperrors.NewCryptoError("failed to encrypt token", err)
		}
		m.logAction(ctx, slog.LevelInfo, "export", "success",
			slog.String("kind", string(kind)),
			slog.String("token_id", t.TokenID))
		return nil
	})
	return out, err
}

// GetStatus summarizes the held token.
func (m *Manager) GetStatus(ctx context.Context) StatusResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return StatusResult{Status: StatusNone}
	}
	t := m.current
	status := m.statusLocked(*t)
	return StatusResult{
		Status:         status,
		HasToken:       true,
		IsActivated:    status == StatusActive && !t.IsGenesis(),
		IssueTime:      t.IssueTime,
		ExpireTime:     t.ExpireTime,
		StateIndex:     t.StateIndex,
		TokenID:        t.TokenID,
		HolderDeviceID: t.HolderDeviceID,
		AppID:          t.AppID,
		LicenseCode:    t.LicenseCode,
	}
}

// IsActivated reports whether the held token is bound to this device and
// not expired.
func (m *Manager) IsActivated() bool {
	return m.GetStatus(context.Background()).IsActivated
}

// CurrentTokenJSON returns the held token in wire form.
func (m *Manager) CurrentTokenJSON() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return "", toAppError("no current token", ErrNoToken)
	}
	data, err := m.current.Encode()
	if err != nil {
		return "", toAppError("failed to encode token", err)
	}
	return string(data), nil
}

// DeviceID returns this device's id for the held license.
func (m *Manager) DeviceID() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return "", toAppError("no device id", ErrNoToken)
	}
	id := m.ownDeviceIDLocked(*m.current)
	if id == "" {
		return "", toAppError("no device id", ErrNotActivated)
	}
	return id, nil
}

// VerifyStoredChain re-verifies the persisted chain of the held license.
func (m *Manager) VerifyStoredChain(ctx context.Context) (VerificationResult, error) {
	var res VerificationResult
	err := m.traceOperation(ctx, "verify_stored_chain", func(ctx context.Context) error {
		m.mu.Lock()
		code := ""
		if m.current != nil {
			code = m.current.LicenseCode
		}
		m.mu.Unlock()
		if code == "" {
			return toAppError("cannot verify stored chain", ErrNoToken)
		}

		ok, reason := m.store.VerifyStoredChain(storageID(code))
		res = VerificationResult{Valid: ok, ErrorMessage: reason}
		level := slog.LevelInfo
		if !ok {
			level = slog.LevelWarn
		}
		m.logAction(ctx, level, "verify_stored_chain", resultWord(ok),
			append(licenseAttrs(code), slog.String("reason", reason))...)
		return nil
	})
	return res, err
}

// Reset forgets the held token and device identity. Stored chains and the
// archive are kept.
func (m *Manager) Reset(ctx context.Context) {
	m.mu.Lock()
	m.current = nil
	m.activated = nil
	m.stateChanged = nil
	m.device = nil
	m.deviceLicense = ""
	ev := m.eventLocked(EventReset)
	m.mu.Unlock()

	m.cache.Clear()
	m.logAction(ctx, slog.LevelInfo, "reset", "success")
	m.publish(ev)
}

// Subscribe registers fn for token changes and returns a function that
// removes it. fn runs on the caller's goroutine after the change is
// applied and must not block.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subscribers, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) publish(ev *Event) {
	if ev == nil {
		return
	}
	m.subMu.RLock()
	subs := make([]func(Event), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.subMu.RUnlock()

	for _, fn := range subs {
		fn(*ev)
	}
}

func (m *Manager) eventLocked(typ EventType) *Event {
	ev := &Event{Type: typ, Time: m.now()}
	if t := m.current; t != nil {
		ev.TokenID = t.TokenID
		ev.LicenseHash = hashLicenseCode(t.LicenseCode)
		ev.StateIndex = t.StateIndex
		ev.HolderDeviceID = t.HolderDeviceID
	}
	return ev
}

// decodeInput parses plaintext or enveloped token input and fills a
// missing license key from the product key.
func (m *Manager) decodeInput(input string) (token.Token, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return token.Token{}, ErrEmptyInput
	}

	data := []byte(s)
	if !strings.HasPrefix(s, "{") && security.IsEncryptedForm(s) {
		plain, err := security.OpenEnvelope(m.verifier.Anchor().EnvelopeKey(), s)
		if err != nil {
			return token.Token{}, fmt.Errorf("decrypt token: %w", err)
		}
		data = plain
	}

	t, err := token.Parse(data)
	if err != nil {
		return token.Token{}, err
	}
	if err := token.ValidateIdentity(t); err != nil {
		return token.Token{}, err
	}

	m.mu.Lock()
	pk := m.productKey
	m.mu.Unlock()
	if pk != nil {
		if t.LicensePublicKey == "" {
			t.LicensePublicKey = pk.PublicKeyPEM
		}
		if t.RootSignature == "" {
			t.RootSignature = pk.RootSignature
		}
	}
	return t, nil
}

func (m *Manager) codeMatches(code string) bool {
	switch strings.ToUpper(m.licenseCode) {
	case "", CodeAuto, CodeTemp:
		return true
	}
	return m.licenseCode == code
}

// referenceLocked is the state an incoming token of the same license
// competes with: the held token, or else the stored chain head.
func (m *Manager) referenceLocked(t token.Token) *token.Token {
	if m.current != nil && m.current.LicenseCode == t.LicenseCode {
		return m.current
	}
	stored, err := m.store.GetCurrentState(storageID(t.LicenseCode))
	if err != nil {
		return nil
	}
	return &stored
}

func (m *Manager) adoptLocked(ctx context.Context, incoming token.Token, ref *token.Token) error {
	if ref == nil {
		return nil
	}
	if ref.TokenID == incoming.TokenID {
		a, errA := token.SnapshotHash(incoming)
		b, errB := token.SnapshotHash(*ref)
		if errA == nil && errB == nil && a == b {
			return nil
		}
	}

	won, outcome := m.resolver.Resolve(incoming, *ref)
	m.recordConflict(ctx, outcome.String())
	m.logAction(ctx, slog.LevelInfo, "conflict", outcome.String(), append(licenseAttrs(incoming.LicenseCode),
		slog.Uint64("incoming_index", incoming.StateIndex),
		slog.Uint64("current_index", ref.StateIndex),
		slog.Bool("accepted", won))...)
	if !won {
		return fmt.Errorf("%w: incoming state %d, held state %d (%s)",
			ErrConflictLost, incoming.StateIndex, ref.StateIndex, outcome)
	}
	return nil
}

func (m *Manager) setCurrentLocked(t token.Token) {
	held := t.Clone()
	if m.current != nil && m.current.LicenseCode != t.LicenseCode {
		m.device = nil
		m.deviceLicense = ""
	}
	m.current = &held
	m.activated = nil
	m.stateChanged = nil
}

// verifyLocked runs every check on t, consulting the cache for the
// signature checks.
func (m *Manager) verifyLocked(ctx context.Context, t token.Token) VerificationResult {
	start := m.now()
	res := m.checkToken(ctx, t)
	m.recordVerification(ctx, m.now().Sub(start), res.Valid)
	return res
}

func (m *Manager) checkToken(ctx context.Context, t token.Token) VerificationResult {
	now := m.now()
	if t.IsExpired(now) {
		return invalid("token expired at %s", time.Unix(t.ExpireTime, 0).UTC().Format(time.RFC3339))
	}
	if m.appID != "" && t.AppID != m.appID {
		return invalid("token was issued for app %q, expected %q", t.AppID, m.appID)
	}
	if !m.fingerprints.MatchesEnvironment(t.EnvironmentHash) {
		return invalid("token is bound to a different environment")
	}
	if m.productKey != nil && strings.TrimSpace(t.LicensePublicKey) != strings.TrimSpace(m.productKey.PublicKeyPEM) {
		return invalid("%v", ErrProductKeyDiffer)
	}

	fingerprint, err := m.cacheFingerprint(t)
	if err != nil {
		return invalid("cannot encode token: %v", err)
	}
	if m.cache.Get(t.TokenID, fingerprint) {
		m.recordCache(ctx, true)
		return valid()
	}
	m.recordCache(ctx, false)

	if ok, reason := m.verifier.VerifyTrustChain(t); !ok {
		return invalid("%s", reason)
	}
	if err := statechain.VerifyStateSignature(t); err != nil {
		return invalid("state signature is invalid: %v", err)
	}
	if !t.DeviceInfo.IsZero() {
		if err := statechain.VerifyDeviceIdentity(t); err != nil {
			return invalid("device identity is invalid: %v", err)
		}
	}
	if err := statechain.VerifyUsageChain(t); err != nil {
		return invalid("usage chain is invalid: %v", err)
	}
	if err := statechain.VerifyCurrentSignature(t); err != nil {
		return invalid("current signature is invalid: %v", err)
	}

	remaining, expires := t.Remaining(now)
	m.cache.Set(t.TokenID, fingerprint, m.cache.TTL(remaining, expires))
	return valid()
}

// cacheFingerprint covers the key material, the anchor and the snapshot,
// so a cached result never answers for a changed token.
func (m *Manager) cacheFingerprint(t token.Token) (string, error) {
	snapshot, err := token.SnapshotHash(t)
	if err != nil {
		return "", err
	}
	material := strings.Join([]string{
		t.LicensePublicKey, t.RootSignature, m.verifier.Anchor().Fingerprint(), snapshot,
	}, "|")
	return security.HashHex([]byte(material)), nil
}

func (m *Manager) bindLocked(ctx context.Context) (VerificationResult, *Event, error) {
	if m.current == nil {
		return VerificationResult{}, nil, toAppError("cannot bind", ErrNoToken)
	}
	t := m.current.Clone()

	res := m.verifyLocked(ctx, t)
	if !res.Valid {
		m.recordCounter(ctx, m.metrics.Bindings, false)
		m.logAction(ctx, slog.LevelWarn, "bind", "untrusted", slog.String("reason", res.ErrorMessage))
		return res, nil, nil
	}

	bound, created, err := m.bind(ctx, t)
	m.recordCounter(ctx, m.metrics.Bindings, err == nil)
	if err != nil {
		m.logAction(ctx, slog.LevelWarn, "bind", "failure", slog.String("error", err.Error()))
		return VerificationResult{}, nil, toAppError("failed to bind token", err)
	}
	if bound == nil {
		m.logAction(ctx, slog.LevelInfo, "bind", "already_bound", slog.String("device_id", t.HolderDeviceID))
		return valid(), nil, nil
	}

	m.current = bound
	activated := bound.Clone()
	m.activated = &activated
	m.stateChanged = nil
	m.cache.Invalidate(t.TokenID)

	m.logAction(ctx, slog.LevelInfo, "bind", "success", append(licenseAttrs(t.LicenseCode),
		slog.String("token_id", bound.TokenID),
		slog.String("device_id", bound.HolderDeviceID),
		slog.Bool("device_key_created", created))...)
	return valid(), m.eventLocked(EventActivated), nil
}

// bind returns the bound token, or nil when t is already bound here.
func (m *Manager) bind(ctx context.Context, t token.Token) (*token.Token, bool, error) {
	id := storageID(t.LicenseCode)

	if !t.IsGenesis() {
		identity, _, err := m.deviceIdentityLocked(id, false)
		if err != nil || identity.DeviceID != t.HolderDeviceID {
			return nil, false, fmt.Errorf("%w: holder %s", ErrTransferred, t.HolderDeviceID)
		}
		if m.activated == nil {
			held := t.Clone()
			m.activated = &held
		}
		return nil, false, nil
	}

	used, err := m.archive.IsArchived(ctx, t.LicenseCode)
	if err != nil {
		return nil, false, fmt.Errorf("check archive: %w", err)
	}
	if used {
		return nil, false, ErrLicenseCodeUsed
	}

	licenseKey, err := m.licenseKey(t)
	if err != nil {
		return nil, false, err
	}

	identity, created, err := m.deviceIdentityLocked(id, true)
	if err != nil {
		return nil, false, err
	}
	fp, err := m.fingerprints.Generate()
	if err != nil {
		return nil, false, fmt.Errorf("device fingerprint: %w", err)
	}
	info, err := statechain.SignDeviceIdentity(identity.DeviceID, fp.Fingerprint, identity.Keys)
	if err != nil {
		return nil, false, err
	}

	payload, err := json.Marshal(struct {
		Action   string `json:"action"`
		DeviceID string `json:"device_id"`
		Time     int64  `json:"time"`
	}{"bind", identity.DeviceID, m.now().Unix()})
	if err != nil {
		return nil, false, err
	}

	bound, err := statechain.MigrateWithHolder(t, identity.DeviceID, string(payload), licenseKey)
	if err != nil {
		return nil, false, err
	}
	bound.DeviceInfo = info
	if bound, err = statechain.SignCurrent(bound, identity.Keys.PrivateKeyPEM); err != nil {
		return nil, false, err
	}

	if err := m.store.SaveFullChain(id, []token.Token{t, bound}); err != nil {
		return nil, false, err
	}
	m.recordCounter(ctx, m.metrics.ChainAppends, true)

	entry := archive.Entry{LicenseCode: t.LicenseCode, TokenID: t.TokenID, AppID: t.AppID, ArchivedAt: m.now()}
	if err := m.archive.Archive(ctx, entry); err != nil && !errors.Is(err, archive.ErrAlreadyArchived) {
		return nil, false, fmt.Errorf("archive license code: %w", err)
	}
	return &bound, created, nil
}

func (m *Manager) usageLocked(ctx context.Context, payload string) (token.Token, error) {
	if err := ctx.Err(); err != nil {
		return token.Token{}, err
	}
	if m.current == nil {
		return token.Token{}, ErrNoToken
	}
	t := m.current.Clone()
	if t.IsGenesis() {
		return token.Token{}, ErrNotActivated
	}
	if !json.Valid([]byte(payload)) {
		return token.Token{}, apperrors.NewFormatError("invalid usage payload", ErrInvalidPayload)
	}
	if res := m.verifyLocked(ctx, t); !res.Valid {
		return token.Token{}, apperrors.NewTrustError("held token failed verification: " + res.ErrorMessage)
	}

	id := storageID(t.LicenseCode)
	identity, _, err := m.deviceIdentityLocked(id, false)
	if err != nil {
		return token.Token{}, fmt.Errorf("%w: %v", ErrNotActivated, err)
	}
	if identity.DeviceID != t.HolderDeviceID {
		return token.Token{}, fmt.Errorf("%w: holder %s", ErrTransferred, t.HolderDeviceID)
	}
	licenseKey, err := m.licenseKey(t)
	if err != nil {
		return token.Token{}, err
	}

	rec, err := statechain.NewUsageRecord(t, usageAction(payload), payload, m.now(), identity.Keys.PrivateKeyPEM)
	if err != nil {
		return token.Token{}, err
	}
	next, err := statechain.Migrate(t, payload, licenseKey)
	if err != nil {
		return token.Token{}, err
	}
	next.UsageChain = append(next.UsageChain, rec)
	if next, err = statechain.SignCurrent(next, identity.Keys.PrivateKeyPEM); err != nil {
		return token.Token{}, err
	}

	if err := m.store.AppendState(id, next); err != nil {
		m.recordCounter(ctx, m.metrics.ChainAppends, false)
		return token.Token{}, err
	}
	m.recordCounter(ctx, m.metrics.ChainAppends, true)

	held, changed := next.Clone(), next.Clone()
	m.current = &held
	m.stateChanged = &changed
	m.cache.Invalidate(t.TokenID)
	return next, nil
}

func usageAction(payload string) string {
	var p struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal([]byte(payload), &p); err != nil || p.Action == "" {
		return "usage"
	}
	return p.Action
}

func (m *Manager) statusLocked(t token.Token) Status {
	if t.IsExpired(m.now()) {
		return StatusExpired
	}
	if t.HolderDeviceID != "" && m.ownDeviceIDLocked(t) != t.HolderDeviceID {
		return StatusTransferred
	}
	return StatusActive
}

// ownDeviceIDLocked returns this device's id for t's license without
// creating keys, or "" when none is stored.
func (m *Manager) ownDeviceIDLocked(t token.Token) string {
	identity, _, err := m.deviceIdentityLocked(storageID(t.LicenseCode), false)
	if err != nil {
		return ""
	}
	return identity.DeviceID
}

// deviceIdentityLocked returns the device identity for license id, from
// memory or the store. With create set a missing identity is generated;
// the flag reports that.
func (m *Manager) deviceIdentityLocked(id string, create bool) (chainlog.DeviceIdentity, bool, error) {
	if m.device != nil && m.deviceLicense == id {
		return *m.device, false, nil
	}

	fp, err := m.fingerprints.Generate()
	if err != nil {
		return chainlog.DeviceIdentity{}, false, fmt.Errorf("device fingerprint: %w", err)
	}
	secret := []byte(fp.Fingerprint + "|" + id)

	var (
		identity chainlog.DeviceIdentity
		created  bool
	)
	if create {
		identity, created, err = m.store.LoadOrCreateDeviceKeys(id, secret, m.sealing)
	} else {
		identity, err = m.store.LoadDeviceKeys(id, secret)
	}
	if err != nil {
		return chainlog.DeviceIdentity{}, false, err
	}
	m.device = &identity
	m.deviceLicense = id
	return identity, created, nil
}

// licenseKey returns the private key that signs t's transitions: the one
// sealed into the token, else the configured one.
func (m *Manager) licenseKey(t token.Token) (string, error) {
	if t.EncryptedLicensePrivateKey != "" {
		pem, err := security.OpenEnvelope(m.verifier.Anchor().EnvelopeKey(), t.EncryptedLicensePrivateKey)
		if err != nil {
			return "", fmt.Errorf("%w: embedded key: %v", ErrNoLicenseKey, err)
		}
		return string(pem), nil
	}
	if m.licensePrivateKey != "" {
		return m.licensePrivateKey, nil
	}
	return "", ErrNoLicenseKey
}

// storageID maps a license code to a chain directory name.
func storageID(code string) string {
	if chainlog.ValidLicenseID(code) {
		return code
	}
	return "lic-" + security.HashHex([]byte(code))[:32]
}

func resultWord(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
