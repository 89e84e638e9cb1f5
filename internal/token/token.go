// Package token defines the license token, its JSON wire form and the
// canonical byte strings that signatures and state hashes are computed over.
package token

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/linlurui/decentri-license/internal/security"
)

// Token is one signed snapshot of a license's state.
type Token struct {
	TokenID                    string             `json:"token_id"`
	HolderDeviceID             string             `json:"holder_device_id"`
	LicenseCode                string             `json:"license_code"`
	IssueTime                  int64              `json:"issue_time"`
	ExpireTime                 int64              `json:"expire_time"`
	Signature                  string             `json:"signature"`
	Algorithm                  security.Algorithm `json:"alg"`
	AppID                      string             `json:"app_id"`
	EnvironmentHash            string             `json:"environment_hash"`
	LicensePublicKey           string             `json:"license_public_key"`
	RootSignature              string             `json:"root_signature"`
	EncryptedLicensePrivateKey string             `json:"encrypted_license_private_key"`
	StateIndex                 uint64             `json:"state_index"`
	PrevStateHash              string             `json:"prev_state_hash"`
	StatePayload               string             `json:"state_payload"`
	StateSignature             string             `json:"state_signature"`
	DeviceInfo                 DeviceInfo         `json:"device_info"`
	UsageChain                 []UsageRecord      `json:"usage_chain"`
	CurrentSignature           string             `json:"current_signature"`

	// Extra holds members this version does not know about. They survive a
	// decode/encode cycle unchanged.
	Extra map[string]json.RawMessage `json:"-"`
}

// DeviceInfo binds a token to a device key pair.
type DeviceInfo struct {
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
}

// IsZero reports whether no member is set.
func (d DeviceInfo) IsZero() bool {
	return d.Fingerprint == "" && d.PublicKey == "" && d.Signature == ""
}

// UsageRecord is one link of the per-token audit chain.
type UsageRecord struct {
	Seq       uint64 `json:"seq"`
	Time      int64  `json:"time"`
	Action    string `json:"action"`
	Params    string `json:"params"`
	HashPrev  string `json:"hash_prev"`
	Signature string `json:"signature"`
}

var ErrMalformedToken = errors.New("malformed token")

// known lists the wire names in canonical order.
var known = []string{
	"token_id", "holder_device_id", "license_code", "issue_time", "expire_time",
	"signature", "alg", "app_id", "environment_hash", "license_public_key",
	"root_signature", "encrypted_license_private_key", "state_index",
	"prev_state_hash", "state_payload", "state_signature",
	"device_info", "usage_chain", "current_signature",
}

var knownSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(known))
	for _, k := range known {
		m[k] = struct{}{}
	}
	return m
}()

// Parse decodes a token from its JSON wire form.
func Parse(data []byte) (Token, error) {
	var t Token
	if err := t.UnmarshalJSON(bytes.TrimSpace(data)); err != nil {
		return Token{}, err
	}
	return t, nil
}

// Encode returns the canonical JSON form of t.
func (t Token) Encode() ([]byte, error) {
	return t.MarshalJSON()
}

// MarshalJSON writes the canonical form: known members in fixed order, the
// optional groups only when set, then unknown members sorted by key.
func (t Token) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	w := &objectWriter{buf: &buf}
	buf.WriteByte('{')

	w.field("token_id", t.TokenID)
	w.field("holder_device_id", t.HolderDeviceID)
	w.field("license_code", t.LicenseCode)
	w.field("issue_time", t.IssueTime)
	w.field("expire_time", t.ExpireTime)
	w.field("signature", t.Signature)
	w.field("alg", string(t.Algorithm))
	w.field("app_id", t.AppID)
	w.field("environment_hash", t.EnvironmentHash)
	w.field("license_public_key", t.LicensePublicKey)
	w.field("root_signature", t.RootSignature)
	w.field("encrypted_license_private_key", t.EncryptedLicensePrivateKey)
	w.field("state_index", t.StateIndex)
	w.field("prev_state_hash", t.PrevStateHash)
	w.field("state_payload", t.StatePayload)
	w.field("state_signature", t.StateSignature)
	if !t.DeviceInfo.IsZero() {
		w.field("device_info", t.DeviceInfo)
	}
	if len(t.UsageChain) > 0 {
		w.field("usage_chain", t.UsageChain)
	}
	if t.CurrentSignature != "" {
		w.field("current_signature", t.CurrentSignature)
	}

	keys := make([]string, 0, len(t.Extra))
	for k := range t.Extra {
		if _, ok := knownSet[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.raw(k, t.Extra[k])
	}

	if w.err != nil {
		return nil, w.err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes known members strictly and keeps the rest in Extra.
func (t *Token) UnmarshalJSON(data []byte) error {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if members == nil {
		return fmt.Errorf("%w: not a JSON object", ErrMalformedToken)
	}

	var out Token
	targets := map[string]any{
		"token_id":                      &out.TokenID,
		"holder_device_id":              &out.HolderDeviceID,
		"license_code":                  &out.LicenseCode,
		"issue_time":                    &out.IssueTime,
		"expire_time":                   &out.ExpireTime,
		"signature":                     &out.Signature,
		"alg":                           &out.Algorithm,
		"app_id":                        &out.AppID,
		"environment_hash":              &out.EnvironmentHash,
		"license_public_key":            &out.LicensePublicKey,
		"root_signature":                &out.RootSignature,
		"encrypted_license_private_key": &out.EncryptedLicensePrivateKey,
		"state_index":                   &out.StateIndex,
		"prev_state_hash":               &out.PrevStateHash,
		"state_payload":                 &out.StatePayload,
		"state_signature":               &out.StateSignature,
		"device_info":                   &out.DeviceInfo,
		"usage_chain":                   &out.UsageChain,
		"current_signature":             &out.CurrentSignature,
	}

	for key, raw := range members {
		target, ok := targets[key]
		if !ok {
			var compact bytes.Buffer
			if err := json.Compact(&compact, raw); err != nil {
				return fmt.Errorf("%w: member %q: %v", ErrMalformedToken, key, err)
			}
			if out.Extra == nil {
				out.Extra = make(map[string]json.RawMessage)
			}
			out.Extra[key] = json.RawMessage(compact.Bytes())
			continue
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return fmt.Errorf("%w: member %q: %v", ErrMalformedToken, key, err)
		}
	}

	*t = out
	return nil
}

// Clone returns a deep copy.
func (t Token) Clone() Token {
	c := t
	if t.UsageChain != nil {
		c.UsageChain = append([]UsageRecord(nil), t.UsageChain...)
	}
	if t.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(t.Extra))
		for k, v := range t.Extra {
			c.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return c
}

// IsGenesis reports whether t is the first state of its chain.
func (t Token) IsGenesis() bool {
	return t.StateIndex == 0
}

// IsExpired reports whether the token has an expiry and now is past it.
func (t Token) IsExpired(now time.Time) bool {
	return t.ExpireTime != 0 && now.Unix() > t.ExpireTime
}

// Remaining returns the lifetime left at now, or zero when expired. A token
// without expiry reports ok=false.
func (t Token) Remaining(now time.Time) (d time.Duration, ok bool) {
	if t.ExpireTime == 0 {
		return 0, false
	}
	left := time.Unix(t.ExpireTime, 0).Sub(now)
	if left < 0 {
		left = 0
	}
	return left, true
}

type objectWriter struct {
	buf *bytes.Buffer
	n   int
	err error
}

func (w *objectWriter) field(name string, value any) {
	if w.err != nil {
		return
	}
	encoded, err := encodeValue(value)
	if err != nil {
		w.err = fmt.Errorf("encode %s: %w", name, err)
		return
	}
	w.raw(name, encoded)
}

func (w *objectWriter) raw(name string, value []byte) {
	if w.err != nil {
		return
	}
	key, err := encodeValue(name)
	if err != nil {
		w.err = err
		return
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, value); err != nil {
		w.err = fmt.Errorf("encode %s: %w", name, err)
		return
	}
	if w.n > 0 {
		w.buf.WriteByte(',')
	}
	w.buf.Write(key)
	w.buf.WriteByte(':')
	w.buf.Write(compact.Bytes())
	w.n++
}

// encodeValue is json.Marshal without HTML escaping and without the
// trailing newline an Encoder adds.
func encodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
