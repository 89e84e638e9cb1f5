package token

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/linlurui/decentri-license/internal/security"
)

const fieldSeparator = "|"

var ErrReservedSeparator = errors.New("identity field contains the reserved '|' separator")

// IdentitySigningBytes is the message covered by Token.Signature:
// token_id|app_id|holder_device_id|license_code|issue_time.
// expire_time is deliberately not part of it.
func IdentitySigningBytes(t Token) []byte {
	return []byte(strings.Join([]string{
		t.TokenID,
		t.AppID,
		t.HolderDeviceID,
		t.LicenseCode,
		strconv.FormatInt(t.IssueTime, 10),
	}, fieldSeparator))
}

// StateSigningBytes is the message covered by Token.StateSignature:
// state_index|prev_state_hash|state_payload.
func StateSigningBytes(t Token) []byte {
	return []byte(strconv.FormatUint(t.StateIndex, 10) + fieldSeparator +
		t.PrevStateHash + fieldSeparator + t.StatePayload)
}

// CanonicalJSON is the byte-exact serialization used for snapshot hashing.
// It is identical to the wire encoding.
func CanonicalJSON(t Token) ([]byte, error) {
	return t.MarshalJSON()
}

// SnapshotHash is the lowercase hex SHA-256 of the canonical serialization.
func SnapshotHash(t Token) (string, error) {
	data, err := CanonicalJSON(t)
	if err != nil {
		return "", fmt.Errorf("canonical serialization: %w", err)
	}
	return security.HashHex(data), nil
}

// ValidateIdentity rejects identity fields that would make the pipe-joined
// signing string ambiguous.
func ValidateIdentity(t Token) error {
	fields := map[string]string{
		"token_id":         t.TokenID,
		"app_id":           t.AppID,
		"holder_device_id": t.HolderDeviceID,
		"license_code":     t.LicenseCode,
	}
	for _, name := range []string{"token_id", "app_id", "holder_device_id", "license_code"} {
		if strings.Contains(fields[name], fieldSeparator) {
			return fmt.Errorf("%w: %s", ErrReservedSeparator, name)
		}
	}
	return nil
}

// UsageRecordSigningBytes is the message covered by a usage record's
// signature: seq|time|action|params|hash_prev.
func UsageRecordSigningBytes(r UsageRecord) []byte {
	return []byte(strings.Join([]string{
		strconv.FormatUint(r.Seq, 10),
		strconv.FormatInt(r.Time, 10),
		r.Action,
		r.Params,
		r.HashPrev,
	}, fieldSeparator))
}

// UsageRecordHash links a record to its successor. It covers the signed
// content and the signature itself.
func UsageRecordHash(r UsageRecord) string {
	return security.HashHex(append(UsageRecordSigningBytes(r), []byte(fieldSeparator+r.Signature)...))
}

// DeviceSigningBytes is the message a device signs to prove possession of
// its key: device id followed by its public key PEM.
func DeviceSigningBytes(deviceID, publicKeyPEM string) []byte {
	return []byte(deviceID + publicKeyPEM)
}

// WholeTokenSigningBytes is the message covered by CurrentSignature: the
// canonical form with CurrentSignature cleared.
func WholeTokenSigningBytes(t Token) ([]byte, error) {
	c := t.Clone()
	c.CurrentSignature = ""
	return CanonicalJSON(c)
}
