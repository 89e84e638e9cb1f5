package statechain

import (
	"fmt"
	"time"

	"github.com/linlurui/decentri-license/internal/security"
	"github.com/linlurui/decentri-license/internal/token"
)

// NewUsageRecord builds the next record of t's usage chain, signed with the
// device private key. It does not modify t.
func NewUsageRecord(t token.Token, action, params string, at time.Time, devicePrivateKeyPEM string) (token.UsageRecord, error) {
	rec := token.UsageRecord{
		Seq:    uint64(len(t.UsageChain)) + 1,
		Time:   at.Unix(),
		Action: action,
		Params: params,
	}
	if n := len(t.UsageChain); n > 0 {
		rec.HashPrev = token.UsageRecordHash(t.UsageChain[n-1])
	}

	sig, err := security.Sign(DeviceKeyAlgorithm, devicePrivateKeyPEM, token.UsageRecordSigningBytes(rec))
	if err != nil {
		return token.UsageRecord{}, fmt.Errorf("sign usage record: %w", err)
	}
	rec.Signature = sig
	return rec, nil
}

// VerifyUsageChain checks sequence numbers, hash links and record
// signatures against the token's device public key.
func VerifyUsageChain(t token.Token) error {
	if len(t.UsageChain) == 0 {
		return nil
	}
	if t.DeviceInfo.PublicKey == "" {
		return ErrNoDeviceIdentity
	}

	prevHash := ""
	for i, rec := range t.UsageChain {
		if rec.Seq != uint64(i)+1 {
			return fmt.Errorf("usage record %d: seq %d out of order", i, rec.Seq)
		}
		if rec.HashPrev != prevHash {
			return fmt.Errorf("usage record %d: hash_prev mismatch", i)
		}
		if err := security.VerifySignature(DeviceKeyAlgorithm, t.DeviceInfo.PublicKey,
			token.UsageRecordSigningBytes(rec), rec.Signature); err != nil {
			return fmt.Errorf("usage record %d: %w", i, err)
		}
		prevHash = token.UsageRecordHash(rec)
	}
	return nil
}

// SignCurrent sets CurrentSignature over the whole token with the device key.
func SignCurrent(t token.Token, devicePrivateKeyPEM string) (token.Token, error) {
	msg, err := token.WholeTokenSigningBytes(t)
	if err != nil {
		return token.Token{}, err
	}
	sig, err := security.Sign(DeviceKeyAlgorithm, devicePrivateKeyPEM, msg)
	if err != nil {
		return token.Token{}, fmt.Errorf("sign current token: %w", err)
	}
	out := t.Clone()
	out.CurrentSignature = sig
	return out, nil
}

// VerifyCurrentSignature checks CurrentSignature when present.
func VerifyCurrentSignature(t token.Token) error {
	if t.CurrentSignature == "" {
		return nil
	}
	if t.DeviceInfo.PublicKey == "" {
		return ErrNoDeviceIdentity
	}
	msg, err := token.WholeTokenSigningBytes(t)
	if err != nil {
		return err
	}
	return security.VerifySignature(DeviceKeyAlgorithm, t.DeviceInfo.PublicKey, msg, t.CurrentSignature)
}
