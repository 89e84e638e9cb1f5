package statechain

import (
	"errors"
	"fmt"

	"github.com/linlurui/decentri-license/internal/security"
	"github.com/linlurui/decentri-license/internal/token"
)

var (
	ErrSigningFailed = errors.New("state signing failed")
	ErrKeyMismatch   = errors.New("private key does not match the token's license public key")
	ErrNoHolder      = errors.New("a state past genesis requires a holder device id")
	ErrHolderChange  = errors.New("holder device id cannot change once bound")
)

// Migrate produces the successor of current carrying payload. The result
// links to current by snapshot hash and is signed with the license key.
func Migrate(current token.Token, payload, licensePrivateKeyPEM string) (token.Token, error) {
	return MigrateWithHolder(current, current.HolderDeviceID, payload, licensePrivateKeyPEM)
}

// MigrateWithHolder is Migrate with the holder set as part of the same
// transition. Binding uses it; the holder may only be set while unbound.
func MigrateWithHolder(current token.Token, holder, payload, licensePrivateKeyPEM string) (token.Token, error) {
	if holder == "" {
		return token.Token{}, ErrNoHolder
	}
	if current.HolderDeviceID != "" && current.HolderDeviceID != holder {
		return token.Token{}, ErrHolderChange
	}
	if !current.Algorithm.Valid() {
		return token.Token{}, fmt.Errorf("%w: %w: %q", ErrSigningFailed, security.ErrUnsupportedAlgorithm, current.Algorithm)
	}
	if !security.PublicKeyMatches(current.Algorithm, licensePrivateKeyPEM, current.LicensePublicKey) {
		return token.Token{}, ErrKeyMismatch
	}

	prevHash, err := token.SnapshotHash(current)
	if err != nil {
		return token.Token{}, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	next := current.Clone()
	next.HolderDeviceID = holder
	next.PrevStateHash = prevHash
	next.StateIndex = current.StateIndex + 1
	next.StatePayload = payload
	next.CurrentSignature = ""

	if next.StateSignature, err = security.Sign(next.Algorithm, licensePrivateKeyPEM, token.StateSigningBytes(next)); err != nil {
		return token.Token{}, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	if next.Signature, err = security.Sign(next.Algorithm, licensePrivateKeyPEM, token.IdentitySigningBytes(next)); err != nil {
		return token.Token{}, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return next, nil
}

// VerifyStateSignature checks the state signature against the token's own
// license public key.
func VerifyStateSignature(t token.Token) error {
	if t.LicensePublicKey == "" {
		return errors.New("license public key is missing")
	}
	return security.VerifySignature(t.Algorithm, t.LicensePublicKey, token.StateSigningBytes(t), t.StateSignature)
}

// VerifyStateChain checks t's state signature and, past genesis, that t
// directly follows the last entry of stored.
func VerifyStateChain(t token.Token, stored []token.Token) (bool, string) {
	if err := VerifyStateSignature(t); err != nil {
		return false, fmt.Sprintf("state signature is invalid: %v", err)
	}
	if t.IsGenesis() {
		return true, ""
	}
	if len(stored) == 0 {
		return false, "no stored predecessor for a non-genesis state"
	}
	return verifyLink(stored[len(stored)-1], t)
}

func verifyLink(prev, next token.Token) (bool, string) {
	prevHash, err := token.SnapshotHash(prev)
	if err != nil {
		return false, fmt.Sprintf("cannot hash predecessor: %v", err)
	}
	if next.PrevStateHash != prevHash {
		return false, fmt.Sprintf("prev_state_hash mismatch at index %d", next.StateIndex)
	}
	if next.StateIndex != prev.StateIndex+1 {
		return false, fmt.Sprintf("state_index %d does not follow %d", next.StateIndex, prev.StateIndex)
	}
	if prev.StateIndex >= 1 && prev.HolderDeviceID != next.HolderDeviceID {
		return false, fmt.Sprintf("holder changed at index %d", next.StateIndex)
	}
	return true, ""
}

// AuditChain re-validates an ordered chain whose first entry has index
// baseIndex: structure, position, linkage and every state signature.
func AuditChain(chain []token.Token, baseIndex uint64) (bool, string) {
	if len(chain) == 0 {
		return false, "chain is empty"
	}
	for i, entry := range chain {
		if ok, reason := checkStructure(entry); !ok {
			return false, fmt.Sprintf("entry %d: %s", i, reason)
		}
		if entry.StateIndex != baseIndex+uint64(i) {
			return false, fmt.Sprintf("entry %d: state_index %d, want %d", i, entry.StateIndex, baseIndex+uint64(i))
		}
		if err := VerifyStateSignature(entry); err != nil {
			return false, fmt.Sprintf("entry %d: state signature is invalid: %v", i, err)
		}
		if i == 0 {
			if entry.IsGenesis() && entry.PrevStateHash != "" {
				return false, "genesis entry carries a prev_state_hash"
			}
			continue
		}
		if ok, reason := verifyLink(chain[i-1], entry); !ok {
			return false, fmt.Sprintf("entry %d: %s", i, reason)
		}
	}
	return true, ""
}

func checkStructure(t token.Token) (bool, string) {
	switch {
	case t.TokenID == "":
		return false, "token_id is empty"
	case !t.Algorithm.Valid():
		return false, fmt.Sprintf("unsupported algorithm %q", t.Algorithm)
	case t.LicensePublicKey == "":
		return false, "license public key is missing"
	case t.StateIndex > 0 && t.HolderDeviceID == "":
		return false, "bound state without holder"
	}
	if err := token.ValidateIdentity(t); err != nil {
		return false, err.Error()
	}
	return true, ""
}
