package license

import (
	"context"
	"errors"

	"github.com/linlurui/decentri-license/internal/archive"
	"github.com/linlurui/decentri-license/internal/chainlog"
	apperrors "github.com/linlurui/decentri-license/internal/errors"
	"github.com/linlurui/decentri-license/internal/security"
	"github.com/linlurui/decentri-license/internal/statechain"
	"github.com/linlurui/decentri-license/internal/token"
)

var (
	ErrNoToken          = errors.New("no token loaded")
	ErrNotActivated     = errors.New("license is not activated on this device")
	ErrLicenseCodeUsed  = errors.New("license code has already been used and archived")
	ErrCodeMismatch     = errors.New("license code does not match the configured code")
	ErrConflictLost     = errors.New("token lost the conflict against the current state")
	ErrTransferred      = errors.New("token is bound to another device")
	ErrNoLicenseKey     = errors.New("no license private key available to sign state transitions")
	ErrUnknownExport    = errors.New("unknown export kind")
	ErrRateLimited      = errors.New("too many activation attempts")
	ErrEmptyInput       = errors.New("token input is empty")
	ErrProductKeyDiffer = errors.New("token license key differs from the configured product key")
)

// codeUsedMessage is the user-facing text for ErrLicenseCodeUsed.
const codeUsedMessage = "License code has already been used and archived"

// toAppError converts err into the error taxonomy. AppErrors pass through.
func toAppError(msg string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}

	switch {
	case errors.Is(err, ErrLicenseCodeUsed):
		return apperrors.NewPolicyError(codeUsedMessage, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperrors.NewStateError(msg, err)
	case errors.Is(err, ErrNoToken), errors.Is(err, ErrNotActivated), errors.Is(err, ErrTransferred):
		return apperrors.NewStateError(msg, err)
	case errors.Is(err, ErrCodeMismatch),
		errors.Is(err, ErrConflictLost), errors.Is(err, archive.ErrAlreadyArchived),
		errors.Is(err, statechain.ErrHolderChange):
		return apperrors.NewPolicyError(msg, err)
	case errors.Is(err, ErrRateLimited):
		return apperrors.NewAppError(apperrors.ErrTypeRateLimit, msg, err)
	case errors.Is(err, ErrEmptyInput), errors.Is(err, ErrUnknownExport),
		errors.Is(err, token.ErrMalformedToken), errors.Is(err, token.ErrReservedSeparator),
		errors.Is(err, security.ErrMalformedEnvelope), errors.Is(err, security.ErrEmptyProductKey),
		errors.Is(err, chainlog.ErrInvalidLicenseID):
		return apperrors.NewFormatError(msg, err)
	case errors.Is(err, security.ErrEnvelopeAuth), errors.Is(err, security.ErrInvalidKey),
		errors.Is(err, security.ErrUnsupportedAlgorithm), errors.Is(err, security.ErrSecretAuth),
		errors.Is(err, ErrNoLicenseKey), errors.Is(err, ErrProductKeyDiffer),
		errors.Is(err, statechain.ErrSigningFailed), errors.Is(err, statechain.ErrKeyMismatch):
		return apperrors.NewCryptoError(msg, err)
	case errors.Is(err, chainlog.ErrOutOfOrder), errors.Is(err, chainlog.ErrUnrecoverable),
		errors.Is(err, chainlog.ErrEmptyChain), errors.Is(err, chainlog.ErrLogDamaged):
		return apperrors.NewChainError(msg, err)
	default:
		return apperrors.NewStorageError(msg, err)
	}
}
