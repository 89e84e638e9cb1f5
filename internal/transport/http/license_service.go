package http

import (
	"context"

	"github.com/linlurui/decentri-license/internal/license"
	"github.com/linlurui/decentri-license/internal/token"
)

// LicenseService is the part of *license.Manager the API uses.
type LicenseService interface {
	SetTrustAnchorKey(ctx context.Context, productKey string) error
	ImportToken(ctx context.Context, input string) error
	ActivateWithToken(ctx context.Context, input string) (license.VerificationResult, error)
	VerifyTrustChain(ctx context.Context) (license.VerificationResult, error)
	OfflineVerifyCurrentToken(ctx context.Context) (license.VerificationResult, error)
	BindToDevice(ctx context.Context) (license.VerificationResult, error)
	RecordUsage(ctx context.Context, payload string) (token.Token, error)
	ExportEncrypted(ctx context.Context, kind license.ExportKind) (string, error)
	VerifyStoredChain(ctx context.Context) (license.VerificationResult, error)
	GetStatus(ctx context.Context) license.StatusResult
	CurrentTokenJSON() (string, error)
	Reset(ctx context.Context)
}

var _ LicenseService = (*license.Manager)(nil)
