package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apperrors "github.com/linlurui/decentri-license/internal/errors"
	"github.com/linlurui/decentri-license/internal/license"
	appmw "github.com/linlurui/decentri-license/internal/middleware"
	"github.com/linlurui/decentri-license/pkg/contracts/domain"
)

// LicenseHandler serves /api/license.
type LicenseHandler struct {
	service      LicenseService
	validator    *appmw.RequestValidator
	errorHandler *apperrors.ErrorHandler
	logger       *slog.Logger
	timeout      time.Duration
}

// NewLicenseHandler creates a license handler. Requests are bounded by
// timeout; zero means 30 seconds.
func NewLicenseHandler(service LicenseService, validator *appmw.RequestValidator, errorHandler *apperrors.ErrorHandler, logger *slog.Logger, timeout time.Duration) *LicenseHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LicenseHandler{
		service:      service,
		validator:    validator,
		errorHandler: errorHandler,
		logger:       logger.With(slog.String("handler", "license")),
		timeout:      timeout,
	}
}

// Routes returns a chi router for the license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(h.timeout))
	r.Use(appmw.ContentTypeValidator(h.errorHandler, "application/json"))

	r.Post("/product-key", h.SetProductKey)
	r.Post("/import", h.Import)
	r.Post("/activate", h.Activate)
	r.Post("/bind", h.Bind)
	r.Post("/usage", h.RecordUsage)
	r.Post("/reset", h.Reset)

	r.Get("/status", h.GetStatus)
	r.Get("/verify", h.VerifyTrustChain)
	r.Get("/verify/offline", h.VerifyOffline)
	r.Get("/chain/verify", h.VerifyStoredChain)
	r.Get("/export", h.Export)
	r.Get("/token", h.GetToken)
	return r
}

// SetProductKey handles POST /api/license/product-key
func (h *LicenseHandler) SetProductKey(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductKeyRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if err := h.service.SetTrustAnchorKey(r.Context(), req.ProductKey); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, domain.MessageResponse{Message: "product key installed"})
}

// Import handles POST /api/license/import
func (h *LicenseHandler) Import(w http.ResponseWriter, r *http.Request) {
	var req domain.TokenRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if err := h.service.ImportToken(r.Context(), req.Token); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, h.service.GetStatus(r.Context()))
}

// Activate handles POST /api/license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req domain.TokenRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	res, err := h.service.ActivateWithToken(r.Context(), req.Token)
	h.renderVerification(w, r, "activate", res, err, http.StatusUnprocessableEntity)
}

// Bind handles POST /api/license/bind
func (h *LicenseHandler) Bind(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.BindToDevice(r.Context())
	h.renderVerification(w, r, "bind", res, err, http.StatusUnprocessableEntity)
}

// VerifyTrustChain handles GET /api/license/verify
func (h *LicenseHandler) VerifyTrustChain(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.VerifyTrustChain(r.Context())
	h.renderVerification(w, r, "verify", res, err, http.StatusOK)
}

// VerifyOffline handles GET /api/license/verify/offline
func (h *LicenseHandler) VerifyOffline(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.OfflineVerifyCurrentToken(r.Context())
	h.renderVerification(w, r, "verify_offline", res, err, http.StatusOK)
}

// VerifyStoredChain handles GET /api/license/chain/verify
func (h *LicenseHandler) VerifyStoredChain(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.VerifyStoredChain(r.Context())
	h.renderVerification(w, r, "verify_chain", res, err, http.StatusOK)
}

// RecordUsage handles POST /api/license/usage
func (h *LicenseHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req domain.UsageRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	t, err := h.service.RecordUsage(r.Context(), req.Payload)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, domain.UsageResponse{
		TokenID:        t.TokenID,
		StateIndex:     t.StateIndex,
		PrevStateHash:  t.PrevStateHash,
		UsageRecords:   len(t.UsageChain),
		HolderDeviceID: t.HolderDeviceID,
	})
}

// Export handles GET /api/license/export?kind=current|activated|state-changed
func (h *LicenseHandler) Export(w http.ResponseWriter, r *http.Request) {
	kind, err := license.ParseExportKind(r.URL.Query().Get("kind"))
	if err != nil {
		h.errorHandler.HandleError(w, r,
			apperrors.NewValidationError(err.Error()).WithContext("allowed",
				[]license.ExportKind{license.ExportCurrent, license.ExportActivated, license.ExportStateChanged}))
		return
	}
	encrypted, err := h.service.ExportEncrypted(r.Context(), kind)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, domain.ExportResponse{Kind: string(kind), Encrypted: encrypted})
}

// GetStatus handles GET /api/license/status
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.GetStatus(r.Context()))
}

// GetToken handles GET /api/license/token
func (h *LicenseHandler) GetToken(w http.ResponseWriter, r *http.Request) {
	data, err := h.service.CurrentTokenJSON()
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, domain.TokenResponse{Token: json.RawMessage(data)})
}

// Reset handles POST /api/license/reset
func (h *LicenseHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.service.Reset(r.Context())
	h.logger.InfoContext(r.Context(), "license state reset",
		slog.String("request_id", middleware.GetReqID(r.Context())))
	render.JSON(w, r, domain.MessageResponse{Message: "license state cleared"})
}

func (h *LicenseHandler) renderVerification(w http.ResponseWriter, r *http.Request, op string, res license.VerificationResult, err error, failStatus int) {
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if !res.Valid {
		h.logger.WarnContext(r.Context(), "verification failed",
			slog.String("operation", op),
			slog.String("reason", res.ErrorMessage),
			slog.String("request_id", middleware.GetReqID(r.Context())))
		render.Status(r, failStatus)
	}
	render.JSON(w, r, domain.VerificationResponse{Valid: res.Valid, ErrorMessage: res.ErrorMessage})
}
