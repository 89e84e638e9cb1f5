package errors

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/render"
)

// Problem type URIs
const (
	TypeValidation   = "/errors/validation"
	TypeFormat       = "/errors/format"
	TypeNotFound     = "/errors/not-found"
	TypeRateLimit    = "/errors/rate-limit"
	TypeInternal     = "/errors/internal"
	TypeTimeout      = "/errors/timeout"
	TypeMethod       = "/errors/method-not-allowed"
	TypeCrypto       = "/errors/license/crypto"
	TypeUntrusted    = "/errors/license/untrusted"
	TypeChainBroken  = "/errors/license/chain-broken"
	TypePolicy       = "/errors/license/policy"
	TypeNotActivated = "/errors/license/not-initialized"
	TypeStorage      = "/errors/storage"
	TypeConfig       = "/errors/config"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object.
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(pd.Extensions)+5)
	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	if pd.Extensions == nil {
		pd.Extensions = make(map[string]interface{})
	}
	pd.Extensions[key] = value
	return pd
}

// problemForType returns the HTTP status and problem type of an AppError
// type.
func problemForType(t ErrorType) (int, string) {
	switch t {
	case ErrTypeFormat:
		return http.StatusBadRequest, TypeFormat
	case ErrTypeValidation:
		return http.StatusBadRequest, TypeValidation
	case ErrTypeCrypto:
		return http.StatusUnprocessableEntity, TypeCrypto
	case ErrTypeTrust:
		return http.StatusUnprocessableEntity, TypeUntrusted
	case ErrTypeChain:
		return http.StatusConflict, TypeChainBroken
	case ErrTypePolicy:
		return http.StatusConflict, TypePolicy
	case ErrTypeState:
		return http.StatusPreconditionFailed, TypeNotActivated
	case ErrTypeRateLimit:
		return http.StatusTooManyRequests, TypeRateLimit
	case ErrTypeConfig:
		return http.StatusInternalServerError, TypeConfig
	case ErrTypeStorage:
		return http.StatusInternalServerError, TypeStorage
	default:
		return http.StatusInternalServerError, TypeInternal
	}
}
