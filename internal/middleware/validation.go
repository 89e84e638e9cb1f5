package middleware

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "github.com/linlurui/decentri-license/internal/errors"
)

// DefaultMaxBodySize bounds request bodies. Tokens with long usage chains
// are the largest thing the API accepts.
const DefaultMaxBodySize = 4 << 20

// RequestValidator decodes JSON request bodies and validates them with
// struct tags. Field names in errors are the json names.
type RequestValidator struct {
	validate    *validator.Validate
	logger      *slog.Logger
	maxBodySize int64
}

// NewRequestValidator creates a validator with the license tags registered.
func NewRequestValidator(logger *slog.Logger) *RequestValidator {
	v := validator.New()
	_ = v.RegisterValidation("license_code", isLicenseCode)
	_ = v.RegisterValidation("nopipe", hasNoPipe)

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &RequestValidator{
		validate:    v,
		logger:      logger.With(slog.String("component", "request_validator")),
		maxBodySize: DefaultMaxBodySize,
	}
}

// DecodeAndValidate reads the JSON body of r into dst and validates it. An
// empty body decodes as the zero value, so required tags still apply.
func (v *RequestValidator) DecodeAndValidate(r *http.Request, dst interface{}) error {
	if r.Body != nil {
		r.Body = http.MaxBytesReader(nil, r.Body, v.maxBodySize)
		if err := render.DecodeJSON(r.Body, dst); err != nil && !errors.Is(err, io.EOF) {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return apperrors.NewValidationError("request body too large").
					WithContext("max_size", v.maxBodySize)
			}
			return apperrors.NewFormatError("request body is not valid JSON", err)
		}
	}
	return v.ValidateStruct(dst)
}

// ValidateStruct returns a VALIDATION error listing every failed field.
func (v *RequestValidator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperrors.NewValidationError(err.Error())
	}

	fields := make(map[string]string, len(fieldErrs))
	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := formatFieldError(fe)
		fields[fe.Field()] = msg
		messages = append(messages, msg)
	}
	v.logger.Debug("request validation failed", slog.Any("fields", fields))
	return apperrors.NewValidationError(strings.Join(messages, "; ")).WithContext("fields", fields)
}

func formatFieldError(fe validator.FieldError) string {
	field, param := fe.Field(), fe.Param()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, param)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(param, " ", ", "))
	case "license_code":
		return fmt.Sprintf("%s must be a printable license code without '|'", field)
	case "nopipe":
		return fmt.Sprintf("%s must not contain '|'", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// isLicenseCode accepts up to 128 printable characters other than '|',
// which is the envelope separator.
func isLicenseCode(fl validator.FieldLevel) bool {
	code := fl.Field().String()
	if code == "" || len(code) > 128 {
		return false
	}
	for _, r := range code {
		if r == '|' || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func hasNoPipe(fl validator.FieldLevel) bool {
	return !strings.Contains(fl.Field().String(), "|")
}

// ContentTypeValidator rejects bodies whose media type is not allowed.
// Requests without a body pass.
func ContentTypeValidator(errorHandler *apperrors.ErrorHandler, contentTypes ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength == 0 || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err == nil {
				for _, allowed := range contentTypes {
					if strings.EqualFold(mediaType, allowed) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			errorHandler.HandleError(w, r,
				apperrors.NewValidationError("unsupported content type").
					WithContext("content_type", r.Header.Get("Content-Type")).
					WithContext("allowed", contentTypes))
		})
	}
}
