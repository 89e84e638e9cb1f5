package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies an AppError.
type ErrorType string

const (
	ErrTypeFormat     ErrorType = "FORMAT"
	ErrTypeCrypto     ErrorType = "CRYPTO"
	ErrTypeTrust      ErrorType = "TRUST"
	ErrTypeChain      ErrorType = "CHAIN"
	ErrTypeStorage    ErrorType = "STORAGE"
	ErrTypePolicy     ErrorType = "POLICY"
	ErrTypeState      ErrorType = "STATE"
	ErrTypeConfig     ErrorType = "CONFIG"
	ErrTypeValidation ErrorType = "VALIDATION"
	ErrTypeRateLimit  ErrorType = "RATE_LIMIT"
)

// AppError represents an application-specific error
type AppError struct {
	Type    ErrorType
	Code    ResultCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work with AppError
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error with the result code of its
// type.
func NewAppError(errType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errType,
		Code:    codeForType(errType),
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewFormatError(message string, cause error) *AppError {
	return NewAppError(ErrTypeFormat, message, cause)
}

func NewCryptoError(message string, cause error) *AppError {
	return NewAppError(ErrTypeCrypto, message, cause)
}

// NewTrustError reports a token whose signatures do not chain to the root.
func NewTrustError(message string) *AppError {
	return NewAppError(ErrTypeTrust, message, nil)
}

// NewChainError reports a broken state chain.
func NewChainError(message string, cause error) *AppError {
	return NewAppError(ErrTypeChain, message, cause)
}

func NewStorageError(message string, cause error) *AppError {
	return NewAppError(ErrTypeStorage, message, cause)
}

// NewPolicyError reports an operation refused by license policy, such as a
// reused license code or a lost conflict.
func NewPolicyError(message string, cause error) *AppError {
	return NewAppError(ErrTypePolicy, message, cause)
}

func NewStateError(message string, cause error) *AppError {
	return NewAppError(ErrTypeState, message, cause)
}

func NewConfigError(message string, cause error) *AppError {
	return NewAppError(ErrTypeConfig, message, cause)
}

func NewValidationError(message string) *AppError {
	return NewAppError(ErrTypeValidation, message, nil)
}

func NewRateLimitError(message string) *AppError {
	return NewAppError(ErrTypeRateLimit, message, nil)
}

// TypeOf returns the type of the first AppError in err's chain.
func TypeOf(err error) (ErrorType, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type, true
	}
	return "", false
}

// IsType reports whether err carries an AppError of type t.
func IsType(err error, t ErrorType) bool {
	got, ok := TypeOf(err)
	return ok && got == t
}
