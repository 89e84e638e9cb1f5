package errors

import (
	"errors"
)

// ResultCode is the closed set of outcomes reported to embedders and used
// as the process exit status of the command line tools.
type ResultCode int

const (
	Success ResultCode = iota
	InvalidArgument
	NotInitialized
	CryptoError
	UnknownError
)

func (c ResultCode) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case NotInitialized:
		return "NOT_INITIALIZED"
	case CryptoError:
		return "CRYPTO_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

// ExitCode maps the result code to a process exit status.
func (c ResultCode) ExitCode() int {
	if c < Success || c > UnknownError {
		return int(UnknownError)
	}
	return int(c)
}

func codeForType(t ErrorType) ResultCode {
	switch t {
	case ErrTypeFormat, ErrTypeValidation, ErrTypePolicy, ErrTypeRateLimit:
		return InvalidArgument
	case ErrTypeState:
		return NotInitialized
	case ErrTypeCrypto, ErrTypeTrust, ErrTypeChain:
		return CryptoError
	default:
		return UnknownError
	}
}

// CodeOf maps any error to a result code. Errors outside the AppError
// taxonomy are UnknownError.
func CodeOf(err error) ResultCode {
	if err == nil {
		return Success
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return UnknownError
}
