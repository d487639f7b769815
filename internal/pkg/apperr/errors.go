package apperr

import (
	"errors"

	"google.golang.org/grpc/status"
)

// Error is the domain error type with structured metadata.
type Error struct {
	Kind      Kind
	Code      Code
	Message   string
	Metadata  map[string]string
	Retryable bool
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// GRPCStatus lets grpc/status.FromError convert domain errors directly.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Kind.GRPCCode(), e.Message)
}

// WithMetadata returns a copy of e carrying the given key/value.
func (e *Error) WithMetadata(key, value string) *Error {
	cp := *e
	cp.Metadata = make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		cp.Metadata[k] = v
	}
	cp.Metadata[key] = value
	return &cp
}

func newErr(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Validation creates an error for bad grade/stage/order input.
func Validation(code Code, message string) *Error {
	return newErr(KindValidation, code, message)
}

// Authorization creates an error for a role that may not perform an action.
func Authorization(code Code, message string) *Error {
	return newErr(KindAuthorization, code, message)
}

// NotFound creates an error for a missing batch, stage or certificate.
func NotFound(code Code, message string) *Error {
	return newErr(KindNotFound, code, message)
}

// Conflict creates an error for duplicates and unmet preconditions.
func Conflict(code Code, message string) *Error {
	return newErr(KindConflict, code, message)
}

// Ledger creates an anchoring error. Retryable reports whether the same
// submission may succeed later.
func Ledger(code Code, message string, retryable bool, cause error) *Error {
	return &Error{Kind: KindLedger, Code: code, Message: message, Retryable: retryable, Cause: cause}
}

// Wrap creates an internal error that wraps an underlying cause.
func Wrap(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Code: CodeUnknown, Message: message, Cause: cause}
}

// As extracts the domain error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// GetCode extracts the error code from any error.
// Returns CodeUnknown if the error is not a domain error.
func GetCode(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeUnknown
}

// IsKind checks if the error has the specified kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is a retryable ledger error.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Kind == KindLedger && e.Retryable
}
