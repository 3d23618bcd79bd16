// Package protocol implements the RCPX wire protocol: frame encoding,
// message envelopes, and the error taxonomy shared by every operation.
package protocol

// ErrorCode identifies a well-known protocol or domain failure.
type ErrorCode string

const (
	ErrUnsupportedProtocol      ErrorCode = "UNSUPPORTED_PROTOCOL"
	ErrBadRequest               ErrorCode = "BAD_REQUEST"
	ErrUnauthorized             ErrorCode = "UNAUTHORIZED"
	ErrAuthFailed               ErrorCode = "AUTH_FAILED"
	ErrNotFound                 ErrorCode = "NOT_FOUND"
	ErrMachineNotFound          ErrorCode = "MACHINE_NOT_FOUND"
	ErrMachineVersionExists     ErrorCode = "MACHINE_VERSION_EXISTS"
	ErrMachineVersionLimit      ErrorCode = "MACHINE_VERSION_LIMIT_EXCEEDED"
	ErrInstanceNotFound         ErrorCode = "INSTANCE_NOT_FOUND"
	ErrInstanceExists           ErrorCode = "INSTANCE_EXISTS"
	ErrInvalidTransition        ErrorCode = "INVALID_TRANSITION"
	ErrGuardFailed              ErrorCode = "GUARD_FAILED"
	ErrConflict                 ErrorCode = "CONFLICT"
	ErrWALIOError               ErrorCode = "WAL_IO_ERROR"
	ErrInternalError            ErrorCode = "INTERNAL_ERROR"
	ErrRateLimited              ErrorCode = "RATE_LIMITED"
)

// retryable is the exact set of codes spec.md marks safe to retry.
var retryable = map[ErrorCode]bool{
	ErrWALIOError:    true,
	ErrInternalError: true,
	ErrRateLimited:   true,
}

// IsRetryable reports whether a client may safely retry a request that
// failed with this code.
func (c ErrorCode) IsRetryable() bool {
	return retryable[c]
}

// Error is a typed protocol-level failure, carrying a code, message and
// optional structured detail, convertible to a wire ResponseError at the
// dispatch boundary.
type Error struct {
	Code    ErrorCode
	Message string
	Details any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// NewError builds a protocol Error with no structured detail.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorWithDetails builds a protocol Error carrying structured detail,
// e.g. the {guard, context} pair reported alongside GUARD_FAILED.
func NewErrorWithDetails(code ErrorCode, message string, details any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// PayloadError marks a failure decoding the JSON payload carried inside an
// otherwise structurally valid frame or JSONL line. It is always
// BAD_REQUEST and, unlike a frame-level violation (bad magic/version/flags,
// CRC mismatch, oversized frame), never requires terminating the session:
// the framing itself was fine, so the decoder can keep reading the next
// message once this one is rejected.
type PayloadError struct {
	Err *Error
}

func (e *PayloadError) Error() string { return e.Err.Error() }

func (e *PayloadError) Unwrap() error { return e.Err }

func newPayloadError(message string) *PayloadError {
	return &PayloadError{Err: NewError(ErrBadRequest, message)}
}
