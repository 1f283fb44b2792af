package protocol

import (
	"errors"

	"github.com/zeusync/syncplant/internal/core/syncable"
)

// Protocol errors
var (
	// Connection errors

	ErrConnectionClosed = errors.New("connection is closed")
	ErrOutboxFull       = errors.New("connection outbox is full")

	// Message errors

	ErrInvalidMessage  = errors.New("invalid message")
	ErrMessageTooLarge = errors.New("message too large")
	ErrUnknownMethod   = errors.New("unknown method")
	ErrNotInitialized  = errors.New("connection is not initialized")

	// Request errors

	ErrRequestTimeout = errors.New("request timeout")
	ErrGroupNotFound  = errors.New("group not found")

	// Generic errors

	ErrInternalError = errors.New("internal error")
)

// ErrorCode is the numeric error code carried in response envelopes.
type ErrorCode int

const (
	// Engine error codes (1000-1999)

	ErrorCodeNotFound               ErrorCode = 1001
	ErrorCodeAccessDenied           ErrorCode = 1002
	ErrorCodeInvalidOperation       ErrorCode = 1003
	ErrorCodeUnknownChangeType      ErrorCode = 1004
	ErrorCodeUnknownRule            ErrorCode = 1005
	ErrorCodeOutOfOrderConfirmation ErrorCode = 1006
	ErrorCodePersistenceFailure     ErrorCode = 1007

	// Protocol error codes (3000-3999)

	ErrorCodeConnectionClosed ErrorCode = 3001
	ErrorCodeInvalidMessage   ErrorCode = 3002
	ErrorCodeMessageTooLarge  ErrorCode = 3003
	ErrorCodeUnknownMethod    ErrorCode = 3004
	ErrorCodeNotInitialized   ErrorCode = 3005
	ErrorCodeRequestTimeout   ErrorCode = 3006
	ErrorCodeGroupNotFound    ErrorCode = 3007
	ErrorCodeOutboxFull       ErrorCode = 3008

	// Generic error codes (9000-9999)

	ErrorCodeInternalError ErrorCode = 9003
	ErrorCodeUnknownError  ErrorCode = 9999
)

// codes is ordered: the first sentinel matched with errors.Is wins.
var codes = []struct {
	err  error
	code ErrorCode
}{
	{syncable.ErrNotFound, ErrorCodeNotFound},
	{syncable.ErrAccessDenied, ErrorCodeAccessDenied},
	{syncable.ErrInvalidOperation, ErrorCodeInvalidOperation},
	{syncable.ErrUnknownChangeType, ErrorCodeUnknownChangeType},
	{syncable.ErrUnknownRule, ErrorCodeUnknownRule},
	{syncable.ErrOutOfOrderConfirmation, ErrorCodeOutOfOrderConfirmation},
	{syncable.ErrPersistenceFailure, ErrorCodePersistenceFailure},

	{ErrConnectionClosed, ErrorCodeConnectionClosed},
	{ErrInvalidMessage, ErrorCodeInvalidMessage},
	{ErrMessageTooLarge, ErrorCodeMessageTooLarge},
	{ErrUnknownMethod, ErrorCodeUnknownMethod},
	{ErrNotInitialized, ErrorCodeNotInitialized},
	{ErrRequestTimeout, ErrorCodeRequestTimeout},
	{ErrGroupNotFound, ErrorCodeGroupNotFound},
	{ErrOutboxFull, ErrorCodeOutboxFull},
	{ErrInternalError, ErrorCodeInternalError},
}

// Error is an error that crossed the wire.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches the sentinel registered for the code, so errors.Is works on
// decoded remote errors.
func (e *Error) Is(target error) bool {
	sentinel := Sentinel(e.Code)
	return sentinel != nil && sentinel == target
}

// IsFatal reports whether the connection must be dropped and resynced.
func (e *Error) IsFatal() bool {
	switch e.Code {
	case ErrorCodeOutOfOrderConfirmation, ErrorCodeConnectionClosed, ErrorCodeOutboxFull:
		return true
	default:
		return false
	}
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// GetErrorCode returns the wire code for err.
func GetErrorCode(err error) ErrorCode {
	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.Code
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ErrorCodeUnknownError
}

// Sentinel returns the sentinel error registered for code, or nil.
func Sentinel(code ErrorCode) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// WrapError converts any error into its wire form.
func WrapError(err error) *Error {
	if err == nil {
		return nil
	}
	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr
	}
	return NewError(GetErrorCode(err), err.Error())
}
