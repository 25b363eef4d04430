// Package apierr implements the closed error taxonomy every HTTP, SSE and
// socket surface in this module uses to report failures. It is grounded
// on the teacher's ui.UIError/ErrorKind pattern, generalized from a
// single ErrorKind string into the full taxonomy spec §7 requires.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a closed set of taxonomy members. New members require updating
// every exhaustive switch over Code in this package (HTTPStatus below).
type Code string

const (
	// Validation
	CodeInvalidID            Code = "INVALID_ID"
	CodeMissingFields        Code = "MISSING_FIELDS"
	CodeInvalidContent       Code = "INVALID_CONTENT"
	CodeInvalidMetadata      Code = "INVALID_METADATA"
	CodeInvalidPagination    Code = "INVALID_PAGINATION"
	CodeInvalidTimeoutConfig Code = "INVALID_TIMEOUT_CONFIG"
	CodeInvalidTransport     Code = "INVALID_TRANSPORT"
	CodeInvalidChannelID     Code = "INVALID_CHANNEL_ID"
	CodeInvalidContentType   Code = "INVALID_CONTENT_TYPE"

	// Authorization / isolation
	CodeForbiddenServerMismatch Code = "FORBIDDEN_SERVER_MISMATCH"
	CodeAccessDeniedChannel     Code = "ACCESS_DENIED_CHANNEL"
	CodeMissingAPIKey           Code = "MISSING_API_KEY"

	// Existence
	CodeAgentNotFound   Code = "AGENT_NOT_FOUND"
	CodeServerNotFound  Code = "SERVER_NOT_FOUND"
	CodeChannelNotFound Code = "CHANNEL_NOT_FOUND"
	CodeMessageNotFound Code = "MESSAGE_NOT_FOUND"
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeJobNotFound     Code = "JOB_NOT_FOUND"

	// Lifecycle
	CodeSessionExpired        Code = "SESSION_EXPIRED"
	CodeSessionRenewalFailed  Code = "SESSION_RENEWAL_FAILED"
	CodeSessionCreationError  Code = "SESSION_CREATION_ERROR"
	CodeMessageSendError      Code = "MESSAGE_SEND_ERROR"
	CodeChannelCreationFailed Code = "CHANNEL_CREATION_FAILED"
	CodeJobTimeout            Code = "JOB_TIMEOUT"

	// Limits
	CodeRateLimitExceeded       Code = "RATE_LIMIT_EXCEEDED"
	CodeUploadRateLimitExceeded Code = "UPLOAD_RATE_LIMIT_EXCEEDED"
	CodeFileRateLimitExceeded   Code = "FILE_RATE_LIMIT_EXCEEDED"
	CodeContentTooLarge         Code = "CONTENT_TOO_LARGE"

	// Upstream
	CodeUpstreamTimeout  Code = "UPSTREAM_TIMEOUT"
	CodePersistenceError Code = "PERSISTENCE_ERROR"
	CodeRuntimeError     Code = "RUNTIME_ERROR"
)

// Error is the structured error type every component in this module
// returns instead of bare errors.New. It carries a Code so transports can
// translate it into {success:false, error:{code,message,details}}
// without string matching.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Err     error // optional wrapped cause, not serialized to clients
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error with the given code/message around an underlying
// cause, kept for logging but never serialized to the client.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithDetails attaches structured detail fields and returns e for
// chaining at the call site.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// As extracts an *Error from err, following the wrap chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// HTTPStatus maps a Code to the HTTP status spec §7 assigns it.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidID, CodeMissingFields, CodeInvalidContent, CodeInvalidMetadata,
		CodeInvalidPagination, CodeInvalidTimeoutConfig, CodeInvalidTransport,
		CodeInvalidChannelID, CodeInvalidContentType:
		return http.StatusBadRequest
	case CodeForbiddenServerMismatch, CodeAccessDeniedChannel:
		return http.StatusForbidden
	case CodeMissingAPIKey:
		return http.StatusUnauthorized
	case CodeAgentNotFound, CodeServerNotFound, CodeChannelNotFound, CodeMessageNotFound,
		CodeSessionNotFound, CodeJobNotFound:
		return http.StatusNotFound
	case CodeSessionExpired:
		return http.StatusGone
	case CodeSessionRenewalFailed, CodeSessionCreationError, CodeMessageSendError,
		CodeChannelCreationFailed:
		return http.StatusInternalServerError
	case CodeJobTimeout, CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case CodeRateLimitExceeded, CodeUploadRateLimitExceeded, CodeFileRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeContentTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodePersistenceError, CodeRuntimeError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the wire shape for every /api/* error body:
// {success:false, error:{code, message, details?}}.
type Envelope struct {
	Success bool          `json:"success"`
	Error   EnvelopeError `json:"error"`
}

type EnvelopeError struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ToEnvelope converts any error into the client-visible envelope. Errors
// that aren't already an *Error are folded into CodeRuntimeError with a
// safe, generic message — callers must not leak internal error strings.
func ToEnvelope(err error) (int, Envelope) {
	if e, ok := As(err); ok {
		return HTTPStatus(e.Code), Envelope{
			Success: false,
			Error: EnvelopeError{
				Code:    e.Code,
				Message: e.Message,
				Details: e.Details,
			},
		}
	}
	return http.StatusInternalServerError, Envelope{
		Success: false,
		Error: EnvelopeError{
			Code:    CodeRuntimeError,
			Message: "internal server error",
		},
	}
}
