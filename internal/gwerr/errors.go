// Package gwerr defines the gateway's closed error-code enumeration and the
// upstream-status normaliser used by logs, responses, and metrics alike.
package gwerr

import "net/http"

// Code is a closed enumeration of caller-visible and internal error kinds.
type Code string

const (
	Unauthorized             Code = "UNAUTHORIZED"
	BadRequest               Code = "BAD_REQUEST"
	NotFound                 Code = "NOT_FOUND"
	IdempotencyConflict      Code = "IDEMPOTENCY_CONFLICT"
	StreamAlreadyInProgress  Code = "STREAM_ALREADY_IN_PROGRESS"
	StreamAlreadyCompleted   Code = "STREAM_ALREADY_COMPLETED"
	StreamingUnsupported     Code = "STREAMING_UNSUPPORTED"
	RateLimitReliAPI         Code = "RATE_LIMIT_RELIAPI"
	ServerError              Code = "SERVER_ERROR"
	ClientError              Code = "CLIENT_ERROR"
	NetworkError             Code = "NETWORK_ERROR"
	ProviderError            Code = "PROVIDER_ERROR"
	UpstreamStreamInterrupt  Code = "UPSTREAM_STREAM_INTERRUPTED"
	BudgetExceeded           Code = "BUDGET_EXCEEDED"
	InvalidTarget            Code = "INVALID_TARGET"
	UnknownProvider          Code = "UNKNOWN_PROVIDER"
	AdapterNotFound          Code = "ADAPTER_NOT_FOUND"
	InternalError            Code = "INTERNAL_ERROR"
)

// Source identifies who produced an error, echoed in the caller envelope.
type Source string

const (
	SourceReliAPI  Source = "reliapi"
	SourceUpstream Source = "upstream"
)

// Error is the single error type passed between internal packages and
// converted to the caller-visible envelope only at the proxy engine boundary.
type Error struct {
	Code       Code
	Message    string
	HTTPStatus int
	Retryable  bool
	Source     Source
	Provider   string
	StatusCode int // upstream status code, if any
	RetryAfter float64
	Cause      error
	Details    string // caller-visible elaboration, e.g. "cost_policy_applied=hard_cap_rejected"
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func (e *Error) WithSource(s Source) *Error {
	e.Source = s
	return e
}

func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

func (e *Error) WithRetryAfter(seconds float64) *Error {
	e.RetryAfter = seconds
	return e
}

func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// IsRetryable reports whether err (if a *Error) is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetCode extracts the Code from err, or InternalError if err is not a *Error.
func GetCode(err error) Code {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return InternalError
}

// HTTPStatusFor maps a Code to a default HTTP status when the Error doesn't
// carry an explicit one.
func HTTPStatusFor(code Code) int {
	switch code {
	case BadRequest, ClientError:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound, InvalidTarget, UnknownProvider, AdapterNotFound:
		return http.StatusNotFound
	case IdempotencyConflict:
		return http.StatusConflict
	case StreamAlreadyInProgress, StreamAlreadyCompleted:
		return http.StatusConflict
	case StreamingUnsupported:
		return http.StatusNotImplemented
	case RateLimitReliAPI:
		return http.StatusTooManyRequests
	case BudgetExceeded:
		return http.StatusBadRequest
	case NetworkError, UpstreamStreamInterrupt:
		return http.StatusBadGateway
	case ProviderError:
		return http.StatusBadGateway
	case ServerError:
		return http.StatusInternalServerError
	case InternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// NormalizeUpstreamStatus maps an upstream HTTP status (or 0 for a
// network-level failure) to a low-cardinality metric label, per §4.1.
func NormalizeUpstreamStatus(status int, networkErr bool, timedOut bool) string {
	switch {
	case timedOut:
		return "timeout"
	case networkErr:
		return "network_error"
	case status == 0:
		return "unknown"
	}
	switch status {
	case 200, 400, 401, 403, 404, 409, 429, 500, 502, 503, 504:
		return httpStatusLabel(status)
	}
	switch {
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

func httpStatusLabel(status int) string {
	switch status {
	case 200:
		return "200"
	case 400:
		return "400"
	case 401:
		return "401"
	case 403:
		return "403"
	case 404:
		return "404"
	case 409:
		return "409"
	case 429:
		return "429"
	case 500:
		return "500"
	case 502:
		return "502"
	case 503:
		return "503"
	case 504:
		return "504"
	default:
		return "unknown"
	}
}

// FromUpstreamStatus builds an Error from an upstream HTTP status code,
// classifying retryability the way §7 requires: retryable iff 5xx or 429.
func FromUpstreamStatus(status int, message string, provider string) *Error {
	e := &Error{
		Message:    message,
		Source:     SourceUpstream,
		Provider:   provider,
		StatusCode: status,
		HTTPStatus: status,
	}
	switch {
	case status == 429:
		e.Code = RateLimitReliAPI
		e.Retryable = true
	case status >= 500:
		e.Code = ProviderError
		e.Retryable = true
	case status >= 400:
		e.Code = ProviderError
		e.Retryable = false
	default:
		e.Code = ProviderError
		e.Retryable = false
	}
	return e
}
