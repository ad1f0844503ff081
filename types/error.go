package types

import "fmt"

// ErrorKind identifies one member of the closed failure taxonomy.
// Every raw failure crossing into relay is mapped to exactly one kind
// at the boundary (llm.Classify); downstream code switches over the
// closed set instead of inspecting raw errors.
type ErrorKind string

const (
	KindNetwork            ErrorKind = "NETWORK"
	KindRateLimit          ErrorKind = "RATE_LIMIT"
	KindAuthentication     ErrorKind = "AUTHENTICATION"
	KindInvalidRequest     ErrorKind = "INVALID_REQUEST"
	KindTimeout            ErrorKind = "TIMEOUT"
	KindServiceUnavailable ErrorKind = "SERVICE_UNAVAILABLE"
	KindUnknown            ErrorKind = "UNKNOWN"
)

// AIError is a structured, classified failure.
type AIError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message,omitempty"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, rate-limit only
	HTTPStatus int       `json:"http_status,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *AIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *AIError) Unwrap() error {
	return e.Cause
}

// WithCause attaches the raw failure to the error.
func (e *AIError) WithCause(cause error) *AIError {
	e.Cause = cause
	return e
}

// WithHTTPStatus records the upstream HTTP status code.
func (e *AIError) WithHTTPStatus(status int) *AIError {
	e.HTTPStatus = status
	return e
}

// NewNetworkError reports a connectivity-level failure.
func NewNetworkError(detail string) *AIError {
	return &AIError{Kind: KindNetwork, Message: detail}
}

// NewRateLimitError reports an upstream rate limit with the number of
// seconds the caller was told to wait.
func NewRateLimitError(retryAfter int) *AIError {
	return &AIError{Kind: KindRateLimit, Message: "rate limited", RetryAfter: retryAfter, HTTPStatus: 429}
}

// NewAuthenticationError reports a credential failure.
func NewAuthenticationError(detail string) *AIError {
	return &AIError{Kind: KindAuthentication, Message: detail}
}

// NewInvalidRequestError reports a malformed or rejected request.
func NewInvalidRequestError(detail string) *AIError {
	return &AIError{Kind: KindInvalidRequest, Message: detail, HTTPStatus: 400}
}

// NewTimeoutError reports a request-level timeout.
func NewTimeoutError() *AIError {
	return &AIError{Kind: KindTimeout, Message: "request timed out"}
}

// NewServiceUnavailableError reports an upstream outage.
func NewServiceUnavailableError(detail string) *AIError {
	return &AIError{Kind: KindServiceUnavailable, Message: detail, HTTPStatus: 503}
}

// NewUnknownError wraps a failure that matched nothing else.
func NewUnknownError(cause error) *AIError {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return &AIError{Kind: KindUnknown, Message: msg, Cause: cause}
}

// RetryCode maps the error kind onto the status code consulted by the
// retry policy. Kinds without a real HTTP status (network, timeout) map
// onto sentinel codes the default policy treats as retryable; unknown
// failures map to 500 and are retried. Authentication and invalid
// request map to codes outside the default retryable set, so they are
// never retried regardless of attempt count.
func (e *AIError) RetryCode() int {
	switch e.Kind {
	case KindNetwork, KindTimeout:
		return 500
	case KindRateLimit:
		return 429
	case KindServiceUnavailable:
		return 503
	case KindAuthentication:
		return 401
	case KindInvalidRequest:
		return 400
	default:
		return 500
	}
}

// UserMessage returns the fixed, non-technical text shown to the end
// user for this error kind. No internal codes or raw failure text leak
// through here.
func (e *AIError) UserMessage() string {
	switch e.Kind {
	case KindNetwork:
		return "Connection problem. Check your network and try again."
	case KindRateLimit:
		return fmt.Sprintf("Too many requests. Please wait %d seconds and try again.", e.RetryAfter)
	case KindAuthentication:
		return "There is a problem with your API credentials. Check your key in settings."
	case KindInvalidRequest:
		return "The request could not be processed. Try rephrasing your message."
	case KindTimeout:
		return "The request took too long. Please try again."
	case KindServiceUnavailable:
		return "The AI service is temporarily unavailable. Please try again shortly."
	default:
		return "Something went wrong. Please try again."
	}
}

// AsAIError extracts an *AIError from err, or wraps err as Unknown so
// callers always hold a classified value.
func AsAIError(err error) *AIError {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*AIError); ok {
		return ae
	}
	return NewUnknownError(err)
}
