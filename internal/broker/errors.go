package broker

import "fmt"

// AuthError means token issuance or renewal failed. It blocks every
// subsequent call until a later renewal succeeds.
type AuthError struct {
	Reason string
	Cause  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// RateLimitError is an HTTP 429 from the issuer. Surfaced, never retried
// automatically.
type RateLimitError struct{}

func (e *RateLimitError) Error() string { return "rate limit exceeded" }

// ConnError is a transport-level failure: timeout, refused connection,
// DNS failure.
type ConnError struct {
	Reason string
	Cause  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("connection failure: %s", e.Reason)
}

func (e *ConnError) Unwrap() error { return e.Cause }

// APIError is an application-level rejection: the issuer answered but with a
// non-success result code. Carries the issuer's own code and message.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}
