package client

import "fmt"

// APIError is a provider-level rejection: either a non-2xx HTTP status
// outside the auth/rate-limit classes, or a 200 whose body carries a
// provider error code. Not retried.
type APIError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s api error (http %d, code %s): %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s api error (http %d): %s", e.Provider, e.StatusCode, e.Message)
}

// RateLimitError means the provider returned 429. Surfaced immediately
// so the dispatcher can back off instead of burning retry budget.
type RateLimitError struct {
	Provider string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded (http 429)", e.Provider)
}

// AuthenticationError means the provider rejected the bearer token
// (401/403). The executor retries once with a force-refreshed token
// before surfacing it.
type AuthenticationError struct {
	Provider   string
	StatusCode int
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s authentication rejected (http %d)", e.Provider, e.StatusCode)
}

// NetworkError wraps transport failures and 5xx responses after the
// retry budget is spent.
type NetworkError struct {
	Provider string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s network error: %v", e.Provider, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError means the per-request deadline elapsed before any
// attempt succeeded.
type TimeoutError struct {
	Provider string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s request deadline exceeded", e.Provider)
}
