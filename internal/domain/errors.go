package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrSpendLimit            = errors.New("spend ceiling reached")
	ErrProviderError         = errors.New("provider error")
	ErrTimeout               = errors.New("provider timed out")
	ErrCircuitOpen           = errors.New("circuit breaker open")
	ErrProviderNotConfigured = errors.New("provider not configured")
	ErrNoProvider            = errors.New("no provider configured")
)

// RateLimitError carries the wait time the client should observe before
// retrying. It unwraps to ErrRateLimited.
type RateLimitError struct {
	RemainingMs int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %dms", e.RemainingMs)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}
