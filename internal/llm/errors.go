package llm

import (
	"errors"
	"fmt"
	"time"
)

// TransportError is a failed remote call: connection errors and non-2xx
// statuses that are not rate limits.
type TransportError struct {
	StatusCode int
	Message    string
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm transport error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm transport error: %s", e.Message)
}

// TimeoutError is an attempt that exceeded its wall-clock bound
type TimeoutError struct {
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("llm request timed out after %s", e.Elapsed)
}

// RateLimitError carries the upstream reset hint when one was provided
type RateLimitError struct {
	Message string
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	if !e.ResetAt.IsZero() {
		return fmt.Sprintf("llm rate limited until %s: %s", e.ResetAt.UTC().Format(time.RFC3339), e.Message)
	}
	return fmt.Sprintf("llm rate limited: %s", e.Message)
}

// CircuitOpenError is a breaker short-circuit for a named service
type CircuitOpenError struct {
	Service string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s", e.Service)
}

// DecisionParseError is an LLM response that could not be turned into a
// Decision. Raw holds a bounded snippet of the offending content.
type DecisionParseError struct {
	Reason string
	Raw    string
}

func (e *DecisionParseError) Error() string {
	return fmt.Sprintf("decision parse failed: %s", e.Reason)
}

// isRetryable reports whether the resilience loop should attempt again
func isRetryable(err error) bool {
	var transport *TransportError
	var timeout *TimeoutError
	var rateLimit *RateLimitError
	var parse *DecisionParseError
	switch {
	case errors.As(err, &transport), errors.As(err, &timeout),
		errors.As(err, &rateLimit), errors.As(err, &parse):
		return true
	default:
		return false
	}
}
