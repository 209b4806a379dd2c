// Package provider implements the model-provider abstraction: HTTP
// clients for chat-completion APIs behind a common interface, with
// failure classification the orchestrator's fallback policy depends on.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zivhm/yacb/internal/types"
)

// Message is one chat message in a model call.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single model invocation.
type Request struct {
	Model       string // provider/model identifier
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Response is a successful model reply.
type Response struct {
	Content string
	Model   string
	Usage   types.Usage
}

// Client issues chat completions for one provider.
type Client interface {
	// Chat performs one completion. Failures are returned as *CallError
	// so the caller can classify them.
	Chat(ctx context.Context, req Request) (*Response, error)
}

// FailureClass partitions call failures for the fallback policy.
type FailureClass int

const (
	// FailureTransient covers timeouts, rate limits, and server errors;
	// a retry is expected to succeed.
	FailureTransient FailureClass = iota
	// FailureNonRetryable covers authentication and malformed-request
	// errors; a retry will not succeed.
	FailureNonRetryable
)

func (c FailureClass) String() string {
	if c == FailureTransient {
		return "transient"
	}
	return "non-retryable"
}

// CallError is a classified model-call failure.
type CallError struct {
	Class      FailureClass
	Model      string
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("model call failed (%s, model=%s): %v", e.Class, e.Model, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a model-call failure expected to
// succeed on retry. Any non-CallError is treated as non-retryable.
func IsTransient(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Class == FailureTransient
}

var transientMarkers = []string{
	"timeout",
	"timed out",
	"rate limit",
	"too many requests",
	"429",
	"overloaded",
	"connection",
	"network error",
	"server error",
	"internal server error",
	"service unavailable",
	"bad gateway",
}

var nonRetryableMarkers = []string{
	"authentication",
	"unauthorized",
	"invalid api key",
	"api key not configured",
	"permission",
	"forbidden",
	"malformed",
	"invalid request",
	"bad request",
	"context length",
	"model not found",
}

// Classify determines the failure class for an HTTP status and error
// message. Non-retryable markers win; anything matching neither set is
// non-retryable, so only known-transient failures trigger a retry.
func Classify(statusCode int, message string) FailureClass {
	switch {
	case statusCode == 429, statusCode >= 500:
		return FailureTransient
	case statusCode == 400, statusCode == 401, statusCode == 403, statusCode == 404, statusCode == 422:
		return FailureNonRetryable
	}

	lower := strings.ToLower(message)
	for _, marker := range nonRetryableMarkers {
		if strings.Contains(lower, marker) {
			return FailureNonRetryable
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return FailureTransient
		}
	}
	return FailureNonRetryable
}
