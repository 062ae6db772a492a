// Package errors provides the structured error type shared across
// DispatchKit packages.
//
// A ContextualError names the component that failed ("slack",
// "sandbox", "pubsub", ...) and the operation in flight, and optionally
// carries a status code and structured details. It wraps the underlying
// cause so errors.Is and errors.As see through it.
//
//	err := errors.New("slack", "chat.postMessage", cause).
//		WithStatusCode(429).
//		WithDetails(map[string]any{"channel": channelID})
package errors

import (
	"fmt"
	"strings"
)

// ContextualError carries the component and operation an error came
// from, plus optional status and details.
type ContextualError struct {
	// Component is the package or subsystem that failed, e.g. "slack",
	// "sandbox", "task".
	Component string

	// Operation is what was being attempted, e.g. a Slack API method
	// or a manager call.
	Operation string

	// StatusCode is an HTTP or provider status, 0 when not applicable.
	StatusCode int

	// Details holds structured metadata. It never appears in Error().
	Details map[string]any

	// Cause is the wrapped error, nil when the failure originates here.
	Cause error
}

// New builds a ContextualError for the given component and operation
// wrapping cause.
func New(component, operation string, cause error) *ContextualError {
	return &ContextualError{
		Component: component,
		Operation: operation,
		Cause:     cause,
	}
}

// Error formats as "[component] operation (status N): cause", omitting
// the status when zero and the cause when nil.
func (e *ContextualError) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(e.Component)
	b.WriteString("] ")
	b.WriteString(e.Operation)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *ContextualError) Unwrap() error {
	return e.Cause
}

// WithStatusCode sets the status code and returns the error for
// chaining.
func (e *ContextualError) WithStatusCode(code int) *ContextualError {
	e.StatusCode = code
	return e
}

// WithDetails sets the details map and returns the error for chaining.
func (e *ContextualError) WithDetails(details map[string]any) *ContextualError {
	e.Details = details
	return e
}
