package model

import "errors"

// Sentinel errors shared across the platform. Handlers map these to HTTP
// status codes at the trust boundary; internal detail stays in the logs.
var (
	// ErrValidation marks malformed caller input. No state change.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized marks an unverified signature or untrusted caller.
	// The request is rejected before any processing.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound marks an unknown chatbot, conversation, subscription or user.
	ErrNotFound = errors.New("not found")

	// ErrUpstream marks a failed payment-provider or webhook-target call.
	ErrUpstream = errors.New("upstream failure")

	// ErrEngineFault marks a malformed or cyclic flow graph. The engine
	// emits fallback behavior and aborts the current pass instead of
	// crashing the session.
	ErrEngineFault = errors.New("flow engine fault")
)
