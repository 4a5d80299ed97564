package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors for non-retryable provider payload defects. A 200 with an
// empty or unparseable body will not improve on transport retry; these are
// surfaced to the orchestrator as provider failures eligible for fallback.
var (
	ErrEmptyResponse     = errors.New("provider returned empty response")
	ErrMalformedResponse = errors.New("provider returned malformed response")
)

// ProviderError is a non-transport failure reported by a provider endpoint
// (HTTP error status, structured API error, defective payload).
type ProviderError struct {
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s: upstream %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ConnectionExhaustedError reports that the transport retry budget ran out.
type ConnectionExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ConnectionExhaustedError) Error() string {
	return fmt.Sprintf("connection attempts exhausted after %d tries: %v", e.Attempts, e.LastErr)
}

func (e *ConnectionExhaustedError) Unwrap() error { return e.LastErr }

// AllProvidersUnavailableError is terminal for one logical request: the
// primary and every fallback failed. Tried lists provider names in the order
// they were attempted.
type AllProvidersUnavailableError struct {
	Tried   []string
	LastErr error
}

func (e *AllProvidersUnavailableError) Error() string {
	return fmt.Sprintf("all AI providers unavailable (tried %d): %v", len(e.Tried), e.LastErr)
}

func (e *AllProvidersUnavailableError) Unwrap() error { return e.LastErr }
