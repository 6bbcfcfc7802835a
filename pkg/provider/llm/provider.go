// Package llm defines the Provider interface for Large Language Model
// backends.
//
// The engine uses an LLM for one job: classifying a caller's transcribed
// reply into a scenario intent. That keeps the surface small, a single
// blocking Complete call, with quota exhaustion surfaced as a typed error so
// the dialer can pause outbound work instead of burning through contacts.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
)

// ErrQuota marks a completion failure caused by an exhausted account quota.
// Callers detect it with IsQuotaErr and treat it as an operational outage
// rather than a per-call failure.
var ErrQuota = errors.New("llm: quota exhausted")

// IsQuotaErr reports whether err was caused by quota exhaustion.
func IsQuotaErr(err error) bool {
	return errors.Is(err, ErrQuota)
}

// CompletionRequest carries everything the LLM needs to produce a response.
type CompletionRequest struct {
	// Model names the backend model. Empty means the provider default.
	Model string

	// Messages is the ordered conversation. The last message is typically
	// from the "user" role and drives the response.
	Messages []Message

	// Temperature controls output randomness. Classification calls use 0
	// for deterministic labels, and 0 is sent to the backend as-is.
	Temperature float64

	// MaxTokens caps the completion length. Zero means the provider
	// default.
	MaxTokens int
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must propagate context cancellation promptly.
type Provider interface {
	// Complete sends req to the model and returns the assistant's full
	// reply text. Quota exhaustion is reported as an error matching
	// ErrQuota.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
