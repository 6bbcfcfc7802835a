// Package mock provides a test double for the llm.Provider interface.
//
// Pre-populate Replies with the texts the consumer should receive, one per
// call, then inspect CompleteCalls to verify the requests that were sent.
//
// Example:
//
//	p := &mock.Provider{Replies: []string{"yes"}}
//	out, _ := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/sedaflow/sedaflow/pkg/provider/llm"
)

// CompleteCall records a single invocation of Provider.Complete.
type CompleteCall struct {
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Replies are returned by successive Complete calls in order. When the
	// list is exhausted, further calls return the empty string.
	Replies []string

	// Errs are returned by successive Complete calls in order, paired with
	// the Replies entry of the same index. A nil entry means success. When
	// shorter than Replies, missing entries are treated as nil.
	Errs []error

	// CompleteCalls records every call to Complete.
	CompleteCalls []CompleteCall

	next int
}

// Complete records the call and returns the next scripted reply and error.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Req: req})

	i := p.next
	p.next++
	var reply string
	if i < len(p.Replies) {
		reply = p.Replies[i]
	}
	var err error
	if i < len(p.Errs) {
		err = p.Errs[i]
	}
	return reply, err
}

// CompleteCallCount returns the number of Complete calls. Thread-safe.
func (p *Provider) CompleteCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// LastRequest returns the most recent request, if any. Thread-safe.
func (p *Provider) LastRequest() (llm.CompletionRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.CompleteCalls) == 0 {
		return llm.CompletionRequest{}, false
	}
	return p.CompleteCalls[len(p.CompleteCalls)-1].Req, true
}

// Reset clears all recorded calls and rewinds the script. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.next = 0
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
