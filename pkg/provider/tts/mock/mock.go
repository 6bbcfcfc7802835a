// Package mock provides a test double for the tts.Provider interface.
//
// Set Result (and optionally Err) to control what Synthesize returns, then
// inspect SynthesizeCalls to verify the text and options that were passed.
package mock

import (
	"context"
	"sync"

	"github.com/sedaflow/sedaflow/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Provider.Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// Opts is the options value passed to Synthesize.
	Opts tts.SynthesizeOpts
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by every Synthesize call. If left zero, a success
	// result with a synthetic URL is returned instead.
	Result tts.Result

	// Err, if non-nil, is returned by every Synthesize call.
	Err error

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns Result, Err.
func (p *Provider) Synthesize(_ context.Context, text string, opts tts.SynthesizeOpts) (tts.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Opts: opts})
	if p.Err != nil {
		return tts.Result{}, p.Err
	}
	if p.Result == (tts.Result{}) {
		return tts.Result{Status: "success", Filename: "mock.wav", URL: "sound:mock"}, nil
	}
	return p.Result, nil
}

// SynthesizeCallCount returns the number of Synthesize calls. Thread-safe.
func (p *Provider) SynthesizeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
