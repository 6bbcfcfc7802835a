// Package mock provides a test double for the stt package interface.
//
// Pre-populate Transcripts with the texts the consumer should receive, one
// per call, then inspect TranscribeCalls to verify the audio and options
// that were delivered.
//
// Example:
//
//	p := &mock.Provider{Transcripts: []string{"بله"}}
//	text, _ := p.Transcribe(ctx, wav, stt.TranscribeOpts{})
package mock

import (
	"context"
	"sync"

	"github.com/sedaflow/sedaflow/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Audio is a copy of the payload passed to Transcribe.
	Audio []byte
	// Opts is the options value passed to Transcribe.
	Opts stt.TranscribeOpts
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Transcripts are returned by successive Transcribe calls in order. When
	// the list is exhausted, further calls return the empty string.
	Transcripts []string

	// Errs are returned by successive Transcribe calls in order, paired with
	// the Transcripts entry of the same index. A nil entry means success.
	// When shorter than Transcripts, missing entries are treated as nil.
	Errs []error

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall

	next int
}

// Transcribe records the call and returns the next scripted transcript and
// error.
func (p *Provider) Transcribe(_ context.Context, audio []byte, opts stt.TranscribeOpts) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(audio))
	copy(cp, audio)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Audio: cp, Opts: opts})

	i := p.next
	p.next++
	var text string
	if i < len(p.Transcripts) {
		text = p.Transcripts[i]
	}
	var err error
	if i < len(p.Errs) {
		err = p.Errs[i]
	}
	return text, err
}

// TranscribeCallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) TranscribeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Reset clears all recorded calls and rewinds the script. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
	p.next = 0
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
