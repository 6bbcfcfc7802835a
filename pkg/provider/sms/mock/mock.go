// Package mock provides a test double for the sms.Sender interface.
package mock

import (
	"context"
	"sync"

	"github.com/sedaflow/sedaflow/pkg/provider/sms"
)

// SendCall records a single invocation of Sender.Send.
type SendCall struct {
	// To is a copy of the recipient list passed to Send.
	To []string
	// Text is the message passed to Send.
	Text string
}

// Sender is a mock implementation of sms.Sender.
type Sender struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by every Send call.
	Err error

	// SendCalls records every call to Send in order.
	SendCalls []SendCall
}

// Send records the call and returns Err.
func (s *Sender) Send(_ context.Context, to []string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]string, len(to))
	copy(cp, to)
	s.SendCalls = append(s.SendCalls, SendCall{To: cp, Text: text})
	return s.Err
}

// SendCallCount returns the number of Send calls. Thread-safe.
func (s *Sender) SendCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (s *Sender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendCalls = nil
}

// Ensure Sender implements sms.Sender at compile time.
var _ sms.Sender = (*Sender)(nil)
