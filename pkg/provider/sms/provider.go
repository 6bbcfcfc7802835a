// Package sms defines the Sender interface for SMS alert backends.
//
// The dialer sends short operational alerts, such as "outbound paused after
// repeated failures", to a list of administrator numbers. Delivery is best
// effort and never blocks call handling.
package sms

import "context"

// Sender is the abstraction over any SMS backend.
//
// Implementations must be safe for concurrent use. An unconfigured sender
// treats Send as a no-op and returns nil.
type Sender interface {
	// Send delivers text to every number in to.
	Send(ctx context.Context, to []string, text string) error
}
