// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider takes a finished call recording and returns its
// transcript. Implementations wrap a remote transcription API, bound their
// own request concurrency, and classify quota exhaustion so the engine can
// pause outbound dialing instead of burning through a dead credit line.
//
// Implementors must be safe for concurrent use; one provider instance
// serves every active call.
package stt

import (
	"context"
	"errors"
)

// ErrQuota marks a transcription failure caused by an exhausted account
// balance or credit threshold on the provider side. Wrap it with
// fmt.Errorf("...: %w", ErrQuota) so IsQuotaErr can detect it.
var ErrQuota = errors.New("stt: quota exhausted")

// IsQuotaErr reports whether err was caused by provider quota exhaustion.
func IsQuotaErr(err error) bool {
	return errors.Is(err, ErrQuota)
}

// TranscribeOpts tunes a single transcription request.
type TranscribeOpts struct {
	// Hotwords biases recognition toward domain vocabulary (product names,
	// scenario-specific terms). May be empty.
	Hotwords []string

	// Model selects the provider-side language model. Empty means the
	// provider default.
	Model string
}

// Provider converts recorded audio into text.
type Provider interface {
	// Transcribe sends the WAV payload for recognition and returns the
	// recognized text. An empty string with a nil error means the provider
	// heard nothing; callers decide how to treat silence.
	Transcribe(ctx context.Context, audio []byte, opts TranscribeOpts) (string, error)
}
