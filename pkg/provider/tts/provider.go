// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service and turns a piece of text
// into a server-side audio file. The engine plays synthesized prompts through
// the PBX by URI, so providers return the storage location of the rendered
// audio rather than raw samples.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Result describes a finished synthesis job.
type Result struct {
	// Status is the provider's verdict: "success", "failed" or
	// "unauthorized" when no credential was configured.
	Status string

	// Filename is the provider-assigned name of the rendered file.
	Filename string

	// URL is the location the rendered audio can be fetched or played from.
	URL string

	// Duration is the length of the rendered audio in seconds.
	Duration float64
}

// Ok reports whether the synthesis produced playable audio.
func (r Result) Ok() bool {
	return r.Status == "success" && r.URL != ""
}

// SynthesizeOpts carries per-request knobs. The zero value selects the
// provider defaults.
type SynthesizeOpts struct {
	// Speaker selects the voice. Empty means the provider default.
	Speaker string

	// Speed scales playback rate. Zero means the provider default of 1.0.
	Speed float64
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use: scenario prompts for
// multiple live calls may be synthesized in parallel.
type Provider interface {
	// Synthesize renders text to speech and returns where the audio ended
	// up. A provider without credentials returns a Result with Status
	// "unauthorized" and a nil error so callers can fall back to static
	// prompts.
	Synthesize(ctx context.Context, text string, opts SynthesizeOpts) (Result, error)
}
