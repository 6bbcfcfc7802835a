// Package audio analyzes call recordings before they are sent to
// transcription. A recording that is effectively silence wastes an STT
// round-trip and, worse, produces garbage transcripts; IsEmpty catches
// those early.
package audio

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/go-audio/wav"
)

// Emptiness thresholds. A recording counts as empty when the raw payload is
// tiny, the decoded duration is shorter than a spoken syllable, or the
// normalized signal level is indistinguishable from line noise.
const (
	minRawBytes = 800
	minDuration = 100 * time.Millisecond
	minRMS      = 0.001
)

// Info describes a decoded recording.
type Info struct {
	// Duration is the decoded audio length.
	Duration time.Duration

	// RMS is the root-mean-square amplitude normalized to [0, 1] by the
	// sample format's maximum value.
	RMS float64
}

// Analyze decodes a WAV payload and reports its duration and normalized RMS.
func Analyze(data []byte) (Info, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Info{}, fmt.Errorf("audio: not a decodable wav file")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Info{}, fmt.Errorf("audio: decode pcm: %w", err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return Info{}, fmt.Errorf("audio: missing format information")
	}

	frames := len(buf.Data) / buf.Format.NumChannels
	duration := time.Duration(float64(frames) / float64(buf.Format.SampleRate) * float64(time.Second))

	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = 16
	}
	maxAmp := float64(int64(1) << (bitDepth - 1))

	var sumSquares float64
	for _, s := range buf.Data {
		v := float64(s) / maxAmp
		sumSquares += v * v
	}
	rms := 0.0
	if len(buf.Data) > 0 {
		rms = math.Sqrt(sumSquares / float64(len(buf.Data)))
	}

	return Info{Duration: duration, RMS: rms}, nil
}

// IsEmpty reports whether a recording payload contains no usable speech.
// Undecodable data is treated as non-empty so that a codec quirk never
// silently drops a caller's answer; the STT provider gets the final say.
func IsEmpty(data []byte) bool {
	if len(data) < minRawBytes {
		return true
	}
	info, err := Analyze(data)
	if err != nil {
		return false
	}
	return info.Duration < minDuration || info.RMS < minRMS
}
