package audio

import (
	"encoding/binary"
	"testing"
	"time"
)

// buildWAV constructs a minimal valid RIFF/WAVE byte slice around the given
// 16-bit little-endian PCM payload (mono, 8 kHz).
func buildWAV(pcm []byte) []byte {
	const (
		numChannels   = 1
		sampleRate    = 8000
		bitsPerSample = 16
	)
	blockAlign := numChannels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	fmtSize := uint32(16)
	dataSize := uint32(len(pcm))
	fileSize := 4 + (8 + fmtSize) + (8 + dataSize)

	buf := make([]byte, 0, 12+8+fmtSize+8+dataSize)
	le := binary.LittleEndian

	putU32 := func(v uint32) {
		var b [4]byte
		le.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	putU16 := func(v uint16) {
		var b [2]byte
		le.PutUint16(b[:], v)
		buf = append(buf, b[:]...)
	}

	buf = append(buf, []byte("RIFF")...)
	putU32(fileSize)
	buf = append(buf, []byte("WAVE")...)

	buf = append(buf, []byte("fmt ")...)
	putU32(fmtSize)
	putU16(1) // PCM
	putU16(numChannels)
	putU32(sampleRate)
	putU32(uint32(byteRate))
	putU16(uint16(blockAlign))
	putU16(bitsPerSample)

	buf = append(buf, []byte("data")...)
	putU32(dataSize)
	buf = append(buf, pcm...)
	return buf
}

// pcmSamples encodes int16 samples as little-endian bytes.
func pcmSamples(value int16, n int) []byte {
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(value))
	}
	return out
}

func TestIsEmpty_TinyPayload(t *testing.T) {
	t.Parallel()

	if !IsEmpty(make([]byte, 100)) {
		t.Error("100-byte payload should be empty")
	}
	if !IsEmpty(nil) {
		t.Error("nil payload should be empty")
	}
}

func TestIsEmpty_Silence(t *testing.T) {
	t.Parallel()

	// Half a second of digital silence.
	data := buildWAV(pcmSamples(0, 4000))
	if !IsEmpty(data) {
		t.Error("silent recording should be empty")
	}
}

func TestIsEmpty_Speech(t *testing.T) {
	t.Parallel()

	// Half a second at half full-scale amplitude.
	data := buildWAV(pcmSamples(16384, 4000))
	if IsEmpty(data) {
		t.Error("loud recording should not be empty")
	}
}

func TestIsEmpty_TooShort(t *testing.T) {
	t.Parallel()

	// 50 ms of loud audio: above the byte floor, below the duration floor.
	data := buildWAV(pcmSamples(16384, 400))
	if len(data) < minRawBytes {
		t.Fatalf("test payload only %d bytes; raw-size rule would mask the duration rule", len(data))
	}
	if !IsEmpty(data) {
		t.Error("sub-100ms recording should be empty")
	}
}

func TestIsEmpty_UndecodableFailsOpen(t *testing.T) {
	t.Parallel()

	junk := make([]byte, 4096)
	for i := range junk {
		junk[i] = byte(i * 13)
	}
	if IsEmpty(junk) {
		t.Error("undecodable payload must not be classified empty")
	}
}

func TestAnalyze(t *testing.T) {
	t.Parallel()

	data := buildWAV(pcmSamples(16384, 4000))
	info, err := Analyze(data)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if info.Duration != 500*time.Millisecond {
		t.Errorf("duration = %v, want 500ms", info.Duration)
	}
	if info.RMS < 0.49 || info.RMS > 0.51 {
		t.Errorf("rms = %f, want ~0.5", info.RMS)
	}
}
