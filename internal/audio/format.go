// Package audio holds the canonical PCM encoding used across a capture session
// and the helpers that convert into it.
package audio

import "fmt"

// EncodingPCM16LE is the encoding name advertised in the relay handshake.
const EncodingPCM16LE = "pcm_s16le"

// Format describes a fixed PCM encoding. All chunks of one session share a
// single Format.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	Encoding      string
}

// Canonical is mono 16-bit signed little-endian PCM at 16 kHz.
var Canonical = Format{
	SampleRate:    16000,
	Channels:      1,
	BitsPerSample: 16,
	Encoding:      EncodingPCM16LE,
}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// BlockAlign returns the number of bytes in one sample frame.
func (f Format) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

// ChunkBytes returns the size of a chunk holding ms milliseconds of audio,
// rounded down to a whole sample frame.
func (f Format) ChunkBytes(ms int) int {
	n := f.BytesPerSecond() * ms / 1000
	if align := f.BlockAlign(); align > 0 {
		n -= n % align
	}
	return n
}

func (f Format) String() string {
	return fmt.Sprintf("%s %dHz %dch %dbit", f.Encoding, f.SampleRate, f.Channels, f.BitsPerSample)
}
