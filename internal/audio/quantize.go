package audio

import (
	"encoding/binary"
	"math"
)

// Sample is a floating point PCM sample as produced by the Web Audio API or
// decoded from JSON.
type Sample interface {
	~float32 | ~float64
}

// Quantize converts normalized float samples into 16-bit signed
// little-endian PCM. Each sample is clamped to [-1, 1], scaled by 32767 and
// truncated toward negative infinity.
func Quantize[T Sample](samples []T) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(QuantizeSample(float64(s))))
	}
	return out
}

// QuantizeSample converts a single normalized sample to int16.
func QuantizeSample(x float64) int16 {
	if math.IsNaN(x) {
		return 0
	}
	if x > 1 {
		x = 1
	} else if x < -1 {
		x = -1
	}
	return int16(math.Floor(x * 32767))
}

// Dequantize converts 16-bit signed little-endian PCM back into normalized
// samples (v / 32767). A trailing odd byte is ignored.
func Dequantize(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float64(v) / 32767
	}
	return out
}
