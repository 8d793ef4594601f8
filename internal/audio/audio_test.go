package audio

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestQuantizeSample(t *testing.T) {
	tests := []struct {
		in   float64
		want int16
	}{
		{0, 0},
		{1, 32767},
		{-1, -32767},
		{1.5, 32767},
		{-7, -32767},
		{0.5, 16383},
		{-0.5, -16384},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := QuantizeSample(tt.in); got != tt.want {
			t.Errorf("QuantizeSample(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestQuantizeLittleEndian(t *testing.T) {
	pcm := Quantize([]float32{1, -1, 0})
	if len(pcm) != 6 {
		t.Fatalf("len = %d, want 6", len(pcm))
	}
	if v := int16(binary.LittleEndian.Uint16(pcm[0:])); v != 32767 {
		t.Errorf("sample 0 = %d", v)
	}
	if v := int16(binary.LittleEndian.Uint16(pcm[2:])); v != -32767 {
		t.Errorf("sample 1 = %d", v)
	}
	if pcm[4] != 0 || pcm[5] != 0 {
		t.Errorf("sample 2 = %v", pcm[4:6])
	}
}

func TestQuantizeRoundTripWithinOneLSB(t *testing.T) {
	for v := math.MinInt16; v <= math.MaxInt16; v += 7 {
		x := float64(v) / 32767
		got := int(QuantizeSample(x))
		if d := got - v; d < -1 || d > 1 {
			t.Fatalf("round trip of %d gave %d", v, got)
		}
	}

	pcm := Quantize([]float64{0.25, -0.25, 0.999})
	back := Quantize(Dequantize(pcm))
	for i := 0; i < len(pcm); i += 2 {
		a := int16(binary.LittleEndian.Uint16(pcm[i:]))
		b := int16(binary.LittleEndian.Uint16(back[i:]))
		if d := int(a) - int(b); d < -1 || d > 1 {
			t.Errorf("sample %d drifted: %d -> %d", i/2, a, b)
		}
	}
}

func TestChunkBytes(t *testing.T) {
	if got := Canonical.ChunkBytes(100); got != 3200 {
		t.Errorf("ChunkBytes(100) = %d, want 3200", got)
	}
	if got := Canonical.BytesPerSecond(); got != 32000 {
		t.Errorf("BytesPerSecond = %d, want 32000", got)
	}
}

func TestWAVWriterPatchesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "backup.wav")
	w, err := CreateWAV(path, Canonical)
	if err != nil {
		t.Fatalf("CreateWAV: %v", err)
	}
	if _, err := w.Write(make([]byte, 3200)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := w.Write(make([]byte, 800)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := w.Write([]byte{1}); err == nil {
		t.Fatal("expected write after close to fail")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != wavHeaderSize+4000 {
		t.Fatalf("file size = %d", len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" || string(data[36:40]) != "data" {
		t.Fatalf("bad chunk ids: %q", data[:44])
	}
	if got := binary.LittleEndian.Uint32(data[4:8]); got != 36+4000 {
		t.Errorf("riff size = %d", got)
	}
	if got := binary.LittleEndian.Uint32(data[40:44]); got != 4000 {
		t.Errorf("data size = %d", got)
	}
	if got := binary.LittleEndian.Uint32(data[24:28]); got != 16000 {
		t.Errorf("sample rate = %d", got)
	}
	if got := binary.LittleEndian.Uint16(data[22:24]); got != 1 {
		t.Errorf("channels = %d", got)
	}
}

func TestEncodeWAV(t *testing.T) {
	out := EncodeWAV([]byte{1, 2, 3, 4}, Canonical)
	if len(out) != wavHeaderSize+4 {
		t.Fatalf("len = %d", len(out))
	}
	if got := binary.LittleEndian.Uint32(out[40:44]); got != 4 {
		t.Errorf("data size = %d", got)
	}
}
