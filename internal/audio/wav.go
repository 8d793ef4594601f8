package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const wavHeaderSize = 44

// WAVWriter streams PCM into a RIFF/WAV file. The header is written with
// zero sizes up front and patched on Close, so a crash leaves a file whose
// data is intact but whose header under-reports the length.
type WAVWriter struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	format Format
	size   int64
	closed bool
}

// CreateWAV creates (or truncates) path and writes a placeholder header.
func CreateWAV(path string, format Format) (*WAVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create wav dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}
	if _, err := f.Write(wavHeader(format, 0)); err != nil {
		f.Close()
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return &WAVWriter{f: f, path: path, format: format}, nil
}

// Write appends PCM bytes.
func (w *WAVWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, os.ErrClosed
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

// Path returns the file path.
func (w *WAVWriter) Path() string { return w.path }

// DataBytes returns the number of PCM bytes written so far.
func (w *WAVWriter) DataBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close patches the RIFF and data chunk sizes and closes the file.
func (w *WAVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		w.f.Close()
		return fmt.Errorf("seek wav header: %w", err)
	}
	if _, err := w.f.Write(wavHeader(w.format, w.size)); err != nil {
		w.f.Close()
		return fmt.Errorf("patch wav header: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("sync wav: %w", err)
	}
	return w.f.Close()
}

// EncodeWAV wraps raw PCM in a complete WAV container.
func EncodeWAV(pcm []byte, format Format) []byte {
	buf := make([]byte, 0, wavHeaderSize+len(pcm))
	buf = append(buf, wavHeader(format, int64(len(pcm)))...)
	return append(buf, pcm...)
}

func wavHeader(format Format, dataSize int64) []byte {
	if dataSize > 0xFFFFFFFF-36 {
		dataSize = 0xFFFFFFFF - 36
	}
	buf := make([]byte, wavHeaderSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(format.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(format.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(format.BytesPerSecond()))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(format.BlockAlign()))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(format.BitsPerSample))

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	return buf
}
