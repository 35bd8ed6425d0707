package multimodal

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Bitmap is raw media input: RGB pixels or mono float PCM.
type Bitmap struct {
	Type    ChunkType
	Width   int
	Height  int
	RGB     []byte
	Samples []float32
	ID      string
}

// NewImageBitmap wraps packed 8-bit RGB pixels.
func NewImageBitmap(width, height int, rgb []byte) (Bitmap, error) {
	if width <= 0 || height <= 0 || len(rgb) != width*height*3 {
		return Bitmap{}, fmt.Errorf("%w: %dx%d with %d bytes", ErrInvalidImageDimensions, width, height, len(rgb))
	}
	return Bitmap{Type: ChunkImage, Width: width, Height: height, RGB: rgb}, nil
}

// NewAudioBitmap wraps mono PCM samples.
func NewAudioBitmap(samples []float32) (Bitmap, error) {
	if len(samples) == 0 {
		return Bitmap{}, fmt.Errorf("%w: no samples", ErrInvalidAudioSamples)
	}
	return Bitmap{Type: ChunkAudio, Samples: samples}, nil
}

// WithID returns a copy of b tagged with id.
func (b Bitmap) WithID(id string) Bitmap {
	b.ID = id
	return b
}

// LoadImage reads a "WxH:path" argument pointing at raw packed RGB bytes.
func LoadImage(arg string) (Bitmap, error) {
	dims, path, ok := strings.Cut(arg, ":")
	if !ok {
		return Bitmap{}, fmt.Errorf("%w: expected WxH:path, got %q", ErrInvalidImageDimensions, arg)
	}
	ws, hs, ok := strings.Cut(dims, "x")
	if !ok {
		return Bitmap{}, fmt.Errorf("%w: expected WxH, got %q", ErrInvalidImageDimensions, dims)
	}
	w, err := strconv.Atoi(ws)
	if err != nil {
		return Bitmap{}, fmt.Errorf("%w: width %q", ErrInvalidImageDimensions, ws)
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return Bitmap{}, fmt.Errorf("%w: height %q", ErrInvalidImageDimensions, hs)
	}
	rgb, err := os.ReadFile(path)
	if err != nil {
		return Bitmap{}, fmt.Errorf("read image: %w", err)
	}
	bm, err := NewImageBitmap(w, h, rgb)
	if err != nil {
		return Bitmap{}, err
	}
	return bm.WithID(path), nil
}

// LoadAudio reads little-endian float32 PCM from path.
func LoadAudio(path string) (Bitmap, error) {
	f, err := os.Open(path)
	if err != nil {
		return Bitmap{}, fmt.Errorf("read audio: %w", err)
	}
	defer f.Close()
	samples, err := ReadPCM(f)
	if err != nil {
		return Bitmap{}, err
	}
	bm, err := NewAudioBitmap(samples)
	if err != nil {
		return Bitmap{}, err
	}
	return bm.WithID(path), nil
}

// ReadPCM decodes little-endian float32 samples until EOF.
func ReadPCM(r io.Reader) ([]float32, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of float32 samples", ErrInvalidAudioSamples, len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}
