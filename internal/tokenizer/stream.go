package tokenizer

import (
	"errors"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// StreamDecoder assembles token pieces into valid UTF-8 text. A piece may
// end inside a multi-byte character; those trailing bytes are held back
// until a later piece completes them. Output never contains invalid UTF-8:
// bytes that can never form a character come out as U+FFFD.
type StreamDecoder struct {
	t       transform.Transformer
	pending []byte
	dst     []byte
}

func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{
		t:       unicode.UTF8.NewDecoder(),
		pending: make([]byte, 0, 8),
	}
}

// Write feeds one piece and returns the text completed by it. The returned
// slice is only valid until the next call.
func (d *StreamDecoder) Write(piece []byte) []byte {
	if len(piece) == 0 {
		return nil
	}
	d.pending = append(d.pending, piece...)
	return d.transform(false)
}

// WriteString is Write returning a string copy.
func (d *StreamDecoder) WriteString(piece []byte) string {
	return string(d.Write(piece))
}

// Pending reports how many bytes are held back.
func (d *StreamDecoder) Pending() int {
	return len(d.pending)
}

// Finish drops any incomplete trailing bytes and returns how many were
// dropped. The decoder is ready for reuse afterwards.
func (d *StreamDecoder) Finish() int {
	n := len(d.pending)
	d.pending = d.pending[:0]
	d.t.Reset()
	return n
}

func (d *StreamDecoder) transform(atEOF bool) []byte {
	// a replaced byte grows to three
	if need := 3 * len(d.pending); cap(d.dst) < need {
		d.dst = make([]byte, need)
	}
	d.dst = d.dst[:cap(d.dst)]
	nDst, nSrc, err := d.t.Transform(d.dst, d.pending, atEOF)
	if err != nil && !errors.Is(err, transform.ErrShortSrc) {
		// ErrShortDst cannot occur with the sizing above; keep the input
		// for the next call rather than losing it.
		return nil
	}
	rest := copy(d.pending, d.pending[nSrc:])
	d.pending = d.pending[:rest]
	return d.dst[:nDst]
}
