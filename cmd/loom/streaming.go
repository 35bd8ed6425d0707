package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

type StreamMode string

const (
	StreamInstant StreamMode = "instant"
	StreamSmooth  StreamMode = "smooth"
	StreamQuiet   StreamMode = "quiet"
)

func ParseStreamMode(s string) (StreamMode, error) {
	switch m := StreamMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return StreamInstant, nil
	case StreamInstant, StreamSmooth, StreamQuiet:
		return m, nil
	default:
		return "", fmt.Errorf("unknown stream mode %q (expected instant, smooth or quiet)", s)
	}
}

// StreamWriter prints generated text as it arrives. Smooth mode batches
// pieces until a newline, a size threshold or the flush interval; quiet mode
// prints everything on Flush.
type StreamWriter struct {
	mode StreamMode
	out  *bufio.Writer
	// raw escapes control characters so output stays on one line.
	raw bool

	mu            sync.Mutex
	pending       int
	lastFlush     time.Time
	flushInterval time.Duration
	flushBytes    int
	text          strings.Builder
}

func NewStreamWriter(w io.Writer, mode StreamMode, raw bool) *StreamWriter {
	return &StreamWriter{
		mode:          mode,
		out:           bufio.NewWriterSize(w, 4096),
		raw:           raw,
		lastFlush:     time.Now(),
		flushInterval: 50 * time.Millisecond,
		flushBytes:    32,
	}
}

// Write is an inference.StreamFunc.
func (w *StreamWriter) Write(piece string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.text.WriteString(piece)
	if w.mode == StreamQuiet {
		return
	}
	w.emit(piece)
	w.pending += len(piece)
	if w.mode == StreamInstant ||
		w.pending >= w.flushBytes ||
		strings.Contains(piece, "\n") ||
		time.Since(w.lastFlush) >= w.flushInterval {
		w.flush()
	}
}

// Flush writes anything still buffered and returns the full text seen so far.
func (w *StreamWriter) Flush() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mode == StreamQuiet {
		w.emit(w.text.String())
	}
	w.flush()
	return w.text.String()
}

func (w *StreamWriter) emit(s string) {
	if w.raw {
		s = escapeRawOutput(s)
	}
	_, _ = w.out.WriteString(s)
}

func (w *StreamWriter) flush() {
	_ = w.out.Flush()
	w.pending = 0
	w.lastFlush = time.Now()
}

func escapeRawOutput(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\\':
			b.WriteString(`\\`)
		default:
			if strconv.IsPrint(r) {
				b.WriteRune(r)
			} else {
				fmt.Fprintf(&b, `\u%04x`, r)
			}
		}
	}
	return b.String()
}
