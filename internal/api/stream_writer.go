package api

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// SSEStreamWriter writes server-sent events. Headers are committed on the
// first event, so a request that fails before producing output can still
// be answered with a plain JSON error.
type SSEStreamWriter struct {
	c       *echo.Context
	w       io.Writer
	flusher func()
	begun   bool
	err     error
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	flusher, ok := c.Response().(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	return &SSEStreamWriter{
		c:       c,
		w:       c.Response(),
		flusher: flusher.Flush,
	}, nil
}

func (s *SSEStreamWriter) begin() {
	if s.begun {
		return
	}
	s.begun = true
	res := s.c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
}

func (s *SSEStreamWriter) Started() bool {
	return s.begun
}

// Err returns the first write error. Once set, further sends are dropped.
func (s *SSEStreamWriter) Err() error {
	return s.err
}

func (s *SSEStreamWriter) Send(payload any) error {
	if s.err != nil {
		return s.err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		s.err = err
		return err
	}
	s.begin()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		s.err = err
		return err
	}
	s.flush()
	return nil
}

func (s *SSEStreamWriter) Done() error {
	if s.err != nil {
		return s.err
	}
	s.begin()
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		s.err = err
		return err
	}
	s.flush()
	return nil
}

func (s *SSEStreamWriter) flush() {
	if s.flusher != nil {
		s.flusher()
	}
}
