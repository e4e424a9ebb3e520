package api

import (
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// SSEWriter emits server-sent events: one "data:" line per chunk, flushed
// immediately, closed with the [DONE] sentinel.
type SSEWriter struct {
	w       io.Writer
	flusher func()
}

func NewSSEWriter(c *echo.Context) (*SSEWriter, error) {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	return &SSEWriter{w: res, flusher: flusher.Flush}, nil
}

func (s *SSEWriter) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flusher()
	return nil
}

func (s *SSEWriter) SendError(err error) error {
	return s.Send(map[string]any{"error": err.Error()})
}

// Done terminates the stream.
func (s *SSEWriter) Done() {
	_, _ = fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher()
}
