package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type StreamMode string

const (
	StreamInstant    StreamMode = "instant"
	StreamTypewriter StreamMode = "typewriter"
	StreamQuiet      StreamMode = "quiet"
)

func parseStreamMode(s string) (StreamMode, error) {
	switch StreamMode(s) {
	case StreamInstant, StreamTypewriter, StreamQuiet:
		return StreamMode(s), nil
	default:
		return "", fmt.Errorf("unknown stream mode %q (expected instant, typewriter, or quiet)", s)
	}
}

// StreamWriter prints generated fragments as they arrive. Quiet mode holds
// everything back until Flush so scripts get a single uninterrupted blob.
type StreamWriter struct {
	mode   StreamMode
	out    *bufio.Writer
	text   strings.Builder
	escape bool
}

// NewStreamWriter writes to stdout. With escape set, control characters are
// rendered as backslash escapes, which keeps raw model output copy-pasteable.
func NewStreamWriter(mode StreamMode, escape bool) *StreamWriter {
	return &StreamWriter{
		mode:   mode,
		out:    bufio.NewWriterSize(os.Stdout, 4096),
		escape: escape,
	}
}

// Write handles one decoded fragment.
func (w *StreamWriter) Write(fragment string) {
	w.text.WriteString(fragment)
	switch w.mode {
	case StreamQuiet:
		// held until Flush
	case StreamTypewriter:
		for _, r := range fragment {
			w.writeString(string(r))
			_ = w.out.Flush()
		}
	default:
		w.writeString(fragment)
		_ = w.out.Flush()
	}
}

// Flush writes anything still held and returns the full accumulated text.
func (w *StreamWriter) Flush() string {
	text := w.text.String()
	if w.mode == StreamQuiet {
		w.writeString(text)
	}
	_ = w.out.Flush()
	return text
}

func (w *StreamWriter) writeString(s string) {
	if !w.escape {
		_, _ = w.out.WriteString(s)
		return
	}
	for _, r := range s {
		_, _ = w.out.WriteString(escapeRune(r))
	}
}

func escapeRune(r rune) string {
	switch r {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	case '\\':
		return `\\`
	default:
		if strconv.IsPrint(r) {
			return string(r)
		}
		return fmt.Sprintf(`\u%04x`, r)
	}
}
