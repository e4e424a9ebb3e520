package tokenizer

import "unicode/utf8"

// StreamBuffer turns a token id stream into printable text fragments. It
// keeps the cumulative decode of every id seen so far and a watermark of how
// much has been emitted, because a token's rendering can depend on what came
// before it and one character can span several tokens. A fragment ending in
// an incomplete multi-byte sequence is withheld until the next token or the
// final flush completes it; nothing is ever dropped.
type StreamBuffer struct {
	dec     Decoder
	cache   []int
	printed int
}

// NewStreamBuffer returns a buffer decoding through dec.
func NewStreamBuffer(dec Decoder) *StreamBuffer {
	return &StreamBuffer{dec: dec}
}

// Put appends one token and returns whatever new text became safe to emit.
// The empty string means the tail is still incomplete, not that the token
// rendered to nothing.
func (b *StreamBuffer) Put(id int) (string, error) {
	b.cache = append(b.cache, id)
	text, err := b.dec.Decode(b.cache)
	if err != nil {
		return "", err
	}
	safe := len(text) - incompleteTail(text)
	if safe <= b.printed {
		return "", nil
	}
	out := text[b.printed:safe]
	b.printed = safe
	return out, nil
}

// Flush emits everything not yet printed, incomplete tail included, and
// resets the buffer for a new sequence.
func (b *StreamBuffer) Flush() (string, error) {
	text, err := b.dec.Decode(b.cache)
	if err != nil {
		return "", err
	}
	out := ""
	if b.printed < len(text) {
		out = text[b.printed:]
	}
	b.Reset()
	return out, nil
}

// Reset discards all buffered state without emitting.
func (b *StreamBuffer) Reset() {
	b.cache = b.cache[:0]
	b.printed = 0
}

// Pending reports how many bytes are currently withheld.
func (b *StreamBuffer) Pending() int {
	text, err := b.dec.Decode(b.cache)
	if err != nil {
		return 0
	}
	return len(text) - b.printed
}

// incompleteTail returns how many trailing bytes of s form the start of a
// UTF-8 sequence whose continuation has not arrived yet. Definitively
// invalid bytes count as complete: they are emitted as-is rather than
// withheld forever.
func incompleteTail(s string) int {
	n := len(s)
	for i := 1; i <= utf8.UTFMax && i <= n; i++ {
		b := s[n-i]
		if b < 0x80 {
			return 0
		}
		if b >= 0xC0 {
			if i < sequenceLen(b) {
				return i
			}
			return 0
		}
		// continuation byte, keep scanning backwards
	}
	return 0
}

func sequenceLen(b byte) int {
	switch {
	case b&0xE0 == 0xC0:
		return 2
	case b&0xF0 == 0xE0:
		return 3
	case b&0xF8 == 0xF0:
		return 4
	default:
		return 1
	}
}
