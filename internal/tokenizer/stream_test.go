package tokenizer

import (
	"strings"
	"testing"
)

func putAll(t *testing.T, b *StreamBuffer, ids []int) string {
	t.Helper()
	var sb strings.Builder
	for _, id := range ids {
		frag, err := b.Put(id)
		if err != nil {
			t.Fatalf("Put(%d): %v", id, err)
		}
		sb.WriteString(frag)
	}
	return sb.String()
}

// TestStreamAscii emits plain bytes immediately, one fragment per token.
func TestStreamAscii(t *testing.T) {
	bt := NewByte()
	b := NewStreamBuffer(bt)
	frag, err := b.Put('h')
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if frag != "h" {
		t.Fatalf("expected immediate emit, got %q", frag)
	}
	frag, err = b.Put('i')
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if frag != "i" {
		t.Fatalf("expected %q, got %q", "i", frag)
	}
}

// TestStreamWithholdsPartialRune holds back the lead byte of a two-byte
// character until its continuation arrives.
func TestStreamWithholdsPartialRune(t *testing.T) {
	bt := NewByte()
	b := NewStreamBuffer(bt)
	// "é" is 0xC3 0xA9.
	frag, err := b.Put(0xC3)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if frag != "" {
		t.Fatalf("partial rune escaped: %q", frag)
	}
	if b.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", b.Pending())
	}
	frag, err = b.Put(0xA9)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if frag != "é" {
		t.Fatalf("expected completed rune, got %q", frag)
	}
}

// TestStreamFourByteRune withholds three lead bytes of an emoji.
func TestStreamFourByteRune(t *testing.T) {
	bt := NewByte()
	b := NewStreamBuffer(bt)
	owl := []byte("🦉")
	if len(owl) != 4 {
		t.Fatalf("fixture: owl is %d bytes", len(owl))
	}
	for i := 0; i < 3; i++ {
		frag, err := b.Put(int(owl[i]))
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if frag != "" {
			t.Fatalf("byte %d escaped early: %q", i, frag)
		}
	}
	frag, err := b.Put(int(owl[3]))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if frag != "🦉" {
		t.Fatalf("expected emoji, got %q", frag)
	}
}

// TestStreamFlushEmitsTail forces out an incomplete tail at end of stream.
func TestStreamFlushEmitsTail(t *testing.T) {
	bt := NewByte()
	b := NewStreamBuffer(bt)
	putAll(t, b, []int{'o', 'k', 0xC3})
	tail, err := b.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if tail != "\xC3" {
		t.Fatalf("expected raw tail, got %q", tail)
	}
	// Buffer is reusable after a flush.
	frag, err := b.Put('x')
	if err != nil {
		t.Fatalf("Put after Flush: %v", err)
	}
	if frag != "x" {
		t.Fatalf("expected fresh sequence, got %q", frag)
	}
}

// TestStreamInvalidByteNotStuck lets definitively invalid bytes through
// instead of withholding them forever.
func TestStreamInvalidByteNotStuck(t *testing.T) {
	bt := NewByte()
	b := NewStreamBuffer(bt)
	frag, err := b.Put(0xFF)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if frag != "\xFF" {
		t.Fatalf("invalid byte withheld: %q", frag)
	}
}

// TestStreamTerminatorsRenderNothing keeps the watermark stable across
// terminator ids.
func TestStreamTerminatorsRenderNothing(t *testing.T) {
	bt := NewByte()
	b := NewStreamBuffer(bt)
	got := putAll(t, b, []int{'a', EOS})
	if got != "a" {
		t.Fatalf("expected %q, got %q", "a", got)
	}
	tail, err := b.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if tail != "" {
		t.Fatalf("expected empty tail, got %q", tail)
	}
}

// TestStreamMatchesWholeDecode is the chunking-idempotence property: the
// concatenation of every emitted fragment plus the final flush equals the
// one-shot decode of the full sequence.
func TestStreamMatchesWholeDecode(t *testing.T) {
	bt := NewByte()
	texts := []string{
		"plain ascii only",
		"héllo wörld",
		"日本語のテキスト",
		"emoji 🦉 in the middle",
		"trailing é",
	}
	for _, text := range texts {
		ids, err := bt.Encode(text, 0)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		b := NewStreamBuffer(bt)
		streamed := putAll(t, b, ids)
		tail, err := b.Flush()
		if err != nil {
			t.Fatalf("Flush: %v", err)
		}
		whole, err := bt.Decode(ids)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if streamed+tail != whole {
			t.Fatalf("%q: streamed %q + tail %q != whole %q", text, streamed, tail, whole)
		}
	}
}

// TestStreamReset discards pending state without emitting.
func TestStreamReset(t *testing.T) {
	bt := NewByte()
	b := NewStreamBuffer(bt)
	putAll(t, b, []int{'a', 0xC3})
	b.Reset()
	tail, err := b.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if tail != "" {
		t.Fatalf("expected nothing after reset, got %q", tail)
	}
}
