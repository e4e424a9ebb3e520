package tokenizer

import "fmt"

// Byte-level vocabulary layout: one token per byte value, then the special
// ids. Multi-byte UTF-8 characters split across several tokens, so streamed
// decoding genuinely has to deal with partial characters.
const (
	byteTokens = 256
	// EOS is the primary end-of-sequence id.
	EOS = byteTokens
	// EOT is the alternate turn-end id. Both terminate generation.
	EOT = byteTokens + 1

	byteVocabSize = byteTokens + 2
)

// ByteTokenizer is the reference tokenizer: token id = byte value, plus two
// terminator ids. It needs no vocabulary files, which keeps the simulated
// stack self-contained.
type ByteTokenizer struct{}

// NewByte returns the byte-level tokenizer.
func NewByte() *ByteTokenizer {
	return &ByteTokenizer{}
}

func (bt *ByteTokenizer) Encode(text string, maxLen int) ([]int, error) {
	ids := make([]int, 0, len(text))
	for i := 0; i < len(text); i++ {
		ids = append(ids, int(text[i]))
	}
	if maxLen > 0 && len(ids) > maxLen {
		ids = ids[:maxLen]
	}
	return ids, nil
}

func (bt *ByteTokenizer) Decode(ids []int) (string, error) {
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		switch {
		case id >= 0 && id < byteTokens:
			buf = append(buf, byte(id))
		case id == EOS || id == EOT:
			// terminators carry no text
		default:
			return "", fmt.Errorf("%w: %d", ErrInvalidToken, id)
		}
	}
	return string(buf), nil
}

func (bt *ByteTokenizer) Vocab() int {
	return byteVocabSize
}

func (bt *ByteTokenizer) Terminators() []int {
	return []int{EOS, EOT}
}
