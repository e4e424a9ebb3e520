package tokenizer

import "errors"

// ErrInvalidToken is returned when Decode meets an id outside the vocabulary.
var ErrInvalidToken = errors.New("tokenizer: invalid token id")

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	// Encode tokenizes text, keeping at most maxLen leading tokens when
	// maxLen is positive.
	Encode(text string, maxLen int) ([]int, error)
	// Decode renders ids back to text. Terminator ids render as nothing.
	Decode(ids []int) (string, error)
	// Vocab reports the vocabulary size.
	Vocab() int
	// Terminators lists the ids that end a sequence. A model family may
	// define more than one; generation stops on any of them.
	Terminators() []int
}

// Decoder is the subset of Tokenizer the streaming buffer needs.
type Decoder interface {
	Decode(ids []int) (string, error)
}
