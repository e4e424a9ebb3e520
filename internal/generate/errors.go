package generate

import "errors"

var (
	// ErrInvalidConfig marks configuration problems that are fatal before
	// any inference call: bad token budgets, prompts over the context
	// limit, a zero-sized vocabulary.
	ErrInvalidConfig = errors.New("generate: invalid configuration")

	// ErrRuntime marks a model runtime failure mid-run. The run is
	// aborted and not retried; the session stays reset-able.
	ErrRuntime = errors.New("generate: inference runtime failure")

	// ErrBusy is returned when a generation call arrives while another
	// one holds the session.
	ErrBusy = errors.New("generate: generation already in flight")

	// ErrNotLoaded is returned when generating without a loaded model.
	ErrNotLoaded = errors.New("generate: model not loaded")
)

// FinishReason states why a run ended. Cancellation is a normal terminal
// state, not an error: the run still returns everything produced so far.
type FinishReason string

const (
	// FinishStop: a terminator id was produced.
	FinishStop FinishReason = "stop"
	// FinishLength: the MaxNewTokens budget was reached.
	FinishLength FinishReason = "length"
	// FinishCancelled: the caller cancelled, via context, Cancel or the
	// streaming callback's stop request.
	FinishCancelled FinishReason = "cancelled"
)
