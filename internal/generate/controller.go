package generate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/samcharles93/loom/internal/backend"
	"github.com/samcharles93/loom/internal/logits"
	"github.com/samcharles93/loom/internal/tokenizer"
)

// EndOfStream is the id passed to a streaming callback for the final flush:
// text the detokenizer withheld as an incomplete character and that only
// became emittable when the sequence ended.
const EndOfStream = -1

// TokenFunc is invoked once per produced token with the token id and the
// text that became printable because of it (possibly empty while a
// multi-byte character is still incomplete). Returning false requests early
// termination, observed at the next stopping-condition check.
type TokenFunc func(id int, text string) bool

// Result is the outcome of one generation run. A cancelled run is not an
// error: it carries everything produced up to the cancellation point with
// FinishCancelled.
type Result struct {
	Text         string
	Tokens       []int
	FinishReason FinishReason
	Stats        Stats
}

// Controller drives one inference session through a full-prompt first pass
// and single-token continuation passes, consulting the sampler once per
// turn and enforcing the stopping conditions. It owns the token history and
// run counters for the duration of one Generate call; the session's
// recurrent state is exclusively its to mutate while the call runs.
type Controller struct {
	driver *Driver
	tok    tokenizer.Tokenizer
}

// NewController returns a controller for one session.
func NewController(sess backend.Session, tok tokenizer.Tokenizer) *Controller {
	return &Controller{driver: NewDriver(sess), tok: tok}
}

// Generate runs one prompt to completion. With a nil callback it is a batch
// call: tokens accumulate internally and only the final Result is returned.
// With a callback it streams, one invocation per token.
//
// A model runtime failure aborts the run and is returned wrapped in
// ErrRuntime; the session stays reset-able either way.
func (c *Controller) Generate(ctx context.Context, prompt string, cfg Config, onToken TokenFunc) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if c.tok.Vocab() <= 0 {
		return nil, fmt.Errorf("%w: tokenizer reports vocabulary size %d", ErrInvalidConfig, c.tok.Vocab())
	}
	ids, err := safeEncode(c.tok, prompt)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: empty prompt", ErrInvalidConfig)
	}
	if len(ids) > cfg.ContextLimit {
		return nil, fmt.Errorf("%w: prompt is %d tokens, context limit is %d", ErrInvalidConfig, len(ids), cfg.ContextLimit)
	}

	sampler := logits.NewSampler(cfg.samplerConfig())
	terminators := c.tok.Terminators()
	if err := c.driver.Reset(); err != nil {
		return nil, fmt.Errorf("%w: reset: %v", ErrRuntime, err)
	}

	res := &Result{Stats: Stats{PromptTokens: len(ids)}}
	history := slices.Clone(ids)
	buf := tokenizer.NewStreamBuffer(c.tok)
	var sb strings.Builder

	start := time.Now()
	row, err := c.driver.Prefill(ctx, ids)
	res.Stats.FirstPass = time.Since(start)
	if errors.Is(err, backend.ErrCancelled) {
		return c.finish(res, buf, &sb, FinishCancelled, onToken)
	}
	if err != nil {
		return nil, err
	}

	for {
		next, err := sampler.Select(row, history)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if slices.Contains(terminators, next) {
			return c.finish(res, buf, &sb, FinishStop, onToken)
		}

		history = append(history, next)
		res.Tokens = append(res.Tokens, next)
		res.Stats.GeneratedTokens++

		frag, err := buf.Put(next)
		if err != nil {
			return nil, err
		}
		sb.WriteString(frag)

		if onToken != nil && !onToken(next, frag) {
			return c.finish(res, buf, &sb, FinishCancelled, onToken)
		}
		if ctx.Err() != nil {
			return c.finish(res, buf, &sb, FinishCancelled, onToken)
		}
		if res.Stats.GeneratedTokens >= cfg.MaxNewTokens {
			return c.finish(res, buf, &sb, FinishLength, onToken)
		}
		if c.driver.Len() >= cfg.ContextLimit {
			return c.finish(res, buf, &sb, FinishLength, onToken)
		}

		stepStart := time.Now()
		row, err = c.driver.Step(ctx, next)
		res.Stats.Generation += time.Since(stepStart)
		if errors.Is(err, backend.ErrCancelled) {
			return c.finish(res, buf, &sb, FinishCancelled, onToken)
		}
		if err != nil {
			return nil, err
		}
	}
}

// finish flushes the stream buffer, delivers any withheld tail, and seals
// the result's counters.
func (c *Controller) finish(res *Result, buf *tokenizer.StreamBuffer, sb *strings.Builder, reason FinishReason, onToken TokenFunc) (*Result, error) {
	tail, err := buf.Flush()
	if err != nil {
		return nil, err
	}
	if tail != "" {
		sb.WriteString(tail)
		if onToken != nil {
			onToken(EndOfStream, tail)
		}
	}
	res.Text = sb.String()
	res.FinishReason = reason
	res.Stats.Finish()
	return res, nil
}

// safeEncode shields the run from a panicking tokenizer implementation.
func safeEncode(tok tokenizer.Tokenizer, prompt string) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tok.Encode(prompt, 0)
}
