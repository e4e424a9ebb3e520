// Package speculative accelerates decoding with a draft/target session
// pair: a cheap draft model proposes a few tokens ahead, the expensive
// target model verifies the whole proposal in one multi-token pass, and
// rejected proposals are resampled from the target's distribution and
// rolled back out of both sessions' recurrent state. The emitted stream is
// always one the target model stands behind.
package speculative

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"time"

	"github.com/samcharles93/loom/internal/backend"
	"github.com/samcharles93/loom/internal/generate"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/logits"
	"github.com/samcharles93/loom/internal/tokenizer"
)

// Config extends the generation configuration with the speculative knobs.
type Config struct {
	generate.Config

	// Lookahead is how many tokens the draft proposes per round (γ).
	Lookahead int
	// MaxRounds bounds the propose/verify loop. Zero means rounds are
	// limited only by the token budget and stopping conditions.
	MaxRounds int
}

// DefaultConfig returns the generation defaults with a lookahead of 5.
func DefaultConfig() Config {
	return Config{Config: generate.DefaultConfig(), Lookahead: 5}
}

func (c Config) validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.Lookahead <= 0 {
		return fmt.Errorf("%w: lookahead %d, want > 0", generate.ErrInvalidConfig, c.Lookahead)
	}
	if c.MaxRounds < 0 {
		return fmt.Errorf("%w: max rounds %d, want >= 0", generate.ErrInvalidConfig, c.MaxRounds)
	}
	return nil
}

// Coordinator drives a draft and a target session in lockstep over one
// shared prompt. Both sessions keep their own KV-cache-bearing recurrent
// state; the coordinator keeps them aligned on the accepted token stream,
// trimming state back whenever a proposal is rejected.
type Coordinator struct {
	draft  *generate.Driver
	target *generate.Driver
	tok    tokenizer.Tokenizer
	log    logger.Logger
}

// New returns a coordinator over the two sessions. Draft and target must
// share the tokenizer's vocabulary.
func New(draft, target backend.Session, tok tokenizer.Tokenizer, log logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Default()
	}
	return &Coordinator{
		draft:  generate.NewDriver(draft),
		target: generate.NewDriver(target),
		tok:    tok,
		log:    log,
	}
}

// run is the mutable state of one Generate call.
type run struct {
	cfg         Config
	res         *generate.Result
	history     []int
	terminators []int
	buf         *tokenizer.StreamBuffer
	sb          strings.Builder
	onToken     generate.TokenFunc
	sampler     *logits.Sampler
	rng         *rand.Rand
	finish      generate.FinishReason
}

// Generate runs one prompt through the propose/verify protocol. The result
// and error contract matches generate.Controller.Generate: cancellation is
// a normal finish reason, runtime failures abort with a wrapped error, and
// both sessions are reset at the end so they can serve a new sequence.
func (c *Coordinator) Generate(ctx context.Context, prompt string, cfg Config, onToken generate.TokenFunc) (*generate.Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if c.tok.Vocab() <= 0 {
		return nil, fmt.Errorf("%w: tokenizer reports vocabulary size %d", generate.ErrInvalidConfig, c.tok.Vocab())
	}
	ids, err := c.tok.Encode(prompt, 0)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: empty prompt", generate.ErrInvalidConfig)
	}
	if len(ids) > cfg.ContextLimit {
		return nil, fmt.Errorf("%w: prompt is %d tokens, context limit is %d", generate.ErrInvalidConfig, len(ids), cfg.ContextLimit)
	}
	if err := c.draft.Reset(); err != nil {
		return nil, fmt.Errorf("%w: reset draft: %v", generate.ErrRuntime, err)
	}
	if err := c.target.Reset(); err != nil {
		return nil, fmt.Errorf("%w: reset target: %v", generate.ErrRuntime, err)
	}

	seed := cfg.Seed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	r := &run{
		cfg:         cfg,
		res:         &generate.Result{Stats: generate.Stats{PromptTokens: len(ids)}},
		history:     slices.Clone(ids),
		terminators: c.tok.Terminators(),
		buf:         tokenizer.NewStreamBuffer(c.tok),
		onToken:     onToken,
		sampler:     logits.NewSampler(samplerConfig(cfg)),
		rng:         rand.New(rand.NewSource(seed)),
	}

	err = c.decode(ctx, r, ids)
	if err != nil {
		_ = c.reset()
		return nil, err
	}
	tail, err := r.buf.Flush()
	if err != nil {
		return nil, err
	}
	if tail != "" {
		r.sb.WriteString(tail)
		if onToken != nil {
			onToken(generate.EndOfStream, tail)
		}
	}
	if err := c.reset(); err != nil {
		return nil, err
	}
	r.res.Text = r.sb.String()
	r.res.FinishReason = r.finish
	r.res.Stats.Finish()
	return r.res, nil
}

func samplerConfig(cfg Config) logits.SamplerConfig {
	return logits.SamplerConfig{
		DoSample:      cfg.DoSample,
		Seed:          cfg.Seed,
		Temperature:   float32(cfg.Temperature),
		TopK:          cfg.TopK,
		TopP:          float32(cfg.TopP),
		RepeatPenalty: float32(cfg.RepeatPenalty),
		RepeatLastN:   cfg.RepeatLastN,
	}
}

// decode runs the propose/verify loop until a stopping condition lands in
// r.finish or an error aborts the run.
func (c *Coordinator) decode(ctx context.Context, r *run, prompt []int) error {
	start := time.Now()
	draftRow, err := c.draft.Prefill(ctx, prompt)
	if err == nil {
		var targetRow []float32
		targetRow, err = c.target.Prefill(ctx, prompt)
		r.res.Stats.FirstPass = time.Since(start)
		if err == nil {
			return c.rounds(ctx, r, draftRow, targetRow)
		}
	} else {
		r.res.Stats.FirstPass = time.Since(start)
	}
	if errors.Is(err, backend.ErrCancelled) {
		r.finish = generate.FinishCancelled
		return nil
	}
	return err
}

func (c *Coordinator) rounds(ctx context.Context, r *run, draftRow, targetRow []float32) error {
	var qScratch, pScratch []float64
	for round := 1; ; round++ {
		roundStart := time.Now()

		// Propose up to Lookahead tokens with the draft, recording the
		// draft's full distribution behind each one. A proposed
		// terminator ends the proposal early; there is nothing to
		// speculate past it.
		proposed := make([]int, 0, r.cfg.Lookahead)
		dists := make([][]float64, 0, r.cfg.Lookahead)
		row := draftRow
		for len(proposed) < r.cfg.Lookahead {
			tok, err := r.sampler.Select(slices.Clone(row), append(r.history, proposed...))
			if err != nil {
				return fmt.Errorf("%w: %v", generate.ErrInvalidConfig, err)
			}
			qScratch = logits.Probs(row, qScratch)
			dists = append(dists, slices.Clone(qScratch))
			proposed = append(proposed, tok)
			if slices.Contains(r.terminators, tok) || len(proposed) == r.cfg.Lookahead {
				break
			}
			row, err = c.draft.Step(ctx, tok)
			if err != nil {
				return c.abort(r, err)
			}
		}
		r.res.Stats.Proposed += len(proposed)

		// One multi-token target pass over the whole proposal. Row j of
		// the output is the target's distribution after consuming
		// proposed[0..j]; the distribution verifying proposed[0] is the
		// one already in hand from the previous round.
		verify, err := c.target.Advance(ctx, proposed)
		if err != nil {
			return c.abort(r, err)
		}

		accepted := 0
		rejected := false
		var replacement int
		pRow := targetRow
		for j, tok := range proposed {
			pScratch = logits.Probs(pRow, pScratch)
			if c.accepts(r, tok, dists[j], pScratch) {
				accepted++
				r.res.Stats.Accepted++
				done, err := c.emit(ctx, r, tok)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			} else {
				rejected = true
				replacement = c.resample(r, dists[j], pScratch)
				break
			}
			if j+1 < len(proposed) {
				pRow, err = rowAt(verify, j)
				if err != nil {
					return err
				}
			}
		}

		base := r.res.Stats.PromptTokens + len(r.res.Tokens)
		if rejected {
			// Roll both sessions back to the accepted prefix, then
			// feed the replacement so their caches cover it.
			if err := c.trim(r, base); err != nil {
				return err
			}
			done, err := c.emit(ctx, r, replacement)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			draftRow, err = c.draft.Step(ctx, replacement)
			if err != nil {
				return c.abort(r, err)
			}
			targetRow, err = c.target.Step(ctx, replacement)
			if err != nil {
				return c.abort(r, err)
			}
		} else {
			// Everything accepted: the target's final row is a free
			// bonus distribution, one extra token for no extra pass.
			bonusRow, err := rowAt(verify, len(proposed)-1)
			if err != nil {
				return err
			}
			bonus := c.pick(r, bonusRow)
			done, err := c.emit(ctx, r, bonus)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			// The draft is a token behind: it never consumed its own
			// last proposal. Catch it up together with the bonus in
			// one pass.
			t, err := c.draft.Advance(ctx, []int{proposed[len(proposed)-1], bonus})
			if err != nil {
				return c.abort(r, err)
			}
			draftRow, err = rowAt(t, 1)
			if err != nil {
				return err
			}
			targetRow, err = c.target.Step(ctx, bonus)
			if err != nil {
				return c.abort(r, err)
			}
		}

		r.res.Stats.Generation += time.Since(roundStart)
		if r.cfg.MaxRounds > 0 && round >= r.cfg.MaxRounds {
			r.finish = generate.FinishLength
			return nil
		}
	}
}

// accepts applies the accept/reject rule for one proposed token. Greedy
// decoding verifies by arg-max equality; stochastic decoding accepts with
// probability min(1, p/q), the standard rejection rule whose emitted stream
// is distributed exactly as the target alone would sample.
func (c *Coordinator) accepts(r *run, tok int, q, p []float64) bool {
	if !r.cfg.DoSample {
		return argmax64(p) == tok
	}
	qp := q[tok]
	if qp <= 0 {
		qp = 1e-12
	}
	ratio := p[tok] / qp
	if ratio >= 1 {
		return true
	}
	return r.rng.Float64() < ratio
}

// resample draws the replacement for a rejected proposal from the residual
// distribution max(0, p-q), renormalized; if the residual vanishes it falls
// back to the target distribution itself.
func (c *Coordinator) resample(r *run, q, p []float64) int {
	if !r.cfg.DoSample {
		return argmax64(p)
	}
	adjusted := make([]float64, len(p))
	var sum float64
	for i := range p {
		d := p[i] - q[i]
		if d > 0 {
			adjusted[i] = d
			sum += d
		}
	}
	if sum <= 0 {
		return drawFrom(r.rng, p)
	}
	for i := range adjusted {
		adjusted[i] /= sum
	}
	return drawFrom(r.rng, adjusted)
}

// pick chooses the bonus token from a raw target logits row.
func (c *Coordinator) pick(r *run, row []float32) int {
	if !r.cfg.DoSample {
		return argmax32(row)
	}
	probs := logits.Probs(row, nil)
	return drawFrom(r.rng, probs)
}

// emit accepts one token into the output stream, running every stopping
// condition. It returns done=true when the run is over.
func (c *Coordinator) emit(ctx context.Context, r *run, tok int) (bool, error) {
	if slices.Contains(r.terminators, tok) {
		r.finish = generate.FinishStop
		return true, nil
	}
	r.history = append(r.history, tok)
	r.res.Tokens = append(r.res.Tokens, tok)
	r.res.Stats.GeneratedTokens++

	frag, err := r.buf.Put(tok)
	if err != nil {
		return false, err
	}
	r.sb.WriteString(frag)

	if r.onToken != nil && !r.onToken(tok, frag) {
		r.finish = generate.FinishCancelled
		return true, nil
	}
	if ctx.Err() != nil {
		r.finish = generate.FinishCancelled
		return true, nil
	}
	if r.res.Stats.GeneratedTokens >= r.cfg.MaxNewTokens {
		r.finish = generate.FinishLength
		return true, nil
	}
	if r.res.Stats.PromptTokens+r.res.Stats.GeneratedTokens >= r.cfg.ContextLimit {
		r.finish = generate.FinishLength
		return true, nil
	}
	return false, nil
}

// trim rolls both sessions' recurrent state back to n positions.
func (c *Coordinator) trim(r *run, n int) error {
	if c.draft.Len() > n {
		if err := c.draft.TrimTo(n); err != nil {
			return fmt.Errorf("%w: trim draft: %v", generate.ErrRuntime, err)
		}
	}
	if c.target.Len() > n {
		if err := c.target.TrimTo(n); err != nil {
			return fmt.Errorf("%w: trim target: %v", generate.ErrRuntime, err)
		}
	}
	return nil
}

// abort maps a step failure: cancellation turns into a normal finish,
// anything else propagates.
func (c *Coordinator) abort(r *run, err error) error {
	if errors.Is(err, backend.ErrCancelled) {
		r.finish = generate.FinishCancelled
		return nil
	}
	return err
}

func (c *Coordinator) reset() error {
	if err := c.draft.Reset(); err != nil {
		return fmt.Errorf("%w: reset draft: %v", generate.ErrRuntime, err)
	}
	if err := c.target.Reset(); err != nil {
		return fmt.Errorf("%w: reset target: %v", generate.ErrRuntime, err)
	}
	return nil
}

func rowAt(t *backend.Tensor, i int) ([]float32, error) {
	row, err := t.FloatRow(i)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", generate.ErrRuntime, err)
	}
	return row, nil
}

func argmax64(x []float64) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

func argmax32(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

func drawFrom(rng *rand.Rand, probs []float64) int {
	r := rng.Float64()
	var c float64
	for i, p := range probs {
		c += p
		if r <= c {
			return i
		}
	}
	return len(probs) - 1
}
