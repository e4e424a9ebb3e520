package generate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/samcharles93/loom/internal/backend"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/tokenizer"
)

// Status is the engine's lifecycle state.
type Status string

const (
	StatusUnloaded   Status = "unloaded"
	StatusLoaded     Status = "loaded"
	StatusGenerating Status = "generating"
	StatusError      Status = "error"
)

// Engine owns one loaded model session and serializes access to it: exactly
// one generation call may be in flight at a time, a second one is rejected
// with ErrBusy. Load, Unload and Cancel durations are measured into the
// engine's performance record alongside each run's stats.
type Engine struct {
	rt  backend.Runtime
	tok tokenizer.Tokenizer
	log logger.Logger
	sem *semaphore.Weighted

	mu     sync.Mutex
	sess   backend.Session
	ctrl   *Controller
	status Status
	model  string
	perf   Perf
}

// NewEngine returns an engine in the unloaded state.
func NewEngine(rt backend.Runtime, tok tokenizer.Tokenizer, log logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		rt:     rt,
		tok:    tok,
		log:    log,
		sem:    semaphore.NewWeighted(1),
		status: StatusUnloaded,
	}
}

// Load compiles the model and creates its session, measuring the duration.
// Loading over an already loaded model unloads it first.
func (e *Engine) Load(ctx context.Context, model, device string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != nil {
		if err := e.unloadLocked(); err != nil {
			return err
		}
	}
	start := time.Now()
	sess, err := e.rt.Compile(ctx, model, device)
	if err != nil {
		e.status = StatusError
		return fmt.Errorf("%w: compile %s: %v", ErrRuntime, model, err)
	}
	e.perf.Load = time.Since(start)
	e.sess = sess
	e.ctrl = NewController(sess, e.tok)
	e.status = StatusLoaded
	e.model = model
	e.log.Info("model loaded", "model", model, "device", device, "duration", e.perf.Load)
	return nil
}

// Unload closes the session, measuring the duration.
func (e *Engine) Unload() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unloadLocked()
}

func (e *Engine) unloadLocked() error {
	if e.sess == nil {
		return ErrNotLoaded
	}
	start := time.Now()
	err := e.sess.Close()
	e.perf.Unload = time.Since(start)
	e.sess = nil
	e.ctrl = nil
	e.status = StatusUnloaded
	e.log.Info("model unloaded", "model", e.model, "duration", e.perf.Unload)
	e.model = ""
	if err != nil {
		return fmt.Errorf("%w: close: %v", ErrRuntime, err)
	}
	return nil
}

// Generate runs one prompt through the loaded session. It holds the
// engine's single generation slot for the duration of the call; a
// concurrent call gets ErrBusy instead of queueing.
func (e *Engine) Generate(ctx context.Context, prompt string, cfg Config, onToken TokenFunc) (*Result, error) {
	if !e.sem.TryAcquire(1) {
		return nil, ErrBusy
	}
	defer e.sem.Release(1)

	e.mu.Lock()
	ctrl := e.ctrl
	if ctrl == nil {
		e.mu.Unlock()
		return nil, ErrNotLoaded
	}
	e.status = StatusGenerating
	e.mu.Unlock()

	res, err := ctrl.Generate(ctx, prompt, cfg, onToken)

	e.mu.Lock()
	if err != nil {
		e.status = StatusError
	} else {
		e.status = StatusLoaded
		e.perf.Runs++
		e.perf.Last = res.Stats
	}
	e.mu.Unlock()
	return res, err
}

// Token is one streamed output element.
type Token struct {
	ID   int
	Text string
}

// Stream is the pull-style calling mode: it runs Generate in the
// background and returns a buffered token channel plus a result channel
// carrying the final Result or error. Both channels close when the run
// ends; cancel the context to stop early.
func (e *Engine) Stream(ctx context.Context, prompt string, cfg Config) (<-chan Token, <-chan StreamEnd) {
	tokens := make(chan Token, 16)
	end := make(chan StreamEnd, 1)
	go func() {
		defer close(tokens)
		defer close(end)
		res, err := e.Generate(ctx, prompt, cfg, func(id int, text string) bool {
			select {
			case tokens <- Token{ID: id, Text: text}:
				return true
			case <-ctx.Done():
				return false
			}
		})
		end <- StreamEnd{Result: res, Err: err}
	}()
	return tokens, end
}

// StreamEnd terminates a Stream: exactly one is sent per call.
type StreamEnd struct {
	Result *Result
	Err    error
}

// Cancel aborts any in-flight inference call, measuring how long the
// cancellation itself took. The session survives: Reset and reuse is
// always possible afterwards.
func (e *Engine) Cancel() {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess == nil {
		return
	}
	start := time.Now()
	sess.Cancel()
	e.mu.Lock()
	e.perf.Cancel = time.Since(start)
	e.mu.Unlock()
}

// Reset clears the session's recurrent state between independent sequences.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return ErrNotLoaded
	}
	if err := e.sess.Reset(); err != nil {
		return fmt.Errorf("%w: reset: %v", ErrRuntime, err)
	}
	if e.status == StatusError {
		e.status = StatusLoaded
	}
	return nil
}

// Status reports the engine's lifecycle state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Model reports the loaded model reference, empty when unloaded.
func (e *Engine) Model() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

// Perf returns a copy of the engine's performance record.
func (e *Engine) Perf() Perf {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.perf
}
