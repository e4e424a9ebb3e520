package generate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/samcharles93/loom/internal/backend/sim"
	"github.com/samcharles93/loom/internal/tokenizer"
)

func newTestEngine(t *testing.T, cfg sim.Config) *Engine {
	t.Helper()
	return NewEngine(sim.New(cfg, nil), tokenizer.NewByte(), nil)
}

func TestEngineLifecycle(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, sim.Config{})
	if e.Status() != StatusUnloaded {
		t.Fatalf("fresh engine status: %q", e.Status())
	}
	if _, err := e.Generate(context.Background(), "hi", greedyConfig(2), nil); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}

	if err := e.Load(context.Background(), "demo", "cpu"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if e.Status() != StatusLoaded || e.Model() != "demo" {
		t.Fatalf("after load: status %q model %q", e.Status(), e.Model())
	}

	res, err := e.Generate(context.Background(), "hi", greedyConfig(3), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Stats.GeneratedTokens == 0 && res.FinishReason != FinishStop {
		t.Fatalf("empty run: %+v", res)
	}
	perf := e.Perf()
	if perf.Runs != 1 || perf.Load <= 0 {
		t.Fatalf("perf: %+v", perf)
	}

	if err := e.Unload(); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if e.Status() != StatusUnloaded {
		t.Fatalf("after unload: %q", e.Status())
	}
	if err := e.Unload(); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("double unload: %v", err)
	}
}

func TestEngineDeterministicPerSeed(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, sim.Config{})
	if err := e.Load(context.Background(), "demo", "cpu"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Seed = 42
	cfg.MaxNewTokens = 8

	a, err := e.Generate(context.Background(), "once upon", cfg, nil)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	b, err := e.Generate(context.Background(), "once upon", cfg, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(a.Tokens) != len(b.Tokens) {
		t.Fatalf("seeded runs diverged in length: %d vs %d", len(a.Tokens), len(b.Tokens))
	}
	for i := range a.Tokens {
		if a.Tokens[i] != b.Tokens[i] {
			t.Fatalf("seeded runs diverged at %d: %d vs %d", i, a.Tokens[i], b.Tokens[i])
		}
	}
}

func TestEngineBusy(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, sim.Config{StepDelay: 20 * time.Millisecond})
	if err := e.Load(context.Background(), "demo", "cpu"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		once := false
		_, err := e.Generate(ctx, "hello", greedyConfig(50), func(id int, frag string) bool {
			if !once {
				once = true
				close(started)
			}
			return true
		})
		done <- err
	}()

	<-started
	if _, err := e.Generate(context.Background(), "second", greedyConfig(2), nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if e.Status() != StatusLoaded {
		t.Fatalf("status after cancelled run: %q", e.Status())
	}
}

func TestEngineStreamChannel(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, sim.Config{})
	if err := e.Load(context.Background(), "demo", "cpu"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	tokens, end := e.Stream(context.Background(), "stream me", greedyConfig(6))
	var streamed string
	var n int
	for tok := range tokens {
		streamed += tok.Text
		if tok.ID != EndOfStream {
			n++
		}
	}
	fin := <-end
	if fin.Err != nil {
		t.Fatalf("stream end: %v", fin.Err)
	}
	if fin.Result.Text != streamed {
		t.Fatalf("streamed %q, result %q", streamed, fin.Result.Text)
	}
	if n != fin.Result.Stats.GeneratedTokens {
		t.Fatalf("streamed %d tokens, stats say %d", n, fin.Result.Stats.GeneratedTokens)
	}
}

func TestEngineCancelMidStep(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, sim.Config{StepDelay: 30 * time.Millisecond})
	if err := e.Load(context.Background(), "demo", "cpu"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.Generate(context.Background(), "hello", greedyConfig(100), nil)
		done <- outcome{res, err}
	}()

	// Cancellation is only observable while a step is in flight; keep
	// asking until the run ends.
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	var out outcome
waiting:
	for {
		select {
		case out = <-done:
			break waiting
		case <-tick.C:
			e.Cancel()
		}
	}
	if out.err != nil {
		t.Fatalf("cancelled run must not error: %v", out.err)
	}
	if out.res.FinishReason != FinishCancelled {
		t.Fatalf("finish reason: got %q, want %q", out.res.FinishReason, FinishCancelled)
	}
	// Cancellation never invalidates the session.
	if err := e.Reset(); err != nil {
		t.Fatalf("Reset after cancel: %v", err)
	}
	if _, err := e.Generate(context.Background(), "again", greedyConfig(2), nil); err != nil {
		t.Fatalf("generate after cancel: %v", err)
	}
}
