package generate

import (
	"context"
	"errors"
	"testing"

	"github.com/samcharles93/loom/internal/backend"
	"github.com/samcharles93/loom/internal/tokenizer"
)

// fakeSession serves scripted logits: call i produces a distribution peaked
// at script[i], for every position of that call's input. It tracks its
// recurrent-state length, so the driver's mask and position bookkeeping is
// exercised even though no real model runs.
type fakeSession struct {
	vocab   int
	script  []int
	calls   int
	state   int
	pending int
	failAt  int // 1-based call index that fails, 0 = never
	resets  int
	closed  bool
}

func (s *fakeSession) SetInput(name string, t *backend.Tensor) error {
	if name == backend.InputIDs {
		s.pending = t.Numel()
	}
	return nil
}

func (s *fakeSession) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	return s.Wait(ctx)
}

func (s *fakeSession) Start() error {
	if s.closed {
		return backend.ErrClosed
	}
	return nil
}

func (s *fakeSession) Wait(ctx context.Context) error {
	s.calls++
	if s.failAt == s.calls {
		return errors.New("device lost")
	}
	if ctx.Err() != nil {
		return backend.ErrCancelled
	}
	s.state += s.pending
	return nil
}

func (s *fakeSession) Cancel() {}

func (s *fakeSession) Output(name string) (*backend.Tensor, error) {
	if name != backend.Logits {
		return nil, backend.ErrUnknownTensor
	}
	idx := s.calls - 1
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	data := make([]float32, s.pending*s.vocab)
	for p := 0; p < s.pending; p++ {
		data[p*s.vocab+s.script[idx]] = 10
	}
	return backend.NewF32([]int{1, s.pending, s.vocab}, data)
}

func (s *fakeSession) StateLen() int { return s.state }

func (s *fakeSession) TrimTo(n int) error {
	s.state = n
	return nil
}

func (s *fakeSession) Reset() error {
	s.state = 0
	s.resets++
	return nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

func greedyConfig(maxNew int) Config {
	cfg := DefaultConfig()
	cfg.DoSample = false
	cfg.MaxNewTokens = maxNew
	return cfg
}

func newFake(script ...int) *fakeSession {
	return &fakeSession{vocab: 258, script: script}
}

func TestGenerateStopsOnTerminator(t *testing.T) {
	t.Parallel()
	sess := newFake('h', 'i', tokenizer.EOS)
	c := NewController(sess, tokenizer.NewByte())

	res, err := c.Generate(context.Background(), "ok", greedyConfig(16), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.FinishReason != FinishStop {
		t.Fatalf("finish reason: got %q, want %q", res.FinishReason, FinishStop)
	}
	if res.Text != "hi" {
		t.Fatalf("text: got %q, want %q", res.Text, "hi")
	}
	if len(res.Tokens) != 2 || res.Tokens[0] != 'h' || res.Tokens[1] != 'i' {
		t.Fatalf("tokens: got %v", res.Tokens)
	}
	if res.Stats.PromptTokens != 2 || res.Stats.GeneratedTokens != 2 {
		t.Fatalf("stats: %+v", res.Stats)
	}
	// Prefill, two continuation steps. The third sampled token is the
	// terminator; no call may follow it.
	if sess.calls != 3 {
		t.Fatalf("inference calls: got %d, want 3", sess.calls)
	}
}

func TestGenerateStopsOnAlternateTerminator(t *testing.T) {
	t.Parallel()
	sess := newFake('x', tokenizer.EOT)
	c := NewController(sess, tokenizer.NewByte())

	res, err := c.Generate(context.Background(), "p", greedyConfig(16), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.FinishReason != FinishStop || res.Text != "x" {
		t.Fatalf("got reason %q text %q", res.FinishReason, res.Text)
	}
}

func TestGenerateHaltsAtMaxNewTokens(t *testing.T) {
	t.Parallel()
	sess := newFake('a')
	c := NewController(sess, tokenizer.NewByte())

	res, err := c.Generate(context.Background(), "p", greedyConfig(4), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.FinishReason != FinishLength {
		t.Fatalf("finish reason: got %q, want %q", res.FinishReason, FinishLength)
	}
	if res.Stats.GeneratedTokens != 4 || res.Text != "aaaa" {
		t.Fatalf("got %d tokens, text %q", res.Stats.GeneratedTokens, res.Text)
	}
	// Budget hit right after the fourth sample: prefill + 3 steps.
	if sess.calls != 4 {
		t.Fatalf("inference calls: got %d, want 4", sess.calls)
	}
}

func TestStreamingCallbackPerToken(t *testing.T) {
	t.Parallel()
	sess := newFake('h', 'e', 'y', tokenizer.EOS)
	c := NewController(sess, tokenizer.NewByte())

	var ids []int
	var text string
	res, err := c.Generate(context.Background(), "p", greedyConfig(16), func(id int, frag string) bool {
		ids = append(ids, id)
		text += frag
		return true
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("callback invocations: got %d, want 3", len(ids))
	}
	if text != res.Text {
		t.Fatalf("streamed %q, batch %q", text, res.Text)
	}
}

func TestStreamingCallbackStopRequest(t *testing.T) {
	t.Parallel()
	sess := newFake('a')
	c := NewController(sess, tokenizer.NewByte())

	n := 0
	res, err := c.Generate(context.Background(), "p", greedyConfig(100), func(id int, frag string) bool {
		n++
		return n < 2
	})
	if err != nil {
		t.Fatalf("cancelled run must not error: %v", err)
	}
	if res.FinishReason != FinishCancelled {
		t.Fatalf("finish reason: got %q, want %q", res.FinishReason, FinishCancelled)
	}
	if res.Text != "aa" {
		t.Fatalf("partial text: got %q, want %q", res.Text, "aa")
	}
}

func TestContextCancellation(t *testing.T) {
	t.Parallel()
	sess := newFake('a')
	c := NewController(sess, tokenizer.NewByte())

	ctx, cancel := context.WithCancel(context.Background())
	res, err := c.Generate(ctx, "p", greedyConfig(100), func(id int, frag string) bool {
		cancel()
		return true
	})
	if err != nil {
		t.Fatalf("cancelled run must not error: %v", err)
	}
	if res.FinishReason != FinishCancelled {
		t.Fatalf("finish reason: got %q, want %q", res.FinishReason, FinishCancelled)
	}
	if res.Stats.GeneratedTokens != 1 {
		t.Fatalf("generated: got %d, want 1", res.Stats.GeneratedTokens)
	}
}

func TestRuntimeFailureAborts(t *testing.T) {
	t.Parallel()
	sess := newFake('a')
	sess.failAt = 2
	c := NewController(sess, tokenizer.NewByte())

	_, err := c.Generate(context.Background(), "p", greedyConfig(100), nil)
	if !errors.Is(err, ErrRuntime) {
		t.Fatalf("expected ErrRuntime, got %v", err)
	}
	// The session must stay reset-able after a failure.
	if err := sess.Reset(); err != nil {
		t.Fatalf("Reset after failure: %v", err)
	}
}

func TestPromptOverContextLimit(t *testing.T) {
	t.Parallel()
	sess := newFake('a')
	c := NewController(sess, tokenizer.NewByte())

	cfg := greedyConfig(4)
	cfg.ContextLimit = 3
	_, err := c.Generate(context.Background(), "too long", cfg, nil)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if sess.calls != 0 {
		t.Fatalf("no inference call may run on a config error, got %d", sess.calls)
	}
}

func TestEmptyPrompt(t *testing.T) {
	t.Parallel()
	c := NewController(newFake('a'), tokenizer.NewByte())
	if _, err := c.Generate(context.Background(), "", greedyConfig(4), nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestInvalidConfigs(t *testing.T) {
	t.Parallel()
	base := DefaultConfig()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max new tokens", func(c *Config) { c.MaxNewTokens = 0 }},
		{"zero context limit", func(c *Config) { c.ContextLimit = 0 }},
		{"negative temperature", func(c *Config) { c.Temperature = -1 }},
		{"negative top-k", func(c *Config) { c.TopK = -1 }},
		{"top-p above one", func(c *Config) { c.TopP = 1.5 }},
		{"negative repeat window", func(c *Config) { c.RepeatLastN = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestStreamingWithholdsPartialRune(t *testing.T) {
	t.Parallel()
	// "é" is 0xC3 0xA9: the lead byte alone is not printable yet.
	sess := newFake(0xC3, 0xA9, tokenizer.EOS)
	c := NewController(sess, tokenizer.NewByte())

	var frags []string
	res, err := c.Generate(context.Background(), "p", greedyConfig(16), func(id int, frag string) bool {
		frags = append(frags, frag)
		return true
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(frags) != 2 || frags[0] != "" || frags[1] != "é" {
		t.Fatalf("fragments: got %q", frags)
	}
	if res.Text != "é" {
		t.Fatalf("text: got %q", res.Text)
	}
}
