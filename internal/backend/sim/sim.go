// Package sim provides a simulated model runtime: a tiny deterministic
// transformer whose weights are derived from the model name. It exists so
// the generation stack can run and be tested end to end without real model
// weights, while still exercising genuine KV-cache growth, trimming, masks
// and position bookkeeping.
package sim

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/samcharles93/loom/internal/backend"
	"github.com/samcharles93/loom/internal/logger"
)

// Config sizes the simulated model. The zero value picks small defaults
// suitable for tests and the bundled demo models.
type Config struct {
	Vocab  int
	Hidden int
	Layers int
	// StepDelay adds artificial latency to every inference, making
	// mid-step cancellation observable in tests and demos.
	StepDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Vocab <= 0 {
		c.Vocab = 258 // byte-level tokenizer layout: 256 bytes + two terminators
	}
	if c.Hidden <= 0 {
		c.Hidden = 16
	}
	if c.Layers <= 0 {
		c.Layers = 2
	}
	return c
}

// Runtime compiles simulated sessions. Two sessions compiled for the same
// model name have identical weights; distinct names give unrelated models,
// which is how draft/target pairs are produced in tests.
type Runtime struct {
	cfg Config
	log logger.Logger
}

// New returns a simulated runtime.
func New(cfg Config, log logger.Logger) *Runtime {
	if log == nil {
		log = logger.Default()
	}
	return &Runtime{cfg: cfg.withDefaults(), log: log}
}

// Compile derives deterministic weights from the model name and returns a
// fresh session with an empty recurrent state.
func (r *Runtime) Compile(ctx context.Context, model, device string) (backend.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := backend.NormalizeDevice(device); err != nil {
		return nil, err
	}
	w := newWeights(r.cfg, modelSeed(model))
	r.log.Debug("compiled simulated model",
		"model", model, "device", device,
		"vocab", r.cfg.Vocab, "hidden", r.cfg.Hidden, "layers", r.cfg.Layers)
	return &session{
		w:      w,
		delay:  r.cfg.StepDelay,
		cache:  backend.NewKVCache(r.cfg.Layers, r.cfg.Hidden),
		inputs: make(map[string]*backend.Tensor),
	}, nil
}

func modelSeed(model string) int64 {
	h := fnv.New64a()
	h.Write([]byte(model))
	return int64(h.Sum64())
}

// mat is a dense row-major float32 matrix.
type mat struct {
	r, c int
	data []float32
}

func randMat(rng *rand.Rand, r, c int) mat {
	m := mat{r: r, c: c, data: make([]float32, r*c)}
	scale := 1 / float32(math.Sqrt(float64(c)))
	for i := range m.data {
		m.data[i] = (rng.Float32()*2 - 1) * scale
	}
	return m
}

func (m mat) row(i int) []float32 {
	return m.data[i*m.c : (i+1)*m.c]
}

// weights holds the model parameters: embeddings, per-layer attention
// projections and the output head.
type weights struct {
	vocab, hidden int
	emb           mat   // vocab x hidden
	wq, wk, wv    []mat // per layer, hidden x hidden
	out           mat   // vocab x hidden (row per token for a fast dot)
}

func newWeights(cfg Config, seed int64) *weights {
	rng := rand.New(rand.NewSource(seed))
	w := &weights{
		vocab:  cfg.Vocab,
		hidden: cfg.Hidden,
		emb:    randMat(rng, cfg.Vocab, cfg.Hidden),
		out:    randMat(rng, cfg.Vocab, cfg.Hidden),
	}
	for l := 0; l < cfg.Layers; l++ {
		w.wq = append(w.wq, randMat(rng, cfg.Hidden, cfg.Hidden))
		w.wk = append(w.wk, randMat(rng, cfg.Hidden, cfg.Hidden))
		w.wv = append(w.wv, randMat(rng, cfg.Hidden, cfg.Hidden))
	}
	return w
}

type session struct {
	w     *weights
	delay time.Duration
	cache *backend.KVCache

	mu        sync.Mutex
	inputs    map[string]*backend.Tensor
	outputs   map[string]*backend.Tensor
	done      chan error
	cancel    chan struct{}
	cancelled bool
	closed    bool
}

func (s *session) SetInput(name string, t *backend.Tensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.ErrClosed
	}
	switch name {
	case backend.InputIDs, backend.AttentionMask, backend.PositionIDs:
		s.inputs[name] = t
		return nil
	default:
		return fmt.Errorf("%w: %q", backend.ErrUnknownTensor, name)
	}
}

func (s *session) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	return s.Wait(ctx)
}

func (s *session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.ErrClosed
	}
	if s.done != nil {
		return backend.ErrInFlight
	}
	s.done = make(chan error, 1)
	s.cancel = make(chan struct{})
	s.cancelled = false
	go s.forward(s.done, s.cancel)
	return nil
}

func (s *session) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return backend.ErrNotRunning
	}
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		s.signal()
		err = <-done
		if err == nil {
			err = backend.ErrCancelled
		}
	}
	s.mu.Lock()
	s.done, s.cancel = nil, nil
	s.mu.Unlock()
	return err
}

func (s *session) Cancel() {
	s.signal()
}

func (s *session) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil && !s.cancelled {
		close(s.cancel)
		s.cancelled = true
	}
}

func (s *session) Output(name string) (*backend.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, backend.ErrClosed
	}
	t, ok := s.outputs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", backend.ErrUnknownTensor, name)
	}
	return t, nil
}

func (s *session) StateLen() int {
	return s.cache.Len()
}

func (s *session) TrimTo(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.ErrClosed
	}
	return s.cache.TrimTo(n)
}

func (s *session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.ErrClosed
	}
	s.cache.Reset()
	s.outputs = nil
	clear(s.inputs)
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.ErrClosed
	}
	s.closed = true
	s.cache.Reset()
	s.outputs = nil
	s.inputs = nil
	return nil
}

func (s *session) forward(done chan<- error, cancel <-chan struct{}) {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-t.C:
		case <-cancel:
			t.Stop()
			done <- backend.ErrCancelled
			return
		}
	}
	select {
	case <-cancel:
		done <- backend.ErrCancelled
		return
	default:
	}
	out, err := s.compute()
	if err != nil {
		done <- err
		return
	}
	s.mu.Lock()
	s.outputs = out
	s.mu.Unlock()
	done <- nil
}

// compute runs one causal forward pass over the staged inputs, position by
// position, appending each position's key/value vectors to the cache before
// attending over it. Batched and one-token-at-a-time passes therefore
// produce identical logits, which the speculative verifier relies on.
func (s *session) compute() (map[string]*backend.Tensor, error) {
	ids, mask, pos, err := s.stagedInputs()
	if err != nil {
		return nil, err
	}
	n := len(ids)
	past := s.cache.Len()
	if len(pos) != n {
		return nil, fmt.Errorf("sim: %d position ids for %d input ids", len(pos), n)
	}
	if len(mask) != past+n {
		return nil, fmt.Errorf("sim: attention mask covers %d positions, want %d past + %d new", len(mask), past, n)
	}
	for i, m := range mask {
		if m != 1 {
			return nil, fmt.Errorf("sim: attention mask position %d is %d, only dense masks are supported", i, m)
		}
	}
	for i, p := range pos {
		if int(p) != past+i {
			return nil, fmt.Errorf("sim: position id %d is %d, want %d", i, p, past+i)
		}
	}

	h := s.w.hidden
	x := make([]float32, h)
	q := make([]float32, h)
	kv := make([]float32, h)
	attn := make([]float32, h)
	logits := make([]float32, n*s.w.vocab)

	for i := 0; i < n; i++ {
		tok := int(ids[i])
		if tok < 0 || tok >= s.w.vocab {
			return nil, fmt.Errorf("sim: token id %d outside vocabulary of %d", tok, s.w.vocab)
		}
		copy(x, s.w.emb.row(tok))
		for l := 0; l < len(s.w.wq); l++ {
			matvec(s.w.wq[l], x, q)
			matvec(s.w.wk[l], x, kv)
			if err := s.cache.Append(backend.CacheKey{Layer: l, Role: backend.RoleKey}, kv); err != nil {
				return nil, err
			}
			matvec(s.w.wv[l], x, kv)
			if err := s.cache.Append(backend.CacheKey{Layer: l, Role: backend.RoleValue}, kv); err != nil {
				return nil, err
			}
			if err := s.attend(l, q, attn); err != nil {
				return nil, err
			}
			for j := range x {
				x[j] += attn[j]
			}
		}
		row := logits[i*s.w.vocab : (i+1)*s.w.vocab]
		for t := 0; t < s.w.vocab; t++ {
			row[t] = dot(x, s.w.out.row(t))
		}
	}

	out, err := backend.NewF32([]int{1, n, s.w.vocab}, logits)
	if err != nil {
		return nil, err
	}
	return map[string]*backend.Tensor{backend.Logits: out}, nil
}

func (s *session) stagedInputs() (ids, mask, pos []int64, err error) {
	s.mu.Lock()
	tIDs := s.inputs[backend.InputIDs]
	tMask := s.inputs[backend.AttentionMask]
	tPos := s.inputs[backend.PositionIDs]
	s.mu.Unlock()
	for _, in := range []struct {
		name string
		t    *backend.Tensor
	}{
		{backend.InputIDs, tIDs},
		{backend.AttentionMask, tMask},
		{backend.PositionIDs, tPos},
	} {
		if in.t == nil {
			return nil, nil, nil, fmt.Errorf("sim: input %q not staged", in.name)
		}
		if in.t.DType != backend.I64 {
			return nil, nil, nil, fmt.Errorf("sim: input %q must be i64", in.name)
		}
	}
	if len(tIDs.Ints) == 0 {
		return nil, nil, nil, fmt.Errorf("sim: empty input_ids")
	}
	return tIDs.Ints, tMask.Ints, tPos.Ints, nil
}

// attend computes softmax(q . k_p / sqrt(h)) weighted sum of cached values
// for layer l, over every cached position including the current one.
func (s *session) attend(l int, q, out []float32) error {
	n := s.cache.Len()
	pending := 0
	// Append for the current position may not have advanced the shared
	// length yet when earlier layers run; derive the true count from the
	// layer's own key buffer.
	if _, err := s.cache.Position(backend.CacheKey{Layer: l, Role: backend.RoleKey}, n); err == nil {
		pending = 1
	}
	total := n + pending
	invSqrt := 1 / float32(math.Sqrt(float64(len(q))))
	scores := make([]float64, total)
	var maxScore float64 = math.Inf(-1)
	for p := 0; p < total; p++ {
		k, err := s.cache.Position(backend.CacheKey{Layer: l, Role: backend.RoleKey}, p)
		if err != nil {
			return err
		}
		sc := float64(dot(q, k) * invSqrt)
		scores[p] = sc
		if sc > maxScore {
			maxScore = sc
		}
	}
	var sum float64
	for p := range scores {
		scores[p] = math.Exp(scores[p] - maxScore)
		sum += scores[p]
	}
	for j := range out {
		out[j] = 0
	}
	for p := 0; p < total; p++ {
		v, err := s.cache.Position(backend.CacheKey{Layer: l, Role: backend.RoleValue}, p)
		if err != nil {
			return err
		}
		wgt := float32(scores[p] / sum)
		for j := range out {
			out[j] += wgt * v[j]
		}
	}
	return nil
}

func matvec(m mat, x, out []float32) {
	for i := 0; i < m.r; i++ {
		out[i] = dot(m.row(i), x)
	}
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
