package logits

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"time"
)

// ErrNoVocab is returned when a score vector is empty. A model that reports a
// zero-sized vocabulary is misconfigured, so this is raised before any draw.
var ErrNoVocab = errors.New("logits: score vector is empty")

// ScoredToken pairs a vocabulary index with its score. The score is mutated
// in place as the token moves through the sampling pipeline.
type ScoredToken struct {
	ID    int
	Score float32
}

// SamplerConfig configures the behaviour of a Sampler.
//
// When DoSample is false the sampler is greedy: Select returns the arg-max
// over the unmodified score vector and every other field is ignored.
type SamplerConfig struct {
	DoSample      bool
	Seed          int64
	Temperature   float32
	TopK          int
	TopP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

// Sampler draws token ids from logit vectors. Its random source is seeded
// once at construction and persists across calls: draws are reproducible per
// seed, but successive calls continue the same stream rather than restarting
// it. A Sampler is not safe for concurrent use.
type Sampler struct {
	cfg   SamplerConfig
	rng   *rand.Rand
	pairs []ScoredToken
	probs []float64
}

// NewSampler returns a Sampler for cfg. A negative seed selects a
// time-derived seed, making draws non-deterministic across processes.
func NewSampler(cfg SamplerConfig) *Sampler {
	seed := cfg.Seed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	return NewSamplerWithSource(cfg, rand.NewSource(seed))
}

// NewSamplerWithSource returns a Sampler drawing from an explicit random
// source. Callers that need full control over determinism (or one generator
// per worker) inject their own source here.
func NewSamplerWithSource(cfg SamplerConfig, src rand.Source) *Sampler {
	return &Sampler{cfg: cfg, rng: rand.New(src)}
}

// Select chooses one token id from scores, given the token history of the
// current run. With DoSample=false it returns the arg-max over the full,
// unmodified vocabulary. Otherwise the pipeline runs in fixed order:
//
//  1. Repetition penalty over the last min(len(history), RepeatLastN) ids.
//  2. Temperature scaling.
//  3. Pairing scores with their vocabulary indices.
//  4. Top-k filtering (only when 0 < TopK < vocab).
//  5. Top-p filtering (only when 0 < TopP < 1).
//  6. Softmax over the survivors.
//  7. One draw from the resulting distribution.
//
// Steps 1 and 2 mutate scores in place.
func (s *Sampler) Select(scores []float32, history []int) (int, error) {
	if len(scores) == 0 {
		return 0, ErrNoVocab
	}
	if !s.cfg.DoSample {
		return argmax(scores), nil
	}

	penalize(scores, history, s.cfg.RepeatPenalty, s.cfg.RepeatLastN)
	scaleTemperature(scores, s.cfg.Temperature)

	pairs := pair(scores, s.pairs[:0])
	sorted := false
	if k := s.cfg.TopK; k > 0 && k < len(pairs) {
		pairs = topK(pairs, k)
		sorted = true
	}
	if p := s.cfg.TopP; p > 0 && p < 1 {
		if !sorted {
			sortByScore(pairs)
		}
		var cut int
		cut, s.probs = topP(pairs, p, s.probs[:0])
		pairs = pairs[:cut]
	}
	probs := softmax(pairs, s.probs[:0])
	s.pairs, s.probs = pairs, probs

	r := s.rng.Float64()
	var c float64
	for i, p := range probs {
		c += p
		if r <= c {
			return pairs[i].ID, nil
		}
	}
	return pairs[len(pairs)-1].ID, nil
}

// argmax returns the index of the maximum value. Ties resolve to the lowest
// index. The caller guarantees a non-empty slice.
func argmax(x []float32) int {
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// penalize applies the repetition penalty to every occurrence in the history
// window: positive scores are divided by penalty, non-positive multiplied.
// A token appearing twice in the window is adjusted twice, once per
// occurrence. A penalty of 1 (or zero/negative) disables the step, as does
// an empty window.
func penalize(scores []float32, history []int, penalty float32, lastN int) {
	if penalty <= 0 || penalty == 1 || lastN <= 0 || len(history) == 0 {
		return
	}
	start := max(len(history)-lastN, 0)
	for _, id := range history[start:] {
		if id < 0 || id >= len(scores) {
			continue
		}
		if scores[id] > 0 {
			scores[id] /= penalty
		} else {
			scores[id] *= penalty
		}
	}
}

// scaleTemperature divides every score by t. t <= 0 disables the step.
func scaleTemperature(scores []float32, t float32) {
	if t <= 0 {
		return
	}
	inv := 1 / t
	for i := range scores {
		scores[i] *= inv
	}
}

// pair expands a score vector into (id, score) pairs across the full
// vocabulary, reusing dst's backing array when possible.
func pair(scores []float32, dst []ScoredToken) []ScoredToken {
	for i, v := range scores {
		dst = append(dst, ScoredToken{ID: i, Score: v})
	}
	return dst
}

// topK keeps the k highest-scoring pairs, returned in descending score
// order. Ties are broken by ascending vocabulary index: an equal-scoring
// pair seen later never displaces an earlier one. O(V*K) insertion, fine
// for the small k values used in practice.
func topK(pairs []ScoredToken, k int) []ScoredToken {
	kept := pairs[:0]
	for _, p := range pairs {
		pos := len(kept)
		for pos > 0 && kept[pos-1].Score < p.Score {
			pos--
		}
		if pos >= k {
			continue
		}
		if len(kept) < k {
			kept = append(kept, ScoredToken{})
		}
		copy(kept[pos+1:], kept[pos:])
		kept[pos] = p
	}
	return kept
}

// sortByScore orders pairs by descending score, ties by ascending id.
func sortByScore(pairs []ScoredToken) {
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Score > pairs[j].Score
	})
}

// topP returns the cut length of the smallest prefix of pairs (which must be
// sorted by descending score) whose cumulative softmax probability reaches
// p. At least one pair is always kept. The probs scratch slice is returned
// for reuse.
func topP(pairs []ScoredToken, p float32, probs []float64) (int, []float64) {
	probs = softmax(pairs, probs)
	cut := len(pairs)
	var c float64
	for i, q := range probs {
		c += q
		if c >= float64(p) {
			cut = i + 1
			break
		}
	}
	return cut, probs
}

// softmax converts the pairs' scores into a probability distribution written
// to dst, subtracting the maximum for numerical stability. Running it over a
// top-p survivor prefix is the renormalization step: restricting a softmax to
// a subset and rescaling equals the softmax of the subset's raw scores.
func softmax(pairs []ScoredToken, dst []float64) []float64 {
	maxv := pairs[0].Score
	for _, p := range pairs[1:] {
		if p.Score > maxv {
			maxv = p.Score
		}
	}
	var sum float64
	for _, p := range pairs {
		e := math.Exp(float64(p.Score - maxv))
		dst = append(dst, e)
		sum += e
	}
	inv := 1 / sum
	for i := range dst {
		dst[i] *= inv
	}
	return dst
}
