package generate

import "time"

// Stats records the performance counters of one generation run. Durations
// accumulate over the run; speeds are derived once at the end.
type Stats struct {
	PromptTokens    int
	GeneratedTokens int

	// FirstPass is the latency of the full-prompt inference call.
	FirstPass time.Duration
	// Generation is the accumulated latency of every continuation step.
	Generation time.Duration

	// PromptTPS = PromptTokens / FirstPass, in tokens per second.
	PromptTPS float64
	// GenerationTPS = GeneratedTokens / Generation, in tokens per second.
	GenerationTPS float64

	// Speculative runs only: tokens the draft proposed, tokens the target
	// accepted, and their ratio.
	Proposed       int
	Accepted       int
	AcceptanceRate float64
}

// Finish derives the speed and acceptance figures from the accumulated
// counters. Called once, when the run ends.
func (s *Stats) Finish() {
	if s.FirstPass > 0 {
		s.PromptTPS = float64(s.PromptTokens) / s.FirstPass.Seconds()
	}
	if s.Generation > 0 {
		s.GenerationTPS = float64(s.GeneratedTokens) / s.Generation.Seconds()
	}
	if s.Proposed > 0 {
		s.AcceptanceRate = float64(s.Accepted) / float64(s.Proposed)
	}
}

// Perf is the engine-level performance record, retrievable at any time. Run
// stats cover the most recent completed run.
type Perf struct {
	Load   time.Duration
	Cancel time.Duration
	Unload time.Duration
	Runs   int
	Last   Stats
}
