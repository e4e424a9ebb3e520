package generate

import (
	"fmt"

	"github.com/samcharles93/loom/internal/logits"
)

// Config is the immutable per-call generation configuration. The zero value
// is not usable; start from DefaultConfig and override fields.
//
// With DoSample=false selection is greedy arg-max and the sampling knobs
// (Temperature, TopK, TopP, RepeatPenalty, RepeatLastN, Seed) are ignored.
type Config struct {
	DoSample      bool
	Temperature   float64
	TopK          int
	TopP          float64
	RepeatPenalty float64
	RepeatLastN   int
	MaxNewTokens  int
	ContextLimit  int
	// Seed feeds the sampler's random source. Negative means
	// time-derived, so runs are not reproducible across processes.
	Seed int64
}

// DefaultConfig returns the reference sampling defaults.
func DefaultConfig() Config {
	return Config{
		DoSample:      true,
		Temperature:   0.2,
		TopK:          40,
		TopP:          0.9,
		RepeatPenalty: 1.1,
		RepeatLastN:   32,
		MaxNewTokens:  512,
		ContextLimit:  2048,
		Seed:          -1,
	}
}

// Validate rejects configurations that make a run ill-defined before any
// inference call is issued.
func (c Config) Validate() error {
	if c.MaxNewTokens <= 0 {
		return fmt.Errorf("%w: max new tokens %d, want > 0", ErrInvalidConfig, c.MaxNewTokens)
	}
	if c.ContextLimit <= 0 {
		return fmt.Errorf("%w: context limit %d, want > 0", ErrInvalidConfig, c.ContextLimit)
	}
	if c.DoSample {
		if c.Temperature < 0 {
			return fmt.Errorf("%w: temperature %v, want >= 0", ErrInvalidConfig, c.Temperature)
		}
		if c.TopK < 0 {
			return fmt.Errorf("%w: top-k %d, want >= 0", ErrInvalidConfig, c.TopK)
		}
		if c.TopP < 0 || c.TopP > 1 {
			return fmt.Errorf("%w: top-p %v, want in (0,1]", ErrInvalidConfig, c.TopP)
		}
		if c.RepeatLastN < 0 {
			return fmt.Errorf("%w: repeat-last-n %d, want >= 0", ErrInvalidConfig, c.RepeatLastN)
		}
	}
	return nil
}

func (c Config) samplerConfig() logits.SamplerConfig {
	return logits.SamplerConfig{
		DoSample:      c.DoSample,
		Seed:          c.Seed,
		Temperature:   float32(c.Temperature),
		TopK:          c.TopK,
		TopP:          float32(c.TopP),
		RepeatPenalty: float32(c.RepeatPenalty),
		RepeatLastN:   c.RepeatLastN,
	}
}
