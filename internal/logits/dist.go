package logits

import "math"

// Probs converts one logits row into a full-vocabulary probability
// distribution, max-subtracted for stability. The speculative verifier
// compares draft and target distributions token by token through this.
func Probs(scores []float32, dst []float64) []float64 {
	if len(scores) == 0 {
		return dst[:0]
	}
	dst = dst[:0]
	maxv := scores[0]
	for _, v := range scores[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for _, v := range scores {
		e := math.Exp(float64(v - maxv))
		dst = append(dst, e)
		sum += e
	}
	inv := 1 / sum
	for i := range dst {
		dst[i] *= inv
	}
	return dst
}
