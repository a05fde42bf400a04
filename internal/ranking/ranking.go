// Package ranking maps a model's output vector onto class labels.
package ranking

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

var ErrLabelMismatch = errors.New("output length does not match label count")

type Score struct {
	Label       string  `json:"label"`
	Probability float32 `json:"probability"`
}

// Softmax converts logits to probabilities. It subtracts the log-sum-exp
// so large logits do not overflow.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	x := make([]float64, len(logits))
	for i, v := range logits {
		x[i] = float64(v)
	}
	lse := floats.LogSumExp(x)

	out := make([]float32, len(logits))
	if math.IsInf(lse, 1) {
		// +Inf logits share all the mass
		var n int
		for _, v := range x {
			if math.IsInf(v, 1) {
				n++
			}
		}
		for i, v := range x {
			if math.IsInf(v, 1) {
				out[i] = 1 / float32(n)
			}
		}
		return out
	}
	if math.IsInf(lse, -1) {
		for i := range out {
			out[i] = 1 / float32(len(out))
		}
		return out
	}
	for i, v := range x {
		out[i] = float32(math.Exp(v - lse))
	}
	return out
}

// Rank pairs probs with labels and returns the k most probable, highest
// first. Equal probabilities keep label order. k <= 0 returns every class.
func Rank(probs []float32, labels []string, k int) ([]Score, error) {
	if len(probs) != len(labels) {
		return nil, fmt.Errorf("%w: %d outputs, %d labels", ErrLabelMismatch, len(probs), len(labels))
	}

	scores := make([]Score, len(probs))
	for i, p := range probs {
		scores[i] = Score{Label: labels[i], Probability: p}
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return greater(scores[i].Probability, scores[j].Probability)
	})

	if k > 0 && k < len(scores) {
		scores = scores[:k]
	}
	return scores, nil
}

// NaN sorts last.
func greater(a, b float32) bool {
	if math.IsNaN(float64(a)) {
		return false
	}
	if math.IsNaN(float64(b)) {
		return true
	}
	return a > b
}
