package vectorutil

import (
	"fmt"
	"math"
	"slices"
)

// Mean of a float32 vector.
func Mean(vector []float32) float32 {
	if len(vector) == 0 {
		return 0
	}
	sum := float32(0.0)
	for _, v := range vector {
		sum = sum + v
	}
	return sum / float32(len(vector))
}

// LogSoftMax is the numerically stable log of SoftMax, computed in float64.
func LogSoftMax(vector []float32) []float64 {
	maxLogit := float64(slices.Max(vector))
	sumExp := 0.0
	for _, logit := range vector {
		sumExp += math.Exp(float64(logit) - maxLogit)
	}
	logSum := maxLogit + math.Log(sumExp)
	out := make([]float64, len(vector))
	for i, logit := range vector {
		out[i] = float64(logit) - logSum
	}
	return out
}

// ArgMax find both index of max value in s and max value.
func ArgMax(s []float32) (int, float32, error) {
	if len(s) == 0 {
		return 0, 0, fmt.Errorf("attempted to calculate argmax of empty slice")
	}
	maxIndex := 0
	maxValue := s[0]
	for i, v := range s {
		if v > maxValue {
			maxValue = v
			maxIndex = i
		}
	}
	return maxIndex, maxValue, nil
}

func Sigmoid(s []float32) []float32 {
	sigmoid := make([]float32, 0, len(s))

	for _, v := range s {
		v64 := float64(v)
		sigmoid = append(sigmoid, float32(1.0/(1.0+math.Exp(-v64))))
	}
	return sigmoid
}

// BinaryCrossEntropyWithLogits is the mean over elements of the
// sigmoid cross entropy, written in the overflow-safe form
// max(x, 0) - x*y + log(1 + exp(-|x|)).
func BinaryCrossEntropyWithLogits(logits []float32, targets []float32) (float32, error) {
	if len(logits) != len(targets) {
		return 0, fmt.Errorf("logits length %d does not match targets length %d", len(logits), len(targets))
	}
	if len(logits) == 0 {
		return 0, fmt.Errorf("attempted to calculate cross entropy of empty slice")
	}
	sum := 0.0
	for i, l := range logits {
		x := float64(l)
		y := float64(targets[i])
		sum += math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
	}
	return float32(sum / float64(len(logits))), nil
}
