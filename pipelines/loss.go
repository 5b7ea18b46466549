package pipelines

import (
	"fmt"
	"math"

	"github.com/HengLan/SMOT/util/vectorutil"
)

// DefaultLabelSmoothing is the smoothing factor of the decoder training loss.
const DefaultLabelSmoothing = 0.1

// SmoothedCrossEntropy is the label smoothed cross entropy of logits against target
// classes. Each position's target distribution puts 1-eps on the true class and
// eps/(V-1) on every other class; the per position loss is KL(target || softmax(logits))
// summed over classes, and positions are averaged.
func SmoothedCrossEntropy(logits [][]float32, targets []uint32, eps float64) (float32, error) {
	if len(logits) != len(targets) {
		return 0, fmt.Errorf("got %d logit rows for %d targets", len(logits), len(targets))
	}
	if len(logits) == 0 {
		return 0, fmt.Errorf("no positions to score")
	}
	if eps < 0 || eps >= 1 {
		return 0, fmt.Errorf("label smoothing must be in [0, 1), got %v", eps)
	}
	var total float64
	for t, row := range logits {
		classes := len(row)
		if classes < 2 {
			return 0, fmt.Errorf("position %d has %d classes, need at least 2", t, classes)
		}
		target := int(targets[t])
		if target >= classes {
			return 0, fmt.Errorf("target %d at position %d is outside the %d classes", target, t, classes)
		}
		on := 1 - eps
		off := eps / float64(classes-1)
		logProbs := vectorutil.LogSoftMax(row)
		for c, logProb := range logProbs {
			q := off
			if c == target {
				q = on
			}
			if q == 0 {
				continue
			}
			total += q * (math.Log(q) - logProb)
		}
	}
	return float32(total / float64(len(logits))), nil
}
