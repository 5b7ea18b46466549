package backends

import (
	"errors"
	"fmt"

	"gorgonia.org/tensor"

	"github.com/HengLan/SMOT/util/tensorutil"
	"github.com/HengLan/SMOT/util/vectorutil"
)

// ONNXClassifier scores one fused pair [L, D] per graph call and returns the
// [1, Width] label logits.
type ONNXClassifier struct {
	Runner Runner
	Width  int
}

func NewONNXClassifier(runner Runner, width int) (*ONNXClassifier, error) {
	if runner == nil {
		return nil, errors.New("classifier graph is nil")
	}
	if !HasInput(runner, PairFeaturesInput) {
		return nil, fmt.Errorf("classifier graph has no input %q", PairFeaturesInput)
	}
	if width <= 0 {
		return nil, fmt.Errorf("label width must be positive, got %d", width)
	}
	return &ONNXClassifier{Runner: runner, Width: width}, nil
}

func (c *ONNXClassifier) Scores(pairs []*tensor.Dense) ([][]float32, error) {
	scores := make([][]float32, len(pairs))
	for i, pair := range pairs {
		if pair == nil {
			return nil, fmt.Errorf("pair %d has no features", i)
		}
		rows, width, err := tensorutil.Rows(pair)
		if err != nil {
			return nil, fmt.Errorf("pair %d: %w", i, err)
		}
		data, err := tensorutil.Float32s(pair)
		if err != nil {
			return nil, fmt.Errorf("pair %d: %w", i, err)
		}
		outputs, err := c.Runner.Run(map[string]tensor.Tensor{
			PairFeaturesInput: tensorutil.New(data, 1, rows, width),
		})
		if err != nil {
			return nil, fmt.Errorf("running relation classifier: %w", err)
		}
		logits, ok := outputs[LogitsOutput]
		if !ok {
			return nil, fmt.Errorf("relation classifier returned no %q output", LogitsOutput)
		}
		row, err := tensorutil.Float32s(logits)
		if err != nil {
			return nil, err
		}
		if len(row) != c.Width {
			return nil, fmt.Errorf("relation classifier returned %d logits, want %d", len(row), c.Width)
		}
		scores[i] = row
	}
	return scores, nil
}

// Loss is the mean binary cross entropy with logits over every pair and label.
func (c *ONNXClassifier) Loss(pairs []*tensor.Dense, labels [][]float32) (float32, error) {
	if len(pairs) != len(labels) {
		return 0, fmt.Errorf("%d pairs but %d label rows", len(pairs), len(labels))
	}
	if len(pairs) == 0 {
		return 0, errors.New("no pairs to score")
	}
	scores, err := c.Scores(pairs)
	if err != nil {
		return 0, err
	}
	losses := make([]float32, len(scores))
	for i, row := range scores {
		losses[i], err = vectorutil.BinaryCrossEntropyWithLogits(row, labels[i])
		if err != nil {
			return 0, fmt.Errorf("pair %d: %w", i, err)
		}
	}
	return vectorutil.Mean(losses), nil
}
