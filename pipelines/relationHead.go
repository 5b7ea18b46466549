package pipelines

import (
	"errors"
	"fmt"
	"time"

	"gorgonia.org/tensor"

	"github.com/HengLan/SMOT/util/vectorutil"
)

// RelationHead classifies fused track pair features into multi-hot relation labels.
type RelationHead struct {
	Classifier Classifier
	LabelWidth int

	timings *timings
}

func NewRelationHead(classifier Classifier, labelWidth int) (*RelationHead, error) {
	r := &RelationHead{Classifier: classifier, LabelWidth: labelWidth, timings: &timings{}}
	return r, r.Validate()
}

func (r *RelationHead) Validate() error {
	var errs []error
	if r.Classifier == nil {
		errs = append(errs, errors.New("relation classifier is not set"))
	}
	if r.LabelWidth <= 1 {
		errs = append(errs, fmt.Errorf("relation label width must be above 1, got %d", r.LabelWidth))
	}
	return errors.Join(errs...)
}

// Loss is the classifier training loss of pairs against their encoded labels.
func (r *RelationHead) Loss(pairs []*tensor.Dense, labels [][]float32) (float32, error) {
	if len(pairs) != len(labels) {
		return 0, fmt.Errorf("got %d pairs for %d labels", len(pairs), len(labels))
	}
	for i, label := range labels {
		if len(label) != r.LabelWidth {
			return 0, fmt.Errorf("label %d has width %d, expected %d", i, len(label), r.LabelWidth)
		}
	}
	start := time.Now()
	defer r.timings.add(start)
	return r.Classifier.Loss(pairs, labels)
}

// Probabilities returns one row of per label probabilities for each pair, in pair order.
func (r *RelationHead) Probabilities(pairs []*tensor.Dense) ([][]float32, error) {
	start := time.Now()
	scores, err := r.Classifier.Scores(pairs)
	r.timings.add(start)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(pairs) {
		return nil, fmt.Errorf("classifier returned %d score rows for %d pairs", len(scores), len(pairs))
	}
	out := make([][]float32, len(scores))
	for i, row := range scores {
		if len(row) != r.LabelWidth {
			return nil, fmt.Errorf("score row %d has width %d, expected %d", i, len(row), r.LabelWidth)
		}
		out[i] = vectorutil.Sigmoid(row)
	}
	return out, nil
}
