package pipelines

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/HengLan/SMOT/util/vectorutil"
)

// NextTokenLogits returns the logits of the token following prefix.
type NextTokenLogits func(prefix []uint32) ([]float32, error)

// Hypothesis is one decoded sequence. Tokens start with the begin token and, when the
// search finished, end with the end token.
type Hypothesis struct {
	Tokens  []uint32
	LogProb float64
}

func (h Hypothesis) finished(end uint32) bool {
	return len(h.Tokens) > 1 && h.Tokens[len(h.Tokens)-1] == end
}

// BeamSearch is an autoregressive beam search. Each live beam proposes its
// PerNodeBeamSize most likely next tokens, and the BeamSize best proposals by summed
// log probability survive. Finished beams carry over unchanged. MaxSteps bounds the
// number of generated tokens, the begin token excluded.
type BeamSearch struct {
	EndToken        uint32
	MaxSteps        int
	BeamSize        int
	PerNodeBeamSize int
}

// DefaultBeamSearch is greedy decoding of up to 40 tokens after the begin token.
func DefaultBeamSearch(end uint32) BeamSearch {
	return BeamSearch{
		EndToken:        end,
		MaxSteps:        40,
		BeamSize:        1,
		PerNodeBeamSize: 1,
	}
}

func (s BeamSearch) Validate() error {
	var errs []error
	if s.MaxSteps < 1 {
		errs = append(errs, fmt.Errorf("max steps must be positive, got %d", s.MaxSteps))
	}
	if s.BeamSize <= 0 {
		errs = append(errs, fmt.Errorf("beam size must be positive, got %d", s.BeamSize))
	}
	if s.PerNodeBeamSize <= 0 {
		errs = append(errs, fmt.Errorf("per node beam size must be positive, got %d", s.PerNodeBeamSize))
	}
	return errors.Join(errs...)
}

type candidate struct {
	parent  int
	token   uint32
	logProb float64
}

// Search decodes from the begin token and returns the surviving hypotheses, best
// first. When every initial proposal is the end token the search returns the bare
// begin token.
func (s BeamSearch) Search(begin uint32, next NextTokenLogits) ([]Hypothesis, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	logits, err := next([]uint32{begin})
	if err != nil {
		return nil, err
	}
	if len(logits) == 0 {
		return nil, errors.New("decoder returned no logits")
	}
	start := topK(vectorutil.LogSoftMax(logits), s.BeamSize)
	allEnd := true
	for _, c := range start {
		if c.token != s.EndToken {
			allEnd = false
		}
	}
	if allEnd {
		return []Hypothesis{{Tokens: []uint32{begin}, LogProb: start[0].logProb}}, nil
	}

	beams := make([]Hypothesis, 0, len(start))
	for _, c := range start {
		beams = append(beams, Hypothesis{Tokens: []uint32{begin, c.token}, LogProb: c.logProb})
	}

	for !allFinishedOrLonger(beams, s.EndToken, s.MaxSteps+1) {
		var candidates []candidate
		for i, beam := range beams {
			if beam.finished(s.EndToken) {
				candidates = append(candidates, candidate{parent: i, token: s.EndToken, logProb: beam.LogProb})
				continue
			}
			logits, err := next(beam.Tokens)
			if err != nil {
				return nil, err
			}
			if len(logits) == 0 {
				return nil, errors.New("decoder returned no logits")
			}
			for _, c := range topK(vectorutil.LogSoftMax(logits), s.PerNodeBeamSize) {
				candidates = append(candidates, candidate{parent: i, token: c.token, logProb: beam.LogProb + c.logProb})
			}
		}
		slices.SortStableFunc(candidates, func(a, b candidate) int {
			return cmp.Compare(b.logProb, a.logProb)
		})
		if len(candidates) > s.BeamSize {
			candidates = candidates[:s.BeamSize]
		}

		extended := make([]Hypothesis, 0, len(candidates))
		for _, c := range candidates {
			parent := beams[c.parent]
			if parent.finished(s.EndToken) {
				extended = append(extended, parent)
				continue
			}
			tokens := make([]uint32, len(parent.Tokens), len(parent.Tokens)+1)
			copy(tokens, parent.Tokens)
			extended = append(extended, Hypothesis{Tokens: append(tokens, c.token), LogProb: c.logProb})
		}
		beams = extended
	}
	return beams, nil
}

func allFinishedOrLonger(beams []Hypothesis, end uint32, maxLength int) bool {
	for _, beam := range beams {
		if !beam.finished(end) && len(beam.Tokens) < maxLength {
			return false
		}
	}
	return true
}

// topK returns the k most likely classes, best first. Ties keep the lower class id.
func topK(logProbs []float64, k int) []candidate {
	all := make([]candidate, 0, len(logProbs))
	for c, logProb := range logProbs {
		if math.IsNaN(logProb) {
			logProb = math.Inf(-1)
		}
		all = append(all, candidate{token: uint32(c), logProb: logProb})
	}
	slices.SortStableFunc(all, func(a, b candidate) int {
		return cmp.Compare(b.logProb, a.logProb)
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}
