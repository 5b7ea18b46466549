package pipelines

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/phuslu/log"
	"gorgonia.org/tensor"

	"github.com/HengLan/SMOT/batches"
	"github.com/HengLan/SMOT/fusion"
	"github.com/HengLan/SMOT/util/vectorutil"
)

// FailureKind classifies a per sample decoding failure.
type FailureKind int

const (
	// FailureExpected covers samples that cannot be decoded by construction, such as
	// tracks without features.
	FailureExpected FailureKind = iota
	// FailureUnexpected covers every other decoder error.
	FailureUnexpected
)

func (k FailureKind) String() string {
	switch k {
	case FailureExpected:
		return "expected"
	case FailureUnexpected:
		return "unexpected"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

// SampleFailure records why one sample of a generative batch produced no result.
type SampleFailure struct {
	Index int
	Kind  FailureKind
	Err   error
}

func (f SampleFailure) Error() string {
	return fmt.Sprintf("sample %d (%s): %v", f.Index, f.Kind, f.Err)
}

func (f SampleFailure) Unwrap() error {
	return f.Err
}

func classify(index int, err error) SampleFailure {
	kind := FailureUnexpected
	if errors.Is(err, ErrEmptySequence) {
		kind = FailureExpected
	}
	return SampleFailure{Index: index, Kind: kind, Err: err}
}

// TrainOutput is the result of a training step.
type TrainOutput struct {
	Mode batches.Mode
	// Losses maps "{mode}_loss" to the batch loss.
	Losses map[string]float32
	// Samples is the number of samples that contributed to the loss.
	Samples  int
	Failures []SampleFailure
}

// InferOutput is the result of an inference step. Descriptions is set for summary and
// caption batches, Relations for relation batches.
type InferOutput struct {
	Mode batches.Mode
	// Descriptions holds one text per fused sample, empty for failed samples.
	Descriptions []string
	// TrackIDs aligns caption descriptions with their tracks.
	TrackIDs []int
	// Relations holds one probability row per pair, aligned with PairIDs. Pairs
	// without features have a nil row and an entry in Failures.
	Relations [][]float32
	PairIDs   [][2]int
	Failures  []SampleFailure
}

type headCounters struct {
	trained    uint64
	inferred   uint64
	skipped    uint64
	expected   uint64
	unexpected uint64
}

// GRiTHead routes batches to the caption, summary or relation branch and produces
// losses when training and predictions at inference. It holds no lock: training and
// inference calls on one head must not overlap.
type GRiTHead struct {
	Normalizer     *batches.Normalizer
	Fuser          fusion.Fuser
	CaptionDecoder *TextDecoder
	SummaryDecoder *TextDecoder
	Relation       *RelationHead
	StrictDecoding bool

	counters *headCounters
}

// HeadOption is an option for a GRiTHead.
type HeadOption func(h *GRiTHead) error

// WithStrictDecoding makes unexpected per sample decoding failures fail the batch.
func WithStrictDecoding() HeadOption {
	return func(h *GRiTHead) error {
		h.StrictDecoding = true
		return nil
	}
}

// WithNormalizer replaces the default batch normalizer.
func WithNormalizer(n *batches.Normalizer) HeadOption {
	return func(h *GRiTHead) error {
		if n == nil {
			return errors.New("normalizer is nil")
		}
		h.Normalizer = n
		return nil
	}
}

// WithFuser replaces the default row concatenation fuser.
func WithFuser(f fusion.Fuser) HeadOption {
	return func(h *GRiTHead) error {
		if f == nil {
			return errors.New("fuser is nil")
		}
		h.Fuser = f
		return nil
	}
}

// NewGRiTHead assembles a head from its decoders and relation head.
func NewGRiTHead(caption, summary *TextDecoder, relation *RelationHead, opts ...HeadOption) (*GRiTHead, error) {
	h := &GRiTHead{
		Normalizer:     batches.NewNormalizer(),
		Fuser:          fusion.NewConcatFuser(),
		CaptionDecoder: caption,
		SummaryDecoder: summary,
		Relation:       relation,
		counters:       &headCounters{},
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *GRiTHead) Validate() error {
	var errs []error
	if h.CaptionDecoder == nil {
		errs = append(errs, errors.New("caption decoder is not set"))
	}
	if h.SummaryDecoder == nil {
		errs = append(errs, errors.New("summary decoder is not set"))
	}
	if h.CaptionDecoder != nil && h.CaptionDecoder == h.SummaryDecoder {
		errs = append(errs, errors.New("caption and summary decoders must be separate instances"))
	}
	if h.Relation == nil {
		errs = append(errs, errors.New("relation head is not set"))
	}
	if h.Normalizer == nil {
		errs = append(errs, errors.New("normalizer is not set"))
	}
	if h.Fuser == nil {
		errs = append(errs, errors.New("fuser is not set"))
	}
	return errors.Join(errs...)
}

func (h *GRiTHead) decoder(mode batches.Mode) *TextDecoder {
	if mode == batches.ModeSummary {
		return h.SummaryDecoder
	}
	return h.CaptionDecoder
}

func (h *GRiTHead) prepare(b batches.Batch, training bool) (*batches.Normalized, []*tensor.Dense, error) {
	normalized, err := h.Normalizer.Normalize(b, training)
	if err != nil {
		return nil, nil, err
	}
	if normalized == nil {
		return nil, nil, nil
	}
	fused, err := h.Fuser.Fuse(normalized)
	if err != nil {
		return nil, nil, fmt.Errorf("fusing %s batch: %w", normalized.Mode, err)
	}
	log.Debug().Str("mode", normalized.Mode.String()).Bool("training", training).Int("samples", len(fused)).Msg("routing batch")
	return normalized, fused, nil
}

func (h *GRiTHead) skip(mode batches.Mode, reason string) {
	atomic.AddUint64(&h.counters.skipped, 1)
	log.Debug().Str("mode", mode.String()).Str("reason", reason).Msg("skipping batch")
}

// record counts and logs a failure and reports whether it must fail the batch.
func (h *GRiTHead) record(mode batches.Mode, failure SampleFailure) bool {
	if failure.Kind == FailureExpected {
		atomic.AddUint64(&h.counters.expected, 1)
		log.Debug().Str("mode", mode.String()).Int("sample", failure.Index).Err(failure.Err).Msg("sample not decoded")
		return false
	}
	atomic.AddUint64(&h.counters.unexpected, 1)
	log.Warn().Str("mode", mode.String()).Int("sample", failure.Index).Err(failure.Err).Msg("decoding failed")
	return h.StrictDecoding
}

// Train computes the training loss of b. A nil output with a nil error means the
// batch was skipped: it is degenerate, or no sample could be decoded.
func (h *GRiTHead) Train(b batches.Batch) (*TrainOutput, error) {
	normalized, fused, err := h.prepare(b, true)
	if err != nil {
		return nil, err
	}
	if normalized == nil {
		h.skip(b.Mode(), "degenerate batch")
		return nil, nil
	}
	if normalized.Mode == batches.ModeRelation {
		return h.trainRelation(normalized, fused)
	}
	if len(fused) == 0 {
		h.skip(normalized.Mode, "no fused features")
		return nil, nil
	}
	if len(fused) != len(normalized.Texts) {
		return nil, fmt.Errorf("%w: %s batch has %d fused features but %d texts",
			batches.ErrCallerContract, normalized.Mode, len(fused), len(normalized.Texts))
	}

	decoder := h.decoder(normalized.Mode)
	out := &TrainOutput{Mode: normalized.Mode}
	var sum float64
	for i, features := range fused {
		loss, err := decoder.Loss(features, normalized.Texts[i])
		if err != nil {
			failure := classify(i, err)
			if h.record(normalized.Mode, failure) {
				return nil, fmt.Errorf("%s loss: %w", normalized.Mode, failure)
			}
			out.Failures = append(out.Failures, failure)
			continue
		}
		sum += float64(loss)
		out.Samples++
	}
	if out.Samples == 0 {
		h.skip(normalized.Mode, "no sample decoded")
		return nil, nil
	}
	out.Losses = map[string]float32{normalized.Mode.LossName(): float32(sum / float64(out.Samples))}
	atomic.AddUint64(&h.counters.trained, 1)
	return out, nil
}

func (h *GRiTHead) trainRelation(normalized *batches.Normalized, fused []*tensor.Dense) (*TrainOutput, error) {
	if len(normalized.Labels) != len(normalized.Pairs) {
		return nil, fmt.Errorf("%w: relation training batch has %d pairs but %d labels",
			batches.ErrCallerContract, len(normalized.Pairs), len(normalized.Labels))
	}
	if len(fused) != len(normalized.Labels) {
		return nil, fmt.Errorf("%w: relation batch has %d fused features but %d labels",
			batches.ErrCallerContract, len(fused), len(normalized.Labels))
	}
	kept, failures := h.pairFeatures(normalized, fused)
	if len(kept) == 0 {
		h.skip(batches.ModeRelation, "no pair features")
		return nil, nil
	}
	pairs := make([]*tensor.Dense, len(kept))
	labels := make([][]float32, len(kept))
	for i, k := range kept {
		pairs[i] = fused[k]
		labels[i] = normalized.Labels[k]
	}
	loss, err := h.Relation.Loss(pairs, labels)
	if err != nil {
		return nil, fmt.Errorf("relation loss: %w", err)
	}
	atomic.AddUint64(&h.counters.trained, 1)
	return &TrainOutput{
		Mode:     batches.ModeRelation,
		Losses:   map[string]float32{batches.ModeRelation.LossName(): loss},
		Samples:  len(kept),
		Failures: failures,
	}, nil
}

// pairFeatures returns the indices of the pairs that have fused features. Pairs of
// two featureless tracks are recorded as expected failures.
func (h *GRiTHead) pairFeatures(normalized *batches.Normalized, fused []*tensor.Dense) ([]int, []SampleFailure) {
	kept := make([]int, 0, len(fused))
	var failures []SampleFailure
	for i, features := range fused {
		if features != nil {
			kept = append(kept, i)
			continue
		}
		pair := normalized.Pairs[i]
		failure := classify(i, fmt.Errorf("tracks %d and %d: %w", pair.Source.ID, pair.Target.ID, ErrEmptySequence))
		h.record(batches.ModeRelation, failure)
		failures = append(failures, failure)
	}
	return kept, failures
}

// Infer produces descriptions or relation probabilities for b. A nil output with a
// nil error means the batch was skipped.
func (h *GRiTHead) Infer(b batches.Batch) (*InferOutput, error) {
	normalized, fused, err := h.prepare(b, false)
	if err != nil {
		return nil, err
	}
	if normalized == nil {
		h.skip(b.Mode(), "degenerate batch")
		return nil, nil
	}
	out := &InferOutput{Mode: normalized.Mode}
	if normalized.Mode == batches.ModeRelation {
		if len(fused) != len(normalized.Pairs) {
			return nil, fmt.Errorf("%w: relation batch has %d fused features but %d pairs",
				batches.ErrCallerContract, len(fused), len(normalized.Pairs))
		}
		kept, failures := h.pairFeatures(normalized, fused)
		if len(kept) == 0 {
			h.skip(batches.ModeRelation, "no pair features")
			return nil, nil
		}
		pairs := make([]*tensor.Dense, len(kept))
		for i, k := range kept {
			pairs[i] = fused[k]
		}
		probabilities, err := h.Relation.Probabilities(pairs)
		if err != nil {
			return nil, fmt.Errorf("relation scores: %w", err)
		}
		out.Relations = make([][]float32, len(fused))
		for i, k := range kept {
			out.Relations[k] = probabilities[i]
		}
		out.Failures = failures
		out.PairIDs = make([][2]int, len(normalized.Pairs))
		for i, pair := range normalized.Pairs {
			out.PairIDs[i] = [2]int{pair.Source.ID, pair.Target.ID}
		}
		atomic.AddUint64(&h.counters.inferred, 1)
		return out, nil
	}

	decoder := h.decoder(normalized.Mode)
	out.Descriptions = make([]string, len(fused))
	for i, features := range fused {
		text, err := decoder.Describe(features)
		if err != nil {
			failure := classify(i, err)
			if h.record(normalized.Mode, failure) {
				return nil, fmt.Errorf("%s generation: %w", normalized.Mode, failure)
			}
			out.Failures = append(out.Failures, failure)
			continue
		}
		out.Descriptions[i] = text
	}
	if normalized.Mode == batches.ModeCaption && len(normalized.Tracks) == len(fused) {
		out.TrackIDs = make([]int, len(normalized.Tracks))
		for i, t := range normalized.Tracks {
			out.TrackIDs[i] = t.ID
		}
	}
	atomic.AddUint64(&h.counters.inferred, 1)
	return out, nil
}

// GetStatistics returns the running statistics of the head.
func (h *GRiTHead) GetStatistics() HeadStatistics {
	stats := HeadStatistics{
		TrainedBatches:     atomic.LoadUint64(&h.counters.trained),
		InferredBatches:    atomic.LoadUint64(&h.counters.inferred),
		SkippedBatches:     atomic.LoadUint64(&h.counters.skipped),
		ExpectedFailures:   atomic.LoadUint64(&h.counters.expected),
		UnexpectedFailures: atomic.LoadUint64(&h.counters.unexpected),
	}
	for _, d := range []*TextDecoder{h.CaptionDecoder, h.SummaryDecoder} {
		stats.addTokenizer(d.tokenizerTimings)
		stats.addDecoder(d.decoderTimings)
	}
	stats.addClassifier(h.Relation.timings)
	return stats
}

// MaxProbability returns the highest probability of a relation row and its label index.
func MaxProbability(row []float32) (int, float32, error) {
	return vectorutil.ArgMax(row)
}
