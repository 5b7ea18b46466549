package batches

import (
	"fmt"

	"github.com/phuslu/log"
	"gorgonia.org/tensor"

	"github.com/HengLan/SMOT/relations"
	"github.com/HengLan/SMOT/util/tensorutil"
)

// PoolSize is the side of the grid summary feature maps are pooled to.
const PoolSize = 16

// Normalized is the uniform form of a batch handed to the feature fuser. Only the
// fields of its mode are set.
type Normalized struct {
	Mode Mode
	// Video is the pooled summary context, [N, C, PoolSize*PoolSize].
	Video *tensor.Dense
	// Tracks are the tracks to describe (caption) or to attach to the video (summary).
	Tracks []Track
	// Texts are the training targets of generative modes, aligned with the samples
	// produced by fusion: one per track for captions, exactly one for a summary.
	Texts []string
	// Pairs are the ordered track pairs to classify.
	Pairs []TrackPair
	// Labels holds one encoded relation label per pair when training.
	Labels [][]float32
}

// Normalizer reshapes mode specific batches. The zero value is not usable, build one
// with NewNormalizer.
type Normalizer struct {
	vocabulary *relations.Vocabulary
	poolSize   int
	level      string
}

// NormalizerOption configures a Normalizer.
type NormalizerOption func(*Normalizer)

// WithVocabulary replaces the relation vocabulary used to encode training labels.
func WithVocabulary(v *relations.Vocabulary) NormalizerOption {
	return func(n *Normalizer) {
		n.vocabulary = v
	}
}

// WithPoolSize sets the summary pooling grid side.
func WithPoolSize(size int) NormalizerOption {
	return func(n *Normalizer) {
		n.poolSize = size
	}
}

// WithSummaryLevel selects the feature pyramid level pooled for summaries.
func WithSummaryLevel(level string) NormalizerOption {
	return func(n *Normalizer) {
		n.level = level
	}
}

func NewNormalizer(opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{
		vocabulary: relations.Default(),
		poolSize:   PoolSize,
		level:      SummaryLevel,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

var defaultNormalizer = NewNormalizer()

// Normalize normalizes b with the default normalizer.
func Normalize(b Batch, training bool) (*Normalized, error) {
	return defaultNormalizer.Normalize(b, training)
}

// Normalize reshapes b into its uniform form. A nil result with a nil error means the
// batch is degenerate and must be skipped.
func (n *Normalizer) Normalize(b Batch, training bool) (*Normalized, error) {
	switch batch := b.(type) {
	case *SummaryBatch:
		if batch == nil {
			return nil, contractError("nil batch")
		}
		return n.summary(batch, training)
	case *CaptionBatch:
		if batch == nil {
			return nil, contractError("nil batch")
		}
		return n.caption(batch, training)
	case *RelationBatch:
		if batch == nil {
			return nil, contractError("nil batch")
		}
		return n.relation(batch)
	case nil:
		return nil, contractError("nil batch")
	default:
		return nil, &UnknownModeError{Mode: b.Mode().String()}
	}
}

func (n *Normalizer) summary(b *SummaryBatch, training bool) (*Normalized, error) {
	out := &Normalized{Mode: ModeSummary, Tracks: b.PredTracks}
	if training {
		if len(b.Texts) != 1 {
			return nil, contractError("summary batch must carry exactly one text when training, got %d", len(b.Texts))
		}
		out.Texts = []string{b.Texts[0]}
	}
	video, err := n.poolVideo(b.Frames)
	if err != nil {
		return nil, err
	}
	out.Video = video
	return out, nil
}

// poolVideo concatenates the summary level maps of all frames along the batch axis,
// pools each channel to a poolSize grid and flattens the grid: [N, C, poolSize^2].
func (n *Normalizer) poolVideo(frames []FrameFeatures) (*tensor.Dense, error) {
	if len(frames) == 0 {
		return nil, contractError("summary batch has no frames")
	}
	maps := make([]*tensor.Dense, 0, len(frames))
	for i, frame := range frames {
		m, ok := frame[n.level]
		if !ok || m == nil {
			return nil, contractError("frame %d has no %s feature map", i, n.level)
		}
		nchw, err := tensorutil.AsNCHW(m)
		if err != nil {
			return nil, contractError("frame %d: %s", i, err)
		}
		maps = append(maps, nchw)
	}
	video, err := tensorutil.ConcatRows(maps...)
	if err != nil {
		return nil, contractError("frames disagree on feature map shape: %s", err)
	}
	pooled, err := tensorutil.AdaptiveAvgPool2D(video, n.poolSize, n.poolSize)
	if err != nil {
		return nil, fmt.Errorf("pooling summary features: %w", err)
	}
	shape := pooled.Shape()
	data, err := tensorutil.Float32s(pooled)
	if err != nil {
		return nil, err
	}
	return tensorutil.New(data, shape[0], shape[1], n.poolSize*n.poolSize), nil
}

func (n *Normalizer) caption(b *CaptionBatch, training bool) (*Normalized, error) {
	out := &Normalized{Mode: ModeCaption, Tracks: b.PredTracks}
	if !training {
		return out, nil
	}
	texts := make([]string, 0, len(b.GTIDs))
	for _, id := range b.GTIDs {
		text, ok := b.Texts[id]
		if !ok {
			return nil, contractError("no caption text for ground truth id %d", id)
		}
		texts = append(texts, text)
	}
	if len(texts) != len(b.PredTracks) {
		return nil, contractError("caption batch has %d predicted tracks but %d texts", len(b.PredTracks), len(texts))
	}
	out.Texts = texts
	return out, nil
}

func (n *Normalizer) relation(b *RelationBatch) (*Normalized, error) {
	if len(b.PredTracks) < 2 {
		log.Debug().Int("tracks", len(b.PredTracks)).Msg("relation batch has fewer than two tracks, skipping")
		return nil, nil
	}
	out := &Normalized{Mode: ModeRelation}
	if b.Texts == nil {
		for i := range b.PredTracks {
			for j := range b.PredTracks {
				if i == j {
					continue
				}
				out.Pairs = append(out.Pairs, TrackPair{Source: b.PredTracks[i], Target: b.PredTracks[j]})
			}
		}
		return out, nil
	}

	for i, source := range b.GTIDs {
		for j, target := range b.GTIDs {
			phrases, ok := b.Texts[PairKey(source, target)]
			if !ok {
				continue
			}
			if i >= len(b.PredTracks) || j >= len(b.PredTracks) {
				return nil, contractError("ground truth ids %d-%d at positions %d,%d have no predicted track (%d tracks)",
					source, target, i, j, len(b.PredTracks))
			}
			label, err := n.vocabulary.Encode(phrases)
			if err != nil {
				return nil, fmt.Errorf("encoding relations of pair %s: %w", PairKey(source, target), err)
			}
			out.Pairs = append(out.Pairs, TrackPair{Source: b.PredTracks[i], Target: b.PredTracks[j]})
			out.Labels = append(out.Labels, label)
		}
	}
	if len(out.Pairs) == 0 {
		log.Debug().Int("gt_ids", len(b.GTIDs)).Msg("relation batch has no annotated pair, skipping")
		return nil, nil
	}
	return out, nil
}
