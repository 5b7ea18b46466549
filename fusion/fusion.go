// Package fusion combines normalized detector features and track associations into
// one feature sequence per sample.
package fusion

import (
	"fmt"

	"github.com/phuslu/log"
	"gorgonia.org/tensor"

	"github.com/HengLan/SMOT/batches"
	"github.com/HengLan/SMOT/util/tensorutil"
)

// Fuser produces one [length, dim] feature per logical sample of a normalized batch,
// preserving sample order: one for a summary, one per track for captions and one per
// pair for relations. A nil entry stands for a sample with no features.
type Fuser interface {
	Fuse(n *batches.Normalized) ([]*tensor.Dense, error)
}

// ConcatFuser fuses by concatenating feature rows.
//
//   - summary: the pooled video [N, C, S] is laid out as N*S rows of width C, followed
//     by the rows of every track whose feature width is C.
//   - caption: each track's own [frames, dim] features.
//   - relation: the source track rows followed by the target track rows.
type ConcatFuser struct{}

// NewConcatFuser returns the row concatenation fuser.
func NewConcatFuser() *ConcatFuser {
	return &ConcatFuser{}
}

func (f *ConcatFuser) Fuse(n *batches.Normalized) ([]*tensor.Dense, error) {
	if n == nil {
		return nil, nil
	}
	switch n.Mode {
	case batches.ModeSummary:
		fused, err := f.summary(n)
		if err != nil {
			return nil, err
		}
		return []*tensor.Dense{fused}, nil
	case batches.ModeCaption:
		out := make([]*tensor.Dense, 0, len(n.Tracks))
		for _, t := range n.Tracks {
			features, err := asRows(t.Features)
			if err != nil {
				return nil, fmt.Errorf("track %d: %w", t.ID, err)
			}
			out = append(out, features)
		}
		return out, nil
	case batches.ModeRelation:
		out := make([]*tensor.Dense, 0, len(n.Pairs))
		for _, pair := range n.Pairs {
			fused, err := f.pair(pair)
			if err != nil {
				return nil, err
			}
			out = append(out, fused)
		}
		return out, nil
	default:
		return nil, &batches.UnknownModeError{Mode: n.Mode.String()}
	}
}

func (f *ConcatFuser) summary(n *batches.Normalized) (*tensor.Dense, error) {
	if n.Video == nil {
		return nil, fmt.Errorf("summary batch has no pooled video features")
	}
	video, err := tensorutil.Transpose12(n.Video)
	if err != nil {
		return nil, fmt.Errorf("summary video: %w", err)
	}
	shape := video.Shape()
	data, err := tensorutil.Float32s(video)
	if err != nil {
		return nil, err
	}
	width := shape[2]
	parts := []*tensor.Dense{tensorutil.New(data, shape[0]*shape[1], width)}
	for _, t := range n.Tracks {
		features, err := asRows(t.Features)
		if err != nil {
			return nil, fmt.Errorf("track %d: %w", t.ID, err)
		}
		if features == nil {
			continue
		}
		if features.Shape()[1] != width {
			log.Debug().Int("track", t.ID).Int("width", features.Shape()[1]).Int("video_width", width).Msg("track width differs from video channels, not fused")
			continue
		}
		parts = append(parts, features)
	}
	return tensorutil.ConcatRows(parts...)
}

func (f *ConcatFuser) pair(pair batches.TrackPair) (*tensor.Dense, error) {
	source, err := asRows(pair.Source.Features)
	if err != nil {
		return nil, fmt.Errorf("track %d: %w", pair.Source.ID, err)
	}
	target, err := asRows(pair.Target.Features)
	if err != nil {
		return nil, fmt.Errorf("track %d: %w", pair.Target.ID, err)
	}
	switch {
	case source == nil && target == nil:
		return nil, nil
	case source == nil:
		return target, nil
	case target == nil:
		return source, nil
	}
	fused, err := tensorutil.ConcatRows(source, target)
	if err != nil {
		return nil, fmt.Errorf("fusing tracks %d and %d: %w", pair.Source.ID, pair.Target.ID, err)
	}
	return fused, nil
}

// asRows views track features as [rows, width]: a vector becomes one row and higher
// ranks are flattened after the first axis. Empty features map to nil.
func asRows(t *tensor.Dense) (*tensor.Dense, error) {
	if t == nil {
		return nil, nil
	}
	shape := t.Shape()
	if len(shape) == 0 || tensorutil.Volume(shape) == 0 {
		return nil, nil
	}
	if len(shape) == 2 {
		return t, nil
	}
	data, err := tensorutil.Float32s(t)
	if err != nil {
		return nil, err
	}
	if len(shape) == 1 {
		return tensorutil.New(data, 1, shape[0]), nil
	}
	rows, width, err := tensorutil.Rows(t)
	if err != nil {
		return nil, err
	}
	return tensorutil.New(data, rows, width), nil
}
