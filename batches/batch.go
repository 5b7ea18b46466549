// Package batches defines the per-mode batch variants handed to the head and the
// normalization step that turns them into the uniform form consumed by fusion.
package batches

import (
	"errors"
	"fmt"

	"gorgonia.org/tensor"
)

// Mode selects the task branch of a batch.
type Mode int

const (
	ModeSummary Mode = iota
	ModeCaption
	ModeRelation
)

var modeNames = map[Mode]string{
	ModeSummary:  "summary",
	ModeCaption:  "caption",
	ModeRelation: "relation",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// LossName is the key under which the training loss of this mode is reported.
func (m Mode) LossName() string {
	return m.String() + "_loss"
}

// Generative reports whether the mode produces text.
func (m Mode) Generative() bool {
	return m == ModeSummary || m == ModeCaption
}

// ParseMode maps a mode name onto a Mode.
func ParseMode(s string) (Mode, error) {
	for mode, name := range modeNames {
		if name == s {
			return mode, nil
		}
	}
	return 0, &UnknownModeError{Mode: s}
}

// UnknownModeError is returned for a mode outside summary, caption and relation.
type UnknownModeError struct {
	Mode string
}

func (e *UnknownModeError) Error() string {
	return fmt.Sprintf("unknown mode: %s", e.Mode)
}

// ErrCallerContract marks batches whose fields contradict each other, for example a
// caption batch whose ground truth ids do not line up with its texts. These are
// programming errors upstream and are never turned into a skipped batch.
var ErrCallerContract = errors.New("caller contract violation")

func contractError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCallerContract, fmt.Sprintf(format, args...))
}

// SummaryLevel is the feature pyramid level pooled for video summaries.
const SummaryLevel = "p3"

// Track is one tracked object instance with its per-frame features, [frames, dim].
type Track struct {
	ID       int
	Features *tensor.Dense
}

// TrackPair is an ordered (source, target) combination of two tracks.
type TrackPair struct {
	Source Track
	Target Track
}

// FrameFeatures holds the detector feature maps of one frame keyed by pyramid level.
type FrameFeatures map[string]*tensor.Dense

// Batch is one of *SummaryBatch, *CaptionBatch or *RelationBatch.
type Batch interface {
	Mode() Mode
}

// SummaryBatch describes a whole clip. Texts holds the single reference summary when
// training and is empty at inference.
type SummaryBatch struct {
	Frames     []FrameFeatures
	PredTracks []Track
	Texts      []string
}

func (*SummaryBatch) Mode() Mode { return ModeSummary }

// CaptionBatch asks for one description per predicted track. When training, GTIDs[i]
// is the ground truth id matched to PredTracks[i] and Texts maps ids to descriptions.
type CaptionBatch struct {
	Frames     []FrameFeatures
	PredTracks []Track
	Texts      map[int]string
	GTIDs      []int
}

func (*CaptionBatch) Mode() Mode { return ModeCaption }

// RelationBatch asks for relations between every ordered pair of tracks. A non-nil
// Texts marks a training batch: it maps "sourceID-targetID" keys of ground truth ids
// to the relation phrases annotated for that pair.
type RelationBatch struct {
	PredTracks []Track
	GTIDs      []int
	Texts      map[string][]string
}

func (*RelationBatch) Mode() Mode { return ModeRelation }

// PairKey is the annotation key of an ordered pair of ground truth ids.
func PairKey(source, target int) string {
	return fmt.Sprintf("%d-%d", source, target)
}
