package batches

import (
	"bytes"
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"gorgonia.org/tensor"

	"github.com/HengLan/SMOT/util/tensorutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RawTensor is the JSON form of a dense float tensor.
type RawTensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// RawTrack is the JSON form of a Track.
type RawTrack struct {
	ID       int       `json:"id"`
	Features RawTensor `json:"features"`
}

// RawBatch is the JSON form of a batch as stored in jsonl datasets.
type RawBatch struct {
	Mode       string                 `json:"mode"`
	Feats      []map[string]RawTensor `json:"feats,omitempty"`
	PredTracks []RawTrack             `json:"pred_tracks,omitempty"`
	GTIDs      []int                  `json:"gt_ids,omitempty"`
	Texts      jsoniter.RawMessage    `json:"texts,omitempty"`
}

// Decode parses one JSON encoded batch.
func Decode(data []byte) (Batch, error) {
	raw := RawBatch{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding batch: %w", err)
	}
	return raw.Batch()
}

// Batch converts the raw form into its typed variant.
func (r *RawBatch) Batch() (Batch, error) {
	mode, err := ParseMode(r.Mode)
	if err != nil {
		return nil, err
	}
	tracks, err := r.tracks()
	if err != nil {
		return nil, err
	}
	switch mode {
	case ModeSummary:
		frames, err := r.frames()
		if err != nil {
			return nil, err
		}
		b := &SummaryBatch{Frames: frames, PredTracks: tracks}
		if r.hasTexts() {
			if err := decodeStrings(r.Texts, &b.Texts); err != nil {
				return nil, fmt.Errorf("summary texts: %w", err)
			}
		}
		return b, nil
	case ModeCaption:
		frames, err := r.frames()
		if err != nil {
			return nil, err
		}
		b := &CaptionBatch{Frames: frames, PredTracks: tracks, GTIDs: r.GTIDs}
		if r.hasTexts() {
			if b.Texts, err = decodeCaptionTexts(r.Texts); err != nil {
				return nil, fmt.Errorf("caption texts: %w", err)
			}
		}
		return b, nil
	default:
		b := &RelationBatch{PredTracks: tracks, GTIDs: r.GTIDs}
		if r.hasTexts() {
			if b.Texts, err = decodeRelationTexts(r.Texts); err != nil {
				return nil, fmt.Errorf("relation texts: %w", err)
			}
		}
		return b, nil
	}
}

func (r *RawBatch) hasTexts() bool {
	trimmed := bytes.TrimSpace(r.Texts)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func (r *RawBatch) tracks() ([]Track, error) {
	tracks := make([]Track, 0, len(r.PredTracks))
	for i, raw := range r.PredTracks {
		features, err := raw.Features.Dense()
		if err != nil {
			return nil, fmt.Errorf("pred_tracks[%d]: %w", i, err)
		}
		tracks = append(tracks, Track{ID: raw.ID, Features: features})
	}
	return tracks, nil
}

func (r *RawBatch) frames() ([]FrameFeatures, error) {
	frames := make([]FrameFeatures, 0, len(r.Feats))
	for i, levels := range r.Feats {
		frame := make(FrameFeatures, len(levels))
		for level, raw := range levels {
			t, err := raw.Dense()
			if err != nil {
				return nil, fmt.Errorf("feats[%d].%s: %w", i, level, err)
			}
			frame[level] = t
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// Dense validates the raw tensor and wraps it.
func (t RawTensor) Dense() (*tensor.Dense, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("tensor has no shape")
	}
	for _, d := range t.Shape {
		if d < 0 {
			return nil, fmt.Errorf("negative dimension in shape %v", t.Shape)
		}
	}
	if v := tensorutil.Volume(t.Shape); v != len(t.Data) {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", t.Shape, v, len(t.Data))
	}
	data := t.Data
	if data == nil {
		data = []float32{}
	}
	return tensorutil.New(data, t.Shape...), nil
}

// NewRawTensor is the inverse of RawTensor.Dense.
func NewRawTensor(t *tensor.Dense) (RawTensor, error) {
	data, err := tensorutil.Float32s(t)
	if err != nil {
		return RawTensor{}, err
	}
	return RawTensor{Shape: append([]int(nil), t.Shape()...), Data: data}, nil
}

func decodeStrings(data []byte, out *[]string) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*out = []string{single}
		return nil
	}
	return json.Unmarshal(data, out)
}

// decodeCaptionTexts accepts a list indexed by ground truth id or an object keyed by
// the decimal id.
func decodeCaptionTexts(data []byte) (map[int]string, error) {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		texts := make(map[int]string, len(list))
		for id, text := range list {
			texts[id] = text
		}
		return texts, nil
	}
	var object map[string]string
	if err := json.Unmarshal(data, &object); err != nil {
		return nil, fmt.Errorf("expected a list or an object of strings: %w", err)
	}
	texts := make(map[int]string, len(object))
	for key, text := range object {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("caption key %q is not a track id", key)
		}
		texts[id] = text
	}
	return texts, nil
}

func decodeRelationTexts(data []byte) (map[string][]string, error) {
	var object map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &object); err != nil {
		return nil, fmt.Errorf("expected an object keyed by id pairs: %w", err)
	}
	texts := make(map[string][]string, len(object))
	for key, raw := range object {
		var phrases []string
		if err := decodeStrings(raw, &phrases); err != nil {
			return nil, fmt.Errorf("relations of %s: %w", key, err)
		}
		texts[key] = phrases
	}
	return texts, nil
}
