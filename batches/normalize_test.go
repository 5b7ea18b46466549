package batches

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/HengLan/SMOT/relations"
	"github.com/HengLan/SMOT/util/tensorutil"
)

var denseAsRaw = cmp.Transformer("dense", func(t *tensor.Dense) RawTensor {
	if t == nil {
		return RawTensor{}
	}
	raw, err := NewRawTensor(t)
	if err != nil {
		panic(err)
	}
	return raw
})

func track(id int, frames, dim int) Track {
	data := make([]float32, frames*dim)
	for i := range data {
		data[i] = float32(id*100 + i)
	}
	return Track{ID: id, Features: tensorutil.New(data, frames, dim)}
}

func tracks(n int) []Track {
	out := make([]Track, n)
	for i := range out {
		out[i] = track(i+1, 2, 4)
	}
	return out
}

func TestRelationInferencePairs(t *testing.T) {
	for n := 0; n <= 5; n++ {
		out, err := Normalize(&RelationBatch{PredTracks: tracks(n)}, false)
		require.NoError(t, err)
		if n <= 1 {
			assert.Nil(t, out, "n=%d", n)
			continue
		}
		require.NotNil(t, out)
		assert.Equal(t, ModeRelation, out.Mode)
		assert.Len(t, out.Pairs, n*(n-1))
		assert.Empty(t, out.Labels)
		seen := map[[2]int]bool{}
		for _, pair := range out.Pairs {
			assert.NotEqual(t, pair.Source.ID, pair.Target.ID)
			key := [2]int{pair.Source.ID, pair.Target.ID}
			assert.False(t, seen[key], "duplicate pair %v", key)
			seen[key] = true
		}
	}
}

func TestRelationInferencePairOrder(t *testing.T) {
	out, err := Normalize(&RelationBatch{PredTracks: tracks(3)}, false)
	require.NoError(t, err)
	var got [][2]int
	for _, pair := range out.Pairs {
		got = append(got, [2]int{pair.Source.ID, pair.Target.ID})
	}
	assert.Equal(t, [][2]int{{1, 2}, {1, 3}, {2, 1}, {2, 3}, {3, 1}, {3, 2}}, got)
}

func TestRelationTrainingSinglePair(t *testing.T) {
	predTracks := []Track{track(1, 2, 4), track(2, 3, 4)}
	b := &RelationBatch{
		PredTracks: predTracks,
		GTIDs:      []int{1, 2},
		Texts:      map[string][]string{"1-2": {"hold.v.01", " Talk.v.01"}},
	}
	out, err := Normalize(b, true)
	require.NoError(t, err)
	require.NotNil(t, out)

	label, err := relations.Encode([]string{"hold.v.01", "talk.v.01"})
	require.NoError(t, err)
	want := &Normalized{
		Mode:   ModeRelation,
		Pairs:  []TrackPair{{Source: predTracks[0], Target: predTracks[1]}},
		Labels: [][]float32{label},
	}
	if diff := cmp.Diff(want, out, denseAsRaw); diff != "" {
		t.Errorf("normalized batch mismatch (-want +got):\n%s", diff)
	}
}

func TestRelationTrainingIncludesSelfPairs(t *testing.T) {
	b := &RelationBatch{
		PredTracks: tracks(2),
		GTIDs:      []int{5, 6},
		Texts:      map[string][]string{"5-5": {"look.v.01"}, "6-5": {"touch.v.01"}},
	}
	out, err := Normalize(b, true)
	require.NoError(t, err)
	require.Len(t, out.Pairs, 2)
	assert.Equal(t, 1, out.Pairs[0].Source.ID)
	assert.Equal(t, 1, out.Pairs[0].Target.ID)
	assert.Equal(t, 2, out.Pairs[1].Source.ID)
	assert.Equal(t, 1, out.Pairs[1].Target.ID)
	assert.Len(t, out.Labels, 2)
}

func TestRelationTrainingDegenerate(t *testing.T) {
	tests := []struct {
		name  string
		batch *RelationBatch
	}{
		{"one track", &RelationBatch{PredTracks: tracks(1), GTIDs: []int{1}, Texts: map[string][]string{"1-1": {"look.v.01"}}}},
		{"no annotated pair", &RelationBatch{PredTracks: tracks(2), GTIDs: []int{1, 2}, Texts: map[string][]string{"3-4": {"look.v.01"}}}},
		{"empty texts", &RelationBatch{PredTracks: tracks(2), GTIDs: []int{1, 2}, Texts: map[string][]string{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Normalize(tt.batch, true)
			require.NoError(t, err)
			assert.Nil(t, out)
		})
	}
}

func TestRelationTrainingUnknownPhrase(t *testing.T) {
	b := &RelationBatch{
		PredTracks: tracks(2),
		GTIDs:      []int{1, 2},
		Texts:      map[string][]string{"1-2": {"levitate.v.01"}},
	}
	_, err := Normalize(b, true)
	var lookupErr *relations.LookupError
	assert.True(t, errors.As(err, &lookupErr))
}

func TestRelationTrainingMissingTrack(t *testing.T) {
	b := &RelationBatch{
		PredTracks: tracks(2),
		GTIDs:      []int{1, 2, 3},
		Texts:      map[string][]string{"1-3": {"look.v.01"}},
	}
	_, err := Normalize(b, true)
	assert.ErrorIs(t, err, ErrCallerContract)
}

func TestCaptionTrainingSelectsTexts(t *testing.T) {
	predTracks := tracks(2)
	b := &CaptionBatch{
		PredTracks: predTracks,
		GTIDs:      []int{0, 2},
		Texts:      map[int]string{0: "a", 1: "b", 2: "c"},
	}
	out, err := Normalize(b, true)
	require.NoError(t, err)
	want := &Normalized{Mode: ModeCaption, Tracks: predTracks, Texts: []string{"a", "c"}}
	if diff := cmp.Diff(want, out, denseAsRaw); diff != "" {
		t.Errorf("normalized batch mismatch (-want +got):\n%s", diff)
	}
}

func TestCaptionTrainingContract(t *testing.T) {
	tests := []struct {
		name  string
		batch *CaptionBatch
	}{
		{"missing id", &CaptionBatch{PredTracks: tracks(2), GTIDs: []int{0, 7}, Texts: map[int]string{0: "a"}}},
		{"count mismatch", &CaptionBatch{PredTracks: tracks(3), GTIDs: []int{0, 1}, Texts: map[int]string{0: "a", 1: "b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.batch, true)
			assert.ErrorIs(t, err, ErrCallerContract)
		})
	}
}

func TestCaptionInferencePassesTracks(t *testing.T) {
	predTracks := tracks(3)
	out, err := Normalize(&CaptionBatch{PredTracks: predTracks}, false)
	require.NoError(t, err)
	assert.Equal(t, predTracks, out.Tracks)
	assert.Empty(t, out.Texts)
}

func frame(c, h, w int) FrameFeatures {
	data := make([]float32, c*h*w)
	for i := range data {
		data[i] = float32(i % 7)
	}
	return FrameFeatures{SummaryLevel: tensorutil.New(data, 1, c, h, w)}
}

func TestSummaryPooling(t *testing.T) {
	for _, size := range [][2]int{{5, 7}, {16, 16}, {20, 33}, {64, 48}, {1, 1}} {
		frames := []FrameFeatures{frame(3, size[0], size[1]), frame(3, size[0], size[1]), frame(3, size[0], size[1])}
		out, err := Normalize(&SummaryBatch{Frames: frames}, false)
		require.NoError(t, err, size)
		assert.Equal(t, tensor.Shape{3, 3, 256}, out.Video.Shape(), size)
	}
}

func TestSummaryRank3Maps(t *testing.T) {
	frames := []FrameFeatures{
		{SummaryLevel: tensorutil.Zeros(2, 8, 8)},
		{SummaryLevel: tensorutil.Zeros(2, 8, 8)},
	}
	out, err := Normalize(&SummaryBatch{Frames: frames, Texts: []string{"two people talk"}}, true)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 2, 256}, out.Video.Shape())
	assert.Equal(t, []string{"two people talk"}, out.Texts)
}

func TestSummaryContract(t *testing.T) {
	tests := []struct {
		name     string
		batch    *SummaryBatch
		training bool
	}{
		{"no text", &SummaryBatch{Frames: []FrameFeatures{frame(2, 4, 4)}}, true},
		{"two texts", &SummaryBatch{Frames: []FrameFeatures{frame(2, 4, 4)}, Texts: []string{"a", "b"}}, true},
		{"no frames", &SummaryBatch{}, false},
		{"missing level", &SummaryBatch{Frames: []FrameFeatures{{"p4": tensorutil.Zeros(1, 2, 4, 4)}}}, false},
		{"channel mismatch", &SummaryBatch{Frames: []FrameFeatures{frame(2, 4, 4), frame(3, 4, 4)}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.batch, tt.training)
			assert.ErrorIs(t, err, ErrCallerContract)
		})
	}
}

type otherBatch struct{}

func (otherBatch) Mode() Mode { return Mode(9) }

func TestNilBatch(t *testing.T) {
	for _, b := range []Batch{nil, (*SummaryBatch)(nil), (*CaptionBatch)(nil), (*RelationBatch)(nil)} {
		out, err := Normalize(b, true)
		assert.ErrorIs(t, err, ErrCallerContract)
		assert.Nil(t, out)
	}
}

func TestUnknownMode(t *testing.T) {
	_, err := Normalize(otherBatch{}, false)
	var modeErr *UnknownModeError
	require.True(t, errors.As(err, &modeErr))
	assert.Equal(t, "Mode(9)", modeErr.Mode)

	_, err = ParseMode("detection")
	require.True(t, errors.As(err, &modeErr))
	assert.Equal(t, "detection", modeErr.Mode)

	for _, mode := range []Mode{ModeSummary, ModeCaption, ModeRelation} {
		parsed, err := ParseMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, parsed)
	}
}
