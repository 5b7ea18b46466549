package pipelines

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/HengLan/SMOT/batches"
	"github.com/HengLan/SMOT/fusion"
	"github.com/HengLan/SMOT/relations"
)

type testHead struct {
	head       *GRiTHead
	caption    *scriptedTransformer
	summary    *scriptedTransformer
	classifier *scoreClassifier
}

func newTestHead(t *testing.T, opts ...HeadOption) *testHead {
	t.Helper()
	th := &testHead{
		caption:    &scriptedTransformer{script: []uint32{201, 202, testSEP}},
		summary:    &scriptedTransformer{script: []uint32{200, 203, 204, testSEP}},
		classifier: &scoreClassifier{row: make([]float32, relations.LabelWidth()), loss: 0.25},
	}
	th.classifier.row[3] = 4
	th.classifier.row[7] = -4
	begin := TaskBeginTokens(testCLS)[TaskDenseCap]
	caption, err := NewTextDecoder("caption", th.caption, wordTokenizer{}, begin)
	require.NoError(t, err)
	summary, err := NewTextDecoder("summary", th.summary, wordTokenizer{}, begin)
	require.NoError(t, err)
	relation, err := NewRelationHead(th.classifier, relations.LabelWidth())
	require.NoError(t, err)
	th.head, err = NewGRiTHead(caption, summary, relation, opts...)
	require.NoError(t, err)
	return th
}

func predTracks(n int) []batches.Track {
	out := make([]batches.Track, n)
	for i := range out {
		out[i] = batches.Track{ID: i + 1, Features: features(2, 4)}
	}
	return out
}

func TestInferRelationTwoTracks(t *testing.T) {
	th := newTestHead(t)
	out, err := th.head.Infer(&batches.RelationBatch{PredTracks: predTracks(2)})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, batches.ModeRelation, out.Mode)
	require.Len(t, out.Relations, 2)
	assert.Equal(t, [][2]int{{1, 2}, {2, 1}}, out.PairIDs)
	for _, row := range out.Relations {
		require.Len(t, row, relations.Default().Size()+1)
		for _, p := range row {
			assert.GreaterOrEqual(t, p, float32(0))
			assert.LessOrEqual(t, p, float32(1))
		}
		assert.InDelta(t, 0.5, row[0], 1e-6)
		assert.Greater(t, row[3], float32(0.9))
		assert.Less(t, row[7], float32(0.1))
	}
	best, _, err := MaxProbability(out.Relations[0])
	require.NoError(t, err)
	assert.Equal(t, 3, best)
}

func TestInferRelationSkipsSingleTrack(t *testing.T) {
	th := newTestHead(t)
	out, err := th.head.Infer(&batches.RelationBatch{PredTracks: predTracks(1)})
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, uint64(1), th.head.GetStatistics().SkippedBatches)
}

func TestTrainRelation(t *testing.T) {
	th := newTestHead(t)
	out, err := th.head.Train(&batches.RelationBatch{
		PredTracks: predTracks(2),
		GTIDs:      []int{1, 2},
		Texts:      map[string][]string{"1-2": {"hold.v.01"}},
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, map[string]float32{"relation_loss": 0.25}, out.Losses)
	assert.Equal(t, 1, out.Samples)
}

// featurelessTracks returns n tracks of which only the first has features.
func featurelessTracks(n int) []batches.Track {
	out := predTracks(n)
	for i := 1; i < n; i++ {
		out[i].Features = nil
	}
	return out
}

func TestInferRelationFeaturelessPair(t *testing.T) {
	th := newTestHead(t)
	out, err := th.head.Infer(&batches.RelationBatch{PredTracks: featurelessTracks(3)})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, [][2]int{{1, 2}, {1, 3}, {2, 1}, {2, 3}, {3, 1}, {3, 2}}, out.PairIDs)
	require.Len(t, out.Relations, 6)
	assert.Equal(t, 4, th.classifier.pairs)
	for i, row := range out.Relations {
		if i == 3 || i == 5 {
			assert.Nil(t, row)
			continue
		}
		assert.Len(t, row, relations.LabelWidth())
	}
	require.Len(t, out.Failures, 2)
	assert.Equal(t, 3, out.Failures[0].Index)
	assert.Equal(t, 5, out.Failures[1].Index)
	for _, f := range out.Failures {
		assert.Equal(t, FailureExpected, f.Kind)
		assert.ErrorIs(t, f, ErrEmptySequence)
	}
	assert.Equal(t, uint64(2), th.head.GetStatistics().ExpectedFailures)
}

func TestInferRelationAllPairsFeatureless(t *testing.T) {
	th := newTestHead(t)
	tracks := featurelessTracks(3)[1:]
	out, err := th.head.Infer(&batches.RelationBatch{PredTracks: tracks})
	require.NoError(t, err)
	assert.Nil(t, out)
	stats := th.head.GetStatistics()
	assert.Equal(t, uint64(1), stats.SkippedBatches)
	assert.Equal(t, uint64(2), stats.ExpectedFailures)
}

func TestTrainRelationFeaturelessPair(t *testing.T) {
	th := newTestHead(t)
	out, err := th.head.Train(&batches.RelationBatch{
		PredTracks: featurelessTracks(3),
		GTIDs:      []int{1, 2, 3},
		Texts:      map[string][]string{"1-2": {"hold.v.01"}, "2-3": {"hold.v.01"}},
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, map[string]float32{"relation_loss": 0.25}, out.Losses)
	assert.Equal(t, 1, out.Samples)
	assert.Equal(t, 1, th.classifier.pairs)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, 1, out.Failures[0].Index)

	out, err = th.head.Train(&batches.RelationBatch{
		PredTracks: featurelessTracks(3),
		GTIDs:      []int{1, 2, 3},
		Texts:      map[string][]string{"2-3": {"hold.v.01"}},
	})
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, uint64(1), th.head.GetStatistics().SkippedBatches)
}

func TestTypedNilBatch(t *testing.T) {
	th := newTestHead(t)
	out, err := th.head.Infer((*batches.RelationBatch)(nil))
	assert.ErrorIs(t, err, batches.ErrCallerContract)
	assert.Nil(t, out)
	trained, err := th.head.Train((*batches.CaptionBatch)(nil))
	assert.ErrorIs(t, err, batches.ErrCallerContract)
	assert.Nil(t, trained)
}

func TestTrainRelationWithoutTexts(t *testing.T) {
	th := newTestHead(t)
	_, err := th.head.Train(&batches.RelationBatch{PredTracks: predTracks(2)})
	assert.ErrorIs(t, err, batches.ErrCallerContract)
}

func TestTrainCaption(t *testing.T) {
	th := newTestHead(t)
	out, err := th.head.Train(&batches.CaptionBatch{
		PredTracks: predTracks(2),
		GTIDs:      []int{0, 1},
		Texts:      map[int]string{0: "dog runs", 1: "dog runs"},
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, 2, out.Samples)
	assert.Empty(t, out.Failures)
	loss, ok := out.Losses["caption_loss"]
	require.True(t, ok)
	assert.Greater(t, loss, float32(0))
}

func TestTrainCaptionNoTracks(t *testing.T) {
	th := newTestHead(t)
	out, err := th.head.Train(&batches.CaptionBatch{})
	require.NoError(t, err)
	assert.Nil(t, out)
	stats := th.head.GetStatistics()
	assert.Equal(t, uint64(1), stats.SkippedBatches)
	assert.Zero(t, stats.TrainedBatches)
	assert.Zero(t, th.caption.calls)
}

// droppingFuser loses the last sample.
type droppingFuser struct {
	fusion.ConcatFuser
}

func (f droppingFuser) Fuse(n *batches.Normalized) ([]*tensor.Dense, error) {
	fused, err := f.ConcatFuser.Fuse(n)
	if err != nil || len(fused) == 0 {
		return fused, err
	}
	return fused[:len(fused)-1], nil
}

func TestTrainCaptionCountMismatch(t *testing.T) {
	th := newTestHead(t, WithFuser(droppingFuser{}))
	_, err := th.head.Train(&batches.CaptionBatch{
		PredTracks: predTracks(3),
		GTIDs:      []int{0, 1, 2},
		Texts:      map[int]string{0: "a", 1: "dog", 2: "cat"},
	})
	assert.ErrorIs(t, err, batches.ErrCallerContract)
}

func TestTrainCaptionExpectedFailure(t *testing.T) {
	th := newTestHead(t)
	tracks := predTracks(3)
	tracks[1].Features = nil
	out, err := th.head.Train(&batches.CaptionBatch{
		PredTracks: tracks,
		GTIDs:      []int{0, 1, 2},
		Texts:      map[int]string{0: "dog runs", 1: "a dog", 2: "dog runs"},
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, 2, out.Samples)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, 1, out.Failures[0].Index)
	assert.Equal(t, FailureExpected, out.Failures[0].Kind)
	assert.ErrorIs(t, out.Failures[0], ErrEmptySequence)

	stats := th.head.GetStatistics()
	assert.Equal(t, uint64(1), stats.ExpectedFailures)
	assert.Equal(t, uint64(0), stats.UnexpectedFailures)
	assert.Equal(t, uint64(1), stats.TrainedBatches)
}

func TestTrainCaptionAllSamplesFail(t *testing.T) {
	th := newTestHead(t)
	th.caption.err = errBroken
	out, err := th.head.Train(&batches.CaptionBatch{
		PredTracks: predTracks(2),
		GTIDs:      []int{0, 1},
		Texts:      map[int]string{0: "a", 1: "dog"},
	})
	require.NoError(t, err)
	assert.Nil(t, out)
	stats := th.head.GetStatistics()
	assert.Equal(t, uint64(2), stats.UnexpectedFailures)
	assert.Equal(t, uint64(1), stats.SkippedBatches)
}

func TestTrainStrictDecoding(t *testing.T) {
	th := newTestHead(t, WithStrictDecoding())
	th.caption.err = errBroken
	_, err := th.head.Train(&batches.CaptionBatch{
		PredTracks: predTracks(2),
		GTIDs:      []int{0, 1},
		Texts:      map[int]string{0: "a", 1: "dog"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errBroken)
	var failure SampleFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, FailureUnexpected, failure.Kind)
	assert.Equal(t, 0, failure.Index)
}

func TestStrictDecodingToleratesExpectedFailures(t *testing.T) {
	th := newTestHead(t, WithStrictDecoding())
	tracks := predTracks(2)
	tracks[0].Features = nil
	out, err := th.head.Infer(&batches.CaptionBatch{PredTracks: tracks})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, []string{"", "dog runs"}, out.Descriptions)
	assert.Equal(t, []int{1, 2}, out.TrackIDs)
	require.Len(t, out.Failures, 1)
}

func TestInferCaption(t *testing.T) {
	th := newTestHead(t)
	out, err := th.head.Infer(&batches.CaptionBatch{PredTracks: predTracks(2)})
	require.NoError(t, err)
	assert.Equal(t, []string{"dog runs", "dog runs"}, out.Descriptions)
	assert.Equal(t, []int{1, 2}, out.TrackIDs)
}

func TestSummaryRoutesToSummaryDecoder(t *testing.T) {
	th := newTestHead(t)
	frames := []batches.FrameFeatures{{batches.SummaryLevel: reshape4(features(4*20, 20), 1, 4, 20, 20)}}
	out, err := th.head.Infer(&batches.SummaryBatch{Frames: frames, PredTracks: predTracks(2)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a cat sits"}, out.Descriptions)
	assert.Zero(t, th.caption.calls)

	train, err := th.head.Train(&batches.SummaryBatch{Frames: frames, PredTracks: predTracks(2), Texts: []string{"a cat sits"}})
	require.NoError(t, err)
	require.NotNil(t, train)
	assert.Contains(t, train.Losses, "summary_loss")
	assert.Zero(t, th.caption.calls)

	_, err = th.head.Train(&batches.SummaryBatch{Frames: frames})
	assert.ErrorIs(t, err, batches.ErrCallerContract)
}

func reshape4(t *tensor.Dense, n, c, h, w int) *tensor.Dense {
	data := t.Data().([]float32)
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(n, c, h, w), tensor.WithBacking(data))
}

func TestUnknownModeIsRejected(t *testing.T) {
	th := newTestHead(t)
	_, err := th.head.Infer(otherBatch{})
	var modeErr *batches.UnknownModeError
	assert.True(t, errors.As(err, &modeErr))
}

type otherBatch struct{}

func (otherBatch) Mode() batches.Mode { return batches.Mode(5) }

func TestNewGRiTHeadValidation(t *testing.T) {
	th := newTestHead(t)
	_, err := NewGRiTHead(th.head.CaptionDecoder, th.head.CaptionDecoder, th.head.Relation)
	assert.Error(t, err)
	_, err = NewGRiTHead(nil, nil, nil)
	assert.Error(t, err)
}

func TestStatisticsCountCalls(t *testing.T) {
	th := newTestHead(t)
	_, err := th.head.Infer(&batches.CaptionBatch{PredTracks: predTracks(1)})
	require.NoError(t, err)
	_, err = th.head.Infer(&batches.RelationBatch{PredTracks: predTracks(3)})
	require.NoError(t, err)
	stats := th.head.GetStatistics()
	assert.Equal(t, uint64(3), stats.DecoderExecutionCount)
	assert.Equal(t, uint64(1), stats.TokenizerExecutionCount)
	assert.Equal(t, uint64(1), stats.ClassifierExecutionCount)
	assert.Equal(t, uint64(2), stats.InferredBatches)
}
