package smot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HengLan/SMOT/batches"
	"github.com/HengLan/SMOT/datasets"
	"github.com/HengLan/SMOT/pipelines"
)

// scriptedTrainer returns losses that shrink by step each call.
type scriptedTrainer struct {
	calls int
	loss  float32
	step  float32
	err   error
}

func (s *scriptedTrainer) Train(b batches.Batch) (*pipelines.TrainOutput, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if rb, ok := b.(*batches.RelationBatch); ok && len(rb.PredTracks) < 2 {
		return nil, nil
	}
	loss := s.loss
	s.loss -= s.step
	out := &pipelines.TrainOutput{
		Mode:    b.Mode(),
		Losses:  map[string]float32{b.Mode().LossName(): loss},
		Samples: 1,
	}
	if b.Mode() == batches.ModeCaption {
		out.Failures = []pipelines.SampleFailure{{Index: 1, Kind: pipelines.FailureExpected, Err: pipelines.ErrEmptySequence}}
	}
	return out, nil
}

func trainingDataset(t *testing.T) *datasets.BatchDataset {
	t.Helper()
	lines := [][]byte{
		[]byte(`{"mode": "caption", "pred_tracks": [{"id": 0, "features": {"shape": [1, 2], "data": [1, 2]}}], "gt_ids": [0], "texts": ["a dog"]}`),
		[]byte(`{"mode": "relation", "pred_tracks": [{"id": 1, "features": {"shape": [1, 2], "data": [1, 2]}}, {"id": 2, "features": {"shape": [1, 2], "data": [1, 2]}}], "gt_ids": [1, 2], "texts": {"1-2": ["x"]}}`),
		[]byte(`{"mode": "relation", "pred_tracks": [{"id": 1, "features": {"shape": [1, 2], "data": [1, 2]}}]}`),
		[]byte(`{"mode": "caption", "pred_tracks": [{"id": 0, "features": {"shape": [1, 2], "data": [1, 2]}}], "gt_ids": [0], "texts": ["a cat"]}`),
	}
	d, err := datasets.NewInMemoryBatchDataset(lines)
	require.NoError(t, err)
	return d
}

func TestTrainingSession(t *testing.T) {
	trainer := &scriptedTrainer{loss: 4, step: 1}
	var stepped []int
	session, err := NewTrainingSession(trainer, trainingDataset(t), WithEpochs(2), WithStep(func(epoch int, output *pipelines.TrainOutput) error {
		stepped = append(stepped, epoch)
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, session.Train(context.Background()))

	assert.Equal(t, 8, trainer.calls)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, stepped)

	stats := session.GetStatistics()
	require.Len(t, stats.EpochLosses, 2)
	// epoch 1: caption 4 and 2, relation 3
	assert.Equal(t, map[string]float32{"caption_loss": 3, "relation_loss": 3}, stats.EpochLosses[0])
	// epoch 2: caption 1 and -1, relation 0
	assert.Equal(t, map[string]float32{"caption_loss": 0, "relation_loss": 0}, stats.EpochLosses[1])
	assert.Equal(t, []int{1, 1}, stats.EpochSkipped)
	assert.Equal(t, []int{2, 2}, stats.EpochFailures)
	assert.Equal(t, []int{3, 3}, stats.EpochTrainedSteps)

	dir := t.TempDir()
	require.NoError(t, session.Save(dir))
	data, err := os.ReadFile(filepath.Join(dir, "statistics.json"))
	require.NoError(t, err)
	var saved TrainingStatistics
	require.NoError(t, jsoniter.Unmarshal(data, &saved))
	assert.Equal(t, stats, saved)
}

func TestTrainingSessionEarlyStopping(t *testing.T) {
	trainer := &scriptedTrainer{loss: 1, step: 0}
	session, err := NewTrainingSession(trainer, trainingDataset(t), WithEpochs(10), WithEarlyStoppingParams(2, 1e-3))
	require.NoError(t, err)
	require.NoError(t, session.Train(context.Background()))
	stats := session.GetStatistics()
	assert.Len(t, stats.EpochLosses, 3)
	assert.Equal(t, 3, stats.StoppedEarlyAtEpoch)
}

func TestTrainingSessionErrors(t *testing.T) {
	trainer := &scriptedTrainer{err: batches.ErrCallerContract}
	session, err := NewTrainingSession(trainer, trainingDataset(t))
	require.NoError(t, err)
	assert.ErrorIs(t, session.Train(context.Background()), batches.ErrCallerContract)

	stepErr := errors.New("optimizer failed")
	session, err = NewTrainingSession(&scriptedTrainer{loss: 1}, trainingDataset(t), WithStep(func(int, *pipelines.TrainOutput) error {
		return stepErr
	}))
	require.NoError(t, err)
	assert.ErrorIs(t, session.Train(context.Background()), stepErr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	session, err = NewTrainingSession(&scriptedTrainer{loss: 1}, trainingDataset(t))
	require.NoError(t, err)
	assert.ErrorIs(t, session.Train(ctx), context.Canceled)

	_, err = NewTrainingSession(nil, trainingDataset(t))
	assert.Error(t, err)
	_, err = NewTrainingSession(&scriptedTrainer{}, trainingDataset(t), WithEpochs(0))
	assert.Error(t, err)
	assert.Error(t, session.Save(""))
}
