package smot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"slices"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"

	"github.com/HengLan/SMOT/batches"
	"github.com/HengLan/SMOT/datasets"
	"github.com/HengLan/SMOT/pipelines"
	"github.com/HengLan/SMOT/util/fileutil"
)

// Trainer computes training losses for a batch. *pipelines.GRiTHead is a Trainer.
type Trainer interface {
	Train(b batches.Batch) (*pipelines.TrainOutput, error)
}

// StepFunc receives the losses of every trained batch. Parameter updates happen
// here, outside the head.
type StepFunc func(epoch int, output *pipelines.TrainOutput) error

type earlyStopping struct {
	patience  int     // number of epochs to wait for improvement before stopping
	tolerance float32 // tolerance for loss comparison
}

type TrainingStatistics struct {
	// EpochLosses holds, per epoch, the mean loss of each "{mode}_loss" key.
	EpochLosses         []map[string]float32 `json:"epochLosses"`
	EpochSkipped        []int                `json:"epochSkipped"`
	EpochFailures       []int                `json:"epochFailures"`
	EpochTrainedSteps   []int                `json:"epochTrainedSteps"`
	StoppedEarlyAtEpoch int                  `json:"stoppedEarlyAtEpoch,omitempty"`
}

type TrainingSession struct {
	trainer       Trainer
	dataset       *datasets.BatchDataset
	step          StepFunc
	maxEpochs     int
	earlyStopping *earlyStopping
	statistics    TrainingStatistics
}

type TrainingOption func(eo *TrainingSession) error

func WithEpochs(epochs int) TrainingOption {
	return func(eo *TrainingSession) error {
		if epochs <= 0 {
			return fmt.Errorf("epochs must be greater than 0")
		}
		eo.maxEpochs = epochs
		return nil
	}
}

func WithStep(step StepFunc) TrainingOption {
	return func(eo *TrainingSession) error {
		if step == nil {
			return fmt.Errorf("step function is nil")
		}
		eo.step = step
		return nil
	}
}

func WithEarlyStopping() TrainingOption {
	return WithEarlyStoppingParams(3, 1e-4) // default patience and tolerance
}

func WithEarlyStoppingParams(patience int, tolerance float32) TrainingOption {
	return func(eo *TrainingSession) error {
		if patience <= 0 {
			return fmt.Errorf("patience must be greater than 0")
		}
		if tolerance <= 0 {
			return fmt.Errorf("tolerance must be greater than 0")
		}
		eo.earlyStopping = &earlyStopping{
			patience:  patience,
			tolerance: tolerance,
		}
		return nil
	}
}

func NewTrainingSession(trainer Trainer, dataset *datasets.BatchDataset, opts ...TrainingOption) (*TrainingSession, error) {
	if trainer == nil {
		return nil, errors.New("a trainer is required")
	}
	if dataset == nil {
		return nil, errors.New("a dataset is required")
	}
	session := &TrainingSession{trainer: trainer, dataset: dataset}
	for _, opt := range opts {
		if err := opt(session); err != nil {
			return nil, err
		}
	}
	if session.maxEpochs <= 0 {
		session.maxEpochs = 1
	}
	return session, nil
}

func (s *TrainingSession) GetStatistics() TrainingStatistics {
	return s.statistics
}

// Train runs the dataset through the trainer for the configured number of epochs.
// Degenerate batches are counted as skipped; errors from the trainer or the step
// function stop training.
func (s *TrainingSession) Train(ctx context.Context) error {
	best := float32(math.MaxFloat32)
	sinceBest := 0
	for epoch := range s.maxEpochs {
		if err := s.trainEpoch(ctx, epoch); err != nil {
			return err
		}
		if s.earlyStopping == nil {
			continue
		}
		loss := totalLoss(s.statistics.EpochLosses[epoch])
		if loss < best-s.earlyStopping.tolerance {
			best = loss
			sinceBest = 0
			continue
		}
		sinceBest++
		if sinceBest >= s.earlyStopping.patience {
			log.Info().Int("epoch", epoch+1).Float32("best", best).Msg("stopping early")
			s.statistics.StoppedEarlyAtEpoch = epoch + 1
			return nil
		}
	}
	return nil
}

func (s *TrainingSession) trainEpoch(ctx context.Context, epoch int) error {
	sums := map[string]float32{}
	counts := map[string]int{}
	skipped, failures, steps := 0, 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := s.dataset.Yield()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		output, err := s.trainer.Train(b)
		if err != nil {
			return fmt.Errorf("epoch %d, batch %d: %w", epoch+1, steps+skipped+1, err)
		}
		if output == nil {
			skipped++
			continue
		}
		failures += len(output.Failures)
		for name, loss := range output.Losses {
			sums[name] += loss
			counts[name]++
		}
		if s.step != nil {
			if err := s.step(epoch, output); err != nil {
				return err
			}
		}
		steps++
	}

	means := make(map[string]float32, len(sums))
	for name, sum := range sums {
		means[name] = sum / float32(counts[name])
	}
	s.statistics.EpochLosses = append(s.statistics.EpochLosses, means)
	s.statistics.EpochSkipped = append(s.statistics.EpochSkipped, skipped)
	s.statistics.EpochFailures = append(s.statistics.EpochFailures, failures)
	s.statistics.EpochTrainedSteps = append(s.statistics.EpochTrainedSteps, steps)
	log.Info().Int("epoch", epoch+1).Int("steps", steps).Int("skipped", skipped).Any("losses", means).Msg("epoch completed")
	return s.dataset.Reset()
}

func totalLoss(losses map[string]float32) float32 {
	var total float32
	for _, name := range slices.Sorted(maps.Keys(losses)) {
		total += losses[name]
	}
	return total
}

// Save writes the training statistics to statistics.json in the directory at path.
func (s *TrainingSession) Save(path string) (writeErr error) {
	if path == "" {
		return fmt.Errorf("path is required")
	}
	statisticsWriter, err := fileutil.NewFileWriter(fileutil.PathJoinSafe(path, "statistics.json"), "application/json")
	if err != nil {
		return err
	}
	defer func() {
		writeErr = errors.Join(writeErr, statisticsWriter.Close())
	}()

	statisticsBytes, err := jsoniter.Marshal(s.statistics)
	if err != nil {
		return fmt.Errorf("failed to marshal training statistics: %w", err)
	}
	if _, err = statisticsWriter.Write(statisticsBytes); err != nil {
		return fmt.Errorf("failed to write training statistics: %w", err)
	}
	return nil
}
