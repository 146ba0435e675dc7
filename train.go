package imdbtune

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

var ErrEmptySplit = errors.New("split produced no batches")

// Model is a classifier the Trainer can fit.
type Model interface {
	SetTraining(training bool)
	Forward(batch *Batch) (*Output, error)
	Backward() error
	ZeroGradient()
}

// Batches is a rewindable source of batches. NextBatch returns io.EOF at the end of a pass.
type Batches interface {
	Reset()
	NextBatch() (*Batch, error)
}

// History records what happened during Fit.
type History struct {
	TrainLoss    []float64 // summed per-batch training loss of every epoch
	ValidLoss    []float64 // summed per-batch validation loss of every epoch
	BestEpoch    int
	StoppedEpoch int // last epoch that ran
}

// Trainer runs the train/validate epochs with early stopping and the final test pass.
// Result lines go to Out; everything else goes to Logger.
type Trainer struct {
	Model     Model
	Optimizer Optimizer
	Schedule  Schedule
	MaxEpochs int
	Patience  int
	Out       io.Writer
	Logger    *slog.Logger
}

func (t *Trainer) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return t.Logger
}

func (t *Trainer) out() io.Writer {
	if t.Out == nil {
		return io.Discard
	}
	return t.Out
}

// Fit trains until early stopping fires or MaxEpochs epochs have run.
func (t *Trainer) Fit(train, valid Batches) (*History, error) {
	if t.MaxEpochs <= 0 {
		return nil, fmt.Errorf("max epochs must be > 0 (got %d)", t.MaxEpochs)
	}
	logger := t.logger()
	stopper := &EarlyStopper{Patience: t.Patience}
	history := &History{}
	for epoch := 0; epoch < t.MaxEpochs; epoch++ {
		start := time.Now()
		trainLoss, steps, err := t.trainEpoch(train)
		if err != nil {
			return history, fmt.Errorf("epoch %d: train: %w", epoch, err)
		}
		validLoss, err := t.Evaluate(valid)
		if err != nil {
			return history, fmt.Errorf("epoch %d: validate: %w", epoch, err)
		}
		fmt.Fprintf(t.out(), "train loss: %.3f\n", trainLoss)
		fmt.Fprintf(t.out(), "valid loss: %.3f\n", validLoss)
		history.TrainLoss = append(history.TrainLoss, trainLoss)
		history.ValidLoss = append(history.ValidLoss, validLoss)
		history.StoppedEpoch = epoch
		stop := stopper.Observe(epoch, validLoss)
		best, bestEpoch := stopper.Best()
		history.BestEpoch = bestEpoch
		logger.Info("epoch done",
			"epoch", epoch,
			"steps", steps,
			"train_loss", trainLoss,
			"valid_loss", validLoss,
			"best_loss", best,
			"best_epoch", bestEpoch,
			"lr", t.Schedule.LearningRate(),
			"took", time.Since(start))
		if stop {
			logger.Info("early stopping", "epoch", epoch, "best_epoch", bestEpoch, "patience", t.Patience)
			break
		}
	}
	return history, nil
}

func (t *Trainer) trainEpoch(train Batches) (float64, int, error) {
	logger := t.logger()
	t.Model.SetTraining(true)
	train.Reset()
	var totLoss float64
	steps := 0
	for {
		batch, err := train.NextBatch()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, steps, err
		}
		out, err := t.Model.Forward(batch)
		if err != nil {
			return 0, steps, err
		}
		if IsNaN(out.Loss) {
			logger.Warn("loss is NaN", "step", steps)
		}
		totLoss += float64(out.Loss)
		if err := t.Model.Backward(); err != nil {
			return 0, steps, err
		}
		if err := t.Optimizer.Step(); err != nil {
			return 0, steps, err
		}
		t.Schedule.Step()
		t.Model.ZeroGradient()
		steps++
		logger.Debug("train step", "step", steps, "loss", out.Loss, "batch", batch.B, "seq_len", batch.T)
	}
	if steps == 0 {
		return 0, 0, ErrEmptySplit
	}
	return totLoss, steps, nil
}

// Evaluate returns the sum of the per-batch mean losses over one full pass of valid.
func (t *Trainer) Evaluate(valid Batches) (float64, error) {
	t.Model.SetTraining(false)
	valid.Reset()
	var evalLoss float64
	n := 0
	for {
		batch, err := valid.NextBatch()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		if len(batch.Labels) == 0 {
			return 0, ErrNoTargets
		}
		out, err := t.Model.Forward(batch)
		if err != nil {
			return 0, err
		}
		evalLoss += float64(out.Loss)
		n++
	}
	if n == 0 {
		return 0, ErrEmptySplit
	}
	return evalLoss, nil
}

// Test runs the accuracy pass and prints the mean per-batch accuracy.
func (t *Trainer) Test(test Batches) (AccuracyResult, error) {
	result, err := Accuracy(t.Model, test)
	if err != nil {
		return result, fmt.Errorf("test: %w", err)
	}
	fmt.Fprintf(t.out(), "total accuracy: %.3f\n", result.Mean)
	t.logger().Info("test done",
		"batches", result.Batches,
		"correct", result.Correct,
		"total", result.Total,
		"weighted_accuracy", result.Weighted)
	return result, nil
}

// AccuracyResult holds the outcome of an accuracy pass.
type AccuracyResult struct {
	Mean     float64 // mean of the per-batch accuracies
	Weighted float64 // correct / total over every example
	Batches  int
	Correct  int
	Total    int
}

// Accuracy predicts the arg-max class of every example in one pass over batches. Mean
// averages per-batch accuracies, so a short final batch counts as much as a full one.
func Accuracy(model Model, batches Batches) (AccuracyResult, error) {
	model.SetTraining(false)
	batches.Reset()
	var result AccuracyResult
	var totAcc float64
	for {
		batch, err := batches.NextBatch()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, err
		}
		if len(batch.Labels) == 0 {
			return result, ErrNoTargets
		}
		out, err := model.Forward(batch)
		if err != nil {
			return result, err
		}
		correct := 0
		for i, pred := range out.Predictions() {
			if pred == batch.Labels[i] {
				correct++
			}
		}
		totAcc += float64(correct) / float64(len(batch.Labels))
		result.Correct += correct
		result.Total += len(batch.Labels)
		result.Batches++
	}
	if result.Batches == 0 {
		return result, ErrEmptySplit
	}
	result.Mean = totAcc / float64(result.Batches)
	result.Weighted = float64(result.Correct) / float64(result.Total)
	return result, nil
}
