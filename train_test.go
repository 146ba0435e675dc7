package imdbtune

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceBatches replays a fixed list of batches.
type sliceBatches struct {
	batches []*Batch
	next    int
}

func (s *sliceBatches) Reset() { s.next = 0 }

func (s *sliceBatches) NextBatch() (*Batch, error) {
	if s.next >= len(s.batches) {
		return nil, io.EOF
	}
	s.next++
	return s.batches[s.next-1], nil
}

func labelledBatches(labels ...[]int32) *sliceBatches {
	s := &sliceBatches{}
	for _, l := range labels {
		s.batches = append(s.batches, &Batch{Labels: l, B: len(l), T: 1, Lengths: make([]int, len(l)), Inputs: make([]int32, len(l))})
	}
	return s
}

// scriptedModel always predicts class 1. Its validation losses follow validLosses, one
// value per evaluation forward pass; training passes report trainLoss.
type scriptedModel struct {
	trainLoss   float32
	validLosses []float32

	training  bool
	evalCalls int
	backwards int
	zeroed    int
}

func (m *scriptedModel) SetTraining(training bool) { m.training = training }

func (m *scriptedModel) Forward(batch *Batch) (*Output, error) {
	logits := make([]float32, 0, 2*batch.B)
	for i := 0; i < batch.B; i++ {
		logits = append(logits, 0, 1)
	}
	loss := m.trainLoss
	if !m.training {
		if len(m.validLosses) > 0 {
			loss = m.validLosses[min(m.evalCalls, len(m.validLosses)-1)]
		}
		m.evalCalls++
	}
	return &Output{Logits: logits, NumLabels: 2, Loss: loss}, nil
}

func (m *scriptedModel) Backward() error {
	if !m.training {
		return ErrNotTraining
	}
	m.backwards++
	return nil
}

func (m *scriptedModel) ZeroGradient() { m.zeroed++ }

type countingOptimizer struct{ steps int }

func (o *countingOptimizer) Step() error           { o.steps++; return nil }
func (o *countingOptimizer) LearningRate() float32 { return 0.1 }

var resultLine = regexp.MustCompile(`^(train loss|valid loss|total accuracy): -?\d+\.\d{3}$`)

func assertResultLines(t *testing.T, out string) {
	t.Helper()
	for _, line := range strings.Split(strings.TrimSuffix(out, "\n"), "\n") {
		assert.Regexp(t, resultLine, line)
	}
}

func TestTrainer_Fit(t *testing.T) {
	tests := []struct {
		name             string
		validLosses      []float32
		maxEpochs        int
		patience         int
		wantEpochs       int
		wantBestEpoch    int
		wantStoppedEpoch int
	}{
		{"early stop", []float32{5, 4, 3, 4, 5, 6, 7, 8, 9, 10}, 50, 5, 8, 2, 7},
		{"max epochs", []float32{5, 4, 3, 2, 1}, 3, 5, 3, 2, 2},
		{"single epoch", []float32{1}, 1, 5, 1, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &scriptedModel{trainLoss: 0.25, validLosses: tt.validLosses}
			opt := &countingOptimizer{}
			var out bytes.Buffer
			trainer := &Trainer{
				Model:     model,
				Optimizer: opt,
				Schedule:  &ConstantSchedule{LR: 0.1},
				MaxEpochs: tt.maxEpochs,
				Patience:  tt.patience,
				Out:       &out,
			}
			train := labelledBatches([]int32{0, 1}, []int32{1, 1}, []int32{0})
			valid := labelledBatches([]int32{1, 0})
			history, err := trainer.Fit(train, valid)
			require.NoError(t, err)

			assert.Len(t, history.ValidLoss, tt.wantEpochs)
			assert.Len(t, history.TrainLoss, tt.wantEpochs)
			assert.Equal(t, tt.wantBestEpoch, history.BestEpoch)
			assert.Equal(t, tt.wantStoppedEpoch, history.StoppedEpoch)
			// three training batches per epoch, each summed into the epoch loss
			assert.InDelta(t, 0.75, history.TrainLoss[0], 1e-9)
			assert.Equal(t, 3*tt.wantEpochs, opt.steps)
			assert.Equal(t, 3*tt.wantEpochs, model.backwards)
			assert.Equal(t, 3*tt.wantEpochs, model.zeroed)

			assertResultLines(t, out.String())
			assert.Equal(t, 2*tt.wantEpochs, strings.Count(out.String(), "\n"))
			assert.True(t, strings.HasPrefix(out.String(), "train loss: 0.750\nvalid loss: "))
		})
	}
}

func TestTrainer_FitErrors(t *testing.T) {
	trainer := &Trainer{
		Model:     &scriptedModel{},
		Optimizer: &countingOptimizer{},
		Schedule:  &ConstantSchedule{},
		MaxEpochs: 2,
	}
	_, err := trainer.Fit(labelledBatches(), labelledBatches([]int32{1}))
	assert.ErrorIs(t, err, ErrEmptySplit)

	_, err = trainer.Fit(labelledBatches([]int32{1}), labelledBatches())
	assert.ErrorIs(t, err, ErrEmptySplit)

	trainer.MaxEpochs = 0
	_, err = trainer.Fit(labelledBatches([]int32{1}), labelledBatches([]int32{1}))
	assert.Error(t, err)
}

func TestTrainer_Evaluate(t *testing.T) {
	model := &scriptedModel{validLosses: []float32{0.5, 0.25, 1}}
	trainer := &Trainer{Model: model}
	loss, err := trainer.Evaluate(labelledBatches([]int32{0}, []int32{1}, []int32{1}))
	require.NoError(t, err)
	assert.InDelta(t, 1.75, loss, 1e-9)
	assert.False(t, model.training)

	unlabelled := &sliceBatches{batches: []*Batch{{B: 1, T: 1, Inputs: []int32{0}, Lengths: []int{1}}}}
	_, err = trainer.Evaluate(unlabelled)
	assert.ErrorIs(t, err, ErrNoTargets)
}

func TestAccuracy(t *testing.T) {
	tests := []struct {
		name         string
		batches      *sliceBatches
		wantMean     float64
		wantWeighted float64
	}{
		{"balanced batches", labelledBatches([]int32{0, 1}, []int32{0, 1}, []int32{0, 1}, []int32{0, 1}), 0.5, 0.5},
		{"short final batch counts fully", labelledBatches([]int32{1, 1}, []int32{1, 1}, []int32{0}), 2.0 / 3, 0.8},
		{"all wrong", labelledBatches([]int32{0, 0}), 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Accuracy(&scriptedModel{}, tt.batches)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantMean, got.Mean, 1e-9)
			assert.InDelta(t, tt.wantWeighted, got.Weighted, 1e-9)
			assert.Equal(t, len(tt.batches.batches), got.Batches)
		})
	}

	_, err := Accuracy(&scriptedModel{}, labelledBatches())
	assert.ErrorIs(t, err, ErrEmptySplit)
}

func TestTrainer_Test(t *testing.T) {
	var out bytes.Buffer
	trainer := &Trainer{Model: &scriptedModel{}, Out: &out}
	result, err := trainer.Test(labelledBatches([]int32{0, 1}, []int32{1, 0}))
	require.NoError(t, err)
	assert.Equal(t, 0.5, result.Mean)
	assert.Equal(t, "total accuracy: 0.500\n", out.String())

	_, err = trainer.Test(labelledBatches())
	assert.True(t, errors.Is(err, ErrEmptySplit))
}

func tinyRun(t *testing.T, seed int64) (*History, AccuracyResult, string) {
	t.Helper()
	texts := []string{"abc", "bad", "cab", "dead", "face", "fade", "bead", "aced", "deaf", "cafe", "ace", "dab"}
	var examples []Example
	for i, text := range texts {
		examples = append(examples, Example{Text: text, Label: i % 2})
	}
	rng := rand.New(rand.NewSource(seed))
	train, valid, err := SplitTrainValidation(examples[:8], 0.25, rng)
	require.NoError(t, err)
	collator := Collator{Encoder: charEncoder{}, MaxLength: 4}
	trainLoader, err := NewDataLoader(train, 2, collator)
	require.NoError(t, err)
	validLoader, err := NewDataLoader(valid, 2, collator)
	require.NoError(t, err)
	testLoader, err := NewDataLoader(examples[8:], 2, collator)
	require.NoError(t, err)

	model := NewGPT2Classifier(tinyConfig, 2, seed)
	opt := NewAdafactor(model.ParamGroups())
	var out bytes.Buffer
	trainer := &Trainer{
		Model:     model,
		Optimizer: opt,
		Schedule:  &AdafactorSchedule{Optimizer: opt},
		MaxEpochs: 3,
		Patience:  5,
		Out:       &out,
	}
	history, err := trainer.Fit(trainLoader, validLoader)
	require.NoError(t, err)
	result, err := trainer.Test(testLoader)
	require.NoError(t, err)
	return history, result, out.String()
}

func TestTrainer_Deterministic(t *testing.T) {
	history1, result1, out1 := tinyRun(t, 1234)
	history2, result2, out2 := tinyRun(t, 1234)
	assert.Equal(t, history1, history2)
	assert.Equal(t, result1, result2)
	assert.Equal(t, out1, out2)

	assert.Len(t, history1.TrainLoss, 3)
	assert.GreaterOrEqual(t, result1.Mean, 0.0)
	assert.LessOrEqual(t, result1.Mean, 1.0)
	assertResultLines(t, out1)
	assert.Equal(t, 7, strings.Count(out1, "\n"))
	assert.True(t, strings.HasSuffix(out1, "\n") && strings.Contains(out1, "total accuracy: "))
}
