package imdbtune

import (
	"fmt"
	"io"
	"math/rand"
	"time"
)

// BenchResult summarises a Bench run.
type BenchResult struct {
	Losses []float32
	Mean   time.Duration // mean step time, excluding the first (warm-up) step when there are more
}

// Bench times steps full training steps (forward, backward, Adafactor update) on random
// batches of B rows of T tokens and prints one line per step to out.
func Bench(model *GPT2Classifier, B, T, steps int, seed int64, out io.Writer) (BenchResult, error) {
	if B <= 0 || T <= 0 || steps <= 0 {
		return BenchResult{}, fmt.Errorf("bench needs positive B, T and steps (got %d, %d, %d)", B, T, steps)
	}
	rng := rand.New(rand.NewSource(seed))
	batch := &Batch{
		Inputs:  make([]int32, B*T),
		Lengths: make([]int, B),
		Labels:  make([]int32, B),
		B:       B,
		T:       T,
	}
	for i := range batch.Inputs {
		batch.Inputs[i] = int32(rng.Intn(model.Config.V))
	}
	for b := 0; b < B; b++ {
		batch.Lengths[b] = 1 + rng.Intn(T)
		batch.Labels[b] = int32(rng.Intn(model.NumLabels))
	}
	model.SetTraining(true)
	opt := NewAdafactor(model.ParamGroups())
	var result BenchResult
	var total time.Duration
	for step := 0; step < steps; step++ {
		start := time.Now()
		if _, err := model.Forward(batch); err != nil {
			return result, err
		}
		if err := model.Backward(); err != nil {
			return result, err
		}
		if err := opt.Step(); err != nil {
			return result, err
		}
		model.ZeroGradient()
		elapsed := time.Since(start)
		if step > 0 || steps == 1 {
			total += elapsed
		}
		fmt.Fprintf(out, "step %d: loss %f (took %v)\n", step, model.MeanLoss, elapsed)
		result.Losses = append(result.Losses, model.MeanLoss)
	}
	timed := steps - 1
	if steps == 1 {
		timed = 1
	}
	result.Mean = total / time.Duration(timed)
	return result, nil
}
