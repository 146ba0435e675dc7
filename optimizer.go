package imdbtune

import (
	"fmt"
	"math"
)

// ParamGroup is an optimizer's view of one parameter tensor. Data and Grad alias the model
// arenas. Data holds len(Data)/(Rows*Cols) stacked Rows x Cols matrices; Rows is 1 for
// vectors.
type ParamGroup struct {
	Name string
	Data []float32
	Grad []float32
	Rows int
	Cols int
}

func (g ParamGroup) slices() int {
	return len(g.Data) / (g.Rows * g.Cols)
}

// Optimizer applies the accumulated gradients to the parameters.
type Optimizer interface {
	Step() error
	LearningRate() float32
}

// Schedule adapts the step size once per optimizer step.
type Schedule interface {
	Step()
	LearningRate() float32
}

// ConstantSchedule never changes the learning rate.
type ConstantSchedule struct {
	LR float32
}

func (s *ConstantSchedule) Step()                 {}
func (s *ConstantSchedule) LearningRate() float32 { return s.LR }

// LinearWarmupSchedule ramps linearly from LR/Warmup to LR over Warmup steps, then holds.
type LinearWarmupSchedule struct {
	LR     float32
	Warmup int
	step   int
}

func (s *LinearWarmupSchedule) Step() {
	s.step++
}

func (s *LinearWarmupSchedule) LearningRate() float32 {
	if s.Warmup <= 0 || s.step >= s.Warmup {
		return s.LR
	}
	return s.LR * float32(s.step+1) / float32(s.Warmup)
}

// AdamW is Adam with decoupled weight decay. The learning rate comes from Schedule.
type AdamW struct {
	Groups      []ParamGroup
	Schedule    Schedule
	Beta1       float32
	Beta2       float32
	Eps         float32
	WeightDecay float32

	t       int
	mMemory [][]float32
	vMemory [][]float32
}

func NewAdamW(groups []ParamGroup, schedule Schedule, weightDecay float32) *AdamW {
	return &AdamW{
		Groups:      groups,
		Schedule:    schedule,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
	}
}

func (opt *AdamW) LearningRate() float32 {
	return opt.Schedule.LearningRate()
}

func (opt *AdamW) Step() error {
	// Lazy memory allocation
	if opt.mMemory == nil {
		opt.mMemory = make([][]float32, len(opt.Groups))
		opt.vMemory = make([][]float32, len(opt.Groups))
		for i, g := range opt.Groups {
			opt.mMemory[i] = make([]float32, len(g.Data))
			opt.vMemory[i] = make([]float32, len(g.Data))
		}
	}
	opt.t++
	learningRate := opt.Schedule.LearningRate()
	beta1, beta2 := opt.Beta1, opt.Beta2
	bias1 := 1.0 - Pow(beta1, float32(opt.t))
	bias2 := 1.0 - Pow(beta2, float32(opt.t))
	for gi, g := range opt.Groups {
		mMem, vMem := opt.mMemory[gi], opt.vMemory[gi]
		for i, parameter := range g.Data {
			gradient := g.Grad[i]
			// Momentum update
			m := beta1*mMem[i] + (1.0-beta1)*gradient
			// RMSprop update
			v := beta2*vMem[i] + (1.0-beta2)*gradient*gradient
			mHat := m / bias1
			vHat := v / bias2
			mMem[i] = m
			vMem[i] = v
			g.Data[i] -= learningRate * (mHat/(Sqrt(vHat)+opt.Eps) + opt.WeightDecay*parameter)
		}
		if len(g.Data) > 0 && IsNaN(g.Data[0]) {
			return fmt.Errorf("adamw: parameter %s diverged at step %d", g.Name, opt.t)
		}
	}
	return nil
}

// Adafactor with a relative, warmed-up step size scaled by the parameter RMS. Second moments
// of matrices are factored into row and column statistics; vectors keep a full second moment.
// There is no first moment and no weight decay.
type Adafactor struct {
	Groups        []ParamGroup
	ClipThreshold float32
	DecayRate     float32
	Eps1          float32 // added to squared gradients
	Eps2          float32 // floor for the parameter scale

	step   int
	lr     float32
	states [][]adafactorState
}

type adafactorState struct {
	row, col []float32 // factored second moment
	v        []float32 // full second moment, for vectors
}

func NewAdafactor(groups []ParamGroup) *Adafactor {
	return &Adafactor{
		Groups:        groups,
		ClipThreshold: 1.0,
		DecayRate:     -0.8,
		Eps1:          1e-30,
		Eps2:          1e-3,
	}
}

func factored(g ParamGroup) bool {
	return g.Rows > 1 && g.Cols > 1
}

// relativeStep is the warmed-up step size before parameter scaling.
func (opt *Adafactor) relativeStep(step int) float32 {
	return min(1e-6*float32(step), 1/Sqrt(float32(step)))
}

// LearningRate is the step size the first parameter received in the last update, or the
// step size of the first update before any step was taken.
func (opt *Adafactor) LearningRate() float32 {
	if opt.step == 0 {
		if len(opt.Groups) == 0 {
			return opt.relativeStep(1)
		}
		g := opt.Groups[0]
		return opt.relativeStep(1) * max(opt.Eps2, rms(g.Data[:min(len(g.Data), g.Rows*g.Cols)]))
	}
	return opt.lr
}

func (opt *Adafactor) init() {
	opt.states = make([][]adafactorState, len(opt.Groups))
	for gi, g := range opt.Groups {
		opt.states[gi] = make([]adafactorState, g.slices())
		for s := range opt.states[gi] {
			if factored(g) {
				opt.states[gi][s].row = make([]float32, g.Rows)
				opt.states[gi][s].col = make([]float32, g.Cols)
			} else {
				opt.states[gi][s].v = make([]float32, g.Rows*g.Cols)
			}
		}
	}
}

func (opt *Adafactor) Step() error {
	if opt.states == nil {
		opt.init()
	}
	opt.step++
	beta2t := 1.0 - Pow(float32(opt.step), opt.DecayRate)
	relStep := opt.relativeStep(opt.step)
	update := make([]float32, 0)
	for gi, g := range opt.Groups {
		size := g.Rows * g.Cols
		if cap(update) < size {
			update = make([]float32, size)
		}
		update = update[:size]
		for s := range opt.states[gi] {
			param := g.Data[s*size : (s+1)*size]
			grad := g.Grad[s*size : (s+1)*size]
			lr := relStep * max(opt.Eps2, rms(param))
			if gi == 0 && s == 0 {
				opt.lr = lr
			}
			state := &opt.states[gi][s]
			if factored(g) {
				opt.factoredUpdate(update, grad, state, g.Rows, g.Cols, beta2t)
			} else {
				for i, gr := range grad {
					state.v[i] = beta2t*state.v[i] + (1-beta2t)*(gr*gr+opt.Eps1)
					update[i] = gr / Sqrt(state.v[i])
				}
			}
			// clip the update by its RMS
			scale := lr / max(1, rms(update)/opt.ClipThreshold)
			for i := range param {
				param[i] -= scale * update[i]
			}
		}
		if len(g.Data) > 0 && IsNaN(g.Data[0]) {
			return fmt.Errorf("adafactor: parameter %s diverged at step %d", g.Name, opt.step)
		}
	}
	return nil
}

func (opt *Adafactor) factoredUpdate(update, grad []float32, state *adafactorState, rows, cols int, beta2t float32) {
	colMean := make([]float64, cols)
	for r := 0; r < rows; r++ {
		var rowSum float64
		for c := 0; c < cols; c++ {
			gr := grad[r*cols+c]
			sq := float64(gr*gr + opt.Eps1)
			rowSum += sq
			colMean[c] += sq
		}
		state.row[r] = beta2t*state.row[r] + (1-beta2t)*float32(rowSum/float64(cols))
	}
	for c := 0; c < cols; c++ {
		state.col[c] = beta2t*state.col[c] + (1-beta2t)*float32(colMean[c]/float64(rows))
	}
	var rowAvg float64
	for _, v := range state.row {
		rowAvg += float64(v)
	}
	rowAvg /= float64(rows)
	for r := 0; r < rows; r++ {
		rFactor := float32(1 / math.Sqrt(float64(state.row[r])/rowAvg))
		for c := 0; c < cols; c++ {
			cFactor := 1 / Sqrt(state.col[c])
			update[r*cols+c] = grad[r*cols+c] * rFactor * cFactor
		}
	}
}

// AdafactorSchedule mirrors the step size Adafactor computes internally.
type AdafactorSchedule struct {
	Optimizer *Adafactor
}

func (s *AdafactorSchedule) Step() {}

func (s *AdafactorSchedule) LearningRate() float32 {
	return s.Optimizer.LearningRate()
}

func rms(x []float32) float32 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return float32(math.Sqrt(sum / float64(len(x))))
}
