package imdbtune

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
)

const GPT2_EOT int32 = 50256

var (
	ErrNotTraining = errors.New("backward called while the model is in evaluation mode")
	ErrNoTargets   = errors.New("must forward with labels before backward")
)

type GPT2Config struct {
	MaxSeqLen int `json:"max_seq_len" yaml:"max_seq_len"`
	V         int `json:"vocab_size" yaml:"vocab_size"`
	L         int `json:"num_layers" yaml:"num_layers"`
	NH        int `json:"num_heads" yaml:"num_heads"`
	C         int `json:"channels" yaml:"channels"`
}

// GPT2Classifier is a GPT-2 backbone with a sequence classification head. The head reads the
// final hidden state of the last non-padding token of every row, which under causal attention
// has seen the whole review and none of the padding.
type GPT2Classifier struct {
	Config    GPT2Config // Hyper-parameters of the backbone
	NumLabels int        // K, number of output classes
	// Params has the actual weights of the model. Params.Memory is for convenience to be able to set/reset parameters simply
	Params ParameterTensors
	// Grads contains the delta/gradient that will eventually be applied to the params in the model
	Grads     ParameterTensors
	Acts      ActivationTensors
	GradsActs ActivationTensors
	B         int     // Current batch size (B)
	T         int     // Current sequence length (T)
	Inputs    []int32 // Input tokens
	Lengths   []int   // Real (unpadded) length of every row
	Targets   []int32 // Target labels
	MeanLoss  float32 // Mean loss after a forward pass
	Rand      *rand.Rand

	capB, capT int // shape the activation arenas were sized for
	training   bool
	device     Device
}

// LoadGPT2Classifier loads the GPT-2 backbone from a checkpoint file and attaches a freshly
// initialised classification head with numLabels outputs.
func LoadGPT2Classifier(checkpointPath string, numLabels int, seed int64) (*GPT2Classifier, error) {
	f, err := os.Open(checkpointPath)
	if err != nil {
		return nil, fmt.Errorf("error opening model file: %w", err)
	}
	defer f.Close()
	return loadFromReader(f, numLabels, seed)
}

func loadFromReader(f io.Reader, numLabels int, seed int64) (*GPT2Classifier, error) {
	header := make([]int32, 256)
	if err := binary.Read(f, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("error reading model header: %w", err)
	}
	if header[0] != 20240326 || header[1] != 1 {
		return nil, fmt.Errorf("bad model file format")
	}
	model := newClassifier(GPT2Config{
		MaxSeqLen: int(header[2]),
		V:         int(header[3]),
		L:         int(header[4]),
		NH:        int(header[5]),
		C:         int(header[6]),
	}, numLabels, seed)
	backbone := backboneSize(model.Config.V, model.Config.C, model.Config.MaxSeqLen, model.Config.L)
	if err := binary.Read(f, binary.LittleEndian, model.Params.Memory[:backbone]); err != nil {
		return nil, fmt.Errorf("error reading model: %w", err)
	}
	model.initHead()
	return model, nil
}

// NewGPT2Classifier builds a randomly initialised model, used when training from scratch.
func NewGPT2Classifier(config GPT2Config, numLabels int, seed int64) *GPT2Classifier {
	model := newClassifier(config, numLabels, seed)
	params := model.Params
	for _, nt := range params.named() {
		switch nt.name {
		case "ln1w", "ln2w", "lnfw":
			fill(nt.t.data, 1)
		case "wte", "wpe", "qkvw", "attprojw", "fcw", "fcprojw":
			for i := range nt.t.data {
				nt.t.data[i] = float32(model.Rand.NormFloat64() * 0.02)
			}
		}
	}
	model.initHead()
	return model
}

func newClassifier(config GPT2Config, numLabels int, seed int64) *GPT2Classifier {
	model := &GPT2Classifier{
		Config:    config,
		NumLabels: numLabels,
		Rand:      rand.New(rand.NewSource(seed)),
		device:    cpuDevice{name: DeviceCPU, workers: 1},
	}
	model.Params.Init(config.V, config.C, config.MaxSeqLen, config.L, numLabels)
	return model
}

func (model *GPT2Classifier) initHead() {
	for i := range model.Params.ClassifierW.data {
		model.Params.ClassifierW.data[i] = float32(model.Rand.NormFloat64() * 0.02)
	}
	fill(model.Params.ClassifierB.data, 0)
}

func (model *GPT2Classifier) String() string {
	var s string
	s += "[GPT-2 classifier]\n"
	s += fmt.Sprintf("max_seq_len: %d\n", model.Config.MaxSeqLen)
	s += fmt.Sprintf("vocab_size: %d\n", model.Config.V)
	s += fmt.Sprintf("num_layers: %d\n", model.Config.L)
	s += fmt.Sprintf("num_heads: %d\n", model.Config.NH)
	s += fmt.Sprintf("channels: %d\n", model.Config.C)
	s += fmt.Sprintf("num_labels: %d\n", model.NumLabels)
	s += fmt.Sprintf("num_parameters: %d\n", len(model.Params.Memory))
	return s
}

// SetDevice selects the backend the kernels run on.
func (model *GPT2Classifier) SetDevice(d Device) {
	model.device = d
}

// SetTraining switches between training (gradients allowed) and evaluation mode.
func (model *GPT2Classifier) SetTraining(training bool) {
	model.training = training
}

func (model *GPT2Classifier) validate(batch *Batch) error {
	if batch.B <= 0 || batch.T <= 0 {
		return fmt.Errorf("empty batch (B=%d, T=%d)", batch.B, batch.T)
	}
	if batch.T > model.Config.MaxSeqLen {
		return fmt.Errorf("sequence length %d exceeds model maximum %d", batch.T, model.Config.MaxSeqLen)
	}
	if len(batch.Inputs) != batch.B*batch.T || len(batch.Lengths) != batch.B {
		return fmt.Errorf("batch shape mismatch: %d inputs, %d lengths for B=%d T=%d", len(batch.Inputs), len(batch.Lengths), batch.B, batch.T)
	}
	for _, tok := range batch.Inputs {
		if tok < 0 || int(tok) >= model.Config.V {
			return fmt.Errorf("token %d outside vocabulary of %d", tok, model.Config.V)
		}
	}
	for _, l := range batch.Lengths {
		if l < 1 || l > batch.T {
			return fmt.Errorf("row length %d outside [1, %d]", l, batch.T)
		}
	}
	if len(batch.Labels) > 0 {
		if len(batch.Labels) != batch.B {
			return fmt.Errorf("%d labels for %d rows", len(batch.Labels), batch.B)
		}
		for _, label := range batch.Labels {
			if label < 0 || int(label) >= model.NumLabels {
				return fmt.Errorf("label %d outside [0, %d)", label, model.NumLabels)
			}
		}
	}
	return nil
}

// Forward runs the backbone and the head over a batch. When the batch carries labels the mean
// cross-entropy loss is computed as well; otherwise MeanLoss is -1.
func (model *GPT2Classifier) Forward(batch *Batch) (*Output, error) {
	if err := model.validate(batch); err != nil {
		return nil, err
	}
	B, T := batch.B, batch.T
	L, NH, C, K := model.Config.L, model.Config.NH, model.Config.C, model.NumLabels
	workers := model.device.Workers()
	if B > model.capB || T > model.capT {
		model.capB, model.capT = max(B, model.capB), max(T, model.capT)
		model.Acts.Init(model.capB, C, model.capT, L, NH, K)
		model.GradsActs = ActivationTensors{}
	}
	model.B, model.T = B, T
	model.Inputs = append(model.Inputs[:0], batch.Inputs...)
	model.Lengths = append(model.Lengths[:0], batch.Lengths...)
	model.Targets = append(model.Targets[:0], batch.Labels...)
	params, acts := model.Params, model.Acts
	// Token embeddings plus positional embeddings, stored in acts.Encoded.
	encoderForward(acts.Encoded.data, model.Inputs, params.WordTokEmbed.data, params.WordPosEmbed.data, B, T, C)
	var residual []float32
	for l := 0; l < L; l++ {
		// residual is the previous layer's output, or the embeddings for the first layer
		if l == 0 {
			residual = acts.Encoded.data
		} else {
			residual = acts.Residual3.data[(l-1)*B*T*C:]
		}
		// Parameters
		l_ln1w := params.LayerNorm1W.data[l*C:]
		l_ln1b := params.LayerNorm1B.data[l*C:]
		l_qkvw := params.QueryKeyValW.data[l*3*C*C:]
		l_qkvb := params.QueryKeyValB.data[l*3*C:]
		l_attprojw := params.AttProjW.data[l*C*C:]
		l_attprojb := params.AttProjB.data[l*C:]
		l_ln2w := params.Layer2NormW.data[l*C:]
		l_ln2b := params.Layer2NormB.data[l*C:]
		l_fcw := params.FeedFwdW.data[l*4*C*C:]
		l_fcb := params.FeedFwdB.data[l*4*C:]
		l_fcprojw := params.FeedFwdProjW.data[l*C*4*C:]
		l_fcprojb := params.FeedFwdProjB.data[l*C:]
		// Activations
		l_ln1 := acts.Layer1Act.data[l*B*T*C:]
		l_ln1_mean := acts.LayerNorm1Mean.data[l*B*T:]
		l_ln1_rstd := acts.LayerNorm1Rstd.data[l*B*T:]
		l_qkv := acts.QueryKeyVal.data[l*B*T*3*C:]
		l_atty := acts.AttentionInter.data[l*B*T*C:]
		l_preatt := acts.PreAttention.data[l*B*NH*T*T:]
		l_att := acts.Attention.data[l*B*NH*T*T:]
		l_attproj := acts.AttentionProj.data[l*B*T*C:]
		l_residual2 := acts.Residual2.data[l*B*T*C:]
		l_ln2 := acts.LayerNorm2Act.data[l*B*T*C:]
		l_ln2_mean := acts.LayerNorm2Mean.data[l*B*T:]
		l_ln2_rstd := acts.LayerNorm2Rstd.data[l*B*T:]
		l_fch := acts.FeedForward.data[l*B*T*4*C:]
		l_fch_gelu := acts.FeedForwardGelu.data[l*B*T*4*C:]
		l_fcproj := acts.FeedForwardProj.data[l*B*T*C:]
		l_residual3 := acts.Residual3.data[l*B*T*C:]

		layernormForward(l_ln1, l_ln1_mean, l_ln1_rstd, residual, l_ln1w, l_ln1b, B, T, C)
		// project into query/key/value
		matmulForward(l_qkv, l_ln1, l_qkvw, l_qkvb, B, T, C, 3*C, workers)
		attentionForward(l_atty, l_preatt, l_att, l_qkv, B, T, C, NH, workers)
		matmulForward(l_attproj, l_atty, l_attprojw, l_attprojb, B, T, C, C, workers)
		residualForward(l_residual2, residual, l_attproj, B*T*C)
		layernormForward(l_ln2, l_ln2_mean, l_ln2_rstd, l_residual2, l_ln2w, l_ln2b, B, T, C)
		// MLP: expand to 4C, GELU, project back down to C
		matmulForward(l_fch, l_ln2, l_fcw, l_fcb, B, T, C, 4*C, workers)
		geluForward(l_fch_gelu, l_fch, B*T*4*C)
		matmulForward(l_fcproj, l_fch_gelu, l_fcprojw, l_fcprojb, B, T, 4*C, C, workers)
		residualForward(l_residual3, l_residual2, l_fcproj, B*T*C)
	}
	residual = acts.Encoded.data
	if L > 0 {
		residual = acts.Residual3.data[(L-1)*B*T*C:]
	}
	layernormForward(acts.LayerNormFinal.data, acts.LayerNormFinalMean.data, acts.LayerNormFinalStd.data, residual, params.LayerFinNormW.data, params.LayerFinNormB.data, B, T, C)
	// Classification head: one pooled vector per row, projected to K logits.
	poolLastForward(acts.Pooled.data, acts.LayerNormFinal.data, model.Lengths, B, T, C)
	matmulForward(acts.Logits.data, acts.Pooled.data, params.ClassifierW.data, params.ClassifierB.data, B, 1, C, K, 1)
	softmaxForward(acts.Probabilities.data, acts.Logits.data, B, 1, K)
	if len(model.Targets) > 0 {
		crossEntropyForward(acts.Losses.data, acts.Probabilities.data, model.Targets, B, 1, K)
		var meanLoss float32
		for _, loss := range acts.Losses.data[:B] {
			meanLoss += loss
		}
		meanLoss /= float32(B)
		model.MeanLoss = meanLoss
	} else {
		model.MeanLoss = -1.0
	}
	out := &Output{
		Logits:    append([]float32(nil), acts.Logits.data[:B*K]...),
		NumLabels: K,
		Loss:      model.MeanLoss,
	}
	return out, nil
}

func (model *GPT2Classifier) ensureGrads() {
	if len(model.Grads.Memory) == 0 {
		model.Grads.Init(model.Config.V, model.Config.C, model.Config.MaxSeqLen, model.Config.L, model.NumLabels)
	}
	if len(model.GradsActs.Memory) == 0 && model.capB > 0 {
		model.GradsActs.Init(model.capB, model.Config.C, model.capT, model.Config.L, model.Config.NH, model.NumLabels)
	}
}

// Backward accumulates parameter gradients for the last forward pass.
func (model *GPT2Classifier) Backward() error {
	if !model.training {
		return ErrNotTraining
	}
	if model.MeanLoss == -1.0 || len(model.Targets) == 0 {
		return ErrNoTargets
	}
	model.ensureGrads()
	// activation gradients are scratch space and start from zero on every pass
	fill(model.GradsActs.Memory, 0)
	B, T, L, NH, C, K := model.B, model.T, model.Config.L, model.Config.NH, model.Config.C, model.NumLabels
	workers := model.device.Workers()
	params, grads, acts, gradsActs := model.Params, model.Grads, model.Acts, model.GradsActs
	// kick off the chain with 1/B per row to get the gradient of the mean loss
	dlossMean := 1.0 / float32(B)
	fill(gradsActs.Losses.data[:B], dlossMean)
	crossentropySoftmaxBackward(gradsActs.Logits.data, gradsActs.Losses.data, acts.Probabilities.data, model.Targets, B, 1, K)
	matmulBackward(gradsActs.Pooled.data, grads.ClassifierW.data, grads.ClassifierB.data, gradsActs.Logits.data, acts.Pooled.data, params.ClassifierW.data, B, 1, C, K, 1)
	poolLastBackward(gradsActs.LayerNormFinal.data, gradsActs.Pooled.data, model.Lengths, B, T, C)

	var residual, dresidual []float32
	if L > 0 {
		residual = acts.Residual3.data[(L-1)*B*T*C:]
		dresidual = gradsActs.Residual3.data[(L-1)*B*T*C:]
	} else {
		residual = acts.Encoded.data
		dresidual = gradsActs.Encoded.data
	}
	layernormBackward(dresidual, grads.LayerFinNormW.data, grads.LayerFinNormB.data, gradsActs.LayerNormFinal.data, residual, params.LayerFinNormW.data, acts.LayerNormFinalMean.data, acts.LayerNormFinalStd.data, B, T, C)
	for l := L - 1; l >= 0; l-- {
		if l == 0 {
			residual = acts.Encoded.data
			dresidual = gradsActs.Encoded.data
		} else {
			residual = acts.Residual3.data[(l-1)*B*T*C:]
			dresidual = gradsActs.Residual3.data[(l-1)*B*T*C:]
		}
		l_ln1w := params.LayerNorm1W.data[l*C:]
		l_qkvw := params.QueryKeyValW.data[l*3*C*C:]
		l_attprojw := params.AttProjW.data[l*C*C:]
		l_ln2w := params.Layer2NormW.data[l*C:]
		l_fcw := params.FeedFwdW.data[l*4*C*C:]
		l_fcprojw := params.FeedFwdProjW.data[l*C*4*C:]
		// Gradients of weights
		dl_ln1w := grads.LayerNorm1W.data[l*C:]
		dl_ln1b := grads.LayerNorm1B.data[l*C:]
		dl_qkvw := grads.QueryKeyValW.data[l*3*C*C:]
		dl_qkvb := grads.QueryKeyValB.data[l*3*C:]
		dl_attprojw := grads.AttProjW.data[l*C*C:]
		dl_attprojb := grads.AttProjB.data[l*C:]
		dl_ln2w := grads.Layer2NormW.data[l*C:]
		dl_ln2b := grads.Layer2NormB.data[l*C:]
		dl_fcw := grads.FeedFwdW.data[l*4*C*C:]
		dl_fcb := grads.FeedFwdB.data[l*4*C:]
		dl_fcprojw := grads.FeedFwdProjW.data[l*C*4*C:]
		dl_fcprojb := grads.FeedFwdProjB.data[l*C:]
		// Activations
		l_ln1 := acts.Layer1Act.data[l*B*T*C:]
		l_ln1_mean := acts.LayerNorm1Mean.data[l*B*T:]
		l_ln1_rstd := acts.LayerNorm1Rstd.data[l*B*T:]
		l_qkv := acts.QueryKeyVal.data[l*B*T*3*C:]
		l_atty := acts.AttentionInter.data[l*B*T*C:]
		l_att := acts.Attention.data[l*B*NH*T*T:]
		l_residual2 := acts.Residual2.data[l*B*T*C:]
		l_ln2 := acts.LayerNorm2Act.data[l*B*T*C:]
		l_ln2_mean := acts.LayerNorm2Mean.data[l*B*T:]
		l_ln2_rstd := acts.LayerNorm2Rstd.data[l*B*T:]
		l_fch := acts.FeedForward.data[l*B*T*4*C:]
		l_fch_gelu := acts.FeedForwardGelu.data[l*B*T*4*C:]
		// Gradients of activations
		dl_ln1 := gradsActs.Layer1Act.data[l*B*T*C:]
		dl_qkv := gradsActs.QueryKeyVal.data[l*B*T*3*C:]
		dl_atty := gradsActs.AttentionInter.data[l*B*T*C:]
		dl_preatt := gradsActs.PreAttention.data[l*B*NH*T*T:]
		dl_att := gradsActs.Attention.data[l*B*NH*T*T:]
		dl_attproj := gradsActs.AttentionProj.data[l*B*T*C:]
		dl_residual2 := gradsActs.Residual2.data[l*B*T*C:]
		dl_ln2 := gradsActs.LayerNorm2Act.data[l*B*T*C:]
		dl_fch := gradsActs.FeedForward.data[l*B*T*4*C:]
		dl_fch_gelu := gradsActs.FeedForwardGelu.data[l*B*T*4*C:]
		dl_fcproj := gradsActs.FeedForwardProj.data[l*B*T*C:]
		dl_residual3 := gradsActs.Residual3.data[l*B*T*C:]

		residualBackward(dl_residual2, dl_fcproj, dl_residual3, B*T*C)
		matmulBackward(dl_fch_gelu, dl_fcprojw, dl_fcprojb, dl_fcproj, l_fch_gelu, l_fcprojw, B, T, 4*C, C, workers)
		geluBackward(dl_fch, l_fch, dl_fch_gelu, B*T*4*C)
		matmulBackward(dl_ln2, dl_fcw, dl_fcb, dl_fch, l_ln2, l_fcw, B, T, C, 4*C, workers)
		layernormBackward(dl_residual2, dl_ln2w, dl_ln2b, dl_ln2, l_residual2, l_ln2w, l_ln2_mean, l_ln2_rstd, B, T, C)
		residualBackward(dresidual, dl_attproj, dl_residual2, B*T*C)
		matmulBackward(dl_atty, dl_attprojw, dl_attprojb, dl_attproj, l_atty, l_attprojw, B, T, C, C, workers)
		attentionBackward(dl_qkv, dl_preatt, dl_att, dl_atty, l_qkv, l_att, B, T, C, NH, workers)
		matmulBackward(dl_ln1, dl_qkvw, dl_qkvb, dl_qkv, l_ln1, l_qkvw, B, T, C, 3*C, workers)
		layernormBackward(dresidual, dl_ln1w, dl_ln1b, dl_ln1, residual, l_ln1w, l_ln1_mean, l_ln1_rstd, B, T, C)
	}
	encoderBackward(grads.WordTokEmbed.data, grads.WordPosEmbed.data, gradsActs.Encoded.data, model.Inputs, B, T, C)
	return nil
}

func (model *GPT2Classifier) ZeroGradient() {
	fill(model.GradsActs.Memory, 0)
	fill(model.Grads.Memory, 0)
}

// ParamGroups exposes every parameter tensor, with its gradient, to an optimizer.
func (model *GPT2Classifier) ParamGroups() []ParamGroup {
	model.ensureGrads()
	params, grads := model.Params.named(), model.Grads.named()
	groups := make([]ParamGroup, len(params))
	for i, p := range params {
		groups[i] = ParamGroup{
			Name: p.name,
			Data: p.t.data,
			Grad: grads[i].t.data,
			Rows: p.rows,
			Cols: p.cols,
		}
	}
	return groups
}

func fill(s []float32, v float32) {
	for i := range s {
		s[i] = v
	}
}
