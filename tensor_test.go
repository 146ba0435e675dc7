package imdbtune

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_newTensor(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6}
	tests := []struct {
		name     string
		dims     []int
		wantData []float32
		wantSize int
	}{
		{"matrix", []int{2, 2}, []float32{1, 2, 3, 4}, 4},
		{"vector", []int{3}, []float32{1, 2, 3}, 3},
		{"everything", []int{1, 2, 3}, data, 6},
		{"zero sized", []int{0, 3}, []float32{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, size := newTensor(data, tt.dims...)
			assert.Equal(t, tt.wantSize, size)
			assert.Equal(t, tt.wantData, got.Data())
			assert.Equal(t, tt.dims, got.dims)
		})
	}
	assert.Panics(t, func() { newTensor(data, 7) })
}

func TestParameterTensors_Init(t *testing.T) {
	tests := []struct {
		name                 string
		V, C, maxSeqLen, L, K int
	}{
		{"tiny", 5, 4, 3, 1, 2},
		{"no layers", 7, 2, 4, 0, 3},
		{"two layers", 11, 8, 6, 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p ParameterTensors
			p.Init(tt.V, tt.C, tt.maxSeqLen, tt.L, tt.K)
			backbone := backboneSize(tt.V, tt.C, tt.maxSeqLen, tt.L)
			require.Equal(t, backbone+tt.K*tt.C+tt.K, p.Len())

			// the head sits after the backbone so checkpoints load into a prefix
			p.ClassifierW.data[0] = 42
			assert.Equal(t, float32(42), p.Memory[backbone])

			total := 0
			for _, nt := range p.named() {
				total += len(nt.t.data)
				assert.Zerof(t, len(nt.t.data)%(nt.rows*nt.cols), "%s is not a stack of %dx%d", nt.name, nt.rows, nt.cols)
			}
			assert.Equal(t, p.Len(), total)
		})
	}
}

func TestParameterTensors_named(t *testing.T) {
	var p ParameterTensors
	p.Init(5, 4, 3, 2, 2)
	shapes := map[string][2]int{}
	for _, nt := range p.named() {
		shapes[nt.name] = [2]int{nt.rows, nt.cols}
	}
	assert.Equal(t, [2]int{5, 4}, shapes["wte"])
	assert.Equal(t, [2]int{12, 4}, shapes["qkvw"])
	assert.Equal(t, [2]int{4, 16}, shapes["fcprojw"])
	assert.Equal(t, [2]int{1, 4}, shapes["ln1w"])
	assert.Equal(t, [2]int{1, 12}, shapes["qkvb"])
	assert.Equal(t, [2]int{2, 4}, shapes["clsw"])
	assert.Equal(t, [2]int{1, 2}, shapes["clsb"])
}

func TestActivationTensors_Init(t *testing.T) {
	var a ActivationTensors
	B, C, T, L, NH, K := 2, 4, 3, 2, 2, 2
	a.Init(B, C, T, L, NH, K)
	assert.Len(t, a.Encoded.data, B*T*C)
	assert.Len(t, a.Attention.data, L*B*NH*T*T)
	assert.Len(t, a.Pooled.data, B*C)
	assert.Len(t, a.Logits.data, B*K)
	assert.Len(t, a.Losses.data, B)
}
