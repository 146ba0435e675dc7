package imdbtune

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_argmax(t *testing.T) {
	tests := []struct {
		name   string
		scores []float32
		want   int
	}{
		{"first", []float32{3, 1}, 0},
		{"second", []float32{-1, 2}, 1},
		{"tie goes low", []float32{0.5, 0.5}, 0},
		{"negative", []float32{-3, -2, -5}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equalf(t, tt.want, argmax(tt.scores), "argmax(%v)", tt.scores)
		})
	}
}

func TestOutput_Predictions(t *testing.T) {
	out := &Output{
		Logits:    []float32{0.1, 0.9, 2, -1, 0, 0},
		NumLabels: 2,
	}
	assert.Equal(t, 3, out.Rows())
	assert.Equal(t, []int32{1, 0, 0}, out.Predictions())
	assert.Empty(t, (&Output{}).Predictions())
}
