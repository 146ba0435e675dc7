package imdbtune

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEarlyStopper_Observe(t *testing.T) {
	tests := []struct {
		name          string
		patience      int
		losses        []float64
		wantStopAt    int // -1 when the sequence never triggers a stop
		wantBestEpoch int
		wantBest      float64
	}{
		{"stops after patience", 5, []float64{5, 4, 3, 4, 5, 6, 7, 8, 9}, 7, 2, 3},
		{"monotone decrease never stops", 5, []float64{9, 8, 7, 6, 5, 4, 3, 2, 1}, -1, 8, 1},
		{"equal loss is not an improvement", 2, []float64{1, 1, 1}, 2, 0, 1},
		{"patience zero stops at once", 0, []float64{3, 2}, 0, 0, 3},
		{"late improvement resets", 3, []float64{5, 6, 7, 4, 6, 7, 8}, 6, 3, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &EarlyStopper{Patience: tt.patience}
			stoppedAt := -1
			for epoch, loss := range tt.losses {
				if s.Observe(epoch, loss) {
					stoppedAt = epoch
					break
				}
			}
			assert.Equal(t, tt.wantStopAt, stoppedAt)
			best, bestEpoch := s.Best()
			assert.Equal(t, tt.wantBest, best)
			assert.Equal(t, tt.wantBestEpoch, bestEpoch)
		})
	}
}

func TestEarlyStopper_Best(t *testing.T) {
	s := &EarlyStopper{Patience: 5}
	best, epoch := s.Best()
	assert.Equal(t, float64(initialBestLoss), best)
	assert.Zero(t, epoch)

	// losses above the initial best never count as an improvement
	assert.False(t, s.Observe(0, 2e10))
	best, _ = s.Best()
	assert.Equal(t, float64(initialBestLoss), best)
}
