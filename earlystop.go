package imdbtune

// initialBestLoss is the best validation loss before the first epoch.
const initialBestLoss = 1e10

// EarlyStopper tracks the epoch with the lowest validation loss and signals a stop once
// Patience epochs have passed without a strictly lower loss.
type EarlyStopper struct {
	Patience int

	best      float64
	bestEpoch int
	observed  bool
}

// Observe records the validation loss of epoch (0-indexed) and reports whether training
// should stop after it.
func (s *EarlyStopper) Observe(epoch int, loss float64) bool {
	if !s.observed {
		s.observed = true
		s.best = initialBestLoss
	}
	if loss < s.best {
		s.best = loss
		s.bestEpoch = epoch
	}
	return epoch-s.bestEpoch >= s.Patience
}

// Best returns the lowest loss seen and the epoch it was seen in.
func (s *EarlyStopper) Best() (float64, int) {
	if !s.observed {
		return initialBestLoss, 0
	}
	return s.best, s.bestEpoch
}
