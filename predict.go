package imdbtune

// Output is what the classifier produces for one batch.
type Output struct {
	Logits    []float32 // (B, K) row major
	NumLabels int       // K
	Loss      float32   // mean cross-entropy over the batch, -1 when the batch had no labels
}

// Rows is the number of rows (B) in the batch the output belongs to.
func (o *Output) Rows() int {
	if o.NumLabels == 0 {
		return 0
	}
	return len(o.Logits) / o.NumLabels
}

// Predictions returns the arg-max class of every row.
func (o *Output) Predictions() []int32 {
	preds := make([]int32, o.Rows())
	for b := range preds {
		preds[b] = int32(argmax(o.Logits[b*o.NumLabels : (b+1)*o.NumLabels]))
	}
	return preds
}

// argmax returns the index of the largest score; ties go to the lowest index.
func argmax(scores []float32) int {
	best := 0
	for i, s := range scores {
		if s > scores[best] {
			best = i
		}
	}
	return best
}
