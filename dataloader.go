package imdbtune

import (
	"errors"
	"fmt"
	"io"
)

// Encoder turns raw text into token ids no longer than maxLen.
type Encoder interface {
	Encode(text string, maxLen int) ([]int32, error)
	PadID() int32
}

// Batch is a padded, row-major block of encoded examples.
type Batch struct {
	Inputs  []int32 // (B, T) token ids, padded with the encoder's pad id
	Lengths []int   // real length of every row, in [1, T]
	Labels  []int32 // one label per row
	B       int
	T       int
}

// Collator groups examples into padded batches.
type Collator struct {
	Encoder   Encoder
	MaxLength int
	// PadToMaxLength pads every batch to MaxLength instead of the longest row in the batch.
	PadToMaxLength bool
}

// Collate encodes and truncates every example to MaxLength and pads the rows to a common length.
func (c Collator) Collate(examples []Example) (*Batch, error) {
	if len(examples) == 0 {
		return nil, errors.New("collate: no examples")
	}
	rows := make([][]int32, len(examples))
	labels := make([]int32, len(examples))
	T := 1
	for i, ex := range examples {
		ids, err := c.Encoder.Encode(ex.Text, c.MaxLength)
		if err != nil {
			return nil, fmt.Errorf("collate: encode example %d: %w", i, err)
		}
		if len(ids) > c.MaxLength {
			ids = ids[:c.MaxLength]
		}
		rows[i] = ids
		labels[i] = int32(ex.Label)
		T = max(T, len(ids))
	}
	if c.PadToMaxLength {
		T = c.MaxLength
	}
	pad := c.Encoder.PadID()
	batch := &Batch{
		Inputs:  make([]int32, len(rows)*T),
		Lengths: make([]int, len(rows)),
		Labels:  labels,
		B:       len(rows),
		T:       T,
	}
	for b, ids := range rows {
		row := batch.Inputs[b*T : b*T+T]
		n := copy(row, ids)
		for t := n; t < T; t++ {
			row[t] = pad
		}
		// an empty encoding still occupies one (pad) position so the head has something to read
		batch.Lengths[b] = max(n, 1)
	}
	return batch, nil
}

// DataLoader walks a split in order, one batch at a time. The last batch may be short.
type DataLoader struct {
	examples        []Example
	collator        Collator
	batchSize       int
	currentPosition int
	NumBatches      int
}

func NewDataLoader(examples []Example, batchSize int, collator Collator) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0 (got %d)", batchSize)
	}
	return &DataLoader{
		examples:   examples,
		collator:   collator,
		batchSize:  batchSize,
		NumBatches: (len(examples) + batchSize - 1) / batchSize,
	}, nil
}

func (loader *DataLoader) Reset() {
	loader.currentPosition = 0
}

// NextBatch returns the next batch of the pass, or io.EOF once every example has been served.
func (loader *DataLoader) NextBatch() (*Batch, error) {
	if loader.currentPosition >= len(loader.examples) {
		return nil, io.EOF
	}
	nextPos := min(loader.currentPosition+loader.batchSize, len(loader.examples))
	batch, err := loader.collator.Collate(loader.examples[loader.currentPosition:nextPos])
	if err != nil {
		return nil, err
	}
	loader.currentPosition = nextPos
	return batch, nil
}
