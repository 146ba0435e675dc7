package imdbtune

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// charEncoder maps every byte to one of 7 token ids, keeping 0 for padding.
type charEncoder struct{}

func (charEncoder) Encode(text string, maxLen int) ([]int32, error) {
	ids := make([]int32, 0, len(text))
	for i := 0; i < len(text); i++ {
		ids = append(ids, 1+int32(text[i])%7)
	}
	if maxLen > 0 && len(ids) > maxLen {
		ids = ids[:maxLen]
	}
	return ids, nil
}

func (charEncoder) PadID() int32   { return 0 }
func (charEncoder) VocabSize() int { return 8 }

type failingEncoder struct{ charEncoder }

func (failingEncoder) Encode(string, int) ([]int32, error) {
	return nil, errors.New("boom")
}

func TestCollator_Collate(t *testing.T) {
	// 'a' = 97 -> 1 + 97%7 = 7, 'b' -> 1, 'c' -> 2, 'd' -> 3
	tests := []struct {
		name        string
		collator    Collator
		examples    []Example
		wantInputs  []int32
		wantLengths []int
		wantLabels  []int32
		wantT       int
	}{
		{
			name:     "pad to longest",
			collator: Collator{Encoder: charEncoder{}, MaxLength: 64},
			examples: []Example{{Text: "ab", Label: 0}, {Text: "abcd", Label: 1}},
			wantInputs: []int32{
				7, 1, 0, 0,
				7, 1, 2, 3,
			},
			wantLengths: []int{2, 4},
			wantLabels:  []int32{0, 1},
			wantT:       4,
		},
		{
			name:     "truncate to max length",
			collator: Collator{Encoder: charEncoder{}, MaxLength: 3},
			examples: []Example{{Text: "abcd", Label: 1}, {Text: "a", Label: 1}},
			wantInputs: []int32{
				7, 1, 2,
				7, 0, 0,
			},
			wantLengths: []int{3, 1},
			wantLabels:  []int32{1, 1},
			wantT:       3,
		},
		{
			name:     "pad to max length",
			collator: Collator{Encoder: charEncoder{}, MaxLength: 5, PadToMaxLength: true},
			examples: []Example{{Text: "ab", Label: 1}},
			wantInputs: []int32{
				7, 1, 0, 0, 0,
			},
			wantLengths: []int{2},
			wantLabels:  []int32{1},
			wantT:       5,
		},
		{
			name:        "empty text keeps one position",
			collator:    Collator{Encoder: charEncoder{}, MaxLength: 8},
			examples:    []Example{{Text: "", Label: 0}},
			wantInputs:  []int32{0},
			wantLengths: []int{1},
			wantLabels:  []int32{0},
			wantT:       1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, err := tt.collator.Collate(tt.examples)
			require.NoError(t, err)
			assert.Equal(t, len(tt.examples), batch.B)
			assert.Equal(t, tt.wantT, batch.T)
			assert.Equal(t, tt.wantInputs, batch.Inputs)
			assert.Equal(t, tt.wantLengths, batch.Lengths)
			assert.Equal(t, tt.wantLabels, batch.Labels)
		})
	}
}

func TestCollator_Errors(t *testing.T) {
	_, err := Collator{Encoder: charEncoder{}, MaxLength: 4}.Collate(nil)
	assert.Error(t, err)

	_, err = Collator{Encoder: failingEncoder{}, MaxLength: 4}.Collate([]Example{{Text: "a"}})
	assert.ErrorContains(t, err, "boom")
}

func TestDataLoader_NextBatch(t *testing.T) {
	examples := []Example{
		{Text: "a", Label: 0},
		{Text: "b", Label: 1},
		{Text: "c", Label: 0},
		{Text: "d", Label: 1},
		{Text: "e", Label: 0},
	}
	tests := []struct {
		name           string
		batchSize      int
		wantNumBatches int
		wantSizes      []int
	}{
		{"even", 5, 1, []int{5}},
		{"short final batch", 2, 3, []int{2, 2, 1}},
		{"one per batch", 1, 5, []int{1, 1, 1, 1, 1}},
		{"larger than split", 64, 1, []int{5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader, err := NewDataLoader(examples, tt.batchSize, Collator{Encoder: charEncoder{}, MaxLength: 4})
			require.NoError(t, err)
			assert.Equal(t, tt.wantNumBatches, loader.NumBatches)
			for pass := 0; pass < 2; pass++ {
				var sizes []int
				var labels []int32
				for {
					batch, err := loader.NextBatch()
					if errors.Is(err, io.EOF) {
						break
					}
					require.NoError(t, err)
					sizes = append(sizes, batch.B)
					labels = append(labels, batch.Labels...)
				}
				assert.Equal(t, tt.wantSizes, sizes)
				assert.Equal(t, []int32{0, 1, 0, 1, 0}, labels)
				loader.Reset()
			}
		})
	}

	_, err := NewDataLoader(examples, 0, Collator{Encoder: charEncoder{}, MaxLength: 4})
	assert.Error(t, err)
}
