package imdbtune

import (
	"context"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeImdbDir lays out a miniature aclImdb tree under dir.
func writeImdbDir(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, text := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	}
}

var miniImdb = map[string]string{
	"train/neg/0_1.txt":   "awful",
	"train/neg/1_2.txt":   "boring",
	"train/pos/0_9.txt":   "great",
	"train/pos/1_10.txt":  "superb",
	"train/pos/2_8.txt":   "fun",
	"train/unsup/0_0.txt": "ignored",
	"train/urls_neg.txt":  "ignored",
	"test/neg/0_3.txt":    "dull",
	"test/pos/0_7.txt":    "lovely",
	"test/pos/notes.md":   "ignored",
}

func TestLoadImdbDir(t *testing.T) {
	dir := t.TempDir()
	writeImdbDir(t, dir, miniImdb)
	corpus, err := LoadImdbDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []Example{
		{Text: "awful", Label: LabelNegative},
		{Text: "boring", Label: LabelNegative},
		{Text: "great", Label: LabelPositive},
		{Text: "superb", Label: LabelPositive},
		{Text: "fun", Label: LabelPositive},
	}, corpus.Train)
	assert.Equal(t, []Example{
		{Text: "dull", Label: LabelNegative},
		{Text: "lovely", Label: LabelPositive},
	}, corpus.Test)
	assert.Equal(t, map[string]int{"NEGATIVE": 2, "POSITIVE": 3}, LabelCounts(corpus.Train))
}

func TestLoadImdbDir_Errors(t *testing.T) {
	t.Run("missing class directory", func(t *testing.T) {
		dir := t.TempDir()
		writeImdbDir(t, dir, map[string]string{"train/neg/0_1.txt": "x", "train/pos/0_9.txt": "y"})
		_, err := LoadImdbDir(context.Background(), dir)
		assert.ErrorIs(t, err, fs.ErrNotExist)
	})
	t.Run("empty split", func(t *testing.T) {
		dir := t.TempDir()
		writeImdbDir(t, dir, map[string]string{"train/neg/0_1.txt": "x", "train/pos/0_9.txt": "y"})
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "test", "neg"), 0o755))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "test", "pos"), 0o755))
		_, err := LoadImdbDir(context.Background(), dir)
		assert.ErrorIs(t, err, ErrEmptySplit)
	})
	t.Run("cancelled", func(t *testing.T) {
		dir := t.TempDir()
		writeImdbDir(t, dir, miniImdb)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := LoadImdbDir(ctx, dir)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func numbered(n int) []Example {
	examples := make([]Example, n)
	for i := range examples {
		examples[i] = Example{Text: string(rune('a' + i%26)), Label: i % 2}
	}
	return examples
}

func TestSplitTrainValidation(t *testing.T) {
	tests := []struct {
		name      string
		n         int
		fraction  float64
		wantTrain int
		wantValid int
	}{
		{"larger split", 1000, 0.2, 800, 200},
		{"rounds validation up", 7, 0.2, 5, 2},
		{"two examples", 2, 0.5, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			examples := numbered(tt.n)
			train, valid, err := SplitTrainValidation(examples, tt.fraction, rand.New(rand.NewSource(1234)))
			require.NoError(t, err)
			assert.Len(t, train, tt.wantTrain)
			assert.Len(t, valid, tt.wantValid)
			assert.ElementsMatch(t, examples, append(append([]Example(nil), train...), valid...))

			again, _, err := SplitTrainValidation(examples, tt.fraction, rand.New(rand.NewSource(1234)))
			require.NoError(t, err)
			assert.Equal(t, train, again)
		})
	}
}

func TestSplitTrainValidation_Errors(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, fraction := range []float64{0, 1, -0.5, 1.5} {
		_, _, err := SplitTrainValidation(numbered(10), fraction, rng)
		assert.Error(t, err, "fraction %g", fraction)
	}
	_, _, err := SplitTrainValidation(numbered(1), 0.2, rng)
	assert.ErrorIs(t, err, ErrEmptySplit)
	_, _, err = SplitTrainValidation(nil, 0.2, rng)
	assert.ErrorIs(t, err, ErrEmptySplit)
}

func TestCorpus_Limit(t *testing.T) {
	corpus := &Corpus{Train: numbered(10), Test: numbered(3)}
	corpus.Limit(0, rand.New(rand.NewSource(1)))
	assert.Len(t, corpus.Train, 10)

	corpus.Limit(4, rand.New(rand.NewSource(1)))
	assert.Len(t, corpus.Train, 4)
	assert.Len(t, corpus.Test, 3)
	assert.Subset(t, numbered(10), corpus.Train)
}
