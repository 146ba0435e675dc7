package imdbtune

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

const (
	LabelNegative = 0
	LabelPositive = 1
)

var (
	ID2Label = map[int]string{LabelNegative: "NEGATIVE", LabelPositive: "POSITIVE"}
	Label2ID = map[string]int{"NEGATIVE": LabelNegative, "POSITIVE": LabelPositive}
)

// Example is one labelled review.
type Example struct {
	Text  string `cbor:"text"`
	Label int    `cbor:"label"`
}

// Corpus is the labelled IMDB corpus, split the way it is distributed.
type Corpus struct {
	Train []Example `cbor:"train"`
	Test  []Example `cbor:"test"`
}

// LabelCounts counts the examples of every label name.
func LabelCounts(examples []Example) map[string]int {
	counts := make(map[string]int, len(ID2Label))
	for _, ex := range examples {
		counts[ID2Label[ex.Label]]++
	}
	return counts
}

// LoadImdbDir reads an extracted aclImdb directory: {train,test}/{neg,pos}/*.txt. Within a
// split all negative reviews come first, then all positive ones, each in file name order.
// The unlabelled unsup directory is ignored.
func LoadImdbDir(ctx context.Context, dir string) (*Corpus, error) {
	type part struct {
		split, class string
		label        int
	}
	parts := []part{
		{"train", "neg", LabelNegative},
		{"train", "pos", LabelPositive},
		{"test", "neg", LabelNegative},
		{"test", "pos", LabelPositive},
	}
	results := make([][]Example, len(parts))
	g, ctx := errgroup.WithContext(ctx)
	for i, p := range parts {
		i, p := i, p // per-iteration copy; go directive is 1.21 (pre loopvar semantics)
		g.Go(func() error {
			examples, err := readReviews(ctx, filepath.Join(dir, p.split, p.class), p.label)
			if err != nil {
				return fmt.Errorf("imdb %s/%s: %w", p.split, p.class, err)
			}
			results[i] = examples
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	corpus := &Corpus{
		Train: append(results[0], results[1]...),
		Test:  append(results[2], results[3]...),
	}
	if len(corpus.Train) == 0 || len(corpus.Test) == 0 {
		return nil, fmt.Errorf("imdb %s: %w", dir, ErrEmptySplit)
	}
	return corpus, nil
}

func readReviews(ctx context.Context, dir string, label int) ([]Example, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	examples := make([]Example, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		examples = append(examples, Example{Text: string(text), Label: label})
	}
	return examples, nil
}

// Limit keeps at most n randomly chosen examples of every split. n <= 0 keeps everything.
func (c *Corpus) Limit(n int, rng *rand.Rand) {
	if n <= 0 {
		return
	}
	c.Train = sample(c.Train, n, rng)
	c.Test = sample(c.Test, n, rng)
}

func sample(examples []Example, n int, rng *rand.Rand) []Example {
	if len(examples) <= n {
		return examples
	}
	out := make([]Example, n)
	for i, j := range rng.Perm(len(examples))[:n] {
		out[i] = examples[j]
	}
	return out
}

// SplitTrainValidation shuffles examples and holds out ceil(fraction*n) of them for
// validation. Both parts must end up non-empty.
func SplitTrainValidation(examples []Example, fraction float64, rng *rand.Rand) (train, valid []Example, err error) {
	if fraction <= 0 || fraction >= 1 {
		return nil, nil, fmt.Errorf("validation fraction must be in (0, 1) (got %g)", fraction)
	}
	n := len(examples)
	nValid := int(math.Ceil(fraction * float64(n)))
	if nValid < 1 || n-nValid < 1 {
		return nil, nil, fmt.Errorf("splitting %d examples with fraction %g: %w", n, fraction, ErrEmptySplit)
	}
	perm := rng.Perm(n)
	valid = make([]Example, 0, nValid)
	for _, i := range perm[:nValid] {
		valid = append(valid, examples[i])
	}
	train = make([]Example, 0, n-nValid)
	for _, i := range perm[nValid:] {
		train = append(train, examples[i])
	}
	return train, valid, nil
}
