package imdbtune

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]",
	"the", "movie", "was", "great", "!",
	"un", "##believ", "##able", "cafe", ".",
}

func newTestWordPiece(t *testing.T) *WordPiece {
	t.Helper()
	wp, err := newWordPiece(strings.NewReader(strings.Join(testVocab, "\n")))
	require.NoError(t, err)
	return wp
}

func TestWordPiece_Encode(t *testing.T) {
	wp := newTestWordPiece(t)
	tests := []struct {
		name   string
		text   string
		maxLen int
		want   []int32
	}{
		{"lowercase and punctuation", "The movie was GREAT!", 0, []int32{2, 4, 5, 6, 7, 8, 3}},
		{"continuations", "unbelievable", 0, []int32{2, 9, 10, 11, 3}},
		{"accents stripped", "Café.", 0, []int32{2, 12, 13, 3}},
		{"unknown word", "xyz movie", 0, []int32{2, 1, 5, 3}},
		{"truncation keeps cls and sep", "the movie was great", 4, []int32{2, 4, 5, 3}},
		{"empty", "", 8, []int32{2, 3}},
		{"whitespace only", " \t\n ", 8, []int32{2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := wp.Encode(tt.text, tt.maxLen)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			if tt.maxLen > 0 {
				assert.LessOrEqual(t, len(got), tt.maxLen)
			}
		})
	}

	_, err := wp.Encode("the", 1)
	assert.Error(t, err)
	assert.Equal(t, int32(0), wp.PadID())
	assert.Equal(t, len(testVocab), wp.VocabSize())
	assert.Equal(t, []string{"[CLS]", "the", "[SEP]", ""}, wp.Pieces([]int32{2, 4, 3, 99}))
}

func TestWordPiece_MissingSpecialToken(t *testing.T) {
	_, err := newWordPiece(strings.NewReader("the\nmovie\n[PAD]\n[UNK]\n[CLS]"))
	assert.ErrorContains(t, err, "[SEP]")

	_, err = newWordPiece(strings.NewReader(""))
	assert.Error(t, err)
}

func TestLoadWordPiece(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(testVocab, "\n")+"\n"), 0o644))
	wp, err := LoadWordPiece(path)
	require.NoError(t, err)
	assert.Equal(t, len(testVocab), wp.VocabSize())

	_, err = LoadWordPiece(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func Test_basicTokenize(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"punctuation", "Hello, world!", []string{"hello", ",", "world", "!"}},
		{"accents", "naïve résumé", []string{"naive", "resume"}},
		{"cjk", "电影", []string{"电", "影"}},
		{"control characters", "a\x00b\x07c", []string{"abc"}},
		{"html break", "bad<br />movie", []string{"bad", "<", "br", "/", ">", "movie"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, basicTokenize(tt.text))
		})
	}
}

func TestWordPiece_LongWord(t *testing.T) {
	wp := newTestWordPiece(t)
	assert.Equal(t, []string{"[UNK]"}, wp.wordpieceToken(strings.Repeat("a", maxWordChars+1)))
}
