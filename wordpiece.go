package imdbtune

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// maxWordChars is the longest word WordPiece tries to decompose before giving up with [UNK].
const maxWordChars = 100

// WordPiece is a BERT uncased tokenizer (the distilbert-base-uncased scheme) driven by a
// vocab.txt file where the line number is the token id.
type WordPiece struct {
	tokenToID map[string]int32
	idToToken []string

	padID int32
	unkID int32
	clsID int32
	sepID int32
}

// LoadWordPiece reads a vocab.txt file.
func LoadWordPiece(path string) (*WordPiece, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vocab: %w", err)
	}
	defer f.Close()
	return newWordPiece(f)
}

func newWordPiece(r io.Reader) (*WordPiece, error) {
	var tokens []string
	tokenToID := make(map[string]int32, 32000)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		tok := scanner.Text()
		tokenToID[tok] = int32(len(tokens))
		tokens = append(tokens, tok)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("vocab: read error: %w", err)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("vocab: empty vocabulary")
	}
	wp := &WordPiece{tokenToID: tokenToID, idToToken: tokens}
	specials := []struct {
		name string
		dest *int32
	}{
		{"[PAD]", &wp.padID},
		{"[UNK]", &wp.unkID},
		{"[CLS]", &wp.clsID},
		{"[SEP]", &wp.sepID},
	}
	for _, s := range specials {
		id, ok := tokenToID[s.name]
		if !ok {
			return nil, fmt.Errorf("vocab: missing special token %s", s.name)
		}
		*s.dest = id
	}
	return wp, nil
}

// VocabSize is the number of entries in the vocabulary.
func (wp *WordPiece) VocabSize() int {
	return len(wp.idToToken)
}

func (wp *WordPiece) PadID() int32 {
	return wp.padID
}

// Encode produces [CLS] tokens... [SEP], truncating the word pieces so the whole sequence
// fits in maxLen when maxLen > 0.
func (wp *WordPiece) Encode(text string, maxLen int) ([]int32, error) {
	pieces := wp.wordpiece(basicTokenize(text))
	if maxLen > 0 {
		if maxLen < 2 {
			return nil, fmt.Errorf("wordpiece: max length %d leaves no room for [CLS] and [SEP]", maxLen)
		}
		if len(pieces) > maxLen-2 {
			pieces = pieces[:maxLen-2]
		}
	}
	ids := make([]int32, 0, len(pieces)+2)
	ids = append(ids, wp.clsID)
	for _, p := range pieces {
		ids = append(ids, wp.lookup(p))
	}
	ids = append(ids, wp.sepID)
	return ids, nil
}

// Pieces returns the vocabulary entry of every id, for display.
func (wp *WordPiece) Pieces(ids []int32) []string {
	pieces := make([]string, len(ids))
	for i, id := range ids {
		if id >= 0 && int(id) < len(wp.idToToken) {
			pieces[i] = wp.idToToken[id]
		}
	}
	return pieces
}

func (wp *WordPiece) lookup(token string) int32 {
	if id, ok := wp.tokenToID[token]; ok {
		return id
	}
	return wp.unkID
}

func (wp *WordPiece) wordpiece(words []string) []string {
	var result []string
	for _, word := range words {
		result = append(result, wp.wordpieceToken(word)...)
	}
	return result
}

// wordpieceToken decomposes one word into the longest vocabulary prefixes, marking
// continuations with "##". A word with any undecomposable part becomes a single [UNK].
func (wp *WordPiece) wordpieceToken(word string) []string {
	runes := []rune(word)
	if len(runes) > maxWordChars {
		return []string{"[UNK]"}
	}
	var sub []string
	for start := 0; start < len(runes); {
		end := len(runes)
		found := ""
		for end > start {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if _, ok := wp.tokenToID[piece]; ok {
				found = piece
				break
			}
			end--
		}
		if found == "" {
			return []string{"[UNK]"}
		}
		sub = append(sub, found)
		start = end
	}
	return sub
}

// basicTokenize cleans, lowercases, strips accents and splits on whitespace and punctuation.
func basicTokenize(text string) []string {
	text = cleanText(text)
	text = spaceCJK(text)
	text = stripAccents(strings.ToLower(text))
	var words []string
	for _, field := range strings.Fields(text) {
		words = append(words, splitOnPunctuation(field)...)
	}
	return words
}

func cleanText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == 0 || r == 0xFFFD || isControl(r) {
			continue
		}
		if isWhitespace(r) {
			b.WriteRune(' ')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func stripAccents(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range norm.NFD.String(text) {
		if unicode.In(r, unicode.Mn) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func spaceCJK(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if isCJK(r) {
			b.WriteRune(' ')
			b.WriteRune(r)
			b.WriteRune(' ')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func splitOnPunctuation(word string) []string {
	var out []string
	var current strings.Builder
	for _, r := range word {
		if !isPunctuation(r) {
			current.WriteRune(r)
			continue
		}
		if current.Len() > 0 {
			out = append(out, current.String())
			current.Reset()
		}
		out = append(out, string(r))
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}

func isWhitespace(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r)
}

// isPunctuation counts every non-alphanumeric ASCII symbol as punctuation, as BERT does.
func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) ||
		(r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
