package imdbtune

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// Tokenizer is the GPT-2 tokenizer stored in the llm.c tokenizer file format.
// Encoding is a greedy longest match over the token table; bytes no token
// covers become the end-of-text token.
type Tokenizer struct {
	vocabSize  uint32
	tokenTable []string
	trie       *trie
	init       bool
}

func NewTokenizer(filename string) (Tokenizer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return Tokenizer{}, err
	}
	defer f.Close()
	header := make([]uint32, 256)
	if err := binary.Read(f, binary.LittleEndian, header); err != nil {
		return Tokenizer{}, err
	}
	if header[0] != 20240328 || header[1] != 1 {
		return Tokenizer{}, errors.New("incorrect header for tokenizer")
	}
	table := make([]string, header[2])
	var length byte
	for i := range table {
		if err := binary.Read(f, binary.LittleEndian, &length); err != nil {
			return Tokenizer{}, err
		}
		if length <= 0 {
			return Tokenizer{}, errors.New("tokenizer failure")
		}
		tokenBytes := make([]byte, length)
		if err := binary.Read(f, binary.LittleEndian, tokenBytes); err != nil {
			return Tokenizer{}, err
		}
		table[i] = string(tokenBytes)
	}
	return newTokenizer(table), nil
}

func newTokenizer(vocab []string) Tokenizer {
	return Tokenizer{
		vocabSize:  uint32(len(vocab)),
		tokenTable: vocab,
		trie:       newTrie(vocab),
		init:       true,
	}
}

func (t Tokenizer) VocabSize() int {
	return int(t.vocabSize)
}

// Encode tokenizes text, keeping at most maxLen tokens when maxLen > 0.
func (t Tokenizer) Encode(text string, maxLen int) ([]int32, error) {
	if !t.init {
		return nil, errors.New("tokenizer not initialised")
	}
	_, tokens := t.trie.Tokenize([]byte(text))
	if maxLen > 0 && len(tokens) > maxLen {
		tokens = tokens[:maxLen]
	}
	return tokens, nil
}

// PadID is the end-of-text token, which GPT-2 also uses for padding.
func (t Tokenizer) PadID() int32 {
	return GPT2_EOT
}

func (t Tokenizer) Decode(tokens []int32) (string, error) {
	s := ""
	for _, token := range tokens {
		if token < 0 || token >= int32(len(t.tokenTable)) {
			return "", fmt.Errorf("not valid token %d", token)
		}
		s += t.tokenTable[token]
	}
	return s, nil
}

// Pieces returns the text of every token, for display.
func (t Tokenizer) Pieces(tokens []int32) []string {
	pieces := make([]string, len(tokens))
	for i, token := range tokens {
		if token >= 0 && token < int32(len(t.tokenTable)) {
			pieces[i] = t.tokenTable[token]
		}
	}
	return pieces
}

type trie struct {
	children map[byte]*trie
	token    int32
	end      bool
}

func newTrie(words []string) *trie {
	root := &trie{children: map[byte]*trie{}}
	for id, word := range words {
		node := root
		for i := 0; i < len(word); i++ {
			next, ok := node.children[word[i]]
			if !ok {
				next = &trie{children: map[byte]*trie{}}
				node.children[word[i]] = next
			}
			node = next
		}
		if len(word) > 0 && !node.end {
			node.end = true
			node.token = int32(id)
		}
	}
	return root
}

// Tokenize splits input into the longest known tokens, left to right.
func (t *trie) Tokenize(input []byte) ([][]byte, []int32) {
	var split [][]byte
	var tokens []int32
	for i := 0; i < len(input); {
		node := t
		matchLen, matchToken := 0, GPT2_EOT
		for j := i; j < len(input); j++ {
			next, ok := node.children[input[j]]
			if !ok {
				break
			}
			node = next
			if node.end {
				matchLen, matchToken = j-i+1, node.token
			}
		}
		if matchLen == 0 {
			// unknown byte
			matchLen = 1
		}
		split = append(split, input[i:i+matchLen])
		tokens = append(tokens, matchToken)
		i += matchLen
	}
	return split, tokens
}
