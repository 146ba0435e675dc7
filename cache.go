package imdbtune

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

const corpusCacheName = "imdb.cbor"

// SaveCorpusCache writes the parsed corpus as CBOR so later runs skip the 50k file walk.
func SaveCorpusCache(path string, corpus *Corpus) error {
	data, err := cbor.Marshal(corpus)
	if err != nil {
		return fmt.Errorf("encode corpus cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), corpusCacheName+".*")
	if err != nil {
		return fmt.Errorf("create corpus cache: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write corpus cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write corpus cache: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// LoadCorpusCache reads a corpus written by SaveCorpusCache.
func LoadCorpusCache(path string) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var corpus Corpus
	if err := cbor.Unmarshal(data, &corpus); err != nil {
		return nil, fmt.Errorf("decode corpus cache %s: %w", path, err)
	}
	if len(corpus.Train) == 0 || len(corpus.Test) == 0 {
		return nil, fmt.Errorf("corpus cache %s: %w", path, ErrEmptySplit)
	}
	return &corpus, nil
}
