package imdbtune

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const (
	// BaseFolderName holds the pretrained weights and the tokenizer files inside the cache dir.
	BaseFolderName = "base"

	imdbArchiveURL = "https://ai.stanford.edu/~amaas/data/sentiment/aclImdb_v1.tar.gz"
	imdbDirName    = "aclImdb"
)

// Artifact is a file fetched into the cache on first use.
type Artifact struct {
	URL string
	// Validate, when set, rejects a cached copy so it gets downloaded again.
	Validate func(path string) error
}

func (a Artifact) FileName() string {
	return filepath.Base(a.URL)
}

var (
	GPT2Tokenizer = Artifact{
		URL: "https://huggingface.co/joshcarp/llm.go/resolve/main/gpt2_tokenizer.bin",
		Validate: func(path string) error {
			_, err := NewTokenizer(path)
			return err
		},
	}
	GPT2Model = Artifact{
		URL: "https://huggingface.co/joshcarp/llm.go/resolve/main/gpt2_124M.bin",
	}
	WordPieceVocab = Artifact{
		URL: "https://huggingface.co/distilbert-base-uncased/resolve/main/vocab.txt",
		Validate: func(path string) error {
			_, err := LoadWordPiece(path)
			return err
		},
	}
)

// EnsureArtifact returns the cached path of a, downloading it when it is missing or invalid.
func EnsureArtifact(ctx context.Context, cacheDir string, a Artifact, progress io.Writer, logger *slog.Logger) (string, error) {
	dir := filepath.Join(cacheDir, BaseFolderName)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return "", fmt.Errorf("failed to create base configuration directory: %w", err)
	}
	path := filepath.Join(dir, a.FileName())
	if _, err := os.Stat(path); err == nil {
		if a.Validate == nil {
			return path, nil
		}
		err := a.Validate(path)
		if err == nil {
			return path, nil
		}
		logger.Warn("cached file is invalid, downloading again", "path", path, "err", err)
	}
	logger.Info("downloading", "file", a.FileName(), "url", a.URL)
	if err := downloadFile(ctx, path, a.URL, progress); err != nil {
		return "", fmt.Errorf("failed to download %s: %w", a.FileName(), err)
	}
	if a.Validate != nil {
		if err := a.Validate(path); err != nil {
			return "", fmt.Errorf("downloaded %s is invalid: %w", a.FileName(), err)
		}
	}
	return path, nil
}

// EnsureCorpus returns the IMDB corpus, from the CBOR cache when present, otherwise by
// downloading and extracting the aclImdb archive and parsing it.
func EnsureCorpus(ctx context.Context, cacheDir string, progress io.Writer, logger *slog.Logger) (*Corpus, error) {
	cachePath := filepath.Join(cacheDir, corpusCacheName)
	corpus, err := LoadCorpusCache(cachePath)
	if err == nil {
		logger.Debug("corpus loaded from cache", "path", cachePath)
		return corpus, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("ignoring unreadable corpus cache", "path", cachePath, "err", err)
	}
	dir := filepath.Join(cacheDir, imdbDirName)
	if _, err := os.Stat(dir); err != nil {
		archive := filepath.Join(cacheDir, filepath.Base(imdbArchiveURL))
		if _, err := os.Stat(archive); err != nil {
			logger.Info("downloading corpus", "url", imdbArchiveURL)
			if err := os.MkdirAll(cacheDir, os.ModePerm); err != nil {
				return nil, err
			}
			if err := downloadFile(ctx, archive, imdbArchiveURL, progress); err != nil {
				return nil, fmt.Errorf("failed to download corpus: %w", err)
			}
		}
		logger.Info("extracting corpus", "archive", archive)
		if err := extractTarGz(archive, cacheDir, isLabelledReview); err != nil {
			return nil, fmt.Errorf("failed to extract corpus: %w", err)
		}
	}
	corpus, err = LoadImdbDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	if err := SaveCorpusCache(cachePath, corpus); err != nil {
		logger.Warn("could not write corpus cache", "path", cachePath, "err", err)
	}
	return corpus, nil
}

// isLabelledReview keeps aclImdb/{train,test}/{neg,pos}/*.txt and nothing else.
func isLabelledReview(name string) bool {
	parts := strings.Split(filepath.ToSlash(name), "/")
	if len(parts) != 4 || parts[0] != imdbDirName {
		return false
	}
	if parts[1] != "train" && parts[1] != "test" {
		return false
	}
	return (parts[2] == "neg" || parts[2] == "pos") && strings.HasSuffix(parts[3], ".txt")
}

func downloadFile(ctx context.Context, outputPath, url string, progress io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	contentLength := resp.ContentLength
	var totalRead int64 = 0

	partPath := outputPath + ".part"
	out, err := os.Create(partPath)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", partPath, err)
	}
	defer os.Remove(partPath)

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			totalRead += int64(n)
			if contentLength > 0 {
				percentage := float64(totalRead) / float64(contentLength) * 100
				fmt.Fprintf(progress, "\rDownloading %s... %.2f%% complete", filepath.Base(outputPath), percentage)
			}
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				return fmt.Errorf("failed to write to file %s: %w", partPath, writeErr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			out.Close()
			return fmt.Errorf("failed to read data: %w", err)
		}
	}
	fmt.Fprintln(progress)
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(partPath, outputPath)
}

// extractTarGz unpacks the regular files of a .tar.gz archive that keep accepts into destDir.
func extractTarGz(archivePath, destDir string, keep func(name string) bool) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	root := filepath.Clean(destDir) + string(os.PathSeparator)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg || !keep(hdr.Name) {
			continue
		}
		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("archive entry %q escapes %s", hdr.Name, destDir)
		}
		if err := os.MkdirAll(filepath.Dir(target), os.ModePerm); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
}
