package imdbtune

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the imdbtune CLI.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "imdbtune",
		Short: "Fine-tune GPT-2 for IMDB sentiment classification",
		Long: `
		This CLI tool fine-tunes a pretrained GPT-2 model with a classification head on the IMDB movie-review corpus, early-stops on a held out validation split and reports accuracy on the test split.
	`,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newInitCommand(), newTrainCommand(), newTokenizeCommand(), newBenchCommand())
	return rootCmd
}

func newInitCommand() *cobra.Command {
	var cacheDir string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Download the pretrained model, the tokenizers and the corpus",
		Long:  `This command fetches GPT-2 weights and tokenizer from Huggingface, the WordPiece vocabulary and the IMDB corpus into the cache directory so training can run offline.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := InitLogging(cmd.ErrOrStderr(), "info", LogFormatAuto)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			for _, a := range []Artifact{GPT2Tokenizer, GPT2Model, WordPieceVocab} {
				path, err := EnsureArtifact(ctx, cacheDir, a, cmd.ErrOrStderr(), logger)
				if err != nil {
					return err
				}
				logger.Info("ready", "file", path)
			}
			corpus, err := EnsureCorpus(ctx, cacheDir, cmd.ErrOrStderr(), logger)
			if err != nil {
				return err
			}
			logger.Info("corpus ready", "train", len(corpus.Train), "test", len(corpus.Test))
			return nil
		},
	}
	cmd.Flags().StringVar(&cacheDir, "cache-dir", DefaultCacheDir(), "directory for downloaded files")
	return cmd
}

func newTrainCommand() *cobra.Command {
	var (
		configPath string
		overrides  Overrides
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fine-tune and evaluate the classifier",
		Long:  `This command runs the train/validation epochs with early stopping and prints the test accuracy. Flags override values from --config, which override the defaults.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(configPath, overrides)
			if err != nil {
				return err
			}
			logger, err := InitLogging(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			return Run(cmd.Context(), *cfg, cmd.OutOrStdout(), cmd.ErrOrStderr(), logger)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "YAML config file")
	flags.IntVar(&overrides.BatchSize, "batch-size", 0, "examples per batch")
	flags.IntVar(&overrides.MaxLength, "max-length", 0, "maximum tokens per example")
	flags.IntVar(&overrides.Epochs, "epochs", 0, "maximum number of epochs")
	flags.IntVar(&overrides.Patience, "patience", 0, "epochs without improvement before stopping")
	flags.Float64Var(&overrides.ValidationSplit, "validation-split", 0, "fraction of the training split held out for validation")
	flags.Int64Var(&overrides.Seed, "seed", 0, "random seed")
	flags.IntVar(&overrides.Limit, "limit", 0, "keep at most this many examples per split")
	flags.StringVar(&overrides.Optimizer, "optimizer", "", "adafactor or adamw")
	flags.Float32Var(&overrides.LearningRate, "lr", 0, "adamw learning rate")
	flags.StringVar(&overrides.Device, "device", "", "auto, cpu or cpu-parallel")
	flags.StringVar(&overrides.Model, "model", "", "pretrained or scratch")
	flags.StringVar(&overrides.Tokenizer, "tokenizer", "", "gpt2 or wordpiece")
	flags.StringVar(&overrides.CacheDir, "cache-dir", "", "directory for downloaded files")
	flags.StringVar(&overrides.LogLevel, "log-level", "", "debug, info, warn or error")
	flags.StringVar(&overrides.LogFormat, "log-format", "", "auto, text or json")
	return cmd
}

func resolveConfig(path string, overrides Overrides) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	cfg.ApplyOverrides(overrides)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// pieceEncoder can show the text behind every token id.
type pieceEncoder interface {
	vocabEncoder
	Pieces(ids []int32) []string
}

func newTokenizeCommand() *cobra.Command {
	var (
		cacheDir  string
		tokenizer string
		maxLength int
	)
	cmd := &cobra.Command{
		Use:   "tokenize",
		Short: "Encode lines from stdin",
		Long:  `This command encodes every line read from stdin and prints the token pieces and ids, the way the classifier sees them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := InitLogging(cmd.ErrOrStderr(), "warn", LogFormatAuto)
			if err != nil {
				return err
			}
			cfg := DefaultConfig()
			cfg.CacheDir = cacheDir
			cfg.Tokenizer = tokenizer
			encoder, err := buildEncoder(cmd.Context(), cfg, cmd.ErrOrStderr(), logger)
			if err != nil {
				return err
			}
			pieces, ok := encoder.(pieceEncoder)
			if !ok {
				return fmt.Errorf("tokenizer %q cannot show pieces", tokenizer)
			}
			out := cmd.OutOrStdout()
			scanner := bufio.NewScanner(cmd.InOrStdin())
			scanner.Buffer(make([]byte, 0, 64*1024), 1<<24)
			for scanner.Scan() {
				ids, err := pieces.Encode(scanner.Text(), maxLength)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\n", strings.Join(pieces.Pieces(ids), "|"))
				fmt.Fprintf(out, "%v\n", ids)
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVar(&cacheDir, "cache-dir", DefaultCacheDir(), "directory for downloaded files")
	cmd.Flags().StringVar(&tokenizer, "tokenizer", TokenizerGPT2, "gpt2 or wordpiece")
	cmd.Flags().IntVar(&maxLength, "max-length", 0, "truncate to this many tokens, 0 keeps everything")
	return cmd
}

func newBenchCommand() *cobra.Command {
	var (
		cacheDir  string
		device    string
		modelKind string
		batchSize int
		seqLen    int
		steps     int
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Time training steps on random batches",
		Long:  `This command runs forward, backward and optimizer steps on random token batches and prints the time every step takes, to compare devices and model sizes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := InitLogging(cmd.ErrOrStderr(), "info", LogFormatAuto)
			if err != nil {
				return err
			}
			d, err := SelectDevice(device)
			if err != nil {
				return err
			}
			cfg := DefaultConfig()
			var model *GPT2Classifier
			switch modelKind {
			case ModelScratch:
				shape := cfg.Scratch
				shape.V = int(GPT2_EOT) + 1
				shape.MaxSeqLen = max(shape.MaxSeqLen, seqLen)
				model = NewGPT2Classifier(shape, cfg.NumLabels, cfg.Seed)
			case ModelPretrained:
				path, err := EnsureArtifact(cmd.Context(), cacheDir, GPT2Model, cmd.ErrOrStderr(), logger)
				if err != nil {
					return err
				}
				if model, err = LoadGPT2Classifier(path, cfg.NumLabels, cfg.Seed); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown model %q", modelKind)
			}
			model.SetDevice(d)
			fmt.Fprint(cmd.OutOrStdout(), model)
			result, err := Bench(model, batchSize, seqLen, steps, cfg.Seed, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			logger.Info("bench done", "device", d.Name(), "workers", d.Workers(), "mean_step", result.Mean)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&cacheDir, "cache-dir", DefaultCacheDir(), "directory for downloaded files")
	flags.StringVar(&device, "device", DeviceAuto, "auto, cpu or cpu-parallel")
	flags.StringVar(&modelKind, "model", ModelScratch, "pretrained or scratch")
	flags.IntVar(&batchSize, "batch-size", 4, "rows per batch")
	flags.IntVar(&seqLen, "seq-len", 64, "tokens per row")
	flags.IntVar(&steps, "steps", 10, "number of steps to time")
	return cmd
}

// Execute runs the CLI and exits non-zero on failure. Interrupts cancel the run.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
