package imdbtune

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
)

// vocabEncoder is an Encoder that knows how many token ids it can produce.
type vocabEncoder interface {
	Encoder
	VocabSize() int
}

// Run fine-tunes a classifier on the IMDB training split, early-stops on the validation
// split and reports accuracy on the test split. Result lines go to stdout, download
// progress to progress.
func Run(ctx context.Context, cfg Config, stdout, progress io.Writer, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	device, err := SelectDevice(cfg.Device)
	if err != nil {
		return err
	}
	logger.Info("device selected", "device", device.Name(), "workers", device.Workers())

	corpus, err := EnsureCorpus(ctx, cfg.CacheDir, progress, logger)
	if err != nil {
		return fmt.Errorf("load corpus: %w", err)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	corpus.Limit(cfg.Limit, rng)
	train, valid, err := SplitTrainValidation(corpus.Train, cfg.ValidationSplit, rng)
	if err != nil {
		return err
	}
	logger.Info("corpus ready",
		"train", len(train),
		"valid", len(valid),
		"test", len(corpus.Test),
		"train_labels", LabelCounts(train))

	encoder, model, err := buildModel(ctx, cfg, progress, logger)
	if err != nil {
		return err
	}
	model.SetDevice(device)
	logger.Debug("model ready", "model", model.String())

	collator := Collator{Encoder: encoder, MaxLength: cfg.MaxLength, PadToMaxLength: cfg.PadToMaxLength}
	trainLoader, err := NewDataLoader(train, cfg.BatchSize, collator)
	if err != nil {
		return err
	}
	validLoader, err := NewDataLoader(valid, cfg.BatchSize, collator)
	if err != nil {
		return err
	}
	testLoader, err := NewDataLoader(corpus.Test, cfg.BatchSize, collator)
	if err != nil {
		return err
	}
	logger.Info("batches",
		"train", trainLoader.NumBatches,
		"valid", validLoader.NumBatches,
		"test", testLoader.NumBatches)

	optimizer, schedule, err := buildOptimizer(cfg, model.ParamGroups())
	if err != nil {
		return err
	}
	trainer := &Trainer{
		Model:     model,
		Optimizer: optimizer,
		Schedule:  schedule,
		MaxEpochs: cfg.Epochs,
		Patience:  cfg.Patience,
		Out:       stdout,
		Logger:    logger,
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	history, err := trainer.Fit(trainLoader, validLoader)
	if err != nil {
		return err
	}
	logger.Info("training done", "epochs", history.StoppedEpoch+1, "best_epoch", history.BestEpoch)
	_, err = trainer.Test(testLoader)
	return err
}

func buildModel(ctx context.Context, cfg Config, progress io.Writer, logger *slog.Logger) (Encoder, *GPT2Classifier, error) {
	encoder, err := buildEncoder(ctx, cfg, progress, logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Model == ModelScratch {
		shape := cfg.Scratch
		shape.V = encoder.VocabSize()
		return encoder, NewGPT2Classifier(shape, cfg.NumLabels, cfg.Seed), nil
	}
	path, err := EnsureArtifact(ctx, cfg.CacheDir, GPT2Model, progress, logger)
	if err != nil {
		return nil, nil, err
	}
	model, err := LoadGPT2Classifier(path, cfg.NumLabels, cfg.Seed)
	if err != nil {
		return nil, nil, err
	}
	if cfg.MaxLength > model.Config.MaxSeqLen {
		return nil, nil, fmt.Errorf("max_length %d exceeds the model's %d positions", cfg.MaxLength, model.Config.MaxSeqLen)
	}
	if encoder.VocabSize() > model.Config.V {
		return nil, nil, fmt.Errorf("tokenizer has %d tokens but the model only embeds %d", encoder.VocabSize(), model.Config.V)
	}
	return encoder, model, nil
}

func buildEncoder(ctx context.Context, cfg Config, progress io.Writer, logger *slog.Logger) (vocabEncoder, error) {
	switch cfg.Tokenizer {
	case TokenizerWordPiece:
		path, err := EnsureArtifact(ctx, cfg.CacheDir, WordPieceVocab, progress, logger)
		if err != nil {
			return nil, err
		}
		wp, err := LoadWordPiece(path)
		if err != nil {
			return nil, err
		}
		return wp, nil
	case TokenizerGPT2:
		path, err := EnsureArtifact(ctx, cfg.CacheDir, GPT2Tokenizer, progress, logger)
		if err != nil {
			return nil, err
		}
		tok, err := NewTokenizer(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load tokenizer: %w", err)
		}
		return tok, nil
	}
	return nil, fmt.Errorf("unknown tokenizer %q", cfg.Tokenizer)
}

func buildOptimizer(cfg Config, groups []ParamGroup) (Optimizer, Schedule, error) {
	switch cfg.Optimizer {
	case OptimizerAdafactor:
		opt := NewAdafactor(groups)
		return opt, &AdafactorSchedule{Optimizer: opt}, nil
	case OptimizerAdamW:
		var schedule Schedule = &ConstantSchedule{LR: cfg.LearningRate}
		if cfg.WarmupSteps > 0 {
			schedule = &LinearWarmupSchedule{LR: cfg.LearningRate, Warmup: cfg.WarmupSteps}
		}
		return NewAdamW(groups, schedule, cfg.WeightDecay), schedule, nil
	}
	return nil, nil, fmt.Errorf("unknown optimizer %q", cfg.Optimizer)
}
