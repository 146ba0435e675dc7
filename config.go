package imdbtune

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	OptimizerAdafactor = "adafactor"
	OptimizerAdamW     = "adamw"

	ModelPretrained = "pretrained"
	ModelScratch    = "scratch"

	TokenizerGPT2      = "gpt2"
	TokenizerWordPiece = "wordpiece"
)

// Config captures the knobs of a fine-tuning run. The defaults reproduce the reference
// IMDB recipe.
type Config struct {
	BatchSize       int     `yaml:"batch_size"`
	MaxLength       int     `yaml:"max_length"`
	PadToMaxLength  bool    `yaml:"pad_to_max_length"`
	Epochs          int     `yaml:"epochs"`
	Patience        int     `yaml:"patience"`
	ValidationSplit float64 `yaml:"validation_split"`
	Seed            int64   `yaml:"seed"`
	NumLabels       int     `yaml:"num_labels"`
	Limit           int     `yaml:"limit"`

	Optimizer    string  `yaml:"optimizer"`
	LearningRate float32 `yaml:"learning_rate"` // adamw only, adafactor derives its own
	WeightDecay  float32 `yaml:"weight_decay"`
	WarmupSteps  int     `yaml:"warmup_steps"`

	Device    string     `yaml:"device"`
	Model     string     `yaml:"model"`
	Tokenizer string     `yaml:"tokenizer"`
	Scratch   GPT2Config `yaml:"scratch"` // backbone shape when Model is scratch, vocab_size comes from the tokenizer

	CacheDir  string `yaml:"cache_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Overrides captures CLI supplied values. Zero values leave the config untouched.
type Overrides struct {
	BatchSize       int
	MaxLength       int
	Epochs          int
	Patience        int
	ValidationSplit float64
	Seed            int64
	Limit           int
	Optimizer       string
	LearningRate    float32
	Device          string
	Model           string
	Tokenizer       string
	CacheDir        string
	LogLevel        string
	LogFormat       string
}

// DefaultCacheDir is ~/.cache/imdbtune, or a relative .cache/imdbtune without a home directory.
func DefaultCacheDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".cache", "imdbtune")
	}
	return filepath.Join(homeDir, ".cache", "imdbtune")
}

func DefaultConfig() Config {
	return Config{
		BatchSize:       64,
		MaxLength:       64,
		Epochs:          50,
		Patience:        5,
		ValidationSplit: 0.2,
		Seed:            1234,
		NumLabels:       2,
		Optimizer:       OptimizerAdafactor,
		LearningRate:    1e-4,
		Device:          DeviceAuto,
		Model:           ModelPretrained,
		Tokenizer:       TokenizerGPT2,
		Scratch: GPT2Config{
			MaxSeqLen: 64,
			L:         2,
			NH:        4,
			C:         64,
		},
		CacheDir:  DefaultCacheDir(),
		LogLevel:  "info",
		LogFormat: LogFormatAuto,
	}
}

// LoadConfig reads YAML from path over the defaults and validates the result. Unknown keys
// are rejected.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := parseConfig(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseConfig(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &cfg, nil
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.MaxLength > 0 {
		c.MaxLength = o.MaxLength
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.Patience > 0 {
		c.Patience = o.Patience
	}
	if o.ValidationSplit > 0 {
		c.ValidationSplit = o.ValidationSplit
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.Limit > 0 {
		c.Limit = o.Limit
	}
	if o.Optimizer != "" {
		c.Optimizer = o.Optimizer
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.Device != "" {
		c.Device = o.Device
	}
	if o.Model != "" {
		c.Model = o.Model
	}
	if o.Tokenizer != "" {
		c.Tokenizer = o.Tokenizer
	}
	if o.CacheDir != "" {
		c.CacheDir = o.CacheDir
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		c.LogFormat = o.LogFormat
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.MaxLength <= 0 {
		return fmt.Errorf("max_length must be > 0 (got %d)", c.MaxLength)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.Patience <= 0 {
		return fmt.Errorf("patience must be > 0 (got %d)", c.Patience)
	}
	if c.ValidationSplit <= 0 || c.ValidationSplit >= 1 {
		return fmt.Errorf("validation_split must be in (0, 1) (got %g)", c.ValidationSplit)
	}
	if c.NumLabels < 2 {
		return fmt.Errorf("num_labels must be >= 2 (got %d)", c.NumLabels)
	}
	if c.Limit < 0 {
		return fmt.Errorf("limit must be >= 0 (got %d)", c.Limit)
	}
	switch c.Optimizer {
	case OptimizerAdafactor:
	case OptimizerAdamW:
		if c.LearningRate <= 0 {
			return fmt.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
		}
	default:
		return fmt.Errorf("unknown optimizer %q", c.Optimizer)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight_decay must be >= 0 (got %g)", c.WeightDecay)
	}
	if c.WarmupSteps < 0 {
		return fmt.Errorf("warmup_steps must be >= 0 (got %d)", c.WarmupSteps)
	}
	switch c.Device {
	case "", DeviceAuto, DeviceCPU, DeviceParallel:
	default:
		return fmt.Errorf("unknown device %q", c.Device)
	}
	switch c.Tokenizer {
	case TokenizerGPT2:
	case TokenizerWordPiece:
		if c.MaxLength < 2 {
			return fmt.Errorf("max_length must be >= 2 for wordpiece (got %d)", c.MaxLength)
		}
	default:
		return fmt.Errorf("unknown tokenizer %q", c.Tokenizer)
	}
	switch c.Model {
	case ModelPretrained:
		if c.Tokenizer != TokenizerGPT2 {
			return fmt.Errorf("the pretrained model needs the %s tokenizer (got %q)", TokenizerGPT2, c.Tokenizer)
		}
	case ModelScratch:
		s := c.Scratch
		if s.MaxSeqLen <= 0 || s.L < 0 || s.NH <= 0 || s.C <= 0 {
			return fmt.Errorf("scratch model shape must be positive (got %+v)", s)
		}
		if s.C%s.NH != 0 {
			return fmt.Errorf("scratch channels %d not divisible by heads %d", s.C, s.NH)
		}
		if s.MaxSeqLen < c.MaxLength {
			return fmt.Errorf("scratch max_seq_len %d is shorter than max_length %d", s.MaxSeqLen, c.MaxLength)
		}
	default:
		return fmt.Errorf("unknown model %q", c.Model)
	}
	switch c.LogFormat {
	case LogFormatAuto, LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	if c.CacheDir == "" {
		return errors.New("cache_dir must be set")
	}
	return nil
}
