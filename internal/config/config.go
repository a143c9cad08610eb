// Package config loads the scribe configuration file.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/23skdu/longbow-scribe/internal/model"
	"github.com/23skdu/longbow-scribe/internal/search"
	"github.com/23skdu/longbow-scribe/internal/translate"
	"gopkg.in/yaml.v3"
)

// Config represents the scribe configuration file. Fields missing from the
// file keep their Default values.
type Config struct {
	SrcVocab  string `yaml:"src_vocab"`
	TgtVocab  string `yaml:"tgt_vocab"`
	Weights   string `yaml:"weights"`
	Precision string `yaml:"precision"`

	Model   model.Config      `yaml:"model"`
	Special translate.Special `yaml:"special"`

	// Decoding
	MaxLen      int     `yaml:"max_len"`
	BeamSize    int     `yaml:"beam_size"`
	LengthAlpha float32 `yaml:"length_alpha"`
	MaxLenAlpha float32 `yaml:"max_len_alpha"`
	EndSymbols  []int   `yaml:"end_symbols"`

	// Batching
	SentenceBatch int `yaml:"sentence_batch"`
	WordBatch     int `yaml:"word_batch"`
	MaxSrcLen     int `yaml:"max_src_len"`
	MemoSize      int `yaml:"memo_size"`

	// Server
	ListenAddr    string `yaml:"listen"`
	FlightAddr    string `yaml:"flight"`
	MaxConcurrent int64  `yaml:"max_concurrent"`
	ServerAddr    string `yaml:"server"`
	Dataset       string `yaml:"dataset"`
}

// Default returns the stock configuration with a tiny random model.
func Default() Config {
	opts := translate.DefaultOptions()
	return Config{
		Precision:     "fp32",
		Model:         model.DefaultTinyConfig(),
		Special:       translate.DefaultSpecial(),
		MaxLen:        opts.MaxLen,
		BeamSize:      opts.BeamSize,
		LengthAlpha:   opts.LengthAlpha,
		MaxLenAlpha:   opts.MaxLenAlpha,
		SentenceBatch: opts.SentenceBatch,
		WordBatch:     opts.WordBatch,
		MaxSrcLen:     opts.MaxSrcLen,
		MemoSize:      4096,
		MaxConcurrent: 64,
		Dataset:       "scribe_translations",
	}
}

// Load reads path over the defaults. An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if err := c.Model.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Precision != "fp32" && c.Precision != "fp16" {
		errs = append(errs, fmt.Errorf("unknown precision %q", c.Precision))
	}
	if c.BeamSize < 1 {
		errs = append(errs, fmt.Errorf("%w: got %d", search.ErrInvalidBeamSize, c.BeamSize))
	}
	if c.MaxLen < 0 {
		errs = append(errs, fmt.Errorf("max_len must not be negative, got %d", c.MaxLen))
	}
	if len(c.EndSymbols) > search.MaxEndSymbols {
		errs = append(errs, fmt.Errorf("%w: got %d", search.ErrTooManyEndSymbols, len(c.EndSymbols)))
	}
	for _, e := range c.EndSymbols {
		if e < 0 || e >= c.Model.TgtVocabSize {
			errs = append(errs, fmt.Errorf("end symbol %d outside target vocabulary of %d", e, c.Model.TgtVocabSize))
		}
	}
	for name, id := range map[string]int{"pad": c.Special.Pad, "sos": c.Special.SOS, "eos": c.Special.EOS, "unk": c.Special.Unk} {
		if id < 0 || id >= c.Model.SrcVocabSize || id >= c.Model.TgtVocabSize {
			errs = append(errs, fmt.Errorf("special id %s=%d outside vocabulary", name, id))
		}
	}
	if c.SentenceBatch <= 0 {
		errs = append(errs, fmt.Errorf("sentence_batch must be positive, got %d", c.SentenceBatch))
	}
	if c.WordBatch <= 0 {
		errs = append(errs, fmt.Errorf("word_batch must be positive, got %d", c.WordBatch))
	}
	if c.MaxSrcLen < 2 {
		errs = append(errs, fmt.Errorf("max_src_len must be at least 2, got %d", c.MaxSrcLen))
	}
	if c.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent))
	}
	return errors.Join(errs...)
}

// TranslateOptions converts the decoding and batching settings.
func (c Config) TranslateOptions() translate.Options {
	return translate.Options{
		MaxLen:        c.MaxLen,
		BeamSize:      c.BeamSize,
		LengthAlpha:   c.LengthAlpha,
		MaxLenAlpha:   c.MaxLenAlpha,
		EndSymbols:    c.EndSymbols,
		SentenceBatch: c.SentenceBatch,
		WordBatch:     c.WordBatch,
		MaxSrcLen:     c.MaxSrcLen,
		MemoSize:      c.MemoSize,
	}
}
