// Package search implements autoregressive beam and greedy decoding over an
// encoder-decoder Model.
package search

import "fmt"

// Searcher decodes a batch of sources. The translation driver picks one
// implementation from configuration with New.
type Searcher interface {
	Search(model Model, src Source) ([]Hypothesis, error)
	Config() Config
}

var (
	_ Searcher = (*BeamSearch)(nil)
	_ Searcher = (*GreedySearch)(nil)
)

// New returns GreedySearch for a beam of 1 and BeamSearch for larger beams.
func New(cfg Config) (Searcher, error) {
	switch {
	case cfg.BeamSize == 1:
		return NewGreedySearch(cfg)
	case cfg.BeamSize > 1:
		return NewBeamSearch(cfg)
	default:
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBeamSize, cfg.BeamSize)
	}
}
