package search

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-scribe/internal/cache"
	"github.com/23skdu/longbow-scribe/internal/device"
	"github.com/rs/zerolog/log"
)

// GreedySearch follows the single best token of every batch item.
type GreedySearch struct {
	cfg   Config
	ready bool
}

func NewGreedySearch(cfg Config) (*GreedySearch, error) {
	s := &GreedySearch{}
	if err := s.Init(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Init validates and installs cfg. BeamSize is ignored beyond validation.
func (s *GreedySearch) Init(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.EndSymbols = append([]int(nil), cfg.EndSymbols...)
	s.cfg = cfg
	s.ready = true
	return nil
}

func (s *GreedySearch) Config() Config { return s.cfg }

func (s *GreedySearch) Search(model Model, src Source) ([]Hypothesis, error) {
	if !s.ready {
		return nil, ErrNotInitialized
	}
	if err := src.validate(); err != nil {
		return nil, err
	}
	limit := s.cfg.LengthLimit(src.Len)
	if limit <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLengthLimit, limit)
	}
	start := time.Now()
	defer func() { searchDuration.WithLabelValues("greedy").Observe(time.Since(start).Seconds()) }()

	batch := src.Rows
	enc, err := model.EncodeSource(src)
	if err != nil {
		return nil, fmt.Errorf("encode source: %w", err)
	}
	if r, _ := enc.Dims(); r != batch*src.Len {
		return nil, fmt.Errorf("%w: encoder returned %d rows, want %d", ErrInvariant, r, batch*src.Len)
	}
	caches := cache.NewSet(model.NumLayers(), true)

	input := make([]int, batch)
	for i := range input {
		input[i] = s.cfg.StartSymbol
	}
	out := make([]Hypothesis, batch)
	cum := make([]float32, batch)
	finished := make([]bool, batch)
	remaining := batch

	for step := 0; step < limit && remaining > 0; step++ {
		logProbs, err := model.DecodeStep(caches, input, enc, src.Mask, step)
		if err != nil {
			return nil, fmt.Errorf("decode step %d: %w", step, err)
		}
		if logProbs == nil {
			return nil, fmt.Errorf("%w: decoder returned no output at step %d", ErrInvariant, step)
		}
		if r, c := logProbs.Dims(); r != batch || c < 1 {
			return nil, fmt.Errorf("%w: decoder output %dx%d for %d rows", ErrInvariant, r, c, batch)
		}
		values, best := device.Widen(logProbs).TopK(1)
		searchSteps.WithLabelValues("greedy").Inc()

		for b := 0; b < batch; b++ {
			if finished[b] {
				input[b] = s.cfg.EndSymbols[0]
				continue
			}
			tok := best[b]
			cum[b] += values.At(b, 0)
			input[b] = tok
			if s.cfg.isEnd(tok) {
				finished[b] = true
				remaining--
				out[b].Score = cum[b] / LengthPenalty(step+1, s.cfg.LengthAlpha)
				continue
			}
			out[b].Tokens = append(out[b].Tokens, tok)
		}
	}

	if remaining == 0 {
		searchEarlyStops.Inc()
	}
	for b := 0; b < batch; b++ {
		if !finished[b] {
			out[b].Score = cum[b] / LengthPenalty(len(out[b].Tokens), s.cfg.LengthAlpha)
		}
	}
	log.Debug().Int("batch", batch).Int("unfinished", remaining).Msg("Greedy search done")
	return out, nil
}
