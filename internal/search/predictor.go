package search

import (
	"fmt"

	"github.com/23skdu/longbow-scribe/internal/cache"
	"github.com/rs/zerolog/log"
)

// Predictor wraps one decoder invocation per step. It owns the cache set of
// the search it serves and keeps it aligned with the beam row order.
type Predictor struct {
	model    Model
	caches   *cache.Set
	beamSize int
	start    int
	vocab    int
}

// NewPredictor returns a Predictor decoding with model into caches.
func NewPredictor(model Model, caches *cache.Set, beamSize int) *Predictor {
	return &Predictor{model: model, caches: caches, beamSize: beamSize}
}

func (p *Predictor) SetStartSymbol(token int) {
	p.start = token
}

// Create builds the start bundle: batchSize*beamSize empty slots, all fed to
// the model in order.
func (p *Predictor) Create(batchSize int) *StateBundle {
	b := newBundle(0, batchSize, p.beamSize)
	b.IsStart = true
	b.Rows = make([]int, batchSize*p.beamSize)
	for i := range b.States {
		b.set(i, State{Token: p.start, Item: i / p.beamSize, Prev: noState}, 0)
		b.Rows[i] = i
	}
	return b
}

// Predict runs the decoder on cur and returns the next, not yet expanded,
// bundle carrying the log-probabilities.
//
// When needReorder is set, reorder[i] names the model row of the previous
// step whose history row i continues; every cache and the beam-carried
// encoder output and mask are gathered with it before the model runs.
func (p *Predictor) Predict(cur *StateBundle, in *beamInput, reorder []int, needReorder bool, step int) (*StateBundle, error) {
	if needReorder {
		if len(reorder) != len(cur.Rows) {
			return nil, fmt.Errorf("%w: reorder of %d rows for %d beam rows", ErrInvariant, len(reorder), len(cur.Rows))
		}
		p.caches.ReorderAll(reorder)
		in.reorder(reorder)
		searchReorders.Inc()
		log.Debug().Int("step", step).Int("rows", len(reorder)).Msg("Reordered decoder caches")
	}
	if in.rows != len(cur.Rows) {
		return nil, fmt.Errorf("%w: %d encoder rows for %d beam rows", ErrInvariant, in.rows, len(cur.Rows))
	}

	input := make([]int, len(cur.Rows))
	for r, slot := range cur.Rows {
		if step == 0 {
			input[r] = p.start
		} else {
			input[r] = cur.States[slot].Token
		}
	}

	out, err := p.model.DecodeStep(p.caches, input, in.encoding, in.mask, step)
	if err != nil {
		return nil, fmt.Errorf("decode step %d: %w", step, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: decoder returned no output at step %d", ErrInvariant, step)
	}
	rows, cols := out.Dims()
	if rows != len(input) || cols < 1 {
		return nil, fmt.Errorf("%w: decoder output %dx%d for %d rows", ErrInvariant, rows, cols, len(input))
	}
	if p.vocab != 0 && cols != p.vocab {
		return nil, fmt.Errorf("%w: vocabulary changed from %d to %d", ErrInvariant, p.vocab, cols)
	}
	p.vocab = cols

	return &StateBundle{Step: cur.Step + 1, LogProbs: out}, nil
}
