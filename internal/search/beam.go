package search

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-scribe/internal/cache"
	"github.com/23skdu/longbow-scribe/internal/device"
	"github.com/rs/zerolog/log"
)

const (
	// startMask keeps all but slot 0 of each item out of the first pruning,
	// since every slot starts from the same start state.
	startMask float32 = -2e4

	// frozenScore hides every continuation of a completed hypothesis except
	// its end symbol.
	frozenScore float32 = -1e30
)

// BeamSearch keeps BeamSize hypotheses per batch item and returns the best
// completed one.
type BeamSearch struct {
	cfg   Config
	ready bool
}

// NewBeamSearch returns an initialized BeamSearch.
func NewBeamSearch(cfg Config) (*BeamSearch, error) {
	s := &BeamSearch{}
	if err := s.Init(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Init validates and installs cfg. No model work happens here.
func (s *BeamSearch) Init(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.EndSymbols = append([]int(nil), cfg.EndSymbols...)
	s.cfg = cfg
	s.ready = true
	return nil
}

func (s *BeamSearch) Config() Config { return s.cfg }

// Search decodes every row of src and returns one hypothesis per row.
func (s *BeamSearch) Search(model Model, src Source) ([]Hypothesis, error) {
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
	defer func() { searchDuration.WithLabelValues("beam").Observe(time.Since(start).Seconds()) }()

	beam, batch := s.cfg.BeamSize, src.Rows

	// PREPARE
	heaps := make([]*HypothesisHeap, batch)
	for i := range heaps {
		heaps[i] = NewHypothesisHeap(beam)
	}

	enc, err := model.EncodeSource(src)
	if err != nil {
		return nil, fmt.Errorf("encode source: %w", err)
	}
	if r, _ := enc.Dims(); r != batch*src.Len {
		return nil, fmt.Errorf("%w: encoder returned %d rows, want %d", ErrInvariant, r, batch*src.Len)
	}
	in := &beamInput{encoding: enc, mask: src.Mask, srcLen: src.Len, rows: batch}
	in.reorder(repeatRows(batch, beam))

	caches := cache.NewSet(model.NumLayers(), true)
	pred := NewPredictor(model, caches, beam)
	pred.SetStartSymbol(s.cfg.StartSymbol)

	bundles := make(arena, limit+1)
	bundles[0] = pred.Create(batch)

	var reorder []int
	needReorder := false
	last := 0

	for step := 0; step < limit; step++ {
		cur := bundles[step]

		// PREDICT
		next, err := pred.Predict(cur, in, reorder, needReorder, step)
		if err != nil {
			return nil, err
		}

		// SCORE
		scores, err := s.score(cur, next.LogProbs)
		if err != nil {
			return nil, err
		}

		// PRUNE + EXPAND
		if err := s.expand(cur, next, scores, batch); err != nil {
			return nil, err
		}
		bundles[step+1] = next
		last = step + 1
		searchSteps.WithLabelValues("beam").Inc()

		// COLLECT
		s.collect(cur, next, heaps)

		// CHECK_STOP
		if next.AllCompleted() {
			searchEarlyStops.Inc()
			log.Debug().Int("step", next.Step).Msg("All hypotheses completed")
			break
		}
		reorder, needReorder = s.plan(cur, next)
	}

	// FINALIZE
	s.fillHeap(bundles[last], heaps)
	return dump(bundles, heaps)
}

// score returns the cumulative log-probability of every continuation,
// rows x vocab, computed in full precision.
func (s *BeamSearch) score(cur *StateBundle, logProbs device.Tensor) (device.Tensor, error) {
	scores := device.Widen(logProbs)
	rows, vocab := scores.Dims()

	for _, e := range s.cfg.EndSymbols {
		if e >= vocab {
			return nil, fmt.Errorf("%w: end symbol %d outside vocabulary of %d", ErrInvariant, e, vocab)
		}
	}

	bias := make([]float32, rows)
	for r, slot := range cur.Rows {
		bias[r] = cur.PathLogProb[slot]
		if cur.IsStart && slot%s.cfg.BeamSize != 0 {
			bias[r] += startMask
		}
	}
	scores.AddRowBias(device.Host().NewTensor(rows, 1, bias))

	// A completed hypothesis only continues with its end symbol, at no cost.
	data := scores.Data()
	end := s.cfg.EndSymbols[0]
	for r, slot := range cur.Rows {
		if !cur.States[slot].IsCompleted {
			continue
		}
		row := data[r*vocab : (r+1)*vocab]
		for j := range row {
			row[j] = frozenScore
		}
		row[end] = cur.PathLogProb[slot]
	}
	return scores, nil
}

// expand prunes scores to BeamSize continuations per item and materializes
// the states of next. Items no longer fed to the model are carried forward
// unchanged.
func (s *BeamSearch) expand(cur, next *StateBundle, scores device.Tensor, batch int) error {
	beam := s.cfg.BeamSize
	rows, vocab := scores.Dims()
	if rows != len(cur.Rows) || rows%beam != 0 {
		return fmt.Errorf("%w: %d scored rows for %d beam rows of width %d", ErrInvariant, rows, len(cur.Rows), beam)
	}
	groups := rows / beam

	fresh := newBundle(next.Step, batch, beam)
	fresh.LogProbs = next.LogProbs
	*next = *fresh

	values, flat := scores.Reshape(groups, beam*vocab).TopK(beam)
	penalty := LengthPenalty(next.Step, s.cfg.LengthAlpha)
	active := make([]bool, batch)

	for g := 0; g < groups; g++ {
		first := g * beam
		item := cur.States[cur.Rows[first]].Item
		if item < 0 || item >= batch || active[item] {
			return fmt.Errorf("%w: beam group %d maps to item %d", ErrInvariant, g, item)
		}
		active[item] = true

		for k := 0; k < beam; k++ {
			f := flat[g*beam+k]
			preRow := first + f/vocab
			parentSlot := cur.Rows[preRow]
			parent := &cur.States[parentSlot]
			if parent.Item != item {
				return fmt.Errorf("%w: row %d of item %d selected for item %d", ErrInvariant, preRow, parent.Item, item)
			}

			st := State{
				Token: f % vocab,
				Item:  item,
				Step:  next.Step,
				Prev:  StateRef{Step: cur.Step, Slot: parentSlot},
			}
			cum := values.At(g, k)
			if parent.IsCompleted {
				st.IsCompleted = true
				st.Score = parent.Score
			} else {
				st.IsEnd = s.cfg.isEnd(st.Token)
				st.IsCompleted = st.IsEnd
				st.Score = cum / penalty
			}
			next.set(item*beam+k, st, cum)
		}
	}

	for item := 0; item < batch; item++ {
		if active[item] {
			continue
		}
		for k := 0; k < beam; k++ {
			slot := item*beam + k
			st := cur.States[slot]
			st.Step = next.Step
			st.IsEnd = false
			st.Prev = StateRef{Step: cur.Step, Slot: slot}
			next.set(slot, st, cur.PathLogProb[slot])
		}
	}
	return nil
}

// collect pushes hypotheses that completed at this step.
func (s *BeamSearch) collect(cur, next *StateBundle, heaps []*HypothesisHeap) {
	for i := range next.States {
		st := &next.States[i]
		if !st.IsCompleted || cur.States[st.Prev.Slot].IsCompleted {
			continue
		}
		heaps[st.Item].Push(StateRef{Step: next.Step, Slot: i}, st.Score)
	}
}

// plan picks the model rows for the next step and the gather vector that
// aligns the caches with them. Items whose hypotheses have all completed
// are dropped once fewer than half of the current rows are still alive.
func (s *BeamSearch) plan(cur, next *StateBundle) ([]int, bool) {
	beam := s.cfg.BeamSize

	rowOf := make(map[int]int, len(cur.Rows))
	for r, slot := range cur.Rows {
		rowOf[slot] = r
	}

	alive := 0
	for _, slot := range cur.Rows {
		if !next.States[slot].IsCompleted {
			alive++
		}
	}
	compact := alive*2 < len(cur.Rows)

	rows := make([]int, 0, len(cur.Rows))
	for g := 0; g < len(cur.Rows); g += beam {
		item := cur.States[cur.Rows[g]].Item
		if compact && itemCompleted(next, item, beam) {
			continue
		}
		for k := 0; k < beam; k++ {
			rows = append(rows, item*beam+k)
		}
	}
	next.Rows = rows

	reorder := make([]int, len(rows))
	need := len(rows) != len(cur.Rows)
	for r, slot := range rows {
		reorder[r] = rowOf[next.PreIDs[slot]]
		if reorder[r] != r {
			need = true
		}
	}
	if len(rows) < len(cur.Rows) {
		searchCompactions.Inc()
		log.Debug().Int("step", next.Step).Int("alive", alive).Int("rows", len(rows)).Msg("Compacted beam")
	}
	return reorder, need
}

func itemCompleted(b *StateBundle, item, beam int) bool {
	for k := 0; k < beam; k++ {
		if !b.States[item*beam+k].IsCompleted {
			return false
		}
	}
	return true
}

// fillHeap gives items that did not collect BeamSize hypotheses their
// unfinished states from the final step.
func (s *BeamSearch) fillHeap(last *StateBundle, heaps []*HypothesisHeap) {
	beam := s.cfg.BeamSize
	for item, h := range heaps {
		if h.Count() >= beam {
			continue
		}
		searchHeapFills.Inc()
		for k := 0; k < beam; k++ {
			slot := item*beam + k
			if st := &last.States[slot]; !st.IsCompleted {
				h.Push(StateRef{Step: last.Step, Slot: slot}, st.Score)
			}
		}
	}
}

// dump backtraces the best entry of every heap. Among equal scores the
// first one popped wins.
func dump(bundles arena, heaps []*HypothesisHeap) ([]Hypothesis, error) {
	out := make([]Hypothesis, len(heaps))
	for item, h := range heaps {
		entries := h.PopAll()
		if len(entries) == 0 {
			return nil, fmt.Errorf("%w: no hypothesis for item %d", ErrInvariant, item)
		}
		best := entries[0]
		for _, e := range entries[1:] {
			if e.Score > best.Score {
				best = e
			}
		}
		tokens, err := bundles.output(best.State)
		if err != nil {
			return nil, err
		}
		out[item] = Hypothesis{Tokens: tokens, Score: best.Score}
	}
	return out, nil
}
