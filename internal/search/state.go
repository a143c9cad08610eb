package search

import (
	"fmt"

	"github.com/23skdu/longbow-scribe/internal/device"
)

// StateRef addresses a State in the bundle arena by (step, dense slot).
type StateRef struct {
	Step int
	Slot int
}

var noState = StateRef{Step: -1, Slot: -1}

// State is one hypothesis slot at one decoding step.
type State struct {
	Token int
	// Item is the batch item that owns the slot.
	Item  int
	Score float32
	// Step counts the tokens on the hypothesis, including this one.
	Step        int
	IsEnd       bool
	IsCompleted bool
	Prev        StateRef
}

// StateBundle holds every slot of one decoding step, batch*beam of them,
// indexed item*beam + slot. The parallel slices share that indexing.
type StateBundle struct {
	Step    int
	IsStart bool

	States      []State
	Tokens      []int
	PreIDs      []int
	PathLogProb []float32
	Scores      []float32

	// Rows lists the dense indices fed to the model, one per model row, when
	// this bundle is extended.
	Rows []int

	// LogProbs is the model output that produced this bundle.
	LogProbs device.Tensor
}

func newBundle(step, batch, beam int) *StateBundle {
	n := batch * beam
	return &StateBundle{
		Step:        step,
		States:      make([]State, n),
		Tokens:      make([]int, n),
		PreIDs:      make([]int, n),
		PathLogProb: make([]float32, n),
		Scores:      make([]float32, n),
	}
}

func (b *StateBundle) set(i int, st State, pathLogProb float32) {
	b.States[i] = st
	b.Tokens[i] = st.Token
	b.PreIDs[i] = st.Prev.Slot
	b.PathLogProb[i] = pathLogProb
	b.Scores[i] = st.Score
}

// AllCompleted reports whether every slot has finished.
func (b *StateBundle) AllCompleted() bool {
	for i := range b.States {
		if !b.States[i].IsCompleted {
			return false
		}
	}
	return true
}

// arena owns the bundles of one search. Backpointers stay valid until the
// search returns.
type arena []*StateBundle

func (a arena) at(ref StateRef) (*State, error) {
	if ref.Step < 0 || ref.Step >= len(a) || a[ref.Step] == nil {
		return nil, fmt.Errorf("%w: step %d outside arena", ErrInvariant, ref.Step)
	}
	states := a[ref.Step].States
	if ref.Slot < 0 || ref.Slot >= len(states) {
		return nil, fmt.Errorf("%w: slot %d outside bundle of %d", ErrInvariant, ref.Slot, len(states))
	}
	return &states[ref.Slot], nil
}

// Backtrace returns every token on the chain ending at ref in reading order.
// Its length equals the state's Step.
func (a arena) Backtrace(ref StateRef) ([]int, error) {
	return a.walk(ref, func(*State) bool { return true })
}

// output returns the tokens of a hypothesis up to, not including, its first
// end symbol.
func (a arena) output(ref StateRef) ([]int, error) {
	return a.walk(ref, func(st *State) bool { return !st.IsCompleted })
}

func (a arena) walk(ref StateRef, keep func(*State) bool) ([]int, error) {
	var out []int
	for ref.Step > 0 {
		st, err := a.at(ref)
		if err != nil {
			return nil, err
		}
		if st.Prev.Step >= ref.Step {
			return nil, fmt.Errorf("%w: backpointer from step %d to step %d", ErrInvariant, ref.Step, st.Prev.Step)
		}
		if keep(st) {
			out = append(out, st.Token)
		}
		ref = st.Prev
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
