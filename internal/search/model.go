package search

import (
	"fmt"

	"github.com/23skdu/longbow-scribe/internal/cache"
	"github.com/23skdu/longbow-scribe/internal/device"
)

// Source is a right-padded batch of source sentences.
type Source struct {
	// Tokens holds Rows*Len ids, row-major.
	Tokens []int
	// Mask is 1 for real tokens and 0 for padding, same layout as Tokens.
	Mask []float32
	Rows int
	Len  int
}

func (s Source) validate() error {
	if s.Rows <= 0 || s.Len <= 0 {
		return fmt.Errorf("%w: empty source batch %dx%d", ErrInvariant, s.Rows, s.Len)
	}
	if len(s.Tokens) != s.Rows*s.Len || len(s.Mask) != s.Rows*s.Len {
		return fmt.Errorf("%w: source holds %d tokens and %d mask values, want %d",
			ErrInvariant, len(s.Tokens), len(s.Mask), s.Rows*s.Len)
	}
	return nil
}

// Model is the encoder-decoder scored by the search loop.
type Model interface {
	NumLayers() int

	// EncodeSource returns the encoder output, Rows*Len rows.
	EncodeSource(src Source) (device.Tensor, error)

	// DecodeStep runs one decoder step for every row of input and returns
	// next-token log-probabilities, one row per input token. encoding and
	// crossMask are grouped per row the same way as the caches.
	DecodeStep(caches *cache.Set, input []int, encoding device.Tensor, crossMask []float32, step int) (device.Tensor, error)
}

// Hypothesis is the decoded output of one batch item.
type Hypothesis struct {
	Tokens []int
	Score  float32
}

// beamInput carries the encoder output and padding mask in model-row order.
type beamInput struct {
	encoding device.Tensor
	mask     []float32
	srcLen   int
	rows     int
}

// reorder makes row i hold what old row indices[i] held.
func (in *beamInput) reorder(indices []int) {
	order := groupIndices(indices, in.srcLen)
	in.encoding = in.encoding.Gather(order)
	mask := make([]float32, len(order))
	for i, o := range order {
		mask[i] = in.mask[o]
	}
	in.mask = mask
	in.rows = len(indices)
}

// groupIndices expands row indices into the tensor rows of groups of size.
func groupIndices(indices []int, size int) []int {
	out := make([]int, 0, len(indices)*size)
	for _, idx := range indices {
		for j := 0; j < size; j++ {
			out = append(out, idx*size+j)
		}
	}
	return out
}

// repeatRows returns [0 x n, 1 x n, ...] for rows rows.
func repeatRows(rows, n int) []int {
	out := make([]int, 0, rows*n)
	for r := 0; r < rows; r++ {
		for k := 0; k < n; k++ {
			out = append(out, r)
		}
	}
	return out
}
