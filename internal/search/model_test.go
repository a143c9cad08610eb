package search

import (
	"github.com/23skdu/longbow-scribe/internal/cache"
	"github.com/23skdu/longbow-scribe/internal/device"
)

// Test vocabulary: 0 pad, 1 unk, 2 eos, 3 a, 4 b, 5 c.
const (
	tokPad = 0
	tokEOS = 2
	tokA   = 3
	tokB   = 4
	tokC   = 5
	vocab  = 6
	tokBOS = 1
)

// prefixModel scores the next token with a pure function of the batch item
// and the tokens decoded so far. Both are recovered from the decoder caches
// and the beam-carried encoder output, so a misaligned reorder changes the
// scores the search sees.
type prefixModel struct {
	layers int
	vocab  int
	next   func(item int, prefix []int) []float32

	encodeCalls int
	decodeCalls int
	// rows records the number of model rows fed at each step.
	rows []int
	// badRows makes DecodeStep return a malformed output.
	badRows bool
}

func newPrefixModel(next func(item int, prefix []int) []float32) *prefixModel {
	return &prefixModel{layers: 2, vocab: vocab, next: next}
}

func (m *prefixModel) NumLayers() int { return m.layers }

// EncodeSource writes the item index into every encoder row.
func (m *prefixModel) EncodeSource(src Source) (device.Tensor, error) {
	m.encodeCalls++
	data := make([]float32, src.Rows*src.Len)
	for i := range data {
		data[i] = float32(i / src.Len)
	}
	return device.Host().NewTensor(src.Rows*src.Len, 1, data), nil
}

func (m *prefixModel) DecodeStep(caches *cache.Set, input []int, encoding device.Tensor, crossMask []float32, step int) (device.Tensor, error) {
	m.decodeCalls++
	rows := len(input)
	m.rows = append(m.rows, rows)

	tokens := make([]float32, rows)
	for r, tok := range input {
		tokens[r] = float32(tok)
	}
	var history device.Tensor
	for l := 0; l < m.layers; l++ {
		k := device.Host().NewTensor(rows, 1, tokens)
		history, _ = caches.Self[l].Update(k, k)
	}
	var enc device.Tensor
	for l := 0; l < m.layers; l++ {
		enc, _ = caches.Cross[l].Store(rows, func() (device.Tensor, device.Tensor) {
			return encoding, encoding
		})
	}

	length := caches.Self[0].Len()
	srcLen := caches.Cross[0].Len()
	hist := history.ToHost()

	if m.badRows {
		rows++
	}
	out := device.Host().NewTensor(rows, m.vocab, nil)
	for r := 0; r < len(input); r++ {
		item := int(enc.At(r*srcLen, 0))
		// Position 0 of the history is the start symbol.
		prefix := make([]int, 0, length-1)
		for j := 1; j < length; j++ {
			prefix = append(prefix, int(hist[r*length+j]))
		}
		for v, lp := range m.next(item, prefix) {
			out.Set(r, v, lp)
		}
	}
	return out, nil
}

// scoreOf replays the model along tokens and returns the normalized score of
// the hypothesis, ended with eos when ended is set.
func scoreOf(m *prefixModel, item int, tokens []int, ended bool, alpha float32) float32 {
	var cum float32
	for i, tok := range tokens {
		cum += m.next(item, tokens[:i])[tok]
	}
	length := len(tokens)
	if ended {
		cum += m.next(item, tokens)[tokEOS]
		length++
	}
	return cum / LengthPenalty(length, alpha)
}

// hashed returns deterministic pseudo-random log-probabilities per prefix.
func hashed(seed uint32) func(item int, prefix []int) []float32 {
	return func(item int, prefix []int) []float32 {
		h := seed ^ 2166136261
		mix := func(x int) {
			h ^= uint32(x + 7)
			h *= 16777619
		}
		mix(item)
		for _, p := range prefix {
			mix(p)
		}
		out := make([]float32, vocab)
		for v := range out {
			g := h
			g ^= uint32(v * 2654435761)
			g *= 16777619
			g ^= g >> 13
			out[v] = -float32(g%4000)/1000 - 0.05
		}
		out[tokPad] = -50
		return out
	}
}

// constant returns the same distribution for every prefix.
func constant(lp map[int]float32, rest float32) func(int, []int) []float32 {
	return func(int, []int) []float32 {
		out := make([]float32, vocab)
		for v := range out {
			out[v] = rest
		}
		for v, p := range lp {
			out[v] = p
		}
		return out
	}
}

func testSource(rows, length int) Source {
	src := Source{
		Tokens: make([]int, rows*length),
		Mask:   make([]float32, rows*length),
		Rows:   rows,
		Len:    length,
	}
	for i := range src.Tokens {
		src.Tokens[i] = tokA
		src.Mask[i] = 1
	}
	return src
}

func testConfig(beam, maxLen int) Config {
	return Config{
		MaxLen:      maxLen,
		BeamSize:    beam,
		MaxLenAlpha: 0,
		StartSymbol: tokBOS,
		EndSymbols:  []int{tokEOS},
	}
}
