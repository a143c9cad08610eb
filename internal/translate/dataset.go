package translate

import (
	"context"
	"runtime"
	"sort"
	"strings"

	"github.com/23skdu/longbow-scribe/internal/search"
	"golang.org/x/sync/errgroup"
)

// Sample is one non-empty input line mapped to source ids.
type Sample struct {
	// Index is the position of the line in the request.
	Index  int
	Line   string
	Tokens []int
}

// LoadSample splits line on single spaces, keeps at most maxSrcLen-1 words,
// maps unknown words to Unk and makes sure the sequence ends with EOS.
// Runs of spaces do not produce empty words.
func LoadSample(line string, vocab *Vocab, maxSrcLen int) []int {
	var words []string
	for _, w := range strings.Split(line, " ") {
		if w == "" {
			continue
		}
		if maxSrcLen > 1 && len(words) == maxSrcLen-1 {
			break
		}
		words = append(words, w)
	}

	tokens := make([]int, 0, len(words)+1)
	for _, w := range words {
		tokens = append(tokens, vocab.ID(w))
	}
	if len(tokens) == 0 || tokens[len(tokens)-1] != vocab.EOS {
		tokens = append(tokens, vocab.EOS)
	}
	return tokens
}

// LoadSamples converts lines in parallel. Empty lines are reported by index
// and produce no sample. The samples come back sorted by length, longest
// first; equal lengths keep input order.
func LoadSamples(ctx context.Context, lines []string, vocab *Vocab, maxSrcLen int) ([]Sample, []int, error) {
	tokens := make([][]int, len(lines))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, line := range lines {
		if line == "" {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			tokens[i] = LoadSample(line, vocab, maxSrcLen)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var samples []Sample
	var empty []int
	for i, line := range lines {
		if line == "" {
			empty = append(empty, i)
			continue
		}
		samples = append(samples, Sample{Index: i, Line: line, Tokens: tokens[i]})
	}
	sort.SliceStable(samples, func(a, b int) bool {
		return len(samples[a].Tokens) > len(samples[b].Tokens)
	})
	return samples, empty, nil
}

// Batch is a padded group of samples ready for the searcher.
type Batch struct {
	Samples []Sample
	Source  search.Source
}

// Batcher groups length-sorted samples. A batch grows while
// size*longest*beam stays under WordBudget and size under SentenceBudget.
type Batcher struct {
	SentenceBudget int
	WordBudget     int
	BeamSize       int
	Pad            int
}

// Size returns how many of samples go into the next batch.
func (b Batcher) Size(samples []Sample) int {
	if len(samples) == 0 {
		return 0
	}
	longest := len(samples[0].Tokens)
	size := 1
	for size*longest*b.BeamSize < b.WordBudget && size < b.SentenceBudget {
		size++
	}
	return min(size, len(samples))
}

// Split cuts samples into consecutive batches.
func (b Batcher) Split(samples []Sample) []Batch {
	var batches []Batch
	for len(samples) > 0 {
		n := b.Size(samples)
		batches = append(batches, b.pack(samples[:n]))
		samples = samples[n:]
	}
	return batches
}

// pack right-pads every sample to the longest one. The mask holds 1 for
// tokens and 0 for padding.
func (b Batcher) pack(samples []Sample) Batch {
	length := 0
	for _, s := range samples {
		length = max(length, len(s.Tokens))
	}
	src := search.Source{
		Tokens: make([]int, len(samples)*length),
		Mask:   make([]float32, len(samples)*length),
		Rows:   len(samples),
		Len:    length,
	}
	for i, s := range samples {
		row := i * length
		for j := 0; j < length; j++ {
			if j < len(s.Tokens) {
				src.Tokens[row+j] = s.Tokens[j]
				src.Mask[row+j] = 1
			} else {
				src.Tokens[row+j] = b.Pad
			}
		}
	}
	return Batch{Samples: samples, Source: src}
}
