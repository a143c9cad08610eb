// Package translate drives batch translation: it turns text lines into
// padded source batches, runs the configured searcher over them and maps
// the hypotheses back to target words in input order.
package translate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/23skdu/longbow-scribe/internal/cache"
	"github.com/23skdu/longbow-scribe/internal/search"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scribe-translate")

// Options configures a Translator.
type Options struct {
	MaxLen      int
	BeamSize    int
	LengthAlpha float32
	MaxLenAlpha float32
	// EndSymbols defaults to the target EOS.
	EndSymbols []int

	SentenceBatch int
	WordBatch     int
	MaxSrcLen     int

	// MemoSize bounds the translation memo; 0 disables it.
	MemoSize int
}

// DefaultOptions returns the stock decoding settings.
func DefaultOptions() Options {
	return Options{
		MaxLen:        200,
		BeamSize:      1,
		LengthAlpha:   0,
		MaxLenAlpha:   1.25,
		SentenceBatch: 768,
		WordBatch:     40960,
		MaxSrcLen:     200,
	}
}

// Result is the translation of one input line.
type Result struct {
	Index  int
	Source string
	Text   string
	Tokens []int
	Score  float32
	Cached bool
}

// StreamResult carries either a Result or the error that ended the stream.
type StreamResult struct {
	Result
	Err error
}

// Translator is safe for concurrent use; every search owns its caches.
type Translator struct {
	model    search.Model
	searcher search.Searcher
	src, tgt *Vocab
	opts     Options
	batcher  Batcher
	memo     cache.Memo
}

// New validates opts and selects greedy or beam search from the beam size.
func New(model search.Model, src, tgt *Vocab, opts Options) (*Translator, error) {
	if opts.SentenceBatch <= 0 || opts.WordBatch <= 0 {
		return nil, fmt.Errorf("translate: batch budgets must be positive, got %d sentences / %d words", opts.SentenceBatch, opts.WordBatch)
	}
	if opts.MaxSrcLen < 2 {
		return nil, fmt.Errorf("translate: max source length must be at least 2, got %d", opts.MaxSrcLen)
	}
	ends := opts.EndSymbols
	if len(ends) == 0 {
		ends = []int{tgt.EOS}
	}

	s, err := search.New(search.Config{
		MaxLen:      opts.MaxLen,
		BeamSize:    opts.BeamSize,
		LengthAlpha: opts.LengthAlpha,
		MaxLenAlpha: opts.MaxLenAlpha,
		StartSymbol: tgt.SOS,
		EndSymbols:  ends,
	})
	if err != nil {
		return nil, fmt.Errorf("translate: %w", err)
	}

	t := &Translator{
		model:    model,
		searcher: s,
		src:      src,
		tgt:      tgt,
		opts:     opts,
		batcher: Batcher{
			SentenceBudget: opts.SentenceBatch,
			WordBudget:     opts.WordBatch,
			BeamSize:       opts.BeamSize,
			Pad:            src.Pad,
		},
	}
	if opts.MemoSize > 0 {
		t.memo = cache.NewMapCache(opts.MemoSize)
	}
	return t, nil
}

func (t *Translator) Options() Options { return t.opts }

// TranslateBatch streams one result per line. Batches finish longest
// first, so results arrive out of input order; Result.Index restores it.
// The channel is closed after the last result or the first error.
func (t *Translator) TranslateBatch(ctx context.Context, lines []string) <-chan StreamResult {
	// Room for every result plus the error keeps the producer from
	// blocking on an abandoned stream.
	out := make(chan StreamResult, len(lines)+1)
	go func() {
		defer close(out)
		if err := t.run(ctx, lines, out); err != nil {
			out <- StreamResult{Err: err}
		}
	}()
	return out
}

// Translate returns the results of every line in input order.
func (t *Translator) Translate(ctx context.Context, lines []string) ([]Result, error) {
	results := make([]Result, len(lines))
	for r := range t.TranslateBatch(ctx, lines) {
		if r.Err != nil {
			return nil, r.Err
		}
		results[r.Index] = r.Result
	}
	return results, nil
}

func (t *Translator) run(ctx context.Context, lines []string, out chan<- StreamResult) error {
	ctx, span := tracer.Start(ctx, "TranslateBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("lines", len(lines)))

	send := func(r Result) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		out <- StreamResult{Result: r}
		return nil
	}

	pending := make([]string, len(lines))
	for i, line := range lines {
		if line == "" {
			continue
		}
		if t.memo != nil {
			if e, ok := t.memo.Get(line); ok {
				r := t.result(i, line, e.Tokens, e.Score)
				r.Cached = true
				if err := send(r); err != nil {
					return err
				}
				continue
			}
		}
		pending[i] = line
	}

	samples, empty, err := LoadSamples(ctx, pending, t.src, t.opts.MaxSrcLen)
	if err != nil {
		return err
	}
	for _, i := range empty {
		if lines[i] != "" {
			continue
		}
		if err := send(Result{Index: i}); err != nil {
			return err
		}
	}

	batches := t.batcher.Split(samples)
	done := 0
	for b, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		results, err := t.translate(ctx, b, batch)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		for _, r := range results {
			if err := send(r); err != nil {
				return err
			}
		}
		done += len(batch.Samples)
		log.Info().Int("done", done).Int("total", len(samples)).Int("batch", b).Msg("Translated batch")
	}
	return nil
}

func (t *Translator) translate(ctx context.Context, index int, batch Batch) ([]Result, error) {
	_, span := tracer.Start(ctx, "SearchBatch")
	defer span.End()
	span.SetAttributes(
		attribute.Int("batch", index),
		attribute.Int("rows", batch.Source.Rows),
		attribute.Int("src_len", batch.Source.Len),
	)

	start := time.Now()
	hyps, err := t.searcher.Search(t.model, batch.Source)
	if err != nil {
		return nil, fmt.Errorf("batch %d: %w", index, err)
	}
	if len(hyps) != len(batch.Samples) {
		return nil, fmt.Errorf("batch %d: %w: %d hypotheses for %d samples", index, search.ErrInvariant, len(hyps), len(batch.Samples))
	}
	batchDuration.Observe(time.Since(start).Seconds())
	batchesTotal.Inc()

	results := make([]Result, len(hyps))
	for i, h := range hyps {
		s := batch.Samples[i]
		results[i] = t.result(s.Index, s.Line, h.Tokens, h.Score)
		if t.memo != nil {
			t.memo.Put(s.Line, cache.Entry{Tokens: h.Tokens, Score: h.Score})
		}
		sentencesTotal.Inc()
		sourceTokensTotal.Add(float64(len(s.Tokens)))
		targetTokensTotal.Add(float64(len(h.Tokens)))
	}
	return results, nil
}

func (t *Translator) result(index int, line string, tokens []int, score float32) Result {
	return Result{
		Index:  index,
		Source: line,
		Text:   t.Detokenize(tokens),
		Tokens: tokens,
		Score:  score,
	}
}

// Detokenize maps target ids to words joined by single spaces.
func (t *Translator) Detokenize(tokens []int) string {
	words := make([]string, len(tokens))
	for i, id := range tokens {
		words[i] = t.tgt.Word(id)
	}
	return strings.Join(words, " ")
}
