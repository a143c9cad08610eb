package translate

import (
	"context"
	"strings"
	"testing"

	"github.com/23skdu/longbow-scribe/internal/cache"
	"github.com/23skdu/longbow-scribe/internal/device"
	"github.com/23skdu/longbow-scribe/internal/model"
	"github.com/23skdu/longbow-scribe/internal/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testWords = []string{"<null>", "<pad>", "<eos>", "<unk>", "hello", "world", "good", "morning", "night", "friend"}

func testVocab() *Vocab {
	return NewVocab(testWords, DefaultSpecial())
}

// scriptModel emits script[step] for every row and EOS afterwards.
type scriptModel struct {
	script []int
	vocab  int
	calls  int
}

func (m *scriptModel) NumLayers() int { return 1 }

func (m *scriptModel) EncodeSource(src search.Source) (device.Tensor, error) {
	return device.Host().NewTensor(src.Rows*src.Len, 1, nil), nil
}

func (m *scriptModel) DecodeStep(_ *cache.Set, input []int, _ device.Tensor, _ []float32, step int) (device.Tensor, error) {
	m.calls++
	next := 2
	if step < len(m.script) {
		next = m.script[step]
	}
	out := device.Host().NewTensor(len(input), m.vocab, nil)
	for r := range input {
		for v := 0; v < m.vocab; v++ {
			out.Set(r, v, -10)
		}
		out.Set(r, next, -0.1)
	}
	return out, nil
}

func newScriptTranslator(t *testing.T, opts Options, script ...int) (*Translator, *scriptModel) {
	m := &scriptModel{script: script, vocab: len(testWords)}
	tr, err := New(m, testVocab(), testVocab(), opts)
	require.NoError(t, err)
	return tr, m
}

func TestVocab(t *testing.T) {
	v := testVocab()
	assert.Equal(t, 10, v.Size())
	assert.Equal(t, 4, v.ID("hello"))
	assert.Equal(t, 3, v.ID("missing"))
	assert.Equal(t, "world", v.Word(5))
	assert.Equal(t, "<unk>", v.Word(42))
	assert.Equal(t, []string{"<null>", "hello", "world", "good", "morning", "night", "friend"}, v.Words())
}

func TestReadVocab(t *testing.T) {
	v, err := ReadVocab(strings.NewReader("6\n<pad> 1\n<eos> 2\n<unk> 3\nｈｅｌｌｏ 4\nworld 5\n"), DefaultSpecial())
	require.NoError(t, err)
	assert.Equal(t, 6, v.Size())
	// Full-width input folds to the same id.
	assert.Equal(t, 4, v.ID("hello"))
	assert.Equal(t, 5, v.ID("world"))

	_, err = ReadVocab(strings.NewReader(""), DefaultSpecial())
	assert.Error(t, err)
	_, err = ReadVocab(strings.NewReader("x\n"), DefaultSpecial())
	assert.Error(t, err)
	_, err = ReadVocab(strings.NewReader("3\nhello 7\n"), DefaultSpecial())
	assert.Error(t, err)
	_, err = ReadVocab(strings.NewReader("3\nhello\n"), DefaultSpecial())
	assert.Error(t, err)

	_, err = LoadVocab("non_existent_file", DefaultSpecial())
	assert.Error(t, err)
}

func TestReadVocab_KeepsSpelling(t *testing.T) {
	v, err := ReadVocab(strings.NewReader("7\n<unk> 3\nＡ 4\nA 5\nｆｕｌｌ 6\n"), DefaultSpecial())
	require.NoError(t, err)

	// Entries that normalize alike keep their own ids.
	assert.Equal(t, 4, v.ID("Ａ"))
	assert.Equal(t, 5, v.ID("A"))
	// A normalized spelling reaches the entry when nothing else claims it.
	assert.Equal(t, 6, v.ID("full"))
	assert.Equal(t, 6, v.ID("ｆｕｌｌ"))

	assert.Equal(t, "Ａ", v.Word(4))
	assert.Equal(t, "ｆｕｌｌ", v.Word(6))

	tr, err := New(&scriptModel{}, v, v, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "Ａ A ｆｕｌｌ", tr.Detokenize([]int{4, 5, 6}))
	assert.Equal(t, []int{4, 5, 6, 2}, LoadSample("Ａ A full", v, 200))
}

func TestLoadSample(t *testing.T) {
	v := testVocab()

	t.Run("AppendsEOS", func(t *testing.T) {
		assert.Equal(t, []int{4, 5, 2}, LoadSample("hello world", v, 200))
	})
	t.Run("KeepsTrailingEOS", func(t *testing.T) {
		assert.Equal(t, []int{4, 2}, LoadSample("hello <eos>", v, 200))
	})
	t.Run("UnknownWords", func(t *testing.T) {
		assert.Equal(t, []int{3, 5, 2}, LoadSample("bonjour world", v, 200))
	})
	t.Run("Truncates", func(t *testing.T) {
		assert.Equal(t, []int{4, 5, 6, 2}, LoadSample("hello world good morning night", v, 4))
	})
	t.Run("CollapsesSpaces", func(t *testing.T) {
		assert.Equal(t, []int{4, 5, 2}, LoadSample("  hello   world ", v, 200))
	})
}

func TestLoadSamples_SortsAndReportsEmpty(t *testing.T) {
	lines := []string{"hello", "", "good morning friend", "hello world", ""}
	samples, empty, err := LoadSamples(context.Background(), lines, testVocab(), 200)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 4}, empty)
	require.Len(t, samples, 3)
	assert.Equal(t, []int{2, 3, 0}, []int{samples[0].Index, samples[1].Index, samples[2].Index})
	assert.Equal(t, "hello world", samples[1].Line)
}

func TestBatcher(t *testing.T) {
	samples := make([]Sample, 10)
	for i := range samples {
		samples[i] = Sample{Index: i, Tokens: make([]int, 10-i)}
		for j := range samples[i].Tokens {
			samples[i].Tokens[j] = 4
		}
	}

	t.Run("WordBudget", func(t *testing.T) {
		// 3*10*2 = 60 is the first size that reaches the budget.
		b := Batcher{SentenceBudget: 100, WordBudget: 60, BeamSize: 2, Pad: 1}
		assert.Equal(t, 3, b.Size(samples))
	})
	t.Run("SentenceBudget", func(t *testing.T) {
		b := Batcher{SentenceBudget: 2, WordBudget: 1 << 20, BeamSize: 1, Pad: 1}
		batches := b.Split(samples)
		require.Len(t, batches, 5)
		for _, batch := range batches {
			assert.Equal(t, 2, batch.Source.Rows)
		}
	})
	t.Run("Padding", func(t *testing.T) {
		b := Batcher{SentenceBudget: 100, WordBudget: 1 << 20, BeamSize: 1, Pad: 1}
		batches := b.Split(samples[7:])
		require.Len(t, batches, 1)
		src := batches[0].Source
		assert.Equal(t, 3, src.Rows)
		assert.Equal(t, 3, src.Len)
		assert.Equal(t, []int{4, 4, 4, 4, 4, 1, 4, 1, 1}, src.Tokens)
		assert.Equal(t, []float32{1, 1, 1, 1, 1, 0, 1, 0, 0}, src.Mask)
	})
	t.Run("Empty", func(t *testing.T) {
		assert.Empty(t, Batcher{SentenceBudget: 1, WordBudget: 1, BeamSize: 1}.Split(nil))
	})
}

func TestNew_InvalidOptions(t *testing.T) {
	m := &scriptModel{vocab: len(testWords)}

	opts := DefaultOptions()
	opts.BeamSize = 0
	_, err := New(m, testVocab(), testVocab(), opts)
	assert.ErrorIs(t, err, search.ErrInvalidBeamSize)

	opts = DefaultOptions()
	opts.WordBatch = 0
	_, err = New(m, testVocab(), testVocab(), opts)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.MaxSrcLen = 1
	_, err = New(m, testVocab(), testVocab(), opts)
	assert.Error(t, err)
	assert.Zero(t, m.calls)
}

func TestTranslate_OrderAndEmptyLines(t *testing.T) {
	for _, beam := range []int{1, 3} {
		opts := DefaultOptions()
		opts.BeamSize = beam
		opts.SentenceBatch = 2
		tr, _ := newScriptTranslator(t, opts, 6, 7)

		lines := []string{"hello", "", "hello world good", "world", ""}
		results, err := tr.Translate(context.Background(), lines)
		require.NoError(t, err)
		require.Len(t, results, len(lines))

		for i, r := range results {
			assert.Equal(t, i, r.Index)
			if lines[i] == "" {
				assert.Empty(t, r.Text)
				continue
			}
			assert.Equal(t, lines[i], r.Source)
			assert.Equal(t, "good morning", r.Text)
			assert.Equal(t, []int{6, 7}, r.Tokens)
		}
	}
}

func TestTranslate_Memo(t *testing.T) {
	opts := DefaultOptions()
	opts.MemoSize = 8
	tr, m := newScriptTranslator(t, opts, 9)

	first, err := tr.Translate(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	calls := m.calls

	second, err := tr.Translate(context.Background(), []string{"hello world", ""})
	require.NoError(t, err)
	assert.Equal(t, calls, m.calls)
	assert.True(t, second[0].Cached)
	assert.Equal(t, first[0].Text, second[0].Text)
	assert.Equal(t, "friend", second[0].Text)
}

func TestTranslateBatch_Cancelled(t *testing.T) {
	tr, _ := newScriptTranslator(t, DefaultOptions(), 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Translate(ctx, []string{"hello"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTranslate_BatchingDoesNotChangeOutput(t *testing.T) {
	cfg := model.DefaultTinyConfig()
	cfg.SrcVocabSize = len(testWords)
	cfg.TgtVocabSize = len(testWords)
	cfg.HiddenSize = 16
	cfg.NumHeads = 2
	cfg.FFNSize = 32
	m, err := model.New(cfg, device.NewCPUBackend())
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.MaxLen = 5
	opts.MaxLenAlpha = 0
	tr, err := New(m, testVocab(), testVocab(), opts)
	require.NoError(t, err)

	lines := GenerateSentences(testVocab(), 6, 1, 5, 3)
	together, err := tr.Translate(context.Background(), lines)
	require.NoError(t, err)

	for i, line := range lines {
		alone, err := tr.Translate(context.Background(), []string{line})
		require.NoError(t, err)
		assert.Equal(t, alone[0].Tokens, together[i].Tokens, line)
		assert.LessOrEqual(t, len(together[i].Tokens), 5)
	}
}

func TestGenerateSentences(t *testing.T) {
	v := testVocab()
	a := GenerateSentences(v, 20, 2, 4, 42)
	b := GenerateSentences(v, 20, 2, 4, 42)
	assert.Equal(t, a, b)
	for _, s := range a {
		n := len(strings.Fields(s))
		assert.GreaterOrEqual(t, n, 2)
		assert.LessOrEqual(t, n, 4)
		assert.NotContains(t, s, "<eos>")
	}
	assert.Nil(t, GenerateSentences(NewVocab(nil, DefaultSpecial()), 3, 1, 2, 1))
}

func TestNewSyntheticVocab(t *testing.T) {
	v := NewSyntheticVocab(8, DefaultSpecial())
	assert.Equal(t, 8, v.Size())
	assert.Equal(t, "<pad>", v.Word(1))
	assert.Equal(t, "</s>", v.Word(2))
	assert.Equal(t, "<unk>", v.Word(3))
	assert.Equal(t, 5, v.ID("w5"))
	assert.Equal(t, []string{"w0", "w4", "w5", "w6", "w7"}, v.Words())
	assert.Equal(t, []int{4, 2}, LoadSample("w4 </s>", v, 10))
}
