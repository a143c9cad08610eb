package search

import (
	"errors"
	"testing"

	"github.com/23skdu/longbow-scribe/internal/device"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func TestLengthPenalty(t *testing.T) {
	assert.Equal(t, float32(1), LengthPenalty(0, 0))
	assert.Equal(t, float32(1), LengthPenalty(37, 0))
	assert.InDelta(t, 10.0/6.0, LengthPenalty(5, 1.0), 1e-6)
	assert.InDelta(t, 1.0, LengthPenalty(1, 1.0), 1e-6)
	assert.InDelta(t, 1.2247449, LengthPenalty(4, 0.5), 1e-6)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
		want error
	}{
		{"Valid", func(*Config) {}, nil},
		{"ZeroBeam", func(c *Config) { c.BeamSize = 0 }, ErrInvalidBeamSize},
		{"NegativeBeam", func(c *Config) { c.BeamSize = -3 }, ErrInvalidBeamSize},
		{"NoEnd", func(c *Config) { c.EndSymbols = nil }, ErrNoEndSymbol},
		{"TooManyEnds", func(c *Config) { c.EndSymbols = make([]int, MaxEndSymbols+1) }, ErrTooManyEndSymbols},
		{"NegativeStart", func(c *Config) { c.StartSymbol = -1 }, ErrNoStartSymbol},
		{"NegativeMaxLen", func(c *Config) { c.MaxLen = -1 }, ErrInvalidLengthLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(4, 5)
			tt.mod(&cfg)
			err := cfg.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestConfig_LengthLimit(t *testing.T) {
	cfg := Config{MaxLen: 200, MaxLenAlpha: 1.25}
	assert.Equal(t, 212, cfg.LengthLimit(10))
	assert.Equal(t, 203, cfg.LengthLimit(3)) // floor(3.75)
}

func TestNew_SelectsStrategy(t *testing.T) {
	s, err := New(testConfig(1, 5))
	require.NoError(t, err)
	assert.IsType(t, &GreedySearch{}, s)

	s, err = New(testConfig(4, 5))
	require.NoError(t, err)
	assert.IsType(t, &BeamSearch{}, s)
	assert.Equal(t, 4, s.Config().BeamSize)

	_, err = New(testConfig(0, 5))
	assert.ErrorIs(t, err, ErrInvalidBeamSize)
}

func TestSearch_ConfigErrorsBeforeModel(t *testing.T) {
	m := newPrefixModel(hashed(1))

	_, err := NewBeamSearch(Config{BeamSize: 2, StartSymbol: tokBOS})
	assert.ErrorIs(t, err, ErrNoEndSymbol)

	var uninit BeamSearch
	_, err = uninit.Search(m, testSource(1, 2))
	assert.ErrorIs(t, err, ErrNotInitialized)

	// maxlen 0 with maxlenalpha 0 leaves no decoding steps.
	for _, beam := range []int{1, 3} {
		s, err := New(testConfig(beam, 0))
		require.NoError(t, err)
		_, err = s.Search(m, testSource(2, 3))
		assert.ErrorIs(t, err, ErrInvalidLengthLimit)
	}
	assert.Zero(t, m.encodeCalls)
	assert.Zero(t, m.decodeCalls)
}

func TestSearch_InvariantViolations(t *testing.T) {
	t.Run("MalformedDecoderOutput", func(t *testing.T) {
		for _, beam := range []int{1, 2} {
			m := newPrefixModel(hashed(2))
			m.badRows = true
			s, err := New(testConfig(beam, 4))
			require.NoError(t, err)

			out, err := s.Search(m, testSource(2, 2))
			assert.ErrorIs(t, err, ErrInvariant)
			assert.Nil(t, out)
		}
	})

	t.Run("MalformedSource", func(t *testing.T) {
		m := newPrefixModel(hashed(2))
		s, err := NewBeamSearch(testConfig(2, 4))
		require.NoError(t, err)

		src := testSource(2, 2)
		src.Mask = src.Mask[:3]
		_, err = s.Search(m, src)
		assert.ErrorIs(t, err, ErrInvariant)
		assert.Zero(t, m.encodeCalls)
	})

	t.Run("EndSymbolOutsideVocabulary", func(t *testing.T) {
		m := newPrefixModel(hashed(2))
		cfg := testConfig(2, 4)
		cfg.EndSymbols = []int{vocab + 1}
		s, err := NewBeamSearch(cfg)
		require.NoError(t, err)

		_, err = s.Search(m, testSource(1, 2))
		assert.ErrorIs(t, err, ErrInvariant)
	})
}

// Scenario: a model that emits a, a, eos yields [a a] for every item.
func TestSearch_FixedScript(t *testing.T) {
	script := func(_ int, prefix []int) []float32 {
		out := []float32{-9, -9, -9, -9, -9, -9}
		if len(prefix) < 2 {
			out[tokA] = -0.1
		} else {
			out[tokEOS] = -0.1
		}
		return out
	}

	for _, beam := range []int{1, 2, 4} {
		m := newPrefixModel(script)
		s, err := New(testConfig(beam, 5))
		require.NoError(t, err)

		out, err := s.Search(m, testSource(3, 2))
		require.NoError(t, err)
		require.Len(t, out, 3)
		for _, h := range out {
			assert.Equal(t, []int{tokA, tokA}, h.Tokens, "beam %d", beam)
			assert.InDelta(t, -0.3, h.Score, 1e-6)
		}
		// Stops as soon as every hypothesis has finished.
		assert.LessOrEqual(t, m.decodeCalls, 4)
	}
}

// Scenario: eos is by far the best first token. Only slot 0 of each item
// competes in the first pruning, so the beam holds four distinct tokens.
func TestBeamSearch_FirstStepMask(t *testing.T) {
	const beam = 4
	s, err := NewBeamSearch(testConfig(beam, 5))
	require.NoError(t, err)

	p := NewPredictor(nil, nil, beam)
	p.SetStartSymbol(tokBOS)
	start := p.Create(2)

	lp := make([]float32, 2*beam*vocab)
	for i := range lp {
		lp[i] = -5.0
		if i%vocab == tokEOS {
			lp[i] = -0.1
		}
	}
	logProbs := device.Host().NewTensor(2*beam, vocab, lp)

	scores, err := s.score(start, logProbs)
	require.NoError(t, err)
	for r := 0; r < 2*beam; r++ {
		for v := 0; v < vocab; v++ {
			if r%beam == 0 {
				assert.Equal(t, lp[r*vocab+v], scores.At(r, v))
			} else {
				assert.LessOrEqual(t, scores.At(r, v), float32(-2e4))
			}
		}
	}

	next := &StateBundle{Step: 1, LogProbs: logProbs}
	require.NoError(t, s.expand(start, next, scores, 2))

	for item := 0; item < 2; item++ {
		seen := map[int]bool{}
		for k := 0; k < beam; k++ {
			slot := item*beam + k
			assert.Equal(t, item*beam, next.PreIDs[slot], "every survivor extends slot 0")
			assert.Greater(t, next.PathLogProb[slot], float32(-100))
			seen[next.Tokens[slot]] = true
		}
		assert.Len(t, seen, beam)
		assert.Equal(t, tokEOS, next.Tokens[item*beam])
		assert.True(t, next.States[item*beam].IsCompleted)
	}
}

// Scenario: length normalization divides the raw cumulative score.
func TestBeamSearch_LengthNormalizedScore(t *testing.T) {
	script := func(_ int, prefix []int) []float32 {
		out := []float32{-20, -20, -20, -20, -20, -20}
		if len(prefix) < 4 {
			out[tokB] = -0.5
		} else {
			out[tokEOS] = -1
		}
		return out
	}
	cfg := testConfig(2, 10)
	cfg.LengthAlpha = 1.0
	s, err := NewBeamSearch(cfg)
	require.NoError(t, err)

	out, err := s.Search(newPrefixModel(script), testSource(1, 1))
	require.NoError(t, err)
	require.Equal(t, []int{tokB, tokB, tokB, tokB}, out[0].Tokens)

	raw := float32(4*-0.5 - 1)
	assert.InDelta(t, raw/(10.0/6.0), out[0].Score, 1e-5)
}

// Scenario: no end token within the length limit still yields output.
func TestSearch_NeverEnds(t *testing.T) {
	never := constant(map[int]float32{tokEOS: -100, tokA: -0.2, tokB: -0.3, tokC: -0.4}, -50)

	for _, beam := range []int{1, 3} {
		start := getMetricValue(searchHeapFills)
		m := newPrefixModel(never)
		s, err := New(testConfig(beam, 3))
		require.NoError(t, err)

		out, err := s.Search(m, testSource(2, 4))
		require.NoError(t, err)
		for _, h := range out {
			assert.Len(t, h.Tokens, 3)
			assert.Equal(t, []int{tokA, tokA, tokA}, h.Tokens)
			assert.InDelta(t, -0.6, h.Score, 1e-5)
		}
		assert.Equal(t, 3, m.decodeCalls)
		if beam > 1 {
			assert.Equal(t, 2.0, getMetricValue(searchHeapFills)-start)
		}
	}
}

func TestSearch_OutputProperties(t *testing.T) {
	for seed := uint32(1); seed <= 12; seed++ {
		for _, beam := range []int{1, 2, 3, 5} {
			cfg := testConfig(beam, 6)
			cfg.MaxLenAlpha = 0.5
			cfg.LengthAlpha = 0.6
			src := testSource(3, 3)
			limit := cfg.LengthLimit(src.Len)

			m := newPrefixModel(hashed(seed))
			s, err := New(cfg)
			require.NoError(t, err)
			out, err := s.Search(m, src)
			require.NoError(t, err)
			require.Len(t, out, src.Rows)

			for item, h := range out {
				assert.LessOrEqual(t, len(h.Tokens), limit)
				assert.NotContains(t, h.Tokens, tokEOS)
				// Only hypotheses cut off by the length limit lack an end symbol.
				ended := len(h.Tokens) < limit
				assert.InDelta(t, scoreOf(m, item, h.Tokens, ended, cfg.LengthAlpha), h.Score, 1e-4,
					"seed %d beam %d item %d", seed, beam, item)
			}
		}
	}
}

func TestSearch_BeamOfOneMatchesGreedy(t *testing.T) {
	for seed := uint32(20); seed < 40; seed++ {
		cfg := testConfig(1, 7)
		cfg.LengthAlpha = 0.8

		greedy, err := NewGreedySearch(cfg)
		require.NoError(t, err)
		beam, err := NewBeamSearch(cfg)
		require.NoError(t, err)

		g, err := greedy.Search(newPrefixModel(hashed(seed)), testSource(4, 2))
		require.NoError(t, err)
		b, err := beam.Search(newPrefixModel(hashed(seed)), testSource(4, 2))
		require.NoError(t, err)

		for i := range g {
			assert.Equal(t, g[i].Tokens, b[i].Tokens, "seed %d item %d", seed, i)
			assert.InDelta(t, g[i].Score, b[i].Score, 1e-5)
		}
	}
}

// Items 0-2 finish within two steps while item 3 keeps going, which
// shrinks the model batch. Scores recomputed along the returned tokens
// only match when every cache row followed its hypothesis.
func TestBeamSearch_CompactionKeepsCachesAligned(t *testing.T) {
	fast := constant(map[int]float32{tokEOS: -0.01}, -6)
	slow := hashed(99)
	next := func(item int, prefix []int) []float32 {
		if item < 3 {
			return fast(item, prefix)
		}
		lp := slow(item, prefix)
		if len(prefix) < 5 {
			lp[tokEOS] = -30
		}
		return lp
	}

	cfg := testConfig(3, 8)
	s, err := NewBeamSearch(cfg)
	require.NoError(t, err)

	startCompactions := getMetricValue(searchCompactions)
	startReorders := getMetricValue(searchReorders)
	m := newPrefixModel(next)
	out, err := s.Search(m, testSource(4, 2))
	require.NoError(t, err)

	assert.Greater(t, getMetricValue(searchCompactions)-startCompactions, 0.0)
	assert.Greater(t, getMetricValue(searchReorders)-startReorders, 0.0)
	assert.Equal(t, 12, m.rows[0])
	assert.Equal(t, 3, m.rows[len(m.rows)-1])

	for item := 0; item < 3; item++ {
		assert.Empty(t, out[item].Tokens)
		assert.InDelta(t, -0.01, out[item].Score, 1e-6)
	}
	h := out[3]
	limit := cfg.LengthLimit(2)
	ended := len(h.Tokens) < limit
	assert.InDelta(t, scoreOf(m, 3, h.Tokens, ended, 0), h.Score, 1e-4)
}

func TestHypothesisHeap(t *testing.T) {
	ref := func(i int) StateRef { return StateRef{Step: 1, Slot: i} }

	t.Run("BoundedTopK", func(t *testing.T) {
		h := NewHypothesisHeap(3)
		scores := []float32{-5, -1, -7, -3, -2, -9, -0.5}
		for i, s := range scores {
			h.Push(ref(i), s)
			assert.LessOrEqual(t, h.Count(), 3)
		}
		got := h.PopAll()
		require.Len(t, got, 3)
		assert.Equal(t, []float32{-2, -1, -0.5}, []float32{got[0].Score, got[1].Score, got[2].Score})
		assert.Equal(t, 6, got[2].State.Slot)
		assert.Zero(t, h.Count())
	})

	t.Run("EqualScoreDoesNotEvict", func(t *testing.T) {
		h := NewHypothesisHeap(2)
		h.Push(ref(0), -1)
		h.Push(ref(1), -2)
		h.Push(ref(2), -2)
		got := h.PopAll()
		assert.Equal(t, 1, got[0].State.Slot)
		assert.Equal(t, 0, got[1].State.Slot)
	})

	t.Run("TiesPopInInsertionOrder", func(t *testing.T) {
		h := NewHypothesisHeap(4)
		for i := 0; i < 4; i++ {
			h.Push(ref(i), -1)
		}
		got := h.PopAll()
		for i, e := range got {
			assert.Equal(t, i, e.State.Slot)
		}
	})

	t.Run("Reinit", func(t *testing.T) {
		h := NewHypothesisHeap(1)
		h.Push(ref(0), 0)
		h.Init(2)
		assert.Zero(t, h.Count())
		assert.Empty(t, h.PopAll())
		h.Push(ref(1), -1)
		h.Push(ref(2), -2)
		assert.Equal(t, 2, h.Count())
	})
}

func TestDump_FirstSeenMaximumWins(t *testing.T) {
	bundles := arena{
		{Step: 0, States: []State{{Prev: noState}, {Prev: noState}}},
		{Step: 1, States: []State{
			{Token: tokA, Step: 1, Prev: StateRef{0, 0}},
			{Token: tokB, Step: 1, Prev: StateRef{0, 1}},
		}},
	}
	h := NewHypothesisHeap(2)
	h.Push(StateRef{1, 1}, -1)
	h.Push(StateRef{1, 0}, -1)

	out, err := dump(bundles, []*HypothesisHeap{h})
	require.NoError(t, err)
	assert.Equal(t, []int{tokB}, out[0].Tokens)

	_, err = dump(bundles, []*HypothesisHeap{NewHypothesisHeap(1)})
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestArena_Backtrace(t *testing.T) {
	// a b eos eos, with the last two steps completed.
	bundles := arena{
		{Step: 0, States: []State{{Prev: noState}}},
		{Step: 1, States: []State{{Token: tokA, Step: 1, Prev: StateRef{0, 0}}}},
		{Step: 2, States: []State{{Token: tokB, Step: 2, Prev: StateRef{1, 0}}}},
		{Step: 3, States: []State{{Token: tokEOS, Step: 3, IsEnd: true, IsCompleted: true, Prev: StateRef{2, 0}}}},
		{Step: 4, States: []State{{Token: tokEOS, Step: 4, IsCompleted: true, Prev: StateRef{3, 0}}}},
	}

	for step := 1; step < len(bundles); step++ {
		ref := StateRef{Step: step, Slot: 0}
		tokens, err := bundles.Backtrace(ref)
		require.NoError(t, err)
		assert.Len(t, tokens, bundles[step].States[0].Step)
	}

	out, err := bundles.output(StateRef{4, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{tokA, tokB}, out)

	bundles[2].States[0].Prev = StateRef{2, 0}
	_, err = bundles.Backtrace(StateRef{2, 0})
	assert.True(t, errors.Is(err, ErrInvariant))
}
