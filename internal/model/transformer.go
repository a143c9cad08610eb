package model

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-scribe/internal/cache"
	"github.com/23skdu/longbow-scribe/internal/device"
	"github.com/23skdu/longbow-scribe/internal/search"
)

// Config holds the dimensions of the encoder-decoder transformer.
type Config struct {
	SrcVocabSize  int                   `yaml:"src_vocab_size"`
	TgtVocabSize  int                   `yaml:"tgt_vocab_size"`
	HiddenSize    int                   `yaml:"hidden_size"`
	NumHeads      int                   `yaml:"num_heads"`
	FFNSize       int                   `yaml:"ffn_size"`
	EncoderLayers int                   `yaml:"encoder_layers"`
	DecoderLayers int                   `yaml:"decoder_layers"`
	MaxPositions  int                   `yaml:"max_positions"`
	PreNorm       bool                  `yaml:"pre_norm"`
	Activation    device.ActivationType `yaml:"activation"`
	Eps           float32               `yaml:"eps"`
	Seed          int64                 `yaml:"seed"`
}

// DefaultTinyConfig returns a small model suitable for tests and soak runs.
func DefaultTinyConfig() Config {
	return Config{
		SrcVocabSize:  1000,
		TgtVocabSize:  1000,
		HiddenSize:    64,
		NumHeads:      4,
		FFNSize:       256,
		EncoderLayers: 2,
		DecoderLayers: 2,
		MaxPositions:  512,
		PreNorm:       true,
		Activation:    device.ActivationReLU,
		Eps:           1e-6,
		Seed:          1,
	}
}

func (c Config) Validate() error {
	switch {
	case c.SrcVocabSize <= 0 || c.TgtVocabSize <= 0:
		return fmt.Errorf("model: vocabulary sizes must be positive, got %d/%d", c.SrcVocabSize, c.TgtVocabSize)
	case c.HiddenSize <= 0 || c.NumHeads <= 0 || c.HiddenSize%c.NumHeads != 0:
		return fmt.Errorf("model: hidden size %d is not divisible into %d heads", c.HiddenSize, c.NumHeads)
	case c.FFNSize <= 0:
		return fmt.Errorf("model: ffn size must be positive, got %d", c.FFNSize)
	case c.EncoderLayers <= 0 || c.DecoderLayers <= 0:
		return fmt.Errorf("model: layer counts must be positive, got %d/%d", c.EncoderLayers, c.DecoderLayers)
	case c.MaxPositions <= 0:
		return fmt.Errorf("model: max positions must be positive, got %d", c.MaxPositions)
	}
	return nil
}

var _ search.Model = (*Transformer)(nil)

// Transformer is an encoder-decoder translation model.
type Transformer struct {
	Config  Config
	Backend device.Backend

	SrcEmbeddings device.Tensor
	TgtEmbeddings device.Tensor
	// Positions is the fixed sinusoidal table, MaxPositions x HiddenSize.
	Positions device.Tensor

	Encoder     []*EncoderLayer
	EncoderNorm *LayerNorm
	Decoder     []*DecoderLayer
	DecoderNorm *LayerNorm

	Output     device.Tensor
	OutputBias device.Tensor
}

// New builds a transformer with Xavier-initialized weights.
func New(config Config, backend device.Backend) (*Transformer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Eps == 0 {
		config.Eps = 1e-6
	}
	h := config.HiddenSize

	m := &Transformer{
		Config:        config,
		Backend:       backend,
		SrcEmbeddings: backend.NewTensor(config.SrcVocabSize, h, nil),
		TgtEmbeddings: backend.NewTensor(config.TgtVocabSize, h, nil),
		Positions:     backend.NewTensor(config.MaxPositions, h, sinusoid(config.MaxPositions, h)),
		EncoderNorm:   NewLayerNorm(h, config.Eps, backend),
		DecoderNorm:   NewLayerNorm(h, config.Eps, backend),
		Output:        backend.NewTensor(h, config.TgtVocabSize, nil),
		OutputBias:    backend.NewTensor(1, config.TgtVocabSize, nil),
	}
	for i := 0; i < config.EncoderLayers; i++ {
		m.Encoder = append(m.Encoder, NewEncoderLayer(config, backend))
	}
	for i := 0; i < config.DecoderLayers; i++ {
		m.Decoder = append(m.Decoder, NewDecoderLayer(config, backend))
	}
	m.initWeights(rand.New(rand.NewSource(config.Seed)))
	return m, nil
}

func (m *Transformer) initWeights(rng *rand.Rand) {
	for _, p := range m.Parameters() {
		if p.Matrix {
			xavierInit(rng, p.Tensor)
		}
	}
}

// xavierInit fills a matrix with Xavier/Glorot uniform values.
func xavierInit(rng *rand.Rand, t device.Tensor) {
	r, c := t.Dims()
	limit := math.Sqrt(6.0 / float64(r+c))

	data := make([]float32, r*c)
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	t.CopyFromFloat32(data)
}

// sinusoid builds the position table sin/cos(pos / 10000^(2i/d)).
func sinusoid(positions, hidden int) []float32 {
	data := make([]float32, positions*hidden)
	half := hidden / 2
	for p := 0; p < positions; p++ {
		for i := 0; i < half; i++ {
			angle := float64(p) / math.Pow(10000, float64(2*i)/float64(hidden))
			data[p*hidden+i] = float32(math.Sin(angle))
			data[p*hidden+half+i] = float32(math.Cos(angle))
		}
	}
	return data
}

// Parameter is a named weight tensor. Matrix marks Xavier-initialized
// weights; vectors keep their constructor values.
type Parameter struct {
	Name   string
	Tensor device.Tensor
	Matrix bool
}

// Parameters lists every learned tensor in serialization order.
func (m *Transformer) Parameters() []Parameter {
	var ps []Parameter
	add := func(name string, t device.Tensor, matrix bool) {
		ps = append(ps, Parameter{Name: name, Tensor: t, Matrix: matrix})
	}
	attention := func(prefix string, a *Attention) {
		add(prefix+".query", a.Query, true)
		add(prefix+".query_bias", a.QueryBias, false)
		add(prefix+".key", a.Key, true)
		add(prefix+".key_bias", a.KeyBias, false)
		add(prefix+".value", a.Value, true)
		add(prefix+".value_bias", a.ValueBias, false)
		add(prefix+".out", a.Out, true)
		add(prefix+".out_bias", a.OutBias, false)
	}
	norm := func(prefix string, n *LayerNorm) {
		add(prefix+".gamma", n.Gamma, false)
		add(prefix+".beta", n.Beta, false)
	}
	ffn := func(prefix string, f *FeedForward) {
		add(prefix+".dense1", f.Dense1, true)
		add(prefix+".bias1", f.Bias1, false)
		add(prefix+".dense2", f.Dense2, true)
		add(prefix+".bias2", f.Bias2, false)
	}

	add("src_embeddings", m.SrcEmbeddings, true)
	add("tgt_embeddings", m.TgtEmbeddings, true)
	for i, l := range m.Encoder {
		p := fmt.Sprintf("encoder.%d", i)
		attention(p+".self_attention", l.SelfAttention)
		norm(p+".self_norm", l.SelfNorm)
		ffn(p+".ffn", l.FFN)
		norm(p+".ffn_norm", l.FFNNorm)
	}
	norm("encoder.norm", m.EncoderNorm)
	for i, l := range m.Decoder {
		p := fmt.Sprintf("decoder.%d", i)
		attention(p+".self_attention", l.SelfAttention)
		norm(p+".self_norm", l.SelfNorm)
		attention(p+".cross_attention", l.CrossAttention)
		norm(p+".cross_norm", l.CrossNorm)
		ffn(p+".ffn", l.FFN)
		norm(p+".ffn_norm", l.FFNNorm)
	}
	norm("decoder.norm", m.DecoderNorm)
	add("output", m.Output, true)
	add("output_bias", m.OutputBias, false)
	return ps
}

// NumLayers is the number of decoder layers, each owning a self and a
// cross attention cache.
func (m *Transformer) NumLayers() int {
	return len(m.Decoder)
}

func (m *Transformer) embed(table device.Tensor, tokens []int, positions []int) (device.Tensor, error) {
	vocab, _ := table.Dims()
	for _, t := range tokens {
		if t < 0 || t >= vocab {
			return nil, fmt.Errorf("model: token %d outside vocabulary of %d", t, vocab)
		}
	}
	for i, p := range positions {
		if p >= m.Config.MaxPositions {
			positions[i] = m.Config.MaxPositions - 1
		}
	}

	x := table.Gather(tokens)
	x.Scale(float32(math.Sqrt(float64(m.Config.HiddenSize))))
	x.Add(m.Positions.Gather(positions))
	return x, nil
}

// EncodeSource runs the encoder over a padded batch. Padding positions are
// excluded from attention.
func (m *Transformer) EncodeSource(src search.Source) (device.Tensor, error) {
	start := time.Now()
	defer func() {
		LayerDuration.WithLabelValues("encoder", m.Backend.Name()).Observe(time.Since(start).Seconds())
	}()

	positions := make([]int, len(src.Tokens))
	for i := range positions {
		positions[i] = i % src.Len
	}
	x, err := m.embed(m.SrcEmbeddings, src.Tokens, positions)
	if err != nil {
		return nil, err
	}
	for _, layer := range m.Encoder {
		x = layer.Forward(m.Backend, m.Config.PreNorm, x, src.Rows, src.Len, src.Mask)
	}
	if m.Config.PreNorm {
		x = m.EncoderNorm.Forward(x)
	}
	m.Backend.Synchronize()
	return x, nil
}

// DecodeStep feeds one token per hypothesis row and returns log-probabilities
// over the target vocabulary.
func (m *Transformer) DecodeStep(caches *cache.Set, input []int, encoding device.Tensor, crossMask []float32, step int) (device.Tensor, error) {
	if caches.Layers() != len(m.Decoder) {
		return nil, fmt.Errorf("model: %d cache layers for %d decoder layers", caches.Layers(), len(m.Decoder))
	}
	positions := make([]int, len(input))
	for i := range positions {
		positions[i] = step
	}
	x, err := m.embed(m.TgtEmbeddings, input, positions)
	if err != nil {
		return nil, err
	}

	for l, layer := range m.Decoder {
		x = layer.Step(m.Backend, m.Config.PreNorm, x, encoding, crossMask, caches.Self[l], caches.Cross[l])
	}
	if m.Config.PreNorm {
		x = m.DecoderNorm.Forward(x)
	}

	start := time.Now()
	logits := x.Linear(x, m.Output, m.OutputBias)
	logits.LogSoftmax()
	m.Backend.Synchronize()
	LayerDuration.WithLabelValues("output", m.Backend.Name()).Observe(time.Since(start).Seconds())
	return logits, nil
}
