package model

import (
	"math"
	"time"

	"github.com/23skdu/longbow-scribe/internal/cache"
	"github.com/23skdu/longbow-scribe/internal/device"
)

// LayerNorm implements Layer Normalization.
type LayerNorm struct {
	Gamma device.Tensor
	Beta  device.Tensor
	Eps   float32
}

func NewLayerNorm(size int, eps float32, backend device.Backend) *LayerNorm {
	ones := make([]float32, size)
	for i := range ones {
		ones[i] = 1.0
	}
	return &LayerNorm{
		Gamma: backend.NewTensor(1, size, ones),
		Beta:  backend.NewTensor(1, size, nil),
		Eps:   eps,
	}
}

// Forward normalizes input in place and returns it.
func (l *LayerNorm) Forward(input device.Tensor) device.Tensor {
	input.LayerNorm(l.Gamma, l.Beta, l.Eps)
	return input
}

// Attention is a multi-head attention block with its output projection.
type Attention struct {
	Backend  device.Backend
	NumHeads int
	HeadSize int

	Query, QueryBias device.Tensor
	Key, KeyBias     device.Tensor
	Value, ValueBias device.Tensor
	Out, OutBias     device.Tensor
}

func NewAttention(config Config, backend device.Backend) *Attention {
	h := config.HiddenSize
	return &Attention{
		Backend:   backend,
		NumHeads:  config.NumHeads,
		HeadSize:  h / config.NumHeads,
		Query:     backend.NewTensor(h, h, nil),
		QueryBias: backend.NewTensor(1, h, nil),
		Key:       backend.NewTensor(h, h, nil),
		KeyBias:   backend.NewTensor(1, h, nil),
		Value:     backend.NewTensor(h, h, nil),
		ValueBias: backend.NewTensor(1, h, nil),
		Out:       backend.NewTensor(h, h, nil),
		OutBias:   backend.NewTensor(1, h, nil),
	}
}

func (a *Attention) scale() float32 {
	return float32(1.0 / math.Sqrt(float64(a.HeadSize)))
}

// Self attends every query row to the keys of its own group.
func (a *Attention) Self(x device.Tensor, groups, seqLen int, mask []float32) device.Tensor {
	q := x.Linear(x, a.Query, a.QueryBias)
	k := x.Linear(x, a.Key, a.KeyBias)
	v := x.Linear(x, a.Value, a.ValueBias)

	ctx := q.Attention(q, k, v, groups, seqLen, seqLen, a.NumHeads, mask, a.scale())
	a.Backend.PutTensor(q)
	a.Backend.PutTensor(k)
	a.Backend.PutTensor(v)
	return a.project(ctx)
}

// Incremental attends one new query row per hypothesis to that hypothesis'
// cached keys, after appending the new key and value.
func (a *Attention) Incremental(x device.Tensor, c *cache.Cache) device.Tensor {
	rows, _ := x.Dims()
	q := x.Linear(x, a.Query, a.QueryBias)
	k := x.Linear(x, a.Key, a.KeyBias)
	v := x.Linear(x, a.Value, a.ValueBias)

	keys, values := c.Update(k, v)
	kLen := 1
	if c.Enabled {
		kLen = c.Len()
	}
	ctx := q.Attention(q, keys, values, rows, 1, kLen, a.NumHeads, nil, a.scale())
	a.Backend.PutTensor(q)
	return a.project(ctx)
}

// Cross attends each hypothesis row to its encoder output. Keys and values
// are projected once per sequence and kept in c.
func (a *Attention) Cross(x, encoding device.Tensor, mask []float32, c *cache.Cache) device.Tensor {
	rows, _ := x.Dims()
	q := x.Linear(x, a.Query, a.QueryBias)

	keys, values := c.Store(rows, func() (device.Tensor, device.Tensor) {
		return encoding.Linear(encoding, a.Key, a.KeyBias), encoding.Linear(encoding, a.Value, a.ValueBias)
	})
	total, _ := keys.Dims()
	ctx := q.Attention(q, keys, values, rows, 1, total/rows, a.NumHeads, mask, a.scale())
	a.Backend.PutTensor(q)
	return a.project(ctx)
}

func (a *Attention) project(ctx device.Tensor) device.Tensor {
	out := ctx.Linear(ctx, a.Out, a.OutBias)
	return out
}

// FeedForward is the position-wise two-layer MLP.
type FeedForward struct {
	Backend    device.Backend
	Activation device.ActivationType
	Dense1     device.Tensor
	Bias1      device.Tensor
	Dense2     device.Tensor
	Bias2      device.Tensor
}

func NewFeedForward(config Config, backend device.Backend) *FeedForward {
	return &FeedForward{
		Backend:    backend,
		Activation: config.Activation,
		Dense1:     backend.NewTensor(config.HiddenSize, config.FFNSize, nil),
		Bias1:      backend.NewTensor(1, config.FFNSize, nil),
		Dense2:     backend.NewTensor(config.FFNSize, config.HiddenSize, nil),
		Bias2:      backend.NewTensor(1, config.HiddenSize, nil),
	}
}

func (f *FeedForward) Forward(x device.Tensor) device.Tensor {
	inner := x.LinearActivation(x, f.Dense1, f.Bias1, f.Activation)
	out := inner.Linear(inner, f.Dense2, f.Bias2)
	f.Backend.PutTensor(inner)
	return out
}

// sublayer wraps fn with a residual connection and layer normalization,
// normalizing before fn when preNorm is set and after the sum otherwise.
func sublayer(backend device.Backend, x device.Tensor, norm *LayerNorm, preNorm bool, kind string, fn func(device.Tensor) device.Tensor) device.Tensor {
	start := time.Now()
	defer func() {
		LayerDuration.WithLabelValues(kind, backend.Name()).Observe(time.Since(start).Seconds())
	}()

	if !preNorm {
		out := fn(x)
		out.Add(x)
		return norm.Forward(out)
	}

	r, c := x.Dims()
	h := backend.GetTensor(r, c)
	h.Copy(x)
	out := fn(norm.Forward(h))
	backend.PutTensor(h)
	out.Add(x)
	return out
}

// EncoderLayer is one self-attention + feed-forward block.
type EncoderLayer struct {
	SelfAttention *Attention
	SelfNorm      *LayerNorm
	FFN           *FeedForward
	FFNNorm       *LayerNorm
}

func NewEncoderLayer(config Config, backend device.Backend) *EncoderLayer {
	return &EncoderLayer{
		SelfAttention: NewAttention(config, backend),
		SelfNorm:      NewLayerNorm(config.HiddenSize, config.Eps, backend),
		FFN:           NewFeedForward(config, backend),
		FFNNorm:       NewLayerNorm(config.HiddenSize, config.Eps, backend),
	}
}

func (l *EncoderLayer) Forward(backend device.Backend, preNorm bool, x device.Tensor, groups, seqLen int, mask []float32) device.Tensor {
	x = sublayer(backend, x, l.SelfNorm, preNorm, "encoder_self_attention", func(h device.Tensor) device.Tensor {
		return l.SelfAttention.Self(h, groups, seqLen, mask)
	})
	return sublayer(backend, x, l.FFNNorm, preNorm, "encoder_ffn", l.FFN.Forward)
}

// DecoderLayer adds encoder attention between self-attention and the
// feed-forward block.
type DecoderLayer struct {
	SelfAttention  *Attention
	SelfNorm       *LayerNorm
	CrossAttention *Attention
	CrossNorm      *LayerNorm
	FFN            *FeedForward
	FFNNorm        *LayerNorm
}

func NewDecoderLayer(config Config, backend device.Backend) *DecoderLayer {
	return &DecoderLayer{
		SelfAttention:  NewAttention(config, backend),
		SelfNorm:       NewLayerNorm(config.HiddenSize, config.Eps, backend),
		CrossAttention: NewAttention(config, backend),
		CrossNorm:      NewLayerNorm(config.HiddenSize, config.Eps, backend),
		FFN:            NewFeedForward(config, backend),
		FFNNorm:        NewLayerNorm(config.HiddenSize, config.Eps, backend),
	}
}

// Step advances every hypothesis row by one position.
func (l *DecoderLayer) Step(backend device.Backend, preNorm bool, x, encoding device.Tensor, mask []float32, self, cross *cache.Cache) device.Tensor {
	x = sublayer(backend, x, l.SelfNorm, preNorm, "decoder_self_attention", func(h device.Tensor) device.Tensor {
		return l.SelfAttention.Incremental(h, self)
	})
	x = sublayer(backend, x, l.CrossNorm, preNorm, "decoder_cross_attention", func(h device.Tensor) device.Tensor {
		return l.CrossAttention.Cross(h, encoding, mask, cross)
	})
	return sublayer(backend, x, l.FFNNorm, preNorm, "decoder_ffn", l.FFN.Forward)
}
