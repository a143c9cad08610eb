package cache

import (
	"fmt"

	"github.com/23skdu/longbow-scribe/internal/device"
)

// Kind selects which of a decoder layer's two caches an operation targets.
type Kind int

const (
	SelfAttention Kind = iota
	CrossAttention
)

func (k Kind) String() string {
	if k == CrossAttention {
		return "cross"
	}
	return "self"
}

// Cache holds the keys and values a decoder layer has already computed.
//
// Storage is grouped by hypothesis row: row r owns tensor rows
// [r*Len(), (r+1)*Len()). Row r must always belong to beam row r of the
// current ordering, so every beam reorder has to go through Reorder.
type Cache struct {
	Enabled bool
	// Miss forces the next Update or Store to start from scratch.
	Miss bool

	Key   device.Tensor
	Value device.Tensor

	rows   int
	length int
}

func New(enabled bool) *Cache {
	return &Cache{Enabled: enabled, Miss: true}
}

// Rows returns the number of hypothesis rows held.
func (c *Cache) Rows() int { return c.rows }

// Len returns the number of cached positions per row.
func (c *Cache) Len() int { return c.length }

// Reset drops all cached state and marks the cache as missed.
func (c *Cache) Reset() {
	c.Miss = true
	c.Key = nil
	c.Value = nil
	c.rows = 0
	c.length = 0
}

// Update appends one position per row to a self-attention cache and returns
// the full key and value histories. key and value hold one row per
// hypothesis. A disabled cache keeps nothing and hands the inputs back.
func (c *Cache) Update(key, value device.Tensor) (device.Tensor, device.Tensor) {
	rows, _ := key.Dims()
	if !c.Enabled {
		return key, value
	}
	if c.Miss || c.Key == nil {
		c.Key, c.Value = key, value
		c.rows, c.length = rows, 1
		c.Miss = false
		return c.Key, c.Value
	}
	if rows != c.rows {
		panic(fmt.Sprintf("cache: update with %d rows, cache holds %d", rows, c.rows))
	}

	// Old histories followed by the new rows, then interleave so each
	// hypothesis keeps a contiguous block.
	order := make([]int, 0, rows*(c.length+1))
	for r := 0; r < rows; r++ {
		for j := 0; j < c.length; j++ {
			order = append(order, r*c.length+j)
		}
		order = append(order, rows*c.length+r)
	}
	c.Key = c.Key.Concat(key).Gather(order)
	c.Value = c.Value.Concat(value).Gather(order)
	c.length++
	return c.Key, c.Value
}

// Store fills a cross-attention cache once per sequence. compute is only
// called on a miss; afterwards the stored tensors are returned as-is.
// compute must return rows*length tensor rows grouped by hypothesis row.
func (c *Cache) Store(rows int, compute func() (device.Tensor, device.Tensor)) (device.Tensor, device.Tensor) {
	if !c.Enabled {
		return compute()
	}
	if c.Miss || c.Key == nil {
		key, value := compute()
		total, _ := key.Dims()
		if rows <= 0 || total%rows != 0 {
			panic(fmt.Sprintf("cache: %d stored rows cannot be split into %d hypotheses", total, rows))
		}
		c.Key, c.Value = key, value
		c.rows, c.length = rows, total/rows
		c.Miss = false
	}
	return c.Key, c.Value
}

// Reorder rebuilds the cache so that new row i holds what old row
// indices[i] held. A shorter index vector truncates the cache.
func (c *Cache) Reorder(indices []int) {
	if c.Key == nil {
		return
	}
	order := make([]int, 0, len(indices)*c.length)
	for _, old := range indices {
		if old < 0 || old >= c.rows {
			panic(fmt.Sprintf("cache: reorder index %d out of range for %d rows", old, c.rows))
		}
		for j := 0; j < c.length; j++ {
			order = append(order, old*c.length+j)
		}
	}
	c.Key = c.Key.Gather(order)
	c.Value = c.Value.Gather(order)
	c.rows = len(indices)
}

// Set is the per-search collection of decoder caches, one self and one cross
// cache per layer. A Set belongs to a single decode call and is never shared.
type Set struct {
	Self  []*Cache
	Cross []*Cache
}

func NewSet(layers int, enabled bool) *Set {
	s := &Set{
		Self:  make([]*Cache, layers),
		Cross: make([]*Cache, layers),
	}
	for i := 0; i < layers; i++ {
		s.Self[i] = New(enabled)
		s.Cross[i] = New(enabled)
	}
	return s
}

func (s *Set) Layers() int { return len(s.Self) }

// Get returns the cache of the given layer and kind.
func (s *Set) Get(layer int, kind Kind) *Cache {
	if layer < 0 || layer >= len(s.Self) {
		panic(fmt.Sprintf("cache: %s layer %d out of range [0, %d)", kind, layer, len(s.Self)))
	}
	if kind == CrossAttention {
		return s.Cross[layer]
	}
	return s.Self[layer]
}

// Reorder permutes one layer's cache of the given kind.
func (s *Set) Reorder(layer int, kind Kind, indices []int) {
	s.Get(layer, kind).Reorder(indices)
}

// ReorderAll applies the same permutation to every cache in the set.
func (s *Set) ReorderAll(indices []int) {
	for l := range s.Self {
		s.Reorder(l, SelfAttention, indices)
		s.Reorder(l, CrossAttention, indices)
	}
}

// Reset marks every cache as missed ahead of a new batch.
func (s *Set) Reset() {
	for l := range s.Self {
		s.Self[l].Reset()
		s.Cross[l].Reset()
	}
}
