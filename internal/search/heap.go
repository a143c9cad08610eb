package search

import "container/heap"

// Entry is a completed hypothesis observed by a HypothesisHeap.
type Entry struct {
	State StateRef
	Score float32

	seq int
}

// entries orders by score, earlier insertions first among equal scores.
type entries []Entry

func (h entries) Len() int { return len(h) }
func (h entries) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score < h[j].Score
	}
	return h[i].seq < h[j].seq
}
func (h entries) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entries) Push(x interface{}) { *h = append(*h, x.(Entry)) }
func (h *entries) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// HypothesisHeap keeps the best capacity completed hypotheses of one batch
// item. It references states in the bundle arena and never owns them.
type HypothesisHeap struct {
	items    entries
	capacity int
	seq      int
}

// NewHypothesisHeap returns an empty heap holding at most capacity entries.
func NewHypothesisHeap(capacity int) *HypothesisHeap {
	h := &HypothesisHeap{}
	h.Init(capacity)
	return h
}

// Init empties the heap and sets its capacity.
func (h *HypothesisHeap) Init(capacity int) {
	h.items = make(entries, 0, capacity)
	h.capacity = capacity
	h.seq = 0
}

// Push inserts while there is room. Once full, the minimum is replaced only
// by a strictly higher score, so an equal score never evicts an earlier
// entry.
func (h *HypothesisHeap) Push(ref StateRef, score float32) {
	e := Entry{State: ref, Score: score, seq: h.seq}
	h.seq++

	if len(h.items) < h.capacity {
		heap.Push(&h.items, e)
		return
	}
	if h.capacity == 0 || !(score > h.items[0].Score) {
		return
	}
	h.items[0] = e
	heap.Fix(&h.items, 0)
}

// PopAll drains the heap in ascending score order.
func (h *HypothesisHeap) PopAll() []Entry {
	out := make([]Entry, 0, len(h.items))
	for len(h.items) > 0 {
		out = append(out, heap.Pop(&h.items).(Entry))
	}
	return out
}

// Count is the number of retained entries.
func (h *HypothesisHeap) Count() int { return len(h.items) }

