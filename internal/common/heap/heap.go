// Package heap provides a small bounded max-heap, the same shape the
// teacher's relayer uses (common/heap.BoundedMaxHeap) to pull the
// highest-priority items out of a larger candidate set without sorting
// the whole thing.
package heap

import "container/heap"

// BoundedMaxHeap keeps at most capacity items, evicting the smallest
// (per cmp) whenever a new item would overflow it. A capacity of 0 or
// less means no bound: nothing is ever evicted.
type BoundedMaxHeap[T any] struct {
	capacity int
	cmp      func(a, b T) int
	items    *itemHeap[T]
}

// NewBoundedMaxHeap builds a heap ordered by cmp (a<b => negative), capped
// at capacity entries (unbounded when capacity is 0 or less).
func NewBoundedMaxHeap[T any](capacity int, cmp func(a, b T) int) *BoundedMaxHeap[T] {
	h := &itemHeap[T]{cmp: cmp}
	heap.Init(h)
	return &BoundedMaxHeap[T]{capacity: capacity, cmp: cmp, items: h}
}

// Add inserts value, evicting the current minimum if capacity is exceeded.
func (b *BoundedMaxHeap[T]) Add(value T) {
	heap.Push(b.items, value)
	if b.capacity > 0 && b.items.Len() > b.capacity {
		heap.Pop(b.items)
	}
}

// Len returns the number of items currently held.
func (b *BoundedMaxHeap[T]) Len() int {
	return b.items.Len()
}

// PopAllSorted drains the heap and returns its contents in ascending cmp
// order.
func (b *BoundedMaxHeap[T]) PopAllSorted() []T {
	out := make([]T, 0, b.items.Len())
	for b.items.Len() > 0 {
		out = append(out, heap.Pop(b.items).(T))
	}
	return out
}

type itemHeap[T any] struct {
	data []T
	cmp  func(a, b T) int
}

func (h *itemHeap[T]) Len() int { return len(h.data) }
func (h *itemHeap[T]) Less(i, j int) bool {
	// A min-heap on the underlying slice gives eviction of the smallest
	// element on overflow; PopAllSorted pops in the same ascending order.
	return h.cmp(h.data[i], h.data[j]) < 0
}
func (h *itemHeap[T]) Swap(i, j int) { h.data[i], h.data[j] = h.data[j], h.data[i] }
func (h *itemHeap[T]) Push(x any)    { h.data = append(h.data, x.(T)) }
func (h *itemHeap[T]) Pop() any {
	old := h.data
	n := len(old)
	item := old[n-1]
	h.data = old[:n-1]
	return item
}
