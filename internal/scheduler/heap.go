// Package scheduler runs the bus's retry timers from one goroutine.
//
// Pending retries live in a min-heap ordered by due time instead of one
// timer per envelope:
//   - peek at the soonest retry: O(1)
//   - schedule / cancel:         O(log N)
//
// The goroutine sleeps until the root is due, pops it and calls the ready
// callback. Schedule nudges the goroutine through a buffered notify channel
// whenever a new entry might be due before the current root, and Cancel
// removes an entry so a cancelled retry can never fire.
package scheduler

import "container/heap"

type item struct {
	key   string
	dueAt int64 // unix nanoseconds, sort key

	// seq breaks ties between equal due times so entries scheduled for the
	// same instant fire in scheduling order.
	seq uint64

	// idx is the position in the heap slice, kept current by Swap so that
	// Cancel can call heap.Remove directly.
	idx int
}

type minHeap []*item

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	if h[i].dueAt == h[j].dueAt {
		return h[i].seq < h[j].seq
	}
	return h[i].dueAt < h[j].dueAt
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *minHeap) Push(x any) {
	it := x.(*item)
	it.idx = len(*h)
	*h = append(*h, it)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.idx = -1
	*h = old[:n-1]
	return it
}

func (h *minHeap) remove(idx int) *item {
	return heap.Remove(h, idx).(*item)
}
