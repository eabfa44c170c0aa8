package memory

import "github.com/ChuLiYu/broker-core/pkg/types"

// futureItem pairs a job waiting in the future set with the order it
// was inserted, so that jobs sharing a ready time promote in the order
// they were enqueued — the deterministic, stable tie-break the spec
// leaves as an open question (see DESIGN.md).
type futureItem struct {
	job *types.Job
	seq uint64
}

// futureHeap is a container/heap.Interface ordering by ready time, then
// insertion sequence.
type futureHeap []*futureItem

func (h futureHeap) Len() int { return len(h) }

func (h futureHeap) Less(i, j int) bool {
	if !h[i].job.At.Equal(h[j].job.At) {
		return h[i].job.At.Before(h[j].job.At)
	}
	return h[i].seq < h[j].seq
}

func (h futureHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *futureHeap) Push(x any) {
	*h = append(*h, x.(*futureItem))
}

func (h *futureHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
