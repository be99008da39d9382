package scheduler

import "container/heap"

// taskHeap is a container/heap priority queue over queued tasks of one
// kind, the same Len/Less/Swap/Push/Pop shape the upstream search
// coordinator uses for its operation queue, with an Index field on each
// element so Swap can keep it current for in-place fixups.
type taskHeap struct {
	tasks []*task
	less  func(a, b *task) bool
}

func newTaskHeap(less func(a, b *task) bool) *taskHeap {
	h := &taskHeap{less: less}
	heap.Init(h)
	return h
}

func (h *taskHeap) Len() int { return len(h.tasks) }

func (h *taskHeap) Less(i, j int) bool { return h.less(h.tasks[i], h.tasks[j]) }

func (h *taskHeap) Swap(i, j int) {
	h.tasks[i], h.tasks[j] = h.tasks[j], h.tasks[i]
	h.tasks[i].heapIndex = i
	h.tasks[j].heapIndex = j
}

func (h *taskHeap) Push(x interface{}) {
	t := x.(*task)
	t.heapIndex = len(h.tasks)
	h.tasks = append(h.tasks, t)
}

func (h *taskHeap) Pop() interface{} {
	old := h.tasks
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	h.tasks = old[:n-1]
	return t
}

// push adds t to the heap, maintaining the heap invariant.
func (h *taskHeap) push(t *task) { heap.Push(h, t) }

// pop removes and returns the highest-priority task, or nil if empty.
func (h *taskHeap) pop() *task {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*task)
}

// fix re-establishes the heap invariant after a queued task's ordering
// key (priority, topological rank) changed in place.
func (h *taskHeap) fix(t *task) {
	if t.heapIndex >= 0 {
		heap.Fix(h, t.heapIndex)
	}
}

// remove pulls t out of the heap regardless of position, used when a
// queued task is cancelled before it ever runs.
func (h *taskHeap) remove(t *task) {
	if t.heapIndex >= 0 {
		heap.Remove(h, t.heapIndex)
	}
}

// reinit re-establishes the heap invariant after every element's ordering
// key changed at once, e.g. a topological re-rank on build graph reload.
func (h *taskHeap) reinit() { heap.Init(h) }
