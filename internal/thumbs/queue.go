package thumbs

import (
	"container/heap"
	"sync"

	"media-indexer/internal/metrics"
)

// Priority classes. Lower values dequeue first. Prefetch requests use
// PriorityPrefetch plus their row distance from the viewport, so nearer
// rows win; background precompute trails everything.
const (
	PriorityVisible    = 0
	PriorityPrefetch   = 1
	PriorityBackground = 1 << 20
)

// DefaultQueueBound is the pending-request limit. Beyond it the lowest
// priority request is dropped; scroll-back re-requests naturally.
const DefaultQueueBound = 256

type queued struct {
	req      *request
	priority int
	seq      uint64
	index    int
}

type requestHeap []*queued

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	q := x.(*queued)
	q.index = len(*h)
	*h = append(*h, q)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	q := old[n-1]
	old[n-1] = nil
	q.index = -1
	*h = old[:n-1]
	return q
}

// priorityQueue is a bounded priority queue with drop-on-overflow. Pop
// blocks on the ready channel; Close releases all waiters.
type priorityQueue struct {
	mu     sync.Mutex
	heap   requestHeap
	byKey  map[ContentKey]*queued
	bound  int
	seq    uint64
	ready  chan struct{}
	closed bool
}

func newPriorityQueue(bound int) *priorityQueue {
	if bound <= 0 {
		bound = DefaultQueueBound
	}
	return &priorityQueue{
		byKey: make(map[ContentKey]*queued),
		bound: bound,
		ready: make(chan struct{}, bound),
	}
}

// Push enqueues a request, or re-prioritizes an already pending one.
// When the queue is full the worst pending request is dropped to make
// room; if the newcomer itself is the worst, it is rejected. Returns
// false when the request was not (or is no longer) pending.
func (q *priorityQueue) Push(req *request, priority int) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	if existing, ok := q.byKey[req.key]; ok {
		if priority < existing.priority {
			existing.priority = priority
			heap.Fix(&q.heap, existing.index)
		}
		q.mu.Unlock()
		return true
	}

	var dropped *request
	if len(q.heap) >= q.bound {
		worst := q.worst()
		if worst == nil || worst.priority <= priority {
			q.mu.Unlock()
			metrics.ThumbQueueDrops.Inc()
			return false
		}
		heap.Remove(&q.heap, worst.index)
		delete(q.byKey, worst.req.key)
		dropped = worst.req
		metrics.ThumbQueueDrops.Inc()
	}

	q.seq++
	item := &queued{req: req, priority: priority, seq: q.seq}
	heap.Push(&q.heap, item)
	q.byKey[req.key] = item
	depth := len(q.heap)
	q.mu.Unlock()

	metrics.ThumbQueueDepth.Set(float64(depth))
	if dropped != nil {
		dropped.fail(ErrDropped)
	} else {
		// A drop consumed the victim's ready token, so only signal for
		// net-new work.
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return true
}

// Pop blocks until a request is available or the queue closes.
func (q *priorityQueue) Pop() (*request, bool) {
	for range q.ready {
		q.mu.Lock()
		if len(q.heap) == 0 {
			q.mu.Unlock()
			continue
		}
		item := heap.Pop(&q.heap).(*queued)
		delete(q.byKey, item.req.key)
		depth := len(q.heap)
		q.mu.Unlock()
		metrics.ThumbQueueDepth.Set(float64(depth))
		return item.req, true
	}
	return nil, false
}

// Cancel removes a pending request before a worker claims it. Returns
// the request when it was still queued.
func (q *priorityQueue) Cancel(key ContentKey) *request {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byKey[key]
	if !ok {
		return nil
	}
	heap.Remove(&q.heap, item.index)
	delete(q.byKey, key)
	metrics.ThumbQueueDepth.Set(float64(len(q.heap)))
	return item.req
}

// Len returns the number of pending requests.
func (q *priorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Close releases blocked Pops. Pending requests are left in place for
// the pipeline to fail during shutdown.
func (q *priorityQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ready)
	}
	q.mu.Unlock()
}

// drain empties the queue, returning the abandoned requests.
func (q *priorityQueue) drain() []*request {
	q.mu.Lock()
	defer q.mu.Unlock()
	reqs := make([]*request, 0, len(q.heap))
	for _, item := range q.heap {
		reqs = append(reqs, item.req)
	}
	q.heap = q.heap[:0]
	q.byKey = make(map[ContentKey]*queued)
	return reqs
}

// worst returns the lowest-priority queued item. The heap orders by
// best; finding the worst is a linear scan over leaves, which is fine at
// this queue size.
func (q *priorityQueue) worst() *queued {
	var w *queued
	for _, item := range q.heap {
		if w == nil || item.priority > w.priority ||
			(item.priority == w.priority && item.seq > w.seq) {
			w = item
		}
	}
	return w
}
