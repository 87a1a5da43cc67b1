package thumbs

import (
	"errors"
	"testing"

	"media-indexer/internal/store"
)

func testRequest(key ContentKey) *request {
	return &request{
		item: &store.MediaItem{Path: key.String()},
		key:  key,
		p:    &Pipeline{pending: make(chan Result, 4)},
	}
}

func mustPop(t *testing.T, q *priorityQueue) *request {
	t.Helper()
	req, ok := q.Pop()
	if !ok {
		t.Fatal("Pop returned closed")
	}
	return req
}

func TestQueuePriorityOrder(t *testing.T) {
	q := newPriorityQueue(8)
	q.Push(testRequest(ContentKey(1)), PriorityBackground)
	q.Push(testRequest(ContentKey(2)), PriorityVisible)
	q.Push(testRequest(ContentKey(3)), PriorityPrefetch+2)
	q.Push(testRequest(ContentKey(4)), PriorityPrefetch)

	want := []ContentKey{2, 4, 3, 1}
	for i, k := range want {
		req := mustPop(t, q)
		if req.key != k {
			t.Errorf("pop %d: got key %v, want %v", i, req.key, k)
		}
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := newPriorityQueue(8)
	for i := 1; i <= 4; i++ {
		q.Push(testRequest(ContentKey(i)), PriorityVisible)
	}
	for i := 1; i <= 4; i++ {
		req := mustPop(t, q)
		if req.key != ContentKey(i) {
			t.Errorf("got key %v, want %v", req.key, ContentKey(i))
		}
	}
}

func TestQueueOverflowDropsWorst(t *testing.T) {
	q := newPriorityQueue(2)
	bg := testRequest(ContentKey(1))
	q.Push(bg, PriorityBackground)
	q.Push(testRequest(ContentKey(2)), PriorityVisible)

	// A third push over a bound of 2 evicts the background request.
	if !q.Push(testRequest(ContentKey(3)), PriorityPrefetch) {
		t.Fatal("push over full queue was rejected")
	}
	if q.Len() != 2 {
		t.Fatalf("len = %d, want 2", q.Len())
	}

	res := <-bg.p.pending
	if !errors.Is(res.Err, ErrDropped) {
		t.Errorf("dropped request err = %v, want ErrDropped", res.Err)
	}

	if got := mustPop(t, q).key; got != ContentKey(2) {
		t.Errorf("first pop = %v, want 2", got)
	}
	if got := mustPop(t, q).key; got != ContentKey(3) {
		t.Errorf("second pop = %v, want 3", got)
	}
}

func TestQueueOverflowRejectsWorstNewcomer(t *testing.T) {
	q := newPriorityQueue(2)
	q.Push(testRequest(ContentKey(1)), PriorityVisible)
	q.Push(testRequest(ContentKey(2)), PriorityPrefetch)

	if q.Push(testRequest(ContentKey(3)), PriorityBackground) {
		t.Error("background push displaced a higher priority request")
	}
	if q.Len() != 2 {
		t.Errorf("len = %d, want 2", q.Len())
	}
}

func TestQueueReprioritizesPending(t *testing.T) {
	q := newPriorityQueue(8)
	q.Push(testRequest(ContentKey(1)), PriorityVisible)
	dup := testRequest(ContentKey(2))
	q.Push(dup, PriorityBackground)

	// The same key pushed again at a better priority moves up rather
	// than queueing twice.
	if !q.Push(testRequest(ContentKey(2)), PriorityVisible) {
		t.Fatal("re-push of pending key failed")
	}
	if q.Len() != 2 {
		t.Fatalf("len = %d, want 2", q.Len())
	}

	mustPop(t, q)
	if got := mustPop(t, q).key; got != ContentKey(2) {
		t.Errorf("re-prioritized key popped at %v, want 2", got)
	}
}

func TestQueueCancel(t *testing.T) {
	q := newPriorityQueue(8)
	q.Push(testRequest(ContentKey(1)), PriorityVisible)
	q.Push(testRequest(ContentKey(2)), PriorityVisible)

	if req := q.Cancel(ContentKey(1)); req == nil {
		t.Fatal("Cancel returned nil for a pending key")
	}
	if req := q.Cancel(ContentKey(1)); req != nil {
		t.Error("Cancel returned a request twice")
	}

	// The canceled entry left a stray ready token; Pop must skip it and
	// still deliver the remaining request.
	if got := mustPop(t, q).key; got != ContentKey(2) {
		t.Errorf("pop after cancel = %v, want 2", got)
	}
}

func TestQueueCloseUnblocksPop(t *testing.T) {
	q := newPriorityQueue(8)
	done := make(chan bool)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()
	q.Close()
	if ok := <-done; ok {
		t.Error("Pop returned a request from a closed queue")
	}
	if q.Push(testRequest(ContentKey(1)), PriorityVisible) {
		t.Error("Push succeeded on a closed queue")
	}
}

func TestQueueDrain(t *testing.T) {
	q := newPriorityQueue(8)
	q.Push(testRequest(ContentKey(1)), PriorityVisible)
	q.Push(testRequest(ContentKey(2)), PriorityBackground)

	reqs := q.drain()
	if len(reqs) != 2 {
		t.Fatalf("drained %d requests, want 2", len(reqs))
	}
	if q.Len() != 0 {
		t.Errorf("len = %d after drain, want 0", q.Len())
	}
}
