package governance

import (
	"container/heap"
	"time"
)

// waiter is one suspended admission. done is closed exactly once, after err
// has been set, by whichever of release, cancel or close gets there first.
type waiter struct {
	id       string
	priority int
	enqueued time.Time
	seq      uint64
	index    int // position in the heap, -1 once removed

	done chan struct{}
	err  error
}

func (w *waiter) resolve(err error) {
	w.err = err
	close(w.done)
}

// waitQueue orders waiters by priority descending, then enqueue time
// ascending, then sequence ascending. It implements heap.Interface and is
// only touched under the owning bucket's lock.
type waitQueue []*waiter

var _ heap.Interface = (*waitQueue)(nil)

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.enqueued.Equal(b.enqueued) {
		return a.enqueued.Before(b.enqueued)
	}
	return a.seq < b.seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}
