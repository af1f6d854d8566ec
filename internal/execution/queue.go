package execution

import (
	"container/heap"
	"time"
)

// item is one scheduled release of a plan slice.
type item struct {
	planID    string
	seq       int
	releaseAt time.Time
	order     uint64 // insertion order, breaks ties
}

// queue is a min-heap on releaseAt. It is owned by the scheduler loop and
// never shared.
type queue struct {
	items []item
	next  uint64
}

func (q *queue) Len() int { return len(q.items) }

func (q *queue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if !a.releaseAt.Equal(b.releaseAt) {
		return a.releaseAt.Before(b.releaseAt)
	}
	if a.planID == b.planID && a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.order < b.order
}

func (q *queue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *queue) Push(x any) { q.items = append(q.items, x.(item)) }

func (q *queue) Pop() any {
	n := len(q.items)
	it := q.items[n-1]
	q.items = q.items[:n-1]
	return it
}

func (q *queue) schedule(planID string, seq int, at time.Time) {
	q.next++
	heap.Push(q, item{planID: planID, seq: seq, releaseAt: at, order: q.next})
}

// popDue removes and returns the earliest item if it is due at now.
func (q *queue) popDue(now time.Time) (item, bool) {
	if len(q.items) == 0 || q.items[0].releaseAt.After(now) {
		return item{}, false
	}
	return heap.Pop(q).(item), true
}

// removePlan drops every item of a plan.
func (q *queue) removePlan(planID string) int {
	kept := q.items[:0]
	removed := 0
	for _, it := range q.items {
		if it.planID == planID {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	heap.Init(q)
	return removed
}
