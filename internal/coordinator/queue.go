package coordinator

import "container/heap"

// waitQueue orders jobs waiting for a run slot: higher priority first, then
// earliest deadline (jobs with a deadline before jobs without), then
// submission order.
type waitQueue []*run

var _ heap.Interface = (*waitQueue)(nil)

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if ra, rb := a.job.Priority.Rank(), b.job.Priority.Rank(); ra != rb {
		return ra > rb
	}
	da, db := a.job.Deadline, b.job.Deadline
	switch {
	case da != nil && db != nil && !da.Equal(*db):
		return da.Before(*db)
	case da != nil && db == nil:
		return true
	case da == nil && db != nil:
		return false
	}
	return a.seq < b.seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	r := x.(*run)
	r.index = len(*q)
	*q = append(*q, r)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*q = old[:n-1]
	return r
}
