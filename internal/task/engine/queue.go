package engine

import "container/heap"

// readyQueue orders pending records by effective priority (high first) and
// insertion sequence (FIFO among equals).
type readyQueue []*record

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].effPriority != q[j].effPriority {
		return q[i].effPriority > q[j].effPriority
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	r := x.(*record)
	r.index = len(*q)
	*q = append(*q, r)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*q = old[:n-1]
	return r
}

func (q *readyQueue) remove(r *record) {
	if r.index < 0 || r.index >= len(*q) || (*q)[r.index] != r {
		return
	}
	heap.Remove(q, r.index)
}
