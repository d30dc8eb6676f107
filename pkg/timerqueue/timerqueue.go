// Package timerqueue implements the min-heap of (deadline, action)
// pairs the tree supervisor uses to schedule Start and Kill actions.
// Entries with equal deadlines fire in FIFO order.
package timerqueue

import (
	"container/heap"
	"time"
)

// Action is the opaque payload scheduled for a deadline. The tree
// stores a Start(Process) or Kill(pid) value here.
type Action any

type entry struct {
	deadline time.Time
	seq      uint64
	action   Action
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(*entry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is a min-heap of (deadline, action) pairs.
type Queue struct {
	h       entryHeap
	nextSeq uint64
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{h: entryHeap{}}
}

// Add schedules action to fire at deadline.
func (q *Queue) Add(deadline time.Time, action Action) {
	heap.Push(&q.h, &entry{deadline: deadline, seq: q.nextSeq, action: action})
	q.nextSeq++
}

// PopUntil drains and returns every action whose deadline is <= now,
// in non-decreasing deadline order (FIFO among equal deadlines).
func (q *Queue) PopUntil(now time.Time) []Action {
	var due []Action
	for q.h.Len() > 0 && !q.h[0].deadline.After(now) {
		e := heap.Pop(&q.h).(*entry)
		due = append(due, e.action)
	}
	return due
}

// PeekTime returns the deadline of the earliest-scheduled action and
// true, or the zero time and false if the queue is empty.
func (q *Queue) PeekTime() (time.Time, bool) {
	if q.h.Len() == 0 {
		return time.Time{}, false
	}
	return q.h[0].deadline, true
}

// Len returns the number of pending actions.
func (q *Queue) Len() int {
	return q.h.Len()
}
