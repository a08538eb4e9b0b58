package pool

import (
	"container/heap"
	"sync"
	"time"
)

// queueItem is an event scheduled for a due time. seq breaks ties so heap
// order stays stable for equal instants.
type queueItem struct {
	at  time.Time
	seq uint64
	ev  event
}

// eventHeap is a min-heap on due time.
type eventHeap []queueItem

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(queueItem)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// eventQueue is the shared time-ordered queue between producers (API calls,
// background dispatch tasks) and the single consumer (the loop). Every push
// signals wakeup so the loop re-inspects the head; the signal is a capacity-1
// latch, so signalling while already set is a no-op and spurious wakeups are
// harmless.
type eventQueue struct {
	mu     sync.Mutex
	items  eventHeap
	seq    uint64
	wakeup chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wakeup: make(chan struct{}, 1)}
}

// push schedules ev for the given due time and signals the loop. A zero time
// sorts before any real instant, so it means "due immediately".
func (q *eventQueue) push(at time.Time, ev event) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, queueItem{at: at, seq: q.seq, ev: ev})
	q.mu.Unlock()

	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

// popDue atomically inspects the head. If it is due at now, it is removed
// and returned with ok=true. Otherwise ok=false and next holds the head's
// due time, or the zero time if the queue is empty.
func (q *eventQueue) popDue(now time.Time) (ev event, ok bool, next time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return event{}, false, time.Time{}
	}
	head := q.items[0]
	if head.at.After(now) {
		return event{}, false, head.at
	}
	heap.Pop(&q.items)
	return head.ev, true, time.Time{}
}

// drain removes and returns every remaining event in due-time order,
// regardless of whether it is due yet. Used only during shutdown.
func (q *eventQueue) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()

	events := make([]event, 0, len(q.items))
	for len(q.items) > 0 {
		item := heap.Pop(&q.items).(queueItem)
		events = append(events, item.ev)
	}
	return events
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
