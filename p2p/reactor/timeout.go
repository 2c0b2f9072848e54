package reactor

import (
	"container/heap"
	"time"
)

// TimerGranularity is the minimum resolution timers are coalesced to.
// Two deadlines within one granularity window fire together, the same way
// the reactor's own readiness loop already only wakes up periodically;
// there's no value in a finer timer resolution than the loop itself
// offers. See TimeoutManager.Register.
const TimerGranularity = time.Second

// timerEntry is one scheduled wakeup, keyed by an arbitrary caller-chosen
// key K (the reactor registers every protocol Wakeup request under its
// single wakeupKey sentinel).
type timerEntry[K any] struct {
	key      K
	deadline time.Time
	index    int
}

// timerHeap implements container/heap.Interface ordered by deadline. This
// generalizes the priority-queue-of-deadlines pattern used to drive a
// single reset-on-demand timer.
type timerHeap[K any] []*timerEntry[K]

func (h timerHeap[K]) Len() int            { return len(h) }
func (h timerHeap[K]) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap[K]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap[K]) Push(x any) {
	e := x.(*timerEntry[K])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap[K]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TimeoutManager schedules keyed wakeups and reports how long the
// reactor should block waiting for the next one. Deadlines are coalesced
// to TimerGranularity so a burst of near-simultaneous registrations
// collapses into a single wake. Multiple entries with the same key are
// permitted — each one fires independently — since every protocol
// Wakeup(duration) intent is registered under one shared key and each
// must still coexist with the others until it individually elapses.
type TimeoutManager[K comparable] struct {
	granularity time.Duration
	heap        timerHeap[K]
}

// NewTimeoutManager constructs a manager coalescing deadlines to the
// given granularity. A granularity of 0 disables coalescing.
func NewTimeoutManager[K comparable](granularity time.Duration) *TimeoutManager[K] {
	return &TimeoutManager[K]{granularity: granularity}
}

// Register schedules a new wakeup for key at now+after, coalesced up to
// the manager's granularity. It never replaces an existing entry for
// key — a key may have any number of independently-firing entries
// pending at once.
func (m *TimeoutManager[K]) Register(key K, now time.Time, after time.Duration) {
	deadline := now.Add(after)
	if m.granularity > 0 {
		deadline = ceilToGranularity(deadline, m.granularity)
	}
	heap.Push(&m.heap, &timerEntry[K]{key: key, deadline: deadline})
}

// ceilToGranularity rounds t up to the next multiple of g, never down —
// coalescing must only ever delay a deadline, never bring a wake forward
// of when the caller asked for it.
func ceilToGranularity(t time.Time, g time.Duration) time.Time {
	truncated := t.Truncate(g)
	if truncated.Before(t) {
		return truncated.Add(g)
	}
	return truncated
}

// Next reports how long the reactor should wait before the next timeout
// fires, given the current time. The second return is false if no
// timeout is pending, in which case the reactor should block
// indefinitely (up to WaitTimeout).
func (m *TimeoutManager[K]) Next(now time.Time) (time.Duration, bool) {
	if len(m.heap) == 0 {
		return 0, false
	}
	d := m.heap[0].deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Wake pops every entry whose deadline has elapsed as of now and appends
// its key to out, returning the extended slice.
func (m *TimeoutManager[K]) Wake(now time.Time, out []K) []K {
	for len(m.heap) > 0 && !m.heap[0].deadline.After(now) {
		e := heap.Pop(&m.heap).(*timerEntry[K])
		out = append(out, e.key)
	}
	return out
}

// Len reports how many timeouts are currently pending.
func (m *TimeoutManager[K]) Len() int {
	return len(m.heap)
}
