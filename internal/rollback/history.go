package rollback

import (
	"sort"

	"github.com/simple64/netplay-core/internal/input"
)

// ring is a fixed-capacity FIFO. Pushing onto a full ring evicts the oldest
// entry.
type ring[T any] struct {
	data  []T
	head  int
	count int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{data: make([]T, capacity)}
}

func (r *ring[T]) capacity() int { return len(r.data) }

func (r *ring[T]) len() int { return r.count }

// at returns the i'th entry, 0 being the oldest.
func (r *ring[T]) at(i int) T {
	return r.data[(r.head+i)%len(r.data)]
}

func (r *ring[T]) set(i int, v T) {
	r.data[(r.head+i)%len(r.data)] = v
}

func (r *ring[T]) push(v T) (evicted bool) {
	if r.count == len(r.data) {
		r.dropOldest(1)
		evicted = true
	}
	r.data[(r.head+r.count)%len(r.data)] = v
	r.count++
	return evicted
}

func (r *ring[T]) dropOldest(n int) {
	if n > r.count {
		n = r.count
	}
	var zero T
	for i := 0; i < n; i++ {
		r.data[r.head] = zero
		r.head = (r.head + 1) % len(r.data)
	}
	r.count -= n
}

func (r *ring[T]) dropNewest(n int) {
	if n > r.count {
		n = r.count
	}
	var zero T
	for i := 0; i < n; i++ {
		r.count--
		r.data[(r.head+r.count)%len(r.data)] = zero
	}
}

func (r *ring[T]) clear() {
	r.dropOldest(r.count)
	r.head = 0
}

// resize keeps the newest entries that fit the new capacity.
func (r *ring[T]) resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	keep := r.count
	if keep > capacity {
		keep = capacity
	}
	data := make([]T, capacity)
	for i := 0; i < keep; i++ {
		data[i] = r.at(r.count - keep + i)
	}
	r.data = data
	r.head = 0
	r.count = keep
}

// inputLog is the bounded InputHistory. Events stay sorted by
// (TargetFrame, OriginClientID) with arrival order preserved between equal
// keys; when full the event with the oldest target frame is evicted.
type inputLog struct {
	events   []input.Event
	capacity int
}

func newInputLog(capacity int) *inputLog {
	if capacity < 1 {
		capacity = 1
	}
	return &inputLog{capacity: capacity}
}

func (l *inputLog) len() int { return len(l.events) }

func (l *inputLog) insert(ev input.Event) (evicted int) {
	// first index whose key sorts after ev
	i := sort.Search(len(l.events), func(i int) bool {
		return ev.Less(l.events[i])
	})
	l.events = append(l.events, input.Event{})
	copy(l.events[i+1:], l.events[i:])
	l.events[i] = ev
	if over := len(l.events) - l.capacity; over > 0 {
		l.dropFront(over)
		evicted = over
	}
	return evicted
}

// forFrame returns the events targeting frame in application order.
func (l *inputLog) forFrame(frame int64) []input.Event {
	lo := sort.Search(len(l.events), func(i int) bool {
		return l.events[i].TargetFrame >= frame
	})
	hi := lo
	for hi < len(l.events) && l.events[hi].TargetFrame == frame {
		hi++
	}
	return l.events[lo:hi]
}

// between returns a copy of events with start <= TargetFrame <= end.
func (l *inputLog) between(start, end int64) []input.Event {
	var out []input.Event
	for _, ev := range l.events {
		if ev.TargetFrame >= start && ev.TargetFrame <= end {
			out = append(out, ev)
		}
	}
	return out
}

// pruneThrough drops events targeting frame or earlier.
func (l *inputLog) pruneThrough(frame int64) int {
	n := sort.Search(len(l.events), func(i int) bool {
		return l.events[i].TargetFrame > frame
	})
	l.dropFront(n)
	return n
}

func (l *inputLog) dropFront(n int) {
	if n <= 0 {
		return
	}
	l.events = append(l.events[:0], l.events[n:]...)
}

func (l *inputLog) clear() {
	l.events = l.events[:0]
}
