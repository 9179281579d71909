// Package workqueue is a rate-limited two-priority FIFO with a single
// consumer and any number of producers.
package workqueue

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Queue holds pending items. High-priority items always pop before
// low-priority ones; order within a priority is FIFO.
type Queue[T any] struct {
	mu      sync.Mutex
	high    []T
	low     []T
	notify  chan struct{}
	limiter *rate.Limiter
}

// New builds a queue that releases at most one item per period.
// A non-positive period disables throttling.
func New[T any](period time.Duration) *Queue[T] {
	q := &Queue[T]{notify: make(chan struct{}, 1)}
	if period > 0 {
		q.limiter = rate.NewLimiter(rate.Every(period), 1)
	}
	return q
}

func (q *Queue[T]) Put(item T, lowPriority bool) {
	q.mu.Lock()
	if lowPriority {
		q.low = append(q.low, item)
	} else {
		q.high = append(q.high, item)
	}
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.low)
}

// Get waits up to timeout for an item. ok is false when nothing could be
// released in time. ignoreThrottling bypasses the rate limiter.
func (q *Queue[T]) Get(timeout time.Duration, ignoreThrottling bool) (item T, ok bool) {
	deadline := time.Now().Add(timeout)
	if !q.waitForItem(deadline) {
		return item, false
	}

	if !ignoreThrottling && q.limiter != nil {
		r := q.limiter.Reserve()
		delay := r.Delay()
		if remaining := time.Until(deadline); delay > remaining {
			r.Cancel()
			if remaining > 0 {
				time.Sleep(remaining)
			}
			return item, false
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}
	return q.pop()
}

func (q *Queue[T]) waitForItem(deadline time.Time) bool {
	for {
		if q.Len() > 0 {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
			return q.Len() > 0
		}
	}
}

func (q *Queue[T]) pop() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	switch {
	case len(q.high) > 0:
		item = q.high[0]
		q.high[0] = zero
		q.high = q.high[1:]
	case len(q.low) > 0:
		item = q.low[0]
		q.low[0] = zero
		q.low = q.low[1:]
	default:
		return item, false
	}
	return item, true
}
