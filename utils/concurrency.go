package utils

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// QueuePolicy configures one RateLimitedQueue.
type QueuePolicy struct {
	Name string
	// MaxConcurrency caps tasks executing at the same time.
	MaxConcurrency int
	// MaxStarts caps task starts per Window. Zero disables the rate cap.
	MaxStarts int
	Window    time.Duration
}

// QueueObserver receives queue telemetry. Implementations must be safe for
// concurrent use.
type QueueObserver interface {
	ObserveQueueWait(queue string, wait time.Duration)
	SetQueueInflight(queue string, n int)
}

// RateLimitedQueue admits tasks under a concurrency cap and a start-rate cap.
// Starts are granted in submission order; completions are unordered.
type RateLimitedQueue struct {
	name      string
	turnstile *semaphore.Weighted
	slots     *semaphore.Weighted
	window    *startWindow
	observer  QueueObserver

	inflight atomic.Int64
	waiting  atomic.Int64
}

// NewRateLimitedQueue creates a queue from the given policy.
func NewRateLimitedQueue(p QueuePolicy, observer QueueObserver) *RateLimitedQueue {
	maxConc := p.MaxConcurrency
	if maxConc < 1 {
		maxConc = 1
	}
	q := &RateLimitedQueue{
		name:      p.Name,
		turnstile: semaphore.NewWeighted(1),
		slots:     semaphore.NewWeighted(int64(maxConc)),
		observer:  observer,
	}
	if p.MaxStarts > 0 && p.Window > 0 {
		q.window = &startWindow{limit: p.MaxStarts, period: p.Window}
	}
	return q
}

// Name returns the policy name the queue was built with.
func (q *RateLimitedQueue) Name() string { return q.name }

// Inflight returns the number of tasks currently executing.
func (q *RateLimitedQueue) Inflight() int { return int(q.inflight.Load()) }

// Waiting returns the number of submitted tasks not yet started.
func (q *RateLimitedQueue) Waiting() int { return int(q.waiting.Load()) }

// Submit blocks until both caps admit the task, runs it and returns its
// error. The only error Submit adds on its own is ctx.Err() while waiting.
func (q *RateLimitedQueue) Submit(ctx context.Context, task func(ctx context.Context) error) error {
	enqueued := time.Now()
	q.waiting.Add(1)
	if err := q.admit(ctx); err != nil {
		q.waiting.Add(-1)
		return err
	}
	q.waiting.Add(-1)
	defer q.slots.Release(1)

	if q.observer != nil {
		q.observer.ObserveQueueWait(q.name, time.Since(enqueued))
	}
	q.setInflight(q.inflight.Add(1))
	defer func() { q.setInflight(q.inflight.Add(-1)) }()

	return task(ctx)
}

// admit takes the turnstile so only the head of the line competes for a
// slot and a window start; the turnstile semaphore queues waiters FIFO.
func (q *RateLimitedQueue) admit(ctx context.Context) error {
	if err := q.turnstile.Acquire(ctx, 1); err != nil {
		return err
	}
	defer q.turnstile.Release(1)

	if err := q.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := q.window.wait(ctx); err != nil {
		q.slots.Release(1)
		return err
	}
	return nil
}

func (q *RateLimitedQueue) setInflight(n int64) {
	if q.observer != nil {
		q.observer.SetQueueInflight(q.name, int(n))
	}
}

// Submit runs task through q and returns its value.
func Submit[T any](ctx context.Context, q *RateLimitedQueue, task func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := q.Submit(ctx, func(ctx context.Context) error {
		v, err := task(ctx)
		out = v
		return err
	})
	return out, err
}

// startWindow is a sliding window over recent task start times.
type startWindow struct {
	mu     sync.Mutex
	limit  int
	period time.Duration
	starts []time.Time
}

func (w *startWindow) wait(ctx context.Context) error {
	if w == nil {
		return nil
	}
	for {
		w.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-w.period)
		i := 0
		for i < len(w.starts) && !w.starts[i].After(cutoff) {
			i++
		}
		w.starts = w.starts[i:]

		if len(w.starts) < w.limit {
			w.starts = append(w.starts, now)
			w.mu.Unlock()
			return nil
		}
		delay := w.starts[0].Add(w.period).Sub(now)
		w.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// URLSet is a thread-safe set for tracking visited URLs. It remembers
// insertion order.
type URLSet struct {
	mu    sync.RWMutex
	seen  map[string]struct{}
	order []string
}

// NewURLSet creates an empty URLSet.
func NewURLSet() *URLSet {
	return &URLSet{seen: make(map[string]struct{})}
}

// Add returns true if the URL was newly added, false if already present.
func (s *URLSet) Add(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.seen[url]; exists {
		return false
	}
	s.seen[url] = struct{}{}
	s.order = append(s.order, url)
	return true
}

// Contains returns true if the URL has already been visited.
func (s *URLSet) Contains(url string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.seen[url]
	return exists
}

// Size returns the number of unique URLs tracked.
func (s *URLSet) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}

// Values returns the URLs in the order they were first added.
func (s *URLSet) Values() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
