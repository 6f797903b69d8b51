package queue

import "sync"

// lane is a thread-safe unbounded FIFO of jobs.
//
// The signal channel (buffered, size 1) lets the consumer wait with select
// alongside ctx.Done().
type lane[T any] struct {
	mu     sync.Mutex
	jobs   []Job[T]
	closed bool
	signal chan struct{}
}

func newLane[T any]() *lane[T] {
	return &lane[T]{
		jobs:   make([]Job[T], 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// push appends a job. Returns false if the lane is closed.
func (l *lane[T]) push(j Job[T]) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}

	l.jobs = append(l.jobs, j)

	// Non-blocking: the buffer of 1 coalesces signals
	select {
	case l.signal <- struct{}{}:
	default:
	}

	return true
}

// tryPop removes the front job without blocking.
// done is true once the lane is closed and empty.
func (l *lane[T]) tryPop() (j Job[T], ok bool, done bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.jobs) == 0 {
		return Job[T]{}, false, l.closed
	}

	j = l.jobs[0]

	// Zero the slot so the backing array does not retain job data
	var zero Job[T]
	l.jobs[0] = zero

	if len(l.jobs) == 1 {
		l.jobs = l.jobs[:0]
	} else {
		l.jobs = l.jobs[1:]
	}

	return j, true, false
}

// wait returns a channel that signals when jobs may be available.
func (l *lane[T]) wait() <-chan struct{} {
	return l.signal
}

func (l *lane[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.jobs)
}

// close stops accepting jobs and wakes the consumer.
func (l *lane[T]) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	l.closed = true
	close(l.signal)
}
