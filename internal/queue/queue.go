package queue

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Policy controls delivery of one job.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// Backoff is the fixed delay between attempts.
	Backoff time.Duration

	// RemoveOnComplete drops finished jobs instead of keeping them for
	// inspection through Completed.
	RemoveOnComplete bool
}

// DefaultPolicy is 3 attempts, 1s fixed backoff, remove on complete.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Backoff: time.Second, RemoveOnComplete: true}
}

// Job is one unit of work.
type Job[T any] struct {
	ID         string
	Key        string
	Data       T
	Policy     Policy
	Attempt    int
	EnqueuedAt time.Time
}

// Handler processes a job. A nil return completes it.
type Handler[T any] func(ctx context.Context, job Job[T]) error

// DefaultFailureLimit is how many dropped jobs a queue keeps for Failed.
const DefaultFailureLimit = 1000

// Failure records a job dropped after its last attempt.
type Failure[T any] struct {
	Job Job[T]
	Err error
}

// Queue is a keyed job queue. See the package doc for ordering guarantees.
type Queue[T any] struct {
	lanes   []*lane[T]
	handler Handler[T]
	logger  *slog.Logger
	ids     IDGenerator
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu           sync.Mutex
	closed       bool
	completed    []Job[T]
	failed       []Failure[T]
	failureLimit int
	failedTotal  int
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithLanes sets the number of lanes. Values below 1 mean 1.
func WithLanes[T any](n int) Option[T] {
	return func(q *Queue[T]) {
		if n < 1 {
			n = 1
		}
		q.lanes = make([]*lane[T], n)
	}
}

// WithLogger sets the logger for retries and dropped jobs.
func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(q *Queue[T]) { q.logger = l }
}

// WithIDGenerator overrides the UUIDv7 job id generator.
func WithIDGenerator[T any](g IDGenerator) Option[T] {
	return func(q *Queue[T]) { q.ids = g }
}

// WithSleep overrides how backoff delays are waited out.
func WithSleep[T any](sleep func(ctx context.Context, d time.Duration) error) Option[T] {
	return func(q *Queue[T]) { q.sleep = sleep }
}

// WithFailureLimit keeps only the n most recent dropped jobs for Failed.
// Zero or less keeps none; FailedCount still counts every drop.
func WithFailureLimit[T any](n int) Option[T] {
	return func(q *Queue[T]) { q.failureLimit = max(n, 0) }
}

// New creates a queue delivering jobs to h. It has one lane unless WithLanes is given.
func New[T any](h Handler[T], opts ...Option[T]) *Queue[T] {
	q := &Queue[T]{
		lanes:   make([]*lane[T], 1),
		handler: h,
		logger:  slog.Default(),
		ids:     UUIDv7Generator{},
		now:     time.Now,
		sleep:   sleepContext,

		failureLimit: DefaultFailureLimit,
	}
	for _, opt := range opts {
		opt(q)
	}
	for i := range q.lanes {
		q.lanes[i] = newLane[T]()
	}
	return q
}

// Lanes returns the number of lanes.
func (q *Queue[T]) Lanes() int {
	return len(q.lanes)
}

// laneFor maps a key onto a lane index.
func (q *Queue[T]) laneFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(q.lanes)))
}

// Enqueue adds a job for key. Jobs with the same key are handled in order.
// Safe for concurrent use. Returns ErrClosed after Close.
func (q *Queue[T]) Enqueue(key string, data T, policy Policy) (Job[T], error) {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	job := Job[T]{
		ID:         q.ids.Generate(),
		Key:        key,
		Data:       data,
		Policy:     policy,
		EnqueuedAt: q.now(),
	}
	if !q.lanes[q.laneFor(key)].push(job) {
		return Job[T]{}, ErrClosed
	}
	return job, nil
}

// Len returns the number of jobs waiting across all lanes.
func (q *Queue[T]) Len() int {
	n := 0
	for _, l := range q.lanes {
		n += l.len()
	}
	return n
}

// Close stops accepting jobs. Run returns once queued jobs are drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	for _, l := range q.lanes {
		l.close()
	}
}

// Run consumes every lane until Close drains them or ctx is cancelled.
// Returns ctx.Err() on cancellation and nil after a drain.
func (q *Queue[T]) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range q.lanes {
		g.Go(func() error {
			return q.consume(ctx, l)
		})
	}
	return g.Wait()
}

func (q *Queue[T]) consume(ctx context.Context, l *lane[T]) error {
	for {
		job, ok, done := l.tryPop()
		if done {
			return nil
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.wait():
			}
			continue
		}
		if err := q.deliver(ctx, job); err != nil {
			return err
		}
	}
}

// deliver runs the handler until success, a permanent error or the last attempt.
// Only context cancellation is returned; job failures are recorded.
func (q *Queue[T]) deliver(ctx context.Context, job Job[T]) error {
	var err error
	for attempt := 1; attempt <= job.Policy.Attempts; attempt++ {
		job.Attempt = attempt
		err = q.handler(ctx, job)
		if err == nil {
			q.complete(job)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsPermanent(err) || attempt == job.Policy.Attempts {
			break
		}
		q.logger.Warn("job attempt failed, retrying",
			"job_id", job.ID,
			"key", job.Key,
			"attempt", attempt,
			"backoff", job.Policy.Backoff,
			"error", err,
		)
		if serr := q.sleep(ctx, job.Policy.Backoff); serr != nil {
			return serr
		}
	}

	q.logger.Error("job failed, dropping",
		"job_id", job.ID,
		"key", job.Key,
		"attempts", job.Attempt,
		"permanent", IsPermanent(err),
		"error", err,
	)
	q.recordFailure(Failure[T]{Job: job, Err: err})
	return nil
}

// recordFailure keeps f, evicting the oldest failure once the limit is hit.
func (q *Queue[T]) recordFailure(f Failure[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failedTotal++
	switch {
	case q.failureLimit == 0:
	case len(q.failed) < q.failureLimit:
		q.failed = append(q.failed, f)
	default:
		copy(q.failed, q.failed[1:])
		q.failed[len(q.failed)-1] = f
	}
}

func (q *Queue[T]) complete(job Job[T]) {
	if job.Policy.RemoveOnComplete {
		return
	}
	q.mu.Lock()
	q.completed = append(q.completed, job)
	q.mu.Unlock()
}

// Completed returns finished jobs whose policy kept them.
func (q *Queue[T]) Completed() []Job[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job[T](nil), q.completed...)
}

// Failed returns the most recent jobs dropped after exhausting their
// attempts, oldest first, up to the failure limit.
func (q *Queue[T]) Failed() []Failure[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Failure[T](nil), q.failed...)
}

// FailedCount returns the number of jobs dropped since the queue was created.
func (q *Queue[T]) FailedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failedTotal
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsCancelled reports whether err is a context cancellation returned by Run.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
