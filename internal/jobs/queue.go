package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/pdfchat/internal/apperr"
	"github.com/kalambet/pdfchat/internal/metrics"
)

const (
	defaultWorkers     = 1
	defaultRetention   = time.Hour
	defaultSubBuffer   = 16
	pruneCheckInterval = time.Minute
)

// Processor runs one job and returns the value recorded as its result.
// A returned error, or a panic, fails the job with the error text as reason.
type Processor func(ctx context.Context, job Job) (any, error)

// Queue is an in-process FIFO of jobs.
//
// Jobs are dispatched in submission order by a single drain loop (Run) onto
// a worker pool. With the default pool size of one, jobs are strictly
// serialized: no two jobs are ever active at the same time. Nothing is
// persisted; jobs live until pruned or the process exits.
//
// Lifecycle: construct with NewQueue, register a processor with
// SetProcessor, then call Run in its own goroutine. Cancelling the context
// passed to Run waits for in-flight jobs, closes every subscription and makes
// further Enqueue calls fail with ErrClosed.
type Queue struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	pending   []string
	counts    map[State]int
	processor Processor
	subs      map[*Subscription]struct{}
	closed    bool

	wake    chan struct{}
	running atomic.Bool

	workers   int
	subBuffer int
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithWorkers sets the worker pool size. Values below one are ignored.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n >= 1 {
			q.workers = n
		}
	}
}

// WithRetention sets how long terminal jobs stay readable through Get.
// Zero or negative disables pruning.
func WithRetention(d time.Duration) Option {
	return func(q *Queue) { q.retention = d }
}

// WithEventBuffer sets the per-subscription channel capacity.
func WithEventBuffer(n int) Option {
	return func(q *Queue) {
		if n >= 1 {
			q.subBuffer = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		jobs:      make(map[string]*Job),
		counts:    make(map[State]int),
		subs:      make(map[*Subscription]struct{}),
		wake:      make(chan struct{}, 1),
		workers:   defaultWorkers,
		subBuffer: defaultSubBuffer,
		retention: defaultRetention,
		now:       time.Now,
		logger:    slog.Default().With("component", "jobs"),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// SetProcessor registers the function that runs jobs and wakes the drain
// loop. Jobs enqueued before a processor is registered wait for it.
func (q *Queue) SetProcessor(p Processor) {
	q.mu.Lock()
	q.processor = p
	q.mu.Unlock()
	q.signal()
}

// Enqueue appends a job in state waiting and returns a snapshot of it. It
// never blocks on processing.
func (q *Queue) Enqueue(p Payload) (Job, error) {
	if p == nil {
		return Job{}, fmt.Errorf("%w: job payload is required", apperr.ErrValidation)
	}

	now := q.now()
	job := &Job{
		ID:        ulid.Make().String(),
		Kind:      p.Kind(),
		Payload:   p,
		State:     StateWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Job{}, ErrClosed
	}
	q.jobs[job.ID] = job
	q.pending = append(q.pending, job.ID)
	q.counts[StateWaiting]++
	q.publishLocked(Event{Type: EventWaiting, JobID: job.ID, Kind: job.Kind, At: now})
	snapshot := *job
	q.publishCountsLocked()
	q.mu.Unlock()

	metrics.JobEnqueued(string(job.Kind))
	q.logger.Debug("job enqueued", "job_id", job.ID, "kind", job.Kind)
	q.signal()
	return snapshot, nil
}

// Get returns a snapshot of the job with the given id.
func (q *Queue) Get(id string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *job, nil
}

// Stats returns the number of held jobs per state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Waiting:   q.counts[StateWaiting],
		Active:    q.counts[StateActive],
		Completed: q.counts[StateCompleted],
		Failed:    q.counts[StateFailed],
	}
}

// Run drains the queue until ctx is cancelled. Only one Run may be active
// per queue; a second concurrent call returns ErrAlreadyRunning.
func (q *Queue) Run(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer q.running.Store(false)

	pool, err := ants.NewPool(q.workers, ants.WithLogger(antsLogger{q.logger}))
	if err != nil {
		return fmt.Errorf("creating worker pool: %w", err)
	}
	defer pool.Release()

	prune := time.NewTicker(pruneCheckInterval)
	defer prune.Stop()

	slots := semaphore.NewWeighted(int64(q.workers))
	var inflight sync.WaitGroup
	q.signal()
	q.logger.Info("job queue started", "workers", q.workers)

	for {
		select {
		case <-ctx.Done():
			inflight.Wait()
			q.shutdown()
			q.logger.Info("job queue stopped")
			return nil
		case <-prune.C:
			q.prune()
		case <-q.wake:
			q.drain(ctx, pool, slots, &inflight)
		}
	}
}

// drain activates pending jobs in FIFO order and hands them to the pool.
// A job only becomes active once a worker slot is free, so activation order
// is submission order for any pool size and a single-worker pool stays serial.
func (q *Queue) drain(ctx context.Context, pool *ants.Pool, slots *semaphore.Weighted, inflight *sync.WaitGroup) {
	for ctx.Err() == nil {
		if err := slots.Acquire(ctx, 1); err != nil {
			return
		}
		job, proc, ok := q.next()
		if !ok {
			slots.Release(1)
			return
		}
		inflight.Add(1)
		err := pool.Submit(func() {
			defer inflight.Done()
			defer slots.Release(1)
			q.execute(ctx, job, proc)
		})
		if err != nil {
			inflight.Done()
			slots.Release(1)
			q.logger.Error("submitting job to pool", "job_id", job.ID, "error", err)
			q.transition(job.ID, StateFailed, nil, fmt.Sprintf("submitting job: %v", err))
		}
	}
}

// next pops the head of the queue and moves it to active.
func (q *Queue) next() (Job, Processor, bool) {
	for {
		q.mu.Lock()
		if q.processor == nil || len(q.pending) == 0 {
			q.mu.Unlock()
			return Job{}, nil, false
		}
		id := q.pending[0]
		q.pending[0] = ""
		q.pending = q.pending[1:]
		proc := q.processor
		q.mu.Unlock()

		if job, ok := q.transition(id, StateActive, nil, ""); ok {
			return job, proc, true
		}
	}
}

func (q *Queue) execute(ctx context.Context, job Job, proc Processor) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job processor panicked", "job_id", job.ID, "panic", r)
			q.transition(job.ID, StateFailed, nil, fmt.Sprintf("processor panic: %v", r))
		}
	}()

	result, err := proc(ctx, job)
	if err != nil {
		q.logger.Warn("job failed", "job_id", job.ID, "kind", job.Kind, "error", err)
		q.transition(job.ID, StateFailed, nil, err.Error())
		return
	}
	q.transition(job.ID, StateCompleted, result, "")
}

// transition moves a job to next and emits the matching event. It refuses
// any move the state machine does not allow, so terminal states never change.
func (q *Queue) transition(id string, next State, result any, reason string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok || !job.State.canMoveTo(next) {
		return Job{}, false
	}

	now := q.now()
	q.counts[job.State]--
	q.counts[next]++
	job.State = next
	job.UpdatedAt = now
	if next == StateActive {
		job.StartedAt = now
	}
	if next.Terminal() {
		job.Result = result
		job.FailureReason = reason
		job.Payload = job.Payload.withoutData()
		metrics.JobFinished(string(job.Kind), string(next), now.Sub(job.StartedAt))
	}

	q.publishLocked(Event{
		Type:          EventType(next),
		JobID:         id,
		Kind:          job.Kind,
		Result:        result,
		FailureReason: reason,
		At:            now,
	})
	q.publishCountsLocked()
	q.logger.Debug("job transition", "job_id", id, "state", next)
	return *job, true
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// prune forgets terminal jobs whose last update is older than the retention.
func (q *Queue) prune() {
	if q.retention <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.now().Add(-q.retention)
	removed := 0
	for id, job := range q.jobs {
		if job.State.Terminal() && job.UpdatedAt.Before(cutoff) {
			q.counts[job.State]--
			delete(q.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		q.publishCountsLocked()
		q.logger.Debug("pruned terminal jobs", "count", removed)
	}
}

func (q *Queue) shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for s := range q.subs {
		delete(q.subs, s)
		close(s.ch)
	}
	if len(q.pending) > 0 {
		q.logger.Warn("job queue stopped with pending jobs", "pending", len(q.pending))
	}
}

func (q *Queue) publishCountsLocked() {
	metrics.SetJobsInState(map[string]int{
		string(StateWaiting):   q.counts[StateWaiting],
		string(StateActive):    q.counts[StateActive],
		string(StateCompleted): q.counts[StateCompleted],
		string(StateFailed):    q.counts[StateFailed],
	})
}

type antsLogger struct {
	l *slog.Logger
}

func (a antsLogger) Printf(format string, args ...any) {
	a.l.Warn(fmt.Sprintf(format, args...))
}
