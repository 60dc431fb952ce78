package jobs

import (
	"sync"

	"github.com/kalambet/pdfchat/internal/metrics"
)

// Subscription receives the transition events accepted by its filter.
// Close it when done; the queue also closes every subscription on shutdown.
type Subscription struct {
	q      *Queue
	filter func(Event) bool
	ch     chan Event
	once   sync.Once
}

// Subscribe registers a listener for transition events. A nil filter
// accepts every event. Events that do not fit in the subscriber's buffer are
// dropped and counted rather than stalling the queue.
func (q *Queue) Subscribe(filter func(Event) bool) *Subscription {
	s := &Subscription{
		q:      q,
		filter: filter,
		ch:     make(chan Event, q.subBuffer),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		close(s.ch)
		return s
	}
	q.subs[s] = struct{}{}
	return s
}

// ForJob returns a filter matching events of one job.
func ForJob(id string) func(Event) bool {
	return func(e Event) bool { return e.JobID == id }
}

// Events returns the receive side. It is closed after Close or queue shutdown.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close unsubscribes. Safe to call more than once and after shutdown.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.q.mu.Lock()
		defer s.q.mu.Unlock()
		if _, ok := s.q.subs[s]; ok {
			delete(s.q.subs, s)
			close(s.ch)
		}
	})
}

// publishLocked fans e out to matching subscribers. Caller holds q.mu, which
// keeps per-subscriber delivery in transition order and excludes Close.
func (q *Queue) publishLocked(e Event) {
	for s := range q.subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			metrics.JobEventDropped()
			q.logger.Warn("dropping job event for slow subscriber", "job_id", e.JobID, "event", e.Type)
		}
	}
}
