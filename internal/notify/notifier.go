// Package notify bridges job queue transitions to per-job live streams.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kalambet/pdfchat/internal/jobs"
	"github.com/kalambet/pdfchat/internal/metrics"
)

// EventTimeout is the synthetic terminal event sent when a job does not
// finish within the watch ceiling.
const EventTimeout jobs.EventType = "timeout"

const (
	defaultTimeout   = 60 * time.Second
	defaultHeartbeat = 15 * time.Second
)

// EventSource is the subscription side of the job queue.
type EventSource interface {
	Subscribe(filter func(jobs.Event) bool) *jobs.Subscription
}

// Lookup returns the current snapshot of a job.
type Lookup interface {
	Get(id string) (jobs.Job, error)
}

// Notifier watches single jobs. It does not replay history. With a Lookup
// configured, a job that is already finished when the watch starts yields
// its terminal event from the snapshot; without one, callers fall back to
// polling the job's status.
type Notifier struct {
	source    EventSource
	lookup    Lookup
	timeout   time.Duration
	heartbeat time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

type Option func(*Notifier)

// WithTimeout sets the ceiling after which a watch ends with EventTimeout.
func WithTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// WithHeartbeat sets the interval of SSE keep-alive comments. Zero or
// negative disables them.
func WithHeartbeat(d time.Duration) Option {
	return func(n *Notifier) { n.heartbeat = d }
}

// WithLookup lets Watch report jobs that finished before it subscribed.
func WithLookup(l Lookup) Option {
	return func(n *Notifier) { n.lookup = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

func New(source EventSource, opts ...Option) *Notifier {
	n := &Notifier{
		source:    source,
		timeout:   defaultTimeout,
		heartbeat: defaultHeartbeat,
		now:       time.Now,
		logger:    slog.Default().With("component", "notify"),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Watch streams the transitions of one job. The channel carries active
// events, then at most one terminal event (completed, failed or
// EventTimeout), and is then closed. Cancelling ctx closes it without a
// terminal event. The queue subscription is released on every path.
func (n *Notifier) Watch(ctx context.Context, jobID string) <-chan jobs.Event {
	out := make(chan jobs.Event, 1)
	sub := n.source.Subscribe(jobs.ForJob(jobID))

	go func() {
		defer close(out)
		defer sub.Close()

		send := func(e jobs.Event) bool {
			select {
			case out <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// The subscription is live, so a job finishing after this check
		// still reaches us through it.
		if e, ok := n.finished(jobID); ok {
			send(e)
			return
		}

		timer := time.NewTimer(n.timeout)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				n.logger.Debug("watch cancelled", "job_id", jobID)
				return
			case <-timer.C:
				n.logger.Debug("watch timed out", "job_id", jobID, "after", n.timeout)
				send(jobs.Event{Type: EventTimeout, JobID: jobID, At: n.now()})
				return
			case e, ok := <-sub.Events():
				if !ok {
					// Queue shut down.
					return
				}
				if e.Type == jobs.EventWaiting {
					continue
				}
				if !send(e) || e.Type.Terminal() {
					return
				}
			}
		}
	}()
	return out
}

func (n *Notifier) finished(jobID string) (jobs.Event, bool) {
	if n.lookup == nil {
		return jobs.Event{}, false
	}
	job, err := n.lookup.Get(jobID)
	if err != nil || !job.State.Terminal() {
		return jobs.Event{}, false
	}
	return jobs.Event{
		Type:          jobs.EventType(job.State),
		JobID:         job.ID,
		Kind:          job.Kind,
		Result:        job.Result,
		FailureReason: job.FailureReason,
		At:            job.UpdatedAt,
	}, true
}

// ServeSSE writes the job's events as a server-sent event stream until the
// terminal event, the timeout or client disconnect. The caller is expected
// to have checked that the job exists.
func (n *Notifier) ServeSSE(w http.ResponseWriter, r *http.Request, jobID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events := n.Watch(r.Context(), jobID)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.SSEStreamOpened()
	defer metrics.SSEStreamClosed()

	var ping <-chan time.Time
	if n.heartbeat > 0 {
		t := time.NewTicker(n.heartbeat)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, e); err != nil {
				n.logger.Debug("writing sse event", "job_id", jobID, "error", err)
				return
			}
			flusher.Flush()
		case <-ping:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e jobs.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}
