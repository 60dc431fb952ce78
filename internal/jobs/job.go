// Package jobs implements the in-process ingestion queue: a FIFO of jobs, a
// per-job state machine, and channel subscriptions to state transitions.
package jobs

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get for unknown or pruned job ids.
	ErrNotFound = errors.New("job not found")

	// ErrClosed is returned by Enqueue after the queue has shut down.
	ErrClosed = errors.New("job queue closed")

	// ErrAlreadyRunning is returned when Run is called on a queue whose drain
	// loop is already running.
	ErrAlreadyRunning = errors.New("job queue already running")
)

// State is the lifecycle position of a job. Transitions only move forward:
// waiting, then active, then exactly one of completed or failed.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s State) canMoveTo(next State) bool {
	switch s {
	case StateWaiting:
		return next == StateActive
	case StateActive:
		return next.Terminal()
	default:
		return false
	}
}

// Kind tags the payload variant a job carries.
type Kind string

const KindIngest Kind = "ingest"

// Payload is the kind-specific data of a job. The set of variants is closed:
// each kind has one struct in this package.
type Payload interface {
	Kind() Kind

	// withoutData returns a copy with bulky input released. Called once the
	// job is terminal.
	withoutData() Payload
}

// IngestPayload asks the worker to index one PDF for a user.
type IngestPayload struct {
	UserID   string `json:"userId"`
	DocID    string `json:"docId"`
	Filename string `json:"filename,omitempty"`
	Data     []byte `json:"-"`
}

func (IngestPayload) Kind() Kind { return KindIngest }

func (p IngestPayload) withoutData() Payload {
	p.Data = nil
	return p
}

// Job is a snapshot of one unit of work. Values returned by the queue are
// copies; mutating them has no effect on the queue.
type Job struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	Payload       Payload   `json:"payload"`
	State         State     `json:"state"`
	Result        any       `json:"result,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	StartedAt     time.Time `json:"startedAt,omitzero"`
}

// EventType names a transition. The queue emits one event per state it moves
// a job into, so its values mirror State.
type EventType string

const (
	EventWaiting   EventType = EventType(StateWaiting)
	EventActive    EventType = EventType(StateActive)
	EventCompleted EventType = EventType(StateCompleted)
	EventFailed    EventType = EventType(StateFailed)
)

// Terminal reports whether the event ends a job's lifecycle.
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventFailed
}

// Event describes one transition of one job.
type Event struct {
	Type          EventType `json:"type"`
	JobID         string    `json:"jobId"`
	Kind          Kind      `json:"kind,omitempty"`
	Result        any       `json:"result,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
	At            time.Time `json:"at"`
}

// Stats is a point-in-time count of held jobs per state.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
