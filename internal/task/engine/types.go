package engine

import (
	"context"
	"time"
)

// Config controls the task execution engine.
type Config struct {
	// Workers is the fixed size of the worker pool. A change takes effect on
	// the next Start.
	Workers int

	// QueueSize bounds the number of pending tasks. Submit fails fast with
	// ErrQueueFull when the bound is reached. 0 means unbounded.
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. 0 disables the deadline.
	DefaultTimeout time.Duration

	HistorySize int

	// CascadeFailures fails pending dependents of a failed task with
	// ErrDependencyFailed. When false they stay Pending until Stop.
	CascadeFailures bool
}

// DefaultConfig mirrors the agent defaults: 4 workers, 60s per task,
// failures cascade to dependents.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		DefaultTimeout:  60 * time.Second,
		HistorySize:     200,
		CascadeFailures: true,
	}
}

type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Work is the business logic of a task. snapshot is a private copy of the
// execution context with the task-local context merged on top. A returned
// map[string]any is merged into the shared context on success.
//
// ctx is canceled on timeout or Stop; Work should return promptly when it is.
type Work func(ctx context.Context, snapshot map[string]any) (any, error)

// Task is a request for work.
type Task struct {
	Name         string
	Work         Work
	Priority     int
	Dependencies []string
	Context      map[string]any
	Timeout      time.Duration

	// OnComplete is called exactly once on its own goroutine after the task
	// reaches a terminal state.
	OnComplete func(Info)
}

// Info is a point-in-time copy of a task record.
type Info struct {
	ID           string
	Name         string
	Priority     int
	Dependencies []string
	Status       Status
	Result       any
	Err          error

	Submitted time.Time
	Started   time.Time
	Finished  time.Time
}

// QueueDelay is the time spent pending before dispatch.
func (i Info) QueueDelay() time.Duration {
	if i.Started.IsZero() {
		return 0
	}
	return i.Started.Sub(i.Submitted)
}

// Duration is the time spent running.
func (i Info) Duration() time.Duration {
	if i.Started.IsZero() || i.Finished.IsZero() {
		return 0
	}
	return i.Finished.Sub(i.Started)
}

type HistoryItem struct {
	ID         string
	Name       string
	Status     Status
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// Event types published on the bus.
const (
	EventSubmitted = "task.submitted"
	EventStarted   = "task.started"
	EventCompleted = "task.completed"
	EventFailed    = "task.failed"
)

// TaskEvent is the Data of task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Status     string        `json:"status"`
	Priority   int           `json:"priority"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Stopping bool
	Workers  int
	Pending  int
	InFlight int

	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64

	QueueSize       int
	DefaultTimeout  time.Duration
	CascadeFailures bool

	History []HistoryItem
}
