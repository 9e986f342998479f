package task

import (
	"context"
	"time"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transitions can leave the status
// except through an explicit reset.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// ProgressUpdate is one snapshot of a running task, parsed from the worker's
// progress stream. It is replaced wholesale on every progress event, never
// merged field by field.
type ProgressUpdate struct {
	TaskID      string  `json:"taskId"`
	Percent     float64 `json:"percent"`
	Speed       float64 `json:"speed"`
	CurrentTime float64 `json:"currentTime"`
	ETA         float64 `json:"eta"`
	OutputSize  int64   `json:"outputSize"`
	Frame       int64   `json:"frame"`
	FPS         float64 `json:"fps"`
}

type EventKind string

const (
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
)

// Event is one entry of a task's event stream. The kinds form a closed set:
// exactly one started event precedes any other event for a task, and exactly
// one of completed/failed/cancelled terminates the stream.
type Event struct {
	Kind          EventKind       `json:"event"`
	TaskID        string          `json:"taskId"`
	TotalDuration float64         `json:"totalDuration,omitempty"` // started only, seconds
	Progress      *ProgressUpdate `json:"progress,omitempty"`      // progress only
	OutputPath    string          `json:"outputPath,omitempty"`    // completed only
	OutputSize    int64           `json:"outputSize,omitempty"`    // completed only
	Elapsed       float64         `json:"elapsed,omitempty"`       // completed only, seconds
	Error         string          `json:"error,omitempty"`         // failed only
}

func Started(taskID string, totalDuration float64) Event {
	return Event{Kind: EventStarted, TaskID: taskID, TotalDuration: totalDuration}
}

func Progressed(p ProgressUpdate) Event {
	return Event{Kind: EventProgress, TaskID: p.TaskID, Progress: &p}
}

func Completed(taskID, outputPath string, outputSize int64, elapsed float64) Event {
	return Event{Kind: EventCompleted, TaskID: taskID, OutputPath: outputPath, OutputSize: outputSize, Elapsed: elapsed}
}

func Failed(taskID, errMsg string) Event {
	return Event{Kind: EventFailed, TaskID: taskID, Error: errMsg}
}

func Cancelled(taskID string) Event {
	return Event{Kind: EventCancelled, TaskID: taskID}
}

// Result is the terminal summary of one task. It is built once, when the
// terminal event arrives, and not mutated afterwards (except for the registry
// merging an error string into its copy, see Registry.UpdateStatus).
type Result struct {
	TaskID     string  `json:"taskId"`
	Status     Status  `json:"status"`
	OutputPath string  `json:"outputPath,omitempty"`
	OutputSize int64   `json:"outputSize,omitempty"`
	Elapsed    float64 `json:"elapsed,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Meta carries the display metadata for one operation. Callers supply it
// explicitly alongside the service function; nothing is inferred from the
// operation's parameters.
type Meta struct {
	Kind       string `json:"kind"`
	InputName  string `json:"inputName"`
	OutputName string `json:"outputName"`
}

// Info is one registry entry. The Registry owns these exclusively;
// controllers request mutations through its API and never hold a private
// copy that is the source of truth.
type Info struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	InputName  string          `json:"inputName"`
	OutputName string          `json:"outputName"`
	Status     Status          `json:"status"`
	Progress   *ProgressUpdate `json:"progress,omitempty"`
	Result     *Result         `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// ServiceFunc is the contract between the core and the worker-invocation
// layer: it launches one unit of work and returns the worker-assigned task id
// once the worker accepts the request. It must eventually deliver a started
// event carrying that same id, followed by any number of progress events and
// exactly one terminal event. Events may arrive from another goroutine, both
// before and after the function returns.
type ServiceFunc func(ctx context.Context, onEvent func(Event)) (string, error)

// CancelFunc requests cancellation of a task by its worker-assigned id.
// Cancellation is advisory: an error (e.g. the task already finished) is
// expected and ignorable.
type CancelFunc func(ctx context.Context, taskID string) error
