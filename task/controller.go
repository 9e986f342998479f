package task

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// Controller tracks one operation end to end: it launches a unit of work
// through a caller-supplied service function, consumes the event stream,
// mirrors status/progress/result locally for the initiating view, and keeps
// the shared Registry synchronized so that unrelated observers see the task
// too.
//
// The registry handle is injected; controllers never reach for ambient state.
type Controller struct {
	registry *Registry
	cancelFn CancelFunc

	mu            sync.Mutex
	status        Status
	progress      *ProgressUpdate
	result        *Result
	errMsg        string
	taskID        string // worker-assigned, empty until the started event
	tempID        string // placeholder id used until the worker replies
	totalDuration float64
}

func NewController(registry *Registry, cancelFn CancelFunc) *Controller {
	return &Controller{
		registry: registry,
		cancelFn: cancelFn,
		status:   StatusIdle,
	}
}

// Execute launches one invocation of fn. It returns once the worker has
// accepted the request (or refused to launch); completion is observed through
// Status/Result, not through Execute's return.
//
// The task is registered under a freshly generated temporary id before fn is
// invoked, so a global running-count indicator reflects the operation
// immediately, before the worker has replied at all. The started event
// substitutes the worker-assigned id for the temporary one.
func (c *Controller) Execute(ctx context.Context, meta Meta, fn ServiceFunc) error {
	c.mu.Lock()
	tempID := "pending_" + shortuuid.New()
	c.status = StatusRunning
	c.progress = nil
	c.result = nil
	c.errMsg = ""
	c.taskID = ""
	c.tempID = tempID
	c.mu.Unlock()

	c.registry.Add(Info{
		ID:         tempID,
		Kind:       meta.Kind,
		InputName:  meta.InputName,
		OutputName: meta.OutputName,
		Status:     StatusRunning,
		CreatedAt:  time.Now(),
	})

	workerID, err := fn(ctx, func(ev Event) { c.handleEvent(meta, ev) })
	if err != nil {
		c.mu.Lock()
		c.status = StatusFailed
		c.errMsg = err.Error()
		c.result = &Result{TaskID: c.currentIDLocked(), Status: StatusFailed, Error: err.Error()}
		id := c.currentIDLocked()
		c.mu.Unlock()

		c.registry.UpdateStatus(id, StatusFailed, err.Error())
		return fmt.Errorf("task launch failed: %w", err)
	}

	c.mu.Lock()
	if c.taskID == "" {
		c.taskID = workerID
	}
	c.mu.Unlock()
	return nil
}

// handleEvent demultiplexes one event from the stream. Events may arrive on
// the worker's goroutine at any point, including after a reset removed the
// entry; the registry absorbs those as no-ops.
func (c *Controller) handleEvent(meta Meta, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case EventStarted:
		// The registry is keyed by id, so rekeying is delete-then-insert:
		// drop the placeholder entry and register under the worker's id.
		c.registry.Remove(c.tempID)
		c.registry.Add(Info{
			ID:         ev.TaskID,
			Kind:       meta.Kind,
			InputName:  meta.InputName,
			OutputName: meta.OutputName,
			Status:     StatusRunning,
			CreatedAt:  time.Now(),
		})
		c.taskID = ev.TaskID
		c.totalDuration = ev.TotalDuration

	case EventProgress:
		if ev.Progress == nil {
			log.Printf("Task %s: progress event without payload, dropped", c.currentIDLocked())
			return
		}
		// A progress event after a terminal one is out-of-order delivery;
		// it must not resurrect a finished task.
		if c.status.IsTerminal() {
			log.Printf("Task %s: progress event after terminal status %s, dropped", c.currentIDLocked(), c.status)
			return
		}
		snapshot := *ev.Progress
		c.progress = &snapshot
		c.registry.UpdateProgress(c.currentIDLocked(), snapshot)

	case EventCompleted:
		c.status = StatusCompleted
		res := Result{
			TaskID:     ev.TaskID,
			Status:     StatusCompleted,
			OutputPath: ev.OutputPath,
			OutputSize: ev.OutputSize,
			Elapsed:    ev.Elapsed,
		}
		c.result = &res
		c.registry.SetResult(c.currentIDLocked(), res)
		c.registry.UpdateStatus(c.currentIDLocked(), StatusCompleted, "")

	case EventFailed:
		c.status = StatusFailed
		c.errMsg = ev.Error
		res := Result{TaskID: ev.TaskID, Status: StatusFailed, Error: ev.Error}
		c.result = &res
		c.registry.SetResult(c.currentIDLocked(), res)
		c.registry.UpdateStatus(c.currentIDLocked(), StatusFailed, ev.Error)

	case EventCancelled:
		c.status = StatusCancelled
		res := Result{TaskID: ev.TaskID, Status: StatusCancelled}
		c.result = &res
		c.registry.SetResult(c.currentIDLocked(), res)
		c.registry.UpdateStatus(c.currentIDLocked(), StatusCancelled, "")

	default:
		// The event union is closed; an unknown kind is a defect in the
		// service function, not an ignorable case.
		log.Printf("Task %s: unknown event kind %q from service function", c.currentIDLocked(), ev.Kind)
	}
}

// currentIDLocked returns whichever id is authoritative right now: the
// worker-assigned one if known, else the temporary placeholder. Callers must
// hold c.mu.
func (c *Controller) currentIDLocked() string {
	if c.taskID != "" {
		return c.taskID
	}
	return c.tempID
}

// Cancel requests cancellation of the in-flight task. Best-effort: an error
// from the cancellation request usually means the task already finished, so
// it is swallowed.
func (c *Controller) Cancel(ctx context.Context) {
	c.mu.Lock()
	id := c.taskID
	c.mu.Unlock()

	if id == "" || c.cancelFn == nil {
		return
	}
	if err := c.cancelFn(ctx, id); err != nil {
		log.Printf("Task %s: cancel request ignored: %v", id, err)
	}
}

// Reset removes the tracked task from the registry and returns the
// controller to idle. Safe from any status, including mid-flight running
// (the worker keeps going unless Cancel was called first), and safe to call
// repeatedly.
func (c *Controller) Reset() {
	c.mu.Lock()
	id := c.currentIDLocked()
	c.status = StatusIdle
	c.progress = nil
	c.result = nil
	c.errMsg = ""
	c.taskID = ""
	c.tempID = ""
	c.mu.Unlock()

	if id != "" {
		c.registry.Remove(id)
	}
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Progress returns the latest snapshot, or nil before the first progress
// event.
func (c *Controller) Progress() *ProgressUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.progress == nil {
		return nil
	}
	snapshot := *c.progress
	return &snapshot
}

// Result returns the terminal summary, or nil while the task has not
// finished.
func (c *Controller) Result() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return nil
	}
	res := *c.result
	return &res
}

// Err returns the human-readable error of a failed task, empty otherwise.
func (c *Controller) Err() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// TaskID returns the worker-assigned id, empty until the started event (or
// the service function's return) delivered it.
func (c *Controller) TaskID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskID
}

// TotalDuration returns the media duration reported by the started event.
func (c *Controller) TotalDuration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalDuration
}
