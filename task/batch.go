package task

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// Job is one unit of a batch: its display metadata plus the service function
// that launches it.
type Job struct {
	Meta Meta
	Fn   ServiceFunc
}

// Item is the batch's view of one job. Status runs pending -> running ->
// completed|failed|cancelled.
type Item struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	InputName  string          `json:"inputName"`
	OutputName string          `json:"outputName"`
	Status     Status          `json:"status"`
	Progress   *ProgressUpdate `json:"progress,omitempty"`
	Error      string          `json:"error,omitempty"`
	WorkerID   string          `json:"workerId,omitempty"`
}

// Batch runs N jobs through the service-function contract strictly one at a
// time, tracking per-item and aggregate progress. One item failing never
// aborts the batch; CancelAll stops the loop, cancels whatever is in flight
// and marks the rest cancelled.
type Batch struct {
	registry *Registry
	cancelFn CancelFunc

	mu          sync.Mutex
	items       []*Item
	registryIDs []string // registry key per item, updated on id substitution
	activeIDs   []string // worker-assigned ids collected so far
	processing  bool
	cancelled   bool
	finishCur   func() // unblocks the wait for the in-flight item, nil between items
}

func NewBatch(registry *Registry, cancelFn CancelFunc) *Batch {
	return &Batch{registry: registry, cancelFn: cancelFn}
}

// Run executes the jobs in input order and returns once every item has
// reached a terminal status or the batch was cancelled. Items after a
// cancellation stay pending and are force-cancelled by CancelAll.
func (b *Batch) Run(ctx context.Context, jobs []Job) {
	b.mu.Lock()
	if b.processing {
		b.mu.Unlock()
		log.Println("Batch already processing, run request ignored.")
		return
	}
	b.processing = true
	b.cancelled = false
	b.items = make([]*Item, 0, len(jobs))
	b.registryIDs = make([]string, len(jobs))
	b.activeIDs = nil
	for _, job := range jobs {
		b.items = append(b.items, &Item{
			ID:         shortuuid.New(),
			Kind:       job.Meta.Kind,
			InputName:  job.Meta.InputName,
			OutputName: job.Meta.OutputName,
			Status:     StatusPending,
		})
	}
	b.mu.Unlock()

	for i, job := range jobs {
		b.mu.Lock()
		if b.cancelled {
			b.mu.Unlock()
			break
		}
		item := b.items[i]
		item.Status = StatusRunning
		tempID := "pending_" + shortuuid.New()
		b.registryIDs[i] = tempID

		done := make(chan struct{})
		var once sync.Once
		finish := func() { once.Do(func() { close(done) }) }
		b.finishCur = finish
		b.mu.Unlock()

		b.registry.Add(Info{
			ID:         tempID,
			Kind:       job.Meta.Kind,
			InputName:  job.Meta.InputName,
			OutputName: job.Meta.OutputName,
			Status:     StatusRunning,
			CreatedAt:  time.Now(),
		})

		idx := i
		meta := job.Meta
		workerID, err := job.Fn(ctx, func(ev Event) {
			b.handleItemEvent(idx, meta, finish, ev)
		})
		if err != nil {
			b.mu.Lock()
			if !item.Status.IsTerminal() {
				item.Status = StatusFailed
				item.Error = err.Error()
			}
			id := b.registryIDs[idx]
			b.mu.Unlock()
			b.registry.UpdateStatus(id, StatusFailed, err.Error())
			finish()
		} else {
			b.mu.Lock()
			if item.WorkerID == "" {
				item.WorkerID = workerID
			}
			b.mu.Unlock()
		}

		// Strict sequencing: the next item starts only after this one's
		// terminal event (or a forced cancellation) resolved the wait.
		<-done

		b.mu.Lock()
		b.finishCur = nil
		b.mu.Unlock()
	}

	b.mu.Lock()
	b.processing = false
	b.mu.Unlock()
}

func (b *Batch) handleItemEvent(idx int, meta Meta, finish func(), ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// A late event can outlive the batch that spawned it; after a reset there
	// is nothing left to update.
	if idx >= len(b.items) {
		return
	}
	item := b.items[idx]

	switch ev.Kind {
	case EventStarted:
		item.WorkerID = ev.TaskID
		b.activeIDs = append(b.activeIDs, ev.TaskID)
		oldID := b.registryIDs[idx]
		b.registryIDs[idx] = ev.TaskID
		b.registry.Remove(oldID)
		b.registry.Add(Info{
			ID:         ev.TaskID,
			Kind:       meta.Kind,
			InputName:  meta.InputName,
			OutputName: meta.OutputName,
			Status:     StatusRunning,
			CreatedAt:  time.Now(),
		})

	case EventProgress:
		if ev.Progress == nil || item.Status.IsTerminal() {
			return
		}
		snapshot := *ev.Progress
		item.Progress = &snapshot
		b.registry.UpdateProgress(b.registryIDs[idx], snapshot)

	case EventCompleted:
		if !item.Status.IsTerminal() {
			item.Status = StatusCompleted
			if item.Progress != nil {
				p := *item.Progress
				p.Percent = 100
				item.Progress = &p
			}
		}
		b.registry.UpdateStatus(b.registryIDs[idx], StatusCompleted, "")
		finish()

	case EventFailed:
		// Continue-on-error: the wait still resolves so the loop moves on
		// to the next item.
		if !item.Status.IsTerminal() {
			item.Status = StatusFailed
			item.Error = ev.Error
		}
		b.registry.UpdateStatus(b.registryIDs[idx], StatusFailed, ev.Error)
		finish()

	case EventCancelled:
		if !item.Status.IsTerminal() {
			item.Status = StatusCancelled
		}
		b.registry.UpdateStatus(b.registryIDs[idx], StatusCancelled, "")
		finish()

	default:
		log.Printf("Batch item %s: unknown event kind %q from service function", item.ID, ev.Kind)
	}
}

// CancelAll stops the batch: the loop will not start any further item,
// cancellation is requested for every worker-assigned id collected so far
// (best-effort), and every item still pending or running is force-moved to
// cancelled.
func (b *Batch) CancelAll(ctx context.Context) {
	b.mu.Lock()
	b.cancelled = true
	ids := append([]string(nil), b.activeIDs...)
	for i, item := range b.items {
		if item.Status == StatusPending || item.Status == StatusRunning {
			item.Status = StatusCancelled
			if id := b.registryIDs[i]; id != "" {
				b.registry.UpdateStatus(id, StatusCancelled, "")
			}
		}
	}
	finish := b.finishCur
	b.mu.Unlock()

	if finish != nil {
		finish()
	}

	if b.cancelFn == nil {
		return
	}
	for _, id := range ids {
		if err := b.cancelFn(ctx, id); err != nil {
			log.Printf("Batch: cancel request for task %s ignored: %v", id, err)
		}
	}
}

// Reset clears all items and flags back to the empty, non-processing state
// and removes the batch's entries from the registry.
func (b *Batch) Reset() {
	b.mu.Lock()
	if b.processing {
		b.mu.Unlock()
		log.Println("Batch still processing, reset request ignored.")
		return
	}
	ids := append([]string(nil), b.registryIDs...)
	b.items = nil
	b.registryIDs = nil
	b.activeIDs = nil
	b.cancelled = false
	b.mu.Unlock()

	for _, id := range ids {
		if id != "" {
			b.registry.Remove(id)
		}
	}
}

// Items returns a snapshot of every item.
func (b *Batch) Items() []Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := make([]Item, 0, len(b.items))
	for _, item := range b.items {
		copied := *item
		if item.Progress != nil {
			p := *item.Progress
			copied.Progress = &p
		}
		items = append(items, copied)
	}
	return items
}

// OverallPercent aggregates progress across the batch: each item contributes
// an equal 1/N share, weighted by its own fractional completion while
// running, a full share once completed, and nothing while pending, failed or
// cancelled before start.
func (b *Batch) OverallPercent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.items)
	if n == 0 {
		return 0
	}
	share := 100.0 / float64(n)
	total := 0.0
	for _, item := range b.items {
		switch {
		case item.Status == StatusCompleted:
			total += share
		case item.Status == StatusRunning && item.Progress != nil:
			total += share * item.Progress.Percent / 100.0
		}
	}
	return total
}

// CompletedCount counts items that are no longer pending or running,
// whatever terminal status they reached.
func (b *Batch) CompletedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, item := range b.items {
		if item.Status.IsTerminal() {
			count++
		}
	}
	return count
}

func (b *Batch) IsProcessing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processing
}

// IsCancelled reports whether CancelAll stopped the batch.
func (b *Batch) IsCancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled
}
