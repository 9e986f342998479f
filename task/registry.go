package task

import (
	"sort"
	"sync"
)

// Registry is the process-wide source of truth for what tasks exist right
// now, independent of which controller created them. It is pure in-memory
// bookkeeping: entries are inserted when a launch is requested, updated as
// events arrive, and removed only by an explicit reset or batch cleanup.
//
// Mutations keyed by an absent id are absorbed as no-ops. That is the
// registry's defense against the race where a reset removes an entry while an
// in-flight event for it is still being processed.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Info
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Info)}
}

// Add inserts or overwrites the entry for info.ID. Last writer wins.
func (r *Registry) Add(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := info
	r.tasks[info.ID] = &stored
}

// UpdateProgress replaces the entry's progress snapshot and forces its status
// to running. No-op if the id is absent.
func (r *Registry) UpdateProgress(id string, p ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.tasks[id]
	if !ok {
		return
	}
	snapshot := p
	info.Progress = &snapshot
	info.Status = StatusRunning
}

// UpdateStatus overwrites the entry's status. A non-empty errMsg is merged
// into the existing result, creating one if absent. No-op if the id is
// absent.
func (r *Registry) UpdateStatus(id string, status Status, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.tasks[id]
	if !ok {
		return
	}
	info.Status = status
	if errMsg != "" {
		// Clone then swap: Get and List hand out shallow copies whose Result
		// pointer aliases this one, so the struct behind it must never be
		// written again.
		res := Result{TaskID: id, Status: status}
		if info.Result != nil {
			res = *info.Result
		}
		res.Status = status
		res.Error = errMsg
		info.Result = &res
	}
}

// SetResult attaches the terminal summary to the entry. No-op if the id is
// absent.
func (r *Registry) SetResult(id string, res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.tasks[id]
	if !ok {
		return
	}
	stored := res
	info.Result = &stored
}

// Remove deletes the entry. Idempotent; removing an unknown id is not an
// error.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.tasks[id]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// RunningCount reports how many entries are currently in status running.
func (r *Registry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, info := range r.tasks {
		if info.Status == StatusRunning {
			count++
		}
	}
	return count
}

// List returns copies of all entries ordered by creation time, most recent
// first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	list := make([]Info, 0, len(r.tasks))
	for _, info := range r.tasks {
		list = append(list, *info)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list
}
