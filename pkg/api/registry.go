package api

import (
	"fmt"
	"sync"

	"github.com/keon-os/marketops/pkg/contracts"
	"github.com/keon-os/marketops/pkg/pipeline"
)

// RunStatus is the lifecycle state of a registered run.
type RunStatus string

const (
	StatusStarted   RunStatus = "started"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// RunEntry is one registered run and, once finished, its full result.
type RunEntry struct {
	Run    *contracts.Run
	Status RunStatus
	Result *pipeline.Result
}

// RunRegistry keeps every run served by this process. Runs are process
// scoped: there is no persistence layer behind the registry.
type RunRegistry struct {
	mu   sync.RWMutex
	runs map[string]*RunEntry
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*RunEntry)}
}

// Add registers a freshly started run.
func (r *RunRegistry) Add(run *contracts.Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.RunID] = &RunEntry{Run: run, Status: StatusStarted}
}

// Finish records a run's terminal result. A failed pipeline result marks
// the run failed; artifacts of failed runs are never served.
func (r *RunRegistry) Finish(runID string, result *pipeline.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.runs[runID]
	if !ok {
		return
	}
	entry.Result = result
	if result != nil && result.Success {
		entry.Status = StatusCompleted
	} else {
		entry.Status = StatusFailed
	}
}

// Get returns the entry for a run id, or false when unknown.
func (r *RunRegistry) Get(runID string) (*RunEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.runs[runID]
	return entry, ok
}

// Completed resolves the given run ids to completed results. Any unknown
// or unfinished run fails the whole lookup.
func (r *RunRegistry) Completed(runIDs []string) ([]*pipeline.Result, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]*pipeline.Result, 0, len(runIDs))
	for _, id := range runIDs {
		entry, ok := r.runs[id]
		if !ok {
			return nil, fmt.Errorf("unknown run %q", id)
		}
		if entry.Status != StatusCompleted || entry.Result == nil {
			return nil, fmt.Errorf("run %q is %s, not completed", id, entry.Status)
		}
		results = append(results, entry.Result)
	}
	return results, nil
}
