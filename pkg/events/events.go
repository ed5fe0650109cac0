// Package events carries the run lifecycle event stream. Emission is
// best-effort everywhere: a slow or dead subscriber never affects run
// correctness.
package events

import (
	"sync"
	"time"

	"github.com/keon-os/marketops/pkg/contracts"
)

// Event types emitted over a run's lifecycle, in canonical order.
const (
	TypeRunStarted     = "marketops.run.started"
	TypeStageStarted   = "marketops.stage.started"
	TypeStageCompleted = "marketops.stage.completed"
	TypePlanGenerated  = "marketops.plan.generated"
	TypeExecuteBlocked = "marketops.execute.blocked"
	TypeReceiptsIssued = "marketops.receipts.issued"
	TypeLedgerSealed   = "marketops.ledger.sealed"
	TypeAdvisoryIssued = "marketops.judge.advisory_issued"
	TypeReceiptIssued  = "marketops.judge.receipt_issued"
	TypeRunCompleted   = "marketops.run.completed"
)

// Event is one lifecycle notification.
type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"runId"`
	Mode      contracts.Mode `json:"mode"`
	Stage     string         `json:"stage,omitempty"`
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
}

// Emitter receives lifecycle events. Implementations must not block the
// caller; dropping under pressure is correct behavior.
type Emitter interface {
	Emit(event Event)
}

// NopEmitter discards everything.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}

// Recorder keeps every emitted event in order. Used in tests and by the
// HTTP API to replay a run's event log.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Snapshot returns the events emitted so far, in emission order.
func (r *Recorder) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns just the event type strings, in emission order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Multi fans one event out to several emitters.
type Multi []Emitter

func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
