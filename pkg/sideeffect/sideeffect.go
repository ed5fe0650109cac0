// Package sideeffect is the sole gateway for external mutations. Every
// proposed mutation flows through a Port; the dry-run variant records
// intents and never touches the outside world, the live variant executes
// under receipt-based authorization.
package sideeffect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keon-os/marketops/pkg/contracts"
)

// Request describes one proposed external mutation. IntentID and the
// policy fields are optional; when the caller has already evaluated the
// proposal, the recorded intent carries that identity and verdict.
type Request struct {
	IntentID            string
	Kind                contracts.Kind
	Target              contracts.Target
	Params              map[string]any
	BlockedByPolicy     bool
	PolicyDenialReasons []string
}

// Authorization is the receipt presented to the live port. Advisory
// receipts (Enforceable=false) never authorize execution.
type Authorization struct {
	ReceiptID   string
	RunID       string
	Kind        contracts.Kind
	Enforceable bool
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Action is the observable outcome of a port call. The dry-run port
// returns nil; the live port returns the receipt and backend response.
type Action struct {
	Receipt  *contracts.SideEffectReceipt
	Response map[string]any
}

// Port is the four-operation side-effect boundary.
type Port interface {
	PublishRelease(ctx context.Context, run *contracts.Run, req Request, auth *Authorization) (*Action, error)
	PublishPost(ctx context.Context, run *contracts.Run, req Request, auth *Authorization) (*Action, error)
	TagRepo(ctx context.Context, run *contracts.Run, req Request, auth *Authorization) (*Action, error)
	OpenPr(ctx context.Context, run *contracts.Run, req Request, auth *Authorization) (*Action, error)
}

// IntentStore is an append-only queue of intents keyed by runId. Append
// and Snapshot are the only operations; both appear atomic. Safe for
// multi-producer append with single-consumer snapshot.
type IntentStore struct {
	mu      sync.Mutex
	intents map[string][]contracts.SideEffectIntent
}

// NewIntentStore creates an empty store.
func NewIntentStore() *IntentStore {
	return &IntentStore{intents: make(map[string][]contracts.SideEffectIntent)}
}

// Append validates and records an intent in call order.
func (s *IntentStore) Append(intent contracts.SideEffectIntent) error {
	if err := intent.Validate(); err != nil {
		return fmt.Errorf("intent store: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[intent.RunID] = append(s.intents[intent.RunID], intent)
	return nil
}

// Snapshot returns a copy of the run's intents in append order.
func (s *IntentStore) Snapshot(runID string) []contracts.SideEffectIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.intents[runID]
	out := make([]contracts.SideEffectIntent, len(src))
	copy(out, src)
	return out
}

// ReceiptStore is the per-run receipt queue kept by the live port.
type ReceiptStore struct {
	mu       sync.Mutex
	receipts map[string][]contracts.SideEffectReceipt
}

// NewReceiptStore creates an empty store.
func NewReceiptStore() *ReceiptStore {
	return &ReceiptStore{receipts: make(map[string][]contracts.SideEffectReceipt)}
}

// Append records a receipt under its run id in call order.
func (s *ReceiptStore) Append(runID string, r contracts.SideEffectReceipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[runID] = append(s.receipts[runID], r)
}

// Snapshot returns a copy of the run's receipts in append order.
func (s *ReceiptStore) Snapshot(runID string) []contracts.SideEffectReceipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.receipts[runID]
	out := make([]contracts.SideEffectReceipt, len(src))
	copy(out, src)
	return out
}
