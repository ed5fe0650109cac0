package sideeffect

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/keon-os/marketops/pkg/canonicalize"
	"github.com/keon-os/marketops/pkg/contracts"
)

// NullSink is the dry-run port: it records intents and performs no I/O
// against any external system. Calling it outside dry-run is an invariant
// violation, not a denial.
type NullSink struct {
	store         *IntentStore
	externalCalls atomic.Int64
}

// NewNullSink creates a dry-run port backed by store.
func NewNullSink(store *IntentStore) *NullSink {
	return &NullSink{store: store}
}

// Intents returns the recorded intents for a run, in call order.
func (n *NullSink) Intents(runID string) []contracts.SideEffectIntent {
	return n.store.Snapshot(runID)
}

// ExternalCalls reports how many times this port reached an external
// system. For a correct null sink this is always zero.
func (n *NullSink) ExternalCalls() int64 {
	return n.externalCalls.Load()
}

func (n *NullSink) PublishRelease(ctx context.Context, run *contracts.Run, req Request, auth *Authorization) (*Action, error) {
	return n.record(ctx, run, contracts.KindPublishRelease, req)
}

func (n *NullSink) PublishPost(ctx context.Context, run *contracts.Run, req Request, auth *Authorization) (*Action, error) {
	return n.record(ctx, run, contracts.KindPublishPost, req)
}

func (n *NullSink) TagRepo(ctx context.Context, run *contracts.Run, req Request, auth *Authorization) (*Action, error) {
	return n.record(ctx, run, contracts.KindTagRepo, req)
}

func (n *NullSink) OpenPr(ctx context.Context, run *contracts.Run, req Request, auth *Authorization) (*Action, error) {
	return n.record(ctx, run, contracts.KindOpenPr, req)
}

func (n *NullSink) record(ctx context.Context, run *contracts.Run, kind contracts.Kind, req Request) (*Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if run == nil || run.Mode != contracts.ModeDryRun {
		return nil, fmt.Errorf("null-sink port refuses non-dry-run call (mode=%v)", runMode(run))
	}

	intentID := req.IntentID
	if intentID == "" {
		intentID = uuid.New().String()
	}
	reasons := req.PolicyDenialReasons
	if reasons == nil {
		reasons = []string{}
	}

	intent := contracts.SideEffectIntent{
		IntentID:      intentID,
		RunID:         run.RunID,
		Mode:          run.Mode,
		Kind:          kind,
		Target:        req.Target,
		Params:        req.Params,
		CreatedAtUtc:  time.Now().UTC().Truncate(time.Second),
		BlockedByMode: true,
		BlockedReason: contracts.BlockedByModeReason,
		RequiredAuthorization: contracts.RequiredAuthorization{
			ReceiptType:         "advisory",
			EnforceableRequired: false,
		},
		BlockedByPolicy:     req.BlockedByPolicy,
		PolicyDenialReasons: reasons,
	}

	digest, err := canonicalize.HashObject(intent)
	if err != nil {
		return nil, fmt.Errorf("null-sink: intent digest: %w", err)
	}
	intent.IntentDigest = digest

	if err := n.store.Append(intent); err != nil {
		return nil, err
	}
	return nil, nil
}

func runMode(run *contracts.Run) contracts.Mode {
	if run == nil {
		return ""
	}
	return run.Mode
}
