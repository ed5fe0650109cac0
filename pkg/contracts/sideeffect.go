package contracts

import (
	"fmt"
	"time"
)

// BlockedByModeReason is the fixed error message carried by receipts and
// intents that were stopped at the mode boundary.
const BlockedByModeReason = "blocked_by_mode"

// Target identifies the external system and ref a side effect touches.
type Target struct {
	System string `json:"system"`
	Ref    string `json:"ref"`
}

// RequiredAuthorization states what a side effect needs before it may
// execute. In prod an enforceable receipt is always required.
type RequiredAuthorization struct {
	ReceiptType         string `json:"receiptType"`
	EnforceableRequired bool   `json:"enforceableRequired"`
}

// SideEffectIntent is a recorded proposal to mutate something external.
// An intent never causes mutation by itself.
type SideEffectIntent struct {
	IntentID              string                `json:"intentId"`
	RunID                 string                `json:"runId"`
	Mode                  Mode                  `json:"mode"`
	Kind                  Kind                  `json:"kind"`
	Target                Target                `json:"target"`
	Params                map[string]any        `json:"params,omitempty"`
	CreatedAtUtc          time.Time             `json:"createdAtUtc"`
	BlockedByMode         bool                  `json:"blockedByMode"`
	BlockedReason         string                `json:"blockedReason,omitempty"`
	RequiredAuthorization RequiredAuthorization `json:"requiredAuthorization"`
	BlockedByPolicy       bool                  `json:"blockedByPolicy"`
	PolicyDenialReasons   []string              `json:"policyDenialReasons,omitempty"`
	IntentDigest          string                `json:"intentDigest,omitempty"`
}

// Validate enforces the mode invariants on a recorded intent.
func (i *SideEffectIntent) Validate() error {
	if i.IntentID == "" || i.RunID == "" {
		return fmt.Errorf("intent is missing intentId or runId")
	}
	if !i.Mode.Valid() {
		return fmt.Errorf("intent %s: invalid mode %q", i.IntentID, i.Mode)
	}
	if !i.Kind.Valid() {
		return fmt.Errorf("intent %s: invalid kind %q", i.IntentID, i.Kind)
	}
	if i.Mode == ModeDryRun && !i.BlockedByMode {
		return fmt.Errorf("intent %s: dry-run intent must have blockedByMode=true", i.IntentID)
	}
	if i.Mode == ModeProd && !i.RequiredAuthorization.EnforceableRequired {
		return fmt.Errorf("intent %s: prod intent must require enforceable authorization", i.IntentID)
	}
	return nil
}

// SideEffectReceipt records an actual execution attempt, success or failure.
// Receipts are only minted on the prod path.
type SideEffectReceipt struct {
	ID           string    `json:"id"`
	Mode         Mode      `json:"mode"`
	Kind         Kind      `json:"kind"`
	Target       Target    `json:"target"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	ExecutedAt   time.Time `json:"executedAt"`
	RetryCount   int       `json:"retryCount,omitempty"`
}

// Validate enforces the dry-run receipt invariant.
func (r *SideEffectReceipt) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("receipt is missing id")
	}
	if r.Mode == ModeDryRun && (r.Success || r.ErrorMessage != BlockedByModeReason) {
		return fmt.Errorf("receipt %s: dry-run receipt must be a %q failure", r.ID, BlockedByModeReason)
	}
	return nil
}
