// Package governance is the client side of the downstream governance
// service: tool invocation (decide, execute) and evidence operations
// (create, download, verify).
//
// A missing capability on the service is reported as a typed gap; there is
// no silent bypass anywhere in this package.
package governance

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Tool ids consumed by the gate.
const (
	ToolDecide  = "keon.decide"
	ToolExecute = "keon.execute"
)

// OutcomeApproved is the only decision outcome that lets a packet through.
const OutcomeApproved = "approved"

// ToolInvocation is one call to tools.invoke.
type ToolInvocation struct {
	ToolID            string         `json:"toolId"`
	Input             map[string]any `json:"input"`
	Context           map[string]any `json:"context,omitempty"`
	TenantID          string         `json:"tenantId"`
	ActorID           string         `json:"actorId"`
	CorrelationID     string         `json:"correlationId"`
	DecisionReceiptID string         `json:"decisionReceiptId,omitempty"`
}

// ToolAudit carries the audit back-reference of a tool result.
type ToolAudit struct {
	ReceiptID string `json:"receiptId,omitempty"`
}

// ToolResult is the outcome of tools.invoke.
type ToolResult struct {
	Success      bool           `json:"success"`
	Outcome      string         `json:"outcome,omitempty"`
	Error        string         `json:"error,omitempty"`
	DecidedAtUtc time.Time      `json:"decidedAtUtc,omitempty"`
	Audit        *ToolAudit     `json:"audit,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
}

// EvidenceRecord is the SDK-owned evidence entity. Immutable after
// creation; downloads fail closed on digest mismatch.
type EvidenceRecord struct {
	EvidenceID    string    `json:"evidenceId"`
	ReceiptID     string    `json:"receiptId"`
	CanonicalHash string    `json:"canonicalHash,omitempty"`
	Content       []byte    `json:"content,omitempty"`
	Digest        string    `json:"digest"`
	CreatedAt     time.Time `json:"createdAt"`
	TenantID      string    `json:"tenantId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Phase         string    `json:"phase,omitempty"`
}

// EvidenceCreateRequest mints a new evidence record.
type EvidenceCreateRequest struct {
	ReceiptID     string `json:"receiptId"`
	CanonicalHash string `json:"canonicalHash,omitempty"`
	Content       []byte `json:"content"`
	TenantID      string `json:"tenantId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Phase         string `json:"phase,omitempty"`
}

// EvidenceCreateResult is the SDK's acknowledgment of a created record.
type EvidenceCreateResult struct {
	EvidenceID string    `json:"evidenceId"`
	Digest     string    `json:"digest"`
	CreatedAt  time.Time `json:"createdAt"`
}

// EvidenceDownloadRequest fetches a record's content. ExpectedDigest, when
// set, must match or the download fails.
type EvidenceDownloadRequest struct {
	EvidenceID     string `json:"evidenceId"`
	ExpectedDigest string `json:"expectedDigest,omitempty"`
}

// EvidenceDownloadResult carries the record content and its digest.
type EvidenceDownloadResult struct {
	Content []byte `json:"content"`
	Digest  string `json:"digest"`
}

// EvidenceVerifyResult is the verdict of evidence.verify.
type EvidenceVerifyResult struct {
	IsValid bool   `json:"isValid"`
	Verdict string `json:"verdict,omitempty"`
}

// ToolsAPI is the tool-invocation half of the SDK.
type ToolsAPI interface {
	Invoke(ctx context.Context, inv ToolInvocation) (*ToolResult, error)
}

// EvidenceAPI is the evidence half of the SDK.
type EvidenceAPI interface {
	Create(ctx context.Context, req EvidenceCreateRequest) (*EvidenceCreateResult, error)
	Download(ctx context.Context, req EvidenceDownloadRequest) (*EvidenceDownloadResult, error)
	Verify(ctx context.Context, packHash string) (*EvidenceVerifyResult, error)
}

// Client bundles the two SDK surfaces.
type Client struct {
	Tools    ToolsAPI
	Evidence EvidenceAPI
}

// CapabilityGapError is the typed report of a capability the SDK does not
// expose. Callers decide whether a gap is fatal; it is never ignored
// silently.
type CapabilityGapError struct {
	Capability string
}

func (e *CapabilityGapError) Error() string {
	return fmt.Sprintf("governance sdk does not expose capability %q", e.Capability)
}

// IsCapabilityGap reports whether err is (or wraps) a capability gap.
func IsCapabilityGap(err error) bool {
	var gap *CapabilityGapError
	return errors.As(err, &gap)
}
