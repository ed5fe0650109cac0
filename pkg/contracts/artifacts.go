package contracts

import "time"

// PlanItem is one candidate action in a publication plan.
type PlanItem struct {
	IntentID string `json:"intentId"`
	Kind     Kind   `json:"kind"`
	Target   Target `json:"target"`
}

// PublicationPlan partitions a run's proposed actions into what would ship
// and what would not, with human-readable reasons keyed opaquely.
type PublicationPlan struct {
	RunID        string            `json:"runId"`
	TenantID     string            `json:"tenantId"`
	Mode         Mode              `json:"mode"`
	WouldShip    []PlanItem        `json:"wouldShip"`
	WouldNotShip []PlanItem        `json:"wouldNotShip"`
	Reasons      map[string]string `json:"reasons,omitempty"`
}

// ProofLedger records every intent and receipt of a run. Once a judge
// receipt is attached via receiptId/receiptDigest the ledger is frozen.
type ProofLedger struct {
	RunID              string              `json:"runId"`
	TenantID           string              `json:"tenantId"`
	Mode               Mode                `json:"mode"`
	SideEffectIntents  []SideEffectIntent  `json:"sideEffectIntents"`
	SideEffectReceipts []SideEffectReceipt `json:"sideEffectReceipts"`
	ReceiptID          string              `json:"receiptId,omitempty"`
	ReceiptDigest      string              `json:"receiptDigest,omitempty"`
}

// WithoutReceiptBinding returns the canonical-hash form of the ledger: the
// receiptId/receiptDigest back-references are excluded so that ledger and
// receipt never embed each other's hashes (cycle avoidance).
func (l ProofLedger) WithoutReceiptBinding() ProofLedger {
	l.ReceiptID = ""
	l.ReceiptDigest = ""
	return l
}

// Issuer identifies the authority that minted a judge receipt.
type Issuer struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint,omitempty"`
}

// SubjectDigests binds a receipt to the exact plan and ledger it judged.
type SubjectDigests struct {
	PlanSHA256   string `json:"planSha256"`
	LedgerSHA256 string `json:"ledgerSha256"`
}

// ReceiptSubject scopes a judge receipt to a tenant and its artifacts.
type ReceiptSubject struct {
	TenantID       string         `json:"tenantId"`
	SubjectDigests SubjectDigests `json:"subjectDigests"`
}

// ReceiptDigests carries the self-hash of the receipt (computed over the
// canonical form without the signature block).
type ReceiptDigests struct {
	ReceiptSHA256 string `json:"receiptSha256"`
}

// SignatureBlock is an HMAC or asymmetric signature over canonical bytes.
type SignatureBlock struct {
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"keyId"`
	Value     string `json:"value"`
}

// JudgeAdvisoryReceipt is the governance verdict over one run. In dry-run
// it is advisory and never enforceable.
type JudgeAdvisoryReceipt struct {
	ID          string          `json:"id"`
	Issuer      Issuer          `json:"issuer"`
	RunID       string          `json:"runId"`
	TenantID    string          `json:"tenantId"`
	Enforceable bool            `json:"enforceable"`
	Reasons     []string        `json:"reasons"`
	Subject     ReceiptSubject  `json:"subject"`
	Digests     ReceiptDigests  `json:"digests"`
	Signature   *SignatureBlock `json:"signature,omitempty"`
	IssuedAt    time.Time       `json:"issuedAt"`
}

// WithoutSignature returns the canonical-hash form of the receipt.
func (r JudgeAdvisoryReceipt) WithoutSignature() JudgeAdvisoryReceipt {
	r.Signature = nil
	return r
}

// WithoutSelfDigest returns the form hashed into digests.receiptSha256:
// no signature and no self-referential digest.
func (r JudgeAdvisoryReceipt) WithoutSelfDigest() JudgeAdvisoryReceipt {
	r.Signature = nil
	r.Digests = ReceiptDigests{}
	return r
}

// TargetSummary is the per-target slice of an approver summary.
type TargetSummary struct {
	Target     string `json:"target"`
	IssueCount int    `json:"issueCount"`
}

// ApproverSummary is a derived, human-oriented rollup of a run. The
// Markdown rendering is purely a view of this record.
type ApproverSummary struct {
	RunID           string          `json:"runId"`
	TenantID        string          `json:"tenantId"`
	Mode            Mode            `json:"mode"`
	GeneratedAtUtc  time.Time       `json:"generatedAtUtc"`
	PolicyVerdict   string          `json:"policyVerdict"`
	StatusCounts    map[string]int  `json:"statusCounts"`
	IssueCounts     map[string]int  `json:"issueCounts"`
	TargetBreakdown []TargetSummary `json:"targetBreakdown"`
	DenialReasons   []string        `json:"denialReasons,omitempty"`
}
