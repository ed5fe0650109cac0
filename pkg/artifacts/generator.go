// Package artifacts builds the four durable run artifacts: publication
// plan, proof ledger, judge advisory receipt, and approver summary. Every
// artifact canonicalizes and re-hashes to the values bound elsewhere.
package artifacts

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/keon-os/marketops/pkg/canonicalize"
	"github.com/keon-os/marketops/pkg/contracts"
	"github.com/keon-os/marketops/pkg/fcsign"
)

// Generator mints run artifacts. The signer is the Federation Core HMAC
// key used for judge receipts.
type Generator struct {
	signer *fcsign.Signer
	issuer contracts.Issuer
	now    func() time.Time
}

// NewGenerator builds a Generator. Construction fails closed on a missing
// signer or issuer id.
func NewGenerator(signer *fcsign.Signer, issuer contracts.Issuer) (*Generator, error) {
	if signer == nil {
		return nil, fmt.Errorf("artifacts: signer is required")
	}
	if issuer.ID == "" {
		return nil, fmt.Errorf("artifacts: issuer id is required")
	}
	return &Generator{signer: signer, issuer: issuer, now: time.Now}, nil
}

// BuildPlan partitions the run's intents by the policy verdict. An approved
// evaluation ships everything; a denied one ships nothing and records each
// denial reason under a fresh opaque key.
func (g *Generator) BuildPlan(run *contracts.Run, intents []contracts.SideEffectIntent, approved bool, denialReasons []string) contracts.PublicationPlan {
	plan := contracts.PublicationPlan{
		RunID:        run.RunID,
		TenantID:     run.TenantID,
		Mode:         run.Mode,
		WouldShip:    []contracts.PlanItem{},
		WouldNotShip: []contracts.PlanItem{},
	}
	for _, in := range intents {
		item := contracts.PlanItem{IntentID: in.IntentID, Kind: in.Kind, Target: in.Target}
		if approved {
			plan.WouldShip = append(plan.WouldShip, item)
		} else {
			plan.WouldNotShip = append(plan.WouldNotShip, item)
		}
	}
	if !approved && len(denialReasons) > 0 {
		plan.Reasons = make(map[string]string, len(denialReasons))
		for i, reason := range denialReasons {
			plan.Reasons[fmt.Sprintf("denial-%03d", i+1)] = reason
		}
	}
	return plan
}

// BuildLedger composes a ProofLedger from the run's recorded intents and
// receipts, in recorded order. The receipt binding fields stay empty until
// MintAdvisory attaches them.
func (g *Generator) BuildLedger(run *contracts.Run, intents []contracts.SideEffectIntent, receipts []contracts.SideEffectReceipt) contracts.ProofLedger {
	if intents == nil {
		intents = []contracts.SideEffectIntent{}
	}
	if receipts == nil {
		receipts = []contracts.SideEffectReceipt{}
	}
	return contracts.ProofLedger{
		RunID:              run.RunID,
		TenantID:           run.TenantID,
		Mode:               run.Mode,
		SideEffectIntents:  intents,
		SideEffectReceipts: receipts,
	}
}

// MintAdvisory issues the judge receipt over a plan and ledger, signs it,
// and returns the receipt together with the frozen ledger carrying the
// receipt back-reference.
//
// The ledger digest is computed over the ledger WITHOUT the receipt
// binding fields; the receipt's self-digest is computed WITHOUT signature
// and digests. Neither artifact ever embeds the other's full form.
func (g *Generator) MintAdvisory(run *contracts.Run, plan contracts.PublicationPlan, ledger contracts.ProofLedger, reasons []string) (contracts.JudgeAdvisoryReceipt, contracts.ProofLedger, error) {
	planSha, err := canonicalize.HashObject(plan)
	if err != nil {
		return contracts.JudgeAdvisoryReceipt{}, ledger, fmt.Errorf("artifacts: hash plan: %w", err)
	}
	ledgerSha, err := canonicalize.HashObject(ledger.WithoutReceiptBinding())
	if err != nil {
		return contracts.JudgeAdvisoryReceipt{}, ledger, fmt.Errorf("artifacts: hash ledger: %w", err)
	}

	if reasons == nil {
		reasons = []string{}
	}
	receipt := contracts.JudgeAdvisoryReceipt{
		ID:          uuid.New().String(),
		Issuer:      g.issuer,
		RunID:       run.RunID,
		TenantID:    run.TenantID,
		Enforceable: run.Mode == contracts.ModeProd,
		Reasons:     reasons,
		Subject: contracts.ReceiptSubject{
			TenantID: run.TenantID,
			SubjectDigests: contracts.SubjectDigests{
				PlanSHA256:   planSha,
				LedgerSHA256: ledgerSha,
			},
		},
		IssuedAt: g.now().UTC().Truncate(time.Second),
	}

	selfSha, err := canonicalize.HashObject(receipt.WithoutSelfDigest())
	if err != nil {
		return contracts.JudgeAdvisoryReceipt{}, ledger, fmt.Errorf("artifacts: hash receipt: %w", err)
	}
	receipt.Digests = contracts.ReceiptDigests{ReceiptSHA256: selfSha}

	signature, err := g.signer.SignObject(receipt.WithoutSignature())
	if err != nil {
		return contracts.JudgeAdvisoryReceipt{}, ledger, fmt.Errorf("artifacts: sign receipt: %w", err)
	}
	receipt.Signature = &contracts.SignatureBlock{
		Algorithm: fcsign.Algorithm,
		KeyID:     g.signer.KeyID(),
		Value:     signature,
	}

	ledger.ReceiptID = receipt.ID
	ledger.ReceiptDigest = selfSha
	return receipt, ledger, nil
}

// VerifyAdvisory re-derives the receipt's signature and self-digest. It
// returns false on any mismatch, never an error for a bad signature.
func (g *Generator) VerifyAdvisory(receipt contracts.JudgeAdvisoryReceipt) bool {
	if receipt.Signature == nil {
		return false
	}
	selfSha, err := canonicalize.HashObject(receipt.WithoutSelfDigest())
	if err != nil || selfSha != receipt.Digests.ReceiptSHA256 {
		return false
	}
	canonical, err := canonicalize.Canonicalize(receipt.WithoutSignature())
	if err != nil {
		return false
	}
	return g.signer.Verify(canonical, receipt.Signature.Value)
}

// BuildSummary derives the approver-facing rollup of a run.
func (g *Generator) BuildSummary(run *contracts.Run, plan contracts.PublicationPlan, discovered []contracts.DiscoveredArtifact, approved bool, denialReasons []string) contracts.ApproverSummary {
	verdict := "approved"
	if !approved {
		verdict = "denied"
	}

	issueCounts := map[string]int{}
	breakdown := make([]contracts.TargetSummary, 0, len(discovered))
	for _, art := range discovered {
		for _, issue := range art.Issues {
			issueCounts[issue.Type]++
		}
		breakdown = append(breakdown, contracts.TargetSummary{
			Target:     art.Name,
			IssueCount: len(art.Issues),
		})
	}
	sort.Slice(breakdown, func(i, j int) bool { return breakdown[i].Target < breakdown[j].Target })

	return contracts.ApproverSummary{
		RunID:          run.RunID,
		TenantID:       run.TenantID,
		Mode:           run.Mode,
		GeneratedAtUtc: g.now().UTC().Truncate(time.Second),
		PolicyVerdict:  verdict,
		StatusCounts: map[string]int{
			"wouldShip":    len(plan.WouldShip),
			"wouldNotShip": len(plan.WouldNotShip),
		},
		IssueCounts:     issueCounts,
		TargetBreakdown: breakdown,
		DenialReasons:   denialReasons,
	}
}
