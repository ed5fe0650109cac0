package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/keon-os/marketops/pkg/canonicalize"
	"github.com/keon-os/marketops/pkg/governance"
)

// DecisionReceipt is the governance decision being sealed into evidence.
type DecisionReceipt struct {
	ReceiptID        string         `json:"receiptId"`
	Outcome          string         `json:"outcome"`
	DecidedAtUtc     time.Time      `json:"decidedAtUtc"`
	TenantID         string         `json:"tenantId"`
	CorrelationID    string         `json:"correlationId"`
	PacketHashSha256 string         `json:"packetHashSha256,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
}

// WriteResult reports where the sealed evidence landed. EvidencePackPath is
// empty when the SDK cannot materialize a pack; that is still a success.
type WriteResult struct {
	ReceiptPath      string `json:"receiptPath"`
	EvidencePackID   string `json:"evidencePackId"`
	EvidencePackPath string `json:"evidencePackPath,omitempty"`
	Digest           string `json:"digest"`
}

// Writer seals decision receipts into evidence records and materializes
// them under the audit root.
type Writer struct {
	evidence  governance.EvidenceAPI
	auditRoot string
	log       Logger
	now       func() time.Time
}

// NewWriter builds a Writer. evidence must be non-nil; log may be nil.
func NewWriter(evidence governance.EvidenceAPI, auditRoot string, log Logger) (*Writer, error) {
	if evidence == nil {
		return nil, fmt.Errorf("audit: evidence API is required")
	}
	if auditRoot == "" {
		return nil, fmt.Errorf("audit: audit root is required")
	}
	if log == nil {
		log = Nop()
	}
	return &Writer{evidence: evidence, auditRoot: auditRoot, log: log, now: time.Now}, nil
}

// WriteReceiptAndPack canonicalizes the receipt, writes it under the audit
// root, mints an evidence record for it, and, when the SDK can serve
// downloads, materializes the evidence pack next to the receipt.
//
// A missing download capability is not a failure: the evidence record
// exists, the pack is just not on local disk. A missing create capability
// is a failure and surfaces as the typed gap.
func (w *Writer) WriteReceiptAndPack(ctx context.Context, receipt DecisionReceipt, artifactID string) (*WriteResult, error) {
	if receipt.ReceiptID == "" {
		return nil, fmt.Errorf("audit: receipt has no receiptId")
	}
	if artifactID == "" {
		return nil, fmt.Errorf("audit: artifactId is required")
	}

	content, err := canonicalize.Canonicalize(receipt)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize receipt: %w", err)
	}
	canonicalHash := canonicalize.Hash(content)

	dir := w.scopedDir(artifactID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create audit dir: %w", err)
	}
	receiptPath := filepath.Join(dir, "decision-receipt.json")
	if err := os.WriteFile(receiptPath, content, 0o644); err != nil {
		return nil, fmt.Errorf("audit: write receipt: %w", err)
	}

	created, err := w.evidence.Create(ctx, governance.EvidenceCreateRequest{
		ReceiptID:     receipt.ReceiptID,
		CanonicalHash: canonicalHash,
		Content:       content,
		TenantID:      receipt.TenantID,
		CorrelationID: receipt.CorrelationID,
		Phase:         "publish",
	})
	if err != nil {
		return nil, fmt.Errorf("audit: evidence create: %w", err)
	}

	result := &WriteResult{
		ReceiptPath:    receiptPath,
		EvidencePackID: created.EvidenceID,
		Digest:         created.Digest,
	}

	download, err := w.evidence.Download(ctx, governance.EvidenceDownloadRequest{
		EvidenceID:     created.EvidenceID,
		ExpectedDigest: created.Digest,
	})
	if err != nil {
		if governance.IsCapabilityGap(err) {
			_ = w.log.Record(ctx, EventSystem, "evidence_download_unavailable", receipt.ReceiptID, map[string]any{
				"evidenceId": created.EvidenceID,
			})
			return result, nil
		}
		return nil, fmt.Errorf("audit: evidence download: %w", err)
	}

	packPath := filepath.Join(dir, "evidence-pack.json")
	if err := os.WriteFile(packPath, download.Content, 0o644); err != nil {
		return nil, fmt.Errorf("audit: write evidence pack: %w", err)
	}
	result.EvidencePackPath = packPath

	_ = w.log.Record(ctx, EventMutation, "evidence_sealed", receipt.ReceiptID, map[string]any{
		"evidenceId":  created.EvidenceID,
		"receiptPath": receiptPath,
		"packPath":    packPath,
	})
	return result, nil
}

// scopedDir is auditRoot/assets/publish/<yyyy-MM-dd>/<artifactId>.
// Concurrent runs write disjoint prefixes by construction.
func (w *Writer) scopedDir(artifactID string) string {
	day := w.now().UTC().Format("2006-01-02")
	return filepath.Join(w.auditRoot, "assets", "publish", day, artifactID)
}
