package proofpack

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/keon-os/marketops/pkg/canonicalize"
	"github.com/keon-os/marketops/pkg/contracts"
	"github.com/keon-os/marketops/pkg/fcsign"
	"github.com/keon-os/marketops/pkg/proofsign"
)

// Report is the structured output of pack verification. Every check is
// re-derived from the bytes on disk; nothing is taken from memory.
type Report struct {
	Pack       string        `json:"pack"`
	Verified   bool          `json:"verified"`
	Timestamp  time.Time     `json:"timestamp"`
	Checks     []CheckResult `json:"checks"`
	Summary    string        `json:"summary"`
	IssueCount int           `json:"issueCount"`
}

// CheckResult represents a single verification check.
type CheckResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Verifier re-derives every hash, signature, and cross-binding of a pack.
// The HMAC signer is required to validate receipt signatures referenced by
// fc-binding files; a missing signer fails those checks closed.
type Verifier struct {
	fc       *fcsign.Signer
	issuerID string
}

// NewVerifier builds a Verifier. Both arguments may be zero when no
// fc-binding files are expected; the binding checks then fail closed.
func NewVerifier(fc *fcsign.Signer, issuerID string) *Verifier {
	return &Verifier{fc: fc, issuerID: issuerID}
}

// VerifyPack walks the pack once. Check failures are recorded, never
// thrown; the only returned errors are I/O level (pack root unreadable).
func (v *Verifier) VerifyPack(packDir string) (*Report, error) {
	report := &Report{
		Pack:      packDir,
		Verified:  true,
		Timestamp: time.Now().UTC(),
		Checks:    []CheckResult{},
	}

	index, ok := v.checkIndex(packDir, report)
	if ok {
		// The seal is recomputed from the manifest bytes on disk, not from
		// the hashes the index claims.
		entries := make([]contracts.PackRunEntry, 0, len(index.Runs))
		for _, entry := range index.Runs {
			actualHash := v.checkRun(packDir, index, entry, report)
			entry.SHA256 = actualHash
			entries = append(entries, entry)
		}
		v.checkPackSeal(index, entries, report)
	}

	failed := 0
	for _, c := range report.Checks {
		if !c.Pass {
			failed++
		}
	}
	report.IssueCount = failed
	if failed > 0 {
		report.Verified = false
		report.Summary = fmt.Sprintf("FAIL: %d/%d checks failed", failed, len(report.Checks))
	} else {
		report.Summary = fmt.Sprintf("PASS: %d/%d checks passed", len(report.Checks), len(report.Checks))
	}
	return report, nil
}

func (r *Report) add(c CheckResult) {
	r.Checks = append(r.Checks, c)
}

func (v *Verifier) checkIndex(packDir string, report *Report) (*contracts.PackIndex, bool) {
	data, err := os.ReadFile(filepath.Join(packDir, IndexFileName))
	if err != nil {
		report.add(CheckResult{Name: "index_present", Pass: false, Reason: fmt.Sprintf("cannot read %s: %v", IndexFileName, err)})
		return nil, false
	}
	var index contracts.PackIndex
	if err := json.Unmarshal(data, &index); err != nil {
		report.add(CheckResult{Name: "index_present", Pass: false, Reason: fmt.Sprintf("invalid index JSON: %v", err)})
		return nil, false
	}
	report.add(CheckResult{Name: "index_present", Pass: true, Detail: fmt.Sprintf("%d runs indexed", len(index.Runs))})

	if index.TenantID == "" {
		report.add(CheckResult{Name: "pack_tenant", Pass: false, Reason: "PACK_INDEX.tenantId is empty"})
	} else {
		report.add(CheckResult{Name: "pack_tenant", Pass: true, Detail: index.TenantID})
	}
	return &index, true
}

func (v *Verifier) checkRun(packDir string, index *contracts.PackIndex, entry contracts.PackRunEntry, report *Report) string {
	prefix := "run:" + entry.RunID

	manifestPath := filepath.Join(packDir, filepath.FromSlash(entry.Path), ManifestFileName)
	manifestBytes, err := os.ReadFile(manifestPath)
	if err != nil {
		report.add(CheckResult{Name: prefix + ":manifest_present", Pass: false, Reason: fmt.Sprintf("cannot read manifest: %v", err)})
		return entry.SHA256
	}
	var manifest contracts.RunManifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		report.add(CheckResult{Name: prefix + ":manifest_present", Pass: false, Reason: fmt.Sprintf("invalid manifest JSON: %v", err)})
		return entry.SHA256
	}
	report.add(CheckResult{Name: prefix + ":manifest_present", Pass: true})

	// Index hash covers the exact on-disk manifest bytes.
	actualManifestHash := fcsign.SHA256Bytes(manifestBytes)
	if actualManifestHash != entry.SHA256 {
		report.add(CheckResult{Name: prefix + ":manifest_index_hash", Pass: false,
			Reason: fmt.Sprintf("index lists %s, file hashes to %s", entry.SHA256, actualManifestHash)})
	} else {
		report.add(CheckResult{Name: prefix + ":manifest_index_hash", Pass: true})
	}

	v.checkManifestSignature(packDir, prefix, manifest, report)

	for _, artifact := range manifest.Artifacts {
		v.checkArtifact(packDir, prefix, artifact, report)
	}

	v.checkManifestTenant(prefix, index, manifest, report)
	v.checkBinding(packDir, prefix, entry, manifest, report)
	return actualManifestHash
}

func (v *Verifier) checkManifestSignature(packDir, prefix string, manifest contracts.RunManifest, report *Report) {
	sig := manifest.ManifestSignature
	if sig == nil {
		report.add(CheckResult{Name: prefix + ":manifest_signature", Pass: false, Reason: "manifest is unsigned"})
		return
	}

	pubBytes, err := os.ReadFile(filepath.Join(packDir, filepath.FromSlash(sig.PublicKeyPath)))
	if err != nil {
		report.add(CheckResult{Name: prefix + ":manifest_signature", Pass: false,
			Reason: fmt.Sprintf("cannot read public key %s: %v", sig.PublicKeyPath, err)})
		return
	}
	pub := ed25519.PublicKey(pubBytes)

	expectedKeyID := proofsign.KeyIDFor(pub)
	if sig.KeyID != expectedKeyID {
		report.add(CheckResult{Name: prefix + ":manifest_key_id", Pass: false,
			Reason: fmt.Sprintf("keyId %s does not match fingerprint-derived %s", sig.KeyID, expectedKeyID)})
	} else {
		report.add(CheckResult{Name: prefix + ":manifest_key_id", Pass: true})
	}

	signingBytes, err := canonicalize.Canonicalize(manifest.WithoutSignature())
	if err != nil {
		report.add(CheckResult{Name: prefix + ":manifest_signature", Pass: false, Reason: fmt.Sprintf("canonicalize: %v", err)})
		return
	}
	if !proofsign.Verify(pub, signingBytes, sig.Value) {
		report.add(CheckResult{Name: prefix + ":manifest_signature", Pass: false, Reason: "ed25519 signature invalid"})
	} else {
		report.add(CheckResult{Name: prefix + ":manifest_signature", Pass: true})
	}
}

func (v *Verifier) checkArtifact(packDir, prefix string, artifact contracts.ArtifactEntry, report *Report) {
	name := prefix + ":artifact:" + artifact.Name
	data, err := os.ReadFile(filepath.Join(packDir, filepath.FromSlash(artifact.Path)))
	if err != nil {
		report.add(CheckResult{Name: name, Pass: false, Reason: fmt.Sprintf("file missing: %v", err)})
		return
	}
	if int64(len(data)) != artifact.Bytes {
		report.add(CheckResult{Name: name, Pass: false,
			Reason: fmt.Sprintf("size mismatch: manifest lists %d bytes, file has %d", artifact.Bytes, len(data))})
		return
	}
	if actual := fcsign.SHA256Bytes(data); actual != artifact.SHA256 {
		report.add(CheckResult{Name: name, Pass: false,
			Reason: fmt.Sprintf("hash mismatch: manifest lists %s, file hashes to %s", artifact.SHA256, actual)})
		return
	}
	report.add(CheckResult{Name: name, Pass: true})
}

func (v *Verifier) checkManifestTenant(prefix string, index *contracts.PackIndex, manifest contracts.RunManifest, report *Report) {
	switch {
	case manifest.TenantID == "":
		report.add(CheckResult{Name: prefix + ":tenant", Pass: false, Reason: "manifest.tenantId is empty"})
	case manifest.Scope.TenantID != manifest.TenantID:
		report.add(CheckResult{Name: prefix + ":tenant", Pass: false,
			Reason: fmt.Sprintf("scope.tenantId %q does not match manifest.tenantId %q", manifest.Scope.TenantID, manifest.TenantID)})
	case index.TenantID != manifest.TenantID:
		report.add(CheckResult{Name: prefix + ":tenant", Pass: false,
			Reason: fmt.Sprintf("pack tenant %q does not match run tenant %q", index.TenantID, manifest.TenantID)})
	default:
		report.add(CheckResult{Name: prefix + ":tenant", Pass: true})
	}
}

// checkBinding re-derives every fc-binding sub-check from the artifact
// files. Absence of the binding file is allowed; a present binding with a
// missing HMAC key fails closed.
func (v *Verifier) checkBinding(packDir, prefix string, entry contracts.PackRunEntry, manifest contracts.RunManifest, report *Report) {
	bindingPath := filepath.Join(packDir, filepath.FromSlash(entry.Path), "verification", FCBindingFileName)
	data, err := os.ReadFile(bindingPath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		report.add(CheckResult{Name: prefix + ":fc_binding", Pass: false, Reason: fmt.Sprintf("cannot read binding: %v", err)})
		return
	}
	var binding FCBinding
	if err := json.Unmarshal(data, &binding); err != nil {
		report.add(CheckResult{Name: prefix + ":fc_binding", Pass: false, Reason: fmt.Sprintf("invalid binding JSON: %v", err)})
		return
	}

	artifactsDir := filepath.Join(packDir, filepath.FromSlash(entry.Path), "artifacts")
	var plan contracts.PublicationPlan
	var ledger contracts.ProofLedger
	var receipt contracts.JudgeAdvisoryReceipt
	var summary contracts.ApproverSummary
	planBytes, planErr := readJSON(filepath.Join(artifactsDir, PlanFileName), &plan)
	_, ledgerErr := readJSON(filepath.Join(artifactsDir, LedgerFileName), &ledger)
	_, receiptErr := readJSON(filepath.Join(artifactsDir, ReceiptFileName), &receipt)
	_, summaryErr := readJSON(filepath.Join(artifactsDir, SummaryFileName), &summary)

	if receiptErr != nil {
		report.add(CheckResult{Name: prefix + ":receipt_present", Pass: false, Reason: receiptErr.Error()})
		return
	}
	report.add(CheckResult{Name: prefix + ":receipt_present", Pass: true})

	if v.issuerID == "" || receipt.Issuer.ID != v.issuerID {
		report.add(CheckResult{Name: prefix + ":receipt_issuer", Pass: false,
			Reason: fmt.Sprintf("receipt issuer %q does not match configured %q", receipt.Issuer.ID, v.issuerID)})
	} else {
		report.add(CheckResult{Name: prefix + ":receipt_issuer", Pass: true})
	}

	if receipt.RunID != manifest.RunID {
		report.add(CheckResult{Name: prefix + ":receipt_run_binding", Pass: false,
			Reason: fmt.Sprintf("receipt bound to run %q, manifest is %q", receipt.RunID, manifest.RunID)})
	} else {
		report.add(CheckResult{Name: prefix + ":receipt_run_binding", Pass: true})
	}

	// Plan and ledger digests: the receipt's subject digests must equal the
	// hashes of the artifact bytes on disk.
	if planErr != nil {
		report.add(CheckResult{Name: prefix + ":plan_digest", Pass: false, Reason: planErr.Error()})
	} else if actual := fcsign.SHA256Bytes(planBytes); actual != receipt.Subject.SubjectDigests.PlanSHA256 {
		report.add(CheckResult{Name: prefix + ":plan_digest", Pass: false,
			Reason: fmt.Sprintf("receipt binds plan %s, file hashes to %s", receipt.Subject.SubjectDigests.PlanSHA256, actual)})
	} else {
		report.add(CheckResult{Name: prefix + ":plan_digest", Pass: true})
	}

	if ledgerErr != nil {
		report.add(CheckResult{Name: prefix + ":ledger_digest", Pass: false, Reason: ledgerErr.Error()})
	} else {
		ledgerHash, hashErr := canonicalize.HashObject(ledger.WithoutReceiptBinding())
		if hashErr != nil || ledgerHash != receipt.Subject.SubjectDigests.LedgerSHA256 {
			report.add(CheckResult{Name: prefix + ":ledger_digest", Pass: false,
				Reason: fmt.Sprintf("receipt binds ledger %s, re-derived %s", receipt.Subject.SubjectDigests.LedgerSHA256, ledgerHash)})
		} else {
			report.add(CheckResult{Name: prefix + ":ledger_digest", Pass: true})
		}
	}

	v.checkReceiptSignature(prefix, receipt, report)

	if ledgerErr == nil {
		if ledger.ReceiptID != receipt.ID {
			report.add(CheckResult{Name: prefix + ":ledger_backref_id", Pass: false,
				Reason: fmt.Sprintf("ledger.receiptId %q does not match receipt.id %q", ledger.ReceiptID, receipt.ID)})
		} else {
			report.add(CheckResult{Name: prefix + ":ledger_backref_id", Pass: true})
		}
		if ledger.ReceiptDigest != receipt.Digests.ReceiptSHA256 {
			report.add(CheckResult{Name: prefix + ":ledger_backref_digest", Pass: false,
				Reason: "ledger.receiptDigest does not match receipt.digests.receiptSha256"})
		} else {
			report.add(CheckResult{Name: prefix + ":ledger_backref_digest", Pass: true})
		}
	}

	tenants := map[string]string{"manifest": manifest.TenantID}
	if planErr == nil {
		tenants["plan"] = plan.TenantID
	}
	if ledgerErr == nil {
		tenants["ledger"] = ledger.TenantID
	}
	tenants["receipt"] = receipt.Subject.TenantID
	if summaryErr == nil {
		tenants["summary"] = summary.TenantID
	}
	var mismatched []string
	for name, tenant := range tenants {
		if tenant != manifest.TenantID {
			mismatched = append(mismatched, name)
		}
	}
	if len(mismatched) > 0 {
		report.add(CheckResult{Name: prefix + ":tenant_consistency", Pass: false,
			Reason: fmt.Sprintf("tenant mismatch in: %s", strings.Join(mismatched, ", "))})
	} else {
		report.add(CheckResult{Name: prefix + ":tenant_consistency", Pass: true})
	}
}

func (v *Verifier) checkReceiptSignature(prefix string, receipt contracts.JudgeAdvisoryReceipt, report *Report) {
	name := prefix + ":receipt_signature"
	if receipt.Signature == nil {
		report.add(CheckResult{Name: name, Pass: false, Reason: "receipt is unsigned"})
		return
	}
	if v.fc == nil {
		report.add(CheckResult{Name: name, Pass: false, Reason: "no HMAC key configured, failing closed"})
		return
	}

	selfSha, err := canonicalize.HashObject(receipt.WithoutSelfDigest())
	if err != nil || selfSha != receipt.Digests.ReceiptSHA256 {
		report.add(CheckResult{Name: name, Pass: false, Reason: "receipt self-digest mismatch"})
		return
	}
	canonical, err := canonicalize.Canonicalize(receipt.WithoutSignature())
	if err != nil || !v.fc.Verify(canonical, receipt.Signature.Value) {
		report.add(CheckResult{Name: name, Pass: false, Reason: "hmac signature invalid"})
		return
	}
	report.add(CheckResult{Name: name, Pass: true})
}

func (v *Verifier) checkPackSeal(index *contracts.PackIndex, entries []contracts.PackRunEntry, report *Report) {
	recomputed := PackSeal(entries)
	if recomputed != index.PackSHA256 {
		report.add(CheckResult{Name: "pack_seal", Pass: false,
			Reason: fmt.Sprintf("index lists %s, re-derived %s", index.PackSHA256, recomputed)})
	} else {
		report.add(CheckResult{Name: "pack_seal", Pass: true})
	}
}

func readJSON(path string, out any) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %v", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("invalid JSON in %s: %v", filepath.Base(path), err)
	}
	return data, nil
}
