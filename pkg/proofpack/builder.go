// Package proofpack writes and verifies the sealed on-disk evidence tree:
// per-run artifact directories, Ed25519-signed run manifests, and a
// pack-level index whose packSha256 binds every manifest.
//
// The layout is bit-stable. Artifact JSON is written in canonical form so
// the hashes asserted inside the artifacts hold for the bytes on disk.
package proofpack

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keon-os/marketops/pkg/canonicalize"
	"github.com/keon-os/marketops/pkg/contracts"
	"github.com/keon-os/marketops/pkg/fcsign"
	"github.com/keon-os/marketops/pkg/proofsign"
)

// Fixed pack layout names.
const (
	IndexFileName     = "PACK_INDEX.json"
	ManifestFileName  = "RUN_MANIFEST.json"
	PublicKeyRelPath  = "keys/proofpack_signing_public.ed25519"
	FCBindingFileName = "fc-binding.json"
)

// Artifact file names inside runs/<id>/artifacts/.
const (
	PlanFileName      = "publication-plan.json"
	LedgerFileName    = "proof-ledger.json"
	ReceiptFileName   = "judge-advisory-receipt.json"
	SummaryFileName   = "approver-summary.json"
	SummaryMdFileName = "approver-summary.md"
)

// CompletedRun is one run's full artifact set, ready for sealing.
type CompletedRun struct {
	Run             *contracts.Run
	Scenario        string
	Plan            contracts.PublicationPlan
	Ledger          contracts.ProofLedger
	Advisory        contracts.JudgeAdvisoryReceipt
	Summary         contracts.ApproverSummary
	SummaryMarkdown string
}

// FCBinding enumerates the cross-hash checks a verifier must re-derive for
// one run. It names checks; it never carries the values being checked.
type FCBinding struct {
	RunID    string   `json:"runId"`
	TenantID string   `json:"tenantId"`
	IssuerID string   `json:"issuerId"`
	Checks   []string `json:"checks"`
}

// The sub-checks enumerated in every emitted fc-binding.json.
var fcBindingChecks = []string{
	"receipt_present",
	"receipt_issuer",
	"receipt_run_binding",
	"plan_digest",
	"ledger_digest",
	"receipt_signature",
	"ledger_backref_id",
	"ledger_backref_digest",
	"tenant_consistency",
}

// Builder seals completed runs into a Proof Pack directory.
type Builder struct {
	signer   *proofsign.Signer
	issuerID string
	now      func() time.Time
}

// NewBuilder builds a pack builder. signer must be non-nil; issuerID is
// the Federation Core identity recorded in fc-binding files.
func NewBuilder(signer *proofsign.Signer, issuerID string) (*Builder, error) {
	if signer == nil {
		return nil, fmt.Errorf("proofpack: manifest signer is required")
	}
	if issuerID == "" {
		return nil, fmt.Errorf("proofpack: issuer id is required")
	}
	return &Builder{signer: signer, issuerID: issuerID, now: time.Now}, nil
}

// Build writes the full pack under outDir and returns the sealed index.
// All runs must share one tenant; a mixed-tenant input fails before any
// file is written.
func (b *Builder) Build(runs []CompletedRun, outDir string) (*contracts.PackIndex, error) {
	if len(runs) == 0 {
		return nil, fmt.Errorf("proofpack: no runs to seal")
	}
	tenantID := runs[0].Run.TenantID
	for _, r := range runs {
		if r.Run == nil || r.Run.TenantID == "" {
			return nil, fmt.Errorf("proofpack: run without tenant")
		}
		if r.Run.TenantID != tenantID {
			return nil, fmt.Errorf("proofpack: mixed tenants %q and %q in one pack", tenantID, r.Run.TenantID)
		}
	}

	if err := os.MkdirAll(filepath.Join(outDir, filepath.Dir(PublicKeyRelPath)), 0o755); err != nil {
		return nil, fmt.Errorf("proofpack: create key dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, PublicKeyRelPath), b.signer.PublicKey(), 0o644); err != nil {
		return nil, fmt.Errorf("proofpack: ship public key: %w", err)
	}

	entries := make([]contracts.PackRunEntry, 0, len(runs))
	for _, run := range runs {
		entry, err := b.sealRun(outDir, run)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RunID < entries[j].RunID })

	index := &contracts.PackIndex{
		PackID:     uuid.New().String(),
		CreatedAt:  b.now().UTC().Truncate(time.Second),
		TenantID:   tenantID,
		Runs:       entries,
		PackSHA256: PackSeal(entries),
	}
	indexBytes, err := canonicalize.Canonicalize(index)
	if err != nil {
		return nil, fmt.Errorf("proofpack: canonicalize index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, IndexFileName), indexBytes, 0o644); err != nil {
		return nil, fmt.Errorf("proofpack: write index: %w", err)
	}
	return index, nil
}

// PackSeal computes the pack-level hash over the entries in index order:
// manifest hashes concatenated as UTF-8, hashed once. The builder emits
// index entries sorted by runId, so reordering a sealed index breaks the
// seal.
func PackSeal(entries []contracts.PackRunEntry) string {
	var concat strings.Builder
	for _, e := range entries {
		concat.WriteString(e.SHA256)
	}
	return fcsign.SHA256Text(concat.String())
}

func (b *Builder) sealRun(outDir string, run CompletedRun) (*contracts.PackRunEntry, error) {
	runDir := filepath.Join(outDir, "runs", run.Run.RunID)
	artifactsDir := filepath.Join(runDir, "artifacts")
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("proofpack: create run dir: %w", err)
	}

	files := []struct {
		name  string
		value any
		raw   []byte
	}{
		{PlanFileName, run.Plan, nil},
		{LedgerFileName, run.Ledger, nil},
		{ReceiptFileName, run.Advisory, nil},
		{SummaryFileName, run.Summary, nil},
		{SummaryMdFileName, nil, []byte(run.SummaryMarkdown)},
	}

	manifest := contracts.RunManifest{
		RunID:    run.Run.RunID,
		Scenario: run.Scenario,
		TenantID: run.Run.TenantID,
		Scope:    contracts.ManifestScope{TenantID: run.Run.TenantID},
	}
	if manifest.Scenario == "" {
		manifest.Scenario = "publish"
	}

	for _, f := range files {
		data := f.raw
		if data == nil {
			var err error
			data, err = canonicalize.Canonicalize(f.value)
			if err != nil {
				return nil, fmt.Errorf("proofpack: canonicalize %s: %w", f.name, err)
			}
		}
		path := filepath.Join(artifactsDir, f.name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("proofpack: write %s: %w", f.name, err)
		}
		manifest.Artifacts = append(manifest.Artifacts, contracts.ArtifactEntry{
			Name:   f.name,
			Path:   filepath.ToSlash(filepath.Join("runs", run.Run.RunID, "artifacts", f.name)),
			SHA256: fcsign.SHA256Bytes(data),
			Bytes:  int64(len(data)),
		})
	}

	// Sign over the canonical form without the signature block.
	signingBytes, err := canonicalize.Canonicalize(manifest.WithoutSignature())
	if err != nil {
		return nil, fmt.Errorf("proofpack: canonicalize manifest: %w", err)
	}
	manifest.ManifestSignature = &contracts.ManifestSignature{
		Algorithm:     proofsign.Algorithm,
		KeyID:         b.signer.KeyID(),
		PublicKeyPath: PublicKeyRelPath,
		Value:         b.signer.SignCanonical(signingBytes),
	}

	manifestBytes, err := canonicalize.Canonicalize(manifest)
	if err != nil {
		return nil, fmt.Errorf("proofpack: canonicalize signed manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, ManifestFileName), manifestBytes, 0o644); err != nil {
		return nil, fmt.Errorf("proofpack: write manifest: %w", err)
	}

	if err := b.writeBinding(runDir, run); err != nil {
		return nil, err
	}

	return &contracts.PackRunEntry{
		RunID:    run.Run.RunID,
		Scenario: manifest.Scenario,
		Path:     filepath.ToSlash(filepath.Join("runs", run.Run.RunID)),
		SHA256:   fcsign.SHA256Bytes(manifestBytes),
	}, nil
}

func (b *Builder) writeBinding(runDir string, run CompletedRun) error {
	verificationDir := filepath.Join(runDir, "verification")
	if err := os.MkdirAll(verificationDir, 0o755); err != nil {
		return fmt.Errorf("proofpack: create verification dir: %w", err)
	}
	binding := FCBinding{
		RunID:    run.Run.RunID,
		TenantID: run.Run.TenantID,
		IssuerID: b.issuerID,
		Checks:   fcBindingChecks,
	}
	data, err := canonicalize.Canonicalize(binding)
	if err != nil {
		return fmt.Errorf("proofpack: canonicalize binding: %w", err)
	}
	if err := os.WriteFile(filepath.Join(verificationDir, FCBindingFileName), data, 0o644); err != nil {
		return fmt.Errorf("proofpack: write binding: %w", err)
	}
	return nil
}
