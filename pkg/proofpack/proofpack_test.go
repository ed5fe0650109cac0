package proofpack

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keon-os/marketops/pkg/artifacts"
	"github.com/keon-os/marketops/pkg/contracts"
	"github.com/keon-os/marketops/pkg/fcsign"
	"github.com/keon-os/marketops/pkg/proofsign"
)

const issuerID = "keon-judge"

func newSigners(t *testing.T) (*proofsign.Signer, *fcsign.Signer) {
	t.Helper()
	ed, err := proofsign.Generate()
	require.NoError(t, err)
	fc, err := fcsign.New("fc-test-key", []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return ed, fc
}

// completedRun builds one coherent artifact set through the generator so
// every digest binding holds.
func completedRun(t *testing.T, fc *fcsign.Signer, scenario string) CompletedRun {
	t.Helper()
	gen, err := artifacts.NewGenerator(fc, contracts.Issuer{ID: issuerID})
	require.NoError(t, err)

	run := contracts.NewRun("keon-public", contracts.ModeDryRun, nil, "corr-1")
	intent := contracts.SideEffectIntent{
		IntentID:      "intent-1",
		RunID:         run.RunID,
		Mode:          run.Mode,
		Kind:          contracts.KindOpenPr,
		Target:        contracts.Target{System: "github", Ref: "repos/svc"},
		BlockedByMode: true,
		BlockedReason: contracts.BlockedByModeReason,
		RequiredAuthorization: contracts.RequiredAuthorization{
			ReceiptType: "advisory",
		},
		PolicyDenialReasons: []string{},
	}

	plan := gen.BuildPlan(run, []contracts.SideEffectIntent{intent}, true, nil)
	ledger := gen.BuildLedger(run, []contracts.SideEffectIntent{intent}, nil)
	advisory, frozen, err := gen.MintAdvisory(run, plan, ledger, nil)
	require.NoError(t, err)
	summary := gen.BuildSummary(run, plan, nil, true, nil)

	return CompletedRun{
		Run:             run,
		Scenario:        scenario,
		Plan:            plan,
		Ledger:          frozen,
		Advisory:        advisory,
		Summary:         summary,
		SummaryMarkdown: artifacts.RenderSummaryMarkdown(summary),
	}
}

func buildPack(t *testing.T, runs ...CompletedRun) (string, *contracts.PackIndex, *fcsign.Signer) {
	t.Helper()
	ed, fc := newSigners(t)
	builder, err := NewBuilder(ed, issuerID)
	require.NoError(t, err)

	dir := t.TempDir()
	index, err := builder.Build(runs, dir)
	require.NoError(t, err)
	return dir, index, fc
}

func TestBuildAndVerify_CleanPackPasses(t *testing.T) {
	_, fc := newSigners(t)
	run := completedRun(t, fc, "hygiene-sweep")

	ed, err := proofsign.Generate()
	require.NoError(t, err)
	builder, err := NewBuilder(ed, issuerID)
	require.NoError(t, err)
	dir := t.TempDir()
	index, err := builder.Build([]CompletedRun{run}, dir)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, IndexFileName))
	assert.FileExists(t, filepath.Join(dir, PublicKeyRelPath))
	assert.FileExists(t, filepath.Join(dir, "runs", run.Run.RunID, ManifestFileName))
	assert.FileExists(t, filepath.Join(dir, "runs", run.Run.RunID, "artifacts", PlanFileName))
	assert.FileExists(t, filepath.Join(dir, "runs", run.Run.RunID, "verification", FCBindingFileName))

	report, err := NewVerifier(fc, issuerID).VerifyPack(dir)
	require.NoError(t, err)
	assert.True(t, report.Verified, report.Summary)
	assert.Zero(t, report.IssueCount)
	assert.Equal(t, "keon-public", index.TenantID)
}

func TestVerify_TamperedPlanFailsTwoChecks(t *testing.T) {
	ed, fc := newSigners(t)
	run := completedRun(t, fc, "tamper")
	builder, err := NewBuilder(ed, issuerID)
	require.NoError(t, err)
	dir := t.TempDir()
	_, err = builder.Build([]CompletedRun{run}, dir)
	require.NoError(t, err)

	planPath := filepath.Join(dir, "runs", run.Run.RunID, "artifacts", PlanFileName)
	data, err := os.ReadFile(planPath)
	require.NoError(t, err)
	data[len(data)-2] ^= 0x01 // flip one byte
	require.NoError(t, os.WriteFile(planPath, data, 0o644))

	report, err := NewVerifier(fc, issuerID).VerifyPack(dir)
	require.NoError(t, err)
	assert.False(t, report.Verified)

	failedNames := map[string]bool{}
	for _, c := range report.Checks {
		if !c.Pass {
			failedNames[c.Name] = true
		}
	}
	prefix := "run:" + run.Run.RunID
	assert.True(t, failedNames[prefix+":artifact:"+PlanFileName], "manifest artifact hash must fail")
	assert.True(t, failedNames[prefix+":plan_digest"], "receipt plan binding must fail")
}

func TestVerify_TamperedManifestFailsSignature(t *testing.T) {
	ed, fc := newSigners(t)
	run := completedRun(t, fc, "tamper-manifest")
	builder, err := NewBuilder(ed, issuerID)
	require.NoError(t, err)
	dir := t.TempDir()
	_, err = builder.Build([]CompletedRun{run}, dir)
	require.NoError(t, err)

	manifestPath := filepath.Join(dir, "runs", run.Run.RunID, ManifestFileName)
	var manifest contracts.RunManifest
	raw, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &manifest))
	manifest.Scenario = "rewritten"
	edited, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(manifestPath, edited, 0o644))

	report, err := NewVerifier(fc, issuerID).VerifyPack(dir)
	require.NoError(t, err)
	assert.False(t, report.Verified)

	var sigFailed, indexHashFailed bool
	for _, c := range report.Checks {
		if !c.Pass && c.Name == "run:"+run.Run.RunID+":manifest_signature" {
			sigFailed = true
		}
		if !c.Pass && c.Name == "run:"+run.Run.RunID+":manifest_index_hash" {
			indexHashFailed = true
		}
	}
	assert.True(t, sigFailed)
	assert.True(t, indexHashFailed)
}

func TestPackSeal_BindsEntryOrder(t *testing.T) {
	a := contracts.PackRunEntry{RunID: "aaa", SHA256: "1111"}
	b := contracts.PackRunEntry{RunID: "bbb", SHA256: "2222"}

	assert.NotEqual(t,
		PackSeal([]contracts.PackRunEntry{a, b}),
		PackSeal([]contracts.PackRunEntry{b, a}),
		"seal covers the index order")
	assert.NotEqual(t,
		PackSeal([]contracts.PackRunEntry{a, b}),
		PackSeal([]contracts.PackRunEntry{a, {RunID: "bbb", SHA256: "3333"}}))
}

func TestBuild_TwoRunPackSealsBothManifests(t *testing.T) {
	_, fc := newSigners(t)
	run1 := completedRun(t, fc, "scenario-1")
	run2 := completedRun(t, fc, "scenario-2")
	dir, index, _ := buildPack(t, run1, run2)

	require.Len(t, index.Runs, 2)
	assert.True(t, index.Runs[0].RunID < index.Runs[1].RunID, "index entries are emitted sorted by runId")
	assert.Equal(t, PackSeal(index.Runs), index.PackSHA256)

	report, err := NewVerifier(fc, issuerID).VerifyPack(dir)
	require.NoError(t, err)
	assert.True(t, report.Verified, report.Summary)
}

func TestVerify_ReorderedIndexFailsOnlyPackSeal(t *testing.T) {
	_, fc := newSigners(t)
	run1 := completedRun(t, fc, "first")
	run2 := completedRun(t, fc, "second")
	dir, index, _ := buildPack(t, run1, run2)
	require.Len(t, index.Runs, 2)

	// Swap the two entries on disk; every manifest stays intact.
	indexPath := filepath.Join(dir, IndexFileName)
	raw, err := os.ReadFile(indexPath)
	require.NoError(t, err)
	var onDisk contracts.PackIndex
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	onDisk.Runs[0], onDisk.Runs[1] = onDisk.Runs[1], onDisk.Runs[0]
	edited, err := json.Marshal(onDisk)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(indexPath, edited, 0o644))

	report, err := NewVerifier(fc, issuerID).VerifyPack(dir)
	require.NoError(t, err)
	assert.False(t, report.Verified)
	require.Equal(t, 1, report.IssueCount, report.Summary)
	for _, c := range report.Checks {
		if !c.Pass {
			assert.Equal(t, "pack_seal", c.Name)
		}
	}
}

func TestBuild_RejectsMixedTenants(t *testing.T) {
	ed, fc := newSigners(t)
	run1 := completedRun(t, fc, "a")
	run2 := completedRun(t, fc, "b")
	run2.Run.TenantID = "other-tenant"

	builder, err := NewBuilder(ed, issuerID)
	require.NoError(t, err)
	_, err = builder.Build([]CompletedRun{run1, run2}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mixed tenants")
}

func TestVerify_MissingHmacKeyFailsClosed(t *testing.T) {
	_, fc := newSigners(t)
	run := completedRun(t, fc, "no-key")
	dir, _, _ := buildPack(t, run)

	report, err := NewVerifier(nil, issuerID).VerifyPack(dir)
	require.NoError(t, err)
	assert.False(t, report.Verified)

	var sealFailClosed bool
	for _, c := range report.Checks {
		if !c.Pass && c.Name == "run:"+run.Run.RunID+":receipt_signature" {
			sealFailClosed = true
			assert.Contains(t, c.Reason, "failing closed")
		}
	}
	assert.True(t, sealFailClosed)
}
