package artifacts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keon-os/marketops/pkg/canonicalize"
	"github.com/keon-os/marketops/pkg/contracts"
	"github.com/keon-os/marketops/pkg/fcsign"
)

func newGenerator(t *testing.T) *Generator {
	t.Helper()
	signer, err := fcsign.New("fc-test-key", []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	gen, err := NewGenerator(signer, contracts.Issuer{ID: "keon-judge", Endpoint: "https://judge.local"})
	require.NoError(t, err)
	return gen
}

func intentFor(run *contracts.Run, kind contracts.Kind, ref string) contracts.SideEffectIntent {
	return contracts.SideEffectIntent{
		IntentID:      "intent-" + ref,
		RunID:         run.RunID,
		Mode:          run.Mode,
		Kind:          kind,
		Target:        contracts.Target{System: "github", Ref: ref},
		BlockedByMode: run.Mode == contracts.ModeDryRun,
		BlockedReason: contracts.BlockedByModeReason,
		RequiredAuthorization: contracts.RequiredAuthorization{
			ReceiptType:         "advisory",
			EnforceableRequired: false,
		},
		PolicyDenialReasons: []string{},
	}
}

func TestBuildPlan_ApprovedShipsEverything(t *testing.T) {
	gen := newGenerator(t)
	run := contracts.NewRun("keon-public", contracts.ModeDryRun, nil, "corr-1")
	intents := []contracts.SideEffectIntent{
		intentFor(run, contracts.KindOpenPr, "repos/a"),
		intentFor(run, contracts.KindOpenPr, "repos/b"),
	}

	plan := gen.BuildPlan(run, intents, true, nil)
	assert.Len(t, plan.WouldShip, 2)
	assert.Empty(t, plan.WouldNotShip)
	assert.Nil(t, plan.Reasons)
	assert.Equal(t, "intent-repos/a", plan.WouldShip[0].IntentID, "input order preserved")
}

func TestBuildPlan_DeniedShipsNothingAndRecordsReasons(t *testing.T) {
	gen := newGenerator(t)
	run := contracts.NewRun("keon-public", contracts.ModeDryRun, nil, "corr-1")
	intents := []contracts.SideEffectIntent{intentFor(run, contracts.KindTagRepo, "repos/a/main")}
	reasons := []string{"policy.direct_push_main.denied.v1: intent intent-repos/a/main targets main"}

	plan := gen.BuildPlan(run, intents, false, reasons)
	assert.Empty(t, plan.WouldShip)
	assert.Len(t, plan.WouldNotShip, 1)
	require.Len(t, plan.Reasons, 1)
	for _, v := range plan.Reasons {
		assert.Contains(t, v, "direct_push_main")
	}
}

func TestMintAdvisory_BindsPlanAndLedgerDigests(t *testing.T) {
	gen := newGenerator(t)
	run := contracts.NewRun("keon-public", contracts.ModeDryRun, nil, "corr-1")
	intents := []contracts.SideEffectIntent{intentFor(run, contracts.KindOpenPr, "repos/a")}

	plan := gen.BuildPlan(run, intents, true, nil)
	ledger := gen.BuildLedger(run, intents, nil)

	receipt, frozen, err := gen.MintAdvisory(run, plan, ledger, nil)
	require.NoError(t, err)

	assert.False(t, receipt.Enforceable, "dry-run receipts are advisory")
	assert.Equal(t, "keon-judge", receipt.Issuer.ID)
	assert.Equal(t, run.RunID, receipt.RunID)

	planSha, err := canonicalize.HashObject(plan)
	require.NoError(t, err)
	assert.Equal(t, planSha, receipt.Subject.SubjectDigests.PlanSHA256)

	ledgerSha, err := canonicalize.HashObject(frozen.WithoutReceiptBinding())
	require.NoError(t, err)
	assert.Equal(t, ledgerSha, receipt.Subject.SubjectDigests.LedgerSHA256,
		"ledger digest excludes the receipt binding, so freezing does not change it")

	assert.Equal(t, receipt.ID, frozen.ReceiptID)
	assert.Equal(t, receipt.Digests.ReceiptSHA256, frozen.ReceiptDigest)

	require.NotNil(t, receipt.Signature)
	assert.Equal(t, fcsign.Algorithm, receipt.Signature.Algorithm)
	assert.True(t, gen.VerifyAdvisory(receipt))
}

func TestMintAdvisory_ProdReceiptIsEnforceable(t *testing.T) {
	gen := newGenerator(t)
	run := contracts.NewRun("keon-public", contracts.ModeProd, nil, "corr-1")

	plan := gen.BuildPlan(run, nil, true, nil)
	ledger := gen.BuildLedger(run, nil, nil)
	receipt, _, err := gen.MintAdvisory(run, plan, ledger, nil)
	require.NoError(t, err)
	assert.True(t, receipt.Enforceable)
}

func TestVerifyAdvisory_DetectsTamper(t *testing.T) {
	gen := newGenerator(t)
	run := contracts.NewRun("keon-public", contracts.ModeDryRun, nil, "corr-1")
	plan := gen.BuildPlan(run, nil, true, nil)
	ledger := gen.BuildLedger(run, nil, nil)
	receipt, _, err := gen.MintAdvisory(run, plan, ledger, nil)
	require.NoError(t, err)

	tampered := receipt
	tampered.TenantID = "other-tenant"
	assert.False(t, gen.VerifyAdvisory(tampered))

	unsigned := receipt
	unsigned.Signature = nil
	assert.False(t, gen.VerifyAdvisory(unsigned))
}

func TestBuildSummary_CountsIssuesAndStatuses(t *testing.T) {
	gen := newGenerator(t)
	run := contracts.NewRun("keon-public", contracts.ModeDryRun, nil, "corr-1")
	intents := []contracts.SideEffectIntent{
		intentFor(run, contracts.KindOpenPr, "repos/a"),
		intentFor(run, contracts.KindOpenPr, "repos/b"),
	}
	discovered := []contracts.DiscoveredArtifact{
		{Name: "b", Path: "/repos/b", Issues: []contracts.Issue{
			{Type: contracts.IssueMissingCodeowners, Severity: contracts.SeverityHigh},
			{Type: contracts.IssueIncompleteReadme, Severity: contracts.SeverityMedium},
		}},
		{Name: "a", Path: "/repos/a", Issues: []contracts.Issue{
			{Type: contracts.IssueMissingCodeowners, Severity: contracts.SeverityHigh},
		}},
	}

	plan := gen.BuildPlan(run, intents, true, nil)
	summary := gen.BuildSummary(run, plan, discovered, true, nil)

	assert.Equal(t, "approved", summary.PolicyVerdict)
	assert.Equal(t, 2, summary.StatusCounts["wouldShip"])
	assert.Equal(t, 0, summary.StatusCounts["wouldNotShip"])
	assert.Equal(t, 2, summary.IssueCounts[contracts.IssueMissingCodeowners])
	assert.Equal(t, 1, summary.IssueCounts[contracts.IssueIncompleteReadme])
	require.Len(t, summary.TargetBreakdown, 2)
	assert.Equal(t, "a", summary.TargetBreakdown[0].Target, "breakdown sorted by target")
}

func TestRenderSummaryMarkdown_IsAViewOfTheRecord(t *testing.T) {
	gen := newGenerator(t)
	run := contracts.NewRun("keon-public", contracts.ModeDryRun, nil, "corr-1")
	plan := gen.BuildPlan(run, nil, false, []string{"policy.ci_weaken.denied.v1: workflow weakened"})
	summary := gen.BuildSummary(run, plan, nil, false, []string{"policy.ci_weaken.denied.v1: workflow weakened"})

	md := RenderSummaryMarkdown(summary)
	assert.True(t, strings.HasPrefix(md, "# Approver Summary"))
	assert.Contains(t, md, run.RunID)
	assert.Contains(t, md, "**denied**")
	assert.Contains(t, md, "policy.ci_weaken.denied.v1")
}
