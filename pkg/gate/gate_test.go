package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/keon-os/marketops/pkg/audit"
	"github.com/keon-os/marketops/pkg/canonicalize"
	"github.com/keon-os/marketops/pkg/contracts"
	"github.com/keon-os/marketops/pkg/governance"
)

type stubTools struct {
	decide  *governance.ToolResult
	execute *governance.ToolResult
	err     error
	calls   []governance.ToolInvocation
}

func (s *stubTools) Invoke(ctx context.Context, inv governance.ToolInvocation) (*governance.ToolResult, error) {
	s.calls = append(s.calls, inv)
	if s.err != nil {
		return nil, s.err
	}
	if inv.ToolID == governance.ToolExecute {
		return s.execute, nil
	}
	return s.decide, nil
}

type stubEvidence struct {
	createErr   error
	verify      *governance.EvidenceVerifyResult
	verifyErr   error
	createCalls int
	verifyCalls int
	content     []byte
}

func (s *stubEvidence) Create(ctx context.Context, req governance.EvidenceCreateRequest) (*governance.EvidenceCreateResult, error) {
	s.createCalls++
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.content = req.Content
	return &governance.EvidenceCreateResult{EvidenceID: "ev-1", Digest: canonicalize.Hash(req.Content), CreatedAt: time.Now().UTC()}, nil
}

func (s *stubEvidence) Download(ctx context.Context, req governance.EvidenceDownloadRequest) (*governance.EvidenceDownloadResult, error) {
	return &governance.EvidenceDownloadResult{Content: s.content, Digest: canonicalize.Hash(s.content)}, nil
}

func (s *stubEvidence) Verify(ctx context.Context, packHash string) (*governance.EvidenceVerifyResult, error) {
	s.verifyCalls++
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	if s.verify != nil {
		return s.verify, nil
	}
	return &governance.EvidenceVerifyResult{IsValid: true, Verdict: "valid"}, nil
}

func approvedDecision() *governance.ToolResult {
	return &governance.ToolResult{
		Success:      true,
		Outcome:      governance.OutcomeApproved,
		DecidedAtUtc: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
		Audit:        &governance.ToolAudit{ReceiptID: "receipt-1"},
	}
}

func packet() *contracts.PublishPacket {
	return &contracts.PublishPacket{
		ArtifactID:    "artifact-1",
		ArtifactType:  "release-notes",
		CreatedAtUtc:  time.Date(2026, 2, 10, 11, 0, 0, 0, time.UTC),
		TenantID:      "keon-public",
		CorrelationID: "corr-1",
		ActorID:       "publisher",
		PayloadRef:    &contracts.PayloadRef{Kind: contracts.PayloadKindFile, Path: "notes/v1.md"},
		Destinations:  []string{"github-releases"},
	}
}

func newGate(t *testing.T, tools governance.ToolsAPI, ev governance.EvidenceAPI) *Gate {
	t.Helper()
	var writer *audit.Writer
	if ev != nil {
		var err error
		writer, err = audit.NewWriter(ev, t.TempDir(), audit.Nop())
		require.NoError(t, err)
	}
	g, err := New(Config{
		TenantID:            "keon-public",
		ActorID:             "publisher",
		AllowedDestinations: []string{"github-releases", "blog"},
	}, tools, ev, writer, audit.Nop())
	require.NoError(t, err)
	return g
}

func TestCheck_AllowsAndAugmentsPacket(t *testing.T) {
	tools := &stubTools{decide: approvedDecision()}
	ev := &stubEvidence{}
	g := newGate(t, tools, ev)

	p := packet()
	result, err := g.Check(context.Background(), p)
	require.NoError(t, err)

	assert.True(t, result.Allowed)
	assert.Empty(t, result.DenialCode)
	assert.Empty(t, result.FailureStage)
	require.NotNil(t, result.Governance)
	assert.Equal(t, "receipt-1", result.Governance.ReceiptID)
	assert.NotEmpty(t, result.Governance.ReceiptPath)

	expectedHash, err := canonicalize.HashObject(p.WithoutGovernance())
	require.NoError(t, err)
	assert.Equal(t, expectedHash, result.PacketHashSHA256)

	require.NotNil(t, result.Packet.Governance)
	assert.Nil(t, p.Governance, "input packet is not mutated")
	assert.Equal(t, 1, ev.verifyCalls)
}

func TestCheck_PrecheckTenantMismatch(t *testing.T) {
	tools := &stubTools{decide: approvedDecision()}
	ev := &stubEvidence{}
	g := newGate(t, tools, ev)

	p := packet()
	p.TenantID = "someone-else"
	result, err := g.Check(context.Background(), p)
	require.NoError(t, err)

	assert.False(t, result.Allowed)
	assert.Equal(t, contracts.StagePrecheck, result.FailureStage)
	assert.Equal(t, "TENANT_MISMATCH", result.DenialCode)
	assert.Equal(t, PacketHashUnavailable, result.PacketHashSHA256)
	assert.Empty(t, tools.calls, "precheck denial never reaches the SDK")
	assert.Zero(t, ev.createCalls)
}

func TestCheck_PrecheckShapeCodes(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(p *contracts.PublishPacket)
		code   string
	}{
		{"artifact id", func(p *contracts.PublishPacket) { p.ArtifactID = " " }, "ARTIFACT_ID_MISSING"},
		{"correlation id", func(p *contracts.PublishPacket) { p.CorrelationID = "" }, "CORRELATION_ID_MISSING"},
		{"destinations", func(p *contracts.PublishPacket) { p.Destinations = nil }, "DESTINATIONS_EMPTY"},
		{"destination whitespace", func(p *contracts.PublishPacket) { p.Destinations = []string{"bad dest"} }, "DESTINATION_INVALID"},
		{"destination allowlist", func(p *contracts.PublishPacket) { p.Destinations = []string{"mastodon"} }, "DESTINATION_NOT_ALLOWED"},
		{"payload missing", func(p *contracts.PublishPacket) { p.PayloadRef = nil }, "PAYLOAD_REF_MISSING"},
		{"payload traversal", func(p *contracts.PublishPacket) { p.PayloadRef.Path = "../etc/passwd" }, "PAYLOAD_REF_INVALID"},
		{"actor", func(p *contracts.PublishPacket) { p.ActorID = "intruder" }, "ACTOR_MISMATCH"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newGate(t, &stubTools{decide: approvedDecision()}, &stubEvidence{})
			p := packet()
			tc.mutate(p)
			result, err := g.Check(context.Background(), p)
			require.NoError(t, err)
			assert.Equal(t, tc.code, result.DenialCode)
			assert.Equal(t, contracts.StagePrecheck, result.FailureStage)
		})
	}
}

func TestCheck_DecisionNotApproved(t *testing.T) {
	tools := &stubTools{decide: &governance.ToolResult{
		Success: true,
		Outcome: "denied",
		Audit:   &governance.ToolAudit{ReceiptID: "receipt-1"},
	}}
	ev := &stubEvidence{}
	g := newGate(t, tools, ev)

	result, err := g.Check(context.Background(), packet())
	require.NoError(t, err)

	assert.Equal(t, contracts.StageDecision, result.FailureStage)
	assert.Equal(t, "DECISION_NOT_APPROVED", result.DenialCode)
	assert.NotEqual(t, PacketHashUnavailable, result.PacketHashSHA256, "hash stage ran before decision")
	assert.Zero(t, ev.createCalls, "no audit after a denied decision")
	assert.Zero(t, ev.verifyCalls, "no verify after a denied decision")
}

func TestCheck_DecisionTransportError(t *testing.T) {
	g := newGate(t, &stubTools{err: errors.New("connection refused")}, &stubEvidence{})

	result, err := g.Check(context.Background(), packet())
	require.NoError(t, err, "SDK errors never cross the gate boundary")
	assert.Equal(t, "DECISION_FAILED", result.DenialCode)
	assert.Equal(t, contracts.StageDecision, result.FailureStage)
}

func TestCheck_EvidenceGapMapsToSdkGapCode(t *testing.T) {
	tools := &stubTools{decide: approvedDecision()}
	ev := &stubEvidence{createErr: &governance.CapabilityGapError{Capability: "/evidence/create"}}
	g := newGate(t, tools, ev)

	result, err := g.Check(context.Background(), packet())
	require.NoError(t, err)
	assert.Equal(t, contracts.StageEvidencePack, result.FailureStage)
	assert.Equal(t, "SDK_GAP_AUDIT_WRITE", result.DenialCode)
}

func TestCheck_VerifyFailed(t *testing.T) {
	tools := &stubTools{decide: approvedDecision()}
	ev := &stubEvidence{verify: &governance.EvidenceVerifyResult{IsValid: false, Verdict: "digest mismatch"}}
	g := newGate(t, tools, ev)

	result, err := g.Check(context.Background(), packet())
	require.NoError(t, err)
	assert.Equal(t, contracts.StageVerify, result.FailureStage)
	assert.Equal(t, "VERIFY_FAILED", result.DenialCode)
	assert.Contains(t, result.DenialMessage, "digest mismatch")
}

func TestCheck_VerifyException(t *testing.T) {
	tools := &stubTools{decide: approvedDecision()}
	ev := &stubEvidence{verifyErr: errors.New("verify endpoint down")}
	g := newGate(t, tools, ev)

	result, err := g.Check(context.Background(), packet())
	require.NoError(t, err)
	assert.Equal(t, "VERIFY_EXCEPTION", result.DenialCode)
}

func TestCheck_CancellationIsReRaised(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tools := &stubTools{err: context.Canceled}
	g := newGate(t, tools, &stubEvidence{})

	_, err := g.Check(ctx, packet())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCheck_ExecutionBindsDecisionReceipt(t *testing.T) {
	tools := &stubTools{
		decide:  approvedDecision(),
		execute: &governance.ToolResult{Success: true, Outcome: "executed"},
	}
	ev := &stubEvidence{}
	writer, err := audit.NewWriter(ev, t.TempDir(), audit.Nop())
	require.NoError(t, err)
	g, err := New(Config{
		TenantID:            "keon-public",
		ActorID:             "publisher",
		AllowedDestinations: []string{"github-releases"},
		ExecutionTarget:     "publish-worker",
		Execute:             true,
	}, tools, ev, writer, audit.Nop())
	require.NoError(t, err)

	result, gerr := g.Check(context.Background(), packet())
	require.NoError(t, gerr)
	require.True(t, result.Allowed, result.DenialMessage)

	require.Len(t, tools.calls, 2)
	exec := tools.calls[1]
	assert.Equal(t, governance.ToolExecute, exec.ToolID)
	assert.Equal(t, "receipt-1", exec.DecisionReceiptID)
	params, ok := exec.Input["params"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, result.PacketHashSHA256, params["packetHashSha256"])
}

func TestCheck_ExecutionFailure(t *testing.T) {
	tools := &stubTools{
		decide:  approvedDecision(),
		execute: &governance.ToolResult{Success: false, Error: "worker rejected request"},
	}
	ev := &stubEvidence{}
	writer, err := audit.NewWriter(ev, t.TempDir(), audit.Nop())
	require.NoError(t, err)
	g, err := New(Config{
		TenantID:            "keon-public",
		ActorID:             "publisher",
		AllowedDestinations: []string{"github-releases"},
		Execute:             true,
	}, tools, ev, writer, audit.Nop())
	require.NoError(t, err)

	result, gerr := g.Check(context.Background(), packet())
	require.NoError(t, gerr)
	assert.Equal(t, contracts.StageExecution, result.FailureStage)
	assert.Equal(t, "EXECUTION_FAILED", result.DenialCode)
	assert.Zero(t, ev.createCalls, "no evidence after failed execution")
}

func TestCheck_EmitsStageSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	g := newGate(t, &stubTools{decide: approvedDecision()}, &stubEvidence{})
	result, err := g.Check(context.Background(), packet())
	require.NoError(t, err)
	require.True(t, result.Allowed, result.DenialMessage)

	names := map[string]bool{}
	for _, span := range recorder.Ended() {
		names[span.Name()] = true
	}
	for _, want := range []string{
		"gate.check",
		"gate.stage.precheck",
		"gate.stage.decision",
		"gate.stage.evidence_pack",
		"gate.stage.verify",
	} {
		assert.True(t, names[want], want)
	}
}

func TestPrecheck_NeverContactsSdk(t *testing.T) {
	tools := &stubTools{decide: approvedDecision()}
	g := newGate(t, tools, &stubEvidence{})

	result := g.Precheck(packet())
	assert.True(t, result.Allowed)
	assert.NotEmpty(t, result.PacketHashSHA256)
	assert.Empty(t, tools.calls)

	p := packet()
	p.TenantID = ""
	denied := g.Precheck(p)
	assert.Equal(t, "TENANT_ID_MISSING", denied.DenialCode)
	assert.Equal(t, PacketHashUnavailable, denied.PacketHashSHA256)
}
