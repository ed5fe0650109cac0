// Package gate is the fail-closed authority check for publish packets:
// precheck, hash, governance decision, optional bound execution, evidence
// sealing, and verification. The first failing stage wins; later stages
// are never attempted, and no SDK error ever crosses the gate boundary as
// a raw error.
package gate

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keon-os/marketops/pkg/audit"
	"github.com/keon-os/marketops/pkg/canonicalize"
	"github.com/keon-os/marketops/pkg/contracts"
	"github.com/keon-os/marketops/pkg/governance"
)

var tracer = otel.Tracer("marketops/gate")

// PacketHashUnavailable is recorded when a packet is denied before its
// hash could be computed.
const PacketHashUnavailable = "unavailable-in-precheck"

// Config scopes a gate to one tenant, actor, and destination allowlist.
type Config struct {
	TenantID            string
	ActorID             string
	AllowedDestinations []string
	Capability          string
	ExecutionTarget     string
	Execute             bool
}

// Gate runs the six-stage check. Tools and Writer may be nil only for
// precheck-only use.
type Gate struct {
	cfg      Config
	tools    governance.ToolsAPI
	evidence governance.EvidenceAPI
	writer   *audit.Writer
	log      audit.Logger
}

// New builds a Gate. Construction fails closed on missing tenant or actor.
func New(cfg Config, tools governance.ToolsAPI, evidence governance.EvidenceAPI, writer *audit.Writer, log audit.Logger) (*Gate, error) {
	if cfg.TenantID == "" || cfg.ActorID == "" {
		return nil, fmt.Errorf("gate: tenantId and actorId are required")
	}
	if cfg.Capability == "" {
		cfg.Capability = "marketops.publish"
	}
	if log == nil {
		log = audit.Nop()
	}
	return &Gate{cfg: cfg, tools: tools, evidence: evidence, writer: writer, log: log}, nil
}

// Precheck runs only the shape and policy validation. It never contacts
// the Governance SDK.
func (g *Gate) Precheck(packet *contracts.PublishPacket) contracts.GateResult {
	if code, msg, ok := g.precheck(packet); !ok {
		return contracts.DenyGate(contracts.StagePrecheck, code, msg, PacketHashUnavailable, packet)
	}
	hash, err := canonicalize.HashObject(packet.WithoutGovernance())
	if err != nil {
		return contracts.DenyGate(contracts.StageHash, "GATE_EXCEPTION", err.Error(), PacketHashUnavailable, packet)
	}
	return contracts.GateResult{Allowed: true, PacketHashSHA256: hash, Packet: packet}
}

// Check runs the full state machine. The only error ever returned is
// context cancellation; every other failure is a terminal GateResult.
func (g *Gate) Check(ctx context.Context, packet *contracts.PublishPacket) (result contracts.GateResult, err error) {
	ctx, span := tracer.Start(ctx, "gate.check", trace.WithAttributes(
		attribute.String("gate.artifact_id", packetID(packet)),
	))
	defer func() {
		span.SetAttributes(attribute.Bool("gate.allowed", result.Allowed))
		if !result.Allowed {
			span.SetAttributes(
				attribute.String("gate.failure_stage", string(result.FailureStage)),
				attribute.String("gate.denial_code", result.DenialCode),
			)
		}
		span.End()
	}()
	defer func() {
		if r := recover(); r != nil {
			_ = g.log.Record(ctx, audit.EventSystem, "GATE_EXCEPTION", packetID(packet), map[string]any{"panic": fmt.Sprint(r)})
			result = contracts.DenyGate(contracts.StageException, "GATE_EXCEPTION", fmt.Sprint(r), PacketHashUnavailable, packet)
			err = nil
		}
	}()

	ctx = audit.WithIdentity(ctx, audit.Identity{TenantID: g.cfg.TenantID, ActorID: g.cfg.ActorID})

	// Stage 1: Precheck.
	_, preSpan := tracer.Start(ctx, "gate.stage.precheck")
	code, msg, ok := g.precheck(packet)
	preSpan.End()
	if !ok {
		_ = g.log.Record(ctx, audit.EventPolicy, "GATE_DENY_PRECHECK", packetID(packet), map[string]any{"code": code})
		return contracts.DenyGate(contracts.StagePrecheck, code, msg, PacketHashUnavailable, packet), nil
	}

	// Stage 2: Hash.
	packetHash, hashErr := canonicalize.HashObject(packet.WithoutGovernance())
	if hashErr != nil {
		return contracts.DenyGate(contracts.StageHash, "GATE_EXCEPTION", hashErr.Error(), PacketHashUnavailable, packet), nil
	}

	// Stage 3: Decision.
	if g.tools == nil {
		return contracts.DenyGate(contracts.StageDecision, "DECISION_FAILED", "no governance tools client configured", packetHash, packet), nil
	}
	decCtx, decSpan := tracer.Start(ctx, "gate.stage.decision")
	decision, invokeErr := g.tools.Invoke(decCtx, governance.ToolInvocation{
		ToolID: governance.ToolDecide,
		Input: map[string]any{
			"capability":       g.cfg.Capability,
			"artifactId":       packet.ArtifactID,
			"artifactType":     packet.ArtifactType,
			"destinations":     packet.Destinations,
			"packetHashSha256": packetHash,
		},
		Context: map[string]any{
			"tenant":      packet.TenantID,
			"correlation": packet.CorrelationID,
			"tags":        []string{"pipeline=marketops", "stage=gate"},
			"operation":   "publish",
		},
		TenantID:      packet.TenantID,
		ActorID:       packet.ActorID,
		CorrelationID: packet.CorrelationID,
	})
	decSpan.End()
	if invokeErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return contracts.GateResult{}, ctxErr
		}
		return contracts.DenyGate(contracts.StageDecision, "DECISION_FAILED", invokeErr.Error(), packetHash, packet), nil
	}
	if !decision.Success {
		return contracts.DenyGate(contracts.StageDecision, "DECISION_FAILED", decision.Error, packetHash, packet), nil
	}
	if decision.Outcome != governance.OutcomeApproved {
		msg := fmt.Sprintf("decision outcome is %q, not %q", decision.Outcome, governance.OutcomeApproved)
		return contracts.DenyGate(contracts.StageDecision, "DECISION_NOT_APPROVED", msg, packetHash, packet), nil
	}
	receiptID := ""
	if decision.Audit != nil {
		receiptID = decision.Audit.ReceiptID
	}
	if receiptID == "" {
		return contracts.DenyGate(contracts.StageDecision, "DECISION_FAILED", "decision result carried no receipt id", packetHash, packet), nil
	}

	// Stage 4: Execution (optional).
	if g.cfg.Execute {
		if denied := g.execute(ctx, packet, packetHash, receiptID); denied != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return contracts.GateResult{}, ctxErr
			}
			return *denied, nil
		}
	}

	// Stage 5: EvidencePack.
	if g.writer == nil {
		return contracts.DenyGate(contracts.StageEvidencePack, "EVIDENCE_PACK_FAILED", "no audit writer configured", packetHash, packet), nil
	}
	packCtx, packSpan := tracer.Start(ctx, "gate.stage.evidence_pack")
	sealed, sealErr := g.writer.WriteReceiptAndPack(packCtx, audit.DecisionReceipt{
		ReceiptID:        receiptID,
		Outcome:          decision.Outcome,
		DecidedAtUtc:     decision.DecidedAtUtc,
		TenantID:         packet.TenantID,
		CorrelationID:    packet.CorrelationID,
		PacketHashSha256: packetHash,
	}, packet.ArtifactID)
	packSpan.End()
	if sealErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return contracts.GateResult{}, ctxErr
		}
		code := "EVIDENCE_PACK_FAILED"
		if governance.IsCapabilityGap(sealErr) {
			code = "SDK_GAP_AUDIT_WRITE"
		}
		return contracts.DenyGate(contracts.StageEvidencePack, code, sealErr.Error(), packetHash, packet), nil
	}

	// Stage 6: Verify.
	verifyCtx, verifySpan := tracer.Start(ctx, "gate.stage.verify")
	verdict, verifyErr := g.evidence.Verify(verifyCtx, sealed.Digest)
	verifySpan.End()
	if verifyErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return contracts.GateResult{}, ctxErr
		}
		return contracts.DenyGate(contracts.StageVerify, "VERIFY_EXCEPTION", verifyErr.Error(), packetHash, packet), nil
	}
	if !verdict.IsValid {
		return contracts.DenyGate(contracts.StageVerify, "VERIFY_FAILED", verdict.Verdict, packetHash, packet), nil
	}

	evidence := &contracts.GovernanceEvidence{
		ReceiptID:           receiptID,
		Outcome:             decision.Outcome,
		DecidedAtUtc:        decision.DecidedAtUtc,
		ReceiptPath:         sealed.ReceiptPath,
		EvidencePackPath:    sealed.EvidencePackPath,
		VerificationSummary: verdict.Verdict,
	}
	augmented := *packet
	augmented.Governance = evidence

	_ = g.log.Record(ctx, audit.EventMutation, "GATE_ALLOW", packet.ArtifactID, map[string]any{
		"receiptId":        receiptID,
		"packetHashSha256": packetHash,
	})
	return contracts.AllowGate(&augmented, packetHash, evidence), nil
}

// execute performs the optional bound execution. A nil return means the
// stage passed.
func (g *Gate) execute(ctx context.Context, packet *contracts.PublishPacket, packetHash, receiptID string) *contracts.GateResult {
	ctx, span := tracer.Start(ctx, "gate.stage.execution")
	defer span.End()

	input := map[string]any{
		"target": g.cfg.ExecutionTarget,
		"params": map[string]any{"packetHashSha256": packetHash},
	}

	// The hash binding must survive serialization before anything leaves
	// the process.
	raw, marshalErr := json.Marshal(input)
	if marshalErr != nil {
		denied := contracts.DenyGate(contracts.StageExecution, "EXECUTION_PARAMS_INVALID",
			marshalErr.Error(), packetHash, packet)
		return &denied
	}
	var decoded struct {
		Params struct {
			PacketHashSHA256 string `json:"packetHashSha256"`
		} `json:"params"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded.Params.PacketHashSHA256 != packetHash {
		denied := contracts.DenyGate(contracts.StageExecution, "EXECUTION_PARAMS_INVALID",
			"execution params do not bind the computed packet hash", packetHash, packet)
		return &denied
	}

	result, err := g.tools.Invoke(ctx, governance.ToolInvocation{
		ToolID:            governance.ToolExecute,
		Input:             input,
		TenantID:          packet.TenantID,
		ActorID:           packet.ActorID,
		CorrelationID:     packet.CorrelationID,
		DecisionReceiptID: receiptID,
	})
	if err != nil {
		denied := contracts.DenyGate(contracts.StageExecution, "EXECUTION_FAILED", err.Error(), packetHash, packet)
		return &denied
	}
	if !result.Success {
		denied := contracts.DenyGate(contracts.StageExecution, "EXECUTION_FAILED", result.Error, packetHash, packet)
		return &denied
	}
	return nil
}

func (g *Gate) precheck(packet *contracts.PublishPacket) (code, message string, ok bool) {
	if code, message, ok = packet.ValidateShape(); !ok {
		return code, message, false
	}
	if packet.TenantID != g.cfg.TenantID {
		return "TENANT_MISMATCH", fmt.Sprintf("packet tenant %q does not match gate tenant %q", packet.TenantID, g.cfg.TenantID), false
	}
	if packet.ActorID != g.cfg.ActorID {
		return "ACTOR_MISMATCH", fmt.Sprintf("packet actor %q does not match gate actor %q", packet.ActorID, g.cfg.ActorID), false
	}
	allowed := make(map[string]struct{}, len(g.cfg.AllowedDestinations))
	for _, d := range g.cfg.AllowedDestinations {
		allowed[d] = struct{}{}
	}
	for _, d := range packet.Destinations {
		if _, ok := allowed[d]; !ok {
			return "DESTINATION_NOT_ALLOWED", fmt.Sprintf("destination %q is not in the allowlist", d), false
		}
	}
	return "", "", true
}

func packetID(p *contracts.PublishPacket) string {
	if p == nil {
		return ""
	}
	return p.ArtifactID
}
