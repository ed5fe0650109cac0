package contracts

import "time"

// FailureStage tags the first gate stage that failed. Later stages are
// never attempted.
type FailureStage string

const (
	StagePrecheck     FailureStage = "precheck"
	StageHash         FailureStage = "hash"
	StageDecision     FailureStage = "decision"
	StageExecution    FailureStage = "execution"
	StageEvidencePack FailureStage = "evidencePack"
	StageVerify       FailureStage = "verify"
	StageException    FailureStage = "exception"
)

// GovernanceEvidence is attached to a packet once the gate allows it.
type GovernanceEvidence struct {
	ReceiptID           string    `json:"receiptId"`
	Outcome             string    `json:"outcome"`
	DecidedAtUtc        time.Time `json:"decidedAtUtc"`
	ReceiptPath         string    `json:"receiptPath,omitempty"`
	EvidencePackPath    string    `json:"evidencePackPath,omitempty"`
	VerificationSummary string    `json:"verificationSummary,omitempty"`
}

// GateResult is the terminal outcome of one gate run.
//
// Invariant: Allowed ⇔ FailureStage empty ∧ DenialCode empty ∧ Governance set.
type GateResult struct {
	Allowed          bool                `json:"allowed"`
	DenialCode       string              `json:"denialCode,omitempty"`
	DenialMessage    string              `json:"denialMessage,omitempty"`
	FailureStage     FailureStage        `json:"failureStage,omitempty"`
	PacketHashSHA256 string              `json:"packetHashSha256,omitempty"`
	Packet           *PublishPacket      `json:"packet,omitempty"`
	Governance       *GovernanceEvidence `json:"governance,omitempty"`
}

// AllowGate builds a successful result carrying the augmented packet.
func AllowGate(packet *PublishPacket, packetHash string, ev *GovernanceEvidence) GateResult {
	return GateResult{
		Allowed:          true,
		PacketHashSHA256: packetHash,
		Packet:           packet,
		Governance:       ev,
	}
}

// DenyGate builds a terminal failure result.
func DenyGate(stage FailureStage, code, message, packetHash string, packet *PublishPacket) GateResult {
	return GateResult{
		Allowed:          false,
		DenialCode:       code,
		DenialMessage:    message,
		FailureStage:     stage,
		PacketHashSHA256: packetHash,
		Packet:           packet,
	}
}
