package contracts

import (
	"strings"
	"time"
	"unicode"
)

// PayloadKind identifies where a packet's payload lives.
type PayloadKind string

const (
	PayloadKindFile          PayloadKind = "file"
	PayloadKindRepoPath      PayloadKind = "repoPath"
	PayloadKindArtifactStore PayloadKind = "artifactStore"
)

// PayloadRef locates the artifact payload. Path must be relative, not
// rooted, with no ".." segments and no ":" inside segments.
type PayloadRef struct {
	Kind        PayloadKind `json:"kind"`
	Path        string      `json:"path"`
	ContentType string      `json:"contentType,omitempty"`
	SHA256      string      `json:"sha256,omitempty"`
}

// PublishPacket is the input to the governance gate: one artifact, its
// provenance, and its intended destinations.
type PublishPacket struct {
	ArtifactID    string              `json:"artifactId"`
	ArtifactType  string              `json:"artifactType"`
	CreatedAtUtc  time.Time           `json:"createdAtUtc"`
	TenantID      string              `json:"tenantId"`
	CorrelationID string              `json:"correlationId"`
	ActorID       string              `json:"actorId"`
	SourceRefs    []string            `json:"sourceRefs,omitempty"`
	PayloadRef    *PayloadRef         `json:"payloadRef,omitempty"`
	Destinations  []string            `json:"destinations"`
	Governance    *GovernanceEvidence `json:"governance,omitempty"`
}

// WithoutGovernance returns a copy with the governance record cleared.
// The packet hash is always computed over this form.
func (p PublishPacket) WithoutGovernance() PublishPacket {
	p.Governance = nil
	return p
}

// ValidateShape checks the structural invariants of the packet and returns
// a stable denial code on the first violation. Tenant/actor/destination
// policy is checked by the gate, not here.
func (p *PublishPacket) ValidateShape() (code, message string, ok bool) {
	if p == nil {
		return "PACKET_NULL", "packet is null", false
	}
	if strings.TrimSpace(p.ArtifactID) == "" {
		return "ARTIFACT_ID_MISSING", "artifactId is required", false
	}
	if strings.TrimSpace(p.TenantID) == "" {
		return "TENANT_ID_MISSING", "tenantId is required", false
	}
	if strings.TrimSpace(p.CorrelationID) == "" {
		return "CORRELATION_ID_MISSING", "correlationId is required", false
	}
	if len(p.Destinations) == 0 {
		return "DESTINATIONS_EMPTY", "at least one destination is required", false
	}
	for _, d := range p.Destinations {
		if !destinationClean(d) {
			return "DESTINATION_INVALID", "destination contains whitespace or control characters", false
		}
	}
	if p.PayloadRef == nil {
		return "PAYLOAD_REF_MISSING", "payloadRef is required", false
	}
	if !payloadPathSafe(p.PayloadRef.Path) {
		return "PAYLOAD_REF_INVALID", "payloadRef.path must be relative and traversal-free", false
	}
	return "", "", true
}

func destinationClean(d string) bool {
	if strings.TrimSpace(d) == "" {
		return false
	}
	for _, r := range d {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// payloadPathSafe rejects rooted paths, ".." traversal, and ":" inside
// segments (drive letters, alternate streams).
func payloadPathSafe(p string) bool {
	if p == "" {
		return false
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return false
	}
	normalized := strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." || strings.Contains(seg, ":") {
			return false
		}
	}
	return true
}
