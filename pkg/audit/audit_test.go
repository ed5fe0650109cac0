package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keon-os/marketops/pkg/audit"
	"github.com/keon-os/marketops/pkg/canonicalize"
	"github.com/keon-os/marketops/pkg/governance"
)

func TestLogger_Record_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	err := logger.Record(context.Background(), audit.EventAccess, "precheck", "/marketops/runs", nil)
	require.NoError(t, err)

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	jsonPart := strings.TrimSpace(strings.TrimPrefix(output, "AUDIT: "))
	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(jsonPart), &event))

	assert.Equal(t, audit.EventAccess, event.Type)
	assert.Equal(t, "precheck", event.Action)
	assert.Equal(t, "/marketops/runs", event.Resource)
	assert.Equal(t, "system", event.TenantID)
	assert.NotEmpty(t, event.ID)
	// UUID format: 8-4-4-4-12
	assert.Len(t, event.ID, 36)
}

func TestLogger_Record_AttributesContextIdentity(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	ctx := audit.WithIdentity(context.Background(), audit.Identity{TenantID: "keon-public", ActorID: "marketops"})
	meta := map[string]interface{}{"runId": "run-1", "mode": "dryRun"}
	require.NoError(t, logger.Record(ctx, audit.EventStage, "STAGE_DISCOVER_START", "run-1", meta))

	jsonPart := strings.TrimPrefix(buf.String(), "AUDIT: ")
	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(jsonPart)), &event))

	assert.Equal(t, "keon-public", event.TenantID)
	assert.Equal(t, "marketops", event.ActorID)
	assert.Equal(t, "dryRun", event.Metadata["mode"])
}

type stubEvidence struct {
	created     []governance.EvidenceCreateRequest
	downloadGap bool
	content     []byte
}

func (s *stubEvidence) Create(ctx context.Context, req governance.EvidenceCreateRequest) (*governance.EvidenceCreateResult, error) {
	s.created = append(s.created, req)
	s.content = req.Content
	return &governance.EvidenceCreateResult{
		EvidenceID: "ev-1",
		Digest:     canonicalize.Hash(req.Content),
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (s *stubEvidence) Download(ctx context.Context, req governance.EvidenceDownloadRequest) (*governance.EvidenceDownloadResult, error) {
	if s.downloadGap {
		return nil, &governance.CapabilityGapError{Capability: "evidence.download"}
	}
	return &governance.EvidenceDownloadResult{Content: s.content, Digest: canonicalize.Hash(s.content)}, nil
}

func (s *stubEvidence) Verify(ctx context.Context, packHash string) (*governance.EvidenceVerifyResult, error) {
	return &governance.EvidenceVerifyResult{IsValid: true, Verdict: "valid"}, nil
}

func receipt() audit.DecisionReceipt {
	return audit.DecisionReceipt{
		ReceiptID:     "receipt-123",
		Outcome:       "approved",
		DecidedAtUtc:  time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
		TenantID:      "keon-public",
		CorrelationID: "corr-1",
	}
}

func TestWriter_WriteReceiptAndPack_MaterializesBoth(t *testing.T) {
	root := t.TempDir()
	ev := &stubEvidence{}
	w, err := audit.NewWriter(ev, root, audit.Nop())
	require.NoError(t, err)

	res, err := w.WriteReceiptAndPack(context.Background(), receipt(), "artifact-1")
	require.NoError(t, err)

	assert.Equal(t, "ev-1", res.EvidencePackID)
	assert.NotEmpty(t, res.EvidencePackPath)
	assert.Contains(t, res.ReceiptPath, filepath.Join("assets", "publish"))
	assert.Contains(t, res.ReceiptPath, "artifact-1")

	onDisk, err := os.ReadFile(res.ReceiptPath)
	require.NoError(t, err)
	assert.Equal(t, canonicalize.Hash(onDisk), res.Digest, "receipt bytes on disk are the sealed bytes")

	require.Len(t, ev.created, 1)
	assert.Equal(t, "receipt-123", ev.created[0].ReceiptID)
	assert.Equal(t, "publish", ev.created[0].Phase)
}

func TestWriter_WriteReceiptAndPack_DownloadGapIsStillSuccess(t *testing.T) {
	ev := &stubEvidence{downloadGap: true}
	w, err := audit.NewWriter(ev, t.TempDir(), audit.Nop())
	require.NoError(t, err)

	res, err := w.WriteReceiptAndPack(context.Background(), receipt(), "artifact-1")
	require.NoError(t, err, "a missing download capability is not a failure")
	assert.Equal(t, "ev-1", res.EvidencePackID)
	assert.Empty(t, res.EvidencePackPath)
	assert.NotEmpty(t, res.ReceiptPath)
}

func TestWriter_WriteReceiptAndPack_FailsClosedOnMissingReceiptID(t *testing.T) {
	w, err := audit.NewWriter(&stubEvidence{}, t.TempDir(), nil)
	require.NoError(t, err)

	r := receipt()
	r.ReceiptID = ""
	_, err = w.WriteReceiptAndPack(context.Background(), r, "artifact-1")
	assert.Error(t, err)
}

func TestNewWriter_RequiresEvidenceAPI(t *testing.T) {
	_, err := audit.NewWriter(nil, t.TempDir(), nil)
	assert.Error(t, err)
}
