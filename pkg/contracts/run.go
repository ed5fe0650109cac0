package contracts

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run is one end-to-end pipeline execution. Mode must be present; a run
// without a mode fails closed before any stage executes.
type Run struct {
	RunID         string         `json:"runId"`
	TenantID      string         `json:"tenantId"`
	Mode          Mode           `json:"mode"`
	StartedAt     time.Time      `json:"startedAt"`
	Input         map[string]any `json:"input,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

// NewRun mints a run with a fresh UUID and a UTC start time.
func NewRun(tenantID string, mode Mode, input map[string]any, correlationID string) *Run {
	if input == nil {
		input = map[string]any{}
	}
	return &Run{
		RunID:         uuid.New().String(),
		TenantID:      tenantID,
		Mode:          mode,
		StartedAt:     time.Now().UTC().Truncate(time.Second),
		Input:         input,
		CorrelationID: correlationID,
	}
}

// Validate fails closed on a missing or unknown mode.
func (r *Run) Validate() error {
	if r == nil {
		return fmt.Errorf("run is nil")
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("run %s: mode %q is not a known mode (fail closed)", r.RunID, r.Mode)
	}
	if r.RunID == "" {
		return fmt.Errorf("run is missing runId")
	}
	if r.TenantID == "" {
		return fmt.Errorf("run %s: tenantId is required", r.RunID)
	}
	return nil
}
