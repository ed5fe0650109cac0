package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keon-os/marketops/pkg/artifacts"
	"github.com/keon-os/marketops/pkg/audit"
	"github.com/keon-os/marketops/pkg/contracts"
	"github.com/keon-os/marketops/pkg/events"
	"github.com/keon-os/marketops/pkg/sideeffect"
)

var tracer = otel.Tracer("marketops/pipeline")

// Result is the outcome of one full pipeline execution. On failure only
// ErrorMessage is meaningful; no partial artifacts are persisted.
type Result struct {
	Success         bool                            `json:"success"`
	ErrorMessage    string                          `json:"errorMessage,omitempty"`
	Run             *contracts.Run                  `json:"run"`
	Artifacts       []contracts.DiscoveredArtifact  `json:"artifacts,omitempty"`
	Plan            contracts.PublicationPlan       `json:"plan"`
	Ledger          contracts.ProofLedger           `json:"ledger"`
	Advisory        *contracts.JudgeAdvisoryReceipt `json:"advisory,omitempty"`
	Summary         contracts.ApproverSummary       `json:"summary"`
	SummaryMarkdown string                          `json:"-"`
}

// AuthorizationProvider supplies the receipt authorizing one prod intent.
// Returning nil is a denial: the live port seals a failed receipt.
type AuthorizationProvider func(run *contracts.Run, intent contracts.SideEffectIntent) *sideeffect.Authorization

// Orchestrator drives the fixed stage sequence and owns the execute
// boundary.
type Orchestrator struct {
	stages    *Stages
	dryPort   sideeffect.Port
	livePort  sideeffect.Port
	generator *artifacts.Generator
	emitter   events.Emitter
	log       audit.Logger
	authorize AuthorizationProvider
	intents   *sideeffect.IntentStore
	now       func() time.Time
}

// Config wires an Orchestrator. DryPort must be the null sink built over
// IntentStore; LivePort may be nil when prod runs are not served.
type Config struct {
	Stages      *Stages
	IntentStore *sideeffect.IntentStore
	DryPort     sideeffect.Port
	LivePort    sideeffect.Port
	Generator   *artifacts.Generator
	Emitter     events.Emitter
	Log         audit.Logger
	Authorize   AuthorizationProvider
}

// NewOrchestrator validates the wiring and builds the orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Stages == nil {
		return nil, fmt.Errorf("pipeline: stages are required")
	}
	if cfg.IntentStore == nil || cfg.DryPort == nil {
		return nil, fmt.Errorf("pipeline: intent store and dry-run port are required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("pipeline: artifact generator is required")
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.NopEmitter{}
	}
	if cfg.Log == nil {
		cfg.Log = audit.Nop()
	}
	return &Orchestrator{
		stages:    cfg.Stages,
		dryPort:   cfg.DryPort,
		livePort:  cfg.LivePort,
		generator: cfg.Generator,
		emitter:   cfg.Emitter,
		log:       cfg.Log,
		authorize: cfg.Authorize,
		intents:   cfg.IntentStore,
		now:       time.Now,
	}, nil
}

type namedStage struct {
	name string
	fn   func(ctx context.Context, run *contracts.Run, st *State) error
}

// Execute runs the stage sequence for one run. The mode is validated
// before anything else; an invalid mode fails closed with no stage
// executed. The canonical event sequence is emitted regardless of
// success.
func (o *Orchestrator) Execute(ctx context.Context, run *contracts.Run) *Result {
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", runID(run)),
		attribute.String("run.mode", string(runMode(run))),
	))
	defer span.End()

	o.emit(events.Event{Type: events.TypeRunStarted, RunID: runID(run), Mode: runMode(run), Status: "started"})

	if err := run.Validate(); err != nil {
		return o.fail(ctx, run, fmt.Errorf("mode validation: %w", err))
	}

	ctx = audit.WithIdentity(ctx, audit.Identity{TenantID: run.TenantID, ActorID: "marketops-pipeline"})

	st := &State{}
	fixed := []namedStage{
		{"DISCOVER", o.stages.Discover},
		{"SELECT", o.stages.Select},
		{"VERIFY", o.stages.Verify},
		{"EVALUATE", o.stages.Evaluate},
		{"PLAN", o.stages.Plan},
	}
	for _, stage := range fixed {
		if err := o.runStage(ctx, run, st, stage); err != nil {
			return o.fail(ctx, run, err)
		}
	}
	o.emit(events.Event{Type: events.TypePlanGenerated, RunID: run.RunID, Mode: run.Mode, Status: "ok"})

	ledgerIntents, receipts, err := o.executeBoundary(ctx, run, st)
	if err != nil {
		return o.fail(ctx, run, err)
	}

	// Stage 7 Seal.
	ledger := o.generator.BuildLedger(run, ledgerIntents, receipts)
	o.emit(events.Event{Type: events.TypeLedgerSealed, RunID: run.RunID, Mode: run.Mode, Status: "ok"})

	advisory, frozen, err := o.generator.MintAdvisory(run, st.Plan, ledger, st.PolicyResult.Messages())
	if err != nil {
		return o.fail(ctx, run, fmt.Errorf("seal: %w", err))
	}
	advisoryEvent := events.TypeAdvisoryIssued
	if run.Mode == contracts.ModeProd {
		advisoryEvent = events.TypeReceiptIssued
	}
	o.emit(events.Event{Type: advisoryEvent, RunID: run.RunID, Mode: run.Mode, Status: "ok"})

	summary := o.generator.BuildSummary(run, st.Plan, st.Artifacts, st.PolicyResult.IsApproved, st.PolicyResult.Messages())

	o.emit(events.Event{Type: events.TypeRunCompleted, RunID: run.RunID, Mode: run.Mode, Status: "ok"})
	return &Result{
		Success:         true,
		Run:             run,
		Artifacts:       st.Artifacts,
		Plan:            st.Plan,
		Ledger:          frozen,
		Advisory:        &advisory,
		Summary:         summary,
		SummaryMarkdown: artifacts.RenderSummaryMarkdown(summary),
	}
}

// executeBoundary is stage 6. All side effects of a run happen here and
// only through the mode's port.
func (o *Orchestrator) executeBoundary(ctx context.Context, run *contracts.Run, st *State) ([]contracts.SideEffectIntent, []contracts.SideEffectReceipt, error) {
	ctx, span := tracer.Start(ctx, "pipeline.stage.execute")
	defer span.End()
	o.stageStart(ctx, run, "EXECUTE")

	receipts := []contracts.SideEffectReceipt{}
	switch run.Mode {
	case contracts.ModeDryRun:
		for _, intent := range st.Intents {
			req := requestFor(intent)
			if _, err := o.dispatch(ctx, o.dryPort, run, intent.Kind, req, nil); err != nil {
				return nil, nil, fmt.Errorf("execute: %w", err)
			}
		}
		o.emit(events.Event{Type: events.TypeExecuteBlocked, RunID: run.RunID, Mode: run.Mode, Stage: "EXECUTE", Status: "blocked"})
		o.stageEnd(ctx, run, "EXECUTE", map[string]any{"blocked": true, "intents": len(st.Intents)})
		return o.intents.Snapshot(run.RunID), receipts, nil

	case contracts.ModeProd:
		if o.livePort == nil {
			return nil, nil, fmt.Errorf("execute: no live port configured for prod run")
		}
		for _, intent := range st.Intents {
			var auth *sideeffect.Authorization
			if o.authorize != nil {
				auth = o.authorize(run, intent)
			}
			action, err := o.dispatch(ctx, o.livePort, run, intent.Kind, requestFor(intent), auth)
			if err != nil {
				return nil, nil, fmt.Errorf("execute: %w", err)
			}
			if action != nil && action.Receipt != nil {
				receipts = append(receipts, *action.Receipt)
			}
		}
		o.emit(events.Event{Type: events.TypeReceiptsIssued, RunID: run.RunID, Mode: run.Mode, Stage: "EXECUTE", Status: "ok"})
		o.stageEnd(ctx, run, "EXECUTE", map[string]any{"receipts": len(receipts)})
		return st.Intents, receipts, nil

	default:
		return nil, nil, fmt.Errorf("execute: unknown mode %q", run.Mode)
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, port sideeffect.Port, run *contracts.Run, kind contracts.Kind, req sideeffect.Request, auth *sideeffect.Authorization) (*sideeffect.Action, error) {
	switch kind {
	case contracts.KindPublishRelease:
		return port.PublishRelease(ctx, run, req, auth)
	case contracts.KindPublishPost:
		return port.PublishPost(ctx, run, req, auth)
	case contracts.KindTagRepo:
		return port.TagRepo(ctx, run, req, auth)
	case contracts.KindOpenPr:
		return port.OpenPr(ctx, run, req, auth)
	default:
		return nil, fmt.Errorf("unknown side-effect kind %q", kind)
	}
}

func (o *Orchestrator) runStage(ctx context.Context, run *contracts.Run, st *State, stage namedStage) error {
	ctx, span := tracer.Start(ctx, "pipeline.stage."+strings.ToLower(stage.name))
	defer span.End()

	o.stageStart(ctx, run, stage.name)
	if err := stage.fn(ctx, run, st); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.emit(events.Event{Type: events.TypeStageCompleted, RunID: run.RunID, Mode: run.Mode, Stage: stage.name, Status: "failed"})
		return fmt.Errorf("stage %s: %w", stage.name, err)
	}
	o.stageEnd(ctx, run, stage.name, nil)
	return nil
}

func (o *Orchestrator) stageStart(ctx context.Context, run *contracts.Run, name string) {
	_ = o.log.Record(ctx, audit.EventStage, fmt.Sprintf("STAGE_%s_START", name), run.RunID, map[string]any{"mode": run.Mode.Wire()})
	o.emit(events.Event{Type: events.TypeStageStarted, RunID: run.RunID, Mode: run.Mode, Stage: name, Status: "started"})
}

func (o *Orchestrator) stageEnd(ctx context.Context, run *contracts.Run, name string, extra map[string]any) {
	meta := map[string]any{"mode": run.Mode.Wire()}
	for k, v := range extra {
		meta[k] = v
	}
	_ = o.log.Record(ctx, audit.EventStage, fmt.Sprintf("STAGE_%s_END", name), run.RunID, meta)
	o.emit(events.Event{Type: events.TypeStageCompleted, RunID: run.RunID, Mode: run.Mode, Stage: name, Status: "ok"})
}

func (o *Orchestrator) fail(ctx context.Context, run *contracts.Run, err error) *Result {
	trace.SpanFromContext(ctx).SetStatus(codes.Error, err.Error())
	_ = o.log.Record(ctx, audit.EventSystem, "PIPELINE_FAILED", runID(run), map[string]any{"error": err.Error()})
	o.emit(events.Event{Type: events.TypeRunCompleted, RunID: runID(run), Mode: runMode(run), Status: "failed"})
	return &Result{Success: false, ErrorMessage: err.Error(), Run: run}
}

func (o *Orchestrator) emit(event events.Event) {
	event.Timestamp = o.now().UTC()
	o.emitter.Emit(event)
}

func requestFor(intent contracts.SideEffectIntent) sideeffect.Request {
	return sideeffect.Request{
		IntentID:            intent.IntentID,
		Kind:                intent.Kind,
		Target:              intent.Target,
		Params:              intent.Params,
		BlockedByPolicy:     intent.BlockedByPolicy,
		PolicyDenialReasons: intent.PolicyDenialReasons,
	}
}

func runID(run *contracts.Run) string {
	if run == nil {
		return ""
	}
	return run.RunID
}

func runMode(run *contracts.Run) contracts.Mode {
	if run == nil {
		return ""
	}
	return run.Mode
}
