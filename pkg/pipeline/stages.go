// Package pipeline runs the fixed publish stage sequence: discover,
// select, verify, evaluate, plan, execute, seal. Stages one through five
// are pure over their inputs; the execute boundary is the only place side
// effects can happen, and only through the configured port.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keon-os/marketops/pkg/audit"
	"github.com/keon-os/marketops/pkg/canonicalize"
	"github.com/keon-os/marketops/pkg/contracts"
	"github.com/keon-os/marketops/pkg/policy"
)

// SimulateDirectPushMain is the input flag that injects a policy-violating
// tag intent, used to demonstrate a denial end to end.
const SimulateDirectPushMain = "direct_push_main"

// readmeSections must all be present for a README to count as complete.
var readmeSections = []string{"## Installation", "## Usage", "## License"}

// State is the accumulating output of the stage sequence.
type State struct {
	Artifacts    []contracts.DiscoveredArtifact
	Intents      []contracts.SideEffectIntent
	PolicyResult policy.Result
	Plan         contracts.PublicationPlan
}

// Stages holds the pure stage implementations.
type Stages struct {
	evaluator *policy.Evaluator
	log       audit.Logger
	now       func() time.Time
}

// NewStages builds the stage set. log may be nil.
func NewStages(evaluator *policy.Evaluator, log audit.Logger) (*Stages, error) {
	if evaluator == nil {
		return nil, fmt.Errorf("pipeline: policy evaluator is required")
	}
	if log == nil {
		log = audit.Nop()
	}
	return &Stages{evaluator: evaluator, log: log, now: time.Now}, nil
}

// Discover parses run.input.repos and applies the hygiene checks to each
// existing directory. A missing directory is skipped with an audit line
// only, never an error.
func (s *Stages) Discover(ctx context.Context, run *contracts.Run, st *State) error {
	repos, err := reposFromInput(run.Input["repos"])
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}

	st.Artifacts = []contracts.DiscoveredArtifact{}
	for _, repo := range repos {
		info, statErr := os.Stat(repo)
		if statErr != nil || !info.IsDir() {
			_ = s.log.Record(ctx, audit.EventSystem, "discover_skip_missing", repo, map[string]any{"runId": run.RunID})
			continue
		}
		st.Artifacts = append(st.Artifacts, contracts.DiscoveredArtifact{
			Name:   filepath.Base(repo),
			Path:   repo,
			Issues: hygieneIssues(repo),
		})
	}
	return nil
}

// Select is the filtering hook. Identity for now; preserves input order.
func (s *Stages) Select(ctx context.Context, run *contracts.Run, st *State) error {
	return nil
}

// Verify passes candidates through. The verify slot is the hook for
// hash and provenance work.
func (s *Stages) Verify(ctx context.Context, run *contracts.Run, st *State) error {
	return nil
}

// Evaluate builds one OpenPr intent per hygiene issue, injects the
// simulated violation when requested, and applies the policy rules. Denied
// intents get their blockedByPolicy and policyDenialReasons fields set.
func (s *Stages) Evaluate(ctx context.Context, run *contracts.Run, st *State) error {
	st.Intents = []contracts.SideEffectIntent{}
	for _, art := range st.Artifacts {
		for _, issue := range art.Issues {
			slug := strings.ReplaceAll(issue.Type, "_", "-")
			st.Intents = append(st.Intents, s.mintIntent(run, contracts.KindOpenPr,
				contracts.Target{System: "github", Ref: "repos/" + art.Name},
				map[string]any{
					"branch": "marketops/hygiene-" + art.Name + "-" + slug,
					"title":  "chore: fix " + issue.Type,
					"issue":  issue.Type,
				},
			))
		}
	}

	if sim, _ := run.Input["simulateViolation"].(string); sim == SimulateDirectPushMain {
		st.Intents = append(st.Intents, s.mintIntent(run, contracts.KindTagRepo,
			contracts.Target{System: "github", Ref: "repos/marketops/main"},
			map[string]any{"branch": "main", "tag": "v0.0.0-violation"},
		))
	}

	result, err := s.evaluator.Evaluate(st.Intents)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	st.PolicyResult = result

	for i := range st.Intents {
		reasons := result.ReasonIDsFor(st.Intents[i].IntentID)
		if len(reasons) > 0 {
			st.Intents[i].BlockedByPolicy = true
			st.Intents[i].PolicyDenialReasons = reasons
		}
	}
	return nil
}

// Plan partitions the intents: an approved evaluation ships everything, a
// denied one ships nothing.
func (s *Stages) Plan(ctx context.Context, run *contracts.Run, st *State) error {
	plan := contracts.PublicationPlan{
		RunID:        run.RunID,
		TenantID:     run.TenantID,
		Mode:         run.Mode,
		WouldShip:    []contracts.PlanItem{},
		WouldNotShip: []contracts.PlanItem{},
	}
	for _, in := range st.Intents {
		item := contracts.PlanItem{IntentID: in.IntentID, Kind: in.Kind, Target: in.Target}
		if st.PolicyResult.IsApproved {
			plan.WouldShip = append(plan.WouldShip, item)
		} else {
			plan.WouldNotShip = append(plan.WouldNotShip, item)
		}
	}
	if !st.PolicyResult.IsApproved {
		plan.Reasons = make(map[string]string, len(st.PolicyResult.Denials))
		for i, d := range st.PolicyResult.Denials {
			plan.Reasons[fmt.Sprintf("denial-%03d", i+1)] = fmt.Sprintf("%s: %s", d.ReasonID, d.Message)
		}
	}
	st.Plan = plan
	return nil
}

func (s *Stages) mintIntent(run *contracts.Run, kind contracts.Kind, target contracts.Target, params map[string]any) contracts.SideEffectIntent {
	intent := contracts.SideEffectIntent{
		IntentID:      uuid.New().String(),
		RunID:         run.RunID,
		Mode:          run.Mode,
		Kind:          kind,
		Target:        target,
		Params:        params,
		CreatedAtUtc:  s.now().UTC().Truncate(time.Second),
		BlockedByMode: run.Mode == contracts.ModeDryRun,
		RequiredAuthorization: contracts.RequiredAuthorization{
			ReceiptType:         "advisory",
			EnforceableRequired: false,
		},
		PolicyDenialReasons: []string{},
	}
	if run.Mode == contracts.ModeDryRun {
		intent.BlockedReason = contracts.BlockedByModeReason
	}
	if run.Mode == contracts.ModeProd {
		intent.RequiredAuthorization = contracts.RequiredAuthorization{
			ReceiptType:         "enforceable",
			EnforceableRequired: true,
		}
	}
	if digest, err := canonicalize.HashObject(intent); err == nil {
		intent.IntentDigest = digest
	}
	return intent
}

// reposFromInput accepts a plain string, a string slice, or a JSON array
// string.
func reposFromInput(v any) ([]string, error) {
	switch repos := v.(type) {
	case nil:
		return nil, nil
	case string:
		trimmed := strings.TrimSpace(repos)
		if strings.HasPrefix(trimmed, "[") {
			var parsed []string
			if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
				return nil, fmt.Errorf("repos input is not a valid JSON array: %w", err)
			}
			return parsed, nil
		}
		if trimmed == "" {
			return nil, nil
		}
		return []string{trimmed}, nil
	case []string:
		return repos, nil
	case []any:
		out := make([]string, 0, len(repos))
		for _, item := range repos {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("repos input contains a non-string element")
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("repos input has unsupported type %T", v)
	}
}

func hygieneIssues(dir string) []contracts.Issue {
	issues := []contracts.Issue{}

	readme, err := os.ReadFile(filepath.Join(dir, "README.md"))
	if err != nil {
		issues = append(issues, contracts.Issue{
			Type:     contracts.IssueIncompleteReadme,
			Severity: contracts.SeverityMedium,
			Message:  "README.md is missing",
		})
	} else {
		var missing []string
		for _, section := range readmeSections {
			if !strings.Contains(string(readme), section) {
				missing = append(missing, section)
			}
		}
		if len(missing) > 0 {
			issues = append(issues, contracts.Issue{
				Type:     contracts.IssueIncompleteReadme,
				Severity: contracts.SeverityMedium,
				Message:  "README.md lacks required sections: " + strings.Join(missing, ", "),
			})
		}
	}

	if !fileExists(filepath.Join(dir, "CODEOWNERS")) && !fileExists(filepath.Join(dir, ".github", "CODEOWNERS")) {
		issues = append(issues, contracts.Issue{
			Type:     contracts.IssueMissingCodeowners,
			Severity: contracts.SeverityHigh,
			Message:  "no CODEOWNERS file",
		})
	}

	if !fileExists(filepath.Join(dir, ".editorconfig")) {
		issues = append(issues, contracts.Issue{
			Type:     contracts.IssueMissingEditorfiles,
			Severity: contracts.SeverityLow,
			Message:  "no .editorconfig file",
		})
	}
	return issues
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
