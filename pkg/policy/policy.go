// Package policy evaluates proposed side-effect intents against the fixed
// publication deny rules. Evaluation is a pure function of the intent list:
// same input, same output, including reason ordering.
//
// The rules are compiled once as CEL programs; the CEL surface is an
// implementation detail and is not exposed to callers.
package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/keon-os/marketops/pkg/contracts"
)

// Stable reason identifiers. These appear verbatim in ledgers, plans, and
// advisory receipts.
const (
	ReasonDirectPushMain = "policy.direct_push_main.denied.v1"
	ReasonCIWeaken       = "policy.ci_weaken.denied.v1"
)

// Denial is one rule violation attributed to one intent.
type Denial struct {
	IntentID string `json:"intentId"`
	ReasonID string `json:"reasonId"`
	Message  string `json:"message"`
}

// Result is the outcome of evaluating a full intent list.
type Result struct {
	IsApproved bool     `json:"isApproved"`
	Denials    []Denial `json:"denials"`
}

// ReasonIDsFor returns the ordered reason ids attributed to one intent.
func (r Result) ReasonIDsFor(intentID string) []string {
	var out []string
	for _, d := range r.Denials {
		if d.IntentID == intentID {
			out = append(out, d.ReasonID)
		}
	}
	return out
}

// Messages returns the ordered human-readable denial messages.
func (r Result) Messages() []string {
	out := make([]string, 0, len(r.Denials))
	for _, d := range r.Denials {
		out = append(out, fmt.Sprintf("%s: %s", d.ReasonID, d.Message))
	}
	return out
}

type rule struct {
	reasonID string
	expr     string
	message  func(i contracts.SideEffectIntent) string
}

// Evaluator applies the deny rules to intent lists.
type Evaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
	rules    []rule
}

// New compiles the deny-rule environment.
func New() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("intent", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment: %w", err)
	}

	e := &Evaluator{
		env:      env,
		programs: make(map[string]cel.Program),
		rules: []rule{
			{
				reasonID: ReasonDirectPushMain,
				expr:     `intent.kind != "openPr" && (intent.targetRef.contains("main") || intent.paramsBranch == "main")`,
				message: func(i contracts.SideEffectIntent) string {
					return fmt.Sprintf("intent %s targets main outside a pull request", i.IntentID)
				},
			},
			{
				reasonID: ReasonCIWeaken,
				expr:     `intent.target.contains(".github/workflows") && intent.paramsAction in ["remove", "weaken", "disable"]`,
				message: func(i contracts.SideEffectIntent) string {
					return fmt.Sprintf("intent %s modifies CI workflow protections", i.IntentID)
				},
			},
		},
	}

	// Compile eagerly so a malformed rule fails construction, not evaluation.
	for _, r := range e.rules {
		if _, err := e.program(r.expr); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Evaluate applies every rule to every intent, in input order.
func (e *Evaluator) Evaluate(intents []contracts.SideEffectIntent) (Result, error) {
	res := Result{IsApproved: true, Denials: []Denial{}}
	for _, intent := range intents {
		input := map[string]any{"intent": intentActivation(intent)}
		for _, r := range e.rules {
			denied, err := e.evaluateExpr(r.expr, input)
			if err != nil {
				return Result{}, fmt.Errorf("policy: rule %s: %w", r.reasonID, err)
			}
			if denied {
				res.Denials = append(res.Denials, Denial{
					IntentID: intent.IntentID,
					ReasonID: r.reasonID,
					Message:  r.message(intent),
				})
			}
		}
	}
	res.IsApproved = len(res.Denials) == 0
	return res, nil
}

// intentActivation lowers the case-insensitive fields once so the CEL
// expressions stay simple and deterministic.
func intentActivation(i contracts.SideEffectIntent) map[string]any {
	branch, _ := i.Params["branch"].(string)
	action, _ := i.Params["action"].(string)
	path, _ := i.Params["path"].(string)

	targetRef := strings.ToLower(i.Target.Ref)
	target := strings.ToLower(strings.Join([]string{i.Target.System, i.Target.Ref, path}, "/"))

	return map[string]any{
		"id":           i.IntentID,
		"kind":         string(i.Kind),
		"targetRef":    targetRef,
		"target":       target,
		"paramsBranch": strings.ToLower(strings.TrimSpace(branch)),
		"paramsAction": strings.ToLower(strings.TrimSpace(action)),
	}
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.programs[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.programs[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: program %q: %w", expr, err)
	}
	e.programs[expr] = prg
	return prg, nil
}

func (e *Evaluator) evaluateExpr(expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
