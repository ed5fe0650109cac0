package sideeffect

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/keon-os/marketops/pkg/audit"
	"github.com/keon-os/marketops/pkg/contracts"
)

// Backend performs the actual external mutations for the live port.
type Backend interface {
	CreateRelease(ctx context.Context, target contracts.Target, params map[string]any) (map[string]any, error)
	CreatePost(ctx context.Context, target contracts.Target, params map[string]any) (map[string]any, error)
	CreateTag(ctx context.Context, target contracts.Target, params map[string]any) (map[string]any, error)
	CreatePullRequest(ctx context.Context, target contracts.Target, params map[string]any) (map[string]any, error)
}

// maxReceiptAge guards against time-shifted receipts independently of the
// expiry stamp.
const maxReceiptAge = 24 * time.Hour

// AuthorizationValidator checks receipt binding before any execution and
// enforces one-time use.
type AuthorizationValidator struct {
	mu       sync.Mutex
	consumed map[string]time.Time
	now      func() time.Time
}

// NewAuthorizationValidator creates a validator with an empty consumption
// record.
func NewAuthorizationValidator() *AuthorizationValidator {
	return &AuthorizationValidator{consumed: make(map[string]time.Time), now: time.Now}
}

// Validate checks that auth is an enforceable, unconsumed, unexpired
// receipt bound to exactly this run and operation kind, and atomically
// reserves it. A reservation is a consumption unless Release is called.
func (v *AuthorizationValidator) Validate(auth *Authorization, runID string, kind contracts.Kind) error {
	if auth == nil || auth.ReceiptID == "" {
		return fmt.Errorf("authorization_missing: no receipt provided")
	}
	if auth.RunID != runID {
		return fmt.Errorf("receipt_run_mismatch: receipt %s bound to run %s, not %s", auth.ReceiptID, auth.RunID, runID)
	}
	if auth.Kind != kind {
		return fmt.Errorf("receipt_kind_mismatch: receipt %s bound to %s, not %s", auth.ReceiptID, auth.Kind, kind)
	}
	if !auth.Enforceable {
		return fmt.Errorf("receipt_advisory: receipt %s is advisory and cannot authorize execution", auth.ReceiptID)
	}

	now := v.now().UTC()
	if !auth.ExpiresAt.IsZero() && now.After(auth.ExpiresAt) {
		return fmt.Errorf("receipt_expired: receipt %s expired at %s", auth.ReceiptID, auth.ExpiresAt.Format(time.RFC3339))
	}
	if !auth.IssuedAt.IsZero() && now.Sub(auth.IssuedAt) > maxReceiptAge {
		return fmt.Errorf("receipt_stale: receipt %s issued more than %s ago", auth.ReceiptID, maxReceiptAge)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if at, dup := v.consumed[auth.ReceiptID]; dup {
		return fmt.Errorf("receipt_consumed: receipt %s already consumed at %s", auth.ReceiptID, at.UTC().Format(time.RFC3339))
	}
	v.consumed[auth.ReceiptID] = now
	return nil
}

// Release returns a reserved receipt whose execution never reached the
// backend.
func (v *AuthorizationValidator) Release(receiptID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.consumed, receiptID)
}

// Live is the production port. It refuses non-prod runs, validates
// authorization, throttles, retries transient backend failures, and
// converts every execution error into a failed receipt.
type Live struct {
	backend    Backend
	validator  *AuthorizationValidator
	receipts   *ReceiptStore
	limiter    *rate.Limiter
	log        audit.Logger
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewLive creates a live port. limiter may be nil to disable throttling.
func NewLive(backend Backend, validator *AuthorizationValidator, limiter *rate.Limiter) *Live {
	if validator == nil {
		validator = NewAuthorizationValidator()
	}
	return &Live{
		backend:    backend,
		validator:  validator,
		receipts:   NewReceiptStore(),
		limiter:    limiter,
		log:        audit.Nop(),
		maxRetries: 3,
		sleep:      sleepCtx,
	}
}

// WithAudit attaches an audit logger; every execution gets an operation
// record.
func (l *Live) WithAudit(log audit.Logger) *Live {
	if log != nil {
		l.log = log
	}
	return l
}

// Receipts returns the run's receipts in call order.
func (l *Live) Receipts(runID string) []contracts.SideEffectReceipt {
	return l.receipts.Snapshot(runID)
}

func (l *Live) PublishRelease(ctx context.Context, run *contracts.Run, req Request, auth *Authorization) (*Action, error) {
	return l.execute(ctx, run, contracts.KindPublishRelease, req, auth, l.backend.CreateRelease)
}

func (l *Live) PublishPost(ctx context.Context, run *contracts.Run, req Request, auth *Authorization) (*Action, error) {
	return l.execute(ctx, run, contracts.KindPublishPost, req, auth, l.backend.CreatePost)
}

func (l *Live) TagRepo(ctx context.Context, run *contracts.Run, req Request, auth *Authorization) (*Action, error) {
	return l.execute(ctx, run, contracts.KindTagRepo, req, auth, l.backend.CreateTag)
}

func (l *Live) OpenPr(ctx context.Context, run *contracts.Run, req Request, auth *Authorization) (*Action, error) {
	return l.execute(ctx, run, contracts.KindOpenPr, req, auth, l.backend.CreatePullRequest)
}

type backendCall func(ctx context.Context, target contracts.Target, params map[string]any) (map[string]any, error)

func (l *Live) execute(ctx context.Context, run *contracts.Run, kind contracts.Kind, req Request, auth *Authorization, call backendCall) (*Action, error) {
	if run == nil || run.Mode != contracts.ModeProd {
		return nil, fmt.Errorf("live port refuses non-prod call (mode=%v)", runMode(run))
	}

	// Authorization denial is a failed receipt, not an execution.
	if err := l.validator.Validate(auth, run.RunID, kind); err != nil {
		return l.seal(ctx, run.RunID, kind, req.Target, false, err.Error(), "rejected_by_auth", 0, nil), nil
	}

	if l.limiter != nil && !l.limiter.Allow() {
		l.validator.Release(auth.ReceiptID)
		return l.seal(ctx, run.RunID, kind, req.Target, false, "rate_limited", "failed", 0, nil), nil
	}

	var (
		response map[string]any
		lastErr  error
		attempt  int
	)
	for attempt = 0; attempt <= l.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if attempt == 0 {
				// No call left the process; the receipt stays usable.
				l.validator.Release(auth.ReceiptID)
			}
			return nil, err
		}
		response, lastErr = call(ctx, req.Target, req.Params)
		if lastErr == nil {
			break
		}
		if !transient(lastErr) || attempt == l.maxRetries {
			break
		}
		if err := l.sleep(ctx, backoff(attempt)); err != nil {
			return nil, err
		}
	}

	if lastErr != nil {
		return l.seal(ctx, run.RunID, kind, req.Target, false, lastErr.Error(), "failed", attempt, nil), nil
	}

	return l.seal(ctx, run.RunID, kind, req.Target, true, "", "success", attempt, response), nil
}

func (l *Live) seal(ctx context.Context, runID string, kind contracts.Kind, target contracts.Target, success bool, errMsg, status string, retries int, response map[string]any) *Action {
	receipt := contracts.SideEffectReceipt{
		ID:           uuid.New().String(),
		Mode:         contracts.ModeProd,
		Kind:         kind,
		Target:       target,
		Success:      success,
		ErrorMessage: errMsg,
		ExecutedAt:   time.Now().UTC().Truncate(time.Second),
		RetryCount:   retries,
	}
	l.receipts.Append(runID, receipt)
	_ = l.log.Record(ctx, audit.EventMutation, "SIDE_EFFECT_"+strings.ToUpper(status), runID, map[string]any{
		"operationId": receipt.ID,
		"kind":        string(kind),
		"status":      status,
		"retryCount":  retries,
		"error":       errMsg,
	})
	return &Action{Receipt: &receipt, Response: response}
}

// transient reports whether a backend error is worth retrying.
func transient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "connection", "rate_limited", "service_unavailable", "503"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// backoff is exponential: 2s, 4s, 8s.
func backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt+1)) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
