package enforcement

import (
	"context"
	"fmt"

	"github.com/platinummonkey/noticeguard/pkg/contextkeys"
	"github.com/platinummonkey/noticeguard/pkg/identity"
	"github.com/platinummonkey/noticeguard/pkg/observability"
)

// DenialError is the error form of a decision that did not grant
type DenialError struct {
	Outcome Outcome
	Denial  Denial
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Outcome, e.Denial.Code, e.Denial.Message)
}

func denialError(d *Decision) error {
	if d.Denial == nil {
		return &DenialError{Outcome: d.Outcome}
	}
	return &DenialError{Outcome: d.Outcome, Denial: *d.Denial}
}

// Result is what Protect returns: either the operation's own value and error,
// or a DenialError explaining why it did not run
type Result[T any] struct {
	Value    T
	Err      error
	Decision *Decision
}

// Protect authorizes req against rule and runs op only when granted. The
// operation's value and error are returned unchanged. A panic inside op is
// recovered and reported as a SYSTEM_ERROR carrying rule.ErrorCode.
//
// op receives a context holding the caller's claims and the decision.
func Protect[T any](ctx context.Context, i *Interceptor, req Request, rule Rule, op func(context.Context) (T, error)) (res Result[T]) {
	ctx, d := i.decide(ctx, req, rule)
	res.Decision = d
	defer i.finish(ctx, d)

	if !d.Granted() {
		res.Err = denialError(d)
		return res
	}

	ctx = withDecision(ctx, d)
	start := i.now()
	defer func() { d.addStep(StepOperation, start, i.now().Sub(start)) }()
	defer observability.RecoverPanicWithCallback(i.logFor(ctx), "protected operation "+d.PermissionCode, func(err error) {
		var zero T
		d.Err = err
		d.deny(OutcomeSystemError, rule.errorCode(), rule.errorMessage())
		res.Value = zero
		res.Err = denialError(d)
	})

	res.Value, res.Err = op(ctx)
	return res
}

func withClaims(ctx context.Context, claims *identity.Claims) context.Context {
	return context.WithValue(ctx, contextkeys.ClaimsKey, claims)
}

func withDecision(ctx context.Context, d *Decision) context.Context {
	return context.WithValue(ctx, contextkeys.DecisionKey, d)
}

// ClaimsFromContext returns the claims of the authorized caller
func ClaimsFromContext(ctx context.Context) *identity.Claims {
	claims, _ := ctx.Value(contextkeys.ClaimsKey).(*identity.Claims)
	return claims
}

// DecisionFromContext returns the decision that admitted the request
func DecisionFromContext(ctx context.Context) *Decision {
	d, _ := ctx.Value(contextkeys.DecisionKey).(*Decision)
	return d
}
