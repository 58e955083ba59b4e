// Package policy orchestrates the fixed stage order for every
// sensitive action: rate-limit admission, authentication, role and
// entitlement checks, step-up re-verification, the mutation itself,
// and a non-blocking audit write. The pipeline short-circuits at the
// first failing stage; the mutation is never invoked unless every
// preceding stage succeeded.
package policy

import (
	"context"
	"log/slog"

	"github.com/aegis-auth/aegis/internal/audit"
	"github.com/aegis-auth/aegis/internal/observability"
	"github.com/aegis-auth/aegis/internal/ratelimit"
	"github.com/aegis-auth/aegis/internal/rbac"
	"github.com/aegis-auth/aegis/internal/shared"
	"github.com/aegis-auth/aegis/internal/stepup"
)

// Action describes the policy attached to one protected operation.
// Descriptors are declared once at wiring time; handlers never make
// ad-hoc policy decisions.
type Action struct {
	// Name namespaces the rate-limit bucket and labels metrics.
	Name string
	// AllowAnonymous skips authentication, authorization and step-up;
	// rate limiting still applies. Used by sign-in and the email/token
	// flows.
	AllowAnonymous bool
	// RequiredRole gates the action by role rank. Empty means any
	// authenticated principal.
	RequiredRole rbac.Role
	// RequiredEntitlement gates the action by a plan-derived
	// capability. Empty means no entitlement check.
	RequiredEntitlement rbac.Entitlement
	// StepUpSensitive routes the action through the step-up enforcer.
	StepUpSensitive bool
	// AuditKind, when set, records an event after a successful
	// mutation.
	AuditKind audit.Kind
}

// Request carries the per-invocation inputs for one action.
type Request struct {
	Action Action
	// Identifier keys the rate-limit bucket together with the source
	// address: the target email for anonymous flows, the principal's
	// user ID otherwise.
	Identifier string
	SourceAddr string
	UserAgent  string
	Proof      stepup.Proof
	// TargetID and Metadata feed the audit event. Metadata must carry
	// digests, never raw sensitive values.
	TargetID string
	Metadata map[string]string
}

// Pipeline executes actions through the fixed stage order.
type Pipeline struct {
	limiter  *ratelimit.Limiter
	rbac     *rbac.Service
	enforcer *stepup.Enforcer
	recorder *audit.Recorder
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func NewPipeline(limiter *ratelimit.Limiter, rbacSvc *rbac.Service, enforcer *stepup.Enforcer, recorder *audit.Recorder, metrics *observability.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		limiter:  limiter,
		rbac:     rbacSvc,
		enforcer: enforcer,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger,
	}
}

// Execute runs one action. mutate performs the operation itself, most
// often a call into the identity provider; it runs only after every
// guard stage passed. The returned error carries a shared.Code that the
// HTTP layer maps to a user-visible message.
func (p *Pipeline) Execute(ctx context.Context, req Request, mutate func(ctx context.Context) error) error {
	action := req.Action

	if err := p.limiter.Allow(ctx, action.Name, req.Identifier, req.SourceAddr); err != nil {
		p.metrics.ObserveRateLimited(action.Name)
		return p.finish(action, err)
	}

	var actorID string
	if !action.AllowAnonymous {
		principal := shared.PrincipalFromContext(ctx)
		if principal == nil {
			return p.finish(action, shared.ErrNotAuthenticated)
		}
		actorID = principal.UserID

		if action.RequiredRole != "" {
			if _, err := p.rbac.RequireRole(ctx, principal, action.RequiredRole); err != nil {
				return p.finish(action, err)
			}
		}
		if action.RequiredEntitlement != "" {
			if err := p.rbac.RequireEntitlement(ctx, principal, action.RequiredEntitlement); err != nil {
				return p.finish(action, err)
			}
		}
		if action.StepUpSensitive {
			token := shared.SessionTokenFromContext(ctx)
			if err := p.enforcer.Require(ctx, token, principal, req.Proof); err != nil {
				return p.finish(action, err)
			}
		}
	}

	if err := mutate(ctx); err != nil {
		return p.finish(action, err)
	}

	if action.AuditKind != "" {
		if actorID == "" {
			// Anonymous flows correlate by identifier digest.
			actorID = shared.Digest(req.Identifier)
		}
		p.recorder.Record(ctx, audit.Event{
			Kind:      action.AuditKind,
			ActorID:   actorID,
			TargetID:  req.TargetID,
			IPAddress: req.SourceAddr,
			UserAgent: req.UserAgent,
			Metadata:  req.Metadata,
		})
	}
	return p.finish(action, nil)
}

// finish labels the decision counter and passes the error through.
func (p *Pipeline) finish(action Action, err error) error {
	outcome := "ok"
	if err != nil {
		outcome = string(shared.CodeOf(err))
		if p.logger != nil && shared.CodeOf(err) == shared.CodeUnknown {
			p.logger.Error("policy pipeline failure", slog.String("action", action.Name), slog.Any("error", err))
		}
	}
	p.metrics.ObserveDecision(action.Name, outcome)
	return err
}
