package authz

import (
	"context"
	"errors"
	"time"

	"github.com/buskit-dev/buskit/internal/runtime/busmetrics"
	"github.com/buskit-dev/buskit/internal/runtime/envelope"
	kiterrors "github.com/buskit-dev/buskit/internal/runtime/errors"
	"github.com/buskit-dev/buskit/internal/runtime/logging"
)

// DecisionAuditor records authorization decisions on the audit trail.
// Satisfied by *audit.Logger.
type DecisionAuditor interface {
	LogAuthorization(ctx context.Context, env *envelope.MessageEnvelope, action, resource, decision, policyMatched, deniedReason string)
}

// CheckInput names the action under authorization.
type CheckInput struct {
	Action     string
	Resource   string
	ResourceID string
	Context    map[string]any
}

// Enforcer runs permission checks against the policy service and stamps
// the outcome onto the envelope. Every invocation produces exactly one
// authorization audit event, permit or deny.
type Enforcer struct {
	policy  PolicyClient
	auditor DecisionAuditor
	service string
	log     logging.ServiceLogger
}

// NewEnforcer wires an enforcer. serviceName is recorded as the
// evaluator on every decision.
func NewEnforcer(policy PolicyClient, auditor DecisionAuditor, serviceName string, log logging.ServiceLogger) *Enforcer {
	if log == nil {
		log = logging.Nop()
	}
	return &Enforcer{policy: policy, auditor: auditor, service: serviceName, log: log}
}

// Check evaluates the permission and returns the authorization context
// without failing on denial. The envelope's authorization context is
// overwritten with the outcome. The check fails closed: an envelope
// without an authenticated user identity is denied without consulting
// the policy service, and any policy client error denies.
func (e *Enforcer) Check(ctx context.Context, env *envelope.MessageEnvelope, in CheckInput) envelope.AuthorizationContext {
	userID := env.Actor.UserID

	if userID == "" {
		return e.conclude(ctx, env, in, envelope.AuthorizationContext{
			Decision:     envelope.DecisionDeny,
			DeniedReason: "no authenticated user identity on request",
		})
	}

	result, err := e.policy.CheckPermission(ctx, CheckRequest{
		UserID:     userID,
		Action:     in.Action,
		Resource:   in.Resource,
		ResourceID: in.ResourceID,
		Context:    in.Context,
	})
	if err != nil {
		reason := "permission check failed: " + err.Error()
		if errors.Is(err, kiterrors.ErrPolicyAuth) {
			reason = "policy service rejected service credentials: " + err.Error()
		}
		e.log.Error("permission check failed, denying", err, logging.LogFields{
			"user_id":  userID,
			"action":   in.Action,
			"resource": in.Resource,
		})
		return e.conclude(ctx, env, in, envelope.AuthorizationContext{
			Decision:     envelope.DecisionDeny,
			DeniedReason: reason,
		})
	}

	authCtx := envelope.AuthorizationContext{
		Decision:      envelope.DecisionDeny,
		PolicyMatched: result.PolicyMatched,
		ScopesGranted: result.ScopesGranted,
		DeniedReason:  result.DeniedReason,
	}
	if result.Permitted {
		authCtx.Decision = envelope.DecisionPermit
		authCtx.DeniedReason = ""
	}
	return e.conclude(ctx, env, in, authCtx)
}

// Enforce runs Check and converts a denial into an AccessDeniedError so
// callers can gate processing on it.
func (e *Enforcer) Enforce(ctx context.Context, env *envelope.MessageEnvelope, in CheckInput) (envelope.AuthorizationContext, error) {
	authCtx := e.Check(ctx, env, in)
	if authCtx.Decision != envelope.DecisionPermit {
		reason := authCtx.DeniedReason
		if reason == "" {
			reason = "access denied"
		}
		return authCtx, &kiterrors.AccessDeniedError{Reason: reason, Policy: authCtx.PolicyMatched}
	}
	return authCtx, nil
}

// EnrichActor fills in the envelope actor's canonical identity. An
// actor known only by an external channel id is resolved to a user id
// with roles and groups; an actor with a user id but no roles gets its
// roles and groups backfilled. Resolution failures are logged and leave
// the actor as it was; a later Check then denies for lack of identity.
func (e *Enforcer) EnrichActor(ctx context.Context, env *envelope.MessageEnvelope) {
	actor := &env.Actor

	switch {
	case actor.UserID == "" && actor.SourceChannel != "" && actor.SourceChannelID != "":
		identity, err := e.policy.ResolveIdentity(ctx, actor.SourceChannel, actor.SourceChannelID)
		if err != nil {
			e.log.Error("identity resolution failed", err, logging.LogFields{
				"channel":    actor.SourceChannel,
				"channel_id": actor.SourceChannelID,
			})
			return
		}
		actor.UserID = identity.UserID
		if identity.Email != "" {
			actor.Email = identity.Email
		}
		if identity.DisplayName != "" {
			actor.DisplayName = identity.DisplayName
		}
		actor.Roles = identity.Roles
		actor.Groups = identity.Groups

	case actor.UserID != "" && len(actor.Roles) == 0:
		roles, err := e.policy.GetUserRoles(ctx, actor.UserID)
		if err != nil {
			e.log.Error("role lookup failed", err, logging.LogFields{"user_id": actor.UserID})
			return
		}
		actor.Roles = roles
		groups, err := e.policy.GetUserGroups(ctx, actor.UserID)
		if err != nil {
			// Roles alone are enough for most policies; keep them.
			e.log.Error("group lookup failed", err, logging.LogFields{"user_id": actor.UserID})
			return
		}
		actor.Groups = groups
	}
}

// conclude stamps the decision onto the envelope, audits it, and counts
// it. Single exit point so every check produces exactly one audit event.
func (e *Enforcer) conclude(ctx context.Context, env *envelope.MessageEnvelope, in CheckInput, authCtx envelope.AuthorizationContext) envelope.AuthorizationContext {
	authCtx.EvaluatedBy = e.service
	authCtx.EvaluatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	env.Authorization = authCtx

	if e.auditor != nil {
		e.auditor.LogAuthorization(ctx, env, in.Action, in.Resource,
			string(authCtx.Decision), authCtx.PolicyMatched, authCtx.DeniedReason)
	}
	busmetrics.AuthzDecisions.WithLabelValues(string(authCtx.Decision)).Inc()
	return authCtx
}
