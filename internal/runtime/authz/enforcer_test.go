package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buskit-dev/buskit/internal/runtime/envelope"
	kiterrors "github.com/buskit-dev/buskit/internal/runtime/errors"
	"github.com/buskit-dev/buskit/internal/runtime/logging"
)

type fakePolicy struct {
	checkResult *CheckResult
	checkErr    error
	checkCalls  int
	lastCheck   CheckRequest

	identity    *Identity
	identityErr error

	roles     []string
	rolesErr  error
	groups    []string
	groupsErr error
}

func (f *fakePolicy) CheckPermission(_ context.Context, req CheckRequest) (*CheckResult, error) {
	f.checkCalls++
	f.lastCheck = req
	return f.checkResult, f.checkErr
}

func (f *fakePolicy) ResolveIdentity(context.Context, string, string) (*Identity, error) {
	return f.identity, f.identityErr
}

func (f *fakePolicy) GetUserRoles(context.Context, string) ([]string, error) {
	return f.roles, f.rolesErr
}

func (f *fakePolicy) GetUserGroups(context.Context, string) ([]string, error) {
	return f.groups, f.groupsErr
}

type recordingAuditor struct {
	decisions []string
	reasons   []string
}

func (r *recordingAuditor) LogAuthorization(_ context.Context, _ *envelope.MessageEnvelope, _, _, decision, _, deniedReason string) {
	r.decisions = append(r.decisions, decision)
	r.reasons = append(r.reasons, deniedReason)
}

func authedEnvelope() *envelope.MessageEnvelope {
	return envelope.New("gateway", "job.run", nil,
		envelope.WithActor(envelope.ActorContext{UserID: "user-1"}))
}

func TestCheckDeniesWithoutIdentityAndSkipsRemoteCall(t *testing.T) {
	policy := &fakePolicy{}
	auditor := &recordingAuditor{}
	e := NewEnforcer(policy, auditor, "resolver", logging.Nop())

	env := envelope.New("gateway", "job.run", nil)
	authCtx := e.Check(context.Background(), env, CheckInput{Action: "query", Resource: "alerts"})

	assert.Equal(t, envelope.DecisionDeny, authCtx.Decision)
	assert.Zero(t, policy.checkCalls, "no identity means no policy call")
	assert.Equal(t, envelope.DecisionDeny, env.Authorization.Decision)
	assert.Equal(t, "resolver", env.Authorization.EvaluatedBy)
	require.Equal(t, []string{"deny"}, auditor.decisions)
	assert.Contains(t, auditor.reasons[0], "no authenticated user identity")
}

func TestCheckPermitsOnlyOnExplicitPermitted(t *testing.T) {
	policy := &fakePolicy{checkResult: &CheckResult{
		Permitted:     true,
		PolicyMatched: "policy-7",
		ScopesGranted: []string{"read"},
	}}
	auditor := &recordingAuditor{}
	e := NewEnforcer(policy, auditor, "resolver", logging.Nop())

	env := authedEnvelope()
	authCtx := e.Check(context.Background(), env, CheckInput{Action: "query", Resource: "alerts"})

	assert.Equal(t, envelope.DecisionPermit, authCtx.Decision)
	assert.Equal(t, "policy-7", authCtx.PolicyMatched)
	assert.Equal(t, []string{"read"}, authCtx.ScopesGranted)
	assert.Empty(t, authCtx.DeniedReason)
	assert.Equal(t, "user-1", policy.lastCheck.UserID)
	assert.Equal(t, []string{"permit"}, auditor.decisions)
}

func TestCheckDeniesOnPolicyVerdict(t *testing.T) {
	policy := &fakePolicy{checkResult: &CheckResult{
		Permitted:    false,
		DeniedReason: "role analyst lacks modify",
	}}
	auditor := &recordingAuditor{}
	e := NewEnforcer(policy, auditor, "resolver", logging.Nop())

	authCtx := e.Check(context.Background(), authedEnvelope(), CheckInput{Action: "modify", Resource: "alerts"})

	assert.Equal(t, envelope.DecisionDeny, authCtx.Decision)
	assert.Equal(t, "role analyst lacks modify", authCtx.DeniedReason)
	assert.Equal(t, []string{"deny"}, auditor.decisions)
}

func TestCheckFailsClosedOnClientError(t *testing.T) {
	policy := &fakePolicy{checkErr: errors.New("connection refused")}
	auditor := &recordingAuditor{}
	e := NewEnforcer(policy, auditor, "resolver", logging.Nop())

	authCtx := e.Check(context.Background(), authedEnvelope(), CheckInput{Action: "query", Resource: "alerts"})

	assert.Equal(t, envelope.DecisionDeny, authCtx.Decision)
	assert.Contains(t, authCtx.DeniedReason, "permission check failed")
	assert.Len(t, auditor.decisions, 1, "exactly one audit event per check")
}

func TestEnforceReturnsAccessDeniedError(t *testing.T) {
	policy := &fakePolicy{checkResult: &CheckResult{Permitted: false, DeniedReason: "nope"}}
	e := NewEnforcer(policy, &recordingAuditor{}, "resolver", logging.Nop())

	_, err := e.Enforce(context.Background(), authedEnvelope(), CheckInput{Action: "query", Resource: "alerts"})
	require.Error(t, err)

	var denied *kiterrors.AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "nope", denied.Reason)
}

func TestEnforcePassesOnPermit(t *testing.T) {
	policy := &fakePolicy{checkResult: &CheckResult{Permitted: true}}
	e := NewEnforcer(policy, &recordingAuditor{}, "resolver", logging.Nop())

	authCtx, err := e.Enforce(context.Background(), authedEnvelope(), CheckInput{Action: "query", Resource: "alerts"})
	require.NoError(t, err)
	assert.Equal(t, envelope.DecisionPermit, authCtx.Decision)
}

func TestEnrichActorResolvesExternalIdentity(t *testing.T) {
	policy := &fakePolicy{identity: &Identity{
		UserID:      "user-1",
		Email:       "a@example.com",
		DisplayName: "Analyst One",
		Roles:       []string{"analyst"},
		Groups:      []string{"soc"},
	}}
	e := NewEnforcer(policy, &recordingAuditor{}, "resolver", logging.Nop())

	env := envelope.New("gateway", "job.run", nil,
		envelope.WithActor(envelope.ActorContext{SourceChannel: "slack", SourceChannelID: "U123"}))
	e.EnrichActor(context.Background(), env)

	assert.Equal(t, "user-1", env.Actor.UserID)
	assert.Equal(t, "a@example.com", env.Actor.Email)
	assert.Equal(t, []string{"analyst"}, env.Actor.Roles)
	assert.Equal(t, []string{"soc"}, env.Actor.Groups)
}

func TestEnrichActorBackfillsRoles(t *testing.T) {
	policy := &fakePolicy{roles: []string{"analyst"}, groups: []string{"soc"}}
	e := NewEnforcer(policy, &recordingAuditor{}, "resolver", logging.Nop())

	env := authedEnvelope()
	e.EnrichActor(context.Background(), env)

	assert.Equal(t, []string{"analyst"}, env.Actor.Roles)
	assert.Equal(t, []string{"soc"}, env.Actor.Groups)
}

func TestEnrichActorToleratesResolutionFailure(t *testing.T) {
	policy := &fakePolicy{identityErr: errors.New("not found")}
	e := NewEnforcer(policy, &recordingAuditor{}, "resolver", logging.Nop())

	env := envelope.New("gateway", "job.run", nil,
		envelope.WithActor(envelope.ActorContext{SourceChannel: "slack", SourceChannelID: "U123"}))
	e.EnrichActor(context.Background(), env)

	assert.Empty(t, env.Actor.UserID, "unresolved actor stays unauthenticated")
}
