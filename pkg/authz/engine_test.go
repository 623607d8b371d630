//
//  Copyright © Manetu Inc. All rights reserved.
//

package authz_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/manetu/flowpilot/pkg/authz"
	"github.com/manetu/flowpilot/pkg/common"
	"github.com/manetu/flowpilot/pkg/manifest"
	"github.com/manetu/flowpilot/pkg/ruleengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const travelManifest = `
name: travel
rule_package: flowpilot.travel
attributes:
  - name: consent
    type: boolean
    source: persona
    default: false
  - name: autobook_price
    type: integer
    source: persona
    default: 0
  - name: departure_date
    type: date
    source: resource
    required: false
persona_config:
  persona_titles:
    - title: traveler
      allowed_actions: [read, execute, book, cancel]
    - title: travel-agent
      allowed_actions: [read, execute]
      can_be_delegated_to: true
  persona_statuses: [pending, active, inactive, suspended, expired]
`

const strictManifest = `
name: travel
rule_package: flowpilot.travel
attributes:
  - name: departure_date
    type: date
    source: resource
    required: true
persona_config:
  persona_titles:
    - title: traveler
      allowed_actions: [read, execute]
  persona_statuses: [active]
`

func registryFrom(t *testing.T, source string) *manifest.Registry {
	t.Helper()
	dir := t.TempDir()
	sub := filepath.Join(dir, "travel")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, manifest.FileName), []byte(source), 0o600))

	r, err := manifest.NewRegistry(dir)
	require.NoError(t, err)
	return r
}

type fakePersonas struct {
	records map[string]*authz.PersonaRecord
	err     error
}

func (f *fakePersonas) Lookup(_ context.Context, userSub, title string) (*authz.PersonaRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	if record, ok := f.records[userSub+"/"+title]; ok {
		return record, nil
	}
	return nil, common.NewError(common.KindNotFound, "persona.not_found", "no such persona")
}

type fakeDelegations struct {
	path   *authz.DelegationPath
	err    error
	called bool
}

func (f *fakeDelegations) FindPath(context.Context, string, string, string) (*authz.DelegationPath, error) {
	f.called = true
	return f.path, f.err
}

type fakeRules struct {
	result    *ruleengine.Result
	err       error
	called    bool
	lastPkg   string
	lastInput map[string]interface{}
}

func (f *fakeRules) Evaluate(_ context.Context, rulePackage string, input map[string]interface{}) (*ruleengine.Result, error) {
	f.called = true
	f.lastPkg = rulePackage
	f.lastInput = input
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeRules) Close() error { return nil }

func activePersona(userSub, title string) *authz.PersonaRecord {
	return &authz.PersonaRecord{
		ID:        userSub + "_" + title + "_personal",
		UserSub:   userSub,
		Title:     title,
		Status:    "active",
		ValidFrom: time.Now().Add(-time.Hour),
		ValidTill: time.Now().Add(24 * time.Hour),
		Attributes: map[string]interface{}{
			"consent":        true,
			"autobook_price": int64(1500),
		},
	}
}

func executeRequest(subjectID, subjectPersona, principalID, principalPersona string) *authz.Request {
	return &authz.Request{
		Subject: authz.Subject{
			Type:       "user",
			ID:         subjectID,
			Properties: map[string]interface{}{"persona": subjectPersona},
		},
		Action: authz.Action{Name: "execute"},
		Resource: authz.Resource{
			Type: "workflow",
			ID:   "W1",
			Properties: map[string]interface{}{
				"domain": "travel",
				"owner": map[string]interface{}{
					"type":          "user",
					"id":            "U1",
					"persona_title": "traveler",
				},
			},
		},
		Context: authz.RequestContext{
			Principal:  map[string]interface{}{"id": principalID, "persona": principalPersona},
			PolicyHint: "travel",
		},
	}
}

type fixture struct {
	engine      *authz.Engine
	personas    *fakePersonas
	delegations *fakeDelegations
	rules       *fakeRules
}

func newFixture(t *testing.T, manifestSource string) *fixture {
	t.Helper()
	f := &fixture{
		personas: &fakePersonas{records: map[string]*authz.PersonaRecord{
			"U1/traveler":     activePersona("U1", "traveler"),
			"U2/travel-agent": activePersona("U2", "travel-agent"),
		}},
		delegations: &fakeDelegations{},
		rules:       &fakeRules{result: &ruleengine.Result{Allow: true}},
	}
	f.engine = authz.NewEngine(registryFrom(t, manifestSource), f.personas, f.delegations, f.rules)
	return f
}

func principalOf(t *testing.T, input map[string]interface{}) map[string]interface{} {
	t.Helper()
	ctxDoc, ok := input["context"].(map[string]interface{})
	require.True(t, ok)
	principal, ok := ctxDoc["principal"].(map[string]interface{})
	require.True(t, ok)
	return principal
}

func TestOwnerExecuteAllowed(t *testing.T) {
	f := newFixture(t, travelManifest)

	resp := f.engine.Evaluate(context.Background(), executeRequest("U1", "traveler", "U1", "traveler"))

	assert.Equal(t, authz.DecisionAllow, resp.Decision)
	assert.Empty(t, resp.ReasonCodes)
	assert.Empty(t, resp.Advice)
	assert.Equal(t, "flowpilot.travel", f.rules.lastPkg)

	// Owner acting directly: no delegation lookup, empty chain in the input
	assert.False(t, f.delegations.called)
	principal := principalOf(t, f.rules.lastInput)
	assert.Equal(t, "active", principal["status"])
	delegationBlock := principal["delegation"].(map[string]interface{})
	assert.Empty(t, delegationBlock["delegation_chain"])
	assert.Empty(t, delegationBlock["delegated_actions"])
}

func TestDelegatedExecuteAllowed(t *testing.T) {
	f := newFixture(t, travelManifest)
	f.delegations.path = &authz.DelegationPath{Chain: []string{"U1", "U2"}, Actions: []string{"execute", "read"}}

	resp := f.engine.Evaluate(context.Background(), executeRequest("U2", "travel-agent", "U2", "travel-agent"))

	assert.Equal(t, authz.DecisionAllow, resp.Decision)
	assert.True(t, f.delegations.called)

	principal := principalOf(t, f.rules.lastInput)
	delegationBlock := principal["delegation"].(map[string]interface{})
	assert.Equal(t, []string{"U1", "U2"}, delegationBlock["delegation_chain"])
	assert.Equal(t, []string{"execute", "read"}, delegationBlock["delegated_actions"])
}

func TestRevokedDelegationDenied(t *testing.T) {
	f := newFixture(t, travelManifest)
	f.delegations.path = nil
	f.rules.result = &ruleengine.Result{Allow: false, Reasons: []string{"travel.no_delegated_authority"}}

	resp := f.engine.Evaluate(context.Background(), executeRequest("U2", "travel-agent", "U2", "travel-agent"))

	assert.Equal(t, authz.DecisionDeny, resp.Decision)
	assert.Equal(t, []string{"travel.no_delegated_authority"}, resp.ReasonCodes)

	principal := principalOf(t, f.rules.lastInput)
	delegationBlock := principal["delegation"].(map[string]interface{})
	assert.Empty(t, delegationBlock["delegation_chain"])
	assert.Empty(t, delegationBlock["delegated_actions"])
}

func TestMissingRequiredResourceAttribute(t *testing.T) {
	f := newFixture(t, strictManifest)

	resp := f.engine.Evaluate(context.Background(), executeRequest("U1", "traveler", "U1", "traveler"))

	assert.Equal(t, authz.DecisionDeny, resp.Decision)
	assert.Equal(t, []string{"authz.missing_required_attributes"}, resp.ReasonCodes)
	assert.False(t, f.rules.called)
}

func TestUnknownPolicyHint(t *testing.T) {
	f := newFixture(t, travelManifest)

	req := executeRequest("U1", "traveler", "U1", "traveler")
	req.Context.PolicyHint = "shipping"
	resp := f.engine.Evaluate(context.Background(), req)

	assert.Equal(t, authz.DecisionDeny, resp.Decision)
	assert.Equal(t, []string{"authz.invalid_policy"}, resp.ReasonCodes)
	assert.False(t, f.rules.called)
}

func TestMalformedSubject(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*authz.Request)
	}{
		{"empty id", func(r *authz.Request) { r.Subject.ID = "" }},
		{"user without persona", func(r *authz.Request) { r.Subject.Properties = nil }},
		{"unknown type", func(r *authz.Request) { r.Subject.Type = "robot" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, travelManifest)
			req := executeRequest("U1", "traveler", "U1", "traveler")
			tt.mutate(req)

			resp := f.engine.Evaluate(context.Background(), req)
			assert.Equal(t, authz.DecisionDeny, resp.Decision)
			assert.Equal(t, []string{"authz.invalid_subject"}, resp.ReasonCodes)
			assert.False(t, f.rules.called)
		})
	}
}

func TestAgentSubjectNeedsNoPersona(t *testing.T) {
	f := newFixture(t, travelManifest)

	req := executeRequest("svc-agent", "", "U1", "traveler")
	req.Subject.Type = "agent"
	req.Subject.Properties = nil

	resp := f.engine.Evaluate(context.Background(), req)
	assert.Equal(t, authz.DecisionAllow, resp.Decision)
}

func TestUnknownAction(t *testing.T) {
	f := newFixture(t, travelManifest)

	req := executeRequest("U1", "traveler", "U1", "traveler")
	req.Action.Name = "teleport"

	resp := f.engine.Evaluate(context.Background(), req)
	assert.Equal(t, authz.DecisionDeny, resp.Decision)
	assert.Equal(t, []string{"authz.invalid_action"}, resp.ReasonCodes)
	assert.False(t, f.rules.called)
}

func TestMissingPrincipal(t *testing.T) {
	f := newFixture(t, travelManifest)

	req := executeRequest("U1", "traveler", "", "")
	resp := f.engine.Evaluate(context.Background(), req)

	assert.Equal(t, authz.DecisionDeny, resp.Decision)
	assert.Equal(t, []string{"authz.system_error"}, resp.ReasonCodes)
	assert.False(t, f.rules.called)
}

func TestPrincipalPersonaNotFoundContinues(t *testing.T) {
	f := newFixture(t, travelManifest)
	f.rules.result = &ruleengine.Result{Allow: false, Reasons: []string{"travel.persona_not_active"}}

	req := executeRequest("U9", "traveler", "U9", "traveler")
	resp := f.engine.Evaluate(context.Background(), req)

	// Persona absence reaches the rule engine as status "not_found"
	assert.True(t, f.rules.called)
	assert.Equal(t, authz.DecisionDeny, resp.Decision)
	principal := principalOf(t, f.rules.lastInput)
	assert.Equal(t, "not_found", principal["status"])
}

func TestOwnerPersonaFetchFailure(t *testing.T) {
	f := newFixture(t, travelManifest)
	delete(f.personas.records, "U1/traveler")

	resp := f.engine.Evaluate(context.Background(), executeRequest("U2", "travel-agent", "U2", "travel-agent"))

	assert.Equal(t, authz.DecisionDeny, resp.Decision)
	assert.Equal(t, []string{"authz.persona_fetch_failed"}, resp.ReasonCodes)
	assert.False(t, f.rules.called)
}

func TestPrincipalPersonaUpstreamFailure(t *testing.T) {
	f := newFixture(t, travelManifest)
	f.personas.err = common.NewError(common.KindUpstream, "authz.upstream_error", "persona service down")

	resp := f.engine.Evaluate(context.Background(), executeRequest("U1", "traveler", "U1", "traveler"))

	assert.Equal(t, authz.DecisionDeny, resp.Decision)
	assert.Equal(t, []string{"authz.persona_fetch_failed"}, resp.ReasonCodes)
}

func TestDelegationFailureDegradesToEmptyChain(t *testing.T) {
	f := newFixture(t, travelManifest)
	f.delegations.err = errors.New("delegation service down")
	f.rules.result = &ruleengine.Result{Allow: false, Reasons: []string{"travel.no_delegated_authority"}}

	resp := f.engine.Evaluate(context.Background(), executeRequest("U2", "travel-agent", "U2", "travel-agent"))

	// The engine still consults the rules, with an empty delegation block
	assert.True(t, f.rules.called)
	assert.Equal(t, authz.DecisionDeny, resp.Decision)
	principal := principalOf(t, f.rules.lastInput)
	delegationBlock := principal["delegation"].(map[string]interface{})
	assert.Empty(t, delegationBlock["delegation_chain"])
}

func TestRuleEngineFailure(t *testing.T) {
	f := newFixture(t, travelManifest)
	f.rules.err = errors.New("rules service down")

	resp := f.engine.Evaluate(context.Background(), executeRequest("U1", "traveler", "U1", "traveler"))

	assert.Equal(t, authz.DecisionDeny, resp.Decision)
	assert.Equal(t, []string{"authz.system_error"}, resp.ReasonCodes)
}

func TestPolicyDenyWithoutReasonsGetsCode(t *testing.T) {
	f := newFixture(t, travelManifest)
	f.rules.result = &ruleengine.Result{Allow: false}

	resp := f.engine.Evaluate(context.Background(), executeRequest("U1", "traveler", "U1", "traveler"))

	assert.Equal(t, authz.DecisionDeny, resp.Decision)
	assert.Equal(t, []string{"authz.policy_denied"}, resp.ReasonCodes)
}

func TestOwnerEnrichmentCarriesPolicyAttributesOnly(t *testing.T) {
	f := newFixture(t, travelManifest)

	f.engine.Evaluate(context.Background(), executeRequest("U1", "traveler", "U1", "traveler"))
	require.True(t, f.rules.called)

	resource := f.rules.lastInput["resource"].(map[string]interface{})
	props := resource["properties"].(map[string]interface{})
	owner := props["owner"].(map[string]interface{})

	// Manifest persona attributes flow in; persona metadata stays out
	assert.Equal(t, true, owner["consent"])
	assert.Equal(t, int64(1500), owner["autobook_price"])
	assert.NotContains(t, owner, "status")
	assert.NotContains(t, owner, "valid_till")

	// Resource-sourced defaults are applied alongside
	assert.NotContains(t, props, "departure_date")
}

func TestRequestPropertiesNotMutated(t *testing.T) {
	f := newFixture(t, travelManifest)

	req := executeRequest("U1", "traveler", "U1", "traveler")
	resp := f.engine.Evaluate(context.Background(), req)
	require.Equal(t, authz.DecisionAllow, resp.Decision)

	// Enrichment happened on a copy, never on the caller's request
	owner := req.Resource.Properties["owner"].(map[string]interface{})
	assert.NotContains(t, owner, "consent")
	assert.NotContains(t, req.Context.Principal, "status")
}
