//
//  Copyright © Manetu Inc. All rights reserved.
//

package authz_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/manetu/flowpilot/pkg/authz"
	"github.com/manetu/flowpilot/pkg/delegation"
	delegationsqlite "github.com/manetu/flowpilot/pkg/delegation/sqlite"
	"github.com/manetu/flowpilot/pkg/persona"
	personasqlite "github.com/manetu/flowpilot/pkg/persona/sqlite"
	"github.com/manetu/flowpilot/pkg/ruleengine/embedded"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const travelPolicy = `
package flowpilot.travel

default allow := false

principal_is_owner if {
	input.context.principal.id == input.resource.properties.owner.id
}

acting_with_delegation if {
	input.action.name in input.context.principal.delegation.delegated_actions
}

principal_active if {
	input.context.principal.status == "active"
}

allow if {
	principal_active
	principal_is_owner
}

allow if {
	principal_active
	not principal_is_owner
	acting_with_delegation
}

reasons contains "travel.persona_not_active" if {
	not principal_active
}

reasons contains "travel.no_delegated_authority" if {
	not principal_is_owner
	not acting_with_delegation
}
`

type stack struct {
	engine      *authz.Engine
	personas    *persona.Service
	delegations *delegation.Service
}

func newStack(t *testing.T) *stack {
	t.Helper()

	registry := registryFrom(t, travelManifest)

	personaStore, err := personasqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = personaStore.Close() })
	personaService := persona.NewService(personaStore, registry, "travel", 0, 0)

	delegationStore, err := delegationsqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = delegationStore.Close() })
	delegationService := delegation.NewService(delegationStore, registry.AllActions(), 0)

	policyDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(policyDir, "travel.rego"), []byte(travelPolicy), 0o600))
	rules, err := embedded.New(policyDir)
	require.NoError(t, err)

	engine := authz.NewEngine(registry,
		&authz.ServicePersonaSource{Service: personaService},
		&authz.ServiceDelegationSource{Service: delegationService},
		rules)

	return &stack{engine: engine, personas: personaService, delegations: delegationService}
}

func (s *stack) addPersona(t *testing.T, userSub, title string) {
	t.Helper()
	_, err := s.personas.Create(context.Background(), persona.CreateRequest{
		UserSub: userSub,
		Title:   title,
		Circle:  "personal",
		Attributes: map[string]interface{}{
			"consent":        true,
			"autobook_price": 1500,
		},
	})
	require.NoError(t, err)
}

func (s *stack) delegate(t *testing.T, from, to string, scope []string, workflow string) {
	t.Helper()
	var wf *string
	if workflow != "" {
		wf = &workflow
	}
	_, _, err := s.delegations.Create(context.Background(), delegation.CreateRequest{
		PrincipalID: from,
		DelegateID:  to,
		WorkflowID:  wf,
		Scope:       scope,
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
}

func TestScenarioDirectExecute(t *testing.T) {
	s := newStack(t)
	s.addPersona(t, "U1", "traveler")

	resp := s.engine.Evaluate(context.Background(), executeRequest("U1", "traveler", "U1", "traveler"))

	assert.Equal(t, authz.DecisionAllow, resp.Decision)
	assert.Empty(t, resp.ReasonCodes)
	assert.Empty(t, resp.Advice)
}

func TestScenarioDelegatedExecute(t *testing.T) {
	s := newStack(t)
	s.addPersona(t, "U1", "traveler")
	s.addPersona(t, "U2", "travel-agent")
	s.delegate(t, "U1", "U2", []string{"read", "execute"}, "W1")

	resp := s.engine.Evaluate(context.Background(), executeRequest("U2", "travel-agent", "U2", "travel-agent"))
	assert.Equal(t, authz.DecisionAllow, resp.Decision)
}

func TestScenarioRevokedDelegation(t *testing.T) {
	s := newStack(t)
	s.addPersona(t, "U1", "traveler")
	s.addPersona(t, "U2", "travel-agent")
	s.delegate(t, "U1", "U2", []string{"read", "execute"}, "W1")

	wf := "W1"
	revoked, err := s.delegations.Revoke(context.Background(), "U1", "U2", &wf)
	require.NoError(t, err)
	require.True(t, revoked)

	resp := s.engine.Evaluate(context.Background(), executeRequest("U2", "travel-agent", "U2", "travel-agent"))
	assert.Equal(t, authz.DecisionDeny, resp.Decision)
	assert.NotEmpty(t, resp.ReasonCodes)
}

func TestScenarioNarrowedChain(t *testing.T) {
	s := newStack(t)
	s.addPersona(t, "U1", "traveler")
	s.addPersona(t, "U3", "travel-agent")
	s.delegate(t, "U1", "U2", []string{"read", "execute"}, "")
	s.delegate(t, "U2", "U3", []string{"read"}, "")

	// The chain narrows to {read}; execute is outside the delegated set
	path, err := s.delegations.FindPath(context.Background(), "U1", "U3", nil)
	require.NoError(t, err)
	require.NotNil(t, path)
	assert.Equal(t, []string{"U1", "U2", "U3"}, path.Path)
	assert.Equal(t, []string{"read"}, path.Actions)

	resp := s.engine.Evaluate(context.Background(), executeRequest("U3", "travel-agent", "U3", "travel-agent"))
	assert.Equal(t, authz.DecisionDeny, resp.Decision)
	assert.Contains(t, resp.ReasonCodes, "travel.no_delegated_authority")

	read := executeRequest("U3", "travel-agent", "U3", "travel-agent")
	read.Action.Name = "read"
	resp = s.engine.Evaluate(context.Background(), read)
	assert.Equal(t, authz.DecisionAllow, resp.Decision)
}

func TestScenarioSuspendedPrincipal(t *testing.T) {
	s := newStack(t)
	s.addPersona(t, "U1", "traveler")

	suspended := "suspended"
	_, err := s.personas.Update(context.Background(), "U1_traveler_personal", persona.UpdateRequest{Status: &suspended})
	require.NoError(t, err)

	resp := s.engine.Evaluate(context.Background(), executeRequest("U1", "traveler", "U1", "traveler"))
	assert.Equal(t, authz.DecisionDeny, resp.Decision)
	assert.Contains(t, resp.ReasonCodes, "travel.persona_not_active")
}
