//
//  Copyright © Manetu Inc. All rights reserved.
//

package authz

import (
	"context"
	"time"

	"github.com/manetu/flowpilot/internal/logging"
	"github.com/manetu/flowpilot/pkg/common"
	"github.com/manetu/flowpilot/pkg/manifest"
	"github.com/manetu/flowpilot/pkg/ruleengine"
	"github.com/mohae/deepcopy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var logger = logging.GetLogger("flowpilot.authz")

var decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flowpilot_authz_decisions_total",
	Help: "Authorization decisions by policy, outcome, and reason code.",
}, []string{"policy", "decision", "reason"})

// Reason codes emitted by the engine itself. Policy-produced reason codes
// pass through verbatim.
const (
	CodeInvalidPolicy      = "authz.invalid_policy"
	CodeInvalidSubject     = "authz.invalid_subject"
	CodeInvalidAction      = "authz.invalid_action"
	CodePersonaFetchFailed = "authz.persona_fetch_failed"
	CodeSystemError        = "authz.system_error"
	CodePolicyDenied       = "authz.policy_denied"

	statusNotFound = "not_found"
)

// Subject types accepted by the engine.
const (
	SubjectTypeUser  = "user"
	SubjectTypeAgent = "agent"
)

// Engine is the policy decision point. It is safe for concurrent use; the
// manifest registry is read-only and the sources carry their own
// synchronization.
type Engine struct {
	registry    *manifest.Registry
	personas    PersonaSource
	delegations DelegationSource
	rules       ruleengine.Evaluator
}

// NewEngine assembles a decision engine over its collaborators.
func NewEngine(registry *manifest.Registry, personas PersonaSource, delegations DelegationSource, rules ruleengine.Evaluator) *Engine {
	return &Engine{
		registry:    registry,
		personas:    personas,
		delegations: delegations,
		rules:       rules,
	}
}

func deny(codes ...string) *Response {
	if codes == nil {
		codes = []string{}
	}
	return &Response{Decision: DecisionDeny, ReasonCodes: codes, Advice: []map[string]interface{}{}}
}

func allow() *Response {
	return &Response{Decision: DecisionAllow, ReasonCodes: []string{}, Advice: []map[string]interface{}{}}
}

func stringProp(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func copyProps(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return deepcopy.Copy(m).(map[string]interface{})
}

// Evaluate runs the decision pipeline. It never returns an error: every
// failure folds into a deny with a reason code, keeping the decision
// boundary fail-closed.
func (e *Engine) Evaluate(ctx context.Context, req *Request) *Response {
	resp := e.evaluate(ctx, req)

	reason := ""
	if len(resp.ReasonCodes) > 0 {
		reason = resp.ReasonCodes[0]
	}
	decisions.WithLabelValues(req.Context.PolicyHint, resp.Decision, reason).Inc()

	logger.Debugf(req.Subject.ID, "authz.evaluate", "decision=%s reasons=%v action=%s resource=%s/%s",
		resp.Decision, resp.ReasonCodes, req.Action.Name, req.Resource.Type, req.Resource.ID)
	return resp
}

func (e *Engine) evaluate(ctx context.Context, req *Request) *Response {
	// Step 1: manifest selection
	m, err := e.registry.Select(req.Context.PolicyHint)
	if err != nil {
		return deny(CodeInvalidPolicy)
	}

	// Step 2: subject
	subject, resp := e.buildSubject(req)
	if resp != nil {
		return resp
	}

	// Step 3: action
	if req.Action.Name == "" || !e.registry.AllowsAction(req.Action.Name) {
		return deny(CodeInvalidAction)
	}

	// Step 4: resource
	resource, ownerID, resp := e.buildResource(ctx, m, req)
	if resp != nil {
		return resp
	}

	// Step 5: context
	principal, resp := e.buildContext(ctx, req, ownerID)
	if resp != nil {
		return resp
	}

	// Step 6: rule evaluation
	input := map[string]interface{}{
		"subject":  subject,
		"action":   map[string]interface{}{"name": req.Action.Name},
		"resource": resource,
		"context":  principal,
		"options": map[string]interface{}{
			"explain": req.Options.Explain,
			"metrics": req.Options.Metrics,
			"dry_run": req.Options.DryRun,
		},
	}

	result, err := e.rules.Evaluate(ctx, m.RulePackage, input)
	if err != nil {
		logger.Errorf(req.Subject.ID, "authz.evaluate", "rule evaluation failed: %v", err)
		return deny(CodeSystemError)
	}
	if !result.Allow {
		if len(result.Reasons) == 0 {
			return deny(CodePolicyDenied)
		}
		return deny(result.Reasons...)
	}
	return allow()
}

// buildSubject validates the subject and returns its input document. A user
// subject must carry a persona property; an agent may omit it.
func (e *Engine) buildSubject(req *Request) (map[string]interface{}, *Response) {
	if req.Subject.ID == "" {
		return nil, deny(CodeInvalidSubject)
	}
	switch req.Subject.Type {
	case SubjectTypeUser:
		if stringProp(req.Subject.Properties, "persona") == "" {
			return nil, deny(CodeInvalidSubject)
		}
	case SubjectTypeAgent:
	default:
		return nil, deny(CodeInvalidSubject)
	}

	return map[string]interface{}{
		"type":       req.Subject.Type,
		"id":         req.Subject.ID,
		"properties": copyProps(req.Subject.Properties),
	}, nil
}

// buildResource normalizes the resource-sourced manifest attributes and,
// when an owner is declared, enriches the owner block with the owner
// persona's policy attributes. Persona metadata never crosses into the
// resource document.
func (e *Engine) buildResource(ctx context.Context, m *manifest.Manifest, req *Request) (map[string]interface{}, string, *Response) {
	props, err := manifest.Normalize(copyProps(req.Resource.Properties), m.Attributes, manifest.SourceResource)
	if err != nil {
		return nil, "", deny(common.ReasonCodeOf(err, manifest.CodeInvalidAttribute))
	}

	ownerID := ""
	if owner, ok := props["owner"].(map[string]interface{}); ok {
		ownerID = stringProp(owner, "id")
		ownerTitle := stringProp(owner, "persona_title")

		if ownerID != "" && ownerTitle != "" {
			record, err := e.personas.Lookup(ctx, ownerID, ownerTitle)
			if err != nil {
				logger.Warnf(req.Subject.ID, "authz.evaluate", "owner persona fetch failed: %v", err)
				return nil, "", deny(CodePersonaFetchFailed)
			}
			for _, attr := range m.AttributesBySource(manifest.SourcePersona) {
				if value, ok := record.Attributes[attr.Name]; ok {
					owner[attr.Name] = value
				}
			}
		}
	}

	return map[string]interface{}{
		"type":       req.Resource.Type,
		"id":         req.Resource.ID,
		"properties": props,
	}, ownerID, nil
}

// workflowID locates the workflow the request concerns, for scoping the
// delegation search.
func workflowID(req *Request) string {
	if id := stringProp(req.Resource.Properties, "workflow_id"); id != "" {
		return id
	}
	if req.Resource.Type == "workflow" {
		return req.Resource.ID
	}
	return ""
}

// buildContext validates the principal and enriches it with persona status
// and, when acting for another user, the delegation chain. Persona absence
// and delegation absence are policy inputs, not failures: the rule engine
// sees status "not_found" or an empty chain and decides.
func (e *Engine) buildContext(ctx context.Context, req *Request, ownerID string) (map[string]interface{}, *Response) {
	principal := copyProps(req.Context.Principal)
	principalID := stringProp(principal, "id")
	personaTitle := stringProp(principal, "persona")
	if principalID == "" || personaTitle == "" {
		return nil, deny(CodeSystemError)
	}

	record, err := e.personas.Lookup(ctx, principalID, personaTitle)
	switch {
	case err == nil:
		principal["status"] = record.Status
		principal["valid_from"] = record.ValidFrom.UTC().Format(time.RFC3339)
		principal["valid_till"] = record.ValidTill.UTC().Format(time.RFC3339)
	case common.IsKind(err, common.KindNotFound):
		principal["status"] = statusNotFound
	default:
		logger.Warnf(principalID, "authz.evaluate", "principal persona fetch failed: %v", err)
		return nil, deny(CodePersonaFetchFailed)
	}

	chain, actions := []string{}, []string{}
	if ownerID != "" && ownerID != principalID {
		path, err := e.delegations.FindPath(ctx, ownerID, principalID, workflowID(req))
		if err != nil {
			// Absent authority is a policy input, never a pipeline failure
			logger.Warnf(principalID, "authz.evaluate", "delegation fetch failed, continuing with empty chain: %v", err)
		} else if path != nil {
			chain, actions = path.Chain, path.Actions
		}
	}
	principal["delegation"] = map[string]interface{}{
		"delegation_chain":  chain,
		"delegated_actions": actions,
	}

	return map[string]interface{}{
		"principal":   principal,
		"policy_hint": req.Context.PolicyHint,
	}, nil
}
