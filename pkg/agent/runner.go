//
//  Copyright © Manetu Inc. All rights reserved.
//

package agent

import (
	"context"
	"strings"

	"github.com/manetu/flowpilot/internal/logging"
	"github.com/manetu/flowpilot/pkg/authz"
	"github.com/manetu/flowpilot/pkg/common"
)

var logger = logging.GetLogger("flowpilot.agent")

// DecisionPoint is the runner's view of the authorization engine.
type DecisionPoint interface {
	Evaluate(ctx context.Context, req *authz.Request) (*authz.Response, error)
}

// EngineDecisionPoint adapts the in-process engine to [DecisionPoint].
type EngineDecisionPoint struct {
	Engine *authz.Engine
}

// Evaluate implements [DecisionPoint].
func (e *EngineDecisionPoint) Evaluate(ctx context.Context, req *authz.Request) (*authz.Response, error) {
	return e.Engine.Evaluate(ctx, req), nil
}

// Runner drives workflow runs: pre-flight authorization, item listing, and
// per-item execution through the domain service.
type Runner struct {
	decisions DecisionPoint
	domain    Domain
}

// NewRunner assembles a runner over its collaborators.
func NewRunner(decisions DecisionPoint, domain Domain) *Runner {
	return &Runner{decisions: decisions, domain: domain}
}

func runError(codes []string) string {
	if len(codes) == 0 {
		return "denied by policy"
	}
	return "denied by policy: " + strings.Join(codes, ", ")
}

// Run executes the workflow for the principal. The returned Run always has
// an id; Error is set when the run could not proceed (pre-flight deny,
// listing failure), while per-item denies land in Results as completed deny
// outcomes.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*Run, error) {
	if req.WorkflowID == "" || req.Principal.UserSub == "" || req.Principal.PersonaTitle == "" {
		return nil, common.NewError(common.KindInvalidArgument, "agent_runner.invalid_argument",
			"workflow_id, principal user_sub, and persona_title are required")
	}

	run := &Run{
		RunID:      newRunID(),
		WorkflowID: req.WorkflowID,
		Principal:  req.Principal.UserSub,
		DryRun:     req.DryRun,
		Results:    []ItemResult{},
	}

	decision, err := r.decisions.Evaluate(ctx, &authz.Request{
		Subject: authz.Subject{
			Type:       authz.SubjectTypeUser,
			ID:         req.Principal.UserSub,
			Properties: map[string]interface{}{"persona": req.Principal.PersonaTitle},
		},
		Action:   authz.Action{Name: "execute"},
		Resource: authz.Resource{Type: "workflow", ID: req.WorkflowID},
		Context: authz.RequestContext{
			Principal: map[string]interface{}{
				"id":      req.Principal.UserSub,
				"persona": req.Principal.PersonaTitle,
			},
			PolicyHint: req.PolicyHint,
		},
		Options: authz.Options{DryRun: req.DryRun},
	})
	if err != nil {
		logger.Errorf(req.Principal.UserSub, "agent.run", "pre-flight evaluation failed: %v", err)
		run.Error = "authorization check failed"
		return run, nil
	}
	if !decision.Allowed() {
		run.Error = runError(decision.ReasonCodes)
		return run, nil
	}

	items, err := r.domain.ListItems(ctx, req.WorkflowID, req.Principal)
	if err != nil {
		if common.IsKind(err, common.KindPermissionDenied) {
			run.Error = runError([]string{common.ReasonCodeOf(err, "")})
		} else {
			logger.Errorf(req.Principal.UserSub, "agent.run", "item listing failed: %v", err)
			run.Error = "workflow item listing failed"
		}
		return run, nil
	}

	for _, item := range items {
		run.Results = append(run.Results, r.executeItem(ctx, req, item))
	}

	logger.Infof(req.Principal.UserSub, "agent.run", "run %s over workflow %s produced %d results",
		run.RunID, run.WorkflowID, len(run.Results))
	return run, nil
}

func (r *Runner) executeItem(ctx context.Context, req RunRequest, item Item) ItemResult {
	result := ItemResult{ItemID: item.ItemID, Kind: item.Kind}

	status, body, err := r.domain.ExecuteItem(ctx, req.WorkflowID, item.ItemID, req.Principal, req.DryRun)
	switch {
	case err != nil:
		logger.Warnf(req.Principal.UserSub, "agent.run", "item %s execution failed: %v", item.ItemID, err)
		result.Status = StatusError
		result.Decision = DecisionDeny
		result.ReasonCodes = []string{CodeItemExecutionFailed}
	case status >= 200 && status <= 299:
		result.Status = StatusCompleted
		result.Decision = DecisionAllow
	case status == 403:
		result.Status = StatusCompleted
		result.Decision = DecisionDeny
		result.ReasonCodes, result.Advice = parseDenyBody(body)
	default:
		result.Status = StatusError
		result.Decision = DecisionDeny
		result.ReasonCodes = []string{CodeItemExecutionFailed}
	}
	return result
}
