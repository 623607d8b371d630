//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package agent implements the workflow agent runner. A run pre-flights the
// principal's authority, walks the workflow's items through the domain
// service, and classifies every per-item outcome. Policy denies are results,
// not failures: a run over ten items with seven denies still completes with
// ten results.
package agent

import (
	"strings"

	"github.com/google/uuid"
)

// Item statuses and decisions carried by [ItemResult].
const (
	StatusCompleted = "completed"
	StatusError     = "error"

	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// CodeItemExecutionFailed marks items that failed outside of policy: a
// transport error or an unexpected status from the domain service.
const CodeItemExecutionFailed = "agent_runner.item_execution_failed"

// Principal identifies who the run acts as.
type Principal struct {
	UserSub       string `json:"user_sub"`
	PersonaTitle  string `json:"persona_title"`
	PersonaCircle string `json:"persona_circle,omitempty"`
}

// RunRequest carries the parameters for [Runner.Run].
type RunRequest struct {
	WorkflowID string    `json:"workflow_id"`
	Principal  Principal `json:"principal"`
	PolicyHint string    `json:"policy_hint"`
	DryRun     bool      `json:"dry_run"`
}

// Item is a workflow item as listed by the domain service.
type Item struct {
	ItemID string `json:"item_id"`
	Kind   string `json:"kind,omitempty"`
}

// ItemResult is the classified outcome of executing one item.
type ItemResult struct {
	ItemID      string                   `json:"item_id"`
	Kind        string                   `json:"kind,omitempty"`
	Status      string                   `json:"status"`
	Decision    string                   `json:"decision"`
	ReasonCodes []string                 `json:"reason_codes,omitempty"`
	Advice      []map[string]interface{} `json:"advice,omitempty"`
}

// Run is the record of one agent run. Error is set only when the run itself
// could not proceed (pre-flight deny, listing failure); per-item outcomes
// live in Results.
type Run struct {
	RunID      string       `json:"run_id"`
	WorkflowID string       `json:"workflow_id"`
	Principal  string       `json:"principal"`
	DryRun     bool         `json:"dry_run"`
	Results    []ItemResult `json:"results"`
	Error      string       `json:"error,omitempty"`
}

func newRunID() string {
	return "wr_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}
