//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package authz implements the authorization decision engine. It validates
// AuthZEN evaluation requests, assembles the policy input document from the
// manifest registry and the persona and delegation sources, and maps the
// rule engine's verdict to an allow or deny decision.
package authz

import (
	"context"
	"time"
)

// Decision values carried by [Response].
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Subject identifies who is asking.
type Subject struct {
	Type       string                 `json:"type"`
	ID         string                 `json:"id"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Action names what the subject wants to do.
type Action struct {
	Name string `json:"name"`
}

// Resource identifies the target of the action. Properties may carry an
// "owner" block naming the resource owner and the persona the owner acts
// under.
type Resource struct {
	Type       string                 `json:"type"`
	ID         string                 `json:"id"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// RequestContext carries the acting principal and the policy selection hint.
type RequestContext struct {
	Principal  map[string]interface{} `json:"principal,omitempty"`
	PolicyHint string                 `json:"policy_hint,omitempty"`
}

// Options tunes a single evaluation.
type Options struct {
	Explain bool `json:"explain,omitempty"`
	Metrics bool `json:"metrics,omitempty"`
	DryRun  bool `json:"dry_run,omitempty"`
}

// Request is the AuthZEN evaluation request.
type Request struct {
	Subject  Subject        `json:"subject"`
	Action   Action         `json:"action"`
	Resource Resource       `json:"resource"`
	Context  RequestContext `json:"context"`
	Options  Options        `json:"options,omitempty"`
}

// Response is the evaluation verdict. ReasonCodes and Advice are always
// present, empty on an unqualified allow.
type Response struct {
	Decision    string                   `json:"decision"`
	ReasonCodes []string                 `json:"reason_codes"`
	Advice      []map[string]interface{} `json:"advice"`
}

// Allowed reports whether the response is an allow.
func (r *Response) Allowed() bool {
	return r.Decision == DecisionAllow
}

// PersonaRecord is the persona view the engine needs for enrichment.
type PersonaRecord struct {
	ID         string
	UserSub    string
	Title      string
	Status     string
	ValidFrom  time.Time
	ValidTill  time.Time
	Attributes map[string]interface{}
}

// PersonaSource resolves a user's persona by title. Implementations exist
// over the in-process persona service and over its HTTP API.
type PersonaSource interface {
	Lookup(ctx context.Context, userSub, title string) (*PersonaRecord, error)
}

// DelegationPath is the delegation view the engine attaches to the policy
// input. Both slices are non-nil; empty means no authority found.
type DelegationPath struct {
	Chain   []string
	Actions []string
}

// DelegationSource resolves a delegation chain from a resource owner to the
// acting principal.
type DelegationSource interface {
	FindPath(ctx context.Context, ownerID, principalID, workflowID string) (*DelegationPath, error)
}
