//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package delegation implements the delegation graph: directed, scoped,
// expiring, revocable edges between principals, with transitive path search
// that computes the weakest common action set along a path.
//
// Edges are adjacency rows in a relational store, not an in-memory object
// graph. Traversal is an iterative breadth-first search with an explicit
// depth cutoff, so writes stay O(1) and reads stay bounded.
package delegation

import (
	"sort"
	"time"
)

// Edge is one directed delegation from principal to delegate.
//
// WorkflowID of nil means the delegation applies to any workflow. An edge is
// never physically deleted; revocation stamps RevokedAt and expiry is
// implicit via ExpiresAt.
type Edge struct {
	ID          int64      `json:"id"`
	PrincipalID string     `json:"principal_id"`
	DelegateID  string     `json:"delegate_id"`
	WorkflowID  *string    `json:"workflow_id,omitempty"`
	Scope       []string   `json:"scope"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Live reports whether the edge is usable at instant now: not revoked and
// not expired.
func (e *Edge) Live(now time.Time) bool {
	return e.RevokedAt == nil && e.ExpiresAt.After(now)
}

// HasAction reports whether the edge's scope contains the action.
func (e *Edge) HasAction(action string) bool {
	for _, a := range e.Scope {
		if a == action {
			return true
		}
	}
	return false
}

// Path is the result of a successful delegation path search.
//
// Path lists the principal ids along the chain, source first. Actions is the
// intersection of per-edge scopes along the chain, sorted.
type Path struct {
	Path    []string `json:"delegation_chain"`
	Actions []string `json:"delegated_actions"`
}

// HasAction reports whether the path confers the action.
func (p *Path) HasAction(action string) bool {
	for _, a := range p.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// intersect returns the sorted intersection of two action sets.
func intersect(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, x := range b {
		in[x] = true
	}
	var out []string
	for _, x := range a {
		if in[x] {
			out = append(out, x)
			in[x] = false // dedupe
		}
	}
	sort.Strings(out)
	return out
}

// union returns the sorted union of two action sets.
func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, x := range a {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	for _, x := range b {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	sort.Strings(out)
	return out
}

// subset reports whether every element of a is in b.
func subset(a, b []string) bool {
	in := make(map[string]bool, len(b))
	for _, x := range b {
		in[x] = true
	}
	for _, x := range a {
		if !in[x] {
			return false
		}
	}
	return true
}
