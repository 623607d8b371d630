//
//  Copyright © Manetu Inc. All rights reserved.
//

package delegation

import (
	"context"
	"sort"
	"time"

	"github.com/manetu/flowpilot/internal/logging"
	"github.com/manetu/flowpilot/pkg/common"
)

var logger = logging.GetLogger("flowpilot.delegation")

// DefaultMaxDepth bounds the delegation chain length considered during path
// search.
const DefaultMaxDepth = 5

// DefaultScope is applied when a create request carries no scope.
var DefaultScope = []string{"execute"}

// Service implements the delegation graph operations over a [Store].
type Service struct {
	store          Store
	allowedActions []string
	maxDepth       int
}

// NewService creates a delegation service. allowedActions is the set of
// actions that may appear in a delegation scope; maxDepth <= 0 selects
// [DefaultMaxDepth].
func NewService(store Store, allowedActions []string, maxDepth int) *Service {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	actions := make([]string, len(allowedActions))
	copy(actions, allowedActions)
	sort.Strings(actions)
	return &Service{store: store, allowedActions: actions, maxDepth: maxDepth}
}

// AllowedActions returns the full delegable action set, sorted. An identity
// path (principal delegating to itself) confers this entire set.
func (s *Service) AllowedActions() []string {
	return s.allowedActions
}

// CreateRequest carries the parameters for [Service.Create].
type CreateRequest struct {
	PrincipalID string
	DelegateID  string
	WorkflowID  *string
	Scope       []string
	ExpiresAt   time.Time

	// DelegatedBy identifies the authenticated caller. When the caller is
	// not the principal, they may only delegate actions they themselves
	// hold through an existing path from the principal.
	DelegatedBy string
}

// Create inserts a delegation edge, applying the merge rule on conflict with
// an existing live edge. The bool reports whether a new edge was created.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Edge, bool, error) {
	if req.PrincipalID == "" || req.DelegateID == "" {
		return nil, false, common.NewError(common.KindInvalidArgument, "delegation.invalid_argument",
			"principal_id and delegate_id are required")
	}
	if req.PrincipalID == req.DelegateID {
		return nil, false, common.NewError(common.KindInvalidArgument, "delegation.invalid_argument",
			"cannot delegate to self")
	}

	scope := req.Scope
	if len(scope) == 0 {
		scope = DefaultScope
	}
	if !subset(scope, s.allowedActions) {
		return nil, false, common.NewErrorf(common.KindInvalidArgument, "delegation.invalid_scope",
			"scope contains actions outside the delegable set %v", s.allowedActions)
	}

	if !req.ExpiresAt.After(time.Now()) {
		return nil, false, common.NewError(common.KindInvalidArgument, "delegation.invalid_expiry",
			"expires_at must be in the future")
	}

	if req.DelegatedBy != "" && req.DelegatedBy != req.PrincipalID {
		path, err := s.FindPath(ctx, req.PrincipalID, req.DelegatedBy, req.WorkflowID)
		if err != nil {
			return nil, false, err
		}
		if path == nil || !subset(scope, path.Actions) {
			return nil, false, common.NewError(common.KindPermissionDenied, "delegation.insufficient_authority",
				"delegator does not hold the requested actions for this principal")
		}
	}

	edge, created, err := s.store.Insert(ctx, req.PrincipalID, req.DelegateID, req.WorkflowID, scope, req.ExpiresAt)
	if err != nil {
		return nil, false, err
	}

	logger.Infof(req.PrincipalID, "delegation.create", "edge %s -> %s created=%v scope=%v",
		req.PrincipalID, req.DelegateID, created, edge.Scope)
	return edge, created, nil
}

// Revoke stamps revoked_at on the live edge for the triple. Returns false
// when nothing was live; applying it twice yields true then false.
func (s *Service) Revoke(ctx context.Context, principal, delegate string, workflowID *string) (bool, error) {
	if principal == "" || delegate == "" {
		return false, common.NewError(common.KindInvalidArgument, "delegation.invalid_argument",
			"principal_id and delegate_id are required")
	}

	revoked, err := s.store.Revoke(ctx, principal, delegate, workflowID)
	if err != nil {
		return false, err
	}
	if revoked {
		logger.Infof(principal, "delegation.revoke", "edge %s -> %s revoked", principal, delegate)
	}
	return revoked, nil
}

// ListOutgoing returns delegations granted by principal, newest first.
func (s *Service) ListOutgoing(ctx context.Context, principal string, workflowID *string, includeExpired bool) ([]Edge, error) {
	return s.store.ListOutgoing(ctx, principal, workflowID, includeExpired)
}

// ListIncoming returns delegations received by delegate, newest first.
func (s *Service) ListIncoming(ctx context.Context, delegate string, workflowID *string, includeExpired bool) ([]Edge, error) {
	return s.store.ListIncoming(ctx, delegate, workflowID, includeExpired)
}

// FindPath searches for a delegation chain from principal to delegate using
// breadth-first traversal over live edges, bounded by the configured depth.
//
// The action set along a path is the intersection of the per-edge scopes.
// When several paths reach the delegate, a path whose action set contains
// execute wins over one that does not, then the shorter path wins. Identity
// (principal == delegate) yields a single-node path conferring the full
// delegable action set. Returns nil when no path exists.
func (s *Service) FindPath(ctx context.Context, principal, delegate string, workflowID *string) (*Path, error) {
	if principal == "" || delegate == "" {
		return nil, common.NewError(common.KindInvalidArgument, "delegation.invalid_argument",
			"principal_id and delegate_id are required")
	}

	if principal == delegate {
		return &Path{Path: []string{principal}, Actions: s.AllowedActions()}, nil
	}

	type node struct {
		id      string
		path    []string
		actions []string
	}

	queue := []node{{id: principal, path: []string{principal}, actions: nil}}
	var candidates []*Path

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		// len(path) == depth+1; stop expanding at the configured depth
		if len(cur.path) > s.maxDepth {
			continue
		}

		edges, err := s.store.LiveEdgesFrom(ctx, cur.id, workflowID)
		if err != nil {
			return nil, err
		}

		for _, e := range edges {
			if contains(cur.path, e.DelegateID) {
				continue // cycle
			}

			actions := e.Scope
			if cur.actions != nil {
				actions = intersect(cur.actions, e.Scope)
			} else {
				actions = intersect(e.Scope, e.Scope) // sorted copy
			}

			path := append(append([]string{}, cur.path...), e.DelegateID)

			if e.DelegateID == delegate {
				candidates = append(candidates, &Path{Path: path, Actions: actions})
				continue
			}

			queue = append(queue, node{id: e.DelegateID, path: path, actions: actions})
		}
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		iExec := candidates[i].HasAction("execute")
		jExec := candidates[j].HasAction("execute")
		if iExec != jExec {
			return iExec
		}
		return len(candidates[i].Path) < len(candidates[j].Path)
	})

	best := candidates[0]
	logger.Debugf(principal, "delegation.find_path", "path %v actions %v", best.Path, best.Actions)
	return best, nil
}

// ValidationResult is the answer to "may delegate act for principal on this
// workflow, and with which actions".
type ValidationResult struct {
	Valid            bool     `json:"valid"`
	DelegationChain  []string `json:"delegation_chain"`
	DelegatedActions []string `json:"delegated_actions"`
}

// Validate resolves the delegation path and reports its chain and action
// set. Absence of a path is a valid=false result, not an error.
func (s *Service) Validate(ctx context.Context, principal, delegate string, workflowID *string) (*ValidationResult, error) {
	path, err := s.FindPath(ctx, principal, delegate, workflowID)
	if err != nil {
		return nil, err
	}
	if path == nil {
		return &ValidationResult{Valid: false, DelegationChain: []string{}, DelegatedActions: []string{}}, nil
	}
	return &ValidationResult{Valid: true, DelegationChain: path.Path, DelegatedActions: path.Actions}, nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
