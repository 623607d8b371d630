//
//  Copyright © Manetu Inc. All rights reserved.
//

package authz

import (
	"context"

	"github.com/manetu/flowpilot/pkg/delegation"
	"github.com/manetu/flowpilot/pkg/persona"
)

// ServicePersonaSource adapts the in-process persona service to
// [PersonaSource], for single-binary deployments.
type ServicePersonaSource struct {
	Service *persona.Service
}

// Lookup implements [PersonaSource].
func (s *ServicePersonaSource) Lookup(ctx context.Context, userSub, title string) (*PersonaRecord, error) {
	p, err := s.Service.GetByUserTitle(ctx, userSub, title)
	if err != nil {
		return nil, err
	}
	return &PersonaRecord{
		ID:         p.ID,
		UserSub:    p.UserSub,
		Title:      p.Title,
		Status:     p.Status,
		ValidFrom:  p.ValidFrom,
		ValidTill:  p.ValidTill,
		Attributes: p.Attributes,
	}, nil
}

// ServiceDelegationSource adapts the in-process delegation service to
// [DelegationSource].
type ServiceDelegationSource struct {
	Service *delegation.Service
}

// FindPath implements [DelegationSource]. Returns (nil, nil) when no chain
// exists.
func (s *ServiceDelegationSource) FindPath(ctx context.Context, ownerID, principalID, workflowID string) (*DelegationPath, error) {
	var wf *string
	if workflowID != "" {
		wf = &workflowID
	}

	path, err := s.Service.FindPath(ctx, ownerID, principalID, wf)
	if err != nil {
		return nil, err
	}
	if path == nil {
		return nil, nil
	}
	return &DelegationPath{Chain: path.Path, Actions: path.Actions}, nil
}

// interface checks
var (
	_ PersonaSource    = (*ServicePersonaSource)(nil)
	_ DelegationSource = (*ServiceDelegationSource)(nil)
)
