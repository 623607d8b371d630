//
//  Copyright © Manetu Inc. All rights reserved.
//

package server

import (
	"net/http"
	"time"

	"github.com/manetu/flowpilot/pkg/cache"
	"github.com/manetu/flowpilot/pkg/common"
	"github.com/manetu/flowpilot/pkg/delegation"

	"github.com/labstack/echo/v4"
)

type delegationAPI struct {
	service *delegation.Service
	cache   *cache.Cache
}

type createDelegationRequest struct {
	PrincipalID string     `json:"principal_id"`
	DelegateID  string     `json:"delegate_id"`
	WorkflowID  *string    `json:"workflow_id,omitempty"`
	Scope       []string   `json:"scope,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	DelegatedBy string     `json:"delegated_by,omitempty"`
}

type createDelegationResponse struct {
	Delegation *delegation.Edge `json:"delegation"`
	Merged     bool             `json:"merged"`
}

func (a *delegationAPI) create(c echo.Context) error {
	var req createDelegationRequest
	if err := c.Bind(&req); err != nil {
		return common.NewError(common.KindInvalidArgument, "delegation.invalid_argument", "malformed request body")
	}

	var expiresAt time.Time
	if req.ExpiresAt != nil {
		expiresAt = *req.ExpiresAt
	}

	edge, merged, err := a.service.Create(c.Request().Context(), delegation.CreateRequest{
		PrincipalID: req.PrincipalID,
		DelegateID:  req.DelegateID,
		WorkflowID:  req.WorkflowID,
		Scope:       req.Scope,
		ExpiresAt:   expiresAt,
		DelegatedBy: req.DelegatedBy,
	})
	if err != nil {
		return err
	}

	a.cache.Invalidate(c.Request().Context(), cache.FamilyDelegation)
	a.cache.Invalidate(c.Request().Context(), cache.FamilyAuthz)

	status := http.StatusCreated
	if merged {
		status = http.StatusOK
	}
	return c.JSON(status, createDelegationResponse{Delegation: edge, Merged: merged})
}

func workflowParam(c echo.Context) *string {
	if wf := c.QueryParam("workflow_id"); wf != "" {
		return &wf
	}
	return nil
}

func (a *delegationAPI) list(c echo.Context) error {
	ctx := c.Request().Context()
	includeExpired := c.QueryParam("include_expired") == "true"
	workflowID := workflowParam(c)

	principal := c.QueryParam("principal_id")
	delegate := c.QueryParam("delegate_id")

	var edges []delegation.Edge
	var err error
	switch {
	case principal != "" && delegate == "":
		edges, err = a.service.ListOutgoing(ctx, principal, workflowID, includeExpired)
	case delegate != "" && principal == "":
		edges, err = a.service.ListIncoming(ctx, delegate, workflowID, includeExpired)
	default:
		return common.NewError(common.KindInvalidArgument, "delegation.invalid_argument",
			"exactly one of principal_id or delegate_id is required")
	}
	if err != nil {
		return err
	}
	if edges == nil {
		edges = []delegation.Edge{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"delegations": edges})
}

func (a *delegationAPI) revoke(c echo.Context) error {
	revoked, err := a.service.Revoke(c.Request().Context(),
		c.QueryParam("principal_id"), c.QueryParam("delegate_id"), workflowParam(c))
	if err != nil {
		return err
	}

	a.cache.Invalidate(c.Request().Context(), cache.FamilyDelegation)
	a.cache.Invalidate(c.Request().Context(), cache.FamilyAuthz)

	return c.JSON(http.StatusOK, map[string]bool{"revoked": revoked})
}

func (a *delegationAPI) validate(c echo.Context) error {
	result, err := a.service.Validate(c.Request().Context(),
		c.QueryParam("principal_id"), c.QueryParam("delegate_id"), workflowParam(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (a *delegationAPI) register(e *echo.Echo, opts Options) {
	g := e.Group("/v1/delegations", protect(opts)...)
	g.POST("", a.create)
	g.GET("", a.list)
	g.DELETE("", a.revoke)
	g.GET("/validate", a.validate)
}

// CreateDelegationServer starts the delegation service's HTTP server.
// responseCache may be nil.
func CreateDelegationServer(service *delegation.Service, responseCache *cache.Cache, opts Options, host string, port int) Server {
	e := newEcho(opts)
	api := &delegationAPI{service: service, cache: responseCache}
	api.register(e, opts)
	return start(e, host, port)
}
