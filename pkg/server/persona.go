//
//  Copyright © Manetu Inc. All rights reserved.
//

package server

import (
	"net/http"
	"sort"
	"time"

	"github.com/manetu/flowpilot/pkg/cache"
	"github.com/manetu/flowpilot/pkg/common"
	"github.com/manetu/flowpilot/pkg/persona"

	"github.com/labstack/echo/v4"
)

type personaAPI struct {
	service   *persona.Service
	cache     *cache.Cache
	maxString int
}

type createPersonaRequest struct {
	UserSub    string                 `json:"user_sub"`
	Title      string                 `json:"title"`
	Circle     string                 `json:"circle"`
	Domain     string                 `json:"domain,omitempty"`
	Scope      []string               `json:"scope,omitempty"`
	Status     string                 `json:"status,omitempty"`
	ValidFrom  *time.Time             `json:"valid_from,omitempty"`
	ValidTill  *time.Time             `json:"valid_till,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

func (a *personaAPI) create(c echo.Context) error {
	var req createPersonaRequest
	if err := c.Bind(&req); err != nil {
		return common.NewError(common.KindInvalidArgument, "persona.invalid_argument", "malformed request body")
	}

	p, err := a.service.Create(c.Request().Context(), persona.CreateRequest{
		UserSub:    req.UserSub,
		Title:      req.Title,
		Circle:     req.Circle,
		Domain:     req.Domain,
		Scope:      req.Scope,
		Status:     req.Status,
		ValidFrom:  req.ValidFrom,
		ValidTill:  req.ValidTill,
		Attributes: sanitizeMap(req.Attributes, a.maxString),
	})
	if err != nil {
		return err
	}

	a.cache.Invalidate(c.Request().Context(), cache.FamilyPersona)
	a.cache.Invalidate(c.Request().Context(), cache.FamilyAuthz)
	return c.JSON(http.StatusCreated, p)
}

func (a *personaAPI) get(c echo.Context) error {
	p, err := a.service.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

type updatePersonaRequest struct {
	Domain     string                 `json:"domain,omitempty"`
	Scope      []string               `json:"scope,omitempty"`
	Status     *string                `json:"status,omitempty"`
	ValidFrom  *time.Time             `json:"valid_from,omitempty"`
	ValidTill  *time.Time             `json:"valid_till,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

func (a *personaAPI) update(c echo.Context) error {
	var req updatePersonaRequest
	if err := c.Bind(&req); err != nil {
		return common.NewError(common.KindInvalidArgument, "persona.invalid_argument", "malformed request body")
	}

	p, err := a.service.Update(c.Request().Context(), c.Param("id"), persona.UpdateRequest{
		Domain:     req.Domain,
		Scope:      req.Scope,
		Status:     req.Status,
		ValidFrom:  req.ValidFrom,
		ValidTill:  req.ValidTill,
		Attributes: sanitizeMap(req.Attributes, a.maxString),
	})
	if err != nil {
		return err
	}

	a.cache.Invalidate(c.Request().Context(), cache.FamilyPersona)
	a.cache.Invalidate(c.Request().Context(), cache.FamilyAuthz)
	return c.JSON(http.StatusOK, p)
}

func (a *personaAPI) remove(c echo.Context) error {
	deleted, err := a.service.Delete(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	a.cache.Invalidate(c.Request().Context(), cache.FamilyPersona)
	a.cache.Invalidate(c.Request().Context(), cache.FamilyAuthz)
	return c.JSON(http.StatusOK, map[string]bool{"deleted": deleted})
}

// listForUser returns a user's personas, optionally narrowed by title.
// Title-narrowed results are ordered preferred-first (active before
// inactive, then newest) so enrichment callers can take the head.
func (a *personaAPI) listForUser(c echo.Context) error {
	personas, err := a.service.List(c.Request().Context(), c.Param("user_sub"), c.QueryParam("status"))
	if err != nil {
		return err
	}

	if title := c.QueryParam("title"); title != "" {
		filtered := personas[:0]
		for _, p := range personas {
			if p.Title == title {
				filtered = append(filtered, p)
			}
		}
		personas = filtered

		now := time.Now()
		sort.SliceStable(personas, func(i, j int) bool {
			iActive := personas[i].Active(now)
			jActive := personas[j].Active(now)
			if iActive != jActive {
				return iActive
			}
			return personas[i].CreatedAt.After(personas[j].CreatedAt)
		})
	}

	if personas == nil {
		personas = []persona.Persona{}
	}
	return c.JSON(http.StatusOK, personas)
}

// getActive returns the user's newest active persona, the identity a
// delegation or run request acts under by default.
func (a *personaAPI) getActive(c echo.Context) error {
	p, err := a.service.GetActive(c.Request().Context(), c.Param("user_sub"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// listByTitle discovers personas across users, e.g. delegation candidates
// holding a delegable title.
func (a *personaAPI) listByTitle(c echo.Context) error {
	personas, err := a.service.ListByTitle(c.Request().Context(), c.QueryParam("title"), c.QueryParam("status"))
	if err != nil {
		return err
	}
	if personas == nil {
		personas = []persona.Persona{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"personas": personas})
}

func (a *personaAPI) register(e *echo.Echo, opts Options) {
	a.maxString = opts.MaxString
	g := e.Group("/v1", protect(opts)...)
	g.POST("/personas", a.create)
	g.GET("/personas/:id", a.get)
	g.PUT("/personas/:id", a.update)
	g.PATCH("/personas/:id", a.update)
	g.DELETE("/personas/:id", a.remove)
	g.GET("/users/:user_sub/personas", a.listForUser)
	g.GET("/users/:user_sub/personas/active", a.getActive)
	g.GET("/users/by-persona", a.listByTitle)
}

// CreatePersonaServer starts the persona service's HTTP server.
// responseCache may be nil.
func CreatePersonaServer(service *persona.Service, responseCache *cache.Cache, opts Options, host string, port int) Server {
	e := newEcho(opts)
	api := &personaAPI{service: service, cache: responseCache}
	api.register(e, opts)
	return start(e, host, port)
}
