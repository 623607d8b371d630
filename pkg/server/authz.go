//
//  Copyright © Manetu Inc. All rights reserved.
//

package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/manetu/flowpilot/pkg/auth"
	"github.com/manetu/flowpilot/pkg/authz"
	"github.com/manetu/flowpilot/pkg/common"

	"github.com/labstack/echo/v4"
)

// ExchangeConfig wires the token exchange endpoint: the verifier checks the
// inbound identity-provider token, the exchanger mints the pseudonymous
// access token that crosses internal service boundaries.
type ExchangeConfig struct {
	Verifier  *auth.Verifier
	Exchanger *auth.Exchanger
}

type authzAPI struct {
	engine    *authz.Engine
	exchange  *ExchangeConfig
	maxString int
}

func (a *authzAPI) evaluate(c echo.Context) error {
	var req authz.Request
	if err := c.Bind(&req); err != nil {
		return common.NewError(common.KindInvalidArgument, "authz.invalid_request", "malformed request body")
	}

	req.Subject.Properties = sanitizeMap(req.Subject.Properties, a.maxString)
	req.Resource.Properties = sanitizeMap(req.Resource.Properties, a.maxString)
	req.Context.Principal = sanitizeMap(req.Context.Principal, a.maxString)

	return c.JSON(http.StatusOK, a.engine.Evaluate(c.Request().Context(), &req))
}

type exchangeRequest struct {
	Token string `json:"token"`
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// exchangeToken verifies an identity-provider token and re-emits a
// short-lived access token whose sole identifying claim is the subject.
// Identifying claims beyond sub never cross this boundary.
func (a *authzAPI) exchangeToken(c echo.Context) error {
	var req exchangeRequest
	if err := c.Bind(&req); err != nil {
		return common.NewError(common.KindInvalidArgument, "auth.invalid_request", "malformed request body")
	}

	token := req.Token
	if token == "" {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, _ = strings.CutPrefix(header, "Bearer ")
	}
	if token == "" {
		return common.NewError(common.KindUnauthenticated, "auth.missing_token", "identity token required")
	}

	claims, err := a.exchange.Verifier.Verify(token)
	if err != nil {
		return err
	}

	minted, expiresAt, err := a.exchange.Exchanger.Mint(claims.Subject)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, exchangeResponse{
		AccessToken: minted,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
	})
}

func (a *authzAPI) register(e *echo.Echo, opts Options) {
	a.maxString = opts.MaxString
	e.POST("/v1/evaluate", a.evaluate, protect(opts)...)
	if a.exchange != nil {
		// The exchange endpoint authenticates with the IdP token itself
		e.POST("/v1/token/exchange", a.exchangeToken)
	}
}

// CreateAuthzServer starts the authorization service's HTTP server.
// exchange may be nil to disable the token exchange endpoint.
func CreateAuthzServer(engine *authz.Engine, exchange *ExchangeConfig, opts Options, host string, port int) Server {
	e := newEcho(opts)
	api := &authzAPI{engine: engine, exchange: exchange}
	api.register(e, opts)
	return start(e, host, port)
}
