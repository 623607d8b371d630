//
//  Copyright © Manetu Inc. All rights reserved.
//

package server

import (
	"net/http"

	"github.com/manetu/flowpilot/pkg/agent"
	"github.com/manetu/flowpilot/pkg/common"

	"github.com/labstack/echo/v4"
)

type agentAPI struct {
	runner *agent.Runner
}

// run drives a workflow run. Per-item denies are results inside the run
// record; the endpoint itself fails only on malformed requests.
func (a *agentAPI) run(c echo.Context) error {
	var req agent.RunRequest
	if err := c.Bind(&req); err != nil {
		return common.NewError(common.KindInvalidArgument, "agent_runner.invalid_argument", "malformed request body")
	}

	run, err := a.runner.Run(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (a *agentAPI) register(e *echo.Echo, opts Options) {
	e.POST("/v1/workflow-runs", a.run, protect(opts)...)
}

// CreateAgentServer starts the agent runner's HTTP server.
func CreateAgentServer(runner *agent.Runner, opts Options, host string, port int) Server {
	e := newEcho(opts)
	api := &agentAPI{runner: runner}
	api.register(e, opts)
	return start(e, host, port)
}
